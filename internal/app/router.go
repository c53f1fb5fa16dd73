package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/infra/config"
	"github.com/uniedit/taskorch/internal/module/ledger"
	"github.com/uniedit/taskorch/internal/module/task"
	"github.com/uniedit/taskorch/internal/utils/metrics"
	"github.com/uniedit/taskorch/internal/utils/middleware"
)

// ProvideRouter creates the Gin router and registers every route.
func ProvideRouter(
	cfg *config.Config,
	log *zap.Logger,
	m *metrics.Metrics,
	rdb goredis.UniversalClient,
	validator middleware.JWTValidator,
	admins *middleware.AdminAuthorizer,
	limiter *middleware.UserRateLimiter,
	backend *QueueBackend,
	ledgerHandler *ledger.Handler,
	taskHandler *task.Handler,
) *gin.Engine {
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(log))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": backend.Queue.Backend()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	protected := v1.Group("", middleware.RequireAuth(validator))

	ledgerHandler.RegisterRoutes(protected)
	taskHandler.RegisterRoutes(protected,
		middleware.RateLimitByUser(limiter),
		middleware.Idempotency(rdb, cfg.Server.IdempotencyTTL, log),
	)

	admin := protected.Group("/admin", middleware.RequireAdmin(admins))
	ledgerHandler.RegisterAdminRoutes(admin)
	taskHandler.RegisterAdminRoutes(admin)

	return r
}
