package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/wire"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/uniedit/taskorch/internal/adapter/outbound/memstore"
	"github.com/uniedit/taskorch/internal/adapter/outbound/provider"
	s3adapter "github.com/uniedit/taskorch/internal/adapter/outbound/s3"
	"github.com/uniedit/taskorch/internal/infra/config"
	"github.com/uniedit/taskorch/internal/infra/httpclient"
	"github.com/uniedit/taskorch/internal/infra/poll"
	"github.com/uniedit/taskorch/internal/infra/queue"
	"github.com/uniedit/taskorch/internal/module/ledger"
	"github.com/uniedit/taskorch/internal/module/task"
	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/shared/cache"
	"github.com/uniedit/taskorch/internal/shared/database"
	"github.com/uniedit/taskorch/internal/shared/logger"
	"github.com/uniedit/taskorch/internal/utils/metrics"
	"github.com/uniedit/taskorch/internal/utils/middleware"
)

// ===== Infrastructure Providers =====

// InfraSet provides infrastructure dependencies.
var InfraSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideDatabase,
	ProvideRedisClient,
	ProvideHTTPClient,
	ProvideObjectStorage,
)

// ProvideLogger creates the zap logger.
func ProvideLogger(cfg *config.Config) *zap.Logger {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// ProvideMetrics creates the metrics registry.
func ProvideMetrics() *metrics.Metrics {
	return metrics.New("taskorch")
}

// ProvideDatabase opens Postgres. It returns nil when the in-memory stores
// are selected.
func ProvideDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, func(), error) {
	if cfg.Database.IsMemory() {
		log.Warn("using in-memory stores; ledger and tasks are lost on restart")
		return nil, func() {}, nil
	}
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = database.Close(db) }, nil
}

// ProvideRedisClient connects to Redis. The durable queue requires it; the
// idempotency middleware uses it when present.
func ProvideRedisClient(cfg *config.Config, log *zap.Logger) (goredis.UniversalClient, func(), error) {
	noop := func() {}
	durable := cfg.Queue.Durable.Enabled()
	if !durable && !cfg.Redis.Configured() {
		return nil, noop, nil
	}

	client, err := cache.NewRedisClient(context.Background(), cfg.Queue.Durable.RedisURL, &cfg.Redis)
	if err != nil {
		if durable {
			return nil, nil, fmt.Errorf("durable queue redis: %w", err)
		}
		log.Warn("Redis connection failed, continuing without idempotency keys", zap.Error(err))
		return nil, noop, nil
	}
	return client, func() { _ = cache.Close(client) }, nil
}

// ProvideHTTPClient creates a shared HTTP client with connection pooling.
func ProvideHTTPClient(cfg *config.Config) *http.Client {
	return httpclient.New(cfg.HTTPClient)
}

// ProvideObjectStorage selects S3-compatible or in-memory object storage.
func ProvideObjectStorage(cfg *config.Config, log *zap.Logger) (outbound.ObjectStoragePort, error) {
	sc := cfg.Storage
	if sc.Driver != "s3" {
		log.Warn("using in-memory object storage")
		return memstore.New(sc.PublicBaseURL), nil
	}
	return s3adapter.NewObjectStorage(context.Background(), s3adapter.Config{
		Endpoint:        sc.Endpoint,
		Region:          sc.Region,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		Bucket:          sc.Bucket,
		PublicBaseURL:   sc.PublicBaseURL,
		Prefix:          sc.Prefix,
	})
}

// ===== Provider Adapters =====

// ProviderSet provides the external task clients.
var ProviderSet = wire.NewSet(
	ProvideTaskClients,
	wire.Bind(new(outbound.TaskClientRegistry), new(*provider.Registry)),
)

// ProvideTaskClients builds one circuit-broken client per configured kind.
func ProvideTaskClients(cfg *config.Config, client *http.Client, m *metrics.Metrics, log *zap.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	if pc := cfg.Providers.Image; pc.BaseURL != "" {
		pcfg := providerConfig(pc)
		registry.Register(provider.NewBreakerClient(provider.NewImageClient(client, pcfg, m), pcfg.FailureThreshold, pcfg.CircuitTimeout, log))
	}
	if pc := cfg.Providers.Crawl; pc.BaseURL != "" {
		pcfg := providerConfig(pc)
		registry.Register(provider.NewBreakerClient(provider.NewCrawlClient(client, pcfg, m), pcfg.FailureThreshold, pcfg.CircuitTimeout, log))
	}

	log.Info("task providers registered", zap.Strings("kinds", registry.Kinds()))
	return registry
}

func providerConfig(pc config.ProviderConfig) provider.Config {
	return provider.Config{
		BaseURL:          pc.BaseURL,
		APIKey:           pc.APIKey,
		Model:            pc.Model,
		CallTimeout:      pc.CallTimeout,
		FailureThreshold: pc.FailureThreshold,
		CircuitTimeout:   pc.CircuitTimeout,
	}
}

// ===== Ledger Providers =====

// LedgerSet provides the token ledger.
var LedgerSet = wire.NewSet(
	ProvideLedgerStore,
	ProvideLedgerService,
	wire.Bind(new(ledger.ServiceInterface), new(*ledger.Service)),
)

// ProvideLedgerStore selects the Postgres or in-memory ledger store.
func ProvideLedgerStore(db *gorm.DB) ledger.Store {
	if db == nil {
		return ledger.NewMemoryStore()
	}
	return ledger.NewGormStore(db)
}

// ProvideLedgerService creates the ledger service.
func ProvideLedgerService(cfg *config.Config, store ledger.Store, m *metrics.Metrics, log *zap.Logger) *ledger.Service {
	return ledger.NewService(store, ledger.Config{StartingGrant: cfg.Ledger.StartingGrant}, m, log)
}

// ===== Task Providers =====

// TaskSet provides the task runner and everything it depends on.
var TaskSet = wire.NewSet(
	ProvideTaskRepository,
	ProvidePoller,
	task.NewRunner,
	ProvideReconciler,
)

// ProvideTaskRepository selects the Postgres or in-memory task repository.
func ProvideTaskRepository(db *gorm.DB) task.Repository {
	if db == nil {
		return task.NewMemoryRepository()
	}
	return task.NewGormRepository(db)
}

// ProvidePoller creates the poll-until-terminal loop.
func ProvidePoller(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *poll.Poller {
	pc := cfg.Poll
	return poll.NewPoller(poll.Config{
		BaseDelay:        pc.BaseDelay,
		Multiplier:       pc.Multiplier,
		StepSize:         pc.StepSize,
		MaxDelay:         pc.MaxDelay,
		MaxAttempts:      pc.MaxAttempts,
		WallClockTimeout: pc.WallClockTimeout,
		CallTimeout:      pc.CallTimeout,
	}, m, log)
}

// ProvideReconciler creates the settlement sweep.
func ProvideReconciler(cfg *config.Config, repo task.Repository, clients outbound.TaskClientRegistry, runner *task.Runner, m *metrics.Metrics, log *zap.Logger) *task.Reconciler {
	rc := cfg.Reconcile
	return task.NewReconciler(repo, clients, runner, task.ReconcilerConfig{
		Interval:          rc.Interval,
		StaleAfter:        rc.StaleAfter,
		OrphanRefundAfter: rc.OrphanRefundAfter,
		BatchSize:         rc.BatchSize,
	}, m, log)
}

// ===== Queue Providers =====

// QueueBackend is the queue chosen once at startup.
type QueueBackend struct {
	Queue   queue.Queue
	Local   *queue.LocalQueue
	Durable *queue.DurableQueue
}

// QueueSet provides the request-side queue.
var QueueSet = wire.NewSet(
	ProvideQueueBackend,
	ProvideQueue,
	ProvideDeadLetterAdmin,
)

// ProvideQueueBackend builds the durable queue when a Redis URL is set and
// the local queue otherwise.
func ProvideQueueBackend(cfg *config.Config, rdb goredis.UniversalClient, runner *task.Runner, m *metrics.Metrics, log *zap.Logger) *QueueBackend {
	if cfg.Queue.Durable.Enabled() && rdb != nil {
		dq := queue.NewDurableQueue(rdb, durableConfig(cfg), log)
		log.Info("queue backend selected", zap.String("backend", string(queue.BackendDurable)))
		return &QueueBackend{Queue: dq, Durable: dq}
	}

	lc := cfg.Queue.Local
	lq := queue.NewLocalQueue(queue.LocalConfig{
		Concurrency: lc.Concurrency,
		IntervalCap: lc.IntervalCap,
		Interval:    lc.Interval,
		Retries:     lc.Retries,
		Factor:      lc.Factor,
		MinTimeout:  lc.MinTimeout,
		MaxTimeout:  lc.MaxTimeout,
	}, runner.Run, runner.OnFailure, m, log)
	log.Info("queue backend selected", zap.String("backend", string(queue.BackendLocal)))
	return &QueueBackend{Queue: lq, Local: lq}
}

// ProvideQueue exposes the selected backend.
func ProvideQueue(b *QueueBackend) queue.Queue {
	return b.Queue
}

// ProvideDeadLetterAdmin exposes dead letters when the durable backend is on.
func ProvideDeadLetterAdmin(b *QueueBackend) task.DeadLetterAdmin {
	if b.Durable == nil {
		return nil
	}
	return b.Durable
}

// ProvideWorker creates the durable queue consumer.
func ProvideWorker(cfg *config.Config, rdb goredis.UniversalClient, runner *task.Runner, m *metrics.Metrics, log *zap.Logger) (*queue.Worker, error) {
	if !cfg.Queue.Durable.Enabled() || rdb == nil {
		return nil, fmt.Errorf("worker requires queue.durable.redis_url")
	}
	return queue.NewWorker(rdb, durableConfig(cfg), runner.Run, runner.OnFailure, m, log), nil
}

func durableConfig(cfg *config.Config) queue.DurableConfig {
	dc := cfg.Queue.Durable
	return queue.DurableConfig{
		Stream:          dc.Stream,
		Group:           dc.Group,
		Consumer:        dc.Consumer,
		Concurrency:     dc.Concurrency,
		MaxAttempts:     dc.MaxAttempts,
		BackoffBase:     dc.BackoffBase,
		BackoffMax:      dc.BackoffMax,
		BlockTimeout:    dc.BlockTimeout,
		ClaimIdle:       dc.ClaimIdle,
		PromoteInterval: dc.PromoteInterval,
	}
}

// ===== HTTP Providers =====

// HTTPSet provides the handlers and router.
var HTTPSet = wire.NewSet(
	ProvideOrchestrator,
	ProvideAdminAuthorizer,
	ProvideSubmitLimiter,
	ProvideJWTValidator,
	ledger.NewHandler,
	task.NewHandler,
	ProvideRouter,
)

// ProvideOrchestrator creates the request-side task orchestrator.
func ProvideOrchestrator(
	cfg *config.Config,
	repo task.Repository,
	ledgerSvc ledger.ServiceInterface,
	clients outbound.TaskClientRegistry,
	storage outbound.ObjectStoragePort,
	q queue.Queue,
	runner *task.Runner,
	m *metrics.Metrics,
	log *zap.Logger,
) *task.Orchestrator {
	return task.NewOrchestrator(repo, ledgerSvc, clients, storage, q, runner, cfg.Pricing,
		task.OrchestratorConfig{ResponseTimeout: cfg.Server.ResponseTimeout}, m, log)
}

// ProvideSubmitLimiter creates the per-user submit-task rate limiter. It
// returns nil when limiting is disabled.
func ProvideSubmitLimiter(cfg *config.Config) *middleware.UserRateLimiter {
	return middleware.NewUserRateLimiter(cfg.Server.SubmitRatePerMinute, cfg.Server.SubmitBurst)
}

// ProvideAdminAuthorizer creates the administrator check.
func ProvideAdminAuthorizer(cfg *config.Config) *middleware.AdminAuthorizer {
	return middleware.NewAdminAuthorizer(cfg.AccessControl.AdminUserIDs)
}

// ProvideJWTValidator creates the bearer token validator.
func ProvideJWTValidator(cfg *config.Config) (middleware.JWTValidator, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	return middleware.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), nil
}
