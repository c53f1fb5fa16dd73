// Package app is the composition root: it builds the server and worker
// processes from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/uniedit/taskorch/internal/infra/config"
	"github.com/uniedit/taskorch/internal/infra/queue"
	"github.com/uniedit/taskorch/internal/module/task"
)

// App is the HTTP server process.
type App struct {
	config     *config.Config
	logger     *zap.Logger
	router     *gin.Engine
	backend    *QueueBackend
	reconciler *task.Reconciler
}

// NewApp assembles an App from its parts.
func NewApp(cfg *config.Config, log *zap.Logger, router *gin.Engine, backend *QueueBackend, reconciler *task.Reconciler) *App {
	return &App{
		config:     cfg,
		logger:     log,
		router:     router,
		backend:    backend,
		reconciler: reconciler,
	}
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Start launches background work. With the local queue the server also runs
// the reconciler; with the durable queue the worker does, and the server
// listens for job outcomes.
func (a *App) Start(ctx context.Context) error {
	if dq := a.backend.Durable; dq != nil {
		ready := make(chan struct{})
		errCh := make(chan error, 1)
		go func() {
			if err := dq.Listen(ctx, ready); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("job event listener stopped", zap.Error(err))
				errCh <- err
			}
		}()
		select {
		case <-ready:
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	go a.reconciler.Start(ctx)
	return nil
}

// Shutdown lets local jobs finish within timeout, then cancels the rest.
// Cancelled tasks keep their debit until the reconciler settles them.
func (a *App) Shutdown(timeout time.Duration) {
	lq := a.backend.Local
	if lq == nil {
		return
	}
	if err := lq.Drain(timeout); err != nil {
		pending, running := lq.Stats()
		a.logger.Warn("local queue did not drain, cancelling jobs",
			zap.Int("pending", pending),
			zap.Int("running", running),
			zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lq.Stop(ctx); err != nil {
		a.logger.Error("local queue stop timed out", zap.Error(err))
	}
}

// Worker is the durable queue consumer process.
type Worker struct {
	logger         *zap.Logger
	worker         *queue.Worker
	reconciler     *task.Reconciler
	metricsAddress string
}

// NewWorkerApp assembles a Worker.
func NewWorkerApp(cfg *config.Config, log *zap.Logger, worker *queue.Worker, reconciler *task.Reconciler) *Worker {
	return &Worker{
		logger:         log,
		worker:         worker,
		reconciler:     reconciler,
		metricsAddress: cfg.Worker.MetricsAddress,
	}
}

// Logger returns the worker logger.
func (w *Worker) Logger() *zap.Logger {
	return w.logger
}

// Run consumes jobs and reconciles until ctx is cancelled. Queue, poll,
// provider, ledger and reconciler metrics are recorded here in durable mode,
// so the worker serves its own /metrics.
func (w *Worker) Run(ctx context.Context) error {
	if w.metricsAddress != "" {
		ln, err := net.Listen("tcp", w.metricsAddress)
		if err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		srv := &http.Server{Handler: w.metricsRouter(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		w.logger.Info("worker metrics listening", zap.String("address", ln.Addr().String()))
	}

	go w.reconciler.Start(ctx)
	return w.worker.Run(ctx)
}

func (w *Worker) metricsRouter() *gin.Engine {
	r := gin.New()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "consumer": w.worker.Consumer()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
