package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/rentledger/rentledger/internal/app"
	jobmetrics "github.com/rentledger/rentledger/internal/jobs"
	"github.com/rentledger/rentledger/internal/observability"
	"github.com/rentledger/rentledger/internal/platform/cache"
	"github.com/rentledger/rentledger/internal/platform/db"
	"github.com/rentledger/rentledger/internal/rental"
	"github.com/rentledger/rentledger/internal/shared"
	"github.com/rentledger/rentledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Asynq manages its own connections; this client exists to fail fast
	// when the broker is unreachable at startup.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	idemStore := shared.NewIdempotencyStore(pool)
	auditLog := shared.NewAuditLogger(pool)

	rentalRepo := rental.NewRepository(pool)
	rentalService := rental.NewService(rentalRepo, auditLog, idemStore, rental.ServiceConfig{
		Logger:            logger,
		LowStockInclusive: cfg.LowStockInclusive,
	})

	obs := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(obs.Registerer())

	sweepJob := jobs.NewSweepOverdueJob(rentalService, logger, metrics)
	stockJob := jobs.NewStockAlertJob(rentalRepo, logger, metrics, cfg.LowStockInclusive)
	cleanupJob := &jobs.IdempotencyCleanupJob{Store: idemStore, Logger: logger}

	sweepTask, err := jobs.NewSweepOverdueTask(time.Time{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	stockTask, err := jobs.NewStockLowAlertTask(nil)
	if err != nil {
		logger.Error("build stock alert task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(72)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRentalSweepOverdue, Handler: sweepJob.Handle},
			{Type: jobs.TaskStockLowAlert, Handler: stockJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCronSpec, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LowStockCronSpec, Task: stockTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 3 * * *", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := chi.NewRouter()
	router.Use(obs.Middleware)
	jobsHandler.MountRoutes(router)
	router.Method(http.MethodGet, "/metrics", obs.Handler())

	opsServer := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting ops listener", slog.String("addr", cfg.OpsAddr))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
