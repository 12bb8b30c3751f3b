package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz/internal/app"
	jobmetrics "github.com/odyssey-erp/authz/internal/jobs"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/jobs"
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

	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: 4, ConnectTimeout: cfg.StoreTimeout})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var engineOpts []rbac.EngineOption
	if cfg.Broadcast {
		redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
			engineOpts = append(engineOpts, rbac.WithPublisher(rbac.NewBroadcaster(redisClient, cfg.InvalidationChannel, logger)))
		}
	}

	services := app.NewServices(cfg, rbac.NewRepository(pool), logger, engineOpts...)
	cleanupJob := jobs.NewOverrideCleanupJob(services.Admin, logger, jobmetrics.NewMetrics(nil))

	cleanupTask, err := jobs.NewOverrideCleanupTask("scheduler")
	if err != nil {
		logger.Error("build override cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverrideCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverrideCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
