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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/observability"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, ConnectTimeout: cfg.StoreTimeout})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	repo := rbac.NewRepository(dbpool)
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("migrate rbac schema", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	rbacMetrics := rbac.NewMetrics(metrics.Registerer())
	engineOpts := []rbac.EngineOption{rbac.WithMetrics(rbacMetrics)}

	var broadcaster *rbac.Broadcaster
	if cfg.Broadcast {
		redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		broadcaster = rbac.NewBroadcaster(redisClient, cfg.InvalidationChannel, logger)
		engineOpts = append(engineOpts, rbac.WithPublisher(broadcaster))
	}

	services := app.NewServices(cfg, repo, logger, engineOpts...)
	if _, err := services.Admin.EnsureSystemRoles(ctx); err != nil {
		logger.Error("seed system roles", slog.Any("error", err))
		os.Exit(1)
	}

	if broadcaster != nil {
		if err := broadcaster.Listen(ctx, services.Cache); err != nil {
			logger.Error("listen for invalidations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	go services.Cache.RunSweeper(ctx, cfg.CacheSweepInterval, func(removed int) {
		rbacMetrics.ObserveCacheStats(services.Cache.Stats())
		if removed > 0 {
			logger.Debug("decision cache swept", slog.Int("removed", removed))
		}
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	rbacMiddleware := rbac.Middleware{Engine: services.Engine, Logger: logger}
	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      metrics,
		AuthzHandler: rbac.NewHandler(logger, services.Engine, services.Admin, rbacMiddleware),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Ready:        dbpool.Ping,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
