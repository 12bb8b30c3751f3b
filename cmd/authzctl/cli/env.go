package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/jobs"
)

type jobsEnqueuer struct {
	client *jobs.Client
}

func (j jobsEnqueuer) EnqueueOverrideCleanup(ctx context.Context, requestedBy string) (string, error) {
	info, err := j.client.EnqueueOverrideCleanup(ctx, requestedBy)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// OpenEnv builds the environment from the process configuration. With
// global.Memory the store is an in-memory one holding only the system roles.
func OpenEnv(ctx context.Context, global GlobalOptions, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if global.Memory {
		cfg := &app.Config{
			SuperRole:    rbac.DefaultSuperRole,
			CacheTTL:     rbac.DefaultCacheTTL,
			CacheShards:  1,
			StoreTimeout: 3 * time.Second,
		}
		services := app.NewServices(cfg, rbac.NewMemoryStore(), logger)
		if _, err := services.Admin.EnsureSystemRoles(ctx); err != nil {
			return nil, fmt.Errorf("seed memory store: %w", err)
		}
		return &Env{Engine: services.Engine, Admin: services.Admin}, nil
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: 2, ConnectTimeout: cfg.StoreTimeout})
	if err != nil {
		return nil, err
	}
	closers := []func(){pool.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var opts []rbac.EngineOption
	if cfg.Broadcast {
		redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Warn("redis unavailable, peers will not see invalidations", slog.Any("error", err))
		} else {
			closers = append(closers, func() { _ = redisClient.Close() })
			opts = append(opts, rbac.WithPublisher(rbac.NewBroadcaster(redisClient, cfg.InvalidationChannel, logger)))
		}
	}

	services := app.NewServices(cfg, rbac.NewRepository(pool), logger, opts...)
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, func() { _ = client.Close() })

	return &Env{
		Engine: services.Engine,
		Admin:  services.Admin,
		Jobs:   jobsEnqueuer{client: client},
		Close:  closeAll,
	}, nil
}
