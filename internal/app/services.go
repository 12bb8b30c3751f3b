package app

import (
	"log/slog"

	"github.com/odyssey-erp/authz/internal/rbac"
)

// Services bundles the authorization components built from one store.
type Services struct {
	Store  rbac.Store
	Cache  *rbac.DecisionCache
	Engine *rbac.Engine
	Admin  *rbac.Admin
}

// NewServices wires the decision cache, engine and administration over store
// using the AUTHZ_* settings of cfg.
func NewServices(cfg *Config, store rbac.Store, logger *slog.Logger, opts ...rbac.EngineOption) *Services {
	cache := rbac.NewDecisionCache(rbac.CacheConfig{
		TTL:    cfg.CacheTTL,
		Shards: cfg.CacheShards,
	})
	engine := rbac.NewEngine(store, cache, logger, rbac.EngineConfig{
		SuperRole:    cfg.SuperRole,
		StoreTimeout: cfg.StoreTimeout,
	}, opts...)
	return &Services{
		Store:  store,
		Cache:  cache,
		Engine: engine,
		Admin:  rbac.NewAdmin(store, engine, logger),
	}
}
