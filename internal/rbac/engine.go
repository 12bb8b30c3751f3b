package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
)

const (
	// DefaultSuperRole is the role name that bypasses every check.
	DefaultSuperRole    = "super_admin"
	defaultStoreTimeout = 3 * time.Second
)

// Publisher fans invalidations out to peer processes.
type Publisher interface {
	PublishUser(ctx context.Context, userID string) error
	PublishAll(ctx context.Context) error
}

// EngineConfig tunes the decision engine.
type EngineConfig struct {
	SuperRole    string
	StoreTimeout time.Duration
	Now          func() time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithMetrics records decisions on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher broadcasts explicit invalidations through p.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// Engine decides whether a user holds a permission.
type Engine struct {
	store     Store
	resolver  *Resolver
	cache     *DecisionCache
	logger    *slog.Logger
	metrics   *Metrics
	publisher Publisher
	superRole string
	timeout   time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewEngine wires an Engine over store and cache.
func NewEngine(store Store, cache *DecisionCache, logger *slog.Logger, cfg EngineConfig, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SuperRole == "" {
		cfg.SuperRole = DefaultSuperRole
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		store:     store,
		resolver:  NewResolver(store),
		cache:     cache,
		logger:    logger,
		superRole: foldName(cfg.SuperRole),
		timeout:   cfg.StoreTimeout,
		now:       cfg.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver exposes the hierarchy resolver the engine decides with.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Cache exposes the decision cache.
func (e *Engine) Cache() *DecisionCache {
	return e.cache
}

func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// IsSuperRole reports whether name designates the bypass role.
func (e *Engine) IsSuperRole(name string) bool {
	return foldName(name) == e.superRole
}

// Authorize reports whether userID holds permission.
func (e *Engine) Authorize(ctx context.Context, userID, permission string) (bool, error) {
	return e.AuthorizeScoped(ctx, userID, permission, Scope{})
}

// AuthorizeScoped reports whether userID holds permission, consulting only
// overrides recorded for exactly scope.
func (e *Engine) AuthorizeScoped(ctx context.Context, userID, permission string, scope Scope) (bool, error) {
	d, err := e.decide(ctx, userID, permission, scope, true)
	if err != nil {
		return false, err
	}
	return d.Granted, nil
}

// AuthorizeAny reports whether userID holds at least one permission. It stops
// at the first grant. An empty list is never satisfied.
func (e *Engine) AuthorizeAny(ctx context.Context, userID string, permissions []string) (bool, error) {
	for _, permission := range permissions {
		ok, err := e.Authorize(ctx, userID, permission)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AuthorizeAll reports whether userID holds every permission. It stops at the
// first denial. An empty list is always satisfied.
func (e *Engine) AuthorizeAll(ctx context.Context, userID string, permissions []string) (bool, error) {
	for _, permission := range permissions {
		ok, err := e.Authorize(ctx, userID, permission)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Explain recomputes the decision without reading the cache and reports the
// step that resolved it. The fresh result still refreshes the cache.
func (e *Engine) Explain(ctx context.Context, userID, permission string) (Decision, error) {
	return e.decide(ctx, userID, permission, Scope{}, false)
}

// ExplainScoped is Explain for a scoped decision.
func (e *Engine) ExplainScoped(ctx context.Context, userID, permission string, scope Scope) (Decision, error) {
	return e.decide(ctx, userID, permission, scope, false)
}

// InvalidateUserCache drops cached decisions of userID here and, when a
// publisher is configured, on peer processes. Publish failures are logged.
func (e *Engine) InvalidateUserCache(ctx context.Context, userID string) {
	e.cache.InvalidateUser(userID)
	e.metrics.observeInvalidation("user")
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishUser(ctx, userID); err != nil {
		e.logger.Warn("rbac publish invalidation", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// InvalidateAll drops every cached decision here and on peers.
func (e *Engine) InvalidateAll(ctx context.Context) {
	e.cache.InvalidateAll()
	e.metrics.observeInvalidation("all")
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishAll(ctx); err != nil {
		e.logger.Warn("rbac publish invalidation", slog.String("scope", "all"), slog.Any("error", err))
	}
}

func (e *Engine) decide(ctx context.Context, userID, permission string, scope Scope, readCache bool) (Decision, error) {
	userID = strings.TrimSpace(userID)
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return Decision{}, validationErr("permission name required")
	}

	epoch := e.cache.Epoch(userID)
	role, err := e.userRole(ctx, userID, epoch, readCache)
	if err != nil {
		e.metrics.observeFailure()
		return Decision{}, err
	}

	if e.IsSuperRole(role.Name) {
		d := Decision{Granted: true, Source: SourceBypass, Reason: fmt.Sprintf("Role '%s' bypasses permission checks", role.Name)}
		e.metrics.observeDecision(d)
		return d, nil
	}

	key := cacheKey(permission, scope)
	if readCache {
		if granted, ok := e.cache.Get(userID, key); ok {
			e.metrics.observeCache(true)
			d := Decision{Granted: granted, Source: SourceCache, Reason: "Cached decision"}
			e.metrics.observeDecision(d)
			return d, nil
		}
		e.metrics.observeCache(false)
	}

	flightKey := fmt.Sprintf("%s\x00%s\x00%d", userID, key, epoch)
	resultChan := e.group.DoChan(flightKey, func() (interface{}, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		d, err := e.compute(computeCtx, userID, role, permission, scope)
		if err != nil {
			return Decision{}, err
		}
		e.cache.PutAt(userID, key, d.Granted, epoch)
		return d, nil
	})

	select {
	case <-ctx.Done():
		e.metrics.observeFailure()
		return Decision{}, resolutionErr("authorize "+permission, ctx.Err())
	case res := <-resultChan:
		if res.Err != nil {
			e.metrics.observeFailure()
			e.logger.Error("rbac decision", slog.String("user_id", userID), slog.String("permission", permission), slog.Any("error", res.Err))
			return Decision{}, res.Err
		}
		d := res.Val.(Decision)
		e.metrics.observeDecision(d)
		return d, nil
	}
}

func (e *Engine) userRole(ctx context.Context, userID string, epoch uint64, readCache bool) (Role, error) {
	if readCache {
		if role, ok := e.cache.Role(userID); ok {
			return role, nil
		}
	}
	if userID == "" {
		return Role{}, resolutionErr("resolve user role", validationErr("user id required"))
	}
	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	role, err := e.store.FindRoleByUser(lookupCtx, userID)
	if err != nil {
		return Role{}, resolutionErr("resolve role of user "+userID, err)
	}
	e.cache.PutRole(userID, role, epoch)
	return role, nil
}

func (e *Engine) compute(ctx context.Context, userID string, role Role, permission string, scope Scope) (Decision, error) {
	names, err := e.resolver.checkPermissions(ctx, role)
	if err != nil {
		return Decision{}, resolutionErr("role permissions of "+role.Name, err)
	}
	roleGrants := containsName(names, permission)

	now := e.now()
	denied, err := e.hasOverride(ctx, userID, permission, false, scope, now)
	if err != nil {
		return Decision{}, resolutionErr("override denial lookup", err)
	}
	granted, err := e.hasOverride(ctx, userID, permission, true, scope, now)
	if err != nil {
		return Decision{}, resolutionErr("override grant lookup", err)
	}

	switch {
	case denied:
		return Decision{Granted: false, Source: SourceDenyOverride, Reason: "Explicitly denied by user override"}, nil
	case granted:
		return Decision{Granted: true, Source: SourceGrantOverride, Reason: "Explicitly granted by user override"}, nil
	case roleGrants:
		return Decision{Granted: true, Source: SourceRole, Reason: fmt.Sprintf("Granted by role '%s'", role.Name)}, nil
	default:
		return Decision{Granted: false, Source: SourceNoPermission, Reason: fmt.Sprintf("Not granted by role '%s' and no user override", role.Name)}, nil
	}
}

func (e *Engine) hasOverride(ctx context.Context, userID, permission string, isGranted bool, scope Scope, now time.Time) (bool, error) {
	_, err := e.store.FindActiveOverride(ctx, userID, permission, isGranted, scope, now)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// UserPermissions lists the effective permission names of userID: everything
// the role grants plus active unscoped grants, minus active unscoped denials.
func (e *Engine) UserPermissions(ctx context.Context, userID string) (UserPermissions, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	role, err := e.store.FindRoleByUser(ctx, userID)
	if err != nil {
		return UserPermissions{}, resolutionErr("resolve role of user "+userID, err)
	}
	set := make(map[string]struct{})
	if e.IsSuperRole(role.Name) {
		perms, err := e.store.ListActivePermissions(ctx)
		if err != nil {
			return UserPermissions{}, resolutionErr("list permissions", err)
		}
		for _, perm := range perms {
			set[perm.Name] = struct{}{}
		}
	} else {
		names, err := e.resolver.checkPermissions(ctx, role)
		if err != nil {
			return UserPermissions{}, resolutionErr("role permissions of "+role.Name, err)
		}
		for _, name := range names {
			set[name] = struct{}{}
		}
	}

	overrides, err := e.store.ListUserOverrides(ctx, userID, e.now())
	if err != nil {
		return UserPermissions{}, resolutionErr("list overrides", err)
	}
	for _, o := range overrides {
		if !o.Scope.IsZero() || !o.IsGranted {
			continue
		}
		set[o.PermissionName] = struct{}{}
	}
	for _, o := range overrides {
		if o.Scope.IsZero() && !o.IsGranted {
			delete(set, o.PermissionName)
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return UserPermissions{UserID: userID, Role: role.Name, Permissions: names, Overrides: overrides}, nil
}

// CanManageUser reports whether the role of userID outranks targetRole.
func (e *Engine) CanManageUser(ctx context.Context, userID, targetRole string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	role, err := e.store.FindRoleByUser(ctx, userID)
	if err != nil {
		return false, resolutionErr("resolve role of user "+userID, err)
	}
	target, err := e.store.FindRoleByName(ctx, targetRole)
	if err != nil {
		return false, fmt.Errorf("resolve role %q: %w", targetRole, err)
	}
	return CanManage(role, target), nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
