package rbac

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts reads and can be made to fail.
type countingStore struct {
	Store
	roleReads     atomic.Int64
	permReads     atomic.Int64
	overrideReads atomic.Int64
	block         chan struct{}

	mu   sync.Mutex
	fail error
}

func newCountingStore(inner Store) *countingStore {
	return &countingStore{Store: inner}
}

func (s *countingStore) reads() int64 {
	return s.roleReads.Load() + s.permReads.Load() + s.overrideReads.Load()
}

func (s *countingStore) setFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *countingStore) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *countingStore) FindRoleByUser(ctx context.Context, userID string) (Role, error) {
	s.roleReads.Add(1)
	if err := s.err(); err != nil {
		return Role{}, err
	}
	return s.Store.FindRoleByUser(ctx, userID)
}

func (s *countingStore) PermissionNamesFromLevel(ctx context.Context, level int) ([]string, error) {
	s.permReads.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, storeErr("permission names from level", ctx.Err())
		}
	}
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Store.PermissionNamesFromLevel(ctx, level)
}

func (s *countingStore) FindActiveOverride(ctx context.Context, userID, permission string, isGranted bool, scope Scope, now time.Time) (Override, error) {
	s.overrideReads.Add(1)
	return s.Store.FindActiveOverride(ctx, userID, permission, isGranted, scope, now)
}

type fixture struct {
	store  *MemoryStore
	count  *countingStore
	clock  *fakeClock
	cache  *DecisionCache
	engine *Engine
	admin  *Admin
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	mem := NewMemoryStore()
	mem.now = clock.Now
	counting := newCountingStore(mem)
	cache := NewDecisionCache(CacheConfig{TTL: DefaultCacheTTL, Shards: 4, Now: clock.Now})
	engine := NewEngine(counting, cache, newTestLogger(), EngineConfig{Now: clock.Now, StoreTimeout: time.Second})
	admin := NewAdmin(mem, engine, newTestLogger())
	return &fixture{store: mem, count: counting, clock: clock, cache: cache, engine: engine, admin: admin}
}

func (f *fixture) role(t *testing.T, name string, level int, perms ...string) Role {
	t.Helper()
	role, err := f.admin.CreateRole(context.Background(), CreateRoleInput{Name: name, DisplayName: name, Level: level})
	require.NoError(t, err)
	for _, p := range perms {
		f.permission(t, p)
	}
	if len(perms) > 0 {
		_, err = f.admin.AssignRolePermissions(context.Background(), name, perms)
		require.NoError(t, err)
	}
	return role
}

func (f *fixture) permission(t *testing.T, name string) Permission {
	t.Helper()
	perm, err := f.store.FindPermissionByName(context.Background(), name)
	if err == nil {
		return perm
	}
	perm, err = f.admin.CreatePermission(context.Background(), CreatePermissionInput{Name: name, Resource: "res", Action: name})
	require.NoError(t, err)
	return perm
}

func (f *fixture) user(t *testing.T, userID, roleName string) {
	t.Helper()
	require.NoError(t, f.admin.AssignUserRole(context.Background(), userID, roleName))
}

func (f *fixture) override(t *testing.T, userID, perm string, granted bool, expiresAt *time.Time) {
	t.Helper()
	f.permission(t, perm)
	_, err := f.admin.AssignUserOverride(context.Background(), OverrideInput{
		UserID:     userID,
		Permission: perm,
		IsGranted:  granted,
		ExpiresAt:  expiresAt,
		AssignedBy: "admin-1",
	})
	require.NoError(t, err)
}

func roleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}
