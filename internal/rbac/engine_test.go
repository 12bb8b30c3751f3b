package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuperRoleBypassesEverything(t *testing.T) {
	f := newFixture(t)
	f.role(t, "super_admin", 1)
	f.user(t, "root", "super_admin")
	f.override(t, "root", "orders:delete", false, nil)
	ctx := context.Background()

	for _, perm := range []string{"orders:delete", "does:not:exist", "anything"} {
		ok, err := f.engine.Authorize(ctx, "root", perm)
		require.NoError(t, err)
		require.True(t, ok, perm)
	}
	require.Equal(t, CacheStats{Users: 1, Entries: 0}, f.cache.Stats(), "bypass writes no decisions")

	d, err := f.engine.Explain(ctx, "root", "orders:delete")
	require.NoError(t, err)
	require.Equal(t, SourceBypass, d.Source)
}

func TestSuperRoleMatchesCaseInsensitively(t *testing.T) {
	f := newFixture(t)
	f.role(t, "Super_Admin", 1)
	f.user(t, "root", "super_admin")

	ok, err := f.engine.Authorize(context.Background(), "root", "x:y")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAuthorizeInheritsFromLowerAuthority(t *testing.T) {
	f := newFixture(t)
	f.role(t, "manager", 2, "reports:generate")
	f.role(t, "staff", 3, "reports:read")
	f.role(t, "director", 1, "reports:approve")
	f.user(t, "m1", "manager")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	ok, err := f.engine.Authorize(ctx, "m1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok, "manager outranks staff")

	ok, err = f.engine.Authorize(ctx, "m1", "reports:approve")
	require.NoError(t, err)
	require.False(t, ok, "superior permissions are not inherited downward")

	ok, err = f.engine.Authorize(ctx, "s1", "reports:generate")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheHitAvoidsStore(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	ok, err := f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok)
	reads := f.count.reads()
	require.Positive(t, reads)

	ok, err = f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, reads, f.count.reads(), "second decision within TTL must not touch the store")

	f.clock.Advance(DefaultCacheTTL)
	ok, err = f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, f.count.reads(), reads, "expired decision is recomputed")
}

func TestOverridePrecedence(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.permission(t, "reports:export")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	f.override(t, "s1", "reports:read", false, nil)
	ok, err := f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.False(t, ok, "denial beats role grant")

	f.override(t, "s1", "reports:export", true, nil)
	ok, err = f.engine.Authorize(ctx, "s1", "reports:export")
	require.NoError(t, err)
	require.True(t, ok, "grant beats role non-grant")

	d, err := f.engine.Explain(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.Equal(t, Decision{Granted: false, Source: SourceDenyOverride, Reason: "Explicitly denied by user override"}, d)

	d, err = f.engine.Explain(ctx, "s1", "reports:export")
	require.NoError(t, err)
	require.Equal(t, SourceGrantOverride, d.Source)
}

func TestOverridesMatchExactScope(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3)
	perm := f.permission(t, "invoices:approve")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	// A user can hold a grant and a denial for one permission when the rows
	// differ in scope. Only the requested scope is consulted.
	scope := Scope{Type: "company", ID: "7"}
	_, err := f.store.UpsertOverride(ctx, Override{UserID: "s1", PermissionID: perm.ID, IsGranted: true, CreatedBy: "a"})
	require.NoError(t, err)
	_, err = f.store.UpsertOverride(ctx, Override{UserID: "s1", PermissionID: perm.ID, IsGranted: false, Scope: scope, CreatedBy: "a"})
	require.NoError(t, err)

	ok, err := f.engine.Authorize(ctx, "s1", "invoices:approve")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.engine.AuthorizeScoped(ctx, "s1", "invoices:approve", scope)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.engine.AuthorizeScoped(ctx, "s1", "invoices:approve", Scope{Type: "company", ID: "8"})
	require.NoError(t, err)
	require.False(t, ok, "no role grant and no override for company 8")
}

func TestExpiredOverridesAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.permission(t, "reports:export")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	past := f.clock.Now().Add(-time.Minute)
	f.override(t, "s1", "reports:read", false, &past)
	f.override(t, "s1", "reports:export", true, &past)

	ok, err := f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.engine.Authorize(ctx, "s1", "reports:export")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverrideExpiresWhileCached(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3)
	f.user(t, "s1", "staff")
	ctx := context.Background()

	soon := f.clock.Now().Add(DefaultCacheTTL + time.Minute)
	f.override(t, "s1", "reports:export", true, &soon)

	ok, err := f.engine.Authorize(ctx, "s1", "reports:export")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(DefaultCacheTTL + 2*time.Minute)
	ok, err = f.engine.Authorize(ctx, "s1", "reports:export")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverrideMutationInvalidatesUser(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.user(t, "s1", "staff")
	f.user(t, "s2", "staff")
	ctx := context.Background()

	for _, user := range []string{"s1", "s2"} {
		ok, err := f.engine.Authorize(ctx, user, "reports:read")
		require.NoError(t, err)
		require.True(t, ok)
	}

	f.override(t, "s1", "reports:read", false, nil)
	_, found := f.cache.Get("s1", "reports:read")
	require.False(t, found)
	_, found = f.cache.Get("s2", "reports:read")
	require.True(t, found, "other users keep their cache")

	ok, err := f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.admin.RemoveUserOverride(ctx, "s1", "reports:read", Scope{}))
	ok, err = f.engine.Authorize(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRolePermissionMutationInvalidatesEveryone(t *testing.T) {
	f := newFixture(t)
	f.role(t, "manager", 2)
	f.role(t, "staff", 3)
	f.permission(t, "reports:read")
	f.user(t, "m1", "manager")
	ctx := context.Background()

	ok, err := f.engine.Authorize(ctx, "m1", "reports:read")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.admin.AssignRolePermissions(ctx, "staff", []string{"reports:read"})
	require.NoError(t, err)

	ok, err = f.engine.Authorize(ctx, "m1", "reports:read")
	require.NoError(t, err)
	require.True(t, ok, "manager inherits the new staff grant immediately")
}

func TestAuthorizeAnyAll(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "a", "b")
	f.permission(t, "c")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	ok, err := f.engine.AuthorizeAny(ctx, "s1", []string{"c", "b"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.engine.AuthorizeAny(ctx, "s1", []string{"c"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.engine.AuthorizeAll(ctx, "s1", []string{"a", "b"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.engine.AuthorizeAll(ctx, "s1", []string{"a", "c", "b"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.engine.AuthorizeAny(ctx, "s1", nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.engine.AuthorizeAll(ctx, "s1", nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAuthorizeAnyShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "a")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	ok, err := f.engine.AuthorizeAny(ctx, "s1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.cache.Stats().Entries)
}

func TestExplainReasons(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.permission(t, "reports:export")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	d, err := f.engine.Explain(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.Equal(t, Decision{Granted: true, Source: SourceRole, Reason: "Granted by role 'staff'"}, d)

	d, err = f.engine.Explain(ctx, "s1", "reports:export")
	require.NoError(t, err)
	require.Equal(t, Decision{Granted: false, Source: SourceNoPermission, Reason: "Not granted by role 'staff' and no user override"}, d)

	_, found := f.cache.Get("s1", "reports:export")
	require.True(t, found, "explain refreshes the cache")
}

func TestExplainSkipsCachedDecision(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	f.cache.Put("s1", "reports:read", false)
	d, err := f.engine.Explain(ctx, "s1", "reports:read")
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.Equal(t, SourceRole, d.Source)
}

func TestResolutionFailuresAreNotDenials(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "reports:read")
	f.user(t, "s1", "staff")
	ctx := context.Background()

	_, err := f.engine.Authorize(ctx, "ghost", "reports:read")
	require.ErrorIs(t, err, ErrResolutionFailure)
	require.ErrorIs(t, err, ErrNotFound)

	f.count.setFailure(storeErr("find role by user", errors.New("connection reset")))
	_, err = f.engine.Authorize(ctx, "s1", "reports:read")
	require.ErrorIs(t, err, ErrResolutionFailure)
	require.ErrorIs(t, err, ErrStoreFailure)

	_, err = f.engine.Explain(ctx, "s1", "reports:read")
	require.ErrorIs(t, err, ErrResolutionFailure)

	_, err = f.engine.AuthorizeAll(ctx, "s1", []string{"reports:read"})
	require.ErrorIs(t, err, ErrResolutionFailure)
	require.Equal(t, 0, f.cache.Stats().Entries, "failures are never cached")
}

func TestStoreTimeoutIsResolutionFailure(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryStore()
	counting := newCountingStore(mem)
	counting.block = make(chan struct{})
	defer close(counting.block)
	cache := NewDecisionCache(CacheConfig{Now: clock.Now})
	engine := NewEngine(counting, cache, newTestLogger(), EngineConfig{StoreTimeout: 20 * time.Millisecond, Now: clock.Now})
	admin := NewAdmin(mem, engine, newTestLogger())
	ctx := context.Background()

	_, err := admin.CreateRole(ctx, CreateRoleInput{Name: "staff", DisplayName: "Staff", Level: 3})
	require.NoError(t, err)
	require.NoError(t, admin.AssignUserRole(ctx, "s1", "staff"))

	_, err = engine.Authorize(ctx, "s1", "reports:read")
	require.ErrorIs(t, err, ErrResolutionFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallerCancellationIsResolutionFailure(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3)
	f.user(t, "s1", "staff")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Authorize(ctx, "s1", "reports:read")
	require.ErrorIs(t, err, ErrResolutionFailure)
}

func TestConcurrentMissesShareOneComputation(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryStore()
	counting := newCountingStore(mem)
	counting.block = make(chan struct{})
	cache := NewDecisionCache(CacheConfig{Now: clock.Now})
	engine := NewEngine(counting, cache, newTestLogger(), EngineConfig{StoreTimeout: 5 * time.Second, Now: clock.Now})
	admin := NewAdmin(mem, engine, newTestLogger())
	ctx := context.Background()

	_, err := admin.CreateRole(ctx, CreateRoleInput{Name: "staff", DisplayName: "Staff", Level: 3})
	require.NoError(t, err)
	require.NoError(t, admin.AssignUserRole(ctx, "s1", "staff"))
	// Warm the role memo so every caller reaches the permission lookup.
	require.True(t, cache.PutRole("s1", mustRole(t, mem, "staff"), cache.Epoch("s1")))

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := engine.Authorize(ctx, "s1", "reports:read")
			if err == nil {
				results <- ok
			}
		}()
	}
	require.Eventually(t, func() bool { return counting.permReads.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(counting.block)
	wg.Wait()
	close(results)

	n := 0
	for ok := range results {
		require.False(t, ok)
		n++
	}
	require.Equal(t, callers, n)
	require.LessOrEqual(t, counting.permReads.Load(), int64(2))
}

func TestInvalidationDuringComputationLeavesNoStaleEntry(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryStore()
	counting := newCountingStore(mem)
	counting.block = make(chan struct{})
	cache := NewDecisionCache(CacheConfig{Now: clock.Now})
	engine := NewEngine(counting, cache, newTestLogger(), EngineConfig{StoreTimeout: 5 * time.Second, Now: clock.Now})
	admin := NewAdmin(mem, engine, newTestLogger())
	ctx := context.Background()

	_, err := admin.CreateRole(ctx, CreateRoleInput{Name: "staff", DisplayName: "Staff", Level: 3})
	require.NoError(t, err)
	require.NoError(t, admin.AssignUserRole(ctx, "s1", "staff"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Authorize(ctx, "s1", "reports:read")
	}()
	require.Eventually(t, func() bool { return counting.permReads.Load() >= 1 }, time.Second, time.Millisecond)

	engine.InvalidateUserCache(ctx, "s1")
	close(counting.block)
	<-done

	_, found := cache.Get("s1", "reports:read")
	require.False(t, found, "a decision computed before the invalidation must not be cached")
}

func TestUserPermissions(t *testing.T) {
	f := newFixture(t)
	f.role(t, "manager", 2, "reports:generate")
	f.role(t, "staff", 3, "reports:read", "tasks:view")
	f.permission(t, "reports:export")
	f.user(t, "m1", "manager")
	ctx := context.Background()

	f.override(t, "m1", "tasks:view", false, nil)
	f.override(t, "m1", "reports:export", true, nil)

	perms, err := f.engine.UserPermissions(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "manager", perms.Role)
	require.Equal(t, []string{"reports:export", "reports:generate", "reports:read"}, perms.Permissions)
	require.Len(t, perms.Overrides, 2)
}

func TestCanManageUser(t *testing.T) {
	f := newFixture(t)
	f.role(t, "manager", 2)
	f.role(t, "staff", 3)
	f.user(t, "m1", "manager")
	ctx := context.Background()

	ok, err := f.engine.CanManageUser(ctx, "m1", "staff")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.engine.CanManageUser(ctx, "m1", "manager")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.engine.CanManageUser(ctx, "m1", "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

type recordingPublisher struct {
	mu    sync.Mutex
	users []string
	all   int
	err   error
}

func (p *recordingPublisher) PublishUser(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return p.err
}

func (p *recordingPublisher) PublishAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all++
	return p.err
}

func TestInvalidationPublishFailureIsNotFatal(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryStore()
	pub := &recordingPublisher{err: errors.New("redis down")}
	cache := NewDecisionCache(CacheConfig{Now: clock.Now})
	engine := NewEngine(mem, cache, newTestLogger(), EngineConfig{Now: clock.Now}, WithPublisher(pub))
	admin := NewAdmin(mem, engine, newTestLogger())
	ctx := context.Background()

	_, err := admin.CreateRole(ctx, CreateRoleInput{Name: "staff", DisplayName: "Staff", Level: 3})
	require.NoError(t, err)
	_, err = admin.CreatePermission(ctx, CreatePermissionInput{Name: "a", Resource: "r", Action: "a"})
	require.NoError(t, err)
	_, err = admin.AssignUserOverride(ctx, OverrideInput{UserID: "s1", Permission: "a", IsGranted: true, AssignedBy: "root"})
	require.NoError(t, err)

	require.Equal(t, []string{"s1"}, pub.users)
	require.Equal(t, 2, pub.all)
}

func mustRole(t *testing.T, store Store, name string) Role {
	t.Helper()
	role, err := store.FindRoleByName(context.Background(), name)
	require.NoError(t, err)
	return role
}
