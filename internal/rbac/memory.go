package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rolePermKey struct {
	roleID       uuid.UUID
	permissionID uuid.UUID
}

type overrideKey struct {
	userID       string
	permissionID uuid.UUID
	scope        Scope
}

type memoryRole struct {
	Role
	deleted bool
}

type memoryPermission struct {
	Permission
	deleted bool
}

type memoryState struct {
	roles     map[uuid.UUID]memoryRole
	perms     map[uuid.UUID]memoryPermission
	rolePerms map[rolePermKey]RolePermission
	userRoles map[string]uuid.UUID
	overrides map[overrideKey]Override
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		roles:     make(map[uuid.UUID]memoryRole, len(s.roles)),
		perms:     make(map[uuid.UUID]memoryPermission, len(s.perms)),
		rolePerms: make(map[rolePermKey]RolePermission, len(s.rolePerms)),
		userRoles: make(map[string]uuid.UUID, len(s.userRoles)),
		overrides: make(map[overrideKey]Override, len(s.overrides)),
	}
	for k, v := range s.roles {
		out.roles[k] = v
	}
	for k, v := range s.perms {
		out.perms[k] = v
	}
	for k, v := range s.rolePerms {
		out.rolePerms[k] = v
	}
	for k, v := range s.userRoles {
		out.userRoles[k] = v
	}
	for k, v := range s.overrides {
		out.overrides[k] = v
	}
	return out
}

// MemoryStore is a process-local Store. Transactions are serialised and
// rolled back by restoring a snapshot when fn fails. Writes made outside a
// transaction wait for the open one to finish, so a rollback only undoes the
// transaction's own writes.
type MemoryStore struct {
	*memoryCore
	inTx bool
}

type memoryCore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state memoryState
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryCore: &memoryCore{
		state: memoryState{
			roles:     make(map[uuid.UUID]memoryRole),
			perms:     make(map[uuid.UUID]memoryPermission),
			rolePerms: make(map[rolePermKey]RolePermission),
			userRoles: make(map[string]uuid.UUID),
			overrides: make(map[overrideKey]Override),
		},
		now: time.Now,
	}}
}

// WithTx runs fn against a transaction handle. Nested calls reuse the open transaction.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	if m.inTx {
		return fn(ctx, m)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()

	if err := fn(ctx, &MemoryStore{memoryCore: m.memoryCore, inTx: true}); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// lockWrite takes the write lock and returns its release. Outside a
// transaction it first waits for any open transaction.
func (m *MemoryStore) lockWrite() func() {
	if !m.inTx {
		m.txMu.Lock()
	}
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		if !m.inTx {
			m.txMu.Unlock()
		}
	}
}

func (m *MemoryStore) liveRole(id uuid.UUID) (Role, bool) {
	rec, ok := m.state.roles[id]
	if !ok || rec.deleted {
		return Role{}, false
	}
	return rec.Role, true
}

func (m *MemoryStore) livePermission(id uuid.UUID) (Permission, bool) {
	rec, ok := m.state.perms[id]
	if !ok || rec.deleted {
		return Permission{}, false
	}
	return rec.Permission, true
}

func (m *MemoryStore) FindRoleByUser(ctx context.Context, userID string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, storeErr("find role by user", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	roleID, ok := m.state.userRoles[userID]
	if !ok {
		return Role{}, fmt.Errorf("%w: role for user %s", ErrNotFound, userID)
	}
	role, ok := m.liveRole(roleID)
	if !ok {
		return Role{}, fmt.Errorf("%w: role for user %s", ErrNotFound, userID)
	}
	return role, nil
}

func (m *MemoryStore) AssignUserRole(ctx context.Context, userID string, roleID uuid.UUID) error {
	defer m.lockWrite()()
	if _, ok := m.liveRole(roleID); !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	m.state.userRoles[userID] = roleID
	return nil
}

func (m *MemoryStore) FindRoleByName(ctx context.Context, name string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, storeErr("find role", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = strings.TrimSpace(name)
	for _, rec := range m.state.roles {
		if !rec.deleted && strings.EqualFold(rec.Name, name) {
			return rec.Role, nil
		}
	}
	return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
}

func (m *MemoryStore) listRoles(activeOnly bool) []Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles := make([]Role, 0, len(m.state.roles))
	for _, rec := range m.state.roles {
		if rec.deleted || (activeOnly && !rec.IsActive) {
			continue
		}
		roles = append(roles, rec.Role)
	}
	sortRoles(roles)
	return roles
}

func (m *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list roles", err)
	}
	return m.listRoles(false), nil
}

func (m *MemoryStore) ListActiveRoles(ctx context.Context) ([]Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list active roles", err)
	}
	return m.listRoles(true), nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	defer m.lockWrite()()
	for _, rec := range m.state.roles {
		if !rec.deleted && strings.EqualFold(rec.Name, role.Name) {
			return Role{}, fmt.Errorf("%w: role %s", ErrDuplicate, role.Name)
		}
	}
	now := m.now()
	role.ID = uuid.New()
	role.CreatedAt = now
	role.UpdatedAt = now
	m.state.roles[role.ID] = memoryRole{Role: role}
	return role, nil
}

func (m *MemoryStore) UpdateRole(ctx context.Context, role Role) (Role, error) {
	defer m.lockWrite()()
	current, ok := m.liveRole(role.ID)
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, role.ID)
	}
	current.DisplayName = role.DisplayName
	current.Description = role.Description
	current.Level = role.Level
	current.IsActive = role.IsActive
	current.UpdatedAt = m.now()
	m.state.roles[current.ID] = memoryRole{Role: current}
	return current, nil
}

func (m *MemoryStore) SoftDeleteRole(ctx context.Context, id uuid.UUID) error {
	defer m.lockWrite()()
	current, ok := m.liveRole(id)
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	current.IsActive = false
	current.UpdatedAt = m.now()
	m.state.roles[id] = memoryRole{Role: current, deleted: true}
	return nil
}

func (m *MemoryStore) FindPermissionByName(ctx context.Context, name string) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return Permission{}, storeErr("find permission", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = strings.TrimSpace(name)
	for _, rec := range m.state.perms {
		if !rec.deleted && rec.Name == name {
			return rec.Permission, nil
		}
	}
	return Permission{}, fmt.Errorf("%w: permission %s", ErrNotFound, name)
}

func (m *MemoryStore) listPermissions(activeOnly bool) []Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perms := make([]Permission, 0, len(m.state.perms))
	for _, rec := range m.state.perms {
		if rec.deleted || (activeOnly && !rec.IsActive) {
			continue
		}
		perms = append(perms, rec.Permission)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms
}

func (m *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list permissions", err)
	}
	return m.listPermissions(false), nil
}

func (m *MemoryStore) ListActivePermissions(ctx context.Context) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list active permissions", err)
	}
	return m.listPermissions(true), nil
}

func (m *MemoryStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	defer m.lockWrite()()
	for _, rec := range m.state.perms {
		if !rec.deleted && rec.Name == perm.Name {
			return Permission{}, fmt.Errorf("%w: permission %s", ErrDuplicate, perm.Name)
		}
	}
	now := m.now()
	perm.ID = uuid.New()
	perm.CreatedAt = now
	perm.UpdatedAt = now
	m.state.perms[perm.ID] = memoryPermission{Permission: perm}
	return perm, nil
}

func (m *MemoryStore) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	defer m.lockWrite()()
	current, ok := m.livePermission(perm.ID)
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %s", ErrNotFound, perm.ID)
	}
	current.Resource = perm.Resource
	current.Action = perm.Action
	current.Description = perm.Description
	current.IsActive = perm.IsActive
	current.UpdatedAt = m.now()
	m.state.perms[current.ID] = memoryPermission{Permission: current}
	return current, nil
}

func (m *MemoryStore) SoftDeletePermission(ctx context.Context, id uuid.UUID) error {
	defer m.lockWrite()()
	current, ok := m.livePermission(id)
	if !ok {
		return fmt.Errorf("%w: permission %s", ErrNotFound, id)
	}
	current.IsActive = false
	current.UpdatedAt = m.now()
	m.state.perms[id] = memoryPermission{Permission: current, deleted: true}
	return nil
}

func (m *MemoryStore) DirectPermissionsOfRole(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("direct permissions of role", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var perms []Permission
	for key, rp := range m.state.rolePerms {
		if key.roleID != roleID || rp.IsDenied || !rp.IsDirect() {
			continue
		}
		if perm, ok := m.livePermission(key.permissionID); ok && perm.IsActive {
			perms = append(perms, perm)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (m *MemoryStore) AssignedPermissionNames(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("assigned permission names", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for key, rp := range m.state.rolePerms {
		if key.roleID != roleID || rp.IsDenied {
			continue
		}
		if perm, ok := m.livePermission(key.permissionID); ok && perm.IsActive {
			names = append(names, perm.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) PermissionNamesFromLevel(ctx context.Context, level int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("permission names from level", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for key, rp := range m.state.rolePerms {
		if rp.IsDenied {
			continue
		}
		role, ok := m.liveRole(key.roleID)
		if !ok || !role.IsActive || role.Level < level {
			continue
		}
		if perm, ok := m.livePermission(key.permissionID); ok && perm.IsActive {
			seen[perm.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	defer m.lockWrite()()
	key := rolePermKey{roleID: roleID, permissionID: permissionID}
	if _, exists := m.state.rolePerms[key]; exists {
		return false, nil
	}
	m.state.rolePerms[key] = RolePermission{RoleID: roleID, PermissionID: permissionID, CreatedAt: m.now()}
	return true, nil
}

func (m *MemoryStore) RemoveDirectRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	defer m.lockWrite()()
	key := rolePermKey{roleID: roleID, permissionID: permissionID}
	rp, exists := m.state.rolePerms[key]
	if !exists || !rp.IsDirect() {
		return false, nil
	}
	delete(m.state.rolePerms, key)
	return true, nil
}

// PutRolePermission stores a raw assignment, including propagated or denied rows.
func (m *MemoryStore) PutRolePermission(rp RolePermission) {
	defer m.lockWrite()()
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = m.now()
	}
	m.state.rolePerms[rolePermKey{roleID: rp.RoleID, permissionID: rp.PermissionID}] = rp
}

func (m *MemoryStore) FindActiveOverride(ctx context.Context, userID, permission string, isGranted bool, scope Scope, now time.Time) (Override, error) {
	if err := ctx.Err(); err != nil {
		return Override{}, storeErr("find override", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, o := range m.state.overrides {
		if key.userID != userID || key.scope != scope || o.IsGranted != isGranted || o.ExpiredAt(now) {
			continue
		}
		perm, ok := m.livePermission(key.permissionID)
		if !ok || perm.Name != permission {
			continue
		}
		o.PermissionName = perm.Name
		return o, nil
	}
	return Override{}, fmt.Errorf("%w: override %s/%s", ErrNotFound, userID, permission)
}

func (m *MemoryStore) UpsertOverride(ctx context.Context, o Override) (Override, error) {
	defer m.lockWrite()()
	perm, ok := m.livePermission(o.PermissionID)
	if !ok {
		return Override{}, fmt.Errorf("%w: permission %s", ErrNotFound, o.PermissionID)
	}
	key := overrideKey{userID: o.UserID, permissionID: o.PermissionID, scope: o.Scope}
	if existing, exists := m.state.overrides[key]; exists {
		o.ID = existing.ID
		o.CreatedAt = existing.CreatedAt
	} else {
		o.ID = uuid.New()
		o.CreatedAt = m.now()
	}
	o.PermissionName = perm.Name
	m.state.overrides[key] = o
	return o, nil
}

func (m *MemoryStore) DeleteOverride(ctx context.Context, userID string, permissionID uuid.UUID, scope Scope) (int64, error) {
	defer m.lockWrite()()
	key := overrideKey{userID: userID, permissionID: permissionID, scope: scope}
	if _, exists := m.state.overrides[key]; !exists {
		return 0, nil
	}
	delete(m.state.overrides, key)
	return 1, nil
}

func (m *MemoryStore) DeleteUserOverrides(ctx context.Context, userID string) (int64, error) {
	defer m.lockWrite()()
	var n int64
	for key := range m.state.overrides {
		if key.userID == userID {
			delete(m.state.overrides, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListUserOverrides(ctx context.Context, userID string, now time.Time) ([]Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list user overrides", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Override
	for key, o := range m.state.overrides {
		if key.userID != userID || o.ExpiredAt(now) {
			continue
		}
		perm, ok := m.livePermission(key.permissionID)
		if !ok {
			continue
		}
		o.PermissionName = perm.Name
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PermissionName != out[j].PermissionName {
			return out[i].PermissionName < out[j].PermissionName
		}
		return out[i].Scope.String() < out[j].Scope.String()
	})
	return out, nil
}

func (m *MemoryStore) DeleteExpiredOverrides(ctx context.Context, now time.Time) (int64, error) {
	defer m.lockWrite()()
	var n int64
	for key, o := range m.state.overrides {
		if o.ExpiredAt(now) {
			delete(m.state.overrides, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Counts(ctx context.Context, now time.Time) (StoreCounts, error) {
	if err := ctx.Err(); err != nil {
		return StoreCounts{}, storeErr("counts", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c StoreCounts
	for _, rec := range m.state.roles {
		if rec.deleted {
			continue
		}
		c.TotalRoles++
		if rec.IsActive {
			c.ActiveRoles++
		}
		if rec.IsSystem {
			c.SystemRoles++
		}
	}
	for _, rec := range m.state.perms {
		if rec.deleted {
			continue
		}
		c.TotalPermissions++
		if rec.IsActive {
			c.ActivePermissions++
		}
	}
	c.RolePermissionLinks = int64(len(m.state.rolePerms))
	for _, o := range m.state.overrides {
		c.TotalOverrides++
		if !o.ExpiredAt(now) {
			c.ActiveOverrides++
		}
	}
	return c, nil
}

func sortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Level != roles[j].Level {
			return roles[i].Level < roles[j].Level
		}
		return roles[i].Name < roles[j].Name
	})
}
