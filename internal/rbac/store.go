package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract consumed by the resolver, engine and
// administration. Lookups return ErrNotFound on a miss, ErrDuplicate on a
// uniqueness violation and wrap every other failure in ErrStoreFailure.
// Soft-deleted records are invisible to every method.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Store) error) error

	FindRoleByUser(ctx context.Context, userID string) (Role, error)
	AssignUserRole(ctx context.Context, userID string, roleID uuid.UUID) error

	FindRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListActiveRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	SoftDeleteRole(ctx context.Context, id uuid.UUID) error

	FindPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListActivePermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	UpdatePermission(ctx context.Context, perm Permission) (Permission, error)
	SoftDeletePermission(ctx context.Context, id uuid.UUID) error

	// DirectPermissionsOfRole lists active, non-denied permissions assigned on the role itself.
	DirectPermissionsOfRole(ctx context.Context, roleID uuid.UUID) ([]Permission, error)
	// AssignedPermissionNames lists non-denied permission names on the role, direct or propagated.
	AssignedPermissionNames(ctx context.Context, roleID uuid.UUID) ([]string, error)
	// PermissionNamesFromLevel lists non-denied permission names assigned to any
	// active role whose level is greater than or equal to level.
	PermissionNamesFromLevel(ctx context.Context, level int) ([]string, error)
	// AddRolePermission creates a direct assignment. It reports false when the pair already existed.
	AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error)
	// RemoveDirectRolePermission deletes a direct assignment. It reports false when none matched.
	RemoveDirectRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error)

	// FindActiveOverride returns the override for the exact scope with the given
	// grant flag that has not expired at now.
	FindActiveOverride(ctx context.Context, userID, permission string, isGranted bool, scope Scope, now time.Time) (Override, error)
	UpsertOverride(ctx context.Context, o Override) (Override, error)
	DeleteOverride(ctx context.Context, userID string, permissionID uuid.UUID, scope Scope) (int64, error)
	DeleteUserOverrides(ctx context.Context, userID string) (int64, error)
	ListUserOverrides(ctx context.Context, userID string, now time.Time) ([]Override, error)
	DeleteExpiredOverrides(ctx context.Context, now time.Time) (int64, error)

	Counts(ctx context.Context, now time.Time) (StoreCounts, error)
}
