package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/authz/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository is the PostgreSQL backed Store.
type Repository struct {
	db   dbtx
	pool *pgxpool.Pool
	inTx bool
}

var _ Store = (*Repository)(nil)

// NewRepository constructs a repository over the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// WithTx runs fn inside a repeatable-read transaction. Nested calls reuse the open transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	var fnErr error
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		fnErr = fn(ctx, &Repository{db: tx, pool: r.pool, inTx: true})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return storeErr("transaction", err)
	}
	return nil
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, op)
	}
	return storeErr(op, err)
}

// ============================================================================
// ROLES
// ============================================================================

const roleColumns = `r.id, r.name, r.display_name, r.description, r.level, r.is_system, r.is_active, r.created_at, r.updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.Level,
		&role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func (r *Repository) queryRoles(ctx context.Context, op, query string, args ...interface{}) ([]Role, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return roles, nil
}

func (r *Repository) FindRoleByUser(ctx context.Context, userID string) (Role, error) {
	role, err := scanRole(r.db.QueryRow(ctx, `
		SELECT `+roleColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND r.deleted_at IS NULL`, userID))
	if err != nil {
		return Role{}, mapErr("find role by user "+userID, err)
	}
	return role, nil
}

func (r *Repository) AssignUserRole(ctx context.Context, userID string, roleID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role_id = EXCLUDED.role_id, assigned_at = NOW()`, userID, roleID)
	return mapErr("assign user role", err)
}

func (r *Repository) FindRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.db.QueryRow(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		WHERE LOWER(r.name) = LOWER($1) AND r.deleted_at IS NULL`, strings.TrimSpace(name)))
	if err != nil {
		return Role{}, mapErr("find role "+name, err)
	}
	return role, nil
}

func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	return r.queryRoles(ctx, "list roles", `
		SELECT `+roleColumns+` FROM roles r
		WHERE r.deleted_at IS NULL
		ORDER BY r.level, r.name`)
}

func (r *Repository) ListActiveRoles(ctx context.Context) ([]Role, error) {
	return r.queryRoles(ctx, "list active roles", `
		SELECT `+roleColumns+` FROM roles r
		WHERE r.deleted_at IS NULL AND r.is_active
		ORDER BY r.level, r.name`)
}

func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	created, err := scanRole(r.db.QueryRow(ctx, `
		INSERT INTO roles AS r (name, display_name, description, level, is_system, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Description, role.Level, role.IsSystem, role.IsActive))
	if err != nil {
		return Role{}, mapErr("create role "+role.Name, err)
	}
	return created, nil
}

func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	updated, err := scanRole(r.db.QueryRow(ctx, `
		UPDATE roles AS r
		SET display_name = $2, description = $3, level = $4, is_active = $5, updated_at = NOW()
		WHERE r.id = $1 AND r.deleted_at IS NULL
		RETURNING `+roleColumns,
		role.ID, role.DisplayName, role.Description, role.Level, role.IsActive))
	if err != nil {
		return Role{}, mapErr("update role "+role.Name, err)
	}
	return updated, nil
}

func (r *Repository) SoftDeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE roles SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return storeErr("delete role", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	return nil
}

// ============================================================================
// PERMISSIONS
// ============================================================================

const permissionColumns = `p.id, p.name, p.resource, p.action, p.description, p.is_active, p.created_at, p.updated_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &perm.Description,
		&perm.IsActive, &perm.CreatedAt, &perm.UpdatedAt)
	return perm, err
}

func (r *Repository) queryPermissions(ctx context.Context, op, query string, args ...interface{}) ([]Permission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return perms, nil
}

func (r *Repository) queryNames(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr(op, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return names, nil
}

func (r *Repository) FindPermissionByName(ctx context.Context, name string) (Permission, error) {
	perm, err := scanPermission(r.db.QueryRow(ctx, `
		SELECT `+permissionColumns+` FROM permissions p
		WHERE p.name = $1 AND p.deleted_at IS NULL`, strings.TrimSpace(name)))
	if err != nil {
		return Permission{}, mapErr("find permission "+name, err)
	}
	return perm, nil
}

func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	return r.queryPermissions(ctx, "list permissions", `
		SELECT `+permissionColumns+` FROM permissions p
		WHERE p.deleted_at IS NULL
		ORDER BY p.name`)
}

func (r *Repository) ListActivePermissions(ctx context.Context) ([]Permission, error) {
	return r.queryPermissions(ctx, "list active permissions", `
		SELECT `+permissionColumns+` FROM permissions p
		WHERE p.deleted_at IS NULL AND p.is_active
		ORDER BY p.name`)
}

func (r *Repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	created, err := scanPermission(r.db.QueryRow(ctx, `
		INSERT INTO permissions AS p (name, resource, action, description, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+permissionColumns,
		perm.Name, perm.Resource, perm.Action, perm.Description, perm.IsActive))
	if err != nil {
		return Permission{}, mapErr("create permission "+perm.Name, err)
	}
	return created, nil
}

func (r *Repository) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	updated, err := scanPermission(r.db.QueryRow(ctx, `
		UPDATE permissions AS p
		SET resource = $2, action = $3, description = $4, is_active = $5, updated_at = NOW()
		WHERE p.id = $1 AND p.deleted_at IS NULL
		RETURNING `+permissionColumns,
		perm.ID, perm.Resource, perm.Action, perm.Description, perm.IsActive))
	if err != nil {
		return Permission{}, mapErr("update permission "+perm.Name, err)
	}
	return updated, nil
}

func (r *Repository) SoftDeletePermission(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE permissions SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return storeErr("delete permission", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: permission %s", ErrNotFound, id)
	}
	return nil
}

// ============================================================================
// ROLE PERMISSIONS
// ============================================================================

func (r *Repository) DirectPermissionsOfRole(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	return r.queryPermissions(ctx, "direct permissions of role", `
		SELECT `+permissionColumns+`
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 AND rp.inherited_from_role_id IS NULL AND NOT rp.is_denied
		  AND p.is_active AND p.deleted_at IS NULL
		ORDER BY p.name`, roleID)
}

func (r *Repository) AssignedPermissionNames(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	return r.queryNames(ctx, "assigned permission names", `
		SELECT p.name
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 AND NOT rp.is_denied
		  AND p.is_active AND p.deleted_at IS NULL
		ORDER BY p.name`, roleID)
}

func (r *Repository) PermissionNamesFromLevel(ctx context.Context, level int) ([]string, error) {
	return r.queryNames(ctx, "permission names from level", `
		SELECT DISTINCT p.name
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE r.level >= $1 AND r.is_active AND r.deleted_at IS NULL
		  AND p.is_active AND p.deleted_at IS NULL
		  AND NOT rp.is_denied
		ORDER BY p.name`, level)
}

func (r *Repository) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, is_denied)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	if err != nil {
		return false, storeErr("add role permission", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) RemoveDirectRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM role_permissions
		WHERE role_id = $1 AND permission_id = $2 AND inherited_from_role_id IS NULL`, roleID, permissionID)
	if err != nil {
		return false, storeErr("remove role permission", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================================
// OVERRIDES
// ============================================================================

const overrideColumns = `upa.id, upa.user_id, upa.permission_id, p.name, upa.is_granted, upa.scope_type, upa.scope_id,
	upa.expires_at, upa.created_by, upa.reason, upa.created_at`

func scanOverride(row pgx.Row) (Override, error) {
	var o Override
	err := row.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionName, &o.IsGranted,
		&o.Scope.Type, &o.Scope.ID, &o.ExpiresAt, &o.CreatedBy, &o.Reason, &o.CreatedAt)
	return o, err
}

func (r *Repository) FindActiveOverride(ctx context.Context, userID, permission string, isGranted bool, scope Scope, now time.Time) (Override, error) {
	o, err := scanOverride(r.db.QueryRow(ctx, `
		SELECT `+overrideColumns+`
		FROM user_permission_assignments upa
		JOIN permissions p ON p.id = upa.permission_id
		WHERE upa.user_id = $1 AND p.name = $2 AND upa.is_granted = $3
		  AND upa.scope_type = $4 AND upa.scope_id = $5
		  AND (upa.expires_at IS NULL OR upa.expires_at > $6)
		  AND p.deleted_at IS NULL
		LIMIT 1`, userID, permission, isGranted, scope.Type, scope.ID, now))
	if err != nil {
		return Override{}, mapErr("find override", err)
	}
	return o, nil
}

func (r *Repository) UpsertOverride(ctx context.Context, o Override) (Override, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO user_permission_assignments
			(user_id, permission_id, is_granted, scope_type, scope_id, expires_at, created_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, permission_id, scope_type, scope_id)
		DO UPDATE SET is_granted = EXCLUDED.is_granted, expires_at = EXCLUDED.expires_at,
			created_by = EXCLUDED.created_by, reason = EXCLUDED.reason
		RETURNING id, created_at`,
		o.UserID, o.PermissionID, o.IsGranted, o.Scope.Type, o.Scope.ID, o.ExpiresAt, o.CreatedBy, o.Reason,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return Override{}, mapErr("upsert override", err)
	}
	return o, nil
}

func (r *Repository) DeleteOverride(ctx context.Context, userID string, permissionID uuid.UUID, scope Scope) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM user_permission_assignments
		WHERE user_id = $1 AND permission_id = $2 AND scope_type = $3 AND scope_id = $4`,
		userID, permissionID, scope.Type, scope.ID)
	if err != nil {
		return 0, storeErr("delete override", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) DeleteUserOverrides(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM user_permission_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return 0, storeErr("clear user overrides", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) ListUserOverrides(ctx context.Context, userID string, now time.Time) ([]Override, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+overrideColumns+`
		FROM user_permission_assignments upa
		JOIN permissions p ON p.id = upa.permission_id
		WHERE upa.user_id = $1 AND (upa.expires_at IS NULL OR upa.expires_at > $2)
		  AND p.deleted_at IS NULL
		ORDER BY p.name, upa.scope_type, upa.scope_id`, userID, now)
	if err != nil {
		return nil, storeErr("list user overrides", err)
	}
	defer rows.Close()
	var overrides []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, storeErr("list user overrides", err)
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list user overrides", err)
	}
	return overrides, nil
}

func (r *Repository) DeleteExpiredOverrides(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM user_permission_assignments
		WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, storeErr("delete expired overrides", err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// STATISTICS
// ============================================================================

func (r *Repository) Counts(ctx context.Context, now time.Time) (StoreCounts, error) {
	var c StoreCounts
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM roles WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM roles WHERE deleted_at IS NULL AND is_active),
			(SELECT COUNT(*) FROM roles WHERE deleted_at IS NULL AND is_system),
			(SELECT COUNT(*) FROM permissions WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM permissions WHERE deleted_at IS NULL AND is_active),
			(SELECT COUNT(*) FROM role_permissions),
			(SELECT COUNT(*) FROM user_permission_assignments),
			(SELECT COUNT(*) FROM user_permission_assignments WHERE expires_at IS NULL OR expires_at > $1)`, now,
	).Scan(&c.TotalRoles, &c.ActiveRoles, &c.SystemRoles, &c.TotalPermissions, &c.ActivePermissions,
		&c.RolePermissionLinks, &c.TotalOverrides, &c.ActiveOverrides)
	if err != nil {
		return StoreCounts{}, storeErr("counts", err)
	}
	return c, nil
}
