package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Level       int    `json:"level"`
	Description string `json:"description"`
	IsSystem    bool   `json:"is_system"`
}

// UpdateRoleInput is a partial role update. Nil fields are left unchanged.
type UpdateRoleInput struct {
	Name        string  `json:"name" validate:"required"`
	DisplayName *string `json:"display_name,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description,omitempty"`
	Level       *int    `json:"level,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// CreatePermissionInput describes a new permission.
type CreatePermissionInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Resource    string `json:"resource" validate:"required,max=100"`
	Action      string `json:"action" validate:"required,max=50"`
	Description string `json:"description"`
}

// UpdatePermissionInput is a partial permission update.
type UpdatePermissionInput struct {
	Name        string  `json:"name" validate:"required"`
	Resource    *string `json:"resource,omitempty" validate:"omitempty,min=1,max=100"`
	Action      *string `json:"action,omitempty" validate:"omitempty,min=1,max=50"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// OverrideInput identifies a per-user override.
type OverrideInput struct {
	UserID     string     `json:"user_id" validate:"required"`
	Permission string     `json:"permission" validate:"required"`
	IsGranted  bool       `json:"is_granted"`
	Scope      Scope      `json:"scope"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AssignedBy string     `json:"assigned_by" validate:"required"`
	Reason     string     `json:"reason,omitempty"`
}

// Admin performs validated mutations of roles, permissions and overrides.
// Every mutation that can change a decision invalidates the engine cache.
type Admin struct {
	store    Store
	engine   *Engine
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewAdmin constructs an Admin over the same store and engine used for decisions.
func NewAdmin(store Store, engine *Engine, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: store, engine: engine, logger: logger, validate: validator.New(), now: engine.now}
}

func (a *Admin) check(input any) error {
	if err := a.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
			}
			return validationErr("%s", strings.Join(parts, ", "))
		}
		return validationErr("%v", err)
	}
	return nil
}

func checkLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return validationErr("level %d outside %d..%d", level, MinLevel, MaxLevel)
	}
	return nil
}

func (a *Admin) invalidateAll(ctx context.Context) {
	a.engine.InvalidateAll(ctx)
}

func (a *Admin) invalidateUser(ctx context.Context, userID string) {
	a.engine.InvalidateUserCache(ctx, userID)
}

// ============================================================================
// ROLES
// ============================================================================

// ListRoles lists roles ordered by level, optionally only active ones.
func (a *Admin) ListRoles(ctx context.Context, activeOnly bool) ([]Role, error) {
	if activeOnly {
		return a.store.ListActiveRoles(ctx)
	}
	return a.store.ListRoles(ctx)
}

// GetRole looks a role up by case-insensitive name.
func (a *Admin) GetRole(ctx context.Context, name string) (Role, error) {
	return a.store.FindRoleByName(ctx, name)
}

// CreateRole validates and inserts a role.
func (a *Admin) CreateRole(ctx context.Context, input CreateRoleInput) (Role, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if err := a.check(input); err != nil {
		return Role{}, err
	}
	if err := checkLevel(input.Level); err != nil {
		return Role{}, err
	}

	var created Role
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		_, err := tx.FindRoleByName(ctx, input.Name)
		switch {
		case err == nil:
			return fmt.Errorf("%w: role %q", ErrDuplicate, input.Name)
		case !errors.Is(err, ErrNotFound):
			return err
		}
		created, err = tx.CreateRole(ctx, Role{
			Name:        input.Name,
			DisplayName: input.DisplayName,
			Description: strings.TrimSpace(input.Description),
			Level:       input.Level,
			IsSystem:    input.IsSystem,
			IsActive:    true,
		})
		return err
	})
	if err != nil {
		return Role{}, err
	}
	a.logger.Info("rbac role created", slog.String("role", created.Name), slog.Int("level", created.Level))
	a.invalidateAll(ctx)
	return created, nil
}

// UpdateRole applies a partial update. A system role keeps its name but its
// other fields may change.
func (a *Admin) UpdateRole(ctx context.Context, input UpdateRoleInput) (Role, error) {
	if err := a.check(input); err != nil {
		return Role{}, err
	}
	if input.Level != nil {
		if err := checkLevel(*input.Level); err != nil {
			return Role{}, err
		}
	}

	var updated Role
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		role, err := tx.FindRoleByName(ctx, input.Name)
		if err != nil {
			return err
		}
		if input.DisplayName != nil {
			role.DisplayName = strings.TrimSpace(*input.DisplayName)
		}
		if input.Description != nil {
			role.Description = strings.TrimSpace(*input.Description)
		}
		if input.Level != nil {
			role.Level = *input.Level
		}
		if input.IsActive != nil {
			role.IsActive = *input.IsActive
		}
		updated, err = tx.UpdateRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	a.invalidateAll(ctx)
	return updated, nil
}

// DeleteRole soft-deletes a custom role. System roles are refused with ErrConflict.
func (a *Admin) DeleteRole(ctx context.Context, name string) error {
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		role, err := tx.FindRoleByName(ctx, name)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: cannot delete system role %q", ErrConflict, role.Name)
		}
		return tx.SoftDeleteRole(ctx, role.ID)
	})
	if err != nil {
		return err
	}
	a.logger.Info("rbac role deleted", slog.String("role", name))
	a.invalidateAll(ctx)
	return nil
}

// ============================================================================
// PERMISSIONS
// ============================================================================

// ListPermissions lists permissions by name, optionally only active ones.
func (a *Admin) ListPermissions(ctx context.Context, activeOnly bool) ([]Permission, error) {
	if activeOnly {
		return a.store.ListActivePermissions(ctx)
	}
	return a.store.ListPermissions(ctx)
}

// GetPermission looks a permission up by name.
func (a *Admin) GetPermission(ctx context.Context, name string) (Permission, error) {
	return a.store.FindPermissionByName(ctx, name)
}

// CreatePermission validates and stores a new permission.
func (a *Admin) CreatePermission(ctx context.Context, input CreatePermissionInput) (Permission, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Resource = strings.TrimSpace(input.Resource)
	input.Action = strings.TrimSpace(input.Action)
	if err := a.check(input); err != nil {
		return Permission{}, err
	}

	var created Permission
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		_, err := tx.FindPermissionByName(ctx, input.Name)
		switch {
		case err == nil:
			return fmt.Errorf("%w: permission %q", ErrDuplicate, input.Name)
		case !errors.Is(err, ErrNotFound):
			return err
		}
		created, err = tx.CreatePermission(ctx, Permission{
			Name:        input.Name,
			Resource:    input.Resource,
			Action:      input.Action,
			Description: strings.TrimSpace(input.Description),
			IsActive:    true,
		})
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	a.invalidateAll(ctx)
	return created, nil
}

// UpdatePermission applies a partial update and invalidates every cached decision.
func (a *Admin) UpdatePermission(ctx context.Context, input UpdatePermissionInput) (Permission, error) {
	if err := a.check(input); err != nil {
		return Permission{}, err
	}

	var updated Permission
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		perm, err := tx.FindPermissionByName(ctx, input.Name)
		if err != nil {
			return err
		}
		if input.Resource != nil {
			perm.Resource = strings.TrimSpace(*input.Resource)
		}
		if input.Action != nil {
			perm.Action = strings.TrimSpace(*input.Action)
		}
		if input.Description != nil {
			perm.Description = strings.TrimSpace(*input.Description)
		}
		if input.IsActive != nil {
			perm.IsActive = *input.IsActive
		}
		updated, err = tx.UpdatePermission(ctx, perm)
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	a.invalidateAll(ctx)
	return updated, nil
}

// DeletePermission soft-deletes a permission and invalidates every cached decision.
func (a *Admin) DeletePermission(ctx context.Context, name string) error {
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		perm, err := tx.FindPermissionByName(ctx, name)
		if err != nil {
			return err
		}
		return tx.SoftDeletePermission(ctx, perm.ID)
	})
	if err != nil {
		return err
	}
	a.invalidateAll(ctx)
	return nil
}

// ============================================================================
// ROLE PERMISSIONS
// ============================================================================

// AssignRolePermissions adds direct assignments. Existing assignments are left
// untouched; any unknown permission fails the whole call.
func (a *Admin) AssignRolePermissions(ctx context.Context, roleName string, permissionNames []string) (int, error) {
	added := 0
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		added = 0
		role, err := tx.FindRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		perms := make([]Permission, 0, len(permissionNames))
		for _, name := range permissionNames {
			perm, err := tx.FindPermissionByName(ctx, name)
			if err != nil {
				return err
			}
			perms = append(perms, perm)
		}
		for _, perm := range perms {
			inserted, err := tx.AddRolePermission(ctx, role.ID, perm.ID)
			if err != nil {
				return err
			}
			if inserted {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		a.invalidateAll(ctx)
	}
	return added, nil
}

// RemoveRolePermissions deletes direct assignments. Unknown permission names
// are skipped; an unknown role fails.
func (a *Admin) RemoveRolePermissions(ctx context.Context, roleName string, permissionNames []string) (int, error) {
	removed := 0
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		removed = 0
		role, err := tx.FindRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		for _, name := range permissionNames {
			perm, err := tx.FindPermissionByName(ctx, name)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			deleted, err := tx.RemoveDirectRolePermission(ctx, role.ID, perm.ID)
			if err != nil {
				return err
			}
			if deleted {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		a.invalidateAll(ctx)
	}
	return removed, nil
}

// ============================================================================
// OVERRIDES
// ============================================================================

// AssignUserOverride upserts the override keyed by user, permission and scope.
func (a *Admin) AssignUserOverride(ctx context.Context, input OverrideInput) (Override, error) {
	input.UserID = strings.TrimSpace(input.UserID)
	input.Permission = strings.TrimSpace(input.Permission)
	if err := a.check(input); err != nil {
		return Override{}, err
	}
	if (input.Scope.Type == "") != (input.Scope.ID == "") {
		return Override{}, validationErr("scope type and id must be set together")
	}

	var saved Override
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		perm, err := tx.FindPermissionByName(ctx, input.Permission)
		if err != nil {
			return err
		}
		saved, err = tx.UpsertOverride(ctx, Override{
			UserID:         input.UserID,
			PermissionID:   perm.ID,
			PermissionName: perm.Name,
			IsGranted:      input.IsGranted,
			Scope:          input.Scope,
			ExpiresAt:      input.ExpiresAt,
			CreatedBy:      input.AssignedBy,
			Reason:         strings.TrimSpace(input.Reason),
		})
		return err
	})
	if err != nil {
		return Override{}, err
	}
	a.logger.Info("rbac override assigned",
		slog.String("user_id", input.UserID),
		slog.String("permission", input.Permission),
		slog.Bool("granted", input.IsGranted),
		slog.String("scope", input.Scope.String()),
		slog.String("assigned_by", input.AssignedBy),
	)
	a.invalidateUser(ctx, input.UserID)
	return saved, nil
}

// RemoveUserOverride deletes the override for the exact scope. It returns
// ErrNotFound when nothing matched.
func (a *Admin) RemoveUserOverride(ctx context.Context, userID, permission string, scope Scope) error {
	var deleted int64
	err := a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		perm, err := tx.FindPermissionByName(ctx, permission)
		if err != nil {
			return err
		}
		deleted, err = tx.DeleteOverride(ctx, userID, perm.ID, scope)
		return err
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("%w: override %s/%s", ErrNotFound, userID, permission)
	}
	a.invalidateUser(ctx, userID)
	return nil
}

// ClearUserOverrides deletes every override of userID and reports how many were removed.
func (a *Admin) ClearUserOverrides(ctx context.Context, userID string) (int64, error) {
	deleted, err := a.store.DeleteUserOverrides(ctx, userID)
	if err != nil {
		return 0, err
	}
	a.invalidateUser(ctx, userID)
	return deleted, nil
}

// ListUserOverrides lists the unexpired overrides of userID.
func (a *Admin) ListUserOverrides(ctx context.Context, userID string) ([]Override, error) {
	return a.store.ListUserOverrides(ctx, userID, a.now())
}

// CleanupExpiredOverrides deletes overrides whose expiry has passed.
// Expired overrides are already ignored by decisions, so the cache is left alone.
func (a *Admin) CleanupExpiredOverrides(ctx context.Context) (int64, error) {
	return a.store.DeleteExpiredOverrides(ctx, a.now())
}

// AssignUserRole binds userID to the named role.
func (a *Admin) AssignUserRole(ctx context.Context, userID, roleName string) error {
	role, err := a.store.FindRoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	if err := a.store.AssignUserRole(ctx, strings.TrimSpace(userID), role.ID); err != nil {
		return err
	}
	a.invalidateUser(ctx, userID)
	return nil
}

// ============================================================================
// STATISTICS
// ============================================================================

// Statistics aggregates store counts and the current cache occupancy.
func (a *Admin) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := a.store.Counts(ctx, a.now())
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		TotalRoles:          counts.TotalRoles,
		ActiveRoles:         counts.ActiveRoles,
		SystemRoles:         counts.SystemRoles,
		CustomRoles:         counts.TotalRoles - counts.SystemRoles,
		TotalPermissions:    counts.TotalPermissions,
		ActivePermissions:   counts.ActivePermissions,
		RolePermissionLinks: counts.RolePermissionLinks,
		TotalOverrides:      counts.TotalOverrides,
		ActiveOverrides:     counts.ActiveOverrides,
		ExpiredOverrides:    counts.TotalOverrides - counts.ActiveOverrides,
		Cache:               a.engine.Cache().Stats(),
	}, nil
}
