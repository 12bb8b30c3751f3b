package rbac

import (
	"context"
	"errors"
	"log/slog"
)

// Permissions guarding the introspection endpoints.
const (
	PermissionRead   = "rbac:read"
	PermissionManage = "rbac:manage"
)

// SystemRoles is the default role ladder, most authoritative first.
var SystemRoles = []CreateRoleInput{
	{Name: "super_admin", DisplayName: "Super Administrator", Level: 1, Description: "Full access to every function", IsSystem: true},
	{Name: "administrator", DisplayName: "Administrator", Level: 2, Description: "Cross-company administration", IsSystem: true},
	{Name: "company_admin", DisplayName: "Company Administrator", Level: 3, Description: "Company level administration and user management", IsSystem: true},
	{Name: "manager", DisplayName: "Manager", Level: 4, Description: "Monitoring, reporting and approvals", IsSystem: true},
	{Name: "supervisor", DisplayName: "Supervisor", Level: 5, Description: "Team supervision and data review", IsSystem: true},
	{Name: "operator", DisplayName: "Operator", Level: 6, Description: "Day to day data entry", IsSystem: true},
	{Name: "viewer", DisplayName: "Viewer", Level: 7, Description: "Read only access", IsSystem: true},
}

// SystemPermissions are created alongside the system roles.
var SystemPermissions = []CreatePermissionInput{
	{Name: PermissionRead, Resource: "rbac", Action: "read", Description: "Inspect roles, permissions and decisions"},
	{Name: PermissionManage, Resource: "rbac", Action: "manage", Description: "Mutate roles, permissions and overrides"},
}

var systemGrants = map[string][]string{
	"company_admin": {PermissionRead},
	"administrator": {PermissionManage},
}

// EnsureSystemRoles creates any missing system role, system permission and
// default grant. Existing records are left as they are. It reports how many
// roles were created.
func (a *Admin) EnsureSystemRoles(ctx context.Context) (int, error) {
	created := 0
	for _, input := range SystemRoles {
		_, err := a.store.FindRoleByName(ctx, input.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		if _, err := a.CreateRole(ctx, input); err != nil && !errors.Is(err, ErrDuplicate) {
			return created, err
		}
		created++
	}
	for _, input := range SystemPermissions {
		if _, err := a.store.FindPermissionByName(ctx, input.Name); err == nil {
			continue
		}
		if _, err := a.CreatePermission(ctx, input); err != nil && !errors.Is(err, ErrDuplicate) {
			return created, err
		}
	}
	for role, perms := range systemGrants {
		if _, err := a.AssignRolePermissions(ctx, role, perms); err != nil {
			return created, err
		}
	}
	if created > 0 {
		a.logger.Info("rbac system roles seeded", slog.Int("created", created))
	}
	return created, nil
}
