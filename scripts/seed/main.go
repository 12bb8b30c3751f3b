package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/internal/rbac"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: 2, ConnectTimeout: cfg.StoreTimeout})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	repo := rbac.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	services := app.NewServices(cfg, repo, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	admin := services.Admin

	fmt.Println("→ Seeding system roles...")
	created, err := admin.EnsureSystemRoles(ctx)
	if err != nil {
		log.Fatalf("seed system roles: %v", err)
	}
	fmt.Printf("  %d system roles created\n", created)

	fmt.Println("→ Seeding permissions...")
	if err := seedPermissions(ctx, admin); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	fmt.Println("→ Seeding custom roles...")
	if err := seedCustomRoles(ctx, admin); err != nil {
		log.Fatalf("seed custom roles: %v", err)
	}

	fmt.Println("→ Assigning demo users...")
	if err := seedUsers(ctx, admin); err != nil {
		log.Fatalf("seed users: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

// =============================================================================
// PERMISSIONS
// =============================================================================

var demoPermissions = []struct {
	name        string
	description string
}{
	{"users:read", "View users"},
	{"users:write", "Manage users"},
	{"master:read", "View master data"},
	{"master:write", "Manage master data"},
	{"master:import", "Import master data via CSV"},
	{"inventory:read", "View inventory transactions"},
	{"inventory:write", "Post inventory transactions"},
	{"procurement:read", "View procurement documents"},
	{"procurement:write", "Manage procurement documents"},
	{"procurement:approve", "Approve purchase orders"},
	{"finance:read", "View ledgers and reports"},
	{"finance:write", "Post journal entries"},
	{"finance:close", "Manage period closing"},
	{"sales:read", "View quotations and orders"},
	{"sales:write", "Create and edit quotations and orders"},
	{"sales:approve", "Approve quotations and confirm orders"},
	{"reports:read", "Access reports"},
	{"reports:export", "Export reports"},
}

func seedPermissions(ctx context.Context, admin *rbac.Admin) error {
	for _, perm := range demoPermissions {
		resource, action, _ := strings.Cut(perm.name, ":")
		_, err := admin.CreatePermission(ctx, rbac.CreatePermissionInput{
			Name:        perm.name,
			Resource:    resource,
			Action:      action,
			Description: perm.description,
		})
		if err != nil && !errors.Is(err, rbac.ErrDuplicate) {
			return fmt.Errorf("%s: %w", perm.name, err)
		}
	}

	grants := map[string][]string{
		"manager":    {"procurement:approve", "sales:approve", "finance:close", "reports:export", "users:write"},
		"supervisor": {"master:write", "master:import", "finance:write"},
		"operator":   {"inventory:write", "procurement:write", "sales:write"},
		"viewer": {
			"users:read", "master:read", "inventory:read", "procurement:read",
			"finance:read", "sales:read", "reports:read",
		},
	}
	for role, perms := range grants {
		if _, err := admin.AssignRolePermissions(ctx, role, perms); err != nil {
			return fmt.Errorf("grant %s: %w", role, err)
		}
	}
	return nil
}

// =============================================================================
// CUSTOM ROLES
// =============================================================================

func seedCustomRoles(ctx context.Context, admin *rbac.Admin) error {
	roles := []struct {
		input       rbac.CreateRoleInput
		permissions []string
	}{
		{rbac.CreateRoleInput{Name: "accountant", DisplayName: "Accountant", Level: 5, Description: "Ledger maintenance"}, []string{"finance:write", "reports:export"}},
		{rbac.CreateRoleInput{Name: "auditor", DisplayName: "Auditor", Level: 8, Description: "Read only finance review"}, []string{"finance:read", "reports:read"}},
	}
	for _, role := range roles {
		if _, err := admin.CreateRole(ctx, role.input); err != nil && !errors.Is(err, rbac.ErrDuplicate) {
			return fmt.Errorf("%s: %w", role.input.Name, err)
		}
		if _, err := admin.AssignRolePermissions(ctx, role.input.Name, role.permissions); err != nil {
			return fmt.Errorf("grant %s: %w", role.input.Name, err)
		}
	}
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func seedUsers(ctx context.Context, admin *rbac.Admin) error {
	userRoles := []struct {
		userID string
		role   string
	}{
		{"admin@odyssey.local", "super_admin"},
		{"manager@odyssey.local", "manager"},
		{"accountant@odyssey.local", "accountant"},
		{"auditor@odyssey.local", "auditor"},
		{"clerk@odyssey.local", "operator"},
	}
	for _, ur := range userRoles {
		if err := admin.AssignUserRole(ctx, ur.userID, ur.role); err != nil {
			return fmt.Errorf("%s: %w", ur.userID, err)
		}
	}

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := admin.AssignUserOverride(ctx, rbac.OverrideInput{
		UserID:     "auditor@odyssey.local",
		Permission: "reports:export",
		IsGranted:  true,
		ExpiresAt:  &expires,
		AssignedBy: "admin@odyssey.local",
		Reason:     "Year end audit",
	})
	return err
}
