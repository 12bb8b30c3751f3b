package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/rbac"
)

type stubJobs struct {
	requestedBy string
	err         error
}

func (s *stubJobs) EnqueueOverrideCleanup(ctx context.Context, requestedBy string) (string, error) {
	s.requestedBy = requestedBy
	return "task-1", s.err
}

type harness struct {
	store  *rbac.MemoryStore
	engine *rbac.Engine
	admin  *rbac.Admin
	jobs   *stubJobs
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := rbac.NewMemoryStore()
	engine := rbac.NewEngine(store, rbac.NewDecisionCache(rbac.CacheConfig{}), logger, rbac.EngineConfig{})
	admin := rbac.NewAdmin(store, engine, logger)
	ctx := context.Background()

	_, err := admin.EnsureSystemRoles(ctx)
	require.NoError(t, err)
	_, err = admin.CreatePermission(ctx, rbac.CreatePermissionInput{Name: "orders:read", Resource: "orders", Action: "read"})
	require.NoError(t, err)
	_, err = admin.AssignRolePermissions(ctx, "operator", []string{"orders:read"})
	require.NoError(t, err)
	require.NoError(t, admin.AssignUserRole(ctx, "op-1", "operator"))
	require.NoError(t, admin.AssignUserRole(ctx, "viewer-1", "viewer"))

	return &harness{store: store, engine: engine, admin: admin, jobs: &stubJobs{}, stdout: new(bytes.Buffer), stderr: new(bytes.Buffer)}
}

func (h *harness) run(args ...string) int {
	h.stdout.Reset()
	h.stderr.Reset()
	return Run(context.Background(), args, Options{
		Stdout: h.stdout,
		Stderr: h.stderr,
		Open: func(ctx context.Context, global GlobalOptions) (*Env, error) {
			return &Env{Engine: h.engine, Admin: h.admin, Jobs: h.jobs}, nil
		},
	})
}

func TestRunUsage(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, ExitUsage, h.run())
	require.Contains(t, h.stderr.String(), "commands:")

	require.Equal(t, ExitUsage, h.run("frobnicate"))
	require.Contains(t, h.stderr.String(), `unknown command "frobnicate"`)

	require.Equal(t, ExitOK, h.run("help"))
	require.Equal(t, ExitUsage, h.run("check", "--bogus"))
}

func TestCheckCommand(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, ExitOK, h.run("check", "op-1", "orders:read"))
	require.Equal(t, "GRANTED op-1 orders:read\n", h.stdout.String())

	require.Equal(t, ExitDenied, h.run("check", "viewer-1", "orders:read"))
	require.Contains(t, h.stdout.String(), "DENIED")

	require.Equal(t, ExitOK, h.run("check", "op-1", "orders:write", "orders:read"))
	require.Equal(t, ExitDenied, h.run("check", "--all", "op-1", "orders:write", "orders:read"))

	require.Equal(t, ExitOK, h.run("check", "--json", "op-1", "orders:read"))
	var result checkResult
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &result))
	require.True(t, result.Granted)
	require.Equal(t, []string{"orders:read"}, result.Permissions)

	require.Equal(t, ExitUnknown, h.run("check", "ghost", "orders:read"))
	require.Equal(t, ExitUsage, h.run("check", "op-1"))
	require.Equal(t, ExitUsage, h.run("check", "--scope-type", "company", "op-1", "orders:read"))
	require.Equal(t, ExitUsage, h.run("check", "--scope-type", "company", "--scope-id", "7", "op-1", "a", "b"))
}

func TestCheckCommandScoped(t *testing.T) {
	h := newHarness(t)
	_, err := h.admin.AssignUserOverride(context.Background(), rbac.OverrideInput{
		UserID:     "viewer-1",
		Permission: "orders:read",
		IsGranted:  true,
		Scope:      rbac.Scope{Type: "company", ID: "7"},
		AssignedBy: "root",
	})
	require.NoError(t, err)

	require.Equal(t, ExitOK, h.run("check", "--scope-type", "company", "--scope-id", "7", "viewer-1", "orders:read"))
	require.Equal(t, ExitDenied, h.run("check", "--scope-type", "company", "--scope-id", "8", "viewer-1", "orders:read"))
}

func TestExplainCommand(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, ExitOK, h.run("explain", "op-1", "orders:read"))
	require.Contains(t, h.stdout.String(), "Granted by role 'operator'")

	require.Equal(t, ExitOK, h.run("explain", "--json", "viewer-1", "orders:read"))
	var d rbac.Decision
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &d))
	require.False(t, d.Granted)
	require.Equal(t, rbac.SourceNoPermission, d.Source)

	require.Equal(t, ExitUsage, h.run("explain", "op-1"))
}

func TestTreeCommand(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, ExitOK, h.run("tree"))
	out := h.stdout.String()
	require.Contains(t, out, "super_admin (level 1)\n")
	require.Contains(t, out, "      operator (level 6)")

	require.Equal(t, ExitOK, h.run("tree", "--json"))
	var tree []*rbac.HierarchyNode
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &tree))
	require.Len(t, tree, 1)
}

func TestStatsAndSeedCommands(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, ExitOK, h.run("seed"))
	require.Equal(t, "created 0 system roles\n", h.stdout.String())

	require.Equal(t, ExitOK, h.run("stats", "--json"))
	var stats rbac.Statistics
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &stats))
	require.EqualValues(t, len(rbac.SystemRoles), stats.SystemRoles)
	require.EqualValues(t, 3, stats.TotalPermissions)
}

func TestCleanupCommand(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, ExitOK, h.run("cleanup", "--requested-by", "ops"))
	require.Equal(t, "ops", h.jobs.requestedBy)
	require.Contains(t, h.stdout.String(), "task-1")

	past := time.Now().Add(-time.Hour)
	_, err := h.admin.AssignUserOverride(context.Background(), rbac.OverrideInput{
		UserID: "op-1", Permission: "orders:read", ExpiresAt: &past, AssignedBy: "root",
	})
	require.NoError(t, err)
	require.Equal(t, ExitOK, h.run("cleanup", "--now", "--json"))
	require.JSONEq(t, `{"removed":1}`, h.stdout.String())

	h.jobs.err = errors.New("redis down")
	require.Equal(t, ExitError, h.run("cleanup"))
	require.Contains(t, h.stderr.String(), "redis down")
}

func TestOpenFailure(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := Run(context.Background(), []string{"stats"}, Options{
		Stdout: io.Discard,
		Stderr: stderr,
		Open: func(ctx context.Context, global GlobalOptions) (*Env, error) {
			return nil, errors.New("no database")
		},
	})
	require.Equal(t, ExitError, code)
	require.Contains(t, stderr.String(), "no database")
}

func TestMemoryEnv(t *testing.T) {
	stdout := new(bytes.Buffer)
	code := Run(context.Background(), []string{"tree", "--memory"}, Options{Stdout: stdout, Stderr: io.Discard})
	require.Equal(t, ExitOK, code)
	require.Contains(t, stdout.String(), "viewer (level 7)")
}
