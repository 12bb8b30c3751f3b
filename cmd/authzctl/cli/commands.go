package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/authz/internal/rbac"
)

const (
	checkUsage   = "<user-id> <permission>... [--all] [--scope-type T --scope-id ID]"
	explainUsage = "<user-id> <permission> [--scope-type T --scope-id ID]"
	cleanupUsage = "[--now] [--requested-by NAME]"
)

var checkCommand = command{
	name:    "check",
	usage:   checkUsage,
	summary: "Decide whether a user holds permissions. Exits 10 when denied.",
	flags: func(fs *pflag.FlagSet) func(context.Context, *invocation) int {
		all := fs.Bool("all", false, "require every permission instead of any")
		scope := scopeFlags(fs)
		return func(ctx context.Context, inv *invocation) int {
			if len(inv.args) < 2 {
				_, _ = fmt.Fprintf(inv.stderr, "usage: authzctl check %s\n", checkUsage)
				return ExitUsage
			}
			if !checkScope(inv, scope) {
				return ExitUsage
			}
			userID, perms := inv.args[0], inv.args[1:]
			var (
				granted bool
				err     error
			)
			switch {
			case !scope.IsZero():
				if len(perms) != 1 {
					_, _ = fmt.Fprintln(inv.stderr, "check: scoped checks take exactly one permission")
					return ExitUsage
				}
				granted, err = inv.env.Engine.AuthorizeScoped(ctx, userID, perms[0], *scope)
			case *all:
				granted, err = inv.env.Engine.AuthorizeAll(ctx, userID, perms)
			default:
				granted, err = inv.env.Engine.AuthorizeAny(ctx, userID, perms)
			}
			if err != nil {
				return exitFor(inv, err)
			}
			result := checkResult{UserID: userID, Permissions: perms, Scope: *scope, Granted: granted}
			code := inv.emit(result, func(w io.Writer) {
				verdict := "DENIED"
				if granted {
					verdict = "GRANTED"
				}
				_, _ = fmt.Fprintf(w, "%s %s %s\n", verdict, userID, strings.Join(perms, ","))
			})
			if code == ExitOK && !granted {
				return ExitDenied
			}
			return code
		}
	},
}

type checkResult struct {
	UserID      string     `json:"user_id"`
	Permissions []string   `json:"permissions"`
	Scope       rbac.Scope `json:"scope"`
	Granted     bool       `json:"granted"`
}

var explainCommand = command{
	name:    "explain",
	usage:   explainUsage,
	summary: "Recompute a decision and print the step that resolved it.",
	flags: func(fs *pflag.FlagSet) func(context.Context, *invocation) int {
		scope := scopeFlags(fs)
		return func(ctx context.Context, inv *invocation) int {
			if !exactArgs(inv, 2, explainUsage) || !checkScope(inv, scope) {
				return ExitUsage
			}
			decision, err := inv.env.Engine.ExplainScoped(ctx, inv.args[0], inv.args[1], *scope)
			if err != nil {
				return exitFor(inv, err)
			}
			return inv.emit(decision, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "granted: %t\nsource:  %s\nreason:  %s\n", decision.Granted, decision.Source, decision.Reason)
			})
		}
	},
}

var treeCommand = command{
	name:    "tree",
	usage:   "",
	summary: "Print the active role hierarchy.",
	flags: func(fs *pflag.FlagSet) func(context.Context, *invocation) int {
		return func(ctx context.Context, inv *invocation) int {
			if !exactArgs(inv, 0, "") {
				return ExitUsage
			}
			tree, err := inv.env.Engine.Resolver().HierarchyTree(ctx)
			if err != nil {
				return inv.failf("%v", err)
			}
			return inv.emit(tree, func(w io.Writer) {
				if len(tree) == 0 {
					_, _ = fmt.Fprintln(w, "(no active roles)")
					return
				}
				for _, node := range tree {
					renderNode(w, node, 0)
				}
			})
		}
	},
}

func renderNode(w io.Writer, node *rbac.HierarchyNode, depth int) {
	_, _ = fmt.Fprintf(w, "%s%s (level %d)", strings.Repeat("  ", depth), node.Role.Name, node.Level)
	if len(node.Permissions) > 0 {
		_, _ = fmt.Fprintf(w, ": %s", strings.Join(node.Permissions, ", "))
	}
	_, _ = fmt.Fprintln(w)
	for _, child := range node.Children {
		renderNode(w, child, depth+1)
	}
}

var statsCommand = command{
	name:    "stats",
	usage:   "",
	summary: "Print role, permission, override and cache counts.",
	flags: func(fs *pflag.FlagSet) func(context.Context, *invocation) int {
		return func(ctx context.Context, inv *invocation) int {
			if !exactArgs(inv, 0, "") {
				return ExitUsage
			}
			stats, err := inv.env.Admin.Statistics(ctx)
			if err != nil {
				return inv.failf("%v", err)
			}
			return inv.emit(stats, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "roles:        %d total, %d active, %d system, %d custom\n", stats.TotalRoles, stats.ActiveRoles, stats.SystemRoles, stats.CustomRoles)
				_, _ = fmt.Fprintf(w, "permissions:  %d total, %d active, %d role links\n", stats.TotalPermissions, stats.ActivePermissions, stats.RolePermissionLinks)
				_, _ = fmt.Fprintf(w, "overrides:    %d total, %d active, %d expired\n", stats.TotalOverrides, stats.ActiveOverrides, stats.ExpiredOverrides)
				_, _ = fmt.Fprintf(w, "cache:        %d users, %d entries\n", stats.Cache.Users, stats.Cache.Entries)
			})
		}
	},
}

var seedCommand = command{
	name:    "seed",
	usage:   "",
	summary: "Create missing system roles, permissions and default grants.",
	flags: func(fs *pflag.FlagSet) func(context.Context, *invocation) int {
		return func(ctx context.Context, inv *invocation) int {
			if !exactArgs(inv, 0, "") {
				return ExitUsage
			}
			created, err := inv.env.Admin.EnsureSystemRoles(ctx)
			if err != nil {
				return inv.failf("%v", err)
			}
			return inv.emit(map[string]int{"created_roles": created}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "created %d system roles\n", created)
			})
		}
	},
}

var cleanupCommand = command{
	name:    "cleanup",
	usage:   cleanupUsage,
	summary: "Delete expired overrides, either queued on the worker or inline with --now.",
	flags: func(fs *pflag.FlagSet) func(context.Context, *invocation) int {
		now := fs.Bool("now", false, "run inline instead of enqueueing on the worker")
		requestedBy := fs.String("requested-by", "authzctl", "recorded on the queued task")
		return func(ctx context.Context, inv *invocation) int {
			if !exactArgs(inv, 0, cleanupUsage) {
				return ExitUsage
			}
			if *now || inv.env.Jobs == nil {
				removed, err := inv.env.Admin.CleanupExpiredOverrides(ctx)
				if err != nil {
					return inv.failf("%v", err)
				}
				return inv.emit(map[string]int64{"removed": removed}, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "removed %d expired overrides\n", removed)
				})
			}
			id, err := inv.env.Jobs.EnqueueOverrideCleanup(ctx, *requestedBy)
			if err != nil {
				return inv.failf("enqueue: %v", err)
			}
			return inv.emit(map[string]string{"task_id": id}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "queued override cleanup %s\n", id)
			})
		}
	},
}
