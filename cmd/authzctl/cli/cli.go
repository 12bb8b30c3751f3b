package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/authz/internal/rbac"
)

// Exit codes shared by every subcommand.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitUsage   = 2
	ExitDenied  = 10
	ExitUnknown = 11
)

// CleanupEnqueuer queues an asynchronous override cleanup.
type CleanupEnqueuer interface {
	EnqueueOverrideCleanup(ctx context.Context, requestedBy string) (string, error)
}

// Env is the set of services a command runs against.
type Env struct {
	Engine *rbac.Engine
	Admin  *rbac.Admin
	Jobs   CleanupEnqueuer
	Close  func()
}

// GlobalOptions are flags accepted by every subcommand.
type GlobalOptions struct {
	JSONOutput bool
	Memory     bool
}

// Options configures a CLI invocation.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
	// Open builds the environment. Nil uses OpenEnv.
	Open func(ctx context.Context, global GlobalOptions) (*Env, error)
}

type command struct {
	name    string
	usage   string
	summary string
	flags   func(fs *pflag.FlagSet) func(ctx context.Context, inv *invocation) int
}

type invocation struct {
	env    *Env
	global GlobalOptions
	args   []string
	stdout io.Writer
	stderr io.Writer
	name   string
}

func (inv *invocation) failf(format string, args ...any) int {
	_, _ = fmt.Fprintf(inv.stderr, inv.name+": "+format+"\n", args...)
	return ExitError
}

func (inv *invocation) emit(v any, human func(w io.Writer)) int {
	if inv.global.JSONOutput {
		enc := json.NewEncoder(inv.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return inv.failf("encode json: %v", err)
		}
		return ExitOK
	}
	human(inv.stdout)
	return ExitOK
}

var commands = []command{
	checkCommand,
	explainCommand,
	treeCommand,
	statsCommand,
	seedCommand,
	cleanupCommand,
}

// Run executes the command named by args[0] and returns the process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Open == nil {
		logger := opts.Logger
		opts.Open = func(ctx context.Context, global GlobalOptions) (*Env, error) {
			return OpenEnv(ctx, global, logger)
		}
	}
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(opts.Stderr)
		if len(args) == 0 {
			return ExitUsage
		}
		return ExitOK
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		_, _ = fmt.Fprintf(opts.Stderr, "authzctl: unknown command %q\n", args[0])
		printUsage(opts.Stderr)
		return ExitUsage
	}

	var global GlobalOptions
	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	fs.BoolVar(&global.JSONOutput, "json", false, "print machine readable JSON")
	fs.BoolVar(&global.Memory, "memory", false, "run against a seeded in-memory store instead of Postgres")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(opts.Stderr, "usage: authzctl %s %s\n\n%s\n\nflags:\n%s", cmd.name, cmd.usage, cmd.summary, fs.FlagUsages())
	}
	run := cmd.flags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}

	env, err := opts.Open(ctx, global)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: %v\n", cmd.name, err)
		return ExitError
	}
	if env.Close != nil {
		defer env.Close()
	}
	return run(ctx, &invocation{
		env:    env,
		global: global,
		args:   fs.Args(),
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		name:   cmd.name,
	})
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: authzctl <command> [flags]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		_, _ = fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
}

func exactArgs(inv *invocation, n int, usage string) bool {
	if len(inv.args) != n {
		_, _ = fmt.Fprintf(inv.stderr, "usage: authzctl %s %s\n", inv.name, usage)
		return false
	}
	return true
}

func scopeFlags(fs *pflag.FlagSet) *rbac.Scope {
	var scope rbac.Scope
	fs.StringVar(&scope.Type, "scope-type", "", "resource type the override is scoped to")
	fs.StringVar(&scope.ID, "scope-id", "", "resource id the override is scoped to")
	return &scope
}

func checkScope(inv *invocation, scope *rbac.Scope) bool {
	scope.Type, scope.ID = strings.TrimSpace(scope.Type), strings.TrimSpace(scope.ID)
	if (scope.Type == "") != (scope.ID == "") {
		_, _ = fmt.Fprintf(inv.stderr, "%s: --scope-type and --scope-id must be set together\n", inv.name)
		return false
	}
	return true
}

// exitFor maps decision errors onto exit codes.
func exitFor(inv *invocation, err error) int {
	if errors.Is(err, rbac.ErrResolutionFailure) {
		_, _ = fmt.Fprintf(inv.stderr, "%s: %v\n", inv.name, err)
		return ExitUnknown
	}
	return inv.failf("%v", err)
}
