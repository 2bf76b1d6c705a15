// Package main implements the rpmtool micro-runner binary.
// This is a minimal, self-contained, static binary that runs rpm.* commands
// received via JSON-over-stdio and self-deletes on exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rpmtools/pkg/dnf"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/handlers"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/runner"
	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

type options struct {
	ttl         time.Duration
	keep        bool
	logLevel    string
	dnfBinary   string
	installRoot string
	repos       []string
	policyPaths []string
	protected   []string
	enable      []string
	disable     []string
	noPolicy    bool
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "micro-runner",
		Short:         "Run rpm commands received over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.ttl, "ttl", runner.DefaultTTL, "maximum lifetime of the runner")
	flags.BoolVar(&opts.keep, "keep", false, "do not delete the binary on exit")
	flags.StringVar(&opts.logLevel, "log-level", envOr("RPMTOOL_LOG_LEVEL", "info"), "log level, written to stderr")
	flags.StringVar(&opts.dnfBinary, "dnf", "dnf", "dnf binary")
	flags.StringVar(&opts.installRoot, "installroot", "", "dnf --installroot")
	flags.StringSliceVar(&opts.repos, "repo", nil, "enable only these repositories")
	flags.StringSliceVar(&opts.policyPaths, "policy", splitEnv("RPMTOOL_POLICY_PATHS"), "policy files or directories, reloaded on change")
	flags.StringSliceVar(&opts.protected, "protected", nil, "packages that may not be removed (default: built-in list)")
	flags.StringSliceVar(&opts.enable, "enable-policy", nil, "enable these policies by name")
	flags.StringSliceVar(&opts.disable, "disable-policy", nil, "disable these policies by name")
	flags.BoolVar(&opts.noPolicy, "no-policy", false, "skip policy checks")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "micro-runner: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) (int, error) {
	// stdout carries the protocol, so logs go to stderr only
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  opts.logLevel,
		Format: "json",
	}, os.Stderr).NewComponentLogger("micro-runner")
	ctx = logger.WithContext(ctx)

	handler := &handlers.RPMHandler{
		DNF: dnf.Config{
			Binary:      opts.dnfBinary,
			InstallRoot: opts.installRoot,
			Repos:       opts.repos,
		},
	}
	if host, err := os.Hostname(); err == nil {
		handler.Host = host
	}

	if !opts.noPolicy {
		engine, err := policy.NewEngine(*logger.Zerolog())
		if err != nil {
			return 1, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(opts.protected) > 0 {
			engine.SetProtected(opts.protected)
		}
		if len(opts.policyPaths) > 0 {
			if err := engine.LoadPolicies(ctx, opts.policyPaths); err != nil {
				return 1, fmt.Errorf("failed to load policies: %w", err)
			}
			if err := engine.Watch(ctx, opts.policyPaths); err != nil {
				logger.WithError(err).Warn("policy reload disabled")
			}
		}
		if err := engine.Toggle(opts.enable, opts.disable); err != nil {
			return 1, err
		}
		handler.Policy = engine
	}

	server, err := runner.New(os.Stdin, os.Stdout, handler)
	if err != nil {
		return 1, err
	}
	server.TTL = opts.ttl
	if !opts.keep {
		if path, err := os.Executable(); err == nil {
			server.SelfDelete = path
		} else {
			logger.WithError(err).Warn("cannot self-delete")
		}
	}

	exit, err := server.Serve(ctx)
	if err != nil {
		return 1, err
	}
	logger.Infof("exiting: %s after %d commands", exit.Reason, exit.CommandsTotal)
	return exit.ExitCode, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
