package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	jsonOutput bool
	host       string
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(&globalOptions{version: version}, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case policy.IsDenied(err):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func newRootCommand(opts *globalOptions, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rpmtool",
		Short: "Install, update and remove RPM packages with progress reporting",
		Long: `rpmtool drives dnf transactions for packages and package groups.

Every run:
  - Is checked against the policy gate before anything is resolved
  - Reports its progress as an ordered list of steps
  - Prints a summary of resolved, dependency and failed packages
  - Is recorded in the local operation history

With --host the operation runs on another machine through the micro-runner,
uploaded over ssh for the duration of the command.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", opts.version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&opts.host, "host", "H", "", "run on [user@]host[:port] through the micro-runner")

	rootCmd.AddCommand(newPackageCommand(opts, packageCommand{
		use:     "install",
		short:   "Install packages",
		op:      rpmtools.OpInstall,
		example: "  rpmtool install htop tmux\n\n  # Preview without changing the system\n  rpmtool install --dry-run htop",
	}))
	rootCmd.AddCommand(newPackageCommand(opts, packageCommand{
		use:     "update",
		short:   "Update installed packages",
		op:      rpmtools.OpUpdate,
		example: "  rpmtool update openssl\n\n  # Update on another host\n  rpmtool update --host admin@web1 openssl",
	}))
	rootCmd.AddCommand(newPackageCommand(opts, packageCommand{
		use:     "remove",
		aliases: []string{"uninstall", "erase"},
		short:   "Remove packages",
		op:      rpmtools.OpUninstall,
		example: "  rpmtool remove screen",
	}))
	rootCmd.AddCommand(newGroupCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))

	return rootCmd
}
