package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rpmtools/pkg/progress"
)

// packageCommand describes one of the package operation commands.
type packageCommand struct {
	use     string
	aliases []string
	short   string
	op      string
	example string
	noun    string
}

// operationFlags are the flags every operation command takes.
type operationFlags struct {
	dryRun     bool
	importKeys bool
}

func (f *operationFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "resolve and summarize without changing the system")
	cmd.Flags().BoolVar(&f.importKeys, "import-keys", false, "allow importing repository signing keys")
}

func newPackageCommand(opts *globalOptions, pc packageCommand) *cobra.Command {
	var flags operationFlags

	noun := pc.noun
	if noun == "" {
		noun = "PACKAGE"
	}

	cmd := &cobra.Command{
		Use:     fmt.Sprintf("%s %s...", pc.use, noun),
		Aliases: pc.aliases,
		Short:   pc.short,
		Example: pc.example,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackageCommand(cmd, opts, request{
				op:         pc.op,
				names:      args,
				apply:      !flags.dryRun,
				importKeys: flags.importKeys,
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// runPackageCommand sets up the environment, runs req and prints the outcome.
func runPackageCommand(cmd *cobra.Command, opts *globalOptions, req request) error {
	e, ctx, err := setup(cmd.Context(), opts, true)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	var pub progress.Publisher
	if !opts.jsonOutput {
		pub = newStepPrinter(cmd.ErrOrStderr())
	}

	out, err := e.runOperation(ctx, req, pub)
	if perr := printOutcome(cmd.OutOrStdout(), out, opts.jsonOutput); perr != nil && err == nil {
		err = perr
	}
	return err
}
