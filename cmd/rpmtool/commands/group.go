package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

func newGroupCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Install or remove package groups",
		Long: `Install or remove comps package groups by id or name.

Group names are resolved by dnf; packages pulled in by a group are
reported as resolved, their requirements as dependencies.`,
	}

	cmd.AddCommand(newPackageCommand(opts, packageCommand{
		use:     "install",
		short:   "Install package groups",
		op:      rpmtools.OpGroupInstall,
		noun:    "GROUP",
		example: `  rpmtool group install "Development Tools"`,
	}))
	cmd.AddCommand(newPackageCommand(opts, packageCommand{
		use:     "remove",
		aliases: []string{"uninstall"},
		short:   "Remove package groups",
		op:      rpmtools.OpGroupUninstall,
		noun:    "GROUP",
		example: "  rpmtool group remove --dry-run development-tools",
	}))

	return cmd
}
