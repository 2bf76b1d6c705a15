package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rpmtools/pkg/policy"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policies that gate package operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPolicyEngine(cmd, opts, func(engine *policy.Engine) error {
				policies := engine.ListPolicies()
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), policies)
				}
				return printPolicies(cmd.OutOrStdout(), policies)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "show NAME",
		Short:   "Show one policy with its Rego module",
		Example: "  rpmtool policy show protected-packages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPolicyEngine(cmd, opts, func(engine *policy.Engine) error {
				p, err := engine.GetPolicy(args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), p)
				}
				return printPolicy(cmd.OutOrStdout(), p)
			})
		},
	})

	return cmd
}

// withPolicyEngine runs fn with the engine configured for operations.
func withPolicyEngine(cmd *cobra.Command, opts *globalOptions, fn func(*policy.Engine) error) error {
	e, ctx, err := setup(cmd.Context(), opts, true)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	if e.policy == nil {
		return errors.New("policy gate is disabled")
	}
	return fn(e.policy)
}

func printPolicies(w io.Writer, policies []policy.Policy) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, firstLine(p.Description))
	}
	return tw.Flush()
}

func printPolicy(w io.Writer, p *policy.Policy) error {
	fmt.Fprintf(w, "Name:        %s\n", p.Name)
	fmt.Fprintf(w, "Severity:    %s\n", p.Severity)
	fmt.Fprintf(w, "Enabled:     %t\n", p.Enabled)
	if source, ok := p.Metadata["source"].(string); ok {
		fmt.Fprintf(w, "Source:      %s\n", source)
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(p.Tags, ", "))
	}
	if p.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", p.Description)
	}
	fmt.Fprintf(w, "\n%s\n", strings.TrimRight(p.Rego, "\n"))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
