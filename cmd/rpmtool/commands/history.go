package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rpmtools/pkg/stores"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit     int
		operation string
		status    string
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "Show recorded operations",
		Long: `List the operations recorded in the history store, newest first,
or show one operation with its packages and progress steps.`,
		Example: `  # Last 20 operations
  rpmtool history

  # Failed removals of the last day
  rpmtool history --operation uninstall --status failed --since 24h

  # One operation in detail
  rpmtool history 3f6c2a9e-5b1d-4d8e-9a51-0c2f1e7b9d44`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ctx, err := setup(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			if e.store == nil {
				return errors.New("history store is disabled")
			}

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				detail, err := loadOperation(ctx, e.store, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(w, detail)
				}
				return printOperation(w, detail)
			}

			listOpts := stores.ListOptions{
				Operation: operation,
				Status:    stores.OperationStatus(status),
				Limit:     limit,
			}
			if since > 0 {
				listOpts.Since = time.Now().Add(-since)
			}
			ops, err := e.store.ListOperations(ctx, listOpts)
			if err != nil {
				return err
			}
			telemetry.FromContext(ctx).Debugf("%d operations listed", len(ops))
			if opts.jsonOutput {
				if ops == nil {
					ops = []*stores.Operation{}
				}
				return writeJSON(w, ops)
			}
			return printOperations(w, ops, time.Now())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of operations, 0 for all")
	cmd.Flags().StringVar(&operation, "operation", "", "only this operation (install, update, uninstall, group_install, group_uninstall)")
	cmd.Flags().StringVar(&status, "status", "", "only this status (running, succeeded, failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only operations started within this duration")

	return cmd
}

// operationDetail is one operation with its packages and steps.
type operationDetail struct {
	*stores.Operation
	Packages []*stores.OperationPackage `json:"packages"`
	Steps    []*stores.OperationStep    `json:"steps"`
}

func loadOperation(ctx context.Context, store stores.Store, id string) (*operationDetail, error) {
	op, err := store.GetOperation(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("no operation %s in history", id)
	}
	if err != nil {
		return nil, err
	}
	pkgs, err := store.GetOperationPackages(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := store.GetOperationSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	return &operationDetail{Operation: op, Packages: pkgs, Steps: steps}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOperations(w io.Writer, ops []*stores.Operation, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATION\tMODE\tSTATUS\tTARGETS\tHOST\tSTARTED\tDURATION")
	for _, op := range ops {
		host := op.Host
		if host == "" {
			host = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID,
			op.Operation,
			telemetry.Mode(op.Apply),
			op.Status,
			strings.Join(op.Targets, ","),
			host,
			humanize.RelTime(op.StartedAt, now, "ago", "from now"),
			formatDuration(op),
		)
	}
	return tw.Flush()
}

func printOperation(w io.Writer, d *operationDetail) error {
	op := d.Operation
	fmt.Fprintf(w, "Operation:  %s\n", op.ID)
	fmt.Fprintf(w, "Command:    %s %s\n", op.Operation, strings.Join(op.Targets, " "))
	fmt.Fprintf(w, "Mode:       %s\n", telemetry.Mode(op.Apply))
	if op.Host != "" {
		fmt.Fprintf(w, "Host:       %s\n", op.Host)
	}
	fmt.Fprintf(w, "Status:     %s\n", op.Status)
	fmt.Fprintf(w, "Started:    %s\n", op.StartedAt.Local().Format(time.RFC3339))
	if op.CompletedAt != nil {
		fmt.Fprintf(w, "Duration:   %s\n", formatDuration(op))
	}
	if op.Action != "" {
		fmt.Fprintf(w, "Action:     %s\n", op.Action)
	}
	if op.Error != nil {
		fmt.Fprintf(w, "Error:      %s (%s)\n", *op.Error, op.ErrorClass)
	}

	if len(d.Packages) > 0 {
		fmt.Fprintln(w, "\nPackages:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, p := range d.Packages {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Bucket, p.QualifiedName, p.RepoID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(d.Steps) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		for _, s := range d.Steps {
			fmt.Fprintf(w, "  %s %s\n", statusMark(s.Status), s.Name)
		}
	}
	return nil
}

func formatDuration(op *stores.Operation) string {
	if op.CompletedAt == nil {
		return "-"
	}
	return op.Duration().Round(time.Millisecond).String()
}
