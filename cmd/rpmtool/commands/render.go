package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// stepPrinter renders report snapshots as one line per step transition.
// Snapshots are cumulative, so only what changed since the last one is
// printed.
type stepPrinter struct {
	w io.Writer

	mu      sync.Mutex
	printed []progress.Step
	action  string
}

func newStepPrinter(w io.Writer) *stepPrinter {
	return &stepPrinter{w: w}
}

// Notify implements progress.Publisher.
func (p *stepPrinter) Notify(snapshot progress.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, step := range snapshot.Steps {
		if i < len(p.printed) && p.printed[i] == step {
			continue
		}
		if i >= len(p.printed) || step.Status != progress.Pending {
			fmt.Fprintf(p.w, "%s %s\n", statusMark(step.Status), step.Name)
		}
	}
	p.printed = append(p.printed[:0], snapshot.Steps...)

	action := snapshot.Details[progress.DetailAction]
	if pkg := snapshot.Details[progress.DetailPackage]; action != "" && pkg != "" {
		if line := action + " " + pkg; line != p.action {
			p.action = line
			fmt.Fprintf(p.w, "    %s\n", line)
		}
	}
	return nil
}

func statusMark(s progress.Status) string {
	switch s {
	case progress.Succeeded:
		return "[ ok ]"
	case progress.Failed:
		return "[fail]"
	default:
		return "[ .. ]"
	}
}

// printOutcome writes the summary of out to w, as JSON when asJSON is set.
func printOutcome(w io.Writer, out *outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	sections := []struct {
		title   string
		records []rpmtools.PackageRecord
	}{
		{"Resolved", out.Summary.Resolved},
		{"Dependencies", out.Summary.Deps},
		{"Failed", out.Summary.Failed},
	}
	for _, s := range sections {
		if len(s.records) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", s.title)
		for _, r := range s.records {
			fmt.Fprintf(w, "  %-50s %s\n", r.QualifiedName, r.RepoID)
		}
	}

	switch {
	case out.Error != "":
		fmt.Fprintf(w, "Operation %s failed (%s): %s\n", out.OperationID, out.ErrorClass, out.Error)
	case !out.Apply:
		fmt.Fprintf(w, "Dry run %s: nothing was changed.\n", out.OperationID)
	default:
		fmt.Fprintf(w, "Operation %s complete.\n", out.OperationID)
	}
	return nil
}

// hasPort reports whether an ssh target names its port.
func hasPort(target string) bool {
	if i := strings.LastIndex(target, "@"); i >= 0 {
		target = target[i+1:]
	}
	_, _, err := net.SplitHostPort(target)
	return err == nil
}

func siblingPath(self, name string) string {
	return filepath.Join(filepath.Dir(self), name)
}
