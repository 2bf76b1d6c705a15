package dnf

import (
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// tableSection describes the members listed under a transaction table heading.
type tableSection struct {
	state rpmtools.TxState
	dep   bool
}

// Transaction table headings. Headings not listed here (group and module
// listings) carry no package rows and are skipped.
var tableSections = map[string]tableSection{
	"Installing":                                 {state: rpmtools.TxInstall},
	"Installing group/module packages":           {state: rpmtools.TxInstall},
	"Installing dependencies":                    {state: rpmtools.TxInstall, dep: true},
	"Installing weak dependencies":               {state: rpmtools.TxInstall, dep: true},
	"Reinstalling":                               {state: rpmtools.TxInstall},
	"Upgrading":                                  {state: rpmtools.TxUpdate},
	"Upgrading dependencies":                     {state: rpmtools.TxUpdate, dep: true},
	"Downgrading":                                {state: rpmtools.TxUpdate},
	"Removing":                                   {state: rpmtools.TxErase},
	"Removing group packages":                    {state: rpmtools.TxErase},
	"Removing dependent packages":                {state: rpmtools.TxErase, dep: true},
	"Removing unused dependencies":               {state: rpmtools.TxErase, dep: true},
	"Skipping packages with conflicts":           {state: rpmtools.TxFailed},
	"Skipping packages with broken dependencies": {state: rpmtools.TxFailed},
}

// noMatchPatterns capture the targets dnf could not resolve. Package lists
// are space separated; group names are quoted and kept whole.
var noMatchPatterns = []struct {
	re    *regexp.Regexp
	split bool
}{
	{regexp.MustCompile(`^No match for argument: (.+)$`), true},
	{regexp.MustCompile(`^No package (.+) available\.$`), true},
	{regexp.MustCompile(`^(?:Error: )?Unable to find a match: (.+)$`), true},
	{regexp.MustCompile(`^Module or Group '(.+)' does not exist\.$`), false},
	{regexp.MustCompile(`^Warning: (?:Module or )?Group '(.+)' is not installed\.$`), false},
	{regexp.MustCompile(`^No match for group package "(.+)"$`), false},
}

// Preview is the parsed output of an --assumeno run.
type Preview struct {
	Members  []rpmtools.Member
	NotFound []string
	Errors   []string
	Nothing  bool
}

// ParsePreview parses the output of a dnf --assumeno run.
func ParsePreview(lines []string) Preview {
	var p Preview
	var section *tableSection
	var wrapped string
	inTable := false

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)

		for _, nm := range noMatchPatterns {
			m := nm.re.FindStringSubmatch(trimmed)
			switch {
			case m == nil:
			case nm.split:
				p.NotFound = append(p.NotFound, strings.Fields(m[1])...)
			default:
				p.NotFound = append(p.NotFound, m[1])
			}
		}

		switch {
		case trimmed == "Nothing to do.":
			p.Nothing = true
			continue
		case strings.HasPrefix(trimmed, "Error:"):
			if msg := strings.TrimSpace(strings.TrimPrefix(trimmed, "Error:")); msg != "" {
				p.Errors = append(p.Errors, msg)
			}
			continue
		case strings.HasPrefix(trimmed, "Dependencies resolved."):
			inTable = true
			continue
		case strings.HasPrefix(trimmed, "Transaction Summary"):
			inTable = false
			section = nil
			continue
		}

		if !inTable || trimmed == "" || strings.HasPrefix(trimmed, "====") {
			continue
		}

		if !strings.HasPrefix(line, " ") && strings.HasSuffix(trimmed, ":") {
			heading := strings.TrimSuffix(trimmed, ":")
			if s, ok := tableSections[heading]; ok {
				section = &s
			} else {
				section = nil
			}
			wrapped = ""
			continue
		}

		if section == nil || strings.HasPrefix(trimmed, "Package ") {
			continue
		}

		fields := strings.Fields(trimmed)
		if fields[0] == "replacing" {
			if len(fields) >= 3 {
				if m, ok := parseReplacing(fields[1], fields[2]); ok {
					p.Members = append(p.Members, m)
				}
			}
			continue
		}

		// long names are printed alone, the other columns follow on the next line
		if len(fields) == 1 {
			wrapped = fields[0]
			continue
		}
		if wrapped != "" {
			fields = append([]string{wrapped}, fields...)
			wrapped = ""
		}
		if len(fields) < 4 {
			continue
		}

		epoch, version, release := splitEVR(fields[2])
		p.Members = append(p.Members, rpmtools.Member{
			State: section.state,
			Package: rpmtools.Package{
				Name:    fields[0],
				Arch:    fields[1],
				Epoch:   epoch,
				Version: version,
				Release: release,
			},
			RepoID: fields[3],
			IsDep:  section.dep,
		})
	}

	return p
}

// parseReplacing handles " replacing  name.arch evr" rows.
func parseReplacing(nameArch, evr string) (rpmtools.Member, bool) {
	i := strings.LastIndex(nameArch, ".")
	if i <= 0 {
		return rpmtools.Member{}, false
	}
	epoch, version, release := splitEVR(evr)
	return rpmtools.Member{
		State: rpmtools.TxObsoleted,
		Package: rpmtools.Package{
			Name:    nameArch[:i],
			Arch:    nameArch[i+1:],
			Epoch:   epoch,
			Version: version,
			Release: release,
		},
		RepoID: "@System",
	}, true
}

// splitEVR splits "[epoch:]version-release". A missing epoch is "0".
func splitEVR(evr string) (epoch, version, release string) {
	epoch = "0"
	if i := strings.Index(evr, ":"); i >= 0 {
		epoch, evr = evr[:i], evr[i+1:]
	}
	if i := strings.LastIndex(evr, "-"); i >= 0 {
		return epoch, evr[:i], evr[i+1:]
	}
	return epoch, evr, ""
}

// ParseNEVRA parses "name-[epoch:]version-release.arch", the form dnf uses in
// its progress and result output.
func ParseNEVRA(s string) (rpmtools.Package, bool) {
	dot := strings.LastIndex(s, ".")
	if dot <= 0 {
		return rpmtools.Package{}, false
	}
	arch := s[dot+1:]
	rest := s[:dot]

	relDash := strings.LastIndex(rest, "-")
	if relDash <= 0 {
		return rpmtools.Package{}, false
	}
	verDash := strings.LastIndex(rest[:relDash], "-")
	if verDash <= 0 {
		return rpmtools.Package{}, false
	}

	epoch, version, release := splitEVR(rest[verDash+1:])
	return rpmtools.Package{
		Name:    rest[:verDash],
		Version: version,
		Release: release,
		Epoch:   epoch,
		Arch:    arch,
	}, true
}

// nevraKey renders the member key dnf prints, epoch included when set.
func nevraKey(p rpmtools.Package) string {
	if p.Epoch != "" && p.Epoch != "0" {
		return p.Name + "-" + p.Epoch + ":" + p.Version + "-" + p.Release + "." + p.Arch
	}
	return p.QualifiedName()
}

// Event kinds produced by ParseOutputLine.
type EventKind int

const (
	EventNone EventKind = iota
	EventPhase
	EventDownload
	EventPackage
	EventVerify
	EventResultSection
	EventResultRow
	EventError
	EventKeyImport
	EventSectionEnd
)

// OutputEvent is one interesting line of transaction output.
type OutputEvent struct {
	Kind    EventKind
	Phase   rpmtools.Phase
	Action  rpmtools.TxState
	Failed  bool
	Package string
	Size    string
	Message string
}

var (
	downloadLine = regexp.MustCompile(`^\(\d+/\d+\): (\S+)\s+.*\|\s*([\d.]+\s*[kMGT]?i?B)\s`)
	progressLine = regexp.MustCompile(`^\s+([A-Za-z][A-Za-z ]*?)\s*:\s+(\S+)\s+\d+/\d+$`)
)

// phaseLines are the lines opening a transaction phase. dnf prints nothing
// for its signature check unless a key must be imported, so that phase
// starts at the first EventKeyImport instead.
var phaseLines = map[string]rpmtools.Phase{
	"Downloading Packages:":    rpmtools.PhaseDownload,
	"Running transaction test": rpmtools.PhaseTestTransaction,
	"Running transaction":      rpmtools.PhaseTransaction,
}

// progressActions maps dnf's per-package progress verbs to actions.
var progressActions = map[string]rpmtools.TxState{
	"Installing":   rpmtools.TxInstall,
	"Reinstalling": rpmtools.TxInstall,
	"Upgrading":    rpmtools.TxUpdate,
	"Downgrading":  rpmtools.TxUpdate,
	"Erasing":      rpmtools.TxErase,
	"Cleanup":      rpmtools.TxUpdated,
	"Obsoleting":   rpmtools.TxObsoleting,
	"Obsoleted":    rpmtools.TxObsoleted,
}

// resultSections maps the headings of dnf's closing summary to file actions.
var resultSections = map[string]rpmtools.TxState{
	"Installed:":   rpmtools.TxInstall,
	"Reinstalled:": rpmtools.TxInstall,
	"Upgraded:":    rpmtools.TxUpdate,
	"Downgraded:":  rpmtools.TxUpdate,
	"Removed:":     rpmtools.TxErase,
	"Obsoleted:":   rpmtools.TxObsoleted,
}

// ParseOutputLine classifies one line of transaction output.
func ParseOutputLine(line string) OutputEvent {
	trimmed := strings.TrimSpace(line)

	if phase, ok := phaseLines[trimmed]; ok {
		return OutputEvent{Kind: EventPhase, Phase: phase}
	}
	if trimmed == "" {
		return OutputEvent{Kind: EventSectionEnd}
	}
	if action, ok := resultSections[trimmed]; ok {
		return OutputEvent{Kind: EventResultSection, Action: action}
	}
	if trimmed == "Failed:" || trimmed == "Skipped:" {
		return OutputEvent{Kind: EventResultSection, Failed: true}
	}
	if strings.HasPrefix(trimmed, "Error: ") {
		return OutputEvent{Kind: EventError, Message: strings.TrimPrefix(trimmed, "Error: ")}
	}
	if strings.HasPrefix(trimmed, "Importing GPG key") {
		return OutputEvent{Kind: EventKeyImport, Message: trimmed}
	}

	if m := downloadLine.FindStringSubmatch(trimmed + " "); m != nil {
		return OutputEvent{Kind: EventDownload, Package: m[1], Size: normalizeSize(m[2])}
	}

	if m := progressLine.FindStringSubmatch(strings.TrimRight(line, " \t")); m != nil {
		verb := strings.TrimSpace(m[1])
		if verb == "Verifying" {
			return OutputEvent{Kind: EventVerify, Package: m[2]}
		}
		if action, ok := progressActions[verb]; ok {
			return OutputEvent{Kind: EventPackage, Action: action, Package: m[2]}
		}
		return OutputEvent{}
	}

	if strings.HasPrefix(line, " ") {
		return OutputEvent{Kind: EventResultRow, Message: trimmed}
	}
	return OutputEvent{}
}

// normalizeSize renders dnf's size column ("257 k", "1.1 MB") the same way
// regardless of dnf version. Unparsable sizes are returned unchanged.
func normalizeSize(s string) string {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return humanize.Bytes(n)
}
