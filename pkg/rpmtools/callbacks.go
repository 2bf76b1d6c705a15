package rpmtools

import (
	"fmt"

	"github.com/openfroyo/rpmtools/pkg/progress"
)

// Phase is a transaction phase code emitted by the engine.
type Phase int

// Transaction phases.
const (
	PhaseDownload         Phase = 10
	PhaseDownloadPackages Phase = 11
	PhaseGPGCheck         Phase = 20
	PhaseTestTransaction  Phase = 30
	PhaseTransaction      Phase = 40
)

// PhaseMessages maps the phases that open a progress step to their names.
// PhaseDownloadPackages has no entry and never produces a step.
var PhaseMessages = map[Phase]string{
	PhaseDownload:        "Downloading Packages",
	PhaseGPGCheck:        "Check Package Signatures",
	PhaseTestTransaction: "Running Test Transaction",
	PhaseTransaction:     "Running Transaction",
}

// Actions maps package action codes to progress descriptions.
var Actions = map[TxState]string{
	TxUpdate:      "Updating",
	TxErase:       "Erasing",
	TxInstall:     "Installing",
	TxTrueInstall: "Installing",
	TxObsoleted:   "Obsoleted",
	TxObsoleting:  "Installing",
	TxUpdated:     "Cleanup",
	TxRepackaging: "Repackaging",
}

// FileActions maps file-level action codes to progress descriptions.
var FileActions = map[TxState]string{
	TxUpdate:      "Updated",
	TxErase:       "Erased",
	TxInstall:     "Installed",
	TxTrueInstall: "Installed",
	TxObsoleted:   "Obsoleted",
	TxObsoleting:  "Installed",
	TxUpdated:     "Cleanup",
}

// PhaseCallback pushes a progress step for each recognized transaction phase.
type PhaseCallback struct {
	report *progress.Report
}

// NewPhaseCallback binds a PhaseCallback to report.
func NewPhaseCallback(report *progress.Report) *PhaseCallback {
	return &PhaseCallback{report: report}
}

// Report returns the report the callback writes to.
func (c *PhaseCallback) Report() *progress.Report {
	return c.report
}

// Event handles a phase transition. Unknown phases are ignored.
func (c *PhaseCallback) Event(phase Phase) error {
	name, ok := PhaseMessages[phase]
	if !ok {
		return nil
	}
	return c.report.PushStep(name)
}

// PackageAction is one (package, action) pair observed by RPMCallback.
type PackageAction struct {
	Package string  `json:"package"`
	Action  TxState `json:"action"`
}

// RPMCallback reports per-package actions, file actions and errors.
type RPMCallback struct {
	report *progress.Report
	seen   map[PackageAction]struct{}
	events []PackageAction
}

// NewRPMCallback binds an RPMCallback to report.
func NewRPMCallback(report *progress.Report) *RPMCallback {
	return &RPMCallback{
		report: report,
		seen:   make(map[PackageAction]struct{}),
	}
}

// Report returns the report the callback writes to.
func (c *RPMCallback) Report() *progress.Report {
	return c.report
}

// Event reports that action is being performed on pkg. Every call is
// forwarded to the report, repeats included.
func (c *RPMCallback) Event(pkg string, action TxState) error {
	key := PackageAction{Package: pkg, Action: action}
	if _, ok := c.seen[key]; !ok {
		c.seen[key] = struct{}{}
		c.events = append(c.events, key)
	}
	description, ok := Actions[action]
	if !ok {
		description = action.String()
	}
	return c.report.SetAction(description, pkg)
}

// FileLog reports a file-level action on pkg.
func (c *RPMCallback) FileLog(pkg string, action TxState) error {
	description, ok := FileActions[action]
	if !ok {
		description = action.String()
	}
	return c.report.SetAction(description, pkg)
}

// ErrorLog fails the current step with message.
func (c *RPMCallback) ErrorLog(message string) error {
	return c.report.Error(message)
}

// Verify reports that m is being verified.
func (c *RPMCallback) Verify(m Member) error {
	return c.report.SetAction("Verifying", m.Package.String())
}

// Events returns the distinct (package, action) pairs seen so far, in the
// order they were first observed.
func (c *RPMCallback) Events() []PackageAction {
	out := make([]PackageAction, len(c.events))
	copy(out, c.events)
	return out
}

// Seen reports whether Event was called with pkg and action.
func (c *RPMCallback) Seen(pkg string, action TxState) bool {
	_, ok := c.seen[PackageAction{Package: pkg, Action: action}]
	return ok
}

// DownloadCallback reports package downloads.
type DownloadCallback struct {
	report *progress.Report
}

// NewDownloadCallback binds a DownloadCallback to report.
func NewDownloadCallback(report *progress.Report) *DownloadCallback {
	return &DownloadCallback{report: report}
}

// Report returns the report the callback writes to.
func (c *DownloadCallback) Report() *progress.Report {
	return c.report
}

// Start reports that the download of name (totalSize in the engine's own
// formatting) has begun.
func (c *DownloadCallback) Start(name, totalSize string) error {
	return c.report.SetAction("Downloading", fmt.Sprintf("%s | %s", name, totalSize))
}

// Callbacks groups the adapters an engine session reports through.
type Callbacks struct {
	Phase    *PhaseCallback
	RPM      *RPMCallback
	Download *DownloadCallback
}

// NewCallbacks binds all three adapters to report.
func NewCallbacks(report *progress.Report) *Callbacks {
	return &Callbacks{
		Phase:    NewPhaseCallback(report),
		RPM:      NewRPMCallback(report),
		Download: NewDownloadCallback(report),
	}
}

// FinishReport settles the report once an operation returns: the pending
// step succeeds when err is nil, otherwise the error is recorded unless a
// step already failed.
func FinishReport(report *progress.Report, err error) error {
	if report == nil {
		return nil
	}
	if err == nil {
		return report.SetStatus(progress.Succeeded)
	}
	if report.Snapshot().Failed() {
		return nil
	}
	return report.Error(err.Error())
}
