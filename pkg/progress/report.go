// Package progress implements the step/detail progress report that package
// operations mutate while they run and transports publish to observers.
package progress

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Status is the outcome of a single step.
type Status int

const (
	// Pending is the status of a step that is still running.
	Pending Status = iota
	// Succeeded marks a step that completed.
	Succeeded
	// Failed marks a step that did not complete.
	Failed
)

// Detail keys written by SetAction and Error.
const (
	DetailAction  = "action"
	DetailPackage = "package"
	DetailError   = "error"
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	switch s {
	case Pending, Succeeded, Failed:
		return json.Marshal(s.String())
	default:
		return nil, fmt.Errorf("invalid status: %d", int(s))
	}
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a wire name back into a Status.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "pending":
		return Pending, nil
	case "succeeded":
		return Succeeded, nil
	case "failed":
		return Failed, nil
	default:
		return Pending, fmt.Errorf("invalid status: %q", name)
	}
}

// Step is one entry in the ordered progress log.
type Step struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Snapshot is a point-in-time copy of a Report.
type Snapshot struct {
	Steps   []Step            `json:"steps"`
	Details map[string]string `json:"details"`
}

// Publisher is notified after every mutation of a Report.
// Implementations run on the goroutine that mutated the report and must
// document their own thread-safety. A returned error is surfaced by the
// mutating method; the mutation itself is kept.
type Publisher interface {
	Notify(snapshot Snapshot) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(snapshot Snapshot) error

// Notify calls f(snapshot).
func (f PublisherFunc) Notify(snapshot Snapshot) error {
	return f(snapshot)
}

// Report is the progress state of one package operation.
//
// The report is written by the single operation that owns it. Readers on
// other goroutines may call Steps, Details or Snapshot at any time.
type Report struct {
	mu        sync.RWMutex
	steps     []Step
	details   map[string]string
	publisher Publisher
}

// New creates an empty report. pub may be nil.
func New(pub Publisher) *Report {
	return &Report{
		steps:     []Step{},
		details:   map[string]string{},
		publisher: pub,
	}
}

// PushStep marks the current step succeeded (unless it already has an
// outcome), appends a new pending step and clears the details.
func (r *Report) PushStep(name string) error {
	r.mu.Lock()
	r.resolveLast(Succeeded)
	r.steps = append(r.steps, Step{Name: name, Status: Pending})
	r.details = map[string]string{}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return r.notify(snap)
}

// SetStatus sets the status of the current step if it is still pending.
// It does nothing when no step has been pushed.
func (r *Report) SetStatus(status Status) error {
	r.mu.Lock()
	if len(r.steps) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.resolveLast(status)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return r.notify(snap)
}

// SetAction replaces the details with the action being performed on subject.
func (r *Report) SetAction(action, subject string) error {
	r.mu.Lock()
	r.details = map[string]string{
		DetailAction:  action,
		DetailPackage: subject,
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return r.notify(snap)
}

// Error fails the current step, overriding any outcome it already has, and
// replaces the details with message.
func (r *Report) Error(message string) error {
	r.mu.Lock()
	if n := len(r.steps); n > 0 {
		r.steps[n-1].Status = Failed
	}
	r.details = map[string]string{DetailError: message}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return r.notify(snap)
}

// Steps returns a copy of the step log.
func (r *Report) Steps() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Step(nil), r.steps...)
}

// Details returns a copy of the current details.
func (r *Report) Details() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyDetails(r.details)
}

// Snapshot returns a copy of the whole report.
func (r *Report) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// resolveLast applies status to the last step only while it is pending.
func (r *Report) resolveLast(status Status) {
	n := len(r.steps)
	if n == 0 {
		return
	}
	if r.steps[n-1].Status == Pending {
		r.steps[n-1].Status = status
	}
}

func (r *Report) snapshotLocked() Snapshot {
	return Snapshot{
		Steps:   append([]Step{}, r.steps...),
		Details: copyDetails(r.details),
	}
}

func (r *Report) notify(snap Snapshot) error {
	if r.publisher == nil {
		return nil
	}
	return r.publisher.Notify(snap)
}

func copyDetails(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
