package progress

import "errors"

// Multi returns a Publisher that notifies every non-nil publisher in order.
// All publishers are called even if one fails; the errors are joined.
func Multi(pubs ...Publisher) Publisher {
	filtered := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return multiPublisher(filtered)
}

type multiPublisher []Publisher

func (m multiPublisher) Notify(snapshot Snapshot) error {
	var errs []error
	for _, p := range m {
		if err := p.Notify(snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every snapshot it is notified with. It is safe for use by
// a single report; read History only after the operation returns.
type Recorder struct {
	History []Snapshot
}

// Notify appends snapshot to the history.
func (r *Recorder) Notify(snapshot Snapshot) error {
	r.History = append(r.History, snapshot)
	return nil
}

// Current returns the last step, or false if there are none.
func (s Snapshot) Current() (Step, bool) {
	if len(s.Steps) == 0 {
		return Step{}, false
	}
	return s.Steps[len(s.Steps)-1], true
}

// Failed reports whether any step failed.
func (s Snapshot) Failed() bool {
	for _, step := range s.Steps {
		if step.Status == Failed {
			return true
		}
	}
	return false
}
