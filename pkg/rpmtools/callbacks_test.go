package rpmtools

import (
	"errors"
	"reflect"
	"testing"

	"github.com/openfroyo/rpmtools/pkg/progress"
)

func TestPhaseCallback(t *testing.T) {
	r := progress.New(nil)
	cb := NewPhaseCallback(r)

	if cb.Report() != r {
		t.Fatal("callback not bound to report")
	}

	for _, phase := range []Phase{PhaseDownload, PhaseDownloadPackages, PhaseGPGCheck, PhaseTestTransaction, PhaseTransaction, Phase(99)} {
		if err := cb.Event(phase); err != nil {
			t.Fatalf("Event(%d) failed: %v", phase, err)
		}
	}

	want := []progress.Step{
		{Name: "Downloading Packages", Status: progress.Succeeded},
		{Name: "Check Package Signatures", Status: progress.Succeeded},
		{Name: "Running Test Transaction", Status: progress.Succeeded},
		{Name: "Running Transaction", Status: progress.Pending},
	}
	if got := r.Steps(); !reflect.DeepEqual(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if len(PhaseMessages) != len(want) {
		t.Errorf("expected %d phase messages, got %d", len(want), len(PhaseMessages))
	}
}

func TestPhaseCallbackUnknown(t *testing.T) {
	rec := &progress.Recorder{}
	cb := NewPhaseCallback(progress.New(rec))

	_ = cb.Event(PhaseDownloadPackages)
	_ = cb.Event(Phase(-1))

	if len(rec.History) != 0 {
		t.Errorf("unknown phases must not notify, got %d snapshots", len(rec.History))
	}
}

func TestRPMCallbackEvent(t *testing.T) {
	r := progress.New(nil)
	cb := NewRPMCallback(r)

	var want []PackageAction
	for action, description := range Actions {
		pkg := "pkg-" + action.String()
		if err := cb.Event(pkg, action); err != nil {
			t.Fatalf("Event failed: %v", err)
		}
		want = append(want, PackageAction{Package: pkg, Action: action})

		details := r.Details()
		if details[progress.DetailAction] != description || details[progress.DetailPackage] != pkg {
			t.Errorf("details = %v, want %s %s", details, description, pkg)
		}
	}

	if got := cb.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if len(r.Steps()) != 0 {
		t.Errorf("package events must not push steps: %v", r.Steps())
	}
}

func TestRPMCallbackUnknownEvent(t *testing.T) {
	r := progress.New(nil)
	cb := NewRPMCallback(r)

	if err := cb.Event("tmux", TxFailed); err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	details := r.Details()
	if details[progress.DetailAction] != "100" || details[progress.DetailPackage] != "tmux" {
		t.Errorf("details = %v, want the numeric action code", details)
	}
	if !cb.Seen("tmux", TxFailed) {
		t.Error("unknown action was not recorded")
	}
}

func TestRPMCallbackRepeatedEvent(t *testing.T) {
	rec := &progress.Recorder{}
	cb := NewRPMCallback(progress.New(rec))

	_ = cb.Event("tmux", TxInstall)
	_ = cb.Event("tmux", TxInstall)

	if len(rec.History) != 2 {
		t.Errorf("repeated event must be forwarded, got %d notifications", len(rec.History))
	}
	if got := len(cb.Events()); got != 1 {
		t.Errorf("expected 1 distinct event, got %d", got)
	}
	if !cb.Seen("tmux", TxInstall) || cb.Seen("tmux", TxErase) {
		t.Error("Seen does not match recorded events")
	}
}

func TestRPMCallbackFileLog(t *testing.T) {
	tests := []struct {
		action TxState
		want   string
	}{
		{TxUpdate, "Updated"},
		{TxErase, "Erased"},
		{TxInstall, "Installed"},
		{TxTrueInstall, "Installed"},
		{TxObsoleted, "Obsoleted"},
		{TxObsoleting, "Installed"},
		{TxUpdated, "Cleanup"},
		{TxRepackaging, "200"},
		{TxState(1234), "1234"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			r := progress.New(nil)
			cb := NewRPMCallback(r)

			if err := cb.FileLog("tmux", tt.action); err != nil {
				t.Fatalf("FileLog failed: %v", err)
			}
			if got := r.Details()[progress.DetailAction]; got != tt.want {
				t.Errorf("action = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRPMCallbackErrorLog(t *testing.T) {
	r := progress.New(nil)
	cb := NewRPMCallback(r)
	_ = r.PushStep("Running Transaction")

	if err := cb.ErrorLog("scriptlet failed"); err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}

	if got := r.Steps()[0].Status; got != progress.Failed {
		t.Errorf("status = %v, want failed", got)
	}
	if got := r.Details(); !reflect.DeepEqual(got, map[string]string{progress.DetailError: "scriptlet failed"}) {
		t.Errorf("details = %v", got)
	}
}

func TestRPMCallbackVerify(t *testing.T) {
	r := progress.New(nil)
	cb := NewRPMCallback(r)

	m := Member{Package: Package{Name: "bash", Version: "5.2", Release: "1", Epoch: "1", Arch: "x86_64"}}
	_ = cb.Verify(m)

	want := map[string]string{progress.DetailAction: "Verifying", progress.DetailPackage: "1:bash-5.2-1.x86_64"}
	if got := r.Details(); !reflect.DeepEqual(got, want) {
		t.Errorf("details = %v, want %v", got, want)
	}
}

func TestDownloadCallbackStart(t *testing.T) {
	r := progress.New(nil)
	cb := NewDownloadCallback(r)

	_ = cb.Start("Testing", "100")

	want := map[string]string{progress.DetailAction: "Downloading", progress.DetailPackage: "Testing | 100"}
	if got := r.Details(); !reflect.DeepEqual(got, want) {
		t.Errorf("details = %v, want %v", got, want)
	}
}

func TestCallbackPublisherError(t *testing.T) {
	boom := errors.New("sink down")
	r := progress.New(progress.PublisherFunc(func(progress.Snapshot) error { return boom }))
	cbs := NewCallbacks(r)

	if err := cbs.Phase.Event(PhaseDownload); !errors.Is(err, boom) {
		t.Errorf("phase: expected publisher error, got %v", err)
	}
	if err := cbs.RPM.Event("tmux", TxInstall); !errors.Is(err, boom) {
		t.Errorf("rpm: expected publisher error, got %v", err)
	}
	if err := cbs.Download.Start("tmux", "1 MB"); !errors.Is(err, boom) {
		t.Errorf("download: expected publisher error, got %v", err)
	}
}

func TestFinishReport(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := progress.New(nil)
		_ = r.PushStep("Running Transaction")
		if err := FinishReport(r, nil); err != nil {
			t.Fatal(err)
		}
		if got := r.Steps()[0].Status; got != progress.Succeeded {
			t.Errorf("status = %v, want succeeded", got)
		}
	})

	t.Run("error", func(t *testing.T) {
		r := progress.New(nil)
		_ = r.PushStep("Running Transaction")
		_ = FinishReport(r, errors.New("dnf exited 1"))
		if got := r.Steps()[0].Status; got != progress.Failed {
			t.Errorf("status = %v, want failed", got)
		}
		if got := r.Details()[progress.DetailError]; got != "dnf exited 1" {
			t.Errorf("error detail = %q", got)
		}
	})

	t.Run("already failed", func(t *testing.T) {
		r := progress.New(nil)
		_ = r.PushStep("Running Transaction")
		_ = r.Error("scriptlet failed")
		_ = FinishReport(r, errors.New("dnf exited 1"))
		if got := r.Details()[progress.DetailError]; got != "scriptlet failed" {
			t.Errorf("first error must be kept, got %q", got)
		}
	})

	t.Run("nil report", func(t *testing.T) {
		if err := FinishReport(nil, errors.New("x")); err != nil {
			t.Error(err)
		}
	})
}
