package rpmtools

import (
	"reflect"
	"testing"
)

func names(records []PackageRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

func TestTxSummary(t *testing.T) {
	members := testMembers()

	tests := []struct {
		name         string
		states       []TxState
		wantResolved []string
		wantDeps     []string
		wantFailed   []string
	}{
		{
			name:         "install states",
			states:       []TxState{TxFailed, TxInstall, TxUpdate},
			wantResolved: []string{"tmux", "libevent", "openssl", "broken"},
			wantDeps:     []string{"libevent"},
			wantFailed:   []string{"broken"},
		},
		{
			name:         "erase states",
			states:       []TxState{TxFailed, TxErase},
			wantResolved: []string{"screen", "broken"},
			wantDeps:     []string{},
			wantFailed:   []string{"broken"},
		},
		{
			name:         "failed not allowed",
			states:       []TxState{TxInstall},
			wantResolved: []string{"tmux", "libevent"},
			wantDeps:     []string{"libevent"},
			wantFailed:   []string{},
		},
		{
			name:         "no states",
			wantResolved: []string{},
			wantDeps:     []string{},
			wantFailed:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := TxSummary(members, tt.states...)
			if got := names(s.Resolved); !reflect.DeepEqual(got, tt.wantResolved) {
				t.Errorf("resolved = %v, want %v", got, tt.wantResolved)
			}
			if got := names(s.Deps); !reflect.DeepEqual(got, tt.wantDeps) {
				t.Errorf("deps = %v, want %v", got, tt.wantDeps)
			}
			if got := names(s.Failed); !reflect.DeepEqual(got, tt.wantFailed) {
				t.Errorf("failed = %v, want %v", got, tt.wantFailed)
			}
		})
	}
}

func TestTxSummaryRecord(t *testing.T) {
	members := []Member{{
		State:   TxInstall,
		Package: Package{Name: "zsh", Version: "5.9", Release: "3.el9", Epoch: "1", Arch: "x86_64"},
		RepoID:  "baseos",
	}}

	got := TxSummary(members, TxInstall).Resolved[0]
	want := PackageRecord{
		Name:          "zsh",
		Version:       "5.9",
		Release:       "3.el9",
		Epoch:         "1",
		Arch:          "x86_64",
		RepoID:        "baseos",
		QualifiedName: "zsh-5.9-3.el9.x86_64",
	}
	if got != want {
		t.Errorf("record = %+v, want %+v", got, want)
	}
}

func TestSummaryHelpers(t *testing.T) {
	members := testMembers()

	install := Installed(members)
	update := Updated(members)
	if !reflect.DeepEqual(install, update) {
		t.Errorf("Installed and Updated differ: %+v vs %+v", install, update)
	}
	if !reflect.DeepEqual(install, TxSummary(members, TxFailed, TxInstall, TxUpdate)) {
		t.Error("Installed does not use the install states")
	}
	if !reflect.DeepEqual(Erased(members), TxSummary(members, TxFailed, TxErase)) {
		t.Error("Erased does not use the erase states")
	}
}

func TestPackageString(t *testing.T) {
	tests := []struct {
		epoch string
		want  string
	}{
		{epoch: "0", want: "tmux-3.3a-3.fc40.x86_64"},
		{epoch: "", want: "tmux-3.3a-3.fc40.x86_64"},
		{epoch: "2", want: "2:tmux-3.3a-3.fc40.x86_64"},
	}

	for _, tt := range tests {
		t.Run("epoch="+tt.epoch, func(t *testing.T) {
			p := Package{Name: "tmux", Version: "3.3a", Release: "3.fc40", Epoch: tt.epoch, Arch: "x86_64"}
			if got := p.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := p.QualifiedName(); got != "tmux-3.3a-3.fc40.x86_64" {
				t.Errorf("QualifiedName() = %q", got)
			}
		})
	}
}
