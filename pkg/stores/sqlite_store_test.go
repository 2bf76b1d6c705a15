package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(name, version string) rpmtools.PackageRecord {
	p := rpmtools.Package{Name: name, Version: version, Release: "1.el9", Epoch: "0", Arch: "x86_64"}
	return rpmtools.PackageRecord{
		Name: p.Name, Version: p.Version, Release: p.Release, Epoch: p.Epoch, Arch: p.Arch,
		RepoID: "baseos", QualifiedName: p.QualifiedName(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error without path")
	}

	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// migrations are idempotent
	store, err = Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	store.Close()
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	for _, table := range []string{"operations", "operation_packages", "operation_steps"} {
		var count int
		if err := store.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestOperationLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	op := &Operation{
		ID:        "op-001",
		Operation: "install",
		Targets:   []string{"nginx"},
		Host:      "web01",
		Apply:     true,
		StartedAt: started,
	}
	if err := store.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation failed: %v", err)
	}

	got, err := store.GetOperation(ctx, "op-001")
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if got.Status != OperationStatusRunning || got.CompletedAt != nil || got.Duration() != 0 {
		t.Errorf("running operation = %+v", got)
	}
	if len(got.Targets) != 1 || got.Targets[0] != "nginx" || !got.Apply || got.Host != "web01" {
		t.Errorf("operation = %+v", got)
	}

	summary := rpmtools.Summary{
		Resolved: []rpmtools.PackageRecord{record("nginx", "1.22")},
		Deps:     []rpmtools.PackageRecord{record("nginx-core", "1.22"), record("nginx-filesystem", "1.22")},
	}
	report := progress.Snapshot{
		Steps: []progress.Step{
			{Name: "Downloading Packages", Status: progress.Succeeded},
			{Name: "Running Transaction", Status: progress.Succeeded},
		},
		Details: map[string]string{progress.DetailAction: "Installed"},
	}
	err = store.CompleteOperation(ctx, "op-001", Completion{
		Summary: summary,
		Report:  report,
		At:      started.Add(42 * time.Second),
	})
	if err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	got, err = store.GetOperation(ctx, "op-001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OperationStatusSucceeded || got.Action != "Installed" || got.Error != nil {
		t.Errorf("completed operation = %+v", got)
	}
	if got.Duration() != 42*time.Second {
		t.Errorf("duration = %v", got.Duration())
	}

	pkgs, err := store.GetOperationPackages(ctx, "op-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 3 || pkgs[0].Bucket != BucketResolved || pkgs[0].Name != "nginx" || pkgs[1].Bucket != BucketDeps {
		t.Errorf("packages = %+v", pkgs)
	}
	if pkgs[0].QualifiedName != "nginx-1.22-1.el9.x86_64" {
		t.Errorf("qualified name = %q", pkgs[0].QualifiedName)
	}

	steps, err := store.GetOperationSteps(ctx, "op-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[1].Name != "Running Transaction" || steps[1].Status != progress.Succeeded {
		t.Errorf("steps = %+v", steps)
	}
}

func TestCompleteOperationFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class string
	}{
		{
			name:  "transaction",
			err:   rpmtools.NewEngineError(rpmtools.ErrorClassTransaction, "transaction failed", nil),
			class: "transaction",
		},
		{
			name:  "resolution",
			err:   &rpmtools.ResolutionError{Op: "install", Target: "nope", Err: errors.New("no match")},
			class: "resolution",
		},
		{
			name:  "policy",
			err:   &policy.DeniedError{Operation: "uninstall", Violations: []policy.Violation{{Policy: "protected-packages", Package: "rpm"}}},
			class: "policy",
		},
		{
			name:  "timeout",
			err:   context.DeadlineExceeded,
			class: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			ctx := context.Background()

			if err := store.CreateOperation(ctx, &Operation{ID: "op", Operation: "install"}); err != nil {
				t.Fatal(err)
			}
			report := progress.Snapshot{
				Steps:   []progress.Step{{Name: "Running Transaction", Status: progress.Failed}},
				Details: map[string]string{progress.DetailError: tt.err.Error()},
			}
			if err := store.CompleteOperation(ctx, "op", Completion{Report: report, Err: tt.err}); err != nil {
				t.Fatalf("CompleteOperation failed: %v", err)
			}

			got, err := store.GetOperation(ctx, "op")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != OperationStatusFailed || got.ErrorClass != tt.class {
				t.Errorf("operation = %+v, want class %s", got, tt.class)
			}
			if got.Error == nil || *got.Error != tt.err.Error() {
				t.Errorf("error = %v", got.Error)
			}
			if got.Details[progress.DetailError] != tt.err.Error() {
				t.Errorf("details = %v", got.Details)
			}
		})
	}
}

func TestOperationPackagesKeepTransactionOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateOperation(ctx, &Operation{ID: "op", Operation: "install"}); err != nil {
		t.Fatal(err)
	}

	// same NVRA and arch, epochs differ
	shadow := record("perl-Scalar-List-Utils", "1.56")
	shadowEpoch := shadow
	shadowEpoch.Epoch = "4"
	summary := rpmtools.Summary{
		Resolved: []rpmtools.PackageRecord{record("zsh", "5.8"), record("bash", "5.1"), record("mc", "4.8")},
		Deps:     []rpmtools.PackageRecord{shadowEpoch, shadow},
	}
	if err := store.CompleteOperation(ctx, "op", Completion{Summary: summary, At: time.Now()}); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	pkgs, err := store.GetOperationPackages(ctx, "op")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, p := range pkgs {
		got = append(got, p.Bucket+":"+p.Name+":"+p.Epoch)
	}
	want := []string{
		"resolved:zsh:0",
		"resolved:bash:0",
		"resolved:mc:0",
		"deps:perl-Scalar-List-Utils:4",
		"deps:perl-Scalar-List-Utils:0",
	}
	if len(got) != len(want) {
		t.Fatalf("packages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("package %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCompleteUnknownOperation(t *testing.T) {
	store := setupTestStore(t)

	err := store.CompleteOperation(context.Background(), "missing", Completion{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetOperation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ops := []*Operation{
		{ID: "a", Operation: "install", StartedAt: base},
		{ID: "b", Operation: "update", StartedAt: base.Add(time.Hour)},
		{ID: "c", Operation: "install", StartedAt: base.Add(2 * time.Hour)},
	}
	for _, op := range ops {
		if err := store.CreateOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CompleteOperation(ctx, "c", Completion{Err: errors.New("boom")}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "by operation", opts: ListOptions{Operation: "install"}, want: []string{"c", "a"}},
		{name: "by status", opts: ListOptions{Status: OperationStatusRunning}, want: []string{"b", "a"}},
		{name: "since", opts: ListOptions{Since: base.Add(30 * time.Minute)}, want: []string{"c", "b"}},
		{name: "limit", opts: ListOptions{Limit: 1}, want: []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListOperations(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListOperations failed: %v", err)
			}
			var ids []string
			for _, op := range got {
				ids = append(ids, op.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("got %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}
