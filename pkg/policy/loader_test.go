package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `package site.test

# Blocks installing the test package.

import rego.v1

deny contains msg if {
	input.operation == "install"
	"forbidden" in input.names
	msg := "forbidden package"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "test-policy.rego")
	writeFile(t, path, testRego)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != testRego {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Blocks installing the test package." {
		t.Errorf("description = %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("unexpected defaults: %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    Severity
		wantErr bool
	}{
		{
			name:    "with severity",
			content: `{"name": "warn-only", "severity": "warning", "rego": "package w\n"}`,
			want:    SeverityWarning,
		},
		{
			name:    "default severity",
			content: `{"name": "strict", "rego": "package s\n"}`,
			want:    SeverityError,
		},
		{
			name:    "missing name",
			content: `{"rego": "package s\n"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			content: `{"name":`,
			wantErr: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "p"+string(rune('a'+i))+".json")
			writeFile(t, path, tt.content)

			policy, err := loader.loadFromFile(path)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if policy.Severity != tt.want || !policy.Enabled {
				t.Errorf("policy = %+v", policy)
			}
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(dir, "one.rego"), testRego)
	writeFile(t, filepath.Join(sub, "two.rego"), testRego)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "forbidden.rego"), testRego)

	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	if err := eng.Check(ctx, Input{Operation: "install", Names: []string{"forbidden"}}); !IsDenied(err) {
		t.Errorf("loaded policy should deny: %v", err)
	}
	if err := eng.Check(ctx, Input{Operation: "install", Names: []string{"tmux"}}); err != nil {
		t.Errorf("unexpected denial: %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "forbidden.rego"), testRego)

	input := Input{Operation: "install", Names: []string{"forbidden"}}
	deadline := time.Now().Add(5 * time.Second)
	for !IsDenied(eng.Check(ctx, input)) {
		if time.Now().After(deadline) {
			t.Fatal("policy was not reloaded after the file was written")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := os.Remove(filepath.Join(dir, "forbidden.rego")); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for eng.Check(ctx, input) != nil {
		if time.Now().After(deadline) {
			t.Fatal("policy was not unloaded after the file was removed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
