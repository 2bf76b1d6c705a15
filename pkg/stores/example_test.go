package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
	"github.com/openfroyo/rpmtools/pkg/stores"
)

// ExampleSQLiteStore_CompleteOperation records one install and reads it back.
func ExampleSQLiteStore_CompleteOperation() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	op := &stores.Operation{ID: "op-1", Operation: "install", Targets: []string{"htop"}, Apply: true}
	if err := store.CreateOperation(ctx, op); err != nil {
		log.Fatal(err)
	}

	err = store.CompleteOperation(ctx, "op-1", stores.Completion{
		Summary: rpmtools.Summary{Resolved: []rpmtools.PackageRecord{{
			Name: "htop", Version: "3.3.0", Release: "1.fc40", Epoch: "0", Arch: "x86_64",
			RepoID: "fedora", QualifiedName: "htop-3.3.0-1.fc40.x86_64",
		}}},
		Report: progress.Snapshot{
			Steps:   []progress.Step{{Name: "Running Transaction", Status: progress.Succeeded}},
			Details: map[string]string{progress.DetailAction: "Installed"},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	got, _ := store.GetOperation(ctx, "op-1")
	pkgs, _ := store.GetOperationPackages(ctx, "op-1")
	fmt.Println(got.Status, got.Action, pkgs[0].QualifiedName)
	// Output: succeeded Installed htop-3.3.0-1.fc40.x86_64
}
