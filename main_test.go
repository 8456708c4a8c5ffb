package main

import (
	"path/filepath"
	"testing"

	"github.com/banshee-data/attitude.report/internal/navdb"
)

func TestResolveRunPicksMostRecent(t *testing.T) {
	db, err := navdb.NewNavDB(filepath.Join(t.TempDir(), "main_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := resolveRun(db); err == nil {
		t.Error("resolveRun succeeded on an empty database")
	}

	first, err := db.StartRun("first")
	if err != nil {
		t.Fatal(err)
	}
	got, err := resolveRun(db)
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Errorf("resolved %s, want %s", got, first)
	}

	// An explicit -run flag wins.
	old := *runID
	*runID = "explicit-id"
	defer func() { *runID = old }()
	got, err = resolveRun(db)
	if err != nil {
		t.Fatal(err)
	}
	if got != "explicit-id" {
		t.Errorf("resolved %s, want the explicit flag value", got)
	}
}

func TestRunListEmptyDatabase(t *testing.T) {
	db, err := navdb.NewNavDB(filepath.Join(t.TempDir(), "list_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := runList(db); err != nil {
		t.Errorf("runList on empty database: %v", err)
	}
}
