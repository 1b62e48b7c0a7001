package strata_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/strata-db/strata"
	"github.com/strata-db/strata/internal/codec"
)

func Test_Transaction_Commit_Applies_Writes_And_Removes_Its_Backup(t *testing.T) {
	t.Parallel()

	engine, cfg := newTestEngineWithConfig(t)
	ctx := t.Context()

	tx, err := engine.StartTransaction(ctx, "")
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}

	if err := tx.Add("status", codec.NewTag("open"), 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	values, err := engine.SelectField(ctx, "", "status", 1, nil)
	if err != nil {
		t.Fatalf("SelectField: %v", err)
	}
	if len(values) != 1 || !codec.ValuesEqual(values[0], codec.NewTag("open")) {
		t.Fatalf("SelectField after transaction commit = %v, want [open]", values)
	}

	txnDir := filepath.Join(cfg.BufferDirectory, cfg.DefaultEnvironment, "txn")
	entries, err := os.ReadDir(txnDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir %q: %v", txnDir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("txn directory still has %d entries after a successful commit", len(entries))
	}
}

func Test_Transaction_Data_Survives_An_Engine_Restart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg := strata.DefaultConfig()
	cfg.BufferDirectory = dir + "/buffer"
	cfg.DatabaseDirectory = dir + "/db"

	engine, err := strata.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tx, err := engine.StartTransaction(t.Context(), "")
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := tx.Add("status", codec.NewTag("open"), 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tx.Commit(t.Context()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := engine.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	engine2, err := strata.New(cfg)
	if err != nil {
		t.Fatalf("New (second instance): %v", err)
	}
	if err := engine2.Start(t.Context()); err != nil {
		t.Fatalf("Start (second instance): %v", err)
	}
	defer func() {
		if err := engine2.Stop(t.Context()); err != nil {
			t.Fatalf("Stop (second instance): %v", err)
		}
	}()

	values, err := engine2.SelectField(t.Context(), "", "status", 1, nil)
	if err != nil {
		t.Fatalf("SelectField: %v", err)
	}
	if len(values) != 1 || !codec.ValuesEqual(values[0], codec.NewTag("open")) {
		t.Fatalf("SelectField after restart = %v, want [open]", values)
	}
}
