package catalog

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	if _, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", 0); err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
}

func TestOpenRefusesSecondInstanceOnSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c1, err := Open(path)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	defer c1.Close()

	if _, err := Open(path); err == nil {
		t.Error("expected a second Open of the same catalog to fail")
	}
}

func TestCommitPersistsAcrossTransactions(t *testing.T) {
	c := openTest(t)

	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", 0)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin (2): %v", err)
	}
	defer txn2.Rollback()
	rv, err := GetRemoteVolume(txn2, volID)
	if err != nil {
		t.Fatalf("GetRemoteVolume: %v", err)
	}
	if rv.State != StateTemporary {
		t.Errorf("got state %v, want %v", rv.State, StateTemporary)
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	c := openTest(t)

	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", 0)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	txn.Rollback()

	txn2, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin (2): %v", err)
	}
	defer txn2.Rollback()
	if _, err := GetRemoteVolume(txn2, volID); err == nil {
		t.Error("expected rolled-back volume to be gone")
	}
}
