package verify

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/carljohnsen/duplicati/internal/catalog"
	"github.com/carljohnsen/duplicati/internal/objectstore"
	"github.com/carljohnsen/duplicati/internal/volume"
)

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStrictRemoteCleanWhenCatalogMatchesBackend(t *testing.T) {
	c := openCatalog(t)
	mem := objectstore.NewMemory()
	adapter := objectstore.NewAdapter(mem, 3, time.Millisecond, 10*time.Millisecond)
	defer adapter.Close()

	ctx := context.Background()
	const name = "dblock/duplicati-aaaaaa-b-20250101T000000Z"
	payload := []byte("volume bytes")
	if err := mem.Put(ctx, name, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	txn, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	volID, err := catalog.InsertRemoteVolume(txn, name, volume.KindDBlock)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if err := catalog.UpdateRemoteVolume(txn, volID, catalog.StateUploading, 0, nil); err != nil {
		t.Fatalf("-> uploading: %v", err)
	}
	if err := catalog.UpdateRemoteVolume(txn, volID, catalog.StateUploaded, int64(len(payload)), nil); err != nil {
		t.Fatalf("-> uploaded: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	report, err := StrictRemote(ctx, c, adapter, "", 100)
	if err != nil {
		t.Fatalf("StrictRemote: %v", err)
	}
	if !report.Clean() {
		t.Errorf("got report %+v, want clean", report)
	}
}

func TestStrictRemoteFlagsMissingBlob(t *testing.T) {
	c := openCatalog(t)
	mem := objectstore.NewMemory()
	adapter := objectstore.NewAdapter(mem, 3, time.Millisecond, 10*time.Millisecond)
	defer adapter.Close()
	ctx := context.Background()

	txn, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	volID, err := catalog.InsertRemoteVolume(txn, "dblock/duplicati-aaaaaa-b-20250101T000000Z", volume.KindDBlock)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if err := catalog.UpdateRemoteVolume(txn, volID, catalog.StateUploading, 0, nil); err != nil {
		t.Fatalf("-> uploading: %v", err)
	}
	if err := catalog.UpdateRemoteVolume(txn, volID, catalog.StateUploaded, 42, nil); err != nil {
		t.Fatalf("-> uploaded: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	report, err := StrictRemote(ctx, c, adapter, "", 100)
	if err != nil {
		t.Fatalf("StrictRemote: %v", err)
	}
	if len(report.MissingBlobs) != 1 {
		t.Fatalf("got %+v, want one missing blob", report.MissingBlobs)
	}
	if report.AsError() == nil {
		t.Error("expected AsError to classify a missing blob as an integrity error")
	}
}

func TestStrictRemoteFlagsExtraBlob(t *testing.T) {
	c := openCatalog(t)
	mem := objectstore.NewMemory()
	adapter := objectstore.NewAdapter(mem, 3, time.Millisecond, 10*time.Millisecond)
	defer adapter.Close()
	ctx := context.Background()

	if err := mem.Put(ctx, "dblock/unexpected", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	report, err := StrictRemote(ctx, c, adapter, "", 100)
	if err != nil {
		t.Fatalf("StrictRemote: %v", err)
	}
	if len(report.ExtraBlobs) != 1 || report.ExtraBlobs[0] != "dblock/unexpected" {
		t.Errorf("got %+v, want one extra blob", report.ExtraBlobs)
	}
}

func TestStrictRemoteSchedulesTemporaryUploadsForDeletion(t *testing.T) {
	c := openCatalog(t)
	mem := objectstore.NewMemory()
	adapter := objectstore.NewAdapter(mem, 3, time.Millisecond, 10*time.Millisecond)
	defer adapter.Close()
	ctx := context.Background()

	if err := mem.Put(ctx, "dblock/duplicati-aaaaaa-b-20250101T000000Z.tmp", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	report, err := StrictRemote(ctx, c, adapter, "", 100)
	if err != nil {
		t.Fatalf("StrictRemote: %v", err)
	}
	if len(report.ExtraBlobs) != 0 {
		t.Errorf("temp upload misclassified as extra: %+v", report.ExtraBlobs)
	}
	if len(report.ScheduledForDeletion) != 1 {
		t.Errorf("got %+v, want one blob scheduled for deletion", report.ScheduledForDeletion)
	}
}
