package catalog

import (
	"context"
	"testing"

	"github.com/carljohnsen/duplicati/internal/volume"
)

func TestRecoverPendingUploadEmptyWhenNoCrash(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	opID, err := RecordOperationStart(txn, "purge", 1000)
	if err != nil {
		t.Fatalf("RecordOperationStart: %v", err)
	}
	if err := RecordOperationCleanExit(txn, opID); err != nil {
		t.Fatalf("RecordOperationCleanExit: %v", err)
	}

	pending, err := RecoverPendingUpload(txn)
	if err != nil {
		t.Fatalf("RecoverPendingUpload: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("got %+v, want none after a clean exit", pending)
	}
}

func TestRecoverPendingUploadAfterCrash(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	if _, err := RecordOperationStart(txn, "purge", 1000); err != nil {
		t.Fatalf("RecordOperationStart: %v", err)
	}

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-f-20250101T000000Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if err := UpdateRemoteVolume(txn, volID, StateUploading, 0, nil); err != nil {
		t.Fatalf("UpdateRemoteVolume: %v", err)
	}

	pending, err := RecoverPendingUpload(txn)
	if err != nil {
		t.Fatalf("RecoverPendingUpload: %v", err)
	}
	if len(pending) != 1 || pending[0].VolumeID != volID {
		t.Errorf("got %+v, want the uploading volume %d", pending, volID)
	}
}
