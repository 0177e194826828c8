package catalog

import (
	"context"
	"testing"

	"github.com/carljohnsen/duplicati/internal/volume"
)

func TestVerifyLocalCleanCatalogHasNoProblems(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", volume.KindDBlock)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	blockID, err := InsertBlock(txn, make([]byte, 32), 100, volID)
	if err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	if _, err := InsertBlockset(txn, 100, []byte("full"), []int64{blockID}); err != nil {
		t.Fatalf("InsertBlockset: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	problems, err := VerifyLocal(c.ReadConn(), 100)
	if err != nil {
		t.Fatalf("VerifyLocal: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("got problems %+v, want none", problems)
	}
}

func TestVerifyLocalDetectsBlocksetLengthMismatch(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", volume.KindDBlock)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	blockID, err := InsertBlock(txn, make([]byte, 32), 100, volID)
	if err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	// Declared length (999) disagrees with the sum of block sizes (100).
	if _, err := InsertBlockset(txn, 999, []byte("full"), []int64{blockID}); err != nil {
		t.Fatalf("InsertBlockset: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	problems, err := VerifyLocal(c.ReadConn(), 100)
	if err != nil {
		t.Fatalf("VerifyLocal: %v", err)
	}
	if len(problems) != 1 || problems[0].Kind != "blockset-length" {
		t.Errorf("got %+v, want a single blockset-length problem", problems)
	}
}

// TestVerifyLocalToleratesPurgeRewrittenFilesets mirrors what purge does
// when it rewrites a fileset older than the newest one: the replacement
// row gets the highest id in the table (CreateTemporaryFileset always
// inserts fresh) but takes over a timestamp slot earlier than a
// still-live, untouched fileset that already has a lower id. Ordered by
// id, the table's timestamps then legitimately dip partway through.
// VerifyLocal must not mistake that for corruption.
func TestVerifyLocalToleratesPurgeRewrittenFilesets(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	volA, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-f-20250101T000100Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if _, err := WriteFileset(txn, 100, true, volA, nil); err != nil {
		t.Fatalf("WriteFileset t=100: %v", err)
	}

	volB, err := InsertRemoteVolume(txn, "duplicati-bbbbbb-f-20250101T000200Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	oldFilesetID, err := WriteFileset(txn, 200, true, volB, nil)
	if err != nil {
		t.Fatalf("WriteFileset t=200: %v", err)
	}

	volC, err := InsertRemoteVolume(txn, "duplicati-cccccc-f-20250101T000300Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if _, err := WriteFileset(txn, 300, true, volC, nil); err != nil {
		t.Fatalf("WriteFileset t=300: %v", err)
	}

	// Rewrite the t=200 fileset in place, the way purge does: clone it
	// into a new row (the highest id in the table), drop the original,
	// then retarget the clone into a timestamp below the untouched t=300
	// row that already has a lower id.
	tempID, err := CreateTemporaryFileset(txn, oldFilesetID, 0, true)
	if err != nil {
		t.Fatalf("CreateTemporaryFileset: %v", err)
	}
	if _, err := DropFilesetsFromTable(txn, []int64{200}); err != nil {
		t.Fatalf("DropFilesetsFromTable: %v", err)
	}
	volD, err := InsertRemoteVolume(txn, "duplicati-dddddd-f-20250101T000250Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if err := SetFilesetVolume(txn, tempID, volD, 250); err != nil {
		t.Fatalf("SetFilesetVolume: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	problems, err := VerifyLocal(c.ReadConn(), 100)
	if err != nil {
		t.Fatalf("VerifyLocal: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("got problems %+v, want none (purge-rewritten fileset is not corruption)", problems)
	}
}
