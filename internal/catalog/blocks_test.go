package catalog

import (
	"context"
	"testing"

	"github.com/carljohnsen/duplicati/internal/bkerr"
)

func TestInsertBlockDedupesByHash(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", 0)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}

	hash := []byte("0123456789abcdef0123456789abcdef")
	id1, err := InsertBlock(txn, hash, 1024, volID)
	if err != nil {
		t.Fatalf("InsertBlock (1): %v", err)
	}
	id2, err := InsertBlock(txn, hash, 1024, volID)
	if err != nil {
		t.Fatalf("InsertBlock (2): %v", err)
	}
	if id1 != id2 {
		t.Errorf("inserting the same (hash, size) twice produced different ids: %d vs %d", id1, id2)
	}
}

func TestInsertBlockRejectsSizeMismatch(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", 0)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}

	hash := []byte("0123456789abcdef0123456789abcdef")
	if _, err := InsertBlock(txn, hash, 1024, volID); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	_, err = InsertBlock(txn, hash, 2048, volID)
	if bkerr.KindOf(err) != bkerr.KindInvariant {
		t.Fatalf("got kind %v, want KindInvariant", bkerr.KindOf(err))
	}
}

func TestCountOrphanFiles(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	n, err := CountOrphanFiles(txn)
	if err != nil {
		t.Fatalf("CountOrphanFiles: %v", err)
	}
	if n != 0 {
		t.Errorf("got %d orphans in an empty catalog, want 0", n)
	}

	if err := RequireNoOrphans(txn); err != nil {
		t.Errorf("RequireNoOrphans on empty catalog: %v", err)
	}
}

func TestBlockReferencedFraction(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-b-20250101T000000Z", 0)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}

	var blockIDs []int64
	for i := 0; i < 4; i++ {
		hash := make([]byte, 32)
		hash[0] = byte(i + 1)
		id, err := InsertBlock(txn, hash, 100, volID)
		if err != nil {
			t.Fatalf("InsertBlock %d: %v", i, err)
		}
		blockIDs = append(blockIDs, id)
	}

	// Only the first two blocks are referenced by a blockset.
	if _, err := InsertBlockset(txn, 200, []byte("fullhash"), blockIDs[:2]); err != nil {
		t.Fatalf("InsertBlockset: %v", err)
	}

	frac, err := BlockReferencedFraction(txn, volID)
	if err != nil {
		t.Fatalf("BlockReferencedFraction: %v", err)
	}
	if frac != 0.5 {
		t.Errorf("got fraction %v, want 0.5", frac)
	}
}
