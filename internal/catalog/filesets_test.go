package catalog

import (
	"context"
	"testing"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carljohnsen/duplicati/internal/volume"
)

func mustFile(t *testing.T, txn *Txn, path string) int64 {
	t.Helper()
	err := sqlitex.Execute(txn.conn, `INSERT INTO File (path, kind) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{[]byte(path), int64(FileKindFile)},
	})
	if err != nil {
		t.Fatalf("insert file %s: %v", path, err)
	}
	return txn.conn.LastInsertRowID()
}

func TestGetFilesetIDsByVersion(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-f-20250101T000000Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if _, err := WriteFileset(txn, 10, true, volID, nil); err != nil {
		t.Fatalf("WriteFileset t=10: %v", err)
	}
	id20, err := WriteFileset(txn, 20, true, volID, nil)
	if err != nil {
		t.Fatalf("WriteFileset t=20: %v", err)
	}

	ids, err := GetFilesetIDs(txn.conn, FilesetSelector{Versions: []int{0}})
	if err != nil {
		t.Fatalf("GetFilesetIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != id20 {
		t.Errorf("got %v, want [%d] (newest first)", ids, id20)
	}
}

func TestProbeUnusedFilenameFindsGap(t *testing.T) {
	c := openTest(t)
	ts, err := ProbeUnusedFilename(c.ReadConn(), 10, 13, map[int64]bool{10: true, 11: true})
	if err != nil {
		t.Fatalf("ProbeUnusedFilename: %v", err)
	}
	if ts != 12 {
		t.Errorf("got %d, want 12", ts)
	}
}

func TestProbeUnusedFilenameExhaustedRange(t *testing.T) {
	c := openTest(t)
	_, err := ProbeUnusedFilename(c.ReadConn(), 10, 11, map[int64]bool{10: true})
	if err == nil {
		t.Error("expected an error when every candidate second before the next fileset is taken")
	}
}

func TestCreateTemporaryFilesetClonesMembership(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-f-20250101T000000Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	fileA := mustFile(t, txn, "/A.txt")
	fileB := mustFile(t, txn, "/B.txt")

	sourceID, err := WriteFileset(txn, 10, true, volID, []FilesetEntry{
		{FileID: fileA, EntryMtime: 1, LastModified: false},
		{FileID: fileB, EntryMtime: 2, LastModified: false},
	})
	if err != nil {
		t.Fatalf("WriteFileset: %v", err)
	}

	tempID, err := CreateTemporaryFileset(txn, sourceID, 0, true)
	if err != nil {
		t.Fatalf("CreateTemporaryFileset: %v", err)
	}

	members, err := FilesetMembers(txn.conn, tempID)
	if err != nil {
		t.Fatalf("FilesetMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}

	if err := RemoveFilesetEntry(txn, tempID, fileA); err != nil {
		t.Fatalf("RemoveFilesetEntry: %v", err)
	}
	members, err = FilesetMembers(txn.conn, tempID)
	if err != nil {
		t.Fatalf("FilesetMembers (after remove): %v", err)
	}
	if len(members) != 1 || members[0].FileID != fileB {
		t.Errorf("got %+v, want only fileB (%d)", members, fileB)
	}

	// The source fileset itself must be untouched by editing the clone.
	sourceMembers, err := FilesetMembers(txn.conn, sourceID)
	if err != nil {
		t.Fatalf("FilesetMembers (source): %v", err)
	}
	if len(sourceMembers) != 2 {
		t.Errorf("source fileset membership was mutated: got %d entries, want 2", len(sourceMembers))
	}
}

func TestDropFilesetsFromTableReturnsOrphanedVolumes(t *testing.T) {
	c := openTest(t)
	txn, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer txn.Rollback()

	volID, err := InsertRemoteVolume(txn, "duplicati-aaaaaa-f-20250101T000000Z", volume.KindDFileset)
	if err != nil {
		t.Fatalf("InsertRemoteVolume: %v", err)
	}
	if _, err := WriteFileset(txn, 10, true, volID, nil); err != nil {
		t.Fatalf("WriteFileset: %v", err)
	}

	dropped, err := DropFilesetsFromTable(txn, []int64{10})
	if err != nil {
		t.Fatalf("DropFilesetsFromTable: %v", err)
	}
	if len(dropped) != 1 || dropped[0].ID != volID {
		t.Errorf("got %+v, want volume %d", dropped, volID)
	}

	ids, err := GetFilesetIDs(txn.conn, FilesetSelector{})
	if err != nil {
		t.Fatalf("GetFilesetIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("fileset still present after drop: %v", ids)
	}
}
