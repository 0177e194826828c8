package catalog

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carljohnsen/duplicati/internal/bkerr"
)

// InsertFile records a File row for path, reusing an existing row with
// the same path and blockset pair if one is already present so that a
// file unchanged across backups is referenced rather than duplicated.
func InsertFile(t *Txn, path []byte, contentBlocksetID, metadataBlocksetID int64, kind FileKind) (int64, error) {
	var existingID int64
	found := false
	err := sqlitex.Execute(t.conn, `
		SELECT id FROM File WHERE path = ? AND content_blockset_id IS ? AND metadata_blockset_id IS ?
	`, &sqlitex.ExecOptions{
		Args: []any{path, nullableID(contentBlocksetID), nullableID(metadataBlocksetID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			existingID = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: InsertFile: lookup: %w", err)
	}
	if found {
		return existingID, nil
	}

	err = sqlitex.Execute(t.conn, `
		INSERT INTO File (path, content_blockset_id, metadata_blockset_id, kind) VALUES (?, ?, ?, ?)
	`, &sqlitex.ExecOptions{
		Args: []any{path, nullableID(contentBlocksetID), nullableID(metadataBlocksetID), int64(kind)},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: InsertFile: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// GetFile reads a single File row by id — used by the purge filter to
// decide whether a fileset member's path matches.
func GetFile(t *Txn, id int64) (File, error) {
	var f File
	found := false
	err := sqlitex.Execute(t.conn, `
		SELECT id, path, content_blockset_id, metadata_blockset_id, kind FROM File WHERE id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			path := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, path)
			f = File{
				ID:                 stmt.ColumnInt64(0),
				Path:               path,
				ContentBlocksetID:  stmt.ColumnInt64(2),
				MetadataBlocksetID: stmt.ColumnInt64(3),
				Kind:               FileKind(stmt.ColumnInt64(4)),
			}
			found = true
			return nil
		},
	})
	if err != nil {
		return File{}, fmt.Errorf("catalog: GetFile: %w", err)
	}
	if !found {
		return File{}, bkerr.New(bkerr.KindInvariant, "file %d not found", id)
	}
	return f, nil
}
