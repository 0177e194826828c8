package catalog

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carljohnsen/duplicati/internal/bkerr"
)

// InsertBlock inserts a block row, enforcing hash/size uniqueness itself
// since foreign_keys/unique enforcement at the SQLite level would
// surface as an opaque constraint-violation error rather than a
// classified one. If a block with the same hash already exists with a
// different size, that is an invariant violation, not a duplicate.
func InsertBlock(t *Txn, hash []byte, size, volumeID int64) (int64, error) {
	var existingID, existingSize int64
	found := false
	err := sqlitex.Execute(t.conn, `SELECT id, size FROM Block WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{hash},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			existingID = stmt.ColumnInt64(0)
			existingSize = stmt.ColumnInt64(1)
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: InsertBlock: lookup: %w", err)
	}
	if found {
		if existingSize != size {
			return 0, bkerr.New(bkerr.KindInvariant, "block hash %x already recorded with size %d, cannot also have size %d", hash, existingSize, size)
		}
		return existingID, nil
	}

	err = sqlitex.Execute(t.conn, `INSERT INTO Block (hash, size, volume_id) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{hash, size, volumeID},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: InsertBlock: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

// InsertBlockset inserts a blockset and its ordered entries.
func InsertBlockset(t *Txn, length int64, fullHash []byte, blockIDs []int64) (int64, error) {
	err := sqlitex.Execute(t.conn, `INSERT INTO Blockset (length, full_hash) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{length, fullHash},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: InsertBlockset: %w", err)
	}
	blocksetID := t.conn.LastInsertRowID()

	for idx, blockID := range blockIDs {
		err := sqlitex.Execute(t.conn, `INSERT INTO BlocksetEntry (blockset_id, idx, block_id) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{blocksetID, idx, blockID},
		})
		if err != nil {
			return 0, fmt.Errorf("catalog: InsertBlockset: entry %d: %w", idx, err)
		}
	}
	return blocksetID, nil
}

// BlocksetFullHash returns the full_hash of a single Blockset row, used
// by purge to describe fileset membership in a rewritten dfileset
// manifest without re-deriving the hash from its constituent blocks.
func BlocksetFullHash(t *Txn, blocksetID int64) ([]byte, error) {
	var hash []byte
	found := false
	err := sqlitex.Execute(t.conn, `SELECT full_hash FROM Blockset WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{blocksetID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hash = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, hash)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: BlocksetFullHash: %w", err)
	}
	if !found {
		return nil, bkerr.New(bkerr.KindInvariant, "blockset %d not found", blocksetID)
	}
	return hash, nil
}

// CountOrphanFiles counts File rows referenced by no FilesetEntry —
// checked through RequireNoOrphans as a precondition before a purge
// runs and inside each compact repack transaction before it commits.
func CountOrphanFiles(t *Txn) (int64, error) {
	var count int64
	err := sqlitex.Execute(t.conn, `
		SELECT COUNT(*) FROM File f
		WHERE NOT EXISTS (SELECT 1 FROM FilesetEntry fe WHERE fe.file_id = f.id)
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: CountOrphanFiles: %w", err)
	}
	return count, nil
}

// DeleteOrphanFiles removes File rows referenced by no FilesetEntry,
// along with their content/metadata Blockset rows and BlocksetEntry
// rows — a dropped fileset membership is what creates these, so purge
// runs this in the same transaction as the RemoveFilesetEntry calls
// that may have produced them. A blockset still claimed by some other
// File is left alone; its entries must survive since
// BlockReferencedFraction depends on them to see the blockset's blocks
// as still referenced.
func DeleteOrphanFiles(t *Txn) (int64, error) {
	var fileIDs []int64
	var blocksetIDs []int64
	err := sqlitex.Execute(t.conn, `
		SELECT id, content_blockset_id, metadata_blockset_id FROM File f
		WHERE NOT EXISTS (SELECT 1 FROM FilesetEntry fe WHERE fe.file_id = f.id)
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			fileIDs = append(fileIDs, stmt.ColumnInt64(0))
			if stmt.ColumnType(1) != sqlite.TypeNull {
				blocksetIDs = append(blocksetIDs, stmt.ColumnInt64(1))
			}
			if stmt.ColumnType(2) != sqlite.TypeNull {
				blocksetIDs = append(blocksetIDs, stmt.ColumnInt64(2))
			}
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: DeleteOrphanFiles: scan: %w", err)
	}

	for _, id := range fileIDs {
		if err := sqlitex.Execute(t.conn, `DELETE FROM File WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return 0, fmt.Errorf("catalog: DeleteOrphanFiles: delete file %d: %w", id, err)
		}
	}

	for _, bsID := range blocksetIDs {
		stillClaimed := false
		err := sqlitex.Execute(t.conn, `
			SELECT 1 FROM File WHERE content_blockset_id = ? OR metadata_blockset_id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{bsID, bsID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stillClaimed = true
				return nil
			},
		})
		if err != nil {
			return 0, fmt.Errorf("catalog: DeleteOrphanFiles: blockset %d check: %w", bsID, err)
		}
		if stillClaimed {
			continue
		}
		if err := sqlitex.Execute(t.conn, `DELETE FROM BlocksetEntry WHERE blockset_id = ?`, &sqlitex.ExecOptions{Args: []any{bsID}}); err != nil {
			return 0, fmt.Errorf("catalog: DeleteOrphanFiles: delete entries for blockset %d: %w", bsID, err)
		}
		if err := sqlitex.Execute(t.conn, `DELETE FROM Blockset WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{bsID}}); err != nil {
			return 0, fmt.Errorf("catalog: DeleteOrphanFiles: delete blockset %d: %w", bsID, err)
		}
	}

	return int64(len(fileIDs)), nil
}

// BlockReferencedFraction returns, for the dblock volume identified by
// volumeID, the fraction of its blocks still reachable from some
// surviving blockset — the compact engine's candidate-selection input.
func BlockReferencedFraction(t *Txn, volumeID int64) (float64, error) {
	var total, referenced int64
	err := sqlitex.Execute(t.conn, `SELECT COUNT(*) FROM Block WHERE volume_id = ?`, &sqlitex.ExecOptions{
		Args: []any{volumeID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: BlockReferencedFraction: total: %w", err)
	}
	if total == 0 {
		return 0, nil
	}

	err = sqlitex.Execute(t.conn, `
		SELECT COUNT(DISTINCT b.id) FROM Block b
		JOIN BlocksetEntry be ON be.block_id = b.id
		WHERE b.volume_id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{volumeID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			referenced = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: BlockReferencedFraction: referenced: %w", err)
	}
	return float64(referenced) / float64(total), nil
}

// ReferencedBlocksInVolume returns the Block rows stored in volumeID
// that are still reachable from some surviving blockset — the exact
// set compact must carry forward into the volume's replacement.
func ReferencedBlocksInVolume(t *Txn, volumeID int64) ([]Block, error) {
	var out []Block
	err := sqlitex.Execute(t.conn, `
		SELECT DISTINCT b.id, b.hash, b.size, b.volume_id FROM Block b
		JOIN BlocksetEntry be ON be.block_id = b.id
		WHERE b.volume_id = ?
		ORDER BY b.id
	`, &sqlitex.ExecOptions{
		Args: []any{volumeID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hash := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, hash)
			out = append(out, Block{
				ID:       stmt.ColumnInt64(0),
				Hash:     hash,
				Size:     stmt.ColumnInt64(2),
				VolumeID: stmt.ColumnInt64(3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: ReferencedBlocksInVolume: %w", err)
	}
	return out, nil
}
