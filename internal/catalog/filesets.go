package catalog

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carljohnsen/duplicati/internal/bkerr"
)

// FilesetSelector resolves a user request to a set of fileset ids.
// Versions takes precedence when non-empty; otherwise a non-zero
// TimeStart and/or TimeEnd bounds the selection, and with neither set
// every fileset is selected.
type FilesetSelector struct {
	TimeStart, TimeEnd time.Time
	Versions           []int // 0 = newest, per fileset_times() ordering
}

// FilesetTimes returns every (id, timestamp) pair ordered newest first —
// the ordering every version-index selector is defined against.
func FilesetTimes(conn *sqlite.Conn) ([]struct {
	ID        int64
	Timestamp int64
}, error) {
	var out []struct {
		ID        int64
		Timestamp int64
	}
	err := sqlitex.Execute(conn, `SELECT id, timestamp FROM Fileset ORDER BY timestamp DESC`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, struct {
				ID        int64
				Timestamp int64
			}{stmt.ColumnInt64(0), stmt.ColumnInt64(1)})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: FilesetTimes: %w", err)
	}
	return out, nil
}

// GetFilesetIDs resolves sel to a list of fileset ids. A time-range or
// unset selector yields them newest-first, matching the fileset_times()
// ordering; a Versions selector yields them in the order of
// sel.Versions, skipping out-of-range indices. An empty result
// with no error means nothing matched; callers turn that into
// bkerr.ErrNoMatchingVersions.
func GetFilesetIDs(conn *sqlite.Conn, sel FilesetSelector) ([]int64, error) {
	times, err := FilesetTimes(conn)
	if err != nil {
		return nil, err
	}

	if len(sel.Versions) > 0 {
		var out []int64
		for _, v := range sel.Versions {
			if v < 0 || v >= len(times) {
				continue
			}
			out = append(out, times[v].ID)
		}
		return out, nil
	}

	if !sel.TimeStart.IsZero() || !sel.TimeEnd.IsZero() {
		var out []int64
		for _, row := range times {
			ts := time.Unix(row.Timestamp, 0).UTC()
			if !sel.TimeStart.IsZero() && ts.Before(sel.TimeStart) {
				continue
			}
			if !sel.TimeEnd.IsZero() && ts.After(sel.TimeEnd) {
				continue
			}
			out = append(out, row.ID)
		}
		return out, nil
	}

	out := make([]int64, len(times))
	for i, row := range times {
		out[i] = row.ID
	}
	return out, nil
}

// NextNewerTimestamp returns the smallest Fileset timestamp strictly
// greater than ts, queried fresh inside the current transaction so a
// caller rewriting filesets oldest-first always sees timestamps as they
// stand after any earlier rewrite in the same run. ok is false if ts is
// already the newest (the bound is then unbounded).
func NextNewerTimestamp(t *Txn, ts int64) (next int64, ok bool, err error) {
	err = sqlitex.Execute(t.conn, `SELECT MIN(timestamp) FROM Fileset WHERE timestamp > ?`, &sqlitex.ExecOptions{
		Args: []any{ts},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.ColumnType(0) != sqlite.TypeNull {
				next = stmt.ColumnInt64(0)
				ok = true
			}
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("catalog: NextNewerTimestamp: %w", err)
	}
	return next, ok, nil
}

// GetFileset reads a single Fileset row (without membership) by id.
func GetFileset(t *Txn, id int64) (Fileset, error) {
	var fs Fileset
	found := false
	err := sqlitex.Execute(t.conn, `SELECT id, timestamp, is_full, volume_id FROM Fileset WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var volID int64
			if stmt.ColumnType(3) != sqlite.TypeNull {
				volID = stmt.ColumnInt64(3)
			}
			fs = Fileset{
				ID:        stmt.ColumnInt64(0),
				Timestamp: stmt.ColumnInt64(1),
				IsFull:    stmt.ColumnInt64(2) != 0,
				VolumeID:  volID,
			}
			found = true
			return nil
		},
	})
	if err != nil {
		return Fileset{}, fmt.Errorf("catalog: GetFileset: %w", err)
	}
	if !found {
		return Fileset{}, bkerr.New(bkerr.KindInvariant, "fileset %d not found", id)
	}
	return fs, nil
}

// ProbeUnusedFilename returns a timestamp >= tsOriginal for a
// replacement fileset such that no existing dfileset volume name
// collides at that second, and the timestamp remains strictly less than
// the next-newer fileset's timestamp. takenSeconds is the set of
// timestamp seconds of the dfileset volume names already present
// remotely, supplied by the caller since name collisions are a remote,
// not catalog-local, concern.
func ProbeUnusedFilename(conn *sqlite.Conn, tsOriginal, tsNextNewer int64, takenSeconds map[int64]bool) (int64, error) {
	for ts := tsOriginal; tsNextNewer == 0 || ts < tsNextNewer; ts++ {
		if !takenSeconds[ts] {
			return ts, nil
		}
	}
	return 0, bkerr.Wrap(bkerr.KindInvariant, bkerr.ErrTimestampCollision, "no unused second in [%d, %d)", tsOriginal, tsNextNewer)
}

// CreateTemporaryFileset clones sourceFilesetID's membership into a new
// Fileset row with no volume_id yet (it is filled in once the new
// dfileset volume is known). The clone's timestamp is a caller-supplied
// placeholder; callers overwrite it once probing picks the final value.
func CreateTemporaryFileset(t *Txn, sourceFilesetID int64, timestamp int64, isFull bool) (int64, error) {
	err := sqlitex.Execute(t.conn, `INSERT INTO Fileset (timestamp, is_full, volume_id) VALUES (?, ?, NULL)`, &sqlitex.ExecOptions{
		Args: []any{timestamp, boolToInt(isFull)},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: CreateTemporaryFileset: %w", err)
	}
	newID := t.conn.LastInsertRowID()

	err = sqlitex.Execute(t.conn, `
		INSERT INTO FilesetEntry (fileset_id, file_id, entry_mtime, lastmodified)
		SELECT ?, file_id, entry_mtime, lastmodified FROM FilesetEntry WHERE fileset_id = ?
	`, &sqlitex.ExecOptions{Args: []any{newID, sourceFilesetID}})
	if err != nil {
		return 0, fmt.Errorf("catalog: CreateTemporaryFileset: clone membership: %w", err)
	}
	return newID, nil
}

// RemoveFilesetEntry drops one file from a (temporary, uncommitted)
// fileset's membership — the purge filter's "remove" action.
func RemoveFilesetEntry(t *Txn, filesetID, fileID int64) error {
	err := sqlitex.Execute(t.conn, `DELETE FROM FilesetEntry WHERE fileset_id = ? AND file_id = ?`, &sqlitex.ExecOptions{
		Args: []any{filesetID, fileID},
	})
	if err != nil {
		return fmt.Errorf("catalog: RemoveFilesetEntry: %w", err)
	}
	return nil
}

// FilesetMembers returns a fileset's FilesetEntry rows.
func FilesetMembers(conn *sqlite.Conn, filesetID int64) ([]FilesetEntry, error) {
	var out []FilesetEntry
	err := sqlitex.Execute(conn, `SELECT file_id, entry_mtime, lastmodified FROM FilesetEntry WHERE fileset_id = ?`, &sqlitex.ExecOptions{
		Args: []any{filesetID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, FilesetEntry{
				FileID:       stmt.ColumnInt64(0),
				EntryMtime:   stmt.ColumnInt64(1),
				LastModified: stmt.ColumnInt64(2) != 0,
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: FilesetMembers: %w", err)
	}
	return out, nil
}

// SetFilesetVolume attaches a (now-known) remote volume id and final
// timestamp to a fileset created by CreateTemporaryFileset, and converts
// it from scratch to permanent by virtue of the transaction committing.
func SetFilesetVolume(t *Txn, filesetID, volumeID, timestamp int64) error {
	err := sqlitex.Execute(t.conn, `UPDATE Fileset SET volume_id = ?, timestamp = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{volumeID, timestamp, filesetID},
	})
	if err != nil {
		return fmt.Errorf("catalog: SetFilesetVolume: %w", err)
	}
	return nil
}

// DropFilesetsFromTable removes Fileset rows whose timestamps appear in
// timestamps, returning the now-orphaned remote volumes (id, name) so
// the caller can transition them to deleting.
func DropFilesetsFromTable(t *Txn, timestamps []int64) ([]RemoteVolume, error) {
	var volumes []RemoteVolume
	for _, ts := range timestamps {
		var filesetID int64
		var volumeID int64
		found := false
		err := sqlitex.Execute(t.conn, `SELECT id, volume_id FROM Fileset WHERE timestamp = ?`, &sqlitex.ExecOptions{
			Args: []any{ts},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				filesetID = stmt.ColumnInt64(0)
				volumeID = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("catalog: DropFilesetsFromTable: lookup: %w", err)
		}
		if !found {
			continue
		}

		rv, err := GetRemoteVolume(t, volumeID)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, rv)

		if err := sqlitex.Execute(t.conn, `DELETE FROM FilesetEntry WHERE fileset_id = ?`, &sqlitex.ExecOptions{Args: []any{filesetID}}); err != nil {
			return nil, fmt.Errorf("catalog: DropFilesetsFromTable: entries: %w", err)
		}
		if err := sqlitex.Execute(t.conn, `DELETE FROM Fileset WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{filesetID}}); err != nil {
			return nil, fmt.Errorf("catalog: DropFilesetsFromTable: fileset: %w", err)
		}
	}
	return volumes, nil
}

// WriteFileset persists a brand-new fileset (used by backup ingestion
// rather than purge, which uses CreateTemporaryFileset +
// SetFilesetVolume instead since it starts from an existing snapshot).
func WriteFileset(t *Txn, timestamp int64, isFull bool, volumeID int64, entries []FilesetEntry) (int64, error) {
	err := sqlitex.Execute(t.conn, `INSERT INTO Fileset (timestamp, is_full, volume_id) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{timestamp, boolToInt(isFull), volumeID},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: WriteFileset: %w", err)
	}
	filesetID := t.conn.LastInsertRowID()

	for _, e := range entries {
		err := sqlitex.Execute(t.conn, `
			INSERT INTO FilesetEntry (fileset_id, file_id, entry_mtime, lastmodified) VALUES (?, ?, ?, ?)
		`, &sqlitex.ExecOptions{Args: []any{filesetID, e.FileID, e.EntryMtime, boolToInt(e.LastModified)}})
		if err != nil {
			return 0, fmt.Errorf("catalog: WriteFileset: entry: %w", err)
		}
	}
	return filesetID, nil
}
