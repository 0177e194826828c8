package catalog

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// RecordOperationStart inserts an Operation row with the crash-flag set,
// to be called before any session that performs remote writes.
func RecordOperationStart(t *Txn, kind string, startedAt int64) (int64, error) {
	err := sqlitex.Execute(t.conn, `
		INSERT INTO Operation (started_at, kind, terminated_with_active_uploads) VALUES (?, ?, 1)
	`, &sqlitex.ExecOptions{Args: []any{startedAt, kind}})
	if err != nil {
		return 0, fmt.Errorf("catalog: RecordOperationStart: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

// RecordOperationCleanExit clears the crash-flag for operationID, to be
// called transactionally at the end of a session with no active uploads
// remaining.
func RecordOperationCleanExit(t *Txn, operationID int64) error {
	err := sqlitex.Execute(t.conn, `UPDATE Operation SET terminated_with_active_uploads = 0 WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{operationID},
	})
	if err != nil {
		return fmt.Errorf("catalog: RecordOperationCleanExit: %w", err)
	}
	return nil
}

// PendingUpload is a remote volume left in an uncertain state by a
// session that crashed with active uploads in flight.
type PendingUpload struct {
	VolumeID int64
	Name     string
	State    VolumeState
}

// RecoverPendingUpload lists every RemoteVolume row in StateTemporary or
// StateUploading when any Operation's crash-flag is still set (rows are
// not tied to a particular Operation), and nothing when no flag is set —
// the starting point for the verifier's reconciliation pass after a
// crashed prior session.
func RecoverPendingUpload(t *Txn) ([]PendingUpload, error) {
	var anyCrashed bool
	err := sqlitex.Execute(t.conn, `SELECT COUNT(*) FROM Operation WHERE terminated_with_active_uploads = 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			anyCrashed = stmt.ColumnInt64(0) > 0
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: RecoverPendingUpload: %w", err)
	}
	if !anyCrashed {
		return nil, nil
	}

	var out []PendingUpload
	err = sqlitex.Execute(t.conn, `
		SELECT id, name, state FROM RemoteVolume WHERE state IN (?, ?) ORDER BY id
	`, &sqlitex.ExecOptions{
		Args: []any{int64(StateTemporary), int64(StateUploading)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, PendingUpload{
				VolumeID: stmt.ColumnInt64(0),
				Name:     stmt.ColumnText(1),
				State:    VolumeState(stmt.ColumnInt64(2)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: RecoverPendingUpload: scan: %w", err)
	}
	return out, nil
}
