package catalog

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carljohnsen/duplicati/internal/bkerr"
	"github.com/carljohnsen/duplicati/internal/volume"
)

const remoteVolumeColumns = `id, name, kind, size, hash, state, delete_grace_time, index_volume_id`

// InsertRemoteVolume records a new volume row in StateTemporary.
func InsertRemoteVolume(t *Txn, name string, kind volume.Kind) (int64, error) {
	err := sqlitex.Execute(t.conn, `
		INSERT INTO RemoteVolume (name, kind, size, hash, state, delete_grace_time, index_volume_id)
		VALUES (?, ?, 0, NULL, ?, 0, NULL)
	`, &sqlitex.ExecOptions{Args: []any{name, int64(kind), int64(StateTemporary)}})
	if err != nil {
		return 0, fmt.Errorf("catalog: InsertRemoteVolume: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

// GetRemoteVolume reads a single RemoteVolume row by id.
func GetRemoteVolume(t *Txn, id int64) (RemoteVolume, error) {
	var rv RemoteVolume
	found := false
	err := sqlitex.Execute(t.conn, `SELECT `+remoteVolumeColumns+` FROM RemoteVolume WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rv = scanRemoteVolume(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return RemoteVolume{}, fmt.Errorf("catalog: GetRemoteVolume: %w", err)
	}
	if !found {
		return RemoteVolume{}, bkerr.New(bkerr.KindInvariant, "remote volume %d not found", id)
	}
	return rv, nil
}

// SetIndexVolume records that dindexVolumeID is the dindex volume
// pointing into the dblock volume dblockVolumeID, so compact can
// retire both together when it repacks the dblock.
func SetIndexVolume(t *Txn, dblockVolumeID, dindexVolumeID int64) error {
	err := sqlitex.Execute(t.conn, `UPDATE RemoteVolume SET index_volume_id = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{dindexVolumeID, dblockVolumeID},
	})
	if err != nil {
		return fmt.Errorf("catalog: SetIndexVolume: %w", err)
	}
	return nil
}

func scanRemoteVolume(stmt *sqlite.Stmt) RemoteVolume {
	var hash []byte
	if stmt.ColumnLen(4) > 0 {
		hash = make([]byte, stmt.ColumnLen(4))
		stmt.ColumnBytes(4, hash)
	}
	var indexVolumeID int64
	if stmt.ColumnType(7) != sqlite.TypeNull {
		indexVolumeID = stmt.ColumnInt64(7)
	}
	return RemoteVolume{
		ID:              stmt.ColumnInt64(0),
		Name:            stmt.ColumnText(1),
		Kind:            volume.Kind(stmt.ColumnInt64(2)),
		Size:            stmt.ColumnInt64(3),
		Hash:            hash,
		State:           VolumeState(stmt.ColumnInt64(5)),
		DeleteGraceTime: stmt.ColumnInt64(6),
		IndexVolumeID:   indexVolumeID,
	}
}

// UpdateRemoteVolume performs a state-machine-enforced update: it
// refuses any transition not permitted by CanTransition.
func UpdateRemoteVolume(t *Txn, id int64, newState VolumeState, size int64, hash []byte) error {
	current, err := GetRemoteVolume(t, id)
	if err != nil {
		return err
	}
	if !CanTransition(current.State, newState) {
		return bkerr.New(bkerr.KindInvariant, "remote volume %d (%s): illegal transition %s -> %s", id, current.Name, current.State, newState)
	}

	err = sqlitex.Execute(t.conn, `UPDATE RemoteVolume SET state = ?, size = ?, hash = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(newState), size, hash, id},
	})
	if err != nil {
		return fmt.Errorf("catalog: UpdateRemoteVolume: %w", err)
	}
	return nil
}

// ListRemoteVolumesByState returns every RemoteVolume row in the given
// state, ascending by id — used by the verifier and by compact's
// candidate scan.
func ListRemoteVolumesByState(t *Txn, state VolumeState) ([]RemoteVolume, error) {
	var out []RemoteVolume
	err := sqlitex.Execute(t.conn, `
		SELECT `+remoteVolumeColumns+`
		FROM RemoteVolume WHERE state = ? ORDER BY id
	`, &sqlitex.ExecOptions{
		Args: []any{int64(state)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanRemoteVolume(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: ListRemoteVolumesByState: %w", err)
	}
	return out, nil
}

// ListDBlockVolumes returns every dblock RemoteVolume row not already
// deleted, for compact's candidate scan.
func ListDBlockVolumes(t *Txn) ([]RemoteVolume, error) {
	var out []RemoteVolume
	err := sqlitex.Execute(t.conn, `
		SELECT `+remoteVolumeColumns+`
		FROM RemoteVolume WHERE kind = ? AND state != ? ORDER BY id
	`, &sqlitex.ExecOptions{
		Args: []any{int64(volume.KindDBlock), int64(StateDeleted)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanRemoteVolume(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: ListDBlockVolumes: %w", err)
	}
	return out, nil
}

// ReassignBlockVolume moves a block's volume_id, used by compact when
// repacking surviving blocks into a new dblock volume.
func ReassignBlockVolume(t *Txn, blockID, newVolumeID int64) error {
	err := sqlitex.Execute(t.conn, `UPDATE Block SET volume_id = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{newVolumeID, blockID},
	})
	if err != nil {
		return fmt.Errorf("catalog: ReassignBlockVolume: %w", err)
	}
	return nil
}
