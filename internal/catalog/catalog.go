// Package catalog is the transactional relational store of blocks,
// blocksets, files, filesets, and remote-volume state. It enforces
// referential integrity itself rather than through SQLite's own
// foreign-key cascade, and is exclusive to a single process for the
// lifetime of the open database file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carljohnsen/duplicati/internal/bkerr"
)

// Catalog is a single-writer handle on a catalog database file. Unlike a
// multi-connection pool, a Catalog holds exactly one connection: the
// data model's single-writer assumption (concurrent backend writers
// would violate fileset timestamp monotonicity and the remote-volume
// state machine) means there is never a reason to hand out more than
// one connection, and holding one avoids WAL-mode reader/writer
// coordination that a purge/compact engine has no use for.
type Catalog struct {
	mu       sync.Mutex
	conn     *sqlite.Conn
	path     string
	lockFile *os.File
}

// Open opens (creating if necessary) the catalog database at path and
// applies the standard pragmas and schema. It acquires an exclusive
// advisory lock on a sidecar ".lock" file so a second process opening
// the same catalog fails fast instead of corrupting shared state,
// enforcing that only one process writes to a given catalog at a time.
func Open(path string) (*Catalog, error) {
	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, bkerr.New(bkerr.KindCatalogState, "catalog %s is locked by another process (remove %s if that process is confirmed dead)", path, lockPath)
		}
		return nil, fmt.Errorf("catalog: %s: %w", lockPath, err)
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		lockFile.Close()
		os.Remove(lockPath)
		return nil, bkerr.Wrap(bkerr.KindUserInput, err, "opening catalog %s", path)
	}

	c := &Catalog{conn: conn, path: path, lockFile: lockFile}
	if err := c.applyPragmas(); err != nil {
		c.Close()
		return nil, err
	}
	if err := sqlitex.ExecuteScript(conn, ddl, nil); err != nil {
		c.Close()
		return nil, bkerr.Wrap(bkerr.KindCatalogState, err, "applying schema to %s", path)
	}
	if err := c.setUserVersion(schemaVersion); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// applyPragmas configures the connection the same way the corpus's
// standard SQLite pool does, minus the parts (pool sizing) that don't
// apply to a single-connection handle.
func (c *Catalog) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(c.conn, p, nil); err != nil {
			return fmt.Errorf("catalog: %s: %w", p, err)
		}
	}
	return nil
}

func (c *Catalog) setUserVersion(v int) error {
	return sqlitex.ExecuteTransient(c.conn, fmt.Sprintf("PRAGMA user_version = %d", v), nil)
}

// Close releases the connection and the advisory lock file.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	if c.lockFile != nil {
		c.lockFile.Close()
		os.Remove(c.path + ".lock")
		c.lockFile = nil
	}
	return err
}

// Txn is an open catalog transaction. The caller must call Commit or
// Rollback exactly once.
type Txn struct {
	catalog *Catalog
	conn    *sqlite.Conn
	commit  func(*error)
	done    bool
}

// Begin opens an immediate (write-intent) transaction. Only one Txn may
// be open at a time; Begin blocks on the Catalog's mutex until any prior
// Txn is committed or rolled back, so concurrent access from more than
// one goroutine serializes instead of corrupting shared state.
func (c *Catalog) Begin(ctx context.Context) (*Txn, error) {
	c.mu.Lock()
	commit, err := sqlitex.ImmediateTransaction(c.conn)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("catalog: begin: %w", err)
	}
	return &Txn{catalog: c, conn: c.conn, commit: commit}, nil
}

// Commit finalizes the transaction.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	var err error
	t.commit(&err)
	t.catalog.mu.Unlock()
	return err
}

// Rollback discards every change made within the transaction.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	err := fmt.Errorf("catalog: rollback requested")
	t.commit(&err)
	t.catalog.mu.Unlock()
}

// Conn returns the connection a Txn's queries should run against.
func (t *Txn) Conn() *sqlite.Conn { return t.conn }

// ReadConn exposes the connection for read-only queries outside a
// transaction (e.g. get_fileset_ids, fileset_times). Callers must not
// write through it outside a Txn.
func (c *Catalog) ReadConn() *sqlite.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
