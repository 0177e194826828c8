package catalog

// schemaVersion is stored in PRAGMA user_version; bumped whenever ddl
// changes in a way that needs an upgrade step applied in place.
const schemaVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS Block (
	id        INTEGER PRIMARY KEY,
	hash      BLOB NOT NULL,
	size      INTEGER NOT NULL,
	volume_id INTEGER NOT NULL REFERENCES RemoteVolume(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS block_hash_size ON Block(hash, size);
CREATE INDEX IF NOT EXISTS block_volume ON Block(volume_id);

CREATE TABLE IF NOT EXISTS Blockset (
	id        INTEGER PRIMARY KEY,
	length    INTEGER NOT NULL,
	full_hash BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS BlocksetEntry (
	blockset_id INTEGER NOT NULL REFERENCES Blockset(id),
	idx         INTEGER NOT NULL,
	block_id    INTEGER NOT NULL REFERENCES Block(id),
	PRIMARY KEY (blockset_id, idx)
);

CREATE TABLE IF NOT EXISTS File (
	id                   INTEGER PRIMARY KEY,
	path                 BLOB NOT NULL,
	content_blockset_id  INTEGER REFERENCES Blockset(id),
	metadata_blockset_id INTEGER REFERENCES Blockset(id),
	kind                 INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Fileset (
	id        INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	is_full   INTEGER NOT NULL,
	volume_id INTEGER REFERENCES RemoteVolume(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS fileset_timestamp ON Fileset(timestamp);

CREATE TABLE IF NOT EXISTS FilesetEntry (
	fileset_id   INTEGER NOT NULL REFERENCES Fileset(id),
	file_id      INTEGER NOT NULL REFERENCES File(id),
	entry_mtime  INTEGER NOT NULL,
	lastmodified INTEGER NOT NULL,
	PRIMARY KEY (fileset_id, file_id)
);

CREATE TABLE IF NOT EXISTS RemoteVolume (
	id                INTEGER PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	kind              INTEGER NOT NULL,
	size              INTEGER NOT NULL,
	hash              BLOB,
	state             INTEGER NOT NULL,
	delete_grace_time INTEGER NOT NULL DEFAULT 0,
	index_volume_id   INTEGER REFERENCES RemoteVolume(id)
);
CREATE INDEX IF NOT EXISTS remote_volume_state ON RemoteVolume(state);

CREATE TABLE IF NOT EXISTS Operation (
	id                             INTEGER PRIMARY KEY,
	started_at                     INTEGER NOT NULL,
	kind                           TEXT NOT NULL,
	terminated_with_active_uploads INTEGER NOT NULL DEFAULT 0
);
`
