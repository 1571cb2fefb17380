// Package store persists known block hashes in a sqlite database
// inside the local cache directory. It is the only component that
// touches the database handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/sauvegarde/sauvegarde"
)

// ErrUnavailable wraps any failure to open the local database. At
// startup this is fatal.
var ErrUnavailable = errors.New("local storage unavailable")

const schema = `
CREATE TABLE IF NOT EXISTS hashs (
	hash BLOB PRIMARY KEY
) WITHOUT ROWID;
`

// DB wraps the sqlite handle.
type DB struct {
	sql *sql.DB
}

// Open creates (if needed) the cache directory and the database
// inside it, and applies the schema.
func Open(ctx context.Context, dircache, dbname string) (*DB, error) {
	if err := os.MkdirAll(dircache, 0700); err != nil {
		return nil, xerrors.Errorf("create %s: %v: %w", dircache, err, ErrUnavailable)
	}
	uri := filepath.Join(dircache, dbname)
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %v: %w", uri, err, ErrUnavailable)
	}
	// The handle is shared by nothing: the DB writer is the only
	// consumer. One connection avoids sqlite write contention.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Errorf("apply schema to %s: %v: %w", uri, err, ErrUnavailable)
	}
	return &DB{sql: db}, nil
}

// LoadAllKnownHashes streams every persisted hash to fn in key order.
func (d *DB) LoadAllKnownHashes(ctx context.Context, fn func(sauvegarde.Hash) error) error {
	rows, err := d.sql.QueryContext(ctx, `SELECT hash FROM hashs ORDER BY hash`)
	if err != nil {
		return xerrors.Errorf("select hashs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return xerrors.Errorf("scan hash: %w", err)
		}
		if len(raw) != sauvegarde.HashLen {
			return xerrors.Errorf("corrupt hash of %d bytes in database", len(raw))
		}
		var h sauvegarde.Hash
		copy(h[:], raw)
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecordHashBatch writes a batch in one transaction. Recording the
// same hash twice is a no-op, so replays after a failed flush are
// safe.
func (d *DB) RecordHashBatch(ctx context.Context, batch []sauvegarde.Hash) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO hashs (hash) VALUES (?)`)
	if err != nil {
		tx.Rollback()
		return xerrors.Errorf("prepare: %w", err)
	}
	for _, h := range batch {
		if _, err := stmt.ExecContext(ctx, h[:]); err != nil {
			stmt.Close()
			tx.Rollback()
			return xerrors.Errorf("insert hash %s: %w", h, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.sql.Close()
}
