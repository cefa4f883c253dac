// Package store is the SQLite-backed record store: table management,
// statement compilation, the field codec and the system tables used by sync.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-sqlite3"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/schema"
)

// SystemTablePrefix marks tables that belong to drift itself rather than to
// a registered model.
const SystemTablePrefix = "_drift_"

const systemSchemaSQL = `
CREATE TABLE IF NOT EXISTS _drift_schema_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _drift_last_sync (
	model     TEXT PRIMARY KEY,
	sync_type TEXT NOT NULL,
	synced_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _drift_metadata (
	model           TEXT NOT NULL,
	id              TEXT NOT NULL,
	version         INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	last_changed_at INTEGER NOT NULL,
	PRIMARY KEY (model, id)
);

CREATE TABLE IF NOT EXISTS _drift_outbox (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	model         TEXT NOT NULL,
	record_id     TEXT NOT NULL,
	mutation_type TEXT NOT NULL,
	payload       BLOB NOT NULL,
	predicate     TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS _drift_outbox_record ON _drift_outbox(model, record_id);
`

const stmtCacheSize = 256

// DB wraps a sql.DB with record-store operations.
type DB struct {
	conn  *sql.DB
	reg   *schema.Registry
	codec *Codec

	prepareMu sync.Mutex
	stmts     *lru.Cache
}

// Open opens (or creates) the SQLite database and applies the system schema.
// Model tables are created separately with CreateTables.
func Open(dsn string, reg *schema.Registry) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(systemSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply system schema: %w", err)
	}
	stmts, err := lru.NewWithEvict(stmtCacheSize, func(_, value interface{}) {
		value.(*sql.Stmt).Close()
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: statement cache: %w", err)
	}
	return &DB{conn: conn, reg: reg, codec: NewCodec(reg), stmts: stmts}, nil
}

// Close releases cached statements and closes the database.
func (db *DB) Close() error {
	db.stmts.Purge()
	return db.conn.Close()
}

// SQL exposes the underlying handle for packages that own their own
// system table (the outbox).
func (db *DB) SQL() *sql.DB { return db.conn }

// Codec returns the field codec bound to this store's registry.
func (db *DB) Codec() *Codec { return db.codec }

// prepared returns a cached prepared statement for query.
func (db *DB) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	if v, ok := db.stmts.Get(query); ok {
		return v.(*sql.Stmt), nil
	}
	db.prepareMu.Lock()
	defer db.prepareMu.Unlock()
	if v, ok := db.stmts.Get(query); ok {
		return v.(*sql.Stmt), nil
	}
	stmt, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, &apperr.StorageError{Statement: query, Err: err}
	}
	db.stmts.Add(query, stmt)
	return stmt, nil
}

// execTx runs fn inside one transaction.
func (db *DB) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// execCached executes a cached statement in its own transaction.
func (db *DB) execCached(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := db.prepared(ctx, query)
	if err != nil {
		return nil, err
	}
	var res sql.Result
	err = db.execTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, args...)
		if err != nil {
			return &apperr.StorageError{Statement: query, Err: err}
		}
		res = r
		return nil
	})
	return res, err
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// IsForeignKeyViolation reports whether err is a foreign key failure.
func IsForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
