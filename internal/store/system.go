package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/drift/internal/models"
)

// SchemaVersion returns the persisted schema version, or "" when none was
// stored yet.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT version FROM _drift_schema_version WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read schema version: %w", err)
	}
	return v, nil
}

// SetSchemaVersion persists the schema version.
func (db *DB) SetSchemaVersion(ctx context.Context, version string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO _drift_schema_version (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, version)
	if err != nil {
		return fmt.Errorf("store: write schema version: %w", err)
	}
	return nil
}

// LastSync returns the last completed sync of model.
func (db *DB) LastSync(ctx context.Context, model string) (models.LastSync, bool, error) {
	ls := models.LastSync{Model: model}
	var (
		syncType string
		at       int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT sync_type, synced_at FROM _drift_last_sync WHERE model = ?`, model).Scan(&syncType, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return ls, false, nil
	}
	if err != nil {
		return ls, false, fmt.Errorf("store: read last sync: %w", err)
	}
	ls.Type = models.SyncType(syncType)
	ls.SyncedAt = time.UnixMilli(at).UTC()
	return ls, true, nil
}

// SetLastSync records a completed sync.
func (db *DB) SetLastSync(ctx context.Context, ls models.LastSync) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO _drift_last_sync (model, sync_type, synced_at) VALUES (?, ?, ?)
		ON CONFLICT(model) DO UPDATE SET sync_type = excluded.sync_type, synced_at = excluded.synced_at
	`, ls.Model, string(ls.Type), ls.SyncedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: write last sync: %w", err)
	}
	return nil
}

// Metadata returns the version metadata of one record.
func (db *DB) Metadata(ctx context.Context, model, id string) (models.Metadata, bool, error) {
	m := models.Metadata{Model: model, ID: id}
	var (
		deleted int64
		at      int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT version, deleted, last_changed_at FROM _drift_metadata WHERE model = ? AND id = ?`,
		model, id).Scan(&m.Version, &deleted, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("store: read metadata: %w", err)
	}
	m.Deleted = deleted != 0
	m.LastChangedAt = time.UnixMilli(at).UTC()
	return m, true, nil
}

// SaveMetadata stores the version metadata of one record.
func (db *DB) SaveMetadata(ctx context.Context, m models.Metadata) error {
	deleted := 0
	if m.Deleted {
		deleted = 1
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO _drift_metadata (model, id, version, deleted, last_changed_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, id) DO UPDATE SET
			version         = excluded.version,
			deleted         = excluded.deleted,
			last_changed_at = excluded.last_changed_at
	`, m.Model, m.ID, m.Version, deleted, m.LastChangedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: write metadata: %w", err)
	}
	return nil
}

// ResetSyncState forgets version metadata, sync times and pending outbox
// entries. It is used when local tables are rebuilt.
func (db *DB) ResetSyncState(ctx context.Context) error {
	return db.execTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM _drift_metadata`,
			`DELETE FROM _drift_last_sync`,
			`DELETE FROM _drift_outbox`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: reset sync state: %w", err)
			}
		}
		return nil
	})
}
