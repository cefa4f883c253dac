package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/schema"
)

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlType(t schema.FieldType) string {
	switch t {
	case schema.TypeInt, schema.TypeBoolean, schema.TypeTimestamp:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// cascades reports whether rows of s referencing rel.Target through rel are
// dependents of the target, i.e. the target declares a hasOne, hasMany or
// manyToMany relationship that resolves to this foreign key.
func (db *DB) cascades(s *schema.ModelSchema, rel *schema.Relationship) bool {
	target, err := db.reg.SchemaFor(rel.Target)
	if err != nil {
		return false
	}
	for _, dep := range target.Dependents() {
		child := dep.Target
		if dep.Kind == schema.ManyToMany {
			child = dep.Through
		}
		if child == s.Name && dep.AssociatedWith == rel.Name {
			return true
		}
	}
	return false
}

// TableStatements returns the CREATE TABLE and CREATE INDEX statements for s.
func (db *DB) TableStatements(s *schema.ModelSchema) []string {
	defs := make([]string, 0, len(s.Fields)+len(s.Relationships))
	for _, col := range columnsOf(s) {
		var b strings.Builder
		b.WriteString(quote(col.name))
		switch {
		case col.field != nil && col.name == s.PK():
			b.WriteString(" TEXT PRIMARY KEY NOT NULL")
		case col.field != nil:
			b.WriteString(" " + sqlType(col.field.Type))
			if col.field.Required {
				b.WriteString(" NOT NULL")
			}
		default:
			targetPK := "id"
			if target, err := db.reg.SchemaFor(col.rel.Target); err == nil {
				targetPK = target.PK()
			}
			action := "SET NULL"
			if db.cascades(s, col.rel) {
				action = "CASCADE"
			}
			fmt.Fprintf(&b, " TEXT REFERENCES %s (%s) ON DELETE %s", quote(col.rel.Target), quote(targetPK), action)
		}
		defs = append(defs, b.String())
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);", quote(s.Name), strings.Join(defs, ",\n\t")),
	}
	for _, idx := range s.Indexes {
		cols := make([]string, 0, len(idx.Fields))
		for _, f := range idx.Fields {
			if rel, ok := s.Relationship(f); ok {
				f = schema.ForeignKey(rel)
			}
			cols = append(cols, quote(f))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			quote(s.Name+"_"+idx.Name), quote(s.Name), strings.Join(cols, ", ")))
	}
	for _, rel := range s.BelongsTo() {
		fk := schema.ForeignKey(rel)
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			quote(s.Name+"_"+fk), quote(s.Name), quote(fk)))
	}
	return stmts
}

// CreateTables creates the table and indexes of every schema inside one
// transaction. Existing tables are left untouched.
func (db *DB) CreateTables(ctx context.Context, schemas []*schema.ModelSchema) error {
	return db.execTx(ctx, func(tx *sql.Tx) error {
		for _, s := range schemas {
			for _, stmt := range db.TableStatements(s) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return &apperr.StorageError{Statement: stmt, Err: err}
				}
			}
		}
		return nil
	})
}

// DropModelTables drops every table that is not a system table. Foreign
// key enforcement is switched off on a pinned connection for the duration,
// otherwise each DROP runs an implicit DELETE that cascades into tables
// whose parents are already gone.
func (db *DB) DropModelTables(ctx context.Context) (err error) {
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Close()

	names, err := modelTableNames(ctx, conn)
	if err != nil {
		return err
	}

	// The pragma is a no-op inside a transaction.
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return &apperr.StorageError{Statement: "PRAGMA foreign_keys = OFF", Err: err}
	}
	defer func() {
		if _, ferr := conn.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); ferr != nil && err == nil {
			err = &apperr.StorageError{Statement: "PRAGMA foreign_keys = ON", Err: ferr}
		}
	}()

	db.stmts.Purge()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	for _, name := range names {
		stmt := "DROP TABLE IF EXISTS " + quote(name)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return &apperr.StorageError{Statement: stmt, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func modelTableNames(ctx context.Context, conn *sql.Conn) ([]string, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND substr(name, 1, ?) != ?`,
		len(SystemTablePrefix), SystemTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("store: list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list tables: %w", err)
	}
	return names, nil
}
