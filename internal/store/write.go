package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// maxVariables keeps IN lists under SQLite's bound-parameter limit.
const maxVariables = 500

// RowSet names a set of rows of one model by primary key.
type RowSet struct {
	Schema *schema.ModelSchema
	IDs    []string
}

func insertSQL(s *schema.ModelSchema) (string, []column) {
	cols := columnsOf(s)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		names[i] = quote(col.name)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(s.Name), strings.Join(names, ", "), strings.Join(marks, ", ")), cols
}

func updateSQL(s *schema.ModelSchema) (string, []column) {
	var sets []string
	var cols []column
	for _, col := range columnsOf(s) {
		if col.field != nil && col.name == s.PK() {
			continue
		}
		sets = append(sets, quote(col.name)+" = ?")
		cols = append(cols, col)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(s.Name), strings.Join(sets, ", "), quote(s.PK())), cols
}

// Insert writes a new row for r. A row with the same primary key yields a
// ConflictError.
func (db *DB) Insert(ctx context.Context, s *schema.ModelSchema, r *models.Record) error {
	enc, err := db.codec.EncodeRecord(s, r)
	if err != nil {
		return err
	}
	query, cols := insertSQL(s)
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = enc[col.name]
	}
	if _, err := db.execCached(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return &apperr.ConflictError{Model: s.Name, ID: r.ID, Reason: "record already exists", Exists: true}
		}
		return err
	}
	return nil
}

// Update overwrites every column of the row identified by r's primary key.
func (db *DB) Update(ctx context.Context, s *schema.ModelSchema, r *models.Record) error {
	enc, err := db.codec.EncodeRecord(s, r)
	if err != nil {
		return err
	}
	query, cols := updateSQL(s)
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		args = append(args, enc[col.name])
	}
	args = append(args, r.ID)
	res, err := db.execCached(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: update %s/%s: %w", s.Name, r.ID, apperr.ErrNotFound)
	}
	return nil
}

// Delete removes the rows of s matching p and returns how many went.
func (db *DB) Delete(ctx context.Context, s *schema.ModelSchema, p predicate.Predicate) (int64, error) {
	return db.DeleteCascade(ctx, s, p, nil)
}

// DeleteCascade removes dependents (deepest level first) and then the rows
// of s matching p, all in one transaction.
func (db *DB) DeleteCascade(ctx context.Context, s *schema.ModelSchema, p predicate.Predicate, dependents []RowSet) (int64, error) {
	where, args, err := db.codec.compileWhere(s, s.Name, p)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quote(s.Name), where)

	var affected int64
	err = db.execTx(ctx, func(tx *sql.Tx) error {
		for i := len(dependents) - 1; i >= 0; i-- {
			if err := deleteIDs(ctx, tx, dependents[i]); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return &apperr.StorageError{Statement: query, Err: err}
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func deleteIDs(ctx context.Context, tx *sql.Tx, set RowSet) error {
	for start := 0; start < len(set.IDs); start += maxVariables {
		end := min(start+maxVariables, len(set.IDs))
		chunk := set.IDs[start:end]
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", quote(set.Schema.Name), quote(set.Schema.PK()), marks)
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return &apperr.StorageError{Statement: query, Err: err}
		}
	}
	return nil
}
