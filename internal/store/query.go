package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// maxJoinDepth bounds how far belongsTo chains are joined; deeper
// references decode as stubs.
const maxJoinDepth = 3

// joinNode is one table of a query: the root model or a joined belongsTo
// target. offset is the position of its first column in the select list.
type joinNode struct {
	schema   *schema.ModelSchema
	alias    string
	cols     []column
	offset   int
	children map[string]*joinNode // keyed by relationship name
}

// joinPlan is the table tree of one query together with its SQL pieces.
// Aliases come from a per-model occurrence counter: the first use of a
// model keeps its name, later ones get 1, 2, ... appended.
type joinPlan struct {
	root    *joinNode
	selects []string
	joins   []string
	width   int
}

func (db *DB) plan(root *schema.ModelSchema) *joinPlan {
	p := &joinPlan{}
	counts := make(map[string]int)
	alias := func(model string) string {
		n := counts[model]
		counts[model] = n + 1
		if n == 0 {
			return model
		}
		return model + strconv.Itoa(n)
	}

	var add func(s *schema.ModelSchema, path map[string]bool, depth int) *joinNode
	add = func(s *schema.ModelSchema, path map[string]bool, depth int) *joinNode {
		n := &joinNode{schema: s, alias: alias(s.Name), cols: columnsOf(s), offset: p.width, children: map[string]*joinNode{}}
		for _, col := range n.cols {
			p.selects = append(p.selects, fmt.Sprintf("%s.%s AS %s", quote(n.alias), quote(col.name), quote(n.alias+"_"+col.name)))
		}
		p.width += len(n.cols)
		if depth >= maxJoinDepth {
			return n
		}
		path[s.Name] = true
		defer delete(path, s.Name)
		for _, rel := range s.BelongsTo() {
			target, err := db.reg.SchemaFor(rel.Target)
			if err != nil || path[target.Name] {
				continue
			}
			joinIdx := len(p.joins)
			p.joins = append(p.joins, "")
			child := add(target, path, depth+1)
			p.joins[joinIdx] = fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
				quote(target.Name), quote(child.alias),
				quote(child.alias), quote(target.PK()),
				quote(n.alias), quote(schema.ForeignKey(rel)))
			n.children[rel.Name] = child
		}
		return n
	}
	p.root = add(root, map[string]bool{}, 0)
	return p
}

// decode rebuilds the record for n from one scanned row. It returns nil
// when n is a joined table whose row is absent.
func (c *Codec) decode(n *joinNode, row []any) (*models.Record, error) {
	pkIdx := -1
	for i, col := range n.cols {
		if col.field != nil && col.name == n.schema.PK() {
			pkIdx = i
			break
		}
	}
	id, _ := asString(row[n.offset+pkIdx])
	if id == "" {
		return nil, nil
	}
	r := &models.Record{Model: n.schema.Name, ID: id, Fields: make(map[string]any, len(n.cols))}
	for i, col := range n.cols {
		raw := row[n.offset+i]
		if col.field != nil {
			if i == pkIdx {
				continue
			}
			v, err := c.DecodeField(col.field, raw)
			if err != nil {
				return nil, err
			}
			r.Fields[col.name] = v
			continue
		}
		ref, _ := asString(raw)
		if ref == "" {
			r.Fields[col.rel.Name] = nil
			continue
		}
		if child, ok := n.children[col.rel.Name]; ok {
			nested, err := c.decode(child, row)
			if err != nil {
				return nil, err
			}
			if nested != nil {
				r.Fields[col.rel.Name] = nested
				continue
			}
		}
		r.Fields[col.rel.Name] = models.Reference(col.rel.Target, ref)
	}
	return r, nil
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// Cursor iterates lazily over query results. It must be closed.
type Cursor struct {
	rows  *sql.Rows
	plan  *joinPlan
	codec *Codec
	cur   *models.Record
	err   error
}

// Next advances to the next record.
func (c *Cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	row := make([]any, c.plan.width)
	ptrs := make([]any, c.plan.width)
	for i := range row {
		ptrs[i] = &row[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		c.err = fmt.Errorf("store: scan: %w", err)
		return false
	}
	r, err := c.codec.decode(c.plan.root, row)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = r
	return true
}

// Record returns the current record.
func (c *Cursor) Record() *models.Record { return c.cur }

// Err returns the first error met while iterating.
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the underlying rows.
func (c *Cursor) Close() error { return c.rows.Close() }

// All drains the cursor and closes it.
func (c *Cursor) All() ([]*models.Record, error) {
	defer c.Close()
	var out []*models.Record
	for c.Next() {
		out = append(out, c.cur)
	}
	return out, c.Err()
}

// selectSQL compiles a full select over s with joins, filter, sort and
// pagination.
func (db *DB) selectSQL(s *schema.ModelSchema, opts predicate.Options) (*joinPlan, string, []any, error) {
	p := db.plan(s)
	where, args, err := db.codec.compileWhere(s, p.root.alias, opts.Where)
	if err != nil {
		return nil, "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s AS %s", strings.Join(p.selects, ", "), quote(s.Name), quote(p.root.alias))
	for _, j := range p.joins {
		b.WriteString(" " + j)
	}
	b.WriteString(" WHERE " + where)

	order := make([]string, 0, len(opts.SortBy)+1)
	for _, o := range opts.SortBy {
		a, ok := s.Accessor(o.Field)
		if !ok {
			return nil, "", nil, apperr.Validationf("%s has no field %q to sort by", s.Name, o.Field)
		}
		col := o.Field
		if a.Relation != nil {
			col = schema.ForeignKey(a.Relation)
		}
		dir := "ASC"
		if o.Descending {
			dir = "DESC"
		}
		order = append(order, fmt.Sprintf("%s.%s %s", quote(p.root.alias), quote(col), dir))
	}
	if len(order) > 0 {
		order = append(order, fmt.Sprintf("%s.%s ASC", quote(p.root.alias), quote(s.PK())))
	} else {
		order = append(order, quote(p.root.alias)+".rowid ASC")
	}
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))

	if opts.Page != nil && opts.Page.Limit > 0 {
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, opts.Page.Limit, opts.Page.Offset())
	}
	return p, b.String(), args, nil
}

// Query runs a filtered, sorted and paginated select over s. Records of
// belongsTo targets are joined and nested.
func (db *DB) Query(ctx context.Context, s *schema.ModelSchema, opts predicate.Options) (*Cursor, error) {
	p, query, args, err := db.selectSQL(s, opts)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &apperr.StorageError{Statement: query, Err: err}
	}
	return &Cursor{rows: rows, plan: p, codec: db.codec}, nil
}

// Get returns the record with the given primary key, or nil when absent.
func (db *DB) Get(ctx context.Context, s *schema.ModelSchema, id string) (*models.Record, error) {
	cur, err := db.Query(ctx, s, predicate.Options{Where: predicate.Field(s.PK()).Eq(id)})
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if cur.Next() {
		return cur.Record(), nil
	}
	return nil, cur.Err()
}

// Exists reports whether the row with the given primary key exists and
// satisfies p.
func (db *DB) Exists(ctx context.Context, s *schema.ModelSchema, id string, p predicate.Predicate) (bool, error) {
	alias := s.Name
	query := fmt.Sprintf("SELECT 1 FROM %s AS %s WHERE %s.%s = ?", quote(s.Name), quote(alias), quote(alias), quote(s.PK()))
	args := []any{id}
	if !predicate.IsAll(p) {
		where, whereArgs, err := db.codec.compileWhere(s, alias, p)
		if err != nil {
			return false, err
		}
		query += " AND " + where
		args = append(args, whereArgs...)
	}
	query += " LIMIT 1"

	var one int
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, &apperr.StorageError{Statement: query, Err: err}
	}
	return true, nil
}

// QueryIDs returns the primary keys of the rows of s matching p.
func (db *DB) QueryIDs(ctx context.Context, s *schema.ModelSchema, p predicate.Predicate) ([]string, error) {
	where, args, err := db.codec.compileWhere(s, s.Name, p)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s.%s FROM %s AS %s WHERE %s ORDER BY %s.rowid",
		quote(s.Name), quote(s.PK()), quote(s.Name), quote(s.Name), where, quote(s.Name))
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &apperr.StorageError{Statement: query, Err: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &apperr.StorageError{Statement: query, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
