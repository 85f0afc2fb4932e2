package lessql

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
)

// Row is a schema-flexible record of one table. Its properties are an
// ordered column/value mapping where a value is a scalar, nil, a Literal,
// a nested Row, or an ordered list of nested Rows. A Row tracks which
// properties were modified since the last sync with the store, and
// remembers the primary key value(s) it had at that sync point.
type Row struct {
	db    *Database
	table string

	order    []string
	values   map[string]any
	modified map[string]struct{}

	// originalID holds the primary key value(s) at the last sync point.
	// A nil map means the row was never persisted.
	originalID map[string]any

	// result is the query that materialized this row, if any. It gives
	// nested associations access to the shared eager-load cache.
	result *Result
}

func newRow(db *Database, table string, result *Result) *Row {
	return &Row{
		db:       db,
		table:    table,
		values:   make(map[string]any),
		modified: make(map[string]struct{}),
		result:   result,
	}
}

// materializeRow wraps one fetched row as a clean Row bound to the query
// that produced it. The original identity is recorded when the primary
// key columns were part of the selected data.
func materializeRow(db *Database, table string, result *Result, data map[string]any) *Row {
	row := newRow(db, table, result)
	for _, column := range sortedColumns(data) {
		row.order = append(row.order, column)
		row.values[column] = data[column]
	}
	row.syncIdentity()
	return row
}

// syncIdentity records the current primary key values as the original
// identity, when they are all present, and clears the modified set.
func (r *Row) syncIdentity() {
	primary := r.db.structure.PrimaryKey(r.table)
	id := make(map[string]any, len(primary))
	for _, column := range primary {
		v, ok := r.values[column]
		if !ok || v == nil {
			id = nil
			break
		}
		id[column] = v
	}
	if id != nil {
		r.originalID = id
	}
	r.modified = make(map[string]struct{})
}

// Table returns the table this row belongs to.
func (r *Row) Table() string {
	return r.table
}

// Database returns the database this row is bound to.
func (r *Row) Database() *Database {
	return r.db
}

// Has reports whether the row has a property with the given name.
func (r *Row) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Get returns the value of a property, or nil when absent.
func (r *Row) Get(name string) any {
	return r.values[name]
}

// Columns returns the property names in order.
func (r *Row) Columns() []string {
	return append([]string(nil), r.order...)
}

// Set assigns a property. Assigning an equal value is a no-op and does
// not mark the property modified. Composite values convert by naming
// convention: a map becomes one nested Row of the corresponding table,
// and a slice of maps under a "List"-suffixed name becomes an ordered
// list of nested Rows.
func (r *Row) Set(name string, value any) *Row {
	value = r.convert(name, value)
	if old, ok := r.values[name]; ok && equalValue(old, value) {
		return r
	}
	if _, ok := r.values[name]; !ok {
		r.order = append(r.order, name)
	}
	r.values[name] = value
	r.modified[name] = struct{}{}
	return r
}

// SetData assigns all properties of data, in stable column order.
func (r *Row) SetData(data map[string]any) *Row {
	for _, column := range sortedColumns(data) {
		r.Set(column, data[column])
	}
	return r
}

// Unset removes a property and marks it modified.
func (r *Row) Unset(name string) {
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, column := range r.order {
		if column == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.modified[name] = struct{}{}
}

// convert applies the nested-row naming convention to composite values.
func (r *Row) convert(name string, value any) any {
	switch v := value.(type) {
	case *Row, Literal, nil:
		return value
	case []*Row:
		return v
	case map[string]any:
		return r.db.CreateRow(strings.TrimSuffix(name, "List"), v)
	case []map[string]any:
		rows := make([]*Row, len(v))
		for i, data := range v {
			rows[i] = r.db.CreateRow(strings.TrimSuffix(name, "List"), data)
		}
		return rows
	case []any:
		rows := make([]*Row, 0, len(v))
		for _, item := range v {
			switch item := item.(type) {
			case *Row:
				rows = append(rows, item)
			case map[string]any:
				rows = append(rows, r.db.CreateRow(strings.TrimSuffix(name, "List"), item))
			default:
				return value // not a list of rows, keep as-is
			}
		}
		return rows
	default:
		return value
	}
}

// equalValue reports whether an assignment would be a no-op.
func equalValue(a, b any) bool {
	if ra, ok := a.(*Row); ok {
		rb, ok := b.(*Row)
		return ok && ra == rb
	}
	return reflect.DeepEqual(a, b)
}

// Data returns the flat representation of the row: scalar, Literal and
// null properties only, suitable for an INSERT or UPDATE.
func (r *Row) Data() map[string]any {
	data := make(map[string]any, len(r.values))
	for column, v := range r.values {
		if isFlat(v) {
			data[column] = v
		}
	}
	return data
}

// Modified returns the flat representation of the properties modified
// since the last sync.
func (r *Row) Modified() map[string]any {
	data := make(map[string]any, len(r.modified))
	for column := range r.modified {
		v, ok := r.values[column]
		if ok && isFlat(v) {
			data[column] = v
		}
	}
	return data
}

func isFlat(v any) bool {
	switch v.(type) {
	case *Row, []*Row:
		return false
	}
	return true
}

// IsClean reports whether the row is in sync with the store as of the
// last sync point.
func (r *Row) IsClean() bool {
	return len(r.modified) == 0
}

// Exists reports whether the row has an original identity, i.e. was
// loaded from or persisted to the store.
func (r *Row) Exists() bool {
	return r.originalID != nil
}

// ID returns the current primary key value of the row. For a compound
// key the value is a column/value map. The second return is false when
// any key column is unset or null.
func (r *Row) ID() (any, bool) {
	primary := r.db.structure.PrimaryKey(r.table)
	if len(primary) == 1 {
		v, ok := r.values[primary[0]]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
	id := make(map[string]any, len(primary))
	for _, column := range primary {
		v, ok := r.values[column]
		if !ok || v == nil {
			return nil, false
		}
		id[column] = v
	}
	return id, true
}

// OriginalID returns the primary key value(s) at the last sync point,
// or nil when the row was never persisted.
func (r *Row) OriginalID() map[string]any {
	if r.originalID == nil {
		return nil
	}
	id := make(map[string]any, len(r.originalID))
	for column, v := range r.originalID {
		id[column] = v
	}
	return id
}

// SetClean marks the row as in sync with the store. It requires a
// resolvable primary key, which becomes the row's original identity.
func (r *Row) SetClean() error {
	if _, ok := r.ID(); !ok {
		return &IdentityError{table: r.table, reason: "cannot mark row clean without a primary key value"}
	}
	r.syncIdentity()
	return nil
}

// SetDirty marks every current property modified, so a subsequent save
// writes the row from scratch.
func (r *Row) SetDirty() {
	for _, column := range r.order {
		r.modified[column] = struct{}{}
	}
}

// Referenced returns the named association of this row. A name with a
// "List" suffix is a collection, any other name a single reference.
// Rows materialized by a query share that query's eager-load cache, so
// traversing the same association on sibling rows issues one SELECT.
func (r *Row) Referenced(name string) *Result {
	return referenced(r.db, r.table, r, name)
}

// localParentKeys implements parentSource: the key values of this
// specific row.
func (r *Row) localParentKeys(_ context.Context, column string) ([]any, error) {
	v, ok := r.values[column]
	if !ok || v == nil {
		return nil, nil
	}
	return []any{v}, nil
}

// globalParentKeys implements parentSource: the union of key values over
// all sibling rows of the producing query, or just this row's keys for a
// bare row.
func (r *Row) globalParentKeys(ctx context.Context, column string) ([]any, error) {
	if r.result != nil {
		return r.result.GlobalKeys(ctx, column)
	}
	return r.localParentKeys(ctx, column)
}

// rootResult implements parentSource.
func (r *Row) rootResult() *Result {
	if r.result != nil {
		return r.result.rootResult()
	}
	return nil
}

// Update assigns the given properties and saves the row.
func (r *Row) Update(ctx context.Context, data map[string]any) error {
	r.SetData(data)
	return r.Save(ctx, false)
}

// Delete deletes the row by its original identity, clears the identity
// and marks the row fully dirty, so a subsequent save would re-insert it.
func (r *Row) Delete(ctx context.Context) error {
	if r.originalID != nil {
		where := make([]string, 0, len(r.originalID))
		for _, column := range sortedColumns(r.originalID) {
			where = append(where, r.db.Is(column, r.originalID[column]))
		}
		if _, err := r.db.Delete(ctx, r.table, where, nil); err != nil {
			return err
		}
	}
	r.originalID = nil
	r.SetDirty()
	return nil
}

// MarshalJSON encodes the row's properties, with nested rows and lists
// inline.
func (r *Row) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.values))
	for column, v := range r.values {
		out[column] = v
	}
	return json.Marshal(out)
}

// nestedRows returns the single nested rows by property name, in order.
func (r *Row) nestedRows() []namedRow {
	var nested []namedRow
	for _, column := range r.order {
		if row, ok := r.values[column].(*Row); ok {
			nested = append(nested, namedRow{name: column, row: row})
		}
	}
	return nested
}

// nestedLists returns the nested row lists by property name, in order.
// The name is reported without its "List" suffix.
func (r *Row) nestedLists() []namedList {
	var nested []namedList
	for _, column := range r.order {
		if rows, ok := r.values[column].([]*Row); ok {
			nested = append(nested, namedList{name: strings.TrimSuffix(column, "List"), rows: rows})
		}
	}
	return nested
}

type namedRow struct {
	name string
	row  *Row
}

type namedList struct {
	name string
	rows []*Row
}
