package lessql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Result is a lazy query against one table, optionally scoped as an
// association of a parent query or row. Builder methods derive a new
// Result and never mutate the receiver; execution happens at most once
// and is memoized.
//
// Associations of the same shape share one SELECT: the statement is
// filtered by the union of all sibling parent keys and cached on the root
// of the query tree, so the number of queries is bounded by the number of
// distinct shapes, never by the number of parent rows.
type Result struct {
	db  *Database
	err error

	table  string
	parent parentSource // nil at root
	// join description, set on association results only:
	key       string // column on this result's table
	parentKey string // column on the parent's table
	single    bool

	selectExprs   []string
	where         []string
	whereParams   []any
	orWhere       []string
	orWhereParams []any
	groupBy       []string
	having        []string
	havingParams  []any
	orderBy       []string
	limit         int // -1 when unset
	offset        int // -1 when unset

	executed   bool
	rows       []*Row // local row set
	globalRows []*Row // global row set
	cache      map[string][]*Row
}

// parentSource is what an association reads from its parent: the key
// values of this specific parent instance, the union of key values over
// all sibling instances, and the root of the query tree holding the
// eager-load cache.
type parentSource interface {
	localParentKeys(ctx context.Context, column string) ([]any, error)
	globalParentKeys(ctx context.Context, column string) ([]any, error)
	rootResult() *Result
}

// clone derives a new unexecuted Result with the same shape.
// Materialization state is never carried over.
func (r *Result) clone() *Result {
	c := &Result{
		db:        r.db,
		err:       r.err,
		table:     r.table,
		parent:    r.parent,
		key:       r.key,
		parentKey: r.parentKey,
		single:    r.single,
		limit:     r.limit,
		offset:    r.offset,
	}
	c.selectExprs = append([]string(nil), r.selectExprs...)
	c.where = append([]string(nil), r.where...)
	c.whereParams = append([]any(nil), r.whereParams...)
	c.orWhere = append([]string(nil), r.orWhere...)
	c.orWhereParams = append([]any(nil), r.orWhereParams...)
	c.groupBy = append([]string(nil), r.groupBy...)
	c.having = append([]string(nil), r.having...)
	c.havingParams = append([]any(nil), r.havingParams...)
	c.orderBy = append([]string(nil), r.orderBy...)
	return c
}

func (r *Result) fail(err error) *Result {
	c := r.clone()
	if c.err == nil {
		c.err = err
	}
	return c
}

// Table returns the table this query selects from.
func (r *Result) Table() string {
	return r.table
}

// Err returns the first configuration error recorded while deriving this
// query. It is also returned by every executing operation.
func (r *Result) Err() error {
	return r.err
}

// Select derives a query with additional selected expressions.
func (r *Result) Select(exprs ...string) *Result {
	c := r.clone()
	c.selectExprs = append(c.selectExprs, exprs...)
	return c
}

// Where derives a query with an additional raw condition, combined with
// AND. The condition may contain ? placeholders bound to params.
func (r *Result) Where(condition string, params ...any) *Result {
	c := r.clone()
	c.where = append(c.where, condition)
	c.whereParams = append(c.whereParams, params...)
	return c
}

// WhereEq derives a query with a convention condition, combined with AND:
// nil matches with IS NULL and a slice with IN.
func (r *Result) WhereEq(column string, value any) *Result {
	c := r.clone()
	c.where = append(c.where, r.db.Is(column, value))
	return c
}

// WhereNot derives a query with a negated convention condition, combined
// with AND.
func (r *Result) WhereNot(column string, value any) *Result {
	c := r.clone()
	c.where = append(c.where, r.db.IsNot(column, value))
	return c
}

// OrWhere derives a query with an additional raw condition, combined
// with OR.
func (r *Result) OrWhere(condition string, params ...any) *Result {
	c := r.clone()
	c.orWhere = append(c.orWhere, condition)
	c.orWhereParams = append(c.orWhereParams, params...)
	return c
}

// OrWhereEq derives a query with a convention condition, combined with OR.
func (r *Result) OrWhereEq(column string, value any) *Result {
	c := r.clone()
	c.orWhere = append(c.orWhere, r.db.Is(column, value))
	return c
}

// OrWhereNot derives a query with a negated convention condition,
// combined with OR.
func (r *Result) OrWhereNot(column string, value any) *Result {
	c := r.clone()
	c.orWhere = append(c.orWhere, r.db.IsNot(column, value))
	return c
}

// GroupBy derives a query with additional grouping expressions.
func (r *Result) GroupBy(exprs ...string) *Result {
	c := r.clone()
	c.groupBy = append(c.groupBy, exprs...)
	return c
}

// Having derives a query with an additional HAVING condition.
func (r *Result) Having(condition string, params ...any) *Result {
	c := r.clone()
	c.having = append(c.having, condition)
	c.havingParams = append(c.havingParams, params...)
	return c
}

// OrderBy derives a query ordered by the given column, appended after
// any previous ordering. Direction is "ASC" (default) or "DESC".
func (r *Result) OrderBy(column string, direction ...string) *Result {
	c := r.clone()
	c.orderBy = append(c.orderBy, c.orderExpr(column, direction))
	return c
}

// OrderByFirst derives a query ordered by the given column, taking
// precedence over any previous ordering.
func (r *Result) OrderByFirst(column string, direction ...string) *Result {
	c := r.clone()
	c.orderBy = append([]string{c.orderExpr(column, direction)}, c.orderBy...)
	return c
}

func (r *Result) orderExpr(column string, direction []string) string {
	dir := "ASC"
	if len(direction) > 0 && strings.EqualFold(direction[0], "DESC") {
		dir = "DESC"
	}
	return r.db.QuoteIdentifier(column) + " " + dir
}

// Limit derives a query returning at most count rows, optionally
// starting at offset. Limiting an association is undefined: associations
// are filtered by intersection against one shared fetch, a per-parent
// LIMIT cannot be expressed there.
func (r *Result) Limit(count int, offset ...int) *Result {
	if r.parent != nil {
		return r.fail(newConfigError("limit", "cannot limit an association query"))
	}
	c := r.clone()
	c.limit = count
	if len(offset) > 0 {
		c.offset = offset[0]
	}
	return c
}

// Paged derives a query returning the given page of pageSize rows.
// Pages start at 1.
func (r *Result) Paged(pageSize, page int) *Result {
	if page < 1 {
		return r.fail(&PagingError{page: page})
	}
	return r.Limit(pageSize, (page-1)*pageSize)
}

// Via derives an association rebound to the given join key, overriding
// the naming convention. For a single association the key replaces the
// reference column on the parent's table, for a collection the
// back-reference column on this table.
func (r *Result) Via(key string) *Result {
	if r.parent == nil {
		return r.fail(newConfigError("via", "only association queries have a join key"))
	}
	c := r.clone()
	if c.single {
		c.parentKey = key
	} else {
		c.key = key
	}
	return c
}

// Referenced returns the named association of this query's rows. A name
// with a "List" suffix is a collection (rows of the association point
// back at this table), any other name a single reference (this table
// points at the association).
func (r *Result) Referenced(name string) *Result {
	return referenced(r.db, r.table, r, name)
}

// referenced builds an association result below the given parent.
func referenced(db *Database, parentTable string, parent parentSource, name string) *Result {
	base, listSuffix := strings.CutSuffix(name, "List")
	single := !listSuffix || base == ""
	if single {
		base = name
	}
	table := db.structure.TableName(base)
	c := &Result{
		db:     db,
		table:  table,
		parent: parent,
		single: single,
		limit:  -1,
		offset: -1,
	}
	if single {
		primary := db.structure.PrimaryKey(table)
		if len(primary) != 1 {
			c.err = newConfigError("referenced", fmt.Sprintf("single association %q requires a single-column primary key on %q", name, table))
			return c
		}
		c.key = primary[0]
		c.parentKey = db.structure.ReferenceKey(parentTable, base)
	} else {
		primary := db.structure.PrimaryKey(parentTable)
		if len(primary) != 1 {
			c.err = newConfigError("referenced", fmt.Sprintf("collection association %q requires a single-column primary key on %q", name, parentTable))
			return c
		}
		c.key = db.structure.BackReferenceKey(parentTable, base)
		c.parentKey = primary[0]
	}
	return c
}

// selectOptions renders the query shape for the engine.
func (r *Result) selectOptions() SelectOptions {
	params := append([]any(nil), r.whereParams...)
	params = append(params, r.orWhereParams...)
	params = append(params, r.havingParams...)
	return SelectOptions{
		Select:  append([]string(nil), r.selectExprs...),
		Where:   append([]string(nil), r.where...),
		OrWhere: append([]string(nil), r.orWhere...),
		GroupBy: append([]string(nil), r.groupBy...),
		Having:  append([]string(nil), r.having...),
		OrderBy: append([]string(nil), r.orderBy...),
		Limit:   r.limit,
		Offset:  r.offset,
		Params:  params,
	}
}

// definition is the stable structural identity of a query shape, used as
// the eager-load cache key. It deliberately excludes the materialized
// parent key list: sibling associations of the same shape must share one
// cache entry. Bound parameter values are included.
type definition struct {
	Table     string
	Single    bool
	Key       string
	ParentKey string
	Select    []string
	Where     []string
	OrWhere   []string
	GroupBy   []string
	Having    []string
	OrderBy   []string
	Limit     int
	Offset    int
	Params    []any
}

// Definition returns the encoded definition fingerprint of this query.
func (r *Result) Definition() ([]byte, error) {
	o := r.selectOptions()
	return msgpack.Marshal(definition{
		Table:     r.table,
		Single:    r.single,
		Key:       r.key,
		ParentKey: r.parentKey,
		Select:    o.Select,
		Where:     o.Where,
		OrWhere:   o.OrWhere,
		GroupBy:   o.GroupBy,
		Having:    o.Having,
		OrderBy:   o.OrderBy,
		Limit:     o.Limit,
		Offset:    o.Offset,
		Params:    o.Params,
	})
}

// rootResult returns the root of the query tree, or nil when the tree
// hangs off a bare row.
func (r *Result) rootResult() *Result {
	if r.parent == nil {
		return r
	}
	return r.parent.rootResult()
}

func (r *Result) cacheGet(key []byte) ([]*Row, bool) {
	rows, ok := r.cache[string(key)]
	return rows, ok
}

func (r *Result) cachePut(key []byte, rows []*Row) {
	if r.cache == nil {
		r.cache = make(map[string][]*Row)
	}
	r.cache[string(key)] = rows
}

// Execute materializes the query. It is idempotent: a second call
// returns immediately. An association executes its parent first, issues
// one SELECT filtered by the union of all sibling parent keys (or reuses
// the cached rows of an identical shape), and then intersects the result
// against this specific parent's keys.
func (r *Result) Execute(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	if r.executed {
		return nil
	}
	opts := r.selectOptions()
	if r.parent != nil {
		keys, err := r.parent.globalParentKeys(ctx, r.parentKey)
		if err != nil {
			return err
		}
		opts.Where = append([]string{r.db.Is(r.key, keys)}, opts.Where...)
	}
	fingerprint, err := r.Definition()
	if err != nil {
		return err
	}
	root := r.rootResult()
	var global []*Row
	if root != nil {
		if cached, ok := root.cacheGet(fingerprint); ok {
			global = cached
		}
	}
	if global == nil {
		data, err := r.db.Select(ctx, r.table, opts)
		if err != nil {
			return err
		}
		global = make([]*Row, len(data))
		for i, d := range data {
			global[i] = materializeRow(r.db, r.table, r, d)
		}
		if root != nil {
			root.cachePut(fingerprint, global)
		}
	}
	r.globalRows = global
	if r.parent == nil {
		r.rows = global
	} else {
		keys, err := r.parent.localParentKeys(ctx, r.parentKey)
		if err != nil {
			return err
		}
		members := keySet(keys)
		local := make([]*Row, 0, len(global))
		for _, row := range global {
			v, ok := row.values[r.key]
			if !ok || v == nil {
				continue
			}
			if _, ok := members[keyString(v)]; ok {
				local = append(local, row)
			}
		}
		r.rows = local
	}
	r.executed = true
	return nil
}

// Fetch executes the query and returns the first row of the local row
// set, or nil if there is none.
func (r *Result) Fetch(ctx context.Context) (*Row, error) {
	if err := r.Execute(ctx); err != nil {
		return nil, err
	}
	if len(r.rows) == 0 {
		return nil, nil
	}
	return r.rows[0], nil
}

// FetchAll executes the query and returns the local row set.
func (r *Result) FetchAll(ctx context.Context) ([]*Row, error) {
	if err := r.Execute(ctx); err != nil {
		return nil, err
	}
	return r.rows, nil
}

// RowCount executes the query and returns the size of the local row set.
func (r *Result) RowCount(ctx context.Context) (int, error) {
	if err := r.Execute(ctx); err != nil {
		return 0, err
	}
	return len(r.rows), nil
}

// Keys executes the query and returns the distinct non-null values of
// the given column over the local row set.
func (r *Result) Keys(ctx context.Context, column string) ([]any, error) {
	if err := r.Execute(ctx); err != nil {
		return nil, err
	}
	return r.columnValues(r.rows, column)
}

// GlobalKeys executes the query and returns the distinct non-null values
// of the given column over the global row set.
func (r *Result) GlobalKeys(ctx context.Context, column string) ([]any, error) {
	if err := r.Execute(ctx); err != nil {
		return nil, err
	}
	return r.columnValues(r.globalRows, column)
}

func (r *Result) columnValues(rows []*Row, column string) ([]any, error) {
	seen := make(map[string]struct{})
	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		v, ok := row.values[column]
		if !ok {
			return nil, &IdentityError{table: r.table, column: column, reason: "column missing from materialized rows"}
		}
		if v == nil {
			continue
		}
		s := keyString(v)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		keys = append(keys, v)
	}
	return keys, nil
}

// localParentKeys implements parentSource for child associations.
func (r *Result) localParentKeys(ctx context.Context, column string) ([]any, error) {
	return r.Keys(ctx, column)
}

// globalParentKeys implements parentSource for child associations.
func (r *Result) globalParentKeys(ctx context.Context, column string) ([]any, error) {
	return r.GlobalKeys(ctx, column)
}

// Count issues a dedicated aggregate SELECT and returns the number of
// matching rows. Aggregates on associations are undefined.
func (r *Result) Count(ctx context.Context, expr ...string) (int64, error) {
	e := "*"
	if len(expr) > 0 {
		e = expr[0]
	}
	v, err := r.aggregate(ctx, "COUNT", e)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// Min issues a dedicated aggregate SELECT and returns the minimum value
// of the given column.
func (r *Result) Min(ctx context.Context, column string) (any, error) {
	return r.aggregate(ctx, "MIN", r.db.QuoteIdentifier(column))
}

// Max issues a dedicated aggregate SELECT and returns the maximum value
// of the given column.
func (r *Result) Max(ctx context.Context, column string) (any, error) {
	return r.aggregate(ctx, "MAX", r.db.QuoteIdentifier(column))
}

// Sum issues a dedicated aggregate SELECT and returns the sum of the
// given column.
func (r *Result) Sum(ctx context.Context, column string) (any, error) {
	return r.aggregate(ctx, "SUM", r.db.QuoteIdentifier(column))
}

func (r *Result) aggregate(ctx context.Context, fn, expr string) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.parent != nil {
		return nil, newConfigError(strings.ToLower(fn), "cannot aggregate an association query")
	}
	opts := r.selectOptions()
	opts.Select = []string{fn + "(" + expr + ")"}
	opts.OrderBy = nil
	opts.Limit, opts.Offset = -1, -1
	opts.Params = opts.Params[:len(r.whereParams)+len(r.orWhereParams)]
	opts.Having, opts.GroupBy = nil, nil
	rows, err := r.db.Select(ctx, r.table, opts)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	for _, v := range rows[0] {
		return v, nil
	}
	return nil, nil
}

// Update updates the rows matched by this query and returns the number
// of affected rows. An association or limited query first re-selects the
// primary keys of its local rows and updates exactly those.
func (r *Result) Update(ctx context.Context, data map[string]any) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	if scoped, err := r.primaryScoped(ctx, "update"); err != nil {
		return 0, err
	} else if scoped != nil {
		return scoped.Update(ctx, data)
	}
	return r.db.Update(ctx, r.table, data, r.where, r.whereParams)
}

// Delete deletes the rows matched by this query and returns the number
// of affected rows. An association or limited query first re-selects the
// primary keys of its local rows and deletes exactly those.
func (r *Result) Delete(ctx context.Context) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	if scoped, err := r.primaryScoped(ctx, "delete"); err != nil {
		return 0, err
	} else if scoped != nil {
		return scoped.Delete(ctx)
	}
	return r.db.Delete(ctx, r.table, r.where, r.whereParams)
}

// primaryScoped redirects writes on association, limited, or OR-filtered
// queries to a fresh root query filtered by the primary keys of the
// materialized local rows, so the write affects exactly those rows and
// not the shared cached superset. Returns nil when no redirect is needed.
func (r *Result) primaryScoped(ctx context.Context, op string) (*Result, error) {
	if r.parent == nil && r.limit < 0 && len(r.orWhere) == 0 {
		return nil, nil
	}
	primary := r.db.structure.PrimaryKey(r.table)
	if len(primary) != 1 {
		return nil, newConfigError(op, fmt.Sprintf("cannot scope table %q with a compound primary key", r.table))
	}
	keys, err := r.Keys(ctx, primary[0])
	if err != nil {
		return nil, err
	}
	scoped := &Result{db: r.db, table: r.table, limit: -1, offset: -1}
	return scoped.WhereEq(primary[0], keys), nil
}

// MarshalJSON encodes the local row set of an executed query. An
// unexecuted query encodes as null.
func (r *Result) MarshalJSON() ([]byte, error) {
	if !r.executed {
		return []byte("null"), nil
	}
	return json.Marshal(r.rows)
}

// keyString normalizes a key value for membership comparison, so that
// e.g. int64(1) from one driver matches "1" from another.
func keyString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func keySet(keys []any) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == nil {
			continue
		}
		set[keyString(k)] = struct{}{}
	}
	return set
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		var out int64
		_, err := fmt.Sscan(n, &out)
		return out, err
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("lessql: unexpected aggregate type %T", v)
	}
}
