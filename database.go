package lessql

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/degami/lessql/dialect"
	dsql "github.com/degami/lessql/dialect/sql"
	"github.com/degami/lessql/schema"
)

// Database is the gateway to one logical database connection. It builds
// and executes statements, quotes identifiers and values, and exposes the
// schema conventions queries and rows depend on.
type Database struct {
	conn      dialect.ExecQuerier
	drv       dialect.Driver // nil when transaction-scoped
	tx        dialect.Tx     // nil when not transaction-scoped
	name      string
	structure *schema.Structure
}

// Option configures a Database.
type Option func(*Database)

// WithStructure sets the schema conventions of the database.
func WithStructure(s *schema.Structure) Option {
	return func(db *Database) {
		db.structure = s
	}
}

// NewDatabase returns a Database executing through the given driver.
func NewDatabase(drv dialect.Driver, opts ...Option) *Database {
	db := &Database{
		conn:      drv,
		drv:       drv,
		name:      drv.Dialect(),
		structure: schema.NewStructure(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Open opens a database/sql connection for the given dialect and source,
// and returns a Database on top of it.
func Open(dialectName, source string, opts ...Option) (*Database, error) {
	drv, err := dsql.Open(dialectName, source)
	if err != nil {
		return nil, err
	}
	return NewDatabase(drv, opts...), nil
}

// Structure returns the schema conventions of the database.
func (db *Database) Structure() *schema.Structure {
	return db.structure
}

// Dialect returns the dialect name of the underlying driver.
func (db *Database) Dialect() string {
	return db.name
}

// Close closes the underlying driver.
func (db *Database) Close() error {
	if db.drv == nil {
		return fmt.Errorf("lessql: cannot close a transaction-scoped database")
	}
	return db.drv.Close()
}

// Table returns a root query for the given name. The name is resolved
// through the alias and table-name conventions.
func (db *Database) Table(name string) *Result {
	return &Result{
		db:     db,
		table:  db.structure.TableName(name),
		limit:  -1,
		offset: -1,
	}
}

// CreateRow returns a new, unsaved row of the given table. Map and slice
// values in data are converted into nested rows and row lists by the
// naming convention (see Row.Set).
func (db *Database) CreateRow(table string, data map[string]any) *Row {
	row := newRow(db, db.structure.TableName(table), nil)
	row.SetData(data)
	return row
}

// Begin starts a transaction and returns a transaction-scoped Database
// executing every statement on it.
func (db *Database) Begin(ctx context.Context) (*Database, error) {
	if db.tx != nil {
		return nil, fmt.Errorf("lessql: cannot start a transaction within a transaction")
	}
	tx, err := db.drv.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &Database{
		conn:      tx,
		tx:        tx,
		name:      db.name,
		structure: db.structure,
	}, nil
}

// Commit commits the transaction of a transaction-scoped Database.
func (db *Database) Commit() error {
	if db.tx == nil {
		return fmt.Errorf("lessql: commit outside a transaction")
	}
	return db.tx.Commit()
}

// Rollback rolls back the transaction of a transaction-scoped Database.
func (db *Database) Rollback() error {
	if db.tx == nil {
		return fmt.Errorf("lessql: rollback outside a transaction")
	}
	return db.tx.Rollback()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (db *Database) WithTx(ctx context.Context, fn func(tx *Database) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}
	return tx.Commit()
}

// SelectOptions describes the shape of a SELECT statement.
type SelectOptions struct {
	Select  []string // selected expressions, defaults to *
	Where   []string // AND-combined conditions
	OrWhere []string // OR-combined conditions
	GroupBy []string
	Having  []string
	OrderBy []string
	Limit   int // no limit when < 1
	Offset  int // no offset when < 1
	Params  []any
}

// Select executes a SELECT against table and returns the rows as ordered
// column/value mappings.
func (db *Database) Select(ctx context.Context, table string, o SelectOptions) ([]map[string]any, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(o.Select) > 0 {
		b.WriteString(strings.Join(o.Select, ", "))
	} else {
		b.WriteString("*")
	}
	b.WriteString(" FROM ")
	b.WriteString(db.QuoteIdentifier(table))
	if where := renderWhere(o.Where, o.OrWhere); where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if len(o.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(o.GroupBy, ", "))
	}
	if len(o.Having) > 0 {
		b.WriteString(" HAVING ")
		b.WriteString(strings.Join(o.Having, " AND "))
	}
	if len(o.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(o.OrderBy, ", "))
	}
	if o.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(o.Limit))
		if o.Offset > 0 {
			b.WriteString(" OFFSET ")
			b.WriteString(strconv.Itoa(o.Offset))
		}
	}
	return db.query(ctx, b.String(), o.Params)
}

// renderWhere combines AND conditions and OR conditions into one clause:
// (and1) AND (and2) ... OR (or1) OR (or2).
func renderWhere(and, or []string) string {
	parts := make([]string, 0, len(and))
	for _, c := range and {
		parts = append(parts, "("+c+")")
	}
	clause := strings.Join(parts, " AND ")
	for _, c := range or {
		if clause == "" {
			clause = "(" + c + ")"
			continue
		}
		clause += " OR (" + c + ")"
	}
	return clause
}

// Insert inserts a single row and returns the driver result.
func (db *Database) Insert(ctx context.Context, table string, row map[string]any) (dsql.Result, error) {
	columns := sortedColumns(row)
	query, params := db.insertStatement(table, columns, []map[string]any{row})
	return db.exec(ctx, query, params)
}

// InsertPrepared inserts rows one at a time, reusing one statement shape
// so drivers can cache the prepared statement. The column set is the
// union over all rows; absent columns insert as NULL.
func (db *Database) InsertPrepared(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	columns := unionColumns(rows)
	for _, row := range rows {
		query, params := db.insertStatement(table, columns, []map[string]any{row})
		if _, err := db.exec(ctx, query, params); err != nil {
			return err
		}
	}
	return nil
}

// InsertBatch inserts all rows with a single multi-VALUES statement.
func (db *Database) InsertBatch(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	columns := unionColumns(rows)
	query, params := db.insertStatement(table, columns, rows)
	_, err := db.exec(ctx, query, params)
	return err
}

func (db *Database) insertStatement(table string, columns []string, rows []map[string]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(db.QuoteIdentifier(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(db.QuoteIdentifier(c))
	}
	b.WriteString(") VALUES ")
	var params []any
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			value, ok := row[c]
			switch {
			case !ok:
				b.WriteString("NULL")
			case isLiteral(value):
				b.WriteString(value.(Literal).String())
			default:
				b.WriteString("?")
				params = append(params, driverValue(value))
			}
		}
		b.WriteString(")")
	}
	return b.String(), params
}

// Update updates rows of table matching the AND-combined where
// conditions, and returns the number of affected rows.
func (db *Database) Update(ctx context.Context, table string, data map[string]any, where []string, params []any) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(db.QuoteIdentifier(table))
	b.WriteString(" SET ")
	var setParams []any
	for i, c := range sortedColumns(data) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(db.QuoteIdentifier(c))
		b.WriteString(" = ")
		if isLiteral(data[c]) {
			b.WriteString(data[c].(Literal).String())
		} else {
			b.WriteString("?")
			setParams = append(setParams, driverValue(data[c]))
		}
	}
	if clause := renderWhere(where, nil); clause != "" {
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}
	res, err := db.exec(ctx, b.String(), append(setParams, params...))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete deletes rows of table matching the AND-combined where
// conditions, and returns the number of affected rows.
func (db *Database) Delete(ctx context.Context, table string, where []string, params []any) (int64, error) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(db.QuoteIdentifier(table))
	if clause := renderWhere(where, nil); clause != "" {
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}
	res, err := db.exec(ctx, b.String(), params)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LastInsertID returns the key generated by the last insert. On Postgres
// the driver result carries no id, so the value is read from the named
// sequence, or from lastval() when sequence is empty.
func (db *Database) LastInsertID(ctx context.Context, res dsql.Result, sequence string) (int64, error) {
	if db.name != dialect.Postgres {
		return res.LastInsertId()
	}
	query := "SELECT lastval()"
	params := []any(nil)
	if sequence != "" {
		query = "SELECT currval(?)"
		params = []any{sequence}
	}
	rows, err := db.query(ctx, query, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("lessql: no last insert id")
	}
	for _, v := range rows[0] {
		switch id := v.(type) {
		case int64:
			return id, nil
		case string:
			return strconv.ParseInt(id, 10, 64)
		default:
			return 0, fmt.Errorf("lessql: unexpected last insert id type %T", v)
		}
	}
	return 0, fmt.Errorf("lessql: no last insert id")
}

// Is returns a boolean SQL fragment matching column against value.
// A nil value compares with IS NULL, a slice with IN, and a slice
// containing nil with IN OR IS NULL.
func (db *Database) Is(column string, value any) string {
	return db.isCondition(column, value, false)
}

// IsNot returns the negation of Is.
func (db *Database) IsNot(column string, value any) string {
	return db.isCondition(column, value, true)
}

func (db *Database) isCondition(column string, value any, not bool) string {
	qc := db.QuoteIdentifier(column)
	values, isList := normalizeList(value)
	if !isList {
		values = []any{value}
	}
	var (
		quoted  []string
		hasNull bool
	)
	for _, v := range values {
		if v == nil {
			hasNull = true
			continue
		}
		quoted = append(quoted, db.QuoteValue(v))
	}
	if len(quoted) == 0 && !hasNull {
		// Empty membership matches nothing.
		if not {
			return "1=1"
		}
		return "0=1"
	}
	var parts []string
	switch {
	case len(quoted) == 1 && !not:
		parts = append(parts, qc+" = "+quoted[0])
	case len(quoted) == 1:
		parts = append(parts, qc+" != "+quoted[0])
	case len(quoted) > 1 && !not:
		parts = append(parts, qc+" IN ("+strings.Join(quoted, ", ")+")")
	case len(quoted) > 1:
		parts = append(parts, qc+" NOT IN ("+strings.Join(quoted, ", ")+")")
	}
	if hasNull {
		if not {
			parts = append(parts, qc+" IS NOT NULL")
		} else {
			parts = append(parts, qc+" IS NULL")
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	if not {
		return strings.Join(parts, " AND ")
	}
	return strings.Join(parts, " OR ")
}

// QuoteIdentifier quotes a possibly dotted identifier for the dialect.
func (db *Database) QuoteIdentifier(name string) string {
	quote := `"`
	if db.name == dialect.MySQL {
		quote = "`"
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote + strings.ReplaceAll(p, quote, quote+quote) + quote
	}
	return strings.Join(parts, ".")
}

// QuoteValue quotes a value as an inline SQL literal. Literal values pass
// through untouched.
func (db *Database) QuoteValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case Literal:
		return v.String()
	case bool:
		if v {
			return "'1'"
		}
		return "'0'"
	case int:
		return strconv.Itoa(v)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return db.quoteString(v.Format("2006-01-02 15:04:05"))
	case []byte:
		return db.quoteString(string(v))
	case string:
		return db.quoteString(v)
	default:
		return db.quoteString(fmt.Sprint(v))
	}
}

func (db *Database) quoteString(s string) string {
	// MySQL treats backslash as an escape character inside strings.
	if db.name == dialect.MySQL {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// query executes a SELECT and scans all rows into column/value maps.
// Byte slices are normalized to strings.
func (db *Database) query(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	rows := &dsql.Rows{}
	if err := db.conn.Query(ctx, db.expand(query), params, rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// exec executes a statement and returns the driver result.
func (db *Database) exec(ctx context.Context, query string, params []any) (dsql.Result, error) {
	var res dsql.Result
	if params == nil {
		params = []any{}
	}
	if err := db.conn.Exec(ctx, db.expand(query), params, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// expand rewrites ? placeholders to the $N form on Postgres, skipping
// quoted regions.
func (db *Database) expand(query string) string {
	if db.name != dialect.Postgres || !strings.Contains(query, "?") {
		return query
	}
	var (
		b     strings.Builder
		n     int
		quote rune
	)
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
		case r == '?':
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// driverValue maps core value types to driver-compatible values.
func driverValue(v any) any {
	if l, ok := v.(Literal); ok {
		return l.String()
	}
	return v
}

func isLiteral(v any) bool {
	_, ok := v.(Literal)
	return ok
}

// sortedColumns returns the keys of a row map in stable order.
func sortedColumns(row map[string]any) []string {
	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

// unionColumns returns the sorted union of all row keys.
func unionColumns(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, row := range rows {
		for c := range row {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				columns = append(columns, c)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

// normalizeList reports whether value is a slice (other than []byte) and
// returns its elements.
func normalizeList(value any) ([]any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case []any:
		return v, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
