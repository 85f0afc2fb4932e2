package lessql

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/degami/lessql/dialect"
	dsql "github.com/degami/lessql/dialect/sql"
)

// mockDatabase returns a Database over a sqlmock connection expecting
// exact statement matches.
func mockDatabase(t *testing.T, dialectName string, opts ...Option) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDatabase(dsql.OpenDB(dialectName, db), opts...), mock
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		dialect string
		name    string
		want    string
	}{
		{dialect.SQLite, "post", `"post"`},
		{dialect.Postgres, "public.post", `"public"."post"`},
		{dialect.MySQL, "post", "`post`"},
		{dialect.MySQL, "a.b", "`a`.`b`"},
		{dialect.SQLite, `we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		db, _ := mockDatabase(t, tt.dialect)
		assert.Equal(t, tt.want, db.QuoteIdentifier(tt.name))
	}
}

func TestQuoteValue(t *testing.T) {
	db, _ := mockDatabase(t, dialect.SQLite)
	assert.Equal(t, "NULL", db.QuoteValue(nil))
	assert.Equal(t, "42", db.QuoteValue(42))
	assert.Equal(t, "42", db.QuoteValue(int64(42)))
	assert.Equal(t, "1.5", db.QuoteValue(1.5))
	assert.Equal(t, "'1'", db.QuoteValue(true))
	assert.Equal(t, "'0'", db.QuoteValue(false))
	assert.Equal(t, "'it''s'", db.QuoteValue("it's"))
	assert.Equal(t, "NOW()", db.QuoteValue(Literal("NOW()")))

	mysql, _ := mockDatabase(t, dialect.MySQL)
	assert.Equal(t, `'a\\b'`, mysql.QuoteValue(`a\b`))
}

func TestIsCondition(t *testing.T) {
	db, _ := mockDatabase(t, dialect.SQLite)
	tests := []struct {
		column string
		value  any
		not    bool
		want   string
	}{
		{"id", 1, false, `"id" = 1`},
		{"id", 1, true, `"id" != 1`},
		{"id", nil, false, `"id" IS NULL`},
		{"id", nil, true, `"id" IS NOT NULL`},
		{"id", []any{1, 2}, false, `"id" IN (1, 2)`},
		{"id", []any{1, 2}, true, `"id" NOT IN (1, 2)`},
		{"id", []int{3}, false, `"id" = 3`},
		{"id", []any{1, nil}, false, `"id" = 1 OR "id" IS NULL`},
		{"id", []any{1, nil}, true, `"id" != 1 AND "id" IS NOT NULL`},
		{"id", []any{}, false, "0=1"},
		{"id", []any{}, true, "1=1"},
		{"name", "it's", false, `"name" = 'it''s'`},
	}
	for _, tt := range tests {
		got := db.Is(tt.column, tt.value)
		if tt.not {
			got = db.IsNot(tt.column, tt.value)
		}
		assert.Equal(t, tt.want, got, "column=%s value=%v not=%v", tt.column, tt.value, tt.not)
	}
}

func TestSelectStatement(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectQuery(`SELECT "id", "title" FROM "post" WHERE ("a" = 1) AND (b = ?) OR ("c" = 2) GROUP BY "d" HAVING COUNT(*) > ? ORDER BY "id" ASC LIMIT 10 OFFSET 20`).
		WithArgs("bee", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(1, "x"))
	rows, err := db.Select(context.Background(), "post", SelectOptions{
		Select:  []string{`"id"`, `"title"`},
		Where:   []string{db.Is("a", 1), "b = ?"},
		OrWhere: []string{db.Is("c", 2)},
		GroupBy: []string{`"d"`},
		Having:  []string{"COUNT(*) > ?"},
		OrderBy: []string{`"id" ASC`},
		Limit:   10,
		Offset:  20,
		Params:  []any{"bee", 3},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "x", rows[0]["title"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectNormalizesBytes(t *testing.T) {
	db, mock := mockDatabase(t, dialect.MySQL)
	mock.ExpectQuery("SELECT * FROM `post`").
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow([]byte("hello")))
	rows, err := db.Select(context.Background(), "post", SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0]["title"])
}

func TestInsert(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`INSERT INTO "post" ("created_at", "title") VALUES (NOW(), ?)`).
		WithArgs("hi").
		WillReturnResult(sqlmock.NewResult(7, 1))
	res, err := db.Insert(context.Background(), "post", map[string]any{
		"title":      "hi",
		"created_at": Literal("NOW()"),
	})
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`INSERT INTO "tag" ("name", "weight") VALUES (?, ?), (?, NULL)`).
		WithArgs("a", 1, "b").
		WillReturnResult(sqlmock.NewResult(0, 2))
	err := db.InsertBatch(context.Background(), "tag", []map[string]any{
		{"name": "a", "weight": 1},
		{"name": "b"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPrepared(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`INSERT INTO "tag" ("name") VALUES (?)`).
		WithArgs("a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "tag" ("name") VALUES (?)`).
		WithArgs("b").WillReturnResult(sqlmock.NewResult(2, 1))
	err := db.InsertPrepared(context.Background(), "tag", []map[string]any{
		{"name": "a"},
		{"name": "b"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAndDelete(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`UPDATE "post" SET "title" = ? WHERE ("id" = 1)`).
		WithArgs("new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	affected, err := db.Update(context.Background(), "post", map[string]any{"title": "new"}, []string{db.Is("id", 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	mock.ExpectExec(`DELETE FROM "post" WHERE ("id" = 1)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	affected, err = db.Delete(context.Background(), "post", []string{db.Is("id", 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlaceholders(t *testing.T) {
	db, mock := mockDatabase(t, dialect.Postgres)
	mock.ExpectQuery(`SELECT * FROM "post" WHERE (title = $1) AND (body = $2)`).
		WithArgs("a?", "b").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := db.Select(context.Background(), "post", SelectOptions{
		Where:  []string{"title = ?", "body = ?"},
		Params: []any{"a?", "b"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpandSkipsQuotedRegions(t *testing.T) {
	db, _ := mockDatabase(t, dialect.Postgres)
	got := db.expand(`SELECT * FROM "post" WHERE title = 'what?' AND body = ?`)
	assert.Equal(t, `SELECT * FROM "post" WHERE title = 'what?' AND body = $1`, got)
}

func TestLastInsertIDPostgres(t *testing.T) {
	db, mock := mockDatabase(t, dialect.Postgres)
	mock.ExpectQuery("SELECT currval($1)").
		WithArgs("post_id_seq").
		WillReturnRows(sqlmock.NewRows([]string{"currval"}).AddRow(int64(11)))
	id, err := db.LastInsertID(context.Background(), nil, "post_id_seq")
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "post"`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	err := db.WithTx(context.Background(), func(tx *Database) error {
		_, err := tx.Delete(context.Background(), "post", nil, nil)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBack(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err := db.WithTx(context.Background(), func(tx *Database) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginInsideTx(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectBegin()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.Begin(context.Background())
	require.Error(t, err)
}
