package lessql

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/degami/lessql/dialect"
)

func TestSaveInsert(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`INSERT INTO "post" ("title") VALUES (?)`).
		WithArgs("hi").
		WillReturnResult(sqlmock.NewResult(5, 1))

	row := db.CreateRow("post", map[string]any{"title": "hi"})
	require.NoError(t, row.Save(context.Background(), false))
	assert.Equal(t, int64(5), row.Get("id"))
	assert.True(t, row.Exists())
	assert.True(t, row.IsClean())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUpdatesModifiedOnly(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`UPDATE "post" SET "title" = ? WHERE ("id" = 1)`).
		WithArgs("new").
		WillReturnResult(sqlmock.NewResult(0, 1))

	row := materializeRow(db, "post", nil, map[string]any{"id": int64(1), "title": "old", "views": int64(3)})
	row.Set("title", "new")
	require.NoError(t, row.Save(context.Background(), false))
	assert.True(t, row.IsClean())
	require.NoError(t, mock.ExpectationsWereMet())
}

// A non-recursive save copies the key of a resolved nested row into the
// foreign key column but persists only this row.
func TestSaveCopiesResolvedReference(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`INSERT INTO "post" ("title", "user_id") VALUES (?, ?)`).
		WithArgs("hi", int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	user := materializeRow(db, "user", nil, map[string]any{"id": int64(3), "name": "alice"})
	post := db.CreateRow("post", map[string]any{"title": "hi"})
	post.Set("user", user)
	require.NoError(t, post.Save(context.Background(), false))
	assert.Equal(t, int64(3), post.Get("user_id"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// A required foreign key forces the referenced row to be persisted
// first, its generated key flowing into the referencing row.
func TestSaveRecursiveReferenceOrder(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	db.Structure().SetRequired("post", "user_id")

	mock.ExpectExec(`INSERT INTO "user" ("name") VALUES (?)`).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "post" ("title", "user_id") VALUES (?, ?)`).
		WithArgs("hi", int64(1)).
		WillReturnResult(sqlmock.NewResult(10, 1))

	post := db.CreateRow("post", map[string]any{
		"title": "hi",
		"user":  map[string]any{"name": "alice"},
	})
	require.NoError(t, post.Save(context.Background(), true))

	user := post.Get("user").(*Row)
	assert.Equal(t, int64(1), user.Get("id"))
	assert.Equal(t, int64(1), post.Get("user_id"))
	assert.Equal(t, int64(10), post.Get("id"))
	assert.True(t, post.IsClean())
	assert.True(t, user.IsClean())
	require.NoError(t, mock.ExpectationsWereMet())
}

// The parent's key propagates into the back-reference column of every
// list child once the parent is persisted.
func TestSaveRecursiveBackReferences(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	mock.ExpectExec(`INSERT INTO "user" ("name") VALUES (?)`).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec(`INSERT INTO "post" ("title", "user_id") VALUES (?, ?)`).
		WithArgs("t1", int64(7)).
		WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec(`INSERT INTO "post" ("title", "user_id") VALUES (?, ?)`).
		WithArgs("t2", int64(7)).
		WillReturnResult(sqlmock.NewResult(11, 1))

	user := db.CreateRow("user", map[string]any{
		"name": "alice",
		"postList": []map[string]any{
			{"title": "t1"},
			{"title": "t2"},
		},
	})
	require.NoError(t, user.Save(context.Background(), true))

	posts := user.Get("postList").([]*Row)
	assert.Equal(t, int64(7), posts[0].Get("user_id"))
	assert.Equal(t, int64(7), posts[1].Get("user_id"))
	assert.True(t, posts[0].IsClean())
	assert.True(t, posts[1].IsClean())
	require.NoError(t, mock.ExpectationsWereMet())
}

// Two rows whose required foreign keys point at each other can never be
// persisted. No statement reaches the database.
func TestSaveUnsatisfiableCycle(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	db.Structure().
		SetRequired("alpha", "beta_id").
		SetRequired("beta", "alpha_id")

	a := db.CreateRow("alpha", nil)
	b := db.CreateRow("beta", nil)
	a.Set("beta", b)
	b.Set("alpha", a)

	err := a.Save(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsatisfiable)
	var uerr *UnsatisfiableError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, []string{"alpha", "beta"}, uerr.Tables())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveGeneratedKey(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	db.Structure().
		SetGenerated("document").
		SetKeyGenerator(func() string { return "doc-1" })

	mock.ExpectExec(`INSERT INTO "document" ("body", "id") VALUES (?, ?)`).
		WithArgs("x", "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	row := db.CreateRow("document", map[string]any{"body": "x"})
	require.NoError(t, row.Save(context.Background(), false))
	id, ok := row.ID()
	require.True(t, ok)
	assert.Equal(t, "doc-1", id)
	assert.Equal(t, map[string]any{"id": "doc-1"}, row.OriginalID())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCompoundKey(t *testing.T) {
	db, mock := mockDatabase(t, dialect.SQLite)
	db.Structure().SetPrimary("membership", "user_id", "group_id")

	mock.ExpectExec(`INSERT INTO "membership" ("group_id", "role", "user_id") VALUES (?, ?, ?)`).
		WithArgs(int64(2), "admin", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	row := db.CreateRow("membership", map[string]any{
		"user_id":  int64(1),
		"group_id": int64(2),
		"role":     "admin",
	})
	require.NoError(t, row.Save(context.Background(), false))
	assert.True(t, row.Exists())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePostgresSequence(t *testing.T) {
	db, mock := mockDatabase(t, dialect.Postgres)
	mock.ExpectExec(`INSERT INTO "post" ("title") VALUES ($1)`).
		WithArgs("x").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT currval($1)").
		WithArgs("post_id_seq").
		WillReturnRows(sqlmock.NewRows([]string{"currval"}).AddRow(int64(42)))

	row := db.CreateRow("post", map[string]any{"title": "x"})
	require.NoError(t, row.Save(context.Background(), false))
	assert.Equal(t, int64(42), row.Get("id"))
	require.NoError(t, mock.ExpectationsWereMet())
}
