// Package lessql is a lightweight relational data-access layer. It lets
// callers traverse and persist trees of related rows without writing
// joins or managing foreign keys by hand, with a bounded number of
// queries: one SELECT per distinct table or association shape, never one
// per row.
//
// A Result is a lazy query builder over one table. Associations derive
// from it by naming convention and share one eagerly-loaded fetch across
// all sibling rows:
//
//	posts := db.Table("post").OrderBy("published_at", "DESC")
//	rows, err := posts.FetchAll(ctx)
//	for _, post := range rows {
//		author, err := post.Referenced("user").Fetch(ctx) // one query total
//		...
//	}
//
// A Row is a schema-flexible record with dirty tracking. Rows nest into
// trees, and a recursive save persists the whole tree in dependency
// order, wiring foreign keys as generated keys become known:
//
//	post := db.CreateRow("post", map[string]any{
//		"title": "Fantastic",
//		"user":  map[string]any{"name": "Writer"},
//	})
//	err := post.Save(ctx, true) // inserts the user first, then the post
//
// Naming conventions (primary key "id", reference key "<name>_id",
// back-reference key "<table>_id") are configurable per table through
// the schema package.
package lessql
