package lessql

import (
	"context"

	"github.com/degami/lessql/dialect"
)

// Save persists the row. With recursive false only this row is written:
// forward references of nested rows are copied into the corresponding
// foreign key columns, then the row is inserted or updated as needed.
//
// With recursive true the whole tree of nested rows and lists is
// flattened into a worklist and persisted in dependency order: every
// round copies all known keys into foreign key columns, persists every
// row whose required columns are present, and propagates each persisted
// row's key into its list children. The loop either finishes with all
// rows clean or fails with an UnsatisfiableError after a round without
// progress.
func (r *Row) Save(ctx context.Context, recursive bool) error {
	if !recursive {
		r.updateReferences()
		return r.persist(ctx)
	}
	rows := r.flatten()
	// Each successful round persists at least one row that was not ready
	// before, so the worklist size bounds the number of rounds.
	for round := 0; round <= len(rows); round++ {
		for _, row := range rows {
			row.updateReferences()
			row.propagateBackReferences()
		}
		progress := false
		for _, row := range rows {
			if row.IsClean() || len(row.missingRequired()) > 0 {
				continue
			}
			if err := row.persist(ctx); err != nil {
				return err
			}
			row.propagateBackReferences()
			progress = true
		}
		clean := 0
		for _, row := range rows {
			if row.IsClean() {
				clean++
			}
		}
		if clean == len(rows) {
			return nil
		}
		if !progress {
			break
		}
	}
	return &UnsatisfiableError{tables: dirtyTables(rows)}
}

// flatten collects the row and every reachable nested row into one
// worklist, deduplicated by identity.
func (r *Row) flatten() []*Row {
	var (
		out  []*Row
		seen = make(map[*Row]struct{})
		walk func(row *Row)
	)
	walk = func(row *Row) {
		if _, ok := seen[row]; ok {
			return
		}
		seen[row] = struct{}{}
		out = append(out, row)
		for _, n := range row.nestedRows() {
			walk(n.row)
		}
		for _, l := range row.nestedLists() {
			for _, child := range l.rows {
				walk(child)
			}
		}
	}
	walk(r)
	return out
}

// updateReferences copies the resolved key of every single nested row
// into the owning row's foreign key column. Unresolved keys leave the
// column unset.
func (r *Row) updateReferences() {
	for _, n := range r.nestedRows() {
		primary := r.db.structure.PrimaryKey(n.row.table)
		if len(primary) != 1 {
			continue
		}
		v, ok := n.row.values[primary[0]]
		if !ok || v == nil {
			continue
		}
		r.Set(r.db.structure.ReferenceKey(r.table, n.name), v)
	}
}

// propagateBackReferences writes this row's own key into the
// back-reference column of every list child, once the key is known.
func (r *Row) propagateBackReferences() {
	primary := r.db.structure.PrimaryKey(r.table)
	if len(primary) != 1 {
		return
	}
	v, ok := r.values[primary[0]]
	if !ok || v == nil {
		return
	}
	for _, l := range r.nestedLists() {
		backKey := r.db.structure.BackReferenceKey(r.table, l.name)
		for _, child := range l.rows {
			child.Set(backKey, v)
		}
	}
}

// missingRequired returns the required columns that are still unset or
// null.
func (r *Row) missingRequired() []string {
	var missing []string
	for _, column := range r.db.structure.RequiredColumns(r.table) {
		if v, ok := r.values[column]; !ok || v == nil {
			missing = append(missing, column)
		}
	}
	return missing
}

// persist writes this row to the store: an UPDATE by original identity
// with the modified columns when the row exists, otherwise an INSERT of
// the full flat data. A single-column primary key left unset is either
// generated before the insert (application-generated keys) or read back
// from the driver's last-insert-id afterwards. The row ends up clean.
func (r *Row) persist(ctx context.Context) error {
	if r.IsClean() {
		return nil
	}
	primary := r.db.structure.PrimaryKey(r.table)
	if r.Exists() {
		modified := r.Modified()
		if len(modified) > 0 {
			where := make([]string, 0, len(r.originalID))
			for _, column := range sortedColumns(r.originalID) {
				where = append(where, r.db.Is(column, r.originalID[column]))
			}
			if _, err := r.db.Update(ctx, r.table, modified, where, nil); err != nil {
				return err
			}
		}
	} else {
		if len(primary) == 1 {
			if _, ok := r.ID(); !ok && r.db.structure.IsGenerated(r.table) {
				r.Set(primary[0], r.db.structure.GenerateKey())
			}
		}
		res, err := r.db.Insert(ctx, r.table, r.Data())
		if err != nil {
			return err
		}
		if len(primary) == 1 {
			if _, ok := r.ID(); !ok {
				sequence := ""
				if r.db.Dialect() == dialect.Postgres {
					sequence = r.table + "_" + primary[0] + "_seq"
				}
				id, err := r.db.LastInsertID(ctx, res, sequence)
				if err != nil {
					return err
				}
				r.Set(primary[0], id)
			}
		}
	}
	return r.SetClean()
}

// dirtyTables returns the distinct tables of the rows left unsaved, for
// error context.
func dirtyTables(rows []*Row) []string {
	seen := make(map[string]struct{})
	var tables []string
	for _, row := range rows {
		if row.IsClean() {
			continue
		}
		if _, ok := seen[row.table]; ok {
			continue
		}
		seen[row.table] = struct{}{}
		tables = append(tables, row.table)
	}
	return tables
}
