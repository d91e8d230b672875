package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// MergeSpec describes how a batch of reference rows, such as the companies
// list, is merged into a table keyed by a natural key.
type MergeSpec struct {
	Table   string
	Columns []string
	// Keys is the unique natural key, for companies the code.
	Keys []string
	// Update lists the columns refreshed for rows that already exist. Nil
	// means every non-key column; an empty slice keeps existing rows as they
	// are.
	Update []string
}

func (m MergeSpec) validate() error {
	switch {
	case len(m.Columns) == 0:
		return eris.Errorf("db: merge %s: no columns", m.Table)
	case len(m.Keys) == 0:
		return eris.Errorf("db: merge %s: no key columns", m.Table)
	}
	for _, k := range m.Keys {
		if !slices.Contains(m.Columns, k) {
			return eris.Errorf("db: merge %s: key %q is not a merged column", m.Table, k)
		}
	}
	return nil
}

func (m MergeSpec) updateColumns() []string {
	if m.Update != nil {
		return m.Update
	}
	var cols []string
	for _, c := range m.Columns {
		if !slices.Contains(m.Keys, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

func (m MergeSpec) stagingTable() pgx.Identifier {
	return pgx.Identifier{"_merge_" + strings.ReplaceAll(m.Table, ".", "_")}
}

// mergeSQL builds the statement moving staged rows into the target. Rows
// whose values are unchanged are left alone so they do not count as merged.
func (m MergeSpec) mergeSQL() string {
	target := identifier(m.Table).Sanitize()
	cols := quoteAndJoin(m.Columns)
	stmt := fmt.Sprintf("INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		target, cols, cols, m.stagingTable().Sanitize(), quoteAndJoin(m.Keys))

	update := m.updateColumns()
	if len(update) == 0 {
		return stmt + " DO NOTHING"
	}
	set := make([]string, len(update))
	cur := make([]string, len(update))
	next := make([]string, len(update))
	for i, c := range update {
		col := pgx.Identifier{c}.Sanitize()
		set[i] = col + " = EXCLUDED." + col
		cur[i] = "t." + col
		next[i] = "EXCLUDED." + col
	}
	return fmt.Sprintf("%s DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		stmt, strings.Join(set, ", "), strings.Join(cur, ", "), strings.Join(next, ", "))
}

// Merge stages rows with COPY and folds them into spec.Table in one
// transaction. It returns the number of rows inserted or changed.
func Merge(ctx context.Context, pool Pool, spec MergeSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: begin", spec.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := spec.stagingTable()
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), identifier(spec.Table).Sanitize())); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: create staging table", spec.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: copy %d rows", spec.Table, len(rows))
	}

	tag, err := tx.Exec(ctx, spec.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s", spec.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: commit", spec.Table)
	}
	return tag.RowsAffected(), nil
}

func identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
