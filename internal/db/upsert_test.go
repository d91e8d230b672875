package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func companiesSpec() MergeSpec {
	return MergeSpec{
		Table:   "companies",
		Columns: []string{"code", "name", "reference_number"},
		Keys:    []string{"code"},
	}
}

func TestMerge_NoRows(t *testing.T) {
	n, err := Merge(context.TODO(), nil, companiesSpec(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMerge_InvalidSpec(t *testing.T) {
	rows := [][]any{{"ACME01"}}

	_, err := Merge(context.TODO(), nil, MergeSpec{Table: "companies", Keys: []string{"code"}}, rows)
	assert.ErrorContains(t, err, "no columns")

	_, err = Merge(context.TODO(), nil, MergeSpec{Table: "companies", Columns: []string{"code"}}, rows)
	assert.ErrorContains(t, err, "no key columns")

	_, err = Merge(context.TODO(), nil, MergeSpec{Table: "companies", Columns: []string{"name"}, Keys: []string{"code"}}, rows)
	assert.ErrorContains(t, err, `key "code" is not a merged column`)
}

func TestMerge_Companies(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_merge_companies" \(LIKE "companies" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_merge_companies"}, []string{"code", "name", "reference_number"}).
		WillReturnResult(3)
	mock.ExpectExec(`INSERT INTO "companies" AS t .* ON CONFLICT \("code"\) DO UPDATE SET "name" = EXCLUDED."name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Merge(context.Background(), mock, companiesSpec(), [][]any{
		{"ACME01", "Acme Ltd", int64(1001)},
		{"BOLT02", "Bolt plc", nil},
		{"COGS03", "Cogs & Co", int64(1003)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "unchanged rows are not counted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_merge_companies"}, []string{"code", "name", "reference_number"}).
		WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err = Merge(context.Background(), mock, companiesSpec(), [][]any{{"ACME01", "Acme Ltd", nil}})
	assert.ErrorContains(t, err, "db: merge companies: copy 1 rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSpec_SQL(t *testing.T) {
	spec := companiesSpec()
	assert.Equal(t,
		`INSERT INTO "companies" AS t ("code", "name", "reference_number") SELECT "code", "name", "reference_number" FROM "_merge_companies" ON CONFLICT ("code")`+
			` DO UPDATE SET "name" = EXCLUDED."name", "reference_number" = EXCLUDED."reference_number"`+
			` WHERE (t."name", t."reference_number") IS DISTINCT FROM (EXCLUDED."name", EXCLUDED."reference_number")`,
		spec.mergeSQL())

	spec.Update = []string{}
	assert.Contains(t, spec.mergeSQL(), `ON CONFLICT ("code") DO NOTHING`)

	spec.Table = "ingest.companies"
	assert.Contains(t, spec.mergeSQL(), `INSERT INTO "ingest"."companies" AS t`)
	assert.Contains(t, spec.mergeSQL(), `FROM "_merge_ingest_companies"`)
}
