package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/model"
)

const validDefs = `
templates:
  - code: ACME_INV
    name: Acme invoice
    document_type: invoice
    file_format: pdf
    is_default: true
    fields:
      - name: accountNumber
        region: {page: 1, x: 0.6, y: 0.1, width: 0.3, height: 0.05}
      - name: totalAmount
        region: {x: 0.7, y: 0.85, width: 0.2, height: 0.04}
        transforms: [trim]
  - code: ACME_STMT_XLS
    document_type: statement
    file_format: excel
    enabled: false
    fields:
      - name: accountNumber
        cell: {column: B, row: 2}
`

func TestParse_Valid(t *testing.T) {
	got, err := Parse([]byte(validDefs))
	require.NoError(t, err)
	require.Len(t, got, 2)

	inv := got[0]
	assert.Equal(t, "ACME_INV", inv.Code)
	assert.Equal(t, model.DocInvoice, inv.DocumentType)
	assert.True(t, inv.IsDefault)
	assert.True(t, inv.Enabled, "enabled unless stated")
	require.Len(t, inv.Fields, 2)
	require.NotNil(t, inv.Fields[0].Region)
	assert.InDelta(t, 0.6, inv.Fields[0].Region.X, 1e-9)
	assert.Equal(t, 1, inv.Fields[1].Page())

	stmt := got[1]
	assert.False(t, stmt.Enabled)
	require.NotNil(t, stmt.Fields[0].Cell)
	assert.Equal(t, "B", stmt.Fields[0].Cell.Column)
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no templates key", "other: 1\n"},
		{"empty list", "templates: []\n"},
		{"bad document type", `
templates:
  - code: X
    document_type: receipt
    file_format: pdf
    fields: []
`},
		{"region out of range", `
templates:
  - code: X
    document_type: invoice
    file_format: pdf
    fields:
      - name: totalAmount
        region: {x: 0.5, y: 0.5, width: 0, height: 2}
`},
		{"bad cell column", `
templates:
  - code: X
    document_type: invoice
    file_format: excel
    fields:
      - name: totalAmount
        cell: {column: "B2", row: 2}
`},
		{"not yaml", "templates: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_TemplateInvariants(t *testing.T) {
	t.Run("pdf field without locator", func(t *testing.T) {
		_, err := Parse([]byte(`
templates:
  - code: X
    document_type: invoice
    file_format: pdf
    fields:
      - name: totalAmount
`))
		assert.ErrorContains(t, err, "needs a region")
	})

	t.Run("two defaults for one pair", func(t *testing.T) {
		_, err := Parse([]byte(`
templates:
  - code: A
    document_type: invoice
    file_format: pdf
    is_default: true
    fields: []
  - code: B
    document_type: invoice
    file_format: pdf
    is_default: true
    fields: []
`))
		assert.ErrorContains(t, err, "both default")
	})

	t.Run("duplicate code", func(t *testing.T) {
		_, err := Parse([]byte(`
templates:
  - code: A
    document_type: invoice
    file_format: pdf
    fields: []
  - code: A
    document_type: statement
    file_format: pdf
    fields: []
`))
		assert.ErrorContains(t, err, "defined twice")
	})
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(p, []byte(validDefs), 0o600))

	got, err := LoadFile(p)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
