package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/model"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(t.TempDir())
	r.now = func() time.Time { return time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC) }
	return r
}

func srcFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload-tmp-8f2c.part")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDir(t *testing.T) {
	r := NewRouter("/data")
	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, filepath.FromSlash("/data/processed/invoice/2024/01/02"), r.Dir(true, model.DocInvoice, at))
	assert.Equal(t, filepath.FromSlash("/data/processed/creditnote/2024/01/02"), r.Dir(true, model.DocCreditNote, at))
	assert.Equal(t, filepath.FromSlash("/data/processed/statement/2024/01/02"), r.Dir(true, model.DocStatement, at))
	assert.Equal(t, filepath.FromSlash("/data/unprocessed/failed/2024-01-02"), r.Dir(false, model.DocInvoice, at))
}

func TestPlace_CollisionSuffix(t *testing.T) {
	r := testRouter(t)

	first, err := r.Place(srcFile(t, "one"), true, model.DocInvoice, "name.pdf")
	require.NoError(t, err)
	second, err := r.Place(srcFile(t, "two"), true, model.DocInvoice, "name.pdf")
	require.NoError(t, err)
	third, err := r.Place(srcFile(t, "three"), true, model.DocInvoice, "name.pdf")
	require.NoError(t, err)

	dir := filepath.Join(r.Root(), "processed", "invoice", "2024", "03", "07")
	assert.Equal(t, filepath.Join(dir, "name.pdf"), first)
	assert.Equal(t, filepath.Join(dir, "name_1.pdf"), second)
	assert.Equal(t, filepath.Join(dir, "name_2.pdf"), third)

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
}

func TestPlace_FailedTree(t *testing.T) {
	r := testRouter(t)
	dest, err := r.Place(srcFile(t, "x"), false, model.DocInvoice, "scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "unprocessed", "failed", "2024-03-07", "scan.pdf"), dest)
}

func TestPlace_MissingSource(t *testing.T) {
	r := testRouter(t)
	_, err := r.Place(filepath.Join(t.TempDir(), "gone"), true, model.DocInvoice, "a.pdf")
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	r := testRouter(t)
	dest, err := r.Place(srcFile(t, "x"), true, model.DocStatement, "s.pdf")
	require.NoError(t, err)

	require.NoError(t, r.Remove(dest))
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, r.Remove(dest), "removing twice is fine")
	assert.NoError(t, r.Remove(""))
}

func TestWithSuffix(t *testing.T) {
	assert.Equal(t, "a.pdf", withSuffix("a.pdf", 0))
	assert.Equal(t, "a_3.pdf", withSuffix("a.pdf", 3))
	assert.Equal(t, "archive.tar_1.gz", withSuffix("archive.tar.gz", 1))
	assert.Equal(t, "README_2", withSuffix("README", 2))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"Factúre Été.pdf", "Facture Ete.pdf"},
		{`..\..\etc\passwd`, "passwd"},
		{"../secret.pdf", "secret.pdf"},
		{`a<b>c:d"e|f?g*.pdf`, "a_b_c_d_e_f_g_.pdf"},
		{"tab\there.pdf", "tab_here.pdf"},
		{"  spaced.pdf  ", "spaced.pdf"},
		{"...", "document"},
		{"", "document"},
		{"déjà•vu.xlsx", "deja_vu.xlsx"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}
