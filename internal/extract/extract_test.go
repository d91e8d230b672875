package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/model"
)

type regionRead struct {
	Page int
	X, Y float64
}

type fakeSource struct {
	pages   int
	texts   map[int]string
	regions map[regionRead]string
	failAt  map[regionRead]error
	reads   []regionRead
	textHit int
}

func (f *fakeSource) PageCount() int { return f.pages }

func (f *fakeSource) Text(_ context.Context, page int) (string, error) {
	f.textHit++
	return f.texts[page], nil
}

func (f *fakeSource) ReadRegion(_ context.Context, page int, r model.Region) (string, error) {
	key := regionRead{Page: page, X: r.X, Y: r.Y}
	f.reads = append(f.reads, key)
	if err := f.failAt[key]; err != nil {
		return "", err
	}
	return f.regions[key], nil
}

func region(page int, x, y float64) *model.Region {
	return &model.Region{Page: page, X: x, Y: y, Width: 0.1, Height: 0.05}
}

func invoiceTemplate() *model.Template {
	return &model.Template{
		Code:         "ACME",
		DocumentType: model.DocInvoice,
		FileFormat:   model.FormatPDF,
		Enabled:      true,
		Fields: []model.FieldDef{
			{Name: "total", Region: region(1, 0.7, 0.9)},
			{Name: "Invoice No", Region: region(1, 0.6, 0.1)},
			{Name: "documentType", Region: region(1, 0.1, 0.05)},
			{Name: "Customer Account No", Region: region(1, 0.1, 0.2)},
			{Name: "invoice_date", Region: region(1, 0.6, 0.2)},
			{Name: "vat", Region: region(1, 0.7, 0.85)},
			{Name: "depot", Label: "Depot Code", Region: region(1, 0.3, 0.3), Custom: true},
		},
	}
}

func TestExtract_SinglePage(t *testing.T) {
	src := &fakeSource{
		pages: 1,
		regions: map[regionRead]string{
			{1, 0.1, 0.05}: "TAX INVOICE\n",
			{1, 0.1, 0.2}:  " 00123 ",
			{1, 0.6, 0.2}:  "03/04/24",
			{1, 0.6, 0.1}:  "INV-9",
			{1, 0.7, 0.9}:  "£1,234.56",
			{1, 0.7, 0.85}: "(12.00)",
			{1, 0.3, 0.3}:  "NORTH",
		},
	}

	res, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(context.Background(), src, invoiceTemplate())
	require.NoError(t, err)

	assert.False(t, res.EarlyExit)
	assert.False(t, res.MultiPage)
	assert.Equal(t, "00123", res.Value(model.FieldAccountNumber))
	assert.Equal(t, "TAX INVOICE", res.Value(model.FieldDocumentType))
	assert.Equal(t, "INV-9", res.Value(model.FieldInvoiceNumber))
	assert.Equal(t, "1234.56", res.Value(model.FieldTotalAmount))
	assert.Equal(t, "-12.00", res.Value(model.FieldTaxAmount))
	assert.Equal(t, "NORTH", res.Custom["depot"])
	assert.Equal(t, "Depot Code", res.Labels["depot"])
	assert.Equal(t, "Total Amount", res.Labels[model.FieldTotalAmount])

	// Crucial fields are read before everything else.
	require.Len(t, src.reads, 7)
	crucialFirst := map[regionRead]bool{{1, 0.1, 0.05}: true, {1, 0.1, 0.2}: true, {1, 0.6, 0.2}: true}
	for _, r := range src.reads[:3] {
		assert.True(t, crucialFirst[r], "unexpected early read %+v", r)
	}
}

func TestExtract_EarlyExitOnBlankAccount(t *testing.T) {
	src := &fakeSource{
		pages: 1,
		regions: map[regionRead]string{
			{1, 0.1, 0.05}: "INVOICE",
			{1, 0.1, 0.2}:  "   ",
			{1, 0.6, 0.2}:  "03/04/24",
			{1, 0.7, 0.9}:  "10.00",
		},
	}

	res, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(context.Background(), src, invoiceTemplate())
	require.NoError(t, err)

	assert.True(t, res.EarlyExit)
	assert.Equal(t, []string{model.FieldAccountNumber}, res.Missing)
	assert.Len(t, src.reads, 3, "phase 2 must not run")
	assert.Empty(t, res.Value(model.FieldTotalAmount))
	assert.Equal(t, "true", res.Snapshot()["_earlyExit"])
	// Labels still cover every template field.
	assert.Len(t, res.Labels, 7)
}

func TestExtract_MultiPageMonetaryFromLastPage(t *testing.T) {
	src := &fakeSource{
		pages: 3,
		regions: map[regionRead]string{
			{1, 0.1, 0.05}: "INVOICE",
			{1, 0.1, 0.2}:  "42",
			{1, 0.6, 0.2}:  "1 Mar 2024",
			{1, 0.6, 0.1}:  "INV-1",
			{1, 0.7, 0.9}:  "999.99",
			{3, 0.7, 0.9}:  "3,000.00",
			{3, 0.7, 0.85}: "500.00",
		},
	}

	res, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(context.Background(), src, invoiceTemplate())
	require.NoError(t, err)

	assert.True(t, res.MultiPage)
	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, "3000.00", res.Value(model.FieldTotalAmount))
	assert.Equal(t, "500.00", res.Value(model.FieldTaxAmount))
	assert.NotContains(t, src.reads, regionRead{1, 0.7, 0.9})
	// Non-monetary fields keep their template page.
	assert.Contains(t, src.reads, regionRead{1, 0.6, 0.1})
}

func TestExtract_FieldErrorContinues(t *testing.T) {
	src := &fakeSource{
		pages: 1,
		regions: map[regionRead]string{
			{1, 0.1, 0.05}: "INVOICE",
			{1, 0.1, 0.2}:  "42",
			{1, 0.6, 0.2}:  "01/02/2024",
			{1, 0.7, 0.9}:  "10.00",
		},
		failAt: map[regionRead]error{{1, 0.6, 0.1}: errors.New("pdftotext exploded")},
	}

	res, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(context.Background(), src, invoiceTemplate())
	require.NoError(t, err)
	assert.Contains(t, res.FieldErrors["acme_Invoice No"], "exploded")
	assert.Equal(t, "10.00", res.Value(model.FieldTotalAmount))
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(ctx, &fakeSource{pages: 1}, invoiceTemplate())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtract_DocumentTypeDefaultsToTemplate(t *testing.T) {
	tpl := &model.Template{
		Code:         "STMT",
		DocumentType: model.DocStatement,
		FileFormat:   model.FormatPDF,
		Fields: []model.FieldDef{
			{Name: "accountNumber", Region: region(1, 0.1, 0.1)},
			{Name: "date", Region: region(1, 0.2, 0.1)},
		},
	}
	src := &fakeSource{pages: 1, regions: map[regionRead]string{
		{1, 0.1, 0.1}: "77",
		{1, 0.2, 0.1}: "2024-01-31",
	}}

	res, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(context.Background(), src, tpl)
	require.NoError(t, err)
	assert.False(t, res.EarlyExit)
	assert.Equal(t, "statement", res.Value(model.FieldDocumentType))
}

func TestExtract_AnchoredFields(t *testing.T) {
	tpl := &model.Template{
		Code:         "GENERIC",
		DocumentType: model.DocInvoice,
		FileFormat:   model.FormatPDF,
		Fields: []model.FieldDef{
			{Name: "documentType", Anchor: `(?i)\b(invoice)\b`},
			{Name: "accountNumber", Anchor: `(?i)account\s*no\s*:\s*(\d+)`},
			{Name: "invoiceDate", Anchor: `(?i)date\s*:\s*(\S+)`},
			{Name: "totalAmount", Anchor: `(?i)total\s*:\s*(\S+)`},
		},
	}
	src := &fakeSource{pages: 2, texts: map[int]string{
		1: "INVOICE\nAccount No: 5512\nDate: 05/06/24\n",
		2: "Total: £88.10\n",
	}}

	res, err := New(model.NewFieldRegistry(model.DefaultFields())).Extract(context.Background(), src, tpl)
	require.NoError(t, err)
	assert.Equal(t, "5512", res.Value(model.FieldAccountNumber))
	assert.Equal(t, "05/06/24", res.Value(model.FieldInvoiceDate))
	assert.Equal(t, "88.10", res.Value(model.FieldTotalAmount))
	assert.Equal(t, 2, src.textHit, "page text is fetched once per page")
}

func TestApplyTransforms(t *testing.T) {
	tests := []struct {
		in         string
		transforms []string
		want       string
	}{
		{"  abc ", []string{"trim", "upper"}, "ABC"},
		{"AC-00 12", []string{"digits"}, "0012"},
		{"a   b\n c", []string{"collapse"}, "a b c"},
		{"\nfirst\nsecond\n", []string{"first_line"}, "first"},
		{"first\nsecond\n\n", []string{"last_line"}, "second"},
		{"Invoice No: 123", []string{"strip_prefix:invoice no:", "trim"}, "123"},
		{"Ref ABC-77 end", []string{`regex:([A-Z]+-\d+)`}, "ABC-77"},
		{"Ref 1", []string{`regex:\d`}, "1"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.transforms), func(t *testing.T) {
			got, err := ApplyTransforms(tt.in, tt.transforms)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ApplyTransforms("x", []string{"explode"})
	assert.ErrorContains(t, err, "unknown transform")
	_, err = ApplyTransforms("x", []string{"regex:("})
	assert.Error(t, err)
}

func TestFormatOf(t *testing.T) {
	f, err := FormatOf("scan.PDF")
	require.NoError(t, err)
	assert.Equal(t, model.FormatPDF, f)

	f, err = FormatOf("ledger.xlsx")
	require.NoError(t, err)
	assert.Equal(t, model.FormatExcel, f)

	_, err = FormatOf("photo.jpg")
	assert.ErrorIs(t, err, ErrUnsupported)
}
