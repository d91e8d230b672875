package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldRegistry_Lookups(t *testing.T) {
	r := NewFieldRegistry(DefaultFields())

	f, ok := r.ByName("TOTALAMOUNT")
	require.True(t, ok)
	assert.Equal(t, FieldTotalAmount, f.Name)

	f, ok = r.ByAlias("VAT Amount")
	require.True(t, ok)
	assert.Equal(t, FieldTaxAmount, f.Name)

	f, ok = r.ByAlias("po-number")
	require.True(t, ok)
	assert.Equal(t, FieldPurchaseOrder, f.Name)

	_, ok = r.ByAlias("unknown_thing")
	assert.False(t, ok)
}

func TestFieldRegistry_Categories(t *testing.T) {
	r := NewFieldRegistry(DefaultFields())

	assert.Equal(t, CategoryPage, r.Category(FieldPageNumber))
	assert.Equal(t, CategoryCrucial, r.Category(FieldAccountNumber))
	assert.Equal(t, CategoryIdentifier, r.Category(FieldInvoiceNumber))
	assert.Equal(t, CategoryMonetary, r.Category(FieldTotalAmount))
	assert.Equal(t, CategoryText, r.Category(FieldDueDate))
	assert.Equal(t, CategoryCustom, r.Category("siteCode"))

	assert.Equal(t, []string{FieldDocumentType, FieldAccountNumber, FieldInvoiceDate}, r.Crucial())
	assert.Equal(t, "Total Amount", r.Label(FieldTotalAmount))
	assert.Equal(t, "siteCode", r.Label("siteCode"))
}

func TestFieldRegistry_IsImmutable(t *testing.T) {
	src := DefaultFields()
	r := NewFieldRegistry(src)
	src[0].Name = "mutated"

	_, ok := r.ByName(FieldPageNumber)
	assert.True(t, ok)

	fields := r.Fields()
	fields[1].Name = "mutated"
	_, ok = r.ByName(FieldDocumentType)
	assert.True(t, ok)
}

func TestBusinessNumberField(t *testing.T) {
	assert.Equal(t, FieldInvoiceNumber, BusinessNumberField(DocInvoice))
	assert.Equal(t, FieldCreditNoteNumber, BusinessNumberField(DocCreditNote))
	assert.Equal(t, FieldStatementNumber, BusinessNumberField(DocStatement))
}

func TestTemplate_Validate(t *testing.T) {
	tpl := &Template{
		Code:         "ACME",
		DocumentType: DocInvoice,
		FileFormat:   FormatPDF,
		Fields: []FieldDef{
			{Name: "accountNumber", Region: &Region{Page: 1, X: 0.1, Y: 0.1, Width: 0.2, Height: 0.05}},
		},
	}
	require.NoError(t, tpl.Validate())
	assert.Equal(t, "acme_accountNumber", tpl.FieldID(tpl.Fields[0]))

	tpl.Fields = append(tpl.Fields, FieldDef{Name: "accountNumber", Region: &Region{Page: 1, X: 0, Y: 0, Width: 0.1, Height: 0.1}})
	assert.ErrorContains(t, tpl.Validate(), "duplicate field")

	tpl.Fields = []FieldDef{{Name: "total", Region: &Region{Page: 1, X: 0.9, Y: 0.9, Width: 0.5, Height: 0.1}}}
	assert.ErrorContains(t, tpl.Validate(), "outside page")

	xl := &Template{Code: "X", DocumentType: DocStatement, FileFormat: FormatExcel,
		Fields: []FieldDef{{Name: "total"}}}
	assert.ErrorContains(t, xl.Validate(), "needs a cell")

	bad := &Template{Code: "B", DocumentType: "receipt", FileFormat: FormatPDF}
	assert.ErrorContains(t, bad.Validate(), "unknown document type")
}

func TestDocumentType_FolderName(t *testing.T) {
	assert.Equal(t, "invoice", DocInvoice.FolderName())
	assert.Equal(t, "creditnote", DocCreditNote.FolderName())
	assert.Equal(t, "statement", DocStatement.FolderName())
}
