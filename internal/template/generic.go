package template

import (
	"github.com/sells-group/finance-ingest/internal/model"
)

const money = `([£$€]?\s*-?[\d,]*\.\d{2})`

// Anchor patterns run against page text; the first capture group is the
// value.
var genericAnchors = map[string]string{
	model.FieldDocumentType:     `(?i)\b(credit\s+note|account\s+statement|statement|tax\s+invoice|invoice)\b`,
	model.FieldAccountNumber:    `(?i)\b(?:account|acct|customer)\s*(?:no\.?|number|#|ref)?\s*[:#]?\s*([A-Z0-9/-]*\d[A-Z0-9/-]*)`,
	model.FieldInvoiceDate:      `(?i)\b(?:invoice\s+date|statement\s+date|tax\s+point|date)\s*:?\s*(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}|\d{4}-\d{1,2}-\d{1,2}|\d{1,2}\s+[A-Za-z]{3,9}\s+\d{2,4})`,
	model.FieldInvoiceNumber:    `(?i)\binvoice\s*(?:no\.?|number|#)\s*[:#]?\s*([A-Z0-9/-]*\d[A-Z0-9/-]*)`,
	model.FieldCreditNoteNumber: `(?i)\bcredit\s+note\s*(?:no\.?|number|#)\s*[:#]?\s*([A-Z0-9/-]*\d[A-Z0-9/-]*)`,
	model.FieldStatementNumber:  `(?i)\bstatement\s*(?:no\.?|number|#|ref)\s*[:#]?\s*([A-Z0-9/-]*\d[A-Z0-9/-]*)`,
	model.FieldPurchaseOrder:    `(?i)\b(?:p\.?o\.?|purchase\s+order|order)\s*(?:no\.?|number|#|ref)?\s*[:#]\s*([A-Z0-9/-]+)`,
	model.FieldNetAmount:        `(?i)\b(?:net|sub\s*total)\s*(?:amount|total)?\s*:?\s*` + money,
	model.FieldTaxAmount:        `(?i)\b(?:vat|tax)\s*(?:amount|total)?\s*:?\s*` + money,
	model.FieldTotalAmount:      `(?i)\b(?:total\s+due|amount\s+due|invoice\s+total|balance\s+due|total)\s*(?:amount)?\s*:?\s*` + money,
}

// Generic returns the built-in keyword-anchored PDF template for docType.
func Generic(docType model.DocumentType) *model.Template {
	names := []string{
		model.FieldDocumentType,
		model.FieldAccountNumber,
		model.FieldInvoiceDate,
		model.BusinessNumberField(docType),
		model.FieldTotalAmount,
	}
	if docType != model.DocStatement {
		names = append(names, model.FieldPurchaseOrder, model.FieldNetAmount, model.FieldTaxAmount)
	}

	tpl := &model.Template{
		ID:           "generic-" + string(docType),
		Code:         "GENERIC",
		Name:         "Generic " + string(docType),
		DocumentType: docType,
		FileFormat:   model.FormatPDF,
		Enabled:      true,
		Generic:      true,
	}
	for _, n := range names {
		tpl.Fields = append(tpl.Fields, model.FieldDef{
			ID:         "generic_" + n,
			Name:       n,
			Anchor:     genericAnchors[n],
			Transforms: []string{"trim"},
		})
	}
	return tpl
}
