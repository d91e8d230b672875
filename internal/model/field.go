package model

import "strings"

// Canonical field names produced by extraction.
const (
	FieldPageNumber       = "pageNumber"
	FieldDocumentType     = "documentType"
	FieldAccountNumber    = "accountNumber"
	FieldInvoiceDate      = "invoiceDate"
	FieldInvoiceNumber    = "invoiceNumber"
	FieldCreditNoteNumber = "creditNoteNumber"
	FieldStatementNumber  = "statementNumber"
	FieldPurchaseOrder    = "purchaseOrder"
	FieldNetAmount        = "netAmount"
	FieldTaxAmount        = "taxAmount"
	FieldTotalAmount      = "totalAmount"
	FieldDueDate          = "dueDate"
	FieldCustomerName     = "customerName"
	FieldCurrency         = "currency"
	FieldDescription      = "description"
)

// FieldCategory orders fields for extraction. Lower values are read first.
type FieldCategory int

const (
	CategoryPage FieldCategory = iota
	CategoryCrucial
	CategoryIdentifier
	CategoryMonetary
	CategoryText
	CategoryCustom
)

func (c FieldCategory) String() string {
	switch c {
	case CategoryPage:
		return "page"
	case CategoryCrucial:
		return "crucial"
	case CategoryIdentifier:
		return "identifier"
	case CategoryMonetary:
		return "monetary"
	case CategoryText:
		return "text"
	default:
		return "custom"
	}
}

// CanonicalField describes one field the pipeline understands.
type CanonicalField struct {
	Name     string
	Label    string
	Category FieldCategory
	Aliases  []string
}

// FieldRegistry is an immutable, indexed set of canonical fields and their
// aliases. Build it once and share it; it is safe for concurrent reads.
type FieldRegistry struct {
	fields  []CanonicalField
	byName  map[string]*CanonicalField
	byAlias map[string]*CanonicalField
	crucial []string
}

// NewFieldRegistry indexes fields by lower-cased name and alias.
func NewFieldRegistry(fields []CanonicalField) *FieldRegistry {
	r := &FieldRegistry{
		fields:  make([]CanonicalField, len(fields)),
		byName:  make(map[string]*CanonicalField, len(fields)),
		byAlias: make(map[string]*CanonicalField, len(fields)*4),
	}
	copy(r.fields, fields)
	for i := range r.fields {
		f := &r.fields[i]
		r.byName[strings.ToLower(f.Name)] = f
		for _, a := range f.Aliases {
			r.byAlias[aliasKey(a)] = f
		}
		if f.Category == CategoryCrucial {
			r.crucial = append(r.crucial, f.Name)
		}
	}
	return r
}

// ByName returns the canonical field with the given name (case-insensitive).
func (r *FieldRegistry) ByName(name string) (CanonicalField, bool) {
	f, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return CanonicalField{}, false
	}
	return *f, true
}

// ByAlias returns the canonical field registered for alias. Aliases match
// case-insensitively with spaces, dashes and underscores treated alike.
func (r *FieldRegistry) ByAlias(alias string) (CanonicalField, bool) {
	f, ok := r.byAlias[aliasKey(alias)]
	if !ok {
		return CanonicalField{}, false
	}
	return *f, true
}

// Category returns the extraction category of a canonical field name.
// Unknown names are custom.
func (r *FieldRegistry) Category(name string) FieldCategory {
	if f, ok := r.byName[strings.ToLower(name)]; ok {
		return f.Category
	}
	return CategoryCustom
}

// Label returns the display label of a canonical field, or name itself.
func (r *FieldRegistry) Label(name string) string {
	if f, ok := r.byName[strings.ToLower(name)]; ok && f.Label != "" {
		return f.Label
	}
	return name
}

// Crucial returns the names of crucial fields in registry order.
func (r *FieldRegistry) Crucial() []string {
	out := make([]string, len(r.crucial))
	copy(out, r.crucial)
	return out
}

// Fields returns a copy of the registered fields.
func (r *FieldRegistry) Fields() []CanonicalField {
	out := make([]CanonicalField, len(r.fields))
	copy(out, r.fields)
	return out
}

func aliasKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
}

// BusinessNumberField returns the canonical field carrying the business
// document number for t.
func BusinessNumberField(t DocumentType) string {
	switch t {
	case DocCreditNote:
		return FieldCreditNoteNumber
	case DocStatement:
		return FieldStatementNumber
	default:
		return FieldInvoiceNumber
	}
}

// DefaultFields is the built-in field table for finance documents.
func DefaultFields() []CanonicalField {
	return []CanonicalField{
		{Name: FieldPageNumber, Label: "Page Number", Category: CategoryPage,
			Aliases: []string{"page", "page_no", "page_number", "page_num"}},
		{Name: FieldDocumentType, Label: "Document Type", Category: CategoryCrucial,
			Aliases: []string{"doc_type", "document_type", "doctype", "type", "document_title", "title"}},
		{Name: FieldAccountNumber, Label: "Account Number", Category: CategoryCrucial,
			Aliases: []string{"account", "account_no", "account_number", "acct", "acct_no", "account_ref",
				"customer_account", "customer_no", "customer_number", "account_code"}},
		{Name: FieldInvoiceDate, Label: "Invoice Date", Category: CategoryCrucial,
			Aliases: []string{"date", "invoice_date", "inv_date", "doc_date", "document_date", "issue_date",
				"tax_point", "tax_date", "statement_date", "credit_note_date", "cn_date"}},
		{Name: FieldInvoiceNumber, Label: "Invoice Number", Category: CategoryIdentifier,
			Aliases: []string{"invoice_no", "invoice_number", "invoice_num", "inv_no", "inv_number", "invoice_ref"}},
		{Name: FieldCreditNoteNumber, Label: "Credit Note Number", Category: CategoryIdentifier,
			Aliases: []string{"credit_note_no", "credit_note_number", "cn_no", "cn_number", "credit_number", "credit_ref"}},
		{Name: FieldStatementNumber, Label: "Statement Number", Category: CategoryIdentifier,
			Aliases: []string{"statement_no", "statement_number", "statement_ref", "statement_id"}},
		{Name: FieldPurchaseOrder, Label: "Purchase Order", Category: CategoryIdentifier,
			Aliases: []string{"po", "po_no", "po_number", "purchase_order", "purchase_order_no", "order_no",
				"order_number", "customer_order", "your_ref"}},
		{Name: FieldNetAmount, Label: "Net Amount", Category: CategoryMonetary,
			Aliases: []string{"net", "net_amount", "net_total", "goods", "goods_value", "subtotal", "sub_total"}},
		{Name: FieldTaxAmount, Label: "Tax Amount", Category: CategoryMonetary,
			Aliases: []string{"vat", "vat_amount", "vat_total", "tax", "tax_amount", "gst", "gst_amount"}},
		{Name: FieldTotalAmount, Label: "Total Amount", Category: CategoryMonetary,
			Aliases: []string{"total", "total_amount", "gross", "gross_amount", "invoice_total", "amount_due",
				"balance", "balance_due", "closing_balance", "total_due"}},
		{Name: FieldDueDate, Label: "Due Date", Category: CategoryText,
			Aliases: []string{"due_date", "payment_due", "due"}},
		{Name: FieldCustomerName, Label: "Customer Name", Category: CategoryText,
			Aliases: []string{"customer", "customer_name", "bill_to", "sold_to", "invoice_to"}},
		{Name: FieldCurrency, Label: "Currency", Category: CategoryText,
			Aliases: []string{"currency", "ccy", "currency_code"}},
		{Name: FieldDescription, Label: "Description", Category: CategoryText,
			Aliases: []string{"description", "notes", "narrative", "details"}},
	}
}
