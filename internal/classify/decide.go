package classify

import (
	"strings"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/normalize"
)

// MissingField is one failed audit check.
type MissingField struct {
	Field  string              `json:"field"`
	Reason model.FailureReason `json:"reason"`
}

// Audit checks the extracted values of a document of type dt in a fixed
// order: account number, total amount, business number, tax amount,
// purchase order, then date validity. Statements skip tax and purchase
// order. A zero amount is present; a blank one is not.
func Audit(dt model.DocumentType, values map[string]string, dateValid bool) []MissingField {
	var out []MissingField
	blank := func(name string) bool { return strings.TrimSpace(values[name]) == "" }

	if normalize.NormalizeAccount(values[model.FieldAccountNumber]) == "" {
		out = append(out, MissingField{model.FieldAccountNumber, model.ReasonParsingError})
	}
	if !normalize.IsAmountPresent(values[model.FieldTotalAmount]) {
		out = append(out, MissingField{model.FieldTotalAmount, model.ReasonParsingError})
	}
	if num := model.BusinessNumberField(dt); blank(num) {
		out = append(out, MissingField{num, model.ReasonParsingError})
	}
	if dt != model.DocStatement {
		if !normalize.IsAmountPresent(values[model.FieldTaxAmount]) {
			out = append(out, MissingField{model.FieldTaxAmount, model.ReasonValidationError})
		}
		if blank(model.FieldPurchaseOrder) {
			out = append(out, MissingField{model.FieldPurchaseOrder, model.ReasonValidationError})
		}
	}
	if !dateValid {
		out = append(out, MissingField{model.FieldInvoiceDate, model.ReasonValidationError})
	}
	return out
}

// Facts are the inputs of the decision table.
type Facts struct {
	ContentDuplicate bool
	NumberDuplicate  bool
	CompanyMatched   bool
	Missing          []MissingField
}

// Decision is the row of the decision table that applied.
type Decision struct {
	Rule           string              `json:"rule"`
	Status         model.FileStatus    `json:"status"`
	Reason         model.FailureReason `json:"reason,omitempty"`
	Review         bool                `json:"review"`
	CreateDocument bool                `json:"create_document"`
}

// Decision table rules.
const (
	RuleContentDuplicate = "content_duplicate"
	RuleNumberDuplicate  = "business_number_duplicate"
	RuleNoCompany        = "no_company"
	RuleReview           = "review"
	RuleReady            = "ready"
)

// Decide evaluates the decision table top-down; the first match wins.
func Decide(f Facts) Decision {
	switch {
	case f.ContentDuplicate:
		return Decision{Rule: RuleContentDuplicate, Status: model.StatusUnallocated, Reason: model.ReasonDuplicate}
	case f.NumberDuplicate:
		return Decision{Rule: RuleNumberDuplicate, Status: model.StatusUnallocated, Reason: model.ReasonDuplicate}
	case !f.CompanyMatched:
		return Decision{Rule: RuleNoCompany, Status: model.StatusUnallocated, Reason: model.ReasonUnallocated}
	case len(f.Missing) > 0:
		return Decision{Rule: RuleReview, Status: model.StatusParsed, Reason: f.Missing[0].Reason,
			Review: true, CreateDocument: true}
	default:
		return Decision{Rule: RuleReady, Status: model.StatusParsed, CreateDocument: true}
	}
}

// Routed reports whether the file belongs in the processed tree.
func (d Decision) Routed() bool {
	return d.Status == model.StatusParsed
}
