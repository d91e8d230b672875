package normalize

import (
	"strings"

	"github.com/sells-group/finance-ingest/internal/model"
)

// DocumentType maps an extracted documentType value ("TAX INVOICE",
// "Credit Note", "credit_note") to a known type.
func DocumentType(raw string) (model.DocumentType, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "CREDIT"), s == "CN":
		return model.DocCreditNote, true
	case strings.Contains(s, "STATEMENT"):
		return model.DocStatement, true
	case strings.Contains(s, "INVOICE"):
		return model.DocInvoice, true
	}
	return "", false
}
