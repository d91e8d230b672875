// Package sniff guesses a document's type from its text with a cheap
// keyword scan. The guess is advisory; the template's extracted
// documentType field is authoritative.
package sniff

import (
	"regexp"
	"strings"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Result is the sniffed type plus the keyword that decided it. Keyword is
// empty when the default applied.
type Result struct {
	Type    model.DocumentType
	Keyword string
}

type rule struct {
	docType  model.DocumentType
	keywords []string
}

// Rules in priority order.
var rules = []rule{
	{model.DocCreditNote, []string{"CREDIT NOTE"}},
	{model.DocStatement, []string{"ACCOUNT STATEMENT", "STATEMENT"}},
	{model.DocInvoice, []string{"TAX INVOICE", "INVOICE"}},
}

var cnToken = regexp.MustCompile(`\bCN(?:\d+|\b)`)

// Sniff scans text for document-type keywords.
func Sniff(text string) Result {
	upper := strings.ToUpper(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(upper, kw) {
				return Result{Type: r.docType, Keyword: kw}
			}
		}
	}
	if strings.Contains(upper, "CREDIT") && cnToken.MatchString(upper) {
		return Result{Type: model.DocCreditNote, Keyword: "CREDIT+CN"}
	}
	return Result{Type: model.DocInvoice}
}
