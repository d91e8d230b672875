package classify

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/normalize"
)

// NumberLookup checks business numbers against live documents.
type NumberLookup interface {
	BusinessNumberExists(ctx context.Context, docType model.DocumentType, number string) (bool, error)
}

// Input is one extracted document to classify.
type Input struct {
	DocumentType     model.DocumentType
	Values           map[string]string
	ContentDuplicate bool
}

// Result is the outcome of Classify.
type Result struct {
	Decision

	Company         *model.Company
	MatchStrategy   string
	Account         string
	Number          string
	NumberDuplicate bool
	Missing         []MissingField

	IssueDate  time.Time
	DateParsed bool
	DueDate    *time.Time
	Net        decimal.Decimal
	Tax        decimal.Decimal
	Total      decimal.Decimal
}

// MissingNames returns the names of the missing fields in audit order.
func (r *Result) MissingNames() []string {
	out := make([]string, 0, len(r.Missing))
	for _, m := range r.Missing {
		out = append(out, m.Field)
	}
	return out
}

// Metadata returns the detail kept on the content record alongside the
// coarse failure reason.
func (r *Result) Metadata() map[string]any {
	md := map[string]any{
		"rule":   r.Rule,
		"review": r.Review,
	}
	if len(r.Missing) > 0 {
		md["missing"] = r.MissingNames()
	}
	if r.Company != nil {
		md["company_code"] = r.Company.Code
		md["match_strategy"] = r.MatchStrategy
	}
	if r.NumberDuplicate {
		md["duplicate_number"] = r.Number
	}
	if !r.DateParsed {
		md["date_fallback"] = true
	}
	return md
}

// Document builds the business document for a result whose decision
// creates one. Retention dates are filled in by the caller.
func (r *Result) Document(dt model.DocumentType, fileRef string) *model.BusinessDocument {
	if !r.CreateDocument || r.Company == nil {
		return nil
	}
	return &model.BusinessDocument{
		Type:          dt,
		Number:        r.Number,
		CompanyID:     r.Company.ID,
		FileRef:       fileRef,
		AccountNumber: r.Account,
		IssueDate:     r.IssueDate,
		DueDate:       r.DueDate,
		NetAmount:     r.Net,
		TaxAmount:     r.Tax,
		TotalAmount:   r.Total,
		Review:        r.Review,
	}
}

// Classifier combines company matching, the field audit and the business
// number check into a Decision.
type Classifier struct {
	matcher *Matcher
	numbers NumberLookup
	now     func() time.Time
}

// New creates a Classifier.
func New(matcher *Matcher, numbers NumberLookup) *Classifier {
	return &Classifier{matcher: matcher, numbers: numbers, now: time.Now}
}

// Classify evaluates in. Lookup failures are returned; soft failures such
// as a missing company end up in the decision.
func (c *Classifier) Classify(ctx context.Context, in Input) (*Result, error) {
	if in.ContentDuplicate {
		return &Result{Decision: Decide(Facts{ContentDuplicate: true}), DateParsed: true}, nil
	}

	v := in.Values
	res := &Result{
		Account: normalize.NormalizeAccount(v[model.FieldAccountNumber]),
		Number:  strings.TrimSpace(v[model.BusinessNumberField(in.DocumentType)]),
	}
	res.IssueDate, res.DateParsed = normalize.DateOrNow(v[model.FieldInvoiceDate], c.now)
	if due, ok := normalize.ParseDate(v[model.FieldDueDate]); ok {
		res.DueDate = &due
	}
	res.Net = amountOrZero(v[model.FieldNetAmount])
	res.Tax = amountOrZero(v[model.FieldTaxAmount])
	res.Total = amountOrZero(v[model.FieldTotalAmount])

	match, err := c.matcher.Match(ctx, res.Account)
	if err != nil {
		return nil, err
	}
	if match != nil {
		res.Company = &match.Company
		res.MatchStrategy = match.Strategy
	}

	res.Missing = Audit(in.DocumentType, v, res.DateParsed)

	if res.Number != "" && in.DocumentType != model.DocStatement {
		exists, err := c.numbers.BusinessNumberExists(ctx, in.DocumentType, res.Number)
		if err != nil {
			return nil, eris.Wrap(err, "classify: business number check")
		}
		res.NumberDuplicate = exists
	}

	res.Decision = Decide(Facts{
		NumberDuplicate: res.NumberDuplicate,
		CompanyMatched:  res.Company != nil,
		Missing:         res.Missing,
	})

	zap.L().Debug("classify: decided",
		zap.String("rule", res.Rule),
		zap.String("status", string(res.Status)),
		zap.String("reason", string(res.Reason)),
		zap.Strings("missing", res.MissingNames()),
	)
	return res, nil
}

func amountOrZero(raw string) decimal.Decimal {
	d, err := normalize.ParseAmount(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
