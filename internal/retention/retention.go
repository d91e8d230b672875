// Package retention computes how long accepted documents must be kept.
package retention

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Basis selects the date the retention period is counted from.
type Basis string

const (
	BasisIssueDate Basis = "issue_date"
	BasisCreatedAt Basis = "created_at"
	BasisYearEnd   Basis = "year_end"
)

// Policy is the retention rule applied to every document.
type Policy struct {
	Years int
	Basis Basis
}

// DefaultPolicy keeps documents seven years from their issue date.
var DefaultPolicy = Policy{Years: 7, Basis: BasisIssueDate}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Years <= 0 {
		return eris.Errorf("retention: years must be positive, got %d", p.Years)
	}
	switch p.Basis {
	case BasisIssueDate, BasisCreatedAt, BasisYearEnd:
		return nil
	}
	return eris.Errorf("retention: unknown basis %q", p.Basis)
}

// Period is a computed retention window.
type Period struct {
	Start  time.Time
	Expiry time.Time
}

// Compute returns the retention window for a document. Only parsed files
// carry a trustworthy issue date; every other status counts from createdAt.
// A zero issue date also falls back to createdAt.
func Compute(issueDate, createdAt time.Time, status model.FileStatus, p Policy) Period {
	if p.Years <= 0 {
		p.Years = DefaultPolicy.Years
	}

	start := createdAt
	if status == model.StatusParsed && !issueDate.IsZero() {
		switch p.Basis {
		case BasisIssueDate, "":
			start = issueDate
		case BasisYearEnd:
			start = time.Date(issueDate.Year(), time.December, 31, 0, 0, 0, 0, issueDate.Location())
		}
	}
	start = truncateDay(start)
	return Period{Start: start, Expiry: start.AddDate(p.Years, 0, 0)}
}

// Apply fills the retention dates of doc.
func Apply(doc *model.BusinessDocument, createdAt time.Time, status model.FileStatus, p Policy) {
	period := Compute(doc.IssueDate, createdAt, status, p)
	doc.RetentionStart = period.Start
	doc.RetentionExpiry = period.Expiry
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
