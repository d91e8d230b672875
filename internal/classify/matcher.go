// Package classify resolves the owning company of an extracted document,
// audits its fields and computes the final status.
package classify

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/normalize"
)

// CompanyLookup is the company side of the store.
type CompanyLookup interface {
	FindCompanyByReference(ctx context.Context, ref int64) (*model.Company, error)
	FindCompanyByCode(ctx context.Context, code string) (*model.Company, error)
	FindCompanyByCodeNumber(ctx context.Context, n int64) (*model.Company, error)
	FindCompanyByReferenceText(ctx context.Context, ref string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)
}

// Match is a successful company lookup.
type Match struct {
	Company  model.Company
	Strategy string
	Account  string
}

type step struct {
	name string
	find func(ctx context.Context, account string, n int64, isInt bool) (*model.Company, error)
}

// Matcher runs the company matching cascade on a normalized account number.
type Matcher struct {
	lookup CompanyLookup
	steps  []step
}

// NewMatcher creates a Matcher over lookup.
func NewMatcher(lookup CompanyLookup) *Matcher {
	m := &Matcher{lookup: lookup}
	m.steps = []step{
		{"reference_number", func(ctx context.Context, _ string, n int64, isInt bool) (*model.Company, error) {
			if !isInt {
				return nil, nil
			}
			return lookup.FindCompanyByReference(ctx, n)
		}},
		{"code", func(ctx context.Context, account string, _ int64, _ bool) (*model.Company, error) {
			return lookup.FindCompanyByCode(ctx, account)
		}},
		{"code_numeric", func(ctx context.Context, _ string, n int64, isInt bool) (*model.Company, error) {
			if !isInt {
				return nil, nil
			}
			return lookup.FindCompanyByCodeNumber(ctx, n)
		}},
		{"reference_text", func(ctx context.Context, account string, _ int64, _ bool) (*model.Company, error) {
			return lookup.FindCompanyByReferenceText(ctx, account)
		}},
	}
	return m
}

// Match returns the first company found for rawAccount, or nil. A miss
// logs the nearest known companies and has no other effect.
func (m *Matcher) Match(ctx context.Context, rawAccount string) (*Match, error) {
	account := normalize.NormalizeAccount(rawAccount)
	if account == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(account, 10, 64)
	isInt := err == nil

	for _, s := range m.steps {
		c, err := s.find(ctx, account, n, isInt)
		if err != nil {
			return nil, eris.Wrapf(err, "classify: match company by %s", s.name)
		}
		if c != nil {
			zap.L().Debug("classify: company matched",
				zap.String("account", account),
				zap.String("strategy", s.name),
				zap.String("company", c.Code),
			)
			return &Match{Company: *c, Strategy: s.name, Account: account}, nil
		}
	}

	m.logNearest(ctx, account)
	return nil, nil
}

// Suggestion is a near miss reported when no company matched.
type Suggestion struct {
	Code     string
	Distance int
}

func (m *Matcher) logNearest(ctx context.Context, account string) {
	companies, err := m.lookup.ListCompanies(ctx)
	if err != nil {
		zap.L().Debug("classify: nearest match lookup failed", zap.Error(err))
		return
	}
	near := Nearest(account, companies, 3)
	fields := []zap.Field{zap.String("account", account)}
	for i, s := range near {
		fields = append(fields, zap.String("candidate_"+strconv.Itoa(i+1), s.Code+" ("+strconv.Itoa(s.Distance)+")"))
	}
	zap.L().Info("classify: no company matched account", fields...)
}

// Nearest ranks companies by edit distance between account and either the
// company code or reference number, keeping the best limit entries.
func Nearest(account string, companies []model.Company, limit int) []Suggestion {
	var out []Suggestion
	for _, c := range companies {
		best := levenshtein.Distance(account, strings.TrimSpace(c.Code), nil)
		if ref := c.ReferenceText(); ref != "" {
			if d := levenshtein.Distance(account, ref, nil); d < best {
				best = d
			}
		}
		out = append(out, Suggestion{Code: c.Code, Distance: best})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
