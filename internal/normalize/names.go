// Package normalize turns raw extracted strings into canonical field names,
// amounts, dates and account numbers.
package normalize

import (
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Strategy resolves a raw field name to a canonical name. It returns
// ("", false) when it cannot decide.
type Strategy interface {
	Name() string
	Resolve(raw string) (string, bool)
}

// DirectMatch accepts names that already are canonical.
type DirectMatch struct {
	Registry *model.FieldRegistry
}

func (DirectMatch) Name() string { return "direct" }

func (s DirectMatch) Resolve(raw string) (string, bool) {
	f, ok := s.Registry.ByName(strings.TrimSpace(raw))
	if !ok {
		return "", false
	}
	return f.Name, true
}

// AliasMatch looks raw up in the alias table.
type AliasMatch struct {
	Registry *model.FieldRegistry
}

func (AliasMatch) Name() string { return "alias" }

func (s AliasMatch) Resolve(raw string) (string, bool) {
	f, ok := s.Registry.ByAlias(raw)
	if !ok {
		return "", false
	}
	return f.Name, true
}

// PrefixStrip drops the template prefix of namespaced ids such as
// "acme_inv_total_amount" by trying the trailing MaxTokens, then fewer,
// underscore-delimited tokens against the inner strategies.
type PrefixStrip struct {
	MaxTokens int
	Inner     []Strategy
}

func (PrefixStrip) Name() string { return "prefix_strip" }

func (s PrefixStrip) Resolve(raw string) (string, bool) {
	tokens := strings.Split(strings.Trim(raw, "_"), "_")
	if len(tokens) < 2 {
		return "", false
	}
	max := s.MaxTokens
	if max <= 0 {
		max = 3
	}
	for n := max; n >= 1; n-- {
		if n >= len(tokens) {
			continue
		}
		candidate := strings.Join(tokens[len(tokens)-n:], "_")
		for _, inner := range s.Inner {
			if name, ok := inner.Resolve(candidate); ok {
				return name, true
			}
		}
	}
	return "", false
}

// Resolver runs an ordered chain of strategies; the first hit wins.
type Resolver struct {
	chain []Strategy
}

// NewResolver builds the standard chain: direct, alias, then prefix
// stripping over the last 3, 2 and 1 tokens.
func NewResolver(reg *model.FieldRegistry) *Resolver {
	direct := DirectMatch{Registry: reg}
	alias := AliasMatch{Registry: reg}
	return NewResolverChain(direct, alias, PrefixStrip{MaxTokens: 3, Inner: []Strategy{direct, alias}})
}

// NewResolverChain builds a resolver from explicit strategies.
func NewResolverChain(chain ...Strategy) *Resolver {
	return &Resolver{chain: chain}
}

// Resolve returns the canonical name for raw, or "" when no strategy
// matches.
func (r *Resolver) Resolve(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	for _, s := range r.chain {
		if name, ok := s.Resolve(raw); ok {
			zap.L().Debug("normalize: field name resolved",
				zap.String("raw", raw),
				zap.String("canonical", name),
				zap.String("strategy", s.Name()),
			)
			return name
		}
	}
	return ""
}
