package company

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Store is the persistence surface the importer needs.
type Store interface {
	FindCompanyByCode(ctx context.Context, code string) (*model.Company, error)
	FindCompanyByReference(ctx context.Context, ref int64) (*model.Company, error)
	UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error)
}

// ImportResult summarizes a directory import.
type ImportResult struct {
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Skipped []RowError `json:"skipped,omitempty"`
}

// Importer merges a parsed directory into the store.
type Importer struct {
	store Store
}

// NewImporter creates an Importer.
func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

// Import upserts companies by code. A stored company keeps its ID; a
// company whose reference number already belongs to a different stored
// code is skipped so references stay unique.
func (im *Importer) Import(ctx context.Context, companies []model.Company) (*ImportResult, error) {
	res := &ImportResult{}
	batch := make([]model.Company, 0, len(companies))

	for _, c := range companies {
		existing, err := im.store.FindCompanyByCode(ctx, c.Code)
		if err != nil {
			return nil, eris.Wrapf(err, "company: lookup code %s", c.Code)
		}

		if c.ReferenceNumber != nil {
			holder, err := im.store.FindCompanyByReference(ctx, *c.ReferenceNumber)
			if err != nil {
				return nil, eris.Wrapf(err, "company: lookup reference %d", *c.ReferenceNumber)
			}
			if holder != nil && holder.Code != c.Code {
				zap.L().Warn("company: reference held by another code",
					zap.String("code", c.Code),
					zap.String("holder", holder.Code),
					zap.Int64("reference", *c.ReferenceNumber),
				)
				res.Skipped = append(res.Skipped, RowError{
					Reason: fmt.Sprintf("%s: reference %d belongs to %s", c.Code, *c.ReferenceNumber, holder.Code),
				})
				continue
			}
		}

		if existing != nil {
			c.ID = existing.ID
			res.Updated++
		} else {
			res.Created++
		}
		batch = append(batch, c)
	}

	if len(batch) == 0 {
		return res, nil
	}
	if _, err := im.store.UpsertCompanies(ctx, batch); err != nil {
		return nil, eris.Wrap(err, "company: upsert")
	}
	zap.L().Info("company: directory imported",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}
