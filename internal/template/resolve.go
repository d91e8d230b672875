// Package template picks the extraction template for an incoming file.
package template

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/normalize"
)

var (
	// ErrNoTemplate means no template applies. Terminal for the file.
	ErrNoTemplate = eris.New("template: no matching template")
	// ErrTypeMismatch means the only candidate is for another document
	// type. The pipeline never substitutes it.
	ErrTypeMismatch = eris.New("template: document type mismatch")
)

// Source is the read-only template store.
type Source interface {
	// GetDefaultTemplate returns the default template for the pair, or nil.
	GetDefaultTemplate(ctx context.Context, format model.FileFormat, docType model.DocumentType) (*model.Template, error)
	// ListTemplates returns enabled non-default templates for the pair.
	ListTemplates(ctx context.Context, format model.FileFormat, docType model.DocumentType) ([]model.Template, error)
}

// Resolver chooses templates.
type Resolver struct {
	src Source
}

// NewResolver creates a Resolver over src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve returns the template for a file of the given format and sniffed
// type. Order: the default for the pair, then any enabled non-default of
// the same type, then (PDF only) the built-in keyword-anchored template.
func (r *Resolver) Resolve(ctx context.Context, format model.FileFormat, docType model.DocumentType) (*model.Template, error) {
	log := zap.L().With(zap.String("format", string(format)), zap.String("document_type", string(docType)))

	def, err := r.src.GetDefaultTemplate(ctx, format, docType)
	if err != nil {
		return nil, eris.Wrap(err, "template: load default")
	}
	if def != nil {
		if def.DocumentType != docType || def.FileFormat != format {
			log.Warn("template: default template has wrong type",
				zap.String("template", def.Code),
				zap.String("template_type", string(def.DocumentType)),
			)
			return nil, eris.Wrapf(ErrTypeMismatch, "default template %s is %s, want %s", def.Code, def.DocumentType, docType)
		}
		if def.Enabled {
			log.Debug("template: using default", zap.String("template", def.Code))
			return def, nil
		}
	}

	candidates, err := r.src.ListTemplates(ctx, format, docType)
	if err != nil {
		return nil, eris.Wrap(err, "template: list templates")
	}
	for i := range candidates {
		c := &candidates[i]
		if !c.Enabled || c.DocumentType != docType || c.FileFormat != format {
			continue
		}
		log.Debug("template: using non-default", zap.String("template", c.Code))
		return c, nil
	}

	if format == model.FormatPDF {
		log.Info("template: falling back to generic keyword template")
		return Generic(docType), nil
	}
	return nil, eris.Wrapf(ErrNoTemplate, "%s %s", format, docType)
}

// CheckExtractedType compares the extracted documentType value with the
// template's type. An unrecognized or blank value keeps the template type;
// a recognized different type is ErrTypeMismatch.
func CheckExtractedType(tpl *model.Template, extracted string) (model.DocumentType, error) {
	got, ok := normalize.DocumentType(extracted)
	if !ok {
		return tpl.DocumentType, nil
	}
	if got != tpl.DocumentType {
		return got, eris.Wrapf(ErrTypeMismatch, "template %s is %s but document reads %q", tpl.Code, tpl.DocumentType, extracted)
	}
	return got, nil
}
