package extract

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/normalize"
)

// Result is the output of one extraction run.
type Result struct {
	// Values maps canonical field names to cleaned values.
	Values map[string]string `json:"values"`
	// Labels maps every template field (canonical name, or the author's
	// name for custom fields) to its display label.
	Labels map[string]string `json:"labels"`
	// Custom holds fields with no canonical mapping, keyed by field name.
	Custom map[string]string `json:"custom,omitempty"`
	// FieldErrors records per-field read failures by field id.
	FieldErrors map[string]string `json:"field_errors,omitempty"`

	EarlyExit bool     `json:"_earlyExit,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	PageCount int      `json:"page_count"`
	MultiPage bool     `json:"multi_page"`
}

// Value returns the cleaned value of a canonical field.
func (r *Result) Value(name string) string {
	return r.Values[name]
}

// Snapshot flattens the result for storage on the content record.
func (r *Result) Snapshot() map[string]string {
	out := make(map[string]string, len(r.Values)+len(r.Custom)+1)
	for k, v := range r.Values {
		out[k] = v
	}
	for k, v := range r.Custom {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	if r.EarlyExit {
		out["_earlyExit"] = "true"
	}
	return out
}

type plannedField struct {
	def      model.FieldDef
	id       string
	key      string // canonical name, or def.Name for custom fields
	custom   bool
	category model.FieldCategory
	page     int
}

// Extractor runs the two-phase field extraction.
type Extractor struct {
	registry *model.FieldRegistry
	names    *normalize.Resolver
}

// New creates an Extractor over registry.
func New(registry *model.FieldRegistry) *Extractor {
	return &Extractor{registry: registry, names: normalize.NewResolver(registry)}
}

// Extract reads tpl's fields from src. Crucial fields are read first; if
// any of them is blank the result is marked EarlyExit and nothing else is
// read. Per-field read errors are recorded and do not abort the run.
// Context cancellation does.
func (e *Extractor) Extract(ctx context.Context, src Source, tpl *model.Template) (*Result, error) {
	pages := src.PageCount()
	res := &Result{
		Values:      make(map[string]string),
		Labels:      make(map[string]string),
		Custom:      make(map[string]string),
		FieldErrors: make(map[string]string),
		PageCount:   pages,
		MultiPage:   pages > 1,
	}
	log := zap.L().With(zap.String("template", tpl.Code), zap.Int("pages", pages))

	plan := e.buildPlan(tpl, pages)
	for _, f := range plan {
		res.Labels[f.key] = f.label(e.registry)
	}

	run := &extraction{src: src, res: res, log: log, texts: make(map[int]string)}

	var phase1, phase2 []plannedField
	for _, f := range plan {
		if f.category == model.CategoryCrucial {
			phase1 = append(phase1, f)
		} else {
			phase2 = append(phase2, f)
		}
	}

	if err := run.read(ctx, phase1); err != nil {
		return nil, err
	}
	if res.Values[model.FieldDocumentType] == "" && !hasField(phase1, model.FieldDocumentType) {
		res.Values[model.FieldDocumentType] = string(tpl.DocumentType)
	}

	for _, name := range e.registry.Crucial() {
		if strings.TrimSpace(res.Values[name]) == "" {
			res.Missing = append(res.Missing, name)
		}
	}
	if len(res.Missing) > 0 {
		res.EarlyExit = true
		log.Info("extract: crucial fields missing, skipping remaining fields",
			zap.Strings("missing", res.Missing))
		return res, nil
	}

	if err := run.read(ctx, phase2); err != nil {
		return nil, err
	}
	log.Debug("extract: done",
		zap.Int("values", len(res.Values)),
		zap.Int("custom", len(res.Custom)),
		zap.Int("field_errors", len(res.FieldErrors)),
	)
	return res, nil
}

// buildPlan resolves, categorizes and orders the fields of tpl. Monetary fields
// of a multi-page document are moved to the last page.
func (e *Extractor) buildPlan(tpl *model.Template, pages int) []plannedField {
	plan := make([]plannedField, 0, len(tpl.Fields))
	for _, def := range tpl.Fields {
		f := plannedField{def: def, id: tpl.FieldID(def), page: def.Page()}
		if !def.Custom {
			f.key = e.names.Resolve(def.Name)
		}
		if f.key == "" {
			f.key = def.Name
			f.custom = true
			f.category = model.CategoryCustom
		} else {
			f.category = e.registry.Category(f.key)
		}
		if pages > 1 && f.category == model.CategoryMonetary {
			f.page = pages
		}
		plan = append(plan, f)
	}
	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].category != plan[j].category {
			return plan[i].category < plan[j].category
		}
		return plan[i].page < plan[j].page
	})
	return plan
}

func (f plannedField) label(reg *model.FieldRegistry) string {
	if f.def.Label != "" {
		return f.def.Label
	}
	if f.custom {
		return f.def.Name
	}
	return reg.Label(f.key)
}

func hasField(fields []plannedField, key string) bool {
	for _, f := range fields {
		if f.key == key {
			return true
		}
	}
	return false
}

type extraction struct {
	src   Source
	res   *Result
	log   *zap.Logger
	texts map[int]string
}

// read extracts fields, which must already be ordered by page.
func (x *extraction) read(ctx context.Context, fields []plannedField) error {
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "extract: cancelled")
		}
		raw, err := x.readOne(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "extract: cancelled")
			}
			x.log.Warn("extract: field read failed", zap.String("field", f.id), zap.Error(err))
			x.res.FieldErrors[f.id] = err.Error()
			continue
		}
		v, err := ApplyTransforms(raw, f.def.Transforms)
		if err != nil {
			x.log.Warn("extract: transform failed", zap.String("field", f.id), zap.Error(err))
			x.res.FieldErrors[f.id] = err.Error()
			continue
		}
		v = strings.TrimSpace(v)
		if f.category == model.CategoryMonetary {
			v = normalize.CleanAmount(v)
		}

		if f.custom {
			x.res.Custom[f.key] = v
			continue
		}
		if x.res.Values[f.key] == "" {
			x.res.Values[f.key] = v
		}
	}
	return nil
}

func (x *extraction) readOne(ctx context.Context, f plannedField) (string, error) {
	switch {
	case f.def.Cell != nil:
		cr, ok := x.src.(CellReader)
		if !ok {
			return "", eris.New("extract: source cannot read cells")
		}
		return cr.ReadCell(ctx, *f.def.Cell)
	case f.def.Region != nil:
		rr, ok := x.src.(RegionReader)
		if !ok {
			return "", eris.New("extract: source cannot read regions")
		}
		return rr.ReadRegion(ctx, f.page, *f.def.Region)
	case f.def.Anchor != "":
		re, err := compile(f.def.Anchor)
		if err != nil {
			return "", err
		}
		text, err := x.pageText(ctx, f.page)
		if err != nil {
			return "", err
		}
		return firstMatch(re, text), nil
	default:
		return "", eris.Errorf("extract: field %s has no locator", f.id)
	}
}

func (x *extraction) pageText(ctx context.Context, page int) (string, error) {
	if t, ok := x.texts[page]; ok {
		return t, nil
	}
	t, err := x.src.Text(ctx, page)
	if err != nil {
		return "", err
	}
	x.texts[page] = t
	return t, nil
}
