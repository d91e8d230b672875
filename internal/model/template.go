package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Region is a rectangle on a PDF page in normalized coordinates (0..1,
// origin top-left). Page is 1-based.
type Region struct {
	Page   int     `json:"page" yaml:"page"`
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Valid reports whether the rectangle lies inside the unit square.
func (r Region) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0 &&
		r.X+r.Width <= 1.0001 && r.Y+r.Height <= 1.0001
}

// CellRef locates a single spreadsheet cell. Row is 1-based, Column is a
// letter reference such as "B" or "AA".
type CellRef struct {
	Sheet  string `json:"sheet,omitempty" yaml:"sheet,omitempty"`
	Column string `json:"column" yaml:"column"`
	Row    int    `json:"row" yaml:"row"`
}

// FieldDef maps one logical field to a locator plus transforms.
type FieldDef struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Label      string   `json:"label,omitempty" yaml:"label,omitempty"`
	Region     *Region  `json:"region,omitempty" yaml:"region,omitempty"`
	Cell       *CellRef `json:"cell,omitempty" yaml:"cell,omitempty"`
	Anchor     string   `json:"anchor,omitempty" yaml:"anchor,omitempty"`
	Transforms []string `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Custom     bool     `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Page returns the declared page of the field, defaulting to 1.
func (f FieldDef) Page() int {
	if f.Region != nil && f.Region.Page > 0 {
		return f.Region.Page
	}
	return 1
}

// Template is an administrator-authored extraction layout.
type Template struct {
	ID           string       `json:"id" yaml:"id"`
	Code         string       `json:"code" yaml:"code"`
	Name         string       `json:"name" yaml:"name"`
	DocumentType DocumentType `json:"document_type" yaml:"document_type"`
	FileFormat   FileFormat   `json:"file_format" yaml:"file_format"`
	IsDefault    bool         `json:"is_default" yaml:"is_default"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Generic      bool         `json:"generic,omitempty" yaml:"-"`
	Fields       []FieldDef   `json:"fields" yaml:"fields"`
	UpdatedAt    time.Time    `json:"updated_at" yaml:"-"`
}

// Validate checks structural invariants of a template definition.
func (t *Template) Validate() error {
	if t.Code == "" {
		return eris.New("template: code is required")
	}
	if !t.DocumentType.Valid() {
		return eris.Errorf("template %s: unknown document type %q", t.Code, t.DocumentType)
	}
	if t.FileFormat != FormatPDF && t.FileFormat != FormatExcel {
		return eris.Errorf("template %s: unknown file format %q", t.Code, t.FileFormat)
	}
	seen := make(map[string]bool, len(t.Fields))
	for i, f := range t.Fields {
		if f.Name == "" && f.ID == "" {
			return eris.Errorf("template %s: field %d has no name", t.Code, i)
		}
		id := t.FieldID(f)
		if seen[id] {
			return eris.Errorf("template %s: duplicate field %s", t.Code, id)
		}
		seen[id] = true

		switch t.FileFormat {
		case FormatPDF:
			if f.Region == nil && f.Anchor == "" {
				return eris.Errorf("template %s: field %s needs a region", t.Code, id)
			}
			if f.Region != nil && !f.Region.Valid() {
				return eris.Errorf("template %s: field %s region outside page", t.Code, id)
			}
		case FormatExcel:
			if f.Cell == nil || f.Cell.Column == "" || f.Cell.Row < 1 {
				return eris.Errorf("template %s: field %s needs a cell", t.Code, id)
			}
		}
	}
	return nil
}

// FieldID returns the namespaced id of f ("<code>_<name>").
func (t *Template) FieldID(f FieldDef) string {
	if f.ID != "" {
		return f.ID
	}
	return strings.ToLower(t.Code) + "_" + f.Name
}
