// Package extract reads template fields out of PDF and spreadsheet sources.
package extract

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/pdftext"
	"github.com/sells-group/finance-ingest/internal/sheet"
)

// ErrUnsupported is returned for file extensions the pipeline cannot read.
var ErrUnsupported = eris.New("extract: unsupported file format")

// Source is an opened document.
type Source interface {
	PageCount() int
	Text(ctx context.Context, page int) (string, error)
}

// RegionReader is a Source that can read rectangles of a page.
type RegionReader interface {
	ReadRegion(ctx context.Context, page int, region model.Region) (string, error)
}

// CellReader is a Source that can read spreadsheet cells.
type CellReader interface {
	ReadCell(ctx context.Context, ref model.CellRef) (string, error)
}

// Opener opens a file of a known format.
type Opener interface {
	Open(ctx context.Context, path string, format model.FileFormat) (Source, error)
}

// Readers opens PDFs with pdftotext and workbooks with xlsx.
type Readers struct {
	PDF   *pdftext.Reader
	Sheet *sheet.Reader
}

// NewReaders creates Readers using the pdftotext binary at pdftotextPath.
func NewReaders(pdftotextPath string) *Readers {
	return &Readers{
		PDF:   pdftext.NewReader(pdftotextPath),
		Sheet: sheet.NewReader(),
	}
}

// Open implements Opener.
func (r *Readers) Open(ctx context.Context, path string, format model.FileFormat) (Source, error) {
	switch format {
	case model.FormatPDF:
		return r.PDF.Open(ctx, path)
	case model.FormatExcel:
		return r.Sheet.Open(ctx, path)
	default:
		return nil, eris.Wrapf(ErrUnsupported, "format %q", format)
	}
}

// FormatOf maps a file name to its format by extension.
func FormatOf(name string) (model.FileFormat, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return model.FormatPDF, nil
	case ".xlsx", ".xlsm":
		return model.FormatExcel, nil
	default:
		return "", eris.Wrapf(ErrUnsupported, "%s", name)
	}
}
