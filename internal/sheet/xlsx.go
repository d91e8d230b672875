// Package sheet reads spreadsheet documents for cell-template extraction and
// directory imports.
package sheet

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Options configures row reads.
type Options struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // number of header rows to skip
}

// ReadRows reads an XLSX file and returns all rows of one sheet as string
// slices.
func ReadRows(path string, opts Options) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for i, row := range sheet.Rows {
		if i < opts.SkipRows {
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

// Reader opens workbooks as extraction sources.
type Reader struct{}

// NewReader creates a Reader.
func NewReader() *Reader {
	return &Reader{}
}

// Open loads the workbook at path.
func (r *Reader) Open(_ context.Context, path string) (*Workbook, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("xlsx: %s has no sheets", path)
	}
	return &Workbook{file: f}, nil
}

// Workbook is an opened spreadsheet. It has a single logical page.
type Workbook struct {
	file *xlsx.File
}

// PageCount is always 1 for spreadsheets.
func (w *Workbook) PageCount() int {
	return 1
}

// Text returns the first sheet as tab-separated lines.
func (w *Workbook) Text(_ context.Context, _ int) (string, error) {
	var b strings.Builder
	for _, row := range w.file.Sheets[0].Rows {
		b.WriteString(strings.Join(rowToStrings(row), "\t"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ReadCell returns the formatted value of one cell. Cells beyond the used
// range read as "".
func (w *Workbook) ReadCell(_ context.Context, ref model.CellRef) (string, error) {
	sheet, err := getSheet(w.file, Options{SheetName: ref.Sheet})
	if err != nil {
		return "", err
	}
	col, err := ColumnIndex(ref.Column)
	if err != nil {
		return "", err
	}
	if ref.Row < 1 {
		return "", eris.Errorf("xlsx: invalid row %d", ref.Row)
	}
	if ref.Row > len(sheet.Rows) {
		return "", nil
	}
	row := sheet.Rows[ref.Row-1]
	if row == nil || col >= len(row.Cells) {
		return "", nil
	}
	return strings.TrimSpace(row.Cells[col].String()), nil
}

// ColumnIndex converts a column letter reference ("A", "AB") to a 0-based
// index.
func ColumnIndex(col string) (int, error) {
	col = strings.ToUpper(strings.TrimSpace(col))
	if col == "" {
		return 0, eris.New("xlsx: empty column reference")
	}
	idx := 0
	for _, c := range col {
		if c < 'A' || c > 'Z' {
			return 0, eris.Errorf("xlsx: invalid column reference %q", col)
		}
		idx = idx*26 + int(c-'A'+1)
	}
	return idx - 1, nil
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
