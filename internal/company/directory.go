// Package company loads the company directory that documents are matched
// against.
package company

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/sheet"
)

// Header aliases, compared after lowercasing and dropping spaces and
// underscores.
var (
	codeHeaders = []string{"code", "companycode", "accountcode", "account"}
	nameHeaders = []string{"name", "companyname"}
	refHeaders  = []string{"reference", "referencenumber", "ref", "customerreference"}
)

// RowError describes a directory row that was skipped. Row is zero when
// the row was rejected by the store rather than the file.
type RowError struct {
	Row    int    `json:"row,omitempty"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// LoadFile reads a company directory from an .xlsx or .csv file. The first
// row is a header naming at least the code column.
func LoadFile(path string) ([]model.Company, []RowError, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = sheet.ReadRows(path, sheet.Options{})
	case ".csv":
		rows, err = readCSV(path)
	default:
		return nil, nil, eris.Errorf("company: unsupported directory file %s", filepath.Base(path))
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "company: read %s", path)
	}
	return ParseRows(rows)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r.ReadAll()
}

// ParseRows turns header plus data rows into companies. Codes are trimmed
// and upper-cased. Rows without a code, with a non-numeric reference, or
// repeating an earlier code or reference are skipped and reported.
func ParseRows(rows [][]string) ([]model.Company, []RowError, error) {
	if len(rows) == 0 {
		return nil, nil, eris.New("company: directory is empty")
	}
	codeCol, nameCol, refCol := -1, -1, -1
	for i, h := range rows[0] {
		key := headerKey(h)
		switch {
		case codeCol < 0 && contains(codeHeaders, key):
			codeCol = i
		case nameCol < 0 && contains(nameHeaders, key):
			nameCol = i
		case refCol < 0 && contains(refHeaders, key):
			refCol = i
		}
	}
	if codeCol < 0 {
		return nil, nil, eris.Errorf("company: no code column in header %q", rows[0])
	}

	var out []model.Company
	var skipped []RowError
	codes := make(map[string]int)
	refs := make(map[int64]int)
	for i, row := range rows[1:] {
		line := i + 2
		if blank(row) {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(cell(row, codeCol)))
		if code == "" {
			skipped = append(skipped, RowError{Row: line, Reason: "missing code"})
			continue
		}
		if prev, ok := codes[code]; ok {
			skipped = append(skipped, RowError{Row: line, Reason: fmt.Sprintf("code %s already on row %d", code, prev)})
			continue
		}

		c := model.Company{Code: code, Name: strings.TrimSpace(cell(row, nameCol))}
		if raw := strings.TrimSpace(cell(row, refCol)); raw != "" {
			ref, err := strconv.ParseInt(strings.TrimSuffix(raw, ".0"), 10, 64)
			if err != nil || ref <= 0 {
				skipped = append(skipped, RowError{Row: line, Reason: fmt.Sprintf("bad reference %q", raw)})
				continue
			}
			if prev, ok := refs[ref]; ok {
				skipped = append(skipped, RowError{Row: line, Reason: fmt.Sprintf("reference %d already on row %d", ref, prev)})
				continue
			}
			refs[ref] = line
			c.ReferenceNumber = &ref
		}
		codes[code] = line
		out = append(out, c)
	}
	return out, skipped, nil
}

func headerKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "").Replace(h)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
