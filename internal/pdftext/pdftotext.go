// Package pdftext reads page and region text from PDFs with the pdftotext
// CLI, using pdfcpu for page geometry.
package pdftext

import (
	"bytes"
	"context"
	"math"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Reader opens PDFs for text extraction.
type Reader struct {
	binPath    string
	countPages func(path string) (int, error)
	pageDims   func(path string) ([]types.Dim, error)
}

// NewReader creates a Reader. If binPath is empty, "pdftotext" is used.
func NewReader(binPath string) *Reader {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &Reader{
		binPath:    binPath,
		countPages: api.PageCountFile,
		pageDims:   api.PageDimsFile,
	}
}

// Open reads the page count of path up front. Page dimensions are loaded
// on the first region read.
func (r *Reader) Open(_ context.Context, path string) (*Document, error) {
	n, err := r.countPages(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pdftext: page count %s", path)
	}
	if n < 1 {
		return nil, eris.Errorf("pdftext: %s has no pages", path)
	}
	return &Document{reader: r, path: path, pages: n}, nil
}

// Document is an opened PDF.
type Document struct {
	reader *Reader
	path   string
	pages  int

	dimsOnce sync.Once
	dims     []types.Dim
	dimsErr  error
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.pages
}

// Text returns the layout text of one 1-based page.
func (d *Document) Text(ctx context.Context, page int) (string, error) {
	if err := d.checkPage(page); err != nil {
		return "", err
	}
	p := strconv.Itoa(page)
	return d.reader.run(ctx, "-f", p, "-l", p, "-layout", d.path, "-")
}

// ReadRegion returns the text inside a normalized rectangle of page.
func (d *Document) ReadRegion(ctx context.Context, page int, region model.Region) (string, error) {
	if err := d.checkPage(page); err != nil {
		return "", err
	}
	d.dimsOnce.Do(func() {
		d.dims, d.dimsErr = d.reader.pageDims(d.path)
	})
	if d.dimsErr != nil {
		return "", eris.Wrapf(d.dimsErr, "pdftext: page dimensions %s", d.path)
	}
	if page > len(d.dims) {
		return "", eris.Errorf("pdftext: no dimensions for page %d of %s", page, d.path)
	}
	args := append(CropArgs(page, region, d.dims[page-1]), "-layout", d.path, "-")
	return d.reader.run(ctx, args...)
}

func (d *Document) checkPage(page int) error {
	if page < 1 || page > d.pages {
		return eris.Errorf("pdftext: page %d out of range (1-%d)", page, d.pages)
	}
	return nil
}

// CropArgs converts a normalized region into pdftotext crop flags. At the
// default 72 dpi one pixel is one PDF point.
func CropArgs(page int, region model.Region, dim types.Dim) []string {
	x := int(math.Round(region.X * dim.Width))
	y := int(math.Round(region.Y * dim.Height))
	w := int(math.Round(region.Width * dim.Width))
	h := int(math.Round(region.Height * dim.Height))
	p := strconv.Itoa(page)
	return []string{
		"-f", p, "-l", p,
		"-x", strconv.Itoa(x), "-y", strconv.Itoa(y),
		"-W", strconv.Itoa(w), "-H", strconv.Itoa(h),
	}
}

func (r *Reader) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "pdftext: pdftotext failed: %s", stderr.String())
	}
	return stdout.String(), nil
}
