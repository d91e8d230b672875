// Package storage places ingested files into the processed and unprocessed
// folder trees.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/finance-ingest/internal/model"
)

const maxSuffix = 10000

// Router computes destinations under a storage root and copies files there.
type Router struct {
	root string
	now  func() time.Time
}

// NewRouter creates a Router rooted at root.
func NewRouter(root string) *Router {
	return &Router{root: root, now: time.Now}
}

// Root returns the storage root.
func (r *Router) Root() string { return r.root }

// Dir returns the destination folder for a file processed at "at":
// processed/<type>/YYYY/MM/DD for accepted files, unprocessed/failed/YYYY-MM-DD
// otherwise.
func (r *Router) Dir(processed bool, dt model.DocumentType, at time.Time) string {
	if processed {
		return filepath.Join(r.root, "processed", dt.FolderName(),
			at.Format("2006"), at.Format("01"), at.Format("02"))
	}
	return filepath.Join(r.root, "unprocessed", "failed", at.Format("2006-01-02"))
}

// Plan returns a free destination path for name in the folder chosen by
// processed and dt, creating the folder if needed. A taken name gets an
// incrementing _N suffix before its extension.
func (r *Router) Plan(processed bool, dt model.DocumentType, name string) (string, error) {
	dir := r.Dir(processed, dt, r.now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "storage: create %s", dir)
	}
	clean := Sanitize(name)
	for i := 0; i < maxSuffix; i++ {
		candidate := filepath.Join(dir, withSuffix(clean, i))
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", eris.Wrapf(err, "storage: stat %s", candidate)
		}
	}
	return "", eris.Errorf("storage: no free name for %s in %s", clean, dir)
}

// Place copies src to a planned destination and returns the final path.
// If another worker claims the name between planning and copying, the
// next free suffix is used.
func (r *Router) Place(src string, processed bool, dt model.DocumentType, name string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", eris.Wrapf(err, "storage: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	for attempt := 0; attempt < 5; attempt++ {
		dest, err := r.Plan(processed, dt, name)
		if err != nil {
			return "", err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", eris.Wrapf(err, "storage: create %s", dest)
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()     //nolint:errcheck
			os.Remove(dest) //nolint:errcheck
			return "", eris.Wrapf(err, "storage: copy to %s", dest)
		}
		if err := out.Close(); err != nil {
			os.Remove(dest) //nolint:errcheck
			return "", eris.Wrapf(err, "storage: close %s", dest)
		}
		zap.L().Debug("storage: placed file", zap.String("src", src), zap.String("dest", dest))
		return dest, nil
	}
	return "", eris.Errorf("storage: could not claim a name for %s", name)
}

// Remove deletes a placed file. Missing files are not an error.
func (r *Router) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "storage: remove %s", path)
	}
	return nil
}

func withSuffix(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
}

var fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Sanitize makes name safe as a single path element: directories are
// dropped, accents folded, and reserved or control characters replaced
// with underscores.
func Sanitize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	if folded, _, err := transform.String(fold, name); err == nil {
		name = folded
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		bad := r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsSpace(r) && r != ' '
		if bad || r > unicode.MaxASCII && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
			continue
		}
		b.WriteRune(r)
		lastUnderscore = r == '_'
	}

	out := strings.Trim(b.String(), " .")
	if out == "" || out == "_" {
		return "document"
	}
	return out
}
