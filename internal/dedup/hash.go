// Package dedup fingerprints incoming files and decides whether their
// content is new, an orphan of a deleted document, or a true duplicate.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// HashReader returns the lowercase hex SHA-256 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", eris.Wrap(err, "dedup: hash read")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile hashes the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "dedup: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return HashReader(f)
}
