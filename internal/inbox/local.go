package inbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// StageLocal copies a local file into stagingDir the same way Fetch stages
// remote ones, so workers never read from the uploader's directory.
func StageLocal(src, stagingDir string) (Staged, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Staged{}, eris.Wrap(err, "inbox: create staging dir")
	}
	in, err := os.Open(src)
	if err != nil {
		return Staged{}, eris.Wrap(err, "inbox: open local file")
	}
	defer in.Close() //nolint:errcheck

	name := filepath.Base(src)
	final := filepath.Join(stagingDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	part := final + PartSuffix

	n, err := writeFile(part, in)
	if err != nil {
		os.Remove(part) //nolint:errcheck
		return Staged{}, err
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part) //nolint:errcheck
		return Staged{}, eris.Wrap(err, "inbox: finalize staged file")
	}
	return Staged{LocalPath: final, OriginalName: name, Size: n}, nil
}
