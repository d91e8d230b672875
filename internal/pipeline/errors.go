package pipeline

import (
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/extract"
	"github.com/sells-group/finance-ingest/internal/template"
)

// ErrInput marks a file the pipeline cannot use at all: missing,
// unreadable or of an unsupported type. Terminal.
var ErrInput = eris.New("pipeline: unusable input file")

func inputError(err error, msg string) error {
	if err == nil {
		return eris.Wrap(ErrInput, msg)
	}
	return eris.Wrapf(ErrInput, "%s: %v", msg, err)
}

// IsInputError reports whether err is an input error.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInput) || errors.Is(err, extract.ErrUnsupported)
}

// IsTemplateError reports whether err means no usable template exists
// for the file. Terminal; a template of another type is never used.
func IsTemplateError(err error) bool {
	return errors.Is(err, template.ErrNoTemplate) || errors.Is(err, template.ErrTypeMismatch)
}
