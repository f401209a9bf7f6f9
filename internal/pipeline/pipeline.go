// Package pipeline defines how a worker drives a conversion and ships two
// implementations: Local, a staged image pipeline, and Command, which runs an
// external converter binary.
package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

// ErrCancelled is returned by a Checkpoint to stop the pipeline before the
// next stage starts.
var ErrCancelled = errors.New("conversion cancelled")

// Checkpoint is called before every stage with its 1-based index, the stage
// count and its name. A non-nil error aborts the run and is returned as is.
type Checkpoint func(step, total int, name string) error

type Request struct {
	JobID     string
	InputPath string
	Filename  string
	WorkDir   string
	Options   job.Options
}

// OutputPath is where a pipeline writes the result for r, with ext
// replacing the input extension.
func (r Request) OutputPath(ext string) string {
	base := r.Filename
	if base == "" {
		base = filepath.Base(r.InputPath)
	}
	stem := strings.TrimSuffix(filepath.Base(base), filepath.Ext(base))
	return filepath.Join(r.WorkDir, r.JobID, stem+"_converted"+ext)
}

// Pipeline converts one input. Implementations must call the checkpoint
// before each stage and honour ctx.
type Pipeline interface {
	Run(ctx context.Context, req Request, cp Checkpoint) (string, error)
}
