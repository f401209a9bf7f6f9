// Package store persists job and batch records so the engine can recover
// after a restart. Records are JSON documents keyed by id; decoding ignores
// fields it does not know.
package store

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

type Store interface {
	SaveJob(ctx context.Context, j job.Job) error
	SaveBatch(ctx context.Context, b batch.Batch) error
	// LoadJobs and LoadBatches return every stored record. An absent or
	// empty store yields no records and no error.
	LoadJobs(ctx context.Context) ([]job.Job, error)
	LoadBatches(ctx context.Context) ([]batch.Batch, error)
	Close() error
}

// Open picks a backend from the URL scheme: file://dir, redis://...,
// postgres://... (or postgresql://) and memory://.
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(apperr.ErrValidation, "store url %q: %v", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "":
		dir := u.Host + u.Path
		if u.Scheme == "" {
			dir = rawURL
		}
		return NewFile(dir)
	case "redis", "rediss":
		return NewRedis(ctx, rawURL)
	case "postgres", "postgresql":
		return NewPostgres(ctx, rawURL)
	case "memory":
		return NewMemory(), nil
	}
	return nil, errors.Wrapf(apperr.ErrValidation, "unsupported store scheme %q", u.Scheme)
}

func wrapStore(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(apperr.ErrStore, format+": %v", append(args, err)...)
}
