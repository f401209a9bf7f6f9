package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

// File keeps one JSON document per record under <dir>/jobs and
// <dir>/batches. Writes go through a temporary file and a rename, so a crash
// leaves either the old or the new record.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, apperr.Validation("file store needs a directory")
	}
	for _, sub := range []string{"jobs", "batches"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, wrapStore(err, "create %s", sub)
		}
	}
	return &File{dir: dir}, nil
}

func (f *File) path(kind, id string) (string, error) {
	if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
		return "", apperr.Validation("unsafe record id " + id)
	}
	return filepath.Join(f.dir, kind, id+".json"), nil
}

func (f *File) write(kind, id string, v any) error {
	p, err := f.path(kind, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return wrapStore(err, "encode %s %s", kind, id)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+id+".*.tmp")
	if err != nil {
		return wrapStore(err, "write %s %s", kind, id)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return wrapStore(err, "write %s %s", kind, id)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return wrapStore(err, "write %s %s", kind, id)
	}
	return wrapStore(os.Rename(tmp.Name(), p), "commit %s %s", kind, id)
}

func (f *File) SaveJob(_ context.Context, j job.Job) error {
	return f.write("jobs", j.ID, j)
}

func (f *File) SaveBatch(_ context.Context, b batch.Batch) error {
	return f.write("batches", b.ID, b)
}

// readAll decodes every record of one kind.
func readAll[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStore(err, "list %s", dir)
	}
	var out []T
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, wrapStore(err, "read %s", name)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrapf(apperr.ErrStore, "decode %s: %v", name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *File) LoadJobs(context.Context) ([]job.Job, error) {
	return readAll[job.Job](filepath.Join(f.dir, "jobs"))
}

func (f *File) LoadBatches(context.Context) ([]batch.Batch, error) {
	return readAll[batch.Batch](filepath.Join(f.dir, "batches"))
}

func (f *File) Close() error { return nil }
