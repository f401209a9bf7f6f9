package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	s, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}

	j := job.New("a.png", "/u/a.png", job.DefaultOptions())
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}
	j.Start()
	j.UpdateProgress(job.NewProgress(2, 6, "Margin Trimming"))
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}
	b := batch.New(job.DefaultOptions(), job.PriorityHigh)
	b.JobIDs = []string{j.ID}
	if err := s.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	jobs, err := s.LoadJobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("LoadJobs() = %d jobs, %v", len(jobs), err)
	}
	got := jobs[0]
	if got.ID != j.ID || got.Status != job.StatusProcessing || got.Progress == nil || got.Progress.CurrentStep != 2 {
		t.Fatalf("loaded job = %+v", got)
	}
	batches, err := s.LoadBatches(ctx)
	if err != nil || len(batches) != 1 || batches[0].Priority != job.PriorityHigh || batches[0].JobIDs[0] != j.ID {
		t.Fatalf("LoadBatches() = %+v, %v", batches, err)
	}
}

func TestFileIgnoresUnknownFieldsAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFile(dir)
	rec := `{"id":"x1","input_filename":"a.png","status":"completed","created_at":"2024-01-01T00:00:00Z","from_the_future":42}`
	if err := os.WriteFile(filepath.Join(dir, "jobs", "x1.json"), []byte(rec), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "jobs", ".x2.123.tmp"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	jobs, err := s.LoadJobs(context.Background())
	if err != nil || len(jobs) != 1 || jobs[0].Status != job.StatusCompleted {
		t.Fatalf("LoadJobs() = %+v, %v", jobs, err)
	}
}

func TestFileCorruptRecordIsAnError(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFile(dir)
	if err := os.WriteFile(filepath.Join(dir, "jobs", "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadJobs(context.Background()); !errors.Is(err, apperr.ErrStore) {
		t.Fatalf("LoadJobs() error = %v, want ErrStore", err)
	}
}

func TestFileRejectsUnsafeIDs(t *testing.T) {
	s, _ := NewFile(t.TempDir())
	j := job.New("a", "b", job.DefaultOptions())
	j.ID = "../escape"
	if err := s.SaveJob(context.Background(), j); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("SaveJob() error = %v, want ErrValidation", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, "file://"+dir)
	if err != nil {
		t.Fatalf("Open(file) error = %v", err)
	}
	if _, ok := s.(*File); !ok {
		t.Fatalf("Open(file) = %T", s)
	}
	if s, err := Open(ctx, "memory://"); err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	} else if _, ok := s.(*Memory); !ok {
		t.Fatalf("Open(memory) = %T", s)
	}
	if _, err := Open(ctx, "ftp://host/x"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Open(ftp) error = %v, want ErrValidation", err)
	}
}
