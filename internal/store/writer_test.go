package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/config"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

// flaky fails the first n job writes.
type flaky struct {
	*Memory
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flaky) SaveJob(ctx context.Context, j job.Job) error {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return f.Memory.SaveJob(ctx, j)
}

func TestWriterSyncWritesThrough(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem, config.FlushSync, zap.NewNop())
	defer w.Close(context.Background())

	q := job.NewQueue()
	q.Observe(w)
	j := job.New("a.png", "/u/a.png", job.DefaultOptions())
	_ = q.Submit(j)
	_, _ = q.Update(j.ID, job.Start())

	got, ok := mem.Job(j.ID)
	if !ok || got.Status != job.StatusProcessing {
		t.Fatalf("stored job = %+v, %v; want processing", got, ok)
	}
}

func TestWriterRetriesFailedWrites(t *testing.T) {
	store := &flaky{Memory: NewMemory(), fails: 2}
	w := NewWriter(store, config.FlushSync, zap.NewNop())

	j := job.New("a.png", "/u/a.png", job.DefaultOptions())
	w.JobChanged(j)
	if _, ok := store.Job(j.ID); ok {
		t.Fatalf("record stored despite failing write")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, ok := store.Job(j.ID); !ok {
		t.Fatalf("record not stored after Flush")
	}
	if w.Pending() != 0 {
		t.Fatalf("Pending() = %d after Flush", w.Pending())
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestWriterAsyncKeepsLatestSnapshot(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem, config.FlushAsync, zap.NewNop())

	q := job.NewQueue()
	q.Observe(w)
	bq := batch.NewQueue(q)
	bq.Observe(w)

	b := batch.New(job.DefaultOptions(), job.PriorityNormal)
	if err := bq.CreateJobs(&b, []string{"a", "b"}, []string{"/a", "/b"}); err != nil {
		t.Fatal(err)
	}
	_ = bq.Submit(b)
	_, _ = bq.Update(b.ID, batch.Start())
	for _, id := range b.JobIDs {
		_, _ = q.Update(id, job.Start())
		for step := 1; step <= 6; step++ {
			_, _ = q.Update(id, job.UpdateProgress(job.NewProgress(step, 6, "stage")))
		}
		_, _ = q.Update(id, job.Complete("/out/"+id))
	}

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, id := range b.JobIDs {
		got, ok := mem.Job(id)
		if !ok || got.Status != job.StatusCompleted || got.OutputPath != "/out/"+id {
			t.Fatalf("stored job %s = %+v", id, got)
		}
	}
	if got, ok := mem.Batch(b.ID); !ok || got.Status != batch.StatusProcessing {
		t.Fatalf("stored batch = %+v", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{4, 4 * time.Second},
		{7, maxBackoff},
		{50, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
