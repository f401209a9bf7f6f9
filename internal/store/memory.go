package store

import (
	"context"
	"sync"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

// Memory is a process-local store for tests and throwaway runs.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]job.Job
	batches map[string]batch.Batch
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]job.Job), batches: make(map[string]batch.Batch)}
}

func (m *Memory) SaveJob(_ context.Context, j job.Job) error {
	m.mu.Lock()
	m.jobs[j.ID] = j.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveBatch(_ context.Context, b batch.Batch) error {
	m.mu.Lock()
	m.batches[b.ID] = b.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadJobs(context.Context) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (m *Memory) LoadBatches(context.Context) ([]batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]batch.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b.Clone())
	}
	return out, nil
}

// Job returns the stored record for id.
func (m *Memory) Job(id string) (job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j.Clone(), ok
}

func (m *Memory) Batch(id string) (batch.Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	return b.Clone(), ok
}

func (m *Memory) Close() error { return nil }
