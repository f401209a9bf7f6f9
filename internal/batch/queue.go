package batch

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

type mutationKind int

const (
	mutStart mutationKind = iota + 1
	mutComplete
	mutCancel
)

// Mutation is one named batch transition.
type Mutation struct{ kind mutationKind }

func Start() Mutation    { return Mutation{mutStart} }
func Complete() Mutation { return Mutation{mutComplete} }
func Cancel() Mutation   { return Mutation{mutCancel} }

func (m Mutation) String() string {
	switch m.kind {
	case mutStart:
		return "start"
	case mutComplete:
		return "complete"
	case mutCancel:
		return "cancel"
	}
	return "unknown"
}

func (m Mutation) apply(b *Batch) bool {
	switch m.kind {
	case mutStart:
		return b.Start()
	case mutComplete:
		return b.Complete()
	case mutCancel:
		return b.Cancel()
	}
	return false
}

// Observer receives a batch snapshot after every applied change, with the
// batch lock held.
type Observer interface {
	BatchChanged(Batch)
}

type entry struct {
	mu    sync.Mutex
	batch Batch
}

// Queue is the batch registry. Job-level changes are delegated to the job
// registry it was built with.
type Queue struct {
	jobs *job.Queue

	mu        sync.RWMutex
	entries   map[string]*entry
	observers []Observer
}

func NewQueue(jobs *job.Queue) *Queue {
	return &Queue{jobs: jobs, entries: make(map[string]*entry)}
}

func (q *Queue) Observe(o Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
}

func (q *Queue) notify(b Batch) {
	q.mu.RLock()
	obs := q.observers
	q.mu.RUnlock()
	for _, o := range obs {
		o.BatchChanged(b.Clone())
	}
}

func (q *Queue) lookup(id string) (*entry, bool) {
	q.mu.RLock()
	e, ok := q.entries[id]
	q.mu.RUnlock()
	return e, ok
}

// CreateJobs builds one job per filename with the batch's options and
// priority, registers it with the job queue and appends its id, keeping
// filenames and ids index-aligned. inputs holds the stored upload location
// of each file.
func (q *Queue) CreateJobs(b *Batch, filenames, inputs []string) error {
	if b.Status != StatusQueued {
		return errors.Wrapf(apperr.ErrInvalidState, "create jobs on %s batch %s", b.Status, b.ID)
	}
	if len(filenames) != len(inputs) {
		return apperr.Validation("filenames and inputs differ in length")
	}
	for i, name := range filenames {
		j := job.New(name, inputs[i], b.Options)
		j.Priority = b.Priority
		j.BatchID = b.ID
		if err := q.jobs.Submit(j); err != nil {
			return err
		}
		b.JobIDs = append(b.JobIDs, j.ID)
	}
	return nil
}

// Submit registers the batch for tracking. It does not dispatch any job.
func (q *Queue) Submit(b Batch) error {
	if b.ID == "" {
		return apperr.Validation("batch id is empty")
	}
	e := &entry{batch: b.Clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	q.mu.Lock()
	if _, exists := q.entries[b.ID]; exists {
		q.mu.Unlock()
		return errors.Wrapf(apperr.ErrDuplicateID, "batch %s", b.ID)
	}
	q.entries[b.ID] = e
	q.mu.Unlock()

	q.notify(e.batch)
	return nil
}

func (q *Queue) Restore(batches []Batch) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range batches {
		if b.ID == "" {
			continue
		}
		if _, exists := q.entries[b.ID]; exists {
			continue
		}
		q.entries[b.ID] = &entry{batch: b.Clone()}
		n++
	}
	return n
}

func (q *Queue) Get(id string) (Batch, bool) {
	e, ok := q.lookup(id)
	if !ok {
		return Batch{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch.Clone(), true
}

func (q *Queue) Update(id string, m Mutation) (Batch, error) {
	e, ok := q.lookup(id)
	if !ok {
		return Batch{}, errors.Wrapf(apperr.ErrNotFound, "batch %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !m.apply(&e.batch) {
		return e.batch.Clone(), errors.Wrapf(apperr.ErrInvalidState, "%s on %s batch %s", m, e.batch.Status, id)
	}
	snap := e.batch.Clone()
	q.notify(snap)
	return snap, nil
}

// Progress classifies every constituent job by its live status. Jobs are
// read one at a time, so a batch under concurrent change may report a
// transitional mix; the counts always add up to Total.
func (q *Queue) Progress(id string) (Progress, error) {
	b, ok := q.Get(id)
	if !ok {
		return Progress{}, errors.Wrapf(apperr.ErrNotFound, "batch %s", id)
	}
	return Tally(b.JobIDs, q.jobs.Get), nil
}

// Cancel cancels every non-terminal job of the batch and the batch itself.
// It returns how many jobs it cancelled and how many had already finished.
func (q *Queue) Cancel(id string) (cancelled, alreadyTerminal int, err error) {
	e, ok := q.lookup(id)
	if !ok {
		return 0, 0, errors.Wrapf(apperr.ErrNotFound, "batch %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, jid := range e.batch.JobIDs {
		if _, err := q.jobs.Cancel(jid); err != nil {
			alreadyTerminal++
			continue
		}
		cancelled++
	}
	if e.batch.Cancel() {
		q.notify(e.batch.Clone())
	}
	return cancelled, alreadyTerminal, nil
}

// ActiveCount is the number of batches currently processing.
func (q *Queue) ActiveCount() int {
	n := 0
	for _, b := range q.List() {
		if b.Status == StatusProcessing {
			n++
		}
	}
	return n
}

// List returns every batch ordered by creation time.
func (q *Queue) List() []Batch {
	q.mu.RLock()
	entries := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.RUnlock()

	out := make([]Batch, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.batch.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}
