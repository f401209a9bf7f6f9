package job

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
)

type mutationKind int

const (
	mutStart mutationKind = iota + 1
	mutProgress
	mutComplete
	mutFail
	mutCancel
)

// Mutation is one named state-machine transition. The set is closed: values
// are only built by the constructors below.
type Mutation struct {
	kind     mutationKind
	progress Progress
	text     string
}

func Start() Mutation                    { return Mutation{kind: mutStart} }
func UpdateProgress(p Progress) Mutation { return Mutation{kind: mutProgress, progress: p} }
func Complete(output string) Mutation    { return Mutation{kind: mutComplete, text: output} }
func Fail(message string) Mutation       { return Mutation{kind: mutFail, text: message} }
func Cancel() Mutation                   { return Mutation{kind: mutCancel} }
func CancelWithReason(r string) Mutation { return Mutation{kind: mutCancel, text: r} }

func (m Mutation) String() string {
	switch m.kind {
	case mutStart:
		return "start"
	case mutProgress:
		return "update_progress"
	case mutComplete:
		return "complete"
	case mutFail:
		return "fail"
	case mutCancel:
		return "cancel"
	}
	return "unknown"
}

func (m Mutation) apply(j *Job) bool {
	switch m.kind {
	case mutStart:
		return j.Start()
	case mutProgress:
		return j.UpdateProgress(m.progress)
	case mutComplete:
		return j.Complete(m.text)
	case mutFail:
		return j.Fail(m.text)
	case mutCancel:
		return j.Cancel(m.text)
	}
	return false
}

// Observer receives a snapshot after every applied change. It is called with
// the job's lock held, so deliveries for one id arrive in transition order;
// implementations must not call back into the Queue for that id and must not
// block for long.
type Observer interface {
	JobChanged(Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Job)

func (f ObserverFunc) JobChanged(j Job) { f(j) }

type entry struct {
	mu  sync.Mutex
	job Job
}

// Queue is the registry of all jobs. The map lock is only held to find or
// insert an entry; transitions take the per-job lock, so different ids never
// wait on each other.
type Queue struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	observers []Observer
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[string]*entry)}
}

// Observe registers o for all subsequent changes.
func (q *Queue) Observe(o Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
}

func (q *Queue) notify(j Job) {
	q.mu.RLock()
	obs := q.observers
	q.mu.RUnlock()
	for _, o := range obs {
		o.JobChanged(j.Clone())
	}
}

func (q *Queue) lookup(id string) (*entry, bool) {
	q.mu.RLock()
	e, ok := q.entries[id]
	q.mu.RUnlock()
	return e, ok
}

// Submit registers a new job.
func (q *Queue) Submit(j Job) error {
	if j.ID == "" {
		return apperr.Validation("job id is empty")
	}
	e := &entry{job: j.Clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	q.mu.Lock()
	if _, exists := q.entries[j.ID]; exists {
		q.mu.Unlock()
		return errors.Wrapf(apperr.ErrDuplicateID, "job %s", j.ID)
	}
	q.entries[j.ID] = e
	q.mu.Unlock()

	q.notify(e.job)
	return nil
}

// Restore loads previously persisted jobs without notifying observers.
// Ids already present are left alone.
func (q *Queue) Restore(jobs []Job) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if j.ID == "" {
			continue
		}
		if _, exists := q.entries[j.ID]; exists {
			continue
		}
		q.entries[j.ID] = &entry{job: j.Clone()}
		n++
	}
	return n
}

// Get returns a snapshot of the job.
func (q *Queue) Get(id string) (Job, bool) {
	e, ok := q.lookup(id)
	if !ok {
		return Job{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), true
}

// Update applies m atomically and returns the resulting snapshot. A rejected
// transition returns the unchanged snapshot together with ErrInvalidState.
func (q *Queue) Update(id string, m Mutation) (Job, error) {
	e, ok := q.lookup(id)
	if !ok {
		return Job{}, errors.Wrapf(apperr.ErrNotFound, "job %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !m.apply(&e.job) {
		return e.job.Clone(), errors.Wrapf(apperr.ErrInvalidState, "%s on %s job %s", m, e.job.Status, id)
	}
	snap := e.job.Clone()
	q.notify(snap)
	return snap, nil
}

// Cancel is Update(id, Cancel()).
func (q *Queue) Cancel(id string) (Job, error) {
	return q.Update(id, Cancel())
}

// List returns snapshots of every job ordered by creation time.
func (q *Queue) List() []Job {
	q.mu.RLock()
	entries := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
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

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pending returns the ids of jobs that are still queued or processing.
func (q *Queue) Pending() []string {
	var ids []string
	for _, j := range q.List() {
		if !j.Status.Terminal() {
			ids = append(ids, j.ID)
		}
	}
	return ids
}
