// Package recovery reconciles the registries with the durable store at
// startup and serves the questions asked of past jobs: retry and history.
package recovery

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/store"
)

// InterruptedReason is the error recorded on jobs that were running when the
// process stopped.
const InterruptedReason = "interrupted-by-restart"

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

type Manager struct {
	store   store.Store
	jobs    *job.Queue
	batches *batch.Queue
	log     *zap.Logger
}

func NewManager(s store.Store, jobs *job.Queue, batches *batch.Queue, log *zap.Logger) *Manager {
	return &Manager{store: s, jobs: jobs, batches: batches, log: log.Named("recovery")}
}

type Report struct {
	Jobs          int
	Batches       int
	Interrupted   int
	BatchesClosed int
}

// Recover loads every stored record into the registries. Jobs that were not
// terminal are failed with InterruptedReason; batches whose jobs are all
// terminal are completed. A store that cannot be read is an error; write-back
// failures are only logged. Restored records do not reach observers.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	var rep Report
	jobs, err := m.store.LoadJobs(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "load jobs")
	}
	batches, err := m.store.LoadBatches(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "load batches")
	}

	byID := make(map[string]job.Job, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		if !j.Status.Terminal() {
			j.Fail(InterruptedReason)
			rep.Interrupted++
			if err := m.store.SaveJob(ctx, *j); err != nil {
				m.log.Warn("saving recovered job failed", zap.String("job_id", j.ID), zap.Error(err))
			}
		}
		byID[j.ID] = *j
	}

	for i := range batches {
		b := &batches[i]
		if b.Status.Terminal() || b.JobCount() == 0 || !allTerminal(b.JobIDs, byID) {
			continue
		}
		if b.Status == batch.StatusQueued {
			b.Start()
		}
		if !b.Complete() {
			continue
		}
		rep.BatchesClosed++
		if err := m.store.SaveBatch(ctx, *b); err != nil {
			m.log.Warn("saving recovered batch failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}

	rep.Jobs = m.jobs.Restore(jobs)
	rep.Batches = m.batches.Restore(batches)
	m.log.Info("state recovered",
		zap.Int("jobs", rep.Jobs),
		zap.Int("batches", rep.Batches),
		zap.Int("interrupted", rep.Interrupted),
		zap.Int("batches_closed", rep.BatchesClosed))
	return rep, nil
}

// allTerminal treats unknown ids as finished: they can never run again.
func allTerminal(ids []string, jobs map[string]job.Job) bool {
	for _, id := range ids {
		if j, ok := jobs[id]; ok && !j.Status.Terminal() {
			return false
		}
	}
	return true
}

// Retry registers a fresh job with the input and options of a failed or
// cancelled one. The caller dispatches it.
func (m *Manager) Retry(id string) (job.Job, error) {
	orig, ok := m.jobs.Get(id)
	if !ok {
		return job.Job{}, errors.Wrapf(apperr.ErrNotFound, "job %s", id)
	}
	if orig.Status != job.StatusFailed && orig.Status != job.StatusCancelled {
		return job.Job{}, errors.Wrapf(apperr.ErrInvalidState, "retry of %s job %s", orig.Status, id)
	}
	j := job.New(orig.InputFilename, orig.InputPath, orig.Options.Clone())
	j.Priority = orig.Priority
	j.RetryOf = orig.ID
	if err := m.jobs.Submit(j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

type Query struct {
	// Statuses restricts the result; empty means every terminal status.
	Statuses []job.Status
	// From and To bound completed_at, inclusive; zero means open.
	From, To time.Time
	Limit    int
	Offset   int
}

type Page struct {
	Jobs  []job.Job `json:"jobs"`
	Total int       `json:"total"`
}

// History lists finished jobs, most recently completed first.
func (m *Manager) History(q Query) (Page, error) {
	for _, s := range q.Statuses {
		if !s.Terminal() {
			return Page{}, apperr.Validation("history only holds finished jobs, got status " + string(s))
		}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return Page{}, apperr.Validation("history range ends before it starts")
	}
	if q.Offset < 0 || q.Limit < 0 {
		return Page{}, apperr.Validation("limit and offset must not be negative")
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	want := make(map[job.Status]bool, len(q.Statuses))
	for _, s := range q.Statuses {
		want[s] = true
	}
	var hits []job.Job
	for _, j := range m.jobs.List() {
		if !j.Status.Terminal() || (len(want) > 0 && !want[j.Status]) || j.CompletedAt == nil {
			continue
		}
		at := *j.CompletedAt
		if (!q.From.IsZero() && at.Before(q.From)) || (!q.To.IsZero() && at.After(q.To)) {
			continue
		}
		hits = append(hits, j)
	}
	sort.SliceStable(hits, func(a, b int) bool {
		ta, tb := *hits[a].CompletedAt, *hits[b].CompletedAt
		if ta.Equal(tb) {
			return hits[a].ID < hits[b].ID
		}
		return ta.After(tb)
	})

	page := Page{Total: len(hits), Jobs: []job.Job{}}
	if q.Offset >= len(hits) {
		return page, nil
	}
	end := min(q.Offset+limit, len(hits))
	page.Jobs = hits[q.Offset:end]
	return page, nil
}
