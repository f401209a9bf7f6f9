// Package engine is the orchestration front door: it creates jobs and
// batches, hands them to the worker pool and closes batches whose jobs have
// all finished.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/broadcast"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/recovery"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/worker"
)

// Dispatcher accepts work for the executors.
type Dispatcher interface {
	Submit(ctx context.Context, m worker.Process) error
}

type Engine struct {
	jobs     *job.Queue
	batches  *batch.Queue
	pool     Dispatcher
	recovery *recovery.Manager
	bus      *broadcast.Broadcaster
	log      *zap.Logger

	accepting atomic.Bool
	bg        sync.WaitGroup
}

// New wires the engine and registers it as a job observer so finished
// batches are closed.
func New(jobs *job.Queue, batches *batch.Queue, pool Dispatcher, rec *recovery.Manager, bus *broadcast.Broadcaster, log *zap.Logger) *Engine {
	e := &Engine{
		jobs:     jobs,
		batches:  batches,
		pool:     pool,
		recovery: rec,
		bus:      bus,
		log:      log.Named("engine"),
	}
	e.accepting.Store(true)
	jobs.Observe(e)
	return e
}

func (e *Engine) Jobs() *job.Queue      { return e.jobs }
func (e *Engine) Batches() *batch.Queue { return e.batches }

// StopAdmission makes every later submission fail with ErrShuttingDown.
func (e *Engine) StopAdmission() { e.accepting.Store(false) }

func (e *Engine) Accepting() bool { return e.accepting.Load() }

func (e *Engine) admit() error {
	if !e.accepting.Load() {
		return apperr.ErrShuttingDown
	}
	return nil
}

// dispatch hands j to the pool. A job the pool refuses is failed so it
// never lingers as queued.
func (e *Engine) dispatch(ctx context.Context, j job.Job) error {
	err := e.pool.Submit(ctx, worker.Process{JobID: j.ID, Input: j.InputPath, Priority: j.Priority})
	if err == nil {
		return nil
	}
	msg := "not dispatched: " + err.Error()
	if errors.Is(err, apperr.ErrCapacityExceeded) {
		msg = "rejected: intake capacity exceeded"
	}
	if _, ferr := e.jobs.Update(j.ID, job.Fail(msg)); ferr != nil {
		e.log.Warn("could not fail undispatched job", zap.String("job_id", j.ID), zap.Error(ferr))
	}
	return err
}

// SubmitJob registers a single conversion and queues it for processing.
func (e *Engine) SubmitJob(ctx context.Context, filename, input string, opts job.Options, pr job.Priority) (job.Job, error) {
	if err := e.admit(); err != nil {
		return job.Job{}, err
	}
	if err := opts.Validate(); err != nil {
		return job.Job{}, err
	}
	if filename == "" {
		return job.Job{}, apperr.Validation("filename is empty")
	}
	j := job.New(filename, input, opts)
	j.Priority = pr
	if err := e.jobs.Submit(j); err != nil {
		return job.Job{}, err
	}
	if err := e.dispatch(ctx, j); err != nil {
		return j, err
	}
	e.log.Info("job submitted", zap.String("job_id", j.ID), zap.String("file", filename), zap.Stringer("priority", pr))
	return j, nil
}

// SubmitBatch creates one job per file, in order, and queues them all. When
// the intake refuses a job, it and every later job of the batch are failed
// and the batch is returned together with the error.
func (e *Engine) SubmitBatch(ctx context.Context, opts job.Options, pr job.Priority, filenames, inputs []string) (batch.Batch, error) {
	if err := e.admit(); err != nil {
		return batch.Batch{}, err
	}
	if err := opts.Validate(); err != nil {
		return batch.Batch{}, err
	}
	if len(filenames) == 0 {
		return batch.Batch{}, apperr.Validation("batch has no files")
	}
	b := batch.New(opts, pr)
	if err := e.batches.CreateJobs(&b, filenames, inputs); err != nil {
		return batch.Batch{}, err
	}
	b.Start()
	if err := e.batches.Submit(b); err != nil {
		return batch.Batch{}, err
	}

	var dispatchErr error
	for _, id := range b.JobIDs {
		j, ok := e.jobs.Get(id)
		if !ok {
			continue
		}
		if dispatchErr != nil {
			_, _ = e.jobs.Update(id, job.Fail("rejected: batch could not be queued"))
			continue
		}
		dispatchErr = e.dispatch(ctx, j)
	}
	e.log.Info("batch submitted", zap.String("batch_id", b.ID), zap.Int("jobs", b.JobCount()), zap.Stringer("priority", pr))
	return b, dispatchErr
}

func (e *Engine) Job(id string) (job.Job, error) {
	j, ok := e.jobs.Get(id)
	if !ok {
		return job.Job{}, errors.Wrapf(apperr.ErrNotFound, "job %s", id)
	}
	return j, nil
}

func (e *Engine) CancelJob(id string) (job.Job, error) {
	return e.jobs.Cancel(id)
}

// WaitJob blocks until job id is finished or ctx is done.
func (e *Engine) WaitJob(ctx context.Context, id string) (job.Job, error) {
	if _, ok := e.jobs.Get(id); !ok {
		return job.Job{}, errors.Wrapf(apperr.ErrNotFound, "job %s", id)
	}
	return e.bus.WaitTerminal(ctx, id, e.jobs.Get)
}

type BatchView struct {
	batch.Batch
	Progress batch.Progress `json:"progress"`
}

func (e *Engine) Batch(id string) (BatchView, error) {
	b, ok := e.batches.Get(id)
	if !ok {
		return BatchView{}, errors.Wrapf(apperr.ErrNotFound, "batch %s", id)
	}
	p, err := e.batches.Progress(id)
	if err != nil {
		return BatchView{}, err
	}
	return BatchView{Batch: b, Progress: p}, nil
}

func (e *Engine) ListBatches() []BatchView {
	var out []BatchView
	for _, b := range e.batches.List() {
		p, err := e.batches.Progress(b.ID)
		if err != nil {
			continue
		}
		out = append(out, BatchView{Batch: b, Progress: p})
	}
	return out
}

func (e *Engine) CancelBatch(id string) (cancelled, alreadyTerminal int, err error) {
	return e.batches.Cancel(id)
}

// Retry resubmits a failed or cancelled job as a new job linked to it.
func (e *Engine) Retry(ctx context.Context, id string) (job.Job, error) {
	if err := e.admit(); err != nil {
		return job.Job{}, err
	}
	j, err := e.recovery.Retry(id)
	if err != nil {
		return job.Job{}, err
	}
	if err := e.dispatch(ctx, j); err != nil {
		return j, err
	}
	e.log.Info("job retried", zap.String("job_id", j.ID), zap.String("retry_of", id))
	return j, nil
}

func (e *Engine) History(q recovery.Query) (recovery.Page, error) {
	return e.recovery.History(q)
}

// JobChanged closes the batch of a job that just finished. It runs with the
// job lock held, so the batch check happens on its own goroutine.
func (e *Engine) JobChanged(j job.Job) {
	if j.BatchID == "" || !j.Status.Terminal() {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.closeBatchIfDone(j.BatchID)
	}()
}

func (e *Engine) closeBatchIfDone(id string) {
	b, ok := e.batches.Get(id)
	if !ok || b.Status != batch.StatusProcessing {
		return
	}
	p, err := e.batches.Progress(id)
	if err != nil || !p.IsComplete() {
		return
	}
	if _, err := e.batches.Update(id, batch.Complete()); err == nil {
		e.log.Info("batch completed",
			zap.String("batch_id", id),
			zap.Int("completed", p.Completed),
			zap.Int("failed", p.Failed),
			zap.Int("cancelled", p.Cancelled))
	}
}

// Settle waits for pending batch checks.
func (e *Engine) Settle() { e.bg.Wait() }
