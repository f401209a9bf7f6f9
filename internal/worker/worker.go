// Package worker runs conversions on a fixed pool of executors fed by a
// bounded, priority-aware intake.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/config"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/output"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/pipeline"
)

// Message is what executors receive: Process or Shutdown.
type Message interface{ message() }

type Process struct {
	JobID    string
	Input    string
	Priority job.Priority
}

// Shutdown makes the executor that receives it exit.
type Shutdown struct{}

func (Process) message()  {}
func (Shutdown) message() {}

type Config struct {
	Workers    int
	Capacity   int
	Policy     string
	WorkDir    string
	JobTimeout time.Duration
}

type Pool struct {
	cfg  Config
	jobs *job.Queue
	pipe pipeline.Pipeline
	sink output.Sink
	log  *zap.Logger

	// lanes are indexed by priority; slots bounds their combined length.
	lanes [3]chan Message
	slots chan struct{}

	ctx    context.Context
	kill   context.CancelFunc
	done   chan struct{}
	groupE error

	mu       sync.RWMutex
	closed   bool
	closing  chan struct{}
	stopOnce sync.Once

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// New starts cfg.Workers executors. sink may be nil.
func New(cfg Config, jobs *job.Queue, pipe pipeline.Pipeline, sink output.Sink, log *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if sink == nil {
		sink = output.Local{}
	}
	ctx, kill := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		jobs:    jobs,
		pipe:    pipe,
		sink:    sink,
		log:     log.Named("worker"),
		slots:   make(chan struct{}, cfg.Capacity),
		ctx:     ctx,
		kill:    kill,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		seen:    make(map[string]struct{}),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan Message, cfg.Capacity+cfg.Workers)
	}

	g := new(errgroup.Group)
	for i := 0; i < cfg.Workers; i++ {
		id := i + 1
		g.Go(func() error { return p.executor(id) })
	}
	go func() {
		p.groupE = g.Wait()
		close(p.done)
	}()
	return p
}

func lane(pr job.Priority) int {
	switch pr {
	case job.PriorityHigh:
		return 0
	case job.PriorityLow:
		return 2
	}
	return 1
}

// Submit puts a job on the intake. With the reject policy a full intake
// returns ErrCapacityExceeded at once; with the block policy Submit waits
// for room until ctx is done.
func (p *Pool) Submit(ctx context.Context, m Process) error {
	p.seenMu.Lock()
	if _, dup := p.seen[m.JobID]; dup {
		p.seenMu.Unlock()
		return errors.Wrapf(apperr.ErrDuplicateID, "job %s already dispatched", m.JobID)
	}
	p.seen[m.JobID] = struct{}{}
	p.seenMu.Unlock()

	err := p.enqueue(ctx, m)
	if err != nil {
		p.forget(m.JobID)
	}
	return err
}

func (p *Pool) enqueue(ctx context.Context, m Process) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return apperr.ErrShuttingDown
	}
	if p.cfg.Policy == config.PolicyBlock {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closing:
			return apperr.ErrShuttingDown
		}
	} else {
		select {
		case p.slots <- struct{}{}:
		default:
			return errors.Wrapf(apperr.ErrCapacityExceeded, "%d jobs waiting", p.cfg.Capacity)
		}
	}
	p.lanes[lane(m.Priority)] <- m
	return nil
}

func (p *Pool) forget(id string) {
	p.seenMu.Lock()
	delete(p.seen, id)
	p.seenMu.Unlock()
}

// Depth is the number of jobs waiting for an executor.
func (p *Pool) Depth() int { return len(p.slots) }

func (p *Pool) Workers() int  { return p.cfg.Workers }
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// next returns the highest-priority waiting message, or false once the pool
// is killed.
func (p *Pool) next() (Message, bool) {
	for _, l := range p.lanes[:2] {
		select {
		case m := <-l:
			return m, true
		default:
		}
	}
	select {
	case m := <-p.lanes[0]:
		return m, true
	case m := <-p.lanes[1]:
		return m, true
	case m := <-p.lanes[2]:
		return m, true
	case <-p.ctx.Done():
		return nil, false
	}
}

func (p *Pool) executor(id int) error {
	log := p.log.With(zap.Int("worker", id))
	log.Debug("worker started")
	for {
		m, ok := p.next()
		if !ok {
			log.Debug("worker killed")
			return nil
		}
		switch m := m.(type) {
		case Shutdown:
			log.Debug("worker stopped")
			return nil
		case Process:
			<-p.slots
			p.process(log, m)
		}
	}
}

func (p *Pool) process(log *zap.Logger, m Process) {
	log = log.With(zap.String("job_id", m.JobID))
	// Once processed the job is terminal and Start refuses it, so its id
	// no longer needs guarding.
	defer p.forget(m.JobID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panicked", zap.Any("panic", r))
			_, _ = p.jobs.Update(m.JobID, job.Fail(fmt.Sprintf("internal error: %v", r)))
		}
	}()

	j, err := p.jobs.Update(m.JobID, job.Start())
	if err != nil {
		// Cancelled while waiting, or unknown.
		log.Debug("skipping job", zap.Error(err))
		return
	}
	log.Info("processing job", zap.String("file", j.InputFilename))

	ctx := p.ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	input := m.Input
	if input == "" {
		input = j.InputPath
	}
	req := pipeline.Request{
		JobID:     j.ID,
		InputPath: input,
		Filename:  j.InputFilename,
		WorkDir:   p.cfg.WorkDir,
		Options:   j.Options,
	}
	out, err := p.pipe.Run(ctx, req, p.checkpoint(ctx, j.ID))
	switch {
	case err == nil:
		// A cancel during the last stage has no checkpoint after it.
		if cur, ok := p.jobs.Get(j.ID); !ok || cur.Status != job.StatusProcessing {
			err = pipeline.ErrCancelled
		}
	case !errors.Is(err, apperr.ErrPipeline) && !errors.Is(err, pipeline.ErrCancelled) && ctx.Err() == nil:
		err = fmt.Errorf("%w: %w", apperr.ErrPipeline, err)
	}
	if err == nil {
		if out, err = p.sink.Put(ctx, j.ID, out); err != nil {
			err = errors.Wrap(err, "store output")
		}
	}

	switch {
	case err == nil:
		if _, err := p.jobs.Update(j.ID, job.Complete(out)); err != nil {
			log.Info("finished job was already closed", zap.Error(err))
			return
		}
		log.Info("job completed", zap.String("output", out))
	case errors.Is(err, pipeline.ErrCancelled):
		log.Info("job cancelled at stage boundary")
	case p.ctx.Err() != nil:
		_, _ = p.jobs.Update(j.ID, job.CancelWithReason("shutdown"))
		log.Warn("job aborted by shutdown")
	case errors.Is(err, context.DeadlineExceeded):
		_, _ = p.jobs.Update(j.ID, job.Fail(fmt.Sprintf("timed out after %s", p.cfg.JobTimeout)))
		log.Warn("job timed out")
	default:
		_, _ = p.jobs.Update(j.ID, job.Fail(err.Error()))
		log.Warn("job failed", zap.Error(err))
	}
}

// checkpoint stops the pipeline when the job was cancelled and otherwise
// records the stage as progress.
func (p *Pool) checkpoint(ctx context.Context, id string) pipeline.Checkpoint {
	return func(step, total int, name string) error {
		cur, ok := p.jobs.Get(id)
		if !ok || cur.Status != job.StatusProcessing {
			return pipeline.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.jobs.Update(id, job.UpdateProgress(job.NewProgress(step, total, name))); err != nil {
			return pipeline.ErrCancelled
		}
		return nil
	}
}

// Stop refuses further submissions and queues one Shutdown per executor
// behind the waiting work.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		for i := 0; i < p.cfg.Workers; i++ {
			p.lanes[2] <- Shutdown{}
		}
	})
}

// Kill cancels the context of every running pipeline and makes idle
// executors exit.
func (p *Pool) Kill() { p.kill() }

// Wait blocks until every executor has exited or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.groupE
	case <-ctx.Done():
		return ctx.Err()
	}
}
