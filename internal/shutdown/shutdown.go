// Package shutdown drains the engine: stop taking work, let running jobs
// finish within a grace period, cancel the rest and flush the store.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

// CancelReason is recorded on jobs cut off by the grace deadline.
const CancelReason = "shutdown"

type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Gate stops new submissions; reads keep working.
type Gate interface {
	StopAdmission()
}

// Intake is the worker pool.
type Intake interface {
	Stop()
	Kill()
	Wait(ctx context.Context) error
}

type Flusher interface {
	Flush(ctx context.Context) error
}

type Result struct {
	Drained        int           `json:"drained"`
	ForceCancelled int           `json:"force_cancelled"`
	Elapsed        time.Duration `json:"elapsed"`
}

type Coordinator struct {
	Grace time.Duration
	// Poll is how often pending jobs are checked while draining.
	Poll time.Duration
	// FlushTimeout bounds the final store flush.
	FlushTimeout time.Duration

	gate   Gate
	intake Intake
	jobs   *job.Queue
	flush  Flusher
	log    *zap.Logger

	state  atomic.Int32
	once   sync.Once
	done   chan struct{}
	result Result
}

// New builds a coordinator. gate and flush may be nil.
func New(grace time.Duration, gate Gate, intake Intake, jobs *job.Queue, flush Flusher, log *zap.Logger) *Coordinator {
	return &Coordinator{
		Grace:        grace,
		Poll:         25 * time.Millisecond,
		FlushTimeout: 10 * time.Second,
		gate:         gate,
		intake:       intake,
		jobs:         jobs,
		flush:        flush,
		log:          log.Named("shutdown"),
		done:         make(chan struct{}),
	}
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Done is closed once shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Trigger starts shutdown on the first call and waits for its result. Later
// calls wait for the same result; ctx only bounds the caller's wait.
func (c *Coordinator) Trigger(ctx context.Context) (Result, error) {
	c.once.Do(func() {
		c.state.Store(int32(Draining))
		go c.run()
	})
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) run() {
	start := time.Now()
	deadline := start.Add(c.Grace)
	c.log.Info("shutdown started", zap.Duration("grace", c.Grace))

	if c.gate != nil {
		c.gate.StopAdmission()
	}
	c.intake.Stop()

	pending := c.jobs.Pending()
	initial := len(pending)
	for len(pending) > 0 && time.Now().Before(deadline) {
		time.Sleep(min(c.Poll, time.Until(deadline)))
		pending = c.stillPending(pending)
	}

	forced := 0
	for _, id := range c.jobs.Pending() {
		if _, err := c.jobs.Update(id, job.CancelWithReason(CancelReason)); err == nil {
			forced++
		}
	}
	c.intake.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), c.FlushTimeout)
	defer cancel()
	if err := c.intake.Wait(ctx); err != nil {
		c.log.Warn("workers did not exit", zap.Error(err))
	}
	if c.flush != nil {
		if err := c.flush.Flush(ctx); err != nil {
			c.log.Error("final flush failed", zap.Error(err))
		}
	}

	c.result = Result{
		Drained:        max(initial-forced, 0),
		ForceCancelled: forced,
		Elapsed:        time.Since(start),
	}
	c.state.Store(int32(Stopped))
	c.log.Info("shutdown finished",
		zap.Int("drained", c.result.Drained),
		zap.Int("force_cancelled", forced),
		zap.Duration("elapsed", c.result.Elapsed))
	close(c.done)
}

func (c *Coordinator) stillPending(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if j, ok := c.jobs.Get(id); ok && !j.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}
