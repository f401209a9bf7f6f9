package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/config"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

const (
	writeTimeout = 10 * time.Second
	baseBackoff  = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
)

type record struct {
	key     string
	job     *job.Job
	batch   *batch.Batch
	attempt int
	nextAt  time.Time
}

// Writer mirrors every registry change into a Store. In sync mode the change
// is written before the mutation returns; in async mode the latest snapshot
// per id is queued and written by a background loop. A failed write is
// retried with backoff in the background and never surfaces to the caller.
type Writer struct {
	store Store
	log   *zap.Logger
	mode  string

	mu       sync.Mutex
	pending  map[string]record
	inflight map[string]struct{}

	drainMu sync.Mutex
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewWriter(s Store, mode string, log *zap.Logger) *Writer {
	if mode != config.FlushAsync {
		mode = config.FlushSync
	}
	w := &Writer{
		store:    s,
		log:      log.Named("store"),
		mode:     mode,
		pending:  make(map[string]record),
		inflight: make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) JobChanged(j job.Job) {
	w.submit(record{key: "job:" + j.ID, job: &j})
}

func (w *Writer) BatchChanged(b batch.Batch) {
	w.submit(record{key: "batch:" + b.ID, batch: &b})
}

func (w *Writer) save(ctx context.Context, r record) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if r.job != nil {
		return w.store.SaveJob(ctx, *r.job)
	}
	return w.store.SaveBatch(ctx, *r.batch)
}

func (w *Writer) submit(r record) {
	w.mu.Lock()
	_, queued := w.pending[r.key]
	_, busy := w.inflight[r.key]
	if w.mode == config.FlushSync && !queued && !busy {
		w.inflight[r.key] = struct{}{}
		w.mu.Unlock()

		err := w.save(context.Background(), r)

		w.mu.Lock()
		delete(w.inflight, r.key)
		if err == nil {
			w.mu.Unlock()
			return
		}
		w.log.Warn("write failed, retrying in background", zap.String("record", r.key), zap.Error(err))
		r.attempt = 1
		r.nextAt = time.Now().Add(backoff(1))
	}
	// A newer snapshot always replaces a queued older one.
	if old, ok := w.pending[r.key]; ok && r.attempt == 0 {
		r.attempt, r.nextAt = old.attempt, old.nextAt
	}
	w.pending[r.key] = r
	w.mu.Unlock()
	w.signal()
}

func (w *Writer) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt > 6 {
		return maxBackoff
	}
	d := baseBackoff << (attempt - 1)
	return min(d, maxBackoff)
}

func (w *Writer) loop() {
	defer close(w.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		select {
		case <-w.quit:
			timer.Stop()
			return
		case <-w.kick:
		case <-timer.C:
		}
		_ = w.drain(context.Background(), false)
		if d, ok := w.nextDelay(); ok {
			timer.Reset(d)
		}
	}
}

func (w *Writer) nextDelay() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return 0, false
	}
	first := true
	var next time.Time
	for _, r := range w.pending {
		if first || r.nextAt.Before(next) {
			next, first = r.nextAt, false
		}
	}
	return max(time.Until(next), 0), true
}

// drain writes every due record, or every queued record when force is set.
func (w *Writer) drain(ctx context.Context, force bool) error {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	now := time.Now()
	w.mu.Lock()
	due := make([]record, 0, len(w.pending))
	for k, r := range w.pending {
		if force || !r.nextAt.After(now) {
			due = append(due, r)
			delete(w.pending, k)
			w.inflight[k] = struct{}{}
		}
	}
	w.mu.Unlock()

	var errs error
	for _, r := range due {
		err := w.save(ctx, r)
		w.mu.Lock()
		delete(w.inflight, r.key)
		if err != nil {
			if _, newer := w.pending[r.key]; !newer {
				r.attempt++
				r.nextAt = time.Now().Add(backoff(r.attempt))
				w.pending[r.key] = r
			}
		}
		w.mu.Unlock()
		if err != nil {
			w.log.Warn("write failed", zap.String("record", r.key), zap.Int("attempt", r.attempt), zap.Error(err))
			errs = multierr.Append(errs, errors.Wrap(err, r.key))
		}
	}
	return errs
}

// Pending is the number of records waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) + len(w.inflight)
}

// Flush writes everything queued, retrying failed records until they succeed
// or ctx is done.
func (w *Writer) Flush(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := w.drain(ctx, true)
		if err == nil {
			w.mu.Lock()
			empty := len(w.pending) == 0
			w.mu.Unlock()
			if empty {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return multierr.Append(err, ctx.Err())
		case <-time.After(backoff(attempt)):
		}
	}
}

// Close stops the background loop, flushes within ctx and closes the store.
func (w *Writer) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		close(w.quit)
		<-w.done
		err = multierr.Append(w.Flush(ctx), w.store.Close())
	})
	return err
}
