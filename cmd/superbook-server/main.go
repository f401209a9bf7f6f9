// Command superbook-server runs the conversion service: it accepts scanned
// pages over HTTP, converts them on a worker pool and keeps job state in a
// durable store across restarts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/broadcast"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/config"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/engine"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/logging"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/metrics"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/output"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/pipeline"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/ratelimit"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/recovery"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/server"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/shutdown"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/store"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/worker"
)

const (
	broadcastBuffer = 64
	limiterSweep    = time.Minute
	limiterIdle     = 10 * time.Minute
	statsInterval   = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newPipeline(cfg config.Config) pipeline.Pipeline {
	fields := strings.Fields(cfg.PipelineCommand)
	if len(fields) == 0 {
		return pipeline.Local{}
	}
	return pipeline.Command{Path: fields[0], Args: fields[1:]}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	writer := store.NewWriter(st, cfg.StoreFlush, log)

	jobs := job.NewQueue()
	batches := batch.NewQueue(jobs)

	rec := recovery.NewManager(st, jobs, batches, log)
	report, err := rec.Recover(ctx)
	if err != nil {
		_ = writer.Close(context.Background())
		return errors.Wrap(err, "recover state")
	}
	log.Info("state recovered",
		zap.Int("jobs", report.Jobs),
		zap.Int("batches", report.Batches),
		zap.Int("interrupted", report.Interrupted),
		zap.Int("batches_closed", report.BatchesClosed))

	bus := broadcast.New(broadcastBuffer)
	bus.TrackJobs(jobs.Get)
	col := metrics.NewCollector()
	col.Seed(jobs.List())
	jobs.Observe(writer)
	jobs.Observe(bus)
	jobs.Observe(col)
	batches.Observe(writer)
	batches.Observe(bus)

	var (
		sink      output.Sink
		presigner server.Presigner
	)
	if cfg.S3.Enabled() {
		s3, err := output.NewS3(cfg.S3)
		if err != nil {
			return err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return err
		}
		sink, presigner = s3, s3
		log.Info("uploading outputs to s3", zap.String("endpoint", cfg.S3.Endpoint), zap.String("bucket", cfg.S3.Bucket))
	}

	pool := worker.New(worker.Config{
		Workers:    cfg.WorkerCount,
		Capacity:   cfg.IntakeCapacity,
		Policy:     cfg.IntakePolicy,
		WorkDir:    filepath.Join(cfg.WorkDir, "outputs"),
		JobTimeout: cfg.JobTimeout,
	}, jobs, newPipeline(cfg), sink, log)
	eng := engine.New(jobs, batches, pool, rec, bus, log)

	limiter := ratelimit.New(map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeSubmit: {Capacity: cfg.RateSubmit.Capacity, Refill: cfg.RateSubmit.Refill},
		ratelimit.ScopeStatus: {Capacity: cfg.RateStatus.Capacity, Refill: cfg.RateStatus.Refill},
	})
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go limiter.Run(janitorCtx, limiterSweep, limiterIdle)
	go logStats(janitorCtx, log, col, pool, writer)

	coord := shutdown.New(cfg.ShutdownGrace, eng, pool, jobs, writer, log)

	srv := server.New(server.Options{
		UploadLimit: cfg.UploadLimit,
		UploadDir:   filepath.Join(cfg.WorkDir, "uploads"),
	}, server.Deps{
		Engine:       eng,
		Limiter:      limiter,
		Bus:          bus,
		Metrics:      col,
		Pool:         pool,
		Shutdown:     coord,
		Presigner:    presigner,
		StorePending: writer.Pending,
		Log:          log,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.Int("workers", cfg.WorkerCount),
			zap.Int("intake_capacity", cfg.IntakeCapacity),
			zap.String("store", cfg.StoreURL))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("signal received")
	case <-coord.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	// The coordinator keeps reads available while it drains.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+coord.FlushTimeout+5*time.Second)
	defer cancel()
	res, err := coord.Trigger(drainCtx)
	if err != nil {
		log.Error("drain did not finish", zap.Error(err))
	} else {
		log.Info("drained", zap.Int("drained", res.Drained), zap.Int("force_cancelled", res.ForceCancelled))
	}
	eng.Settle()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return writer.Close(httpCtx)
}

// logStats writes a load summary every statsInterval.
func logStats(ctx context.Context, log *zap.Logger, col *metrics.Collector, pool *worker.Pool, w *store.Writer) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := col.Snapshot()
			log.Info("stats",
				zap.Int64("active", snap.Active),
				zap.Int64("queued", snap.Queued),
				zap.Int64("completed", snap.Completed),
				zap.Int64("failed", snap.Failed),
				zap.Int("queue_depth", pool.Depth()),
				zap.Int("store_pending", w.Pending()))
		case <-ctx.Done():
			return
		}
	}
}
