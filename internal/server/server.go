// Package server exposes the engine over HTTP and WebSocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/broadcast"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/engine"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/metrics"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/ratelimit"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/shutdown"
)

// PoolStats reports the worker pool's load.
type PoolStats interface {
	Depth() int
	Capacity() int
	Workers() int
}

type Shutdowner interface {
	Trigger(ctx context.Context) (shutdown.Result, error)
	State() shutdown.State
}

// Presigner turns a remote output location into a download link.
type Presigner interface {
	PresignedURL(ctx context.Context, location string) (string, error)
}

type Options struct {
	// UploadLimit caps a request body in bytes; 0 disables the cap.
	UploadLimit int64
	// UploadDir receives submitted files.
	UploadDir string
	// MaxWait caps the ?wait= duration of a job submission.
	MaxWait time.Duration
}

type Deps struct {
	Engine   *engine.Engine
	Limiter  *ratelimit.Limiter
	Bus      *broadcast.Broadcaster
	Metrics  *metrics.Collector
	Pool     PoolStats
	Shutdown Shutdowner
	// Presigner and StorePending are optional.
	Presigner    Presigner
	StorePending func() int
	Log          *zap.Logger
}

type Server struct {
	opts      Options
	engine    *engine.Engine
	limiter   *ratelimit.Limiter
	bus       *broadcast.Broadcaster
	metrics   *metrics.Collector
	pool      PoolStats
	shutdown  Shutdowner
	presigner Presigner
	pending   func() int
	log       *zap.Logger
	router    chi.Router
}

func New(opts Options, d Deps) *Server {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	s := &Server{
		opts:      opts,
		engine:    d.Engine,
		limiter:   d.Limiter,
		bus:       d.Bus,
		metrics:   d.Metrics,
		pool:      d.Pool,
		shutdown:  d.Shutdown,
		presigner: d.Presigner,
		pending:   d.StorePending,
		log:       d.Log.Named("http"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	submit := s.rateLimit(ratelimit.ScopeSubmit)
	status := s.rateLimit(ratelimit.ScopeStatus)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(submit, s.admission, s.limitBody)
			r.Post("/jobs", s.handleSubmitJob)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
			r.Post("/batches", s.handleSubmitBatch)
		})
		r.Group(func(r chi.Router) {
			r.Use(submit)
			r.Delete("/jobs/{id}", s.handleCancelJob)
			r.Delete("/batches/{id}", s.handleCancelBatch)
		})
		r.Group(func(r chi.Router) {
			r.Use(status)
			r.Get("/jobs", s.handleHistory)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/jobs/{id}/download", s.handleDownload)
			r.Get("/batches", s.handleListBatches)
			r.Get("/batches/{id}", s.handleGetBatch)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(status)
		r.Get("/ws", s.handleWS)
		r.Get("/ws/jobs/{id}", s.handleWSJob)
		r.Get("/ws/batches/{id}", s.handleWSBatch)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/admin/shutdown", s.handleShutdown)
	return r
}
