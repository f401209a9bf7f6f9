package server

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/metrics"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/shutdown"
)

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := shutdown.Running
	if s.shutdown != nil {
		state = s.shutdown.State()
	}
	status := "healthy"
	code := http.StatusOK
	switch {
	case state != shutdown.Running || !s.engine.Accepting():
		status = "draining"
		code = http.StatusServiceUnavailable
	case s.pool.Depth() >= s.pool.Capacity():
		status = "overloaded"
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"workers":        s.pool.Workers(),
		"queue_depth":    s.pool.Depth(),
		"queue_capacity": s.pool.Capacity(),
		"uptime_seconds": int64(s.metrics.Uptime().Seconds()),
		"shutdown":       state.String(),
	})
}

// GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	pending := 0
	if s.pending != nil {
		pending = s.pending()
	}
	writeJSON(w, http.StatusOK, struct {
		metrics.Snapshot
		QueueDepth    int `json:"queue_depth"`
		QueueCapacity int `json:"queue_capacity"`
		Workers       int `json:"workers"`
		ActiveBatches int `json:"active_batches"`
		StorePending  int `json:"store_pending"`
		RateBuckets   int `json:"rate_limit_buckets"`
	}{
		Snapshot:      s.metrics.Snapshot(),
		QueueDepth:    s.pool.Depth(),
		QueueCapacity: s.pool.Capacity(),
		Workers:       s.pool.Workers(),
		ActiveBatches: s.engine.Batches().ActiveCount(),
		StorePending:  pending,
		RateBuckets:   s.limiter.Len(),
	})
}

// POST /admin/shutdown starts draining and answers at once; progress shows
// on /health.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.shutdown == nil {
		writeError(w, errors.Wrap(apperr.ErrShuttingDown, "no shutdown coordinator"), nil)
		return
	}
	go func() {
		if _, err := s.shutdown.Trigger(context.Background()); err != nil {
			s.log.Error("shutdown failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"state": shutdown.Draining.String()})
}
