// Package metrics keeps running job counters fed by registry changes.
package metrics

import (
	"sync"
	"time"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

type Snapshot struct {
	Submitted         int64   `json:"submitted_jobs"`
	Queued            int64   `json:"queued_jobs"`
	Active            int64   `json:"active_jobs"`
	Completed         int64   `json:"completed_jobs"`
	Failed            int64   `json:"failed_jobs"`
	Cancelled         int64   `json:"cancelled_jobs"`
	SuccessRate       float64 `json:"success_rate"`
	AvgProcessingTime float64 `json:"avg_processing_seconds"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Collector is a job.Observer. It only counts changes it sees, so jobs
// restored at startup are added with Seed.
type Collector struct {
	started time.Time

	mu        sync.Mutex
	last      map[string]job.Status
	counts    map[job.Status]int64
	submitted int64
	busy      time.Duration
	finished  int64
}

func NewCollector() *Collector {
	return &Collector{
		started: time.Now(),
		last:    make(map[string]job.Status),
		counts:  make(map[job.Status]int64),
	}
}

// Seed counts already existing jobs without treating them as submissions.
func (c *Collector) Seed(jobs []job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range jobs {
		if _, seen := c.last[j.ID]; seen {
			continue
		}
		c.counts[j.Status]++
		if !j.Status.Terminal() {
			c.last[j.ID] = j.Status
		}
	}
}

func (c *Collector) JobChanged(j job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.last[j.ID]
	if seen && prev == j.Status {
		return
	}
	if seen {
		c.counts[prev]--
	} else {
		c.submitted++
	}
	c.counts[j.Status]++
	if j.Status.Terminal() {
		delete(c.last, j.ID)
		if j.StartedAt != nil && j.CompletedAt != nil {
			c.busy += j.CompletedAt.Sub(*j.StartedAt)
			c.finished++
		}
		return
	}
	c.last[j.ID] = j.Status
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Submitted:     c.submitted,
		Queued:        c.counts[job.StatusQueued],
		Active:        c.counts[job.StatusProcessing],
		Completed:     c.counts[job.StatusCompleted],
		Failed:        c.counts[job.StatusFailed],
		Cancelled:     c.counts[job.StatusCancelled],
		UptimeSeconds: time.Since(c.started).Seconds(),
	}
	if done := s.Completed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Completed) / float64(done)
	}
	if c.finished > 0 {
		s.AvgProcessingTime = (c.busy / time.Duration(c.finished)).Seconds()
	}
	return s
}

// Uptime is the time since the collector was created.
func (c *Collector) Uptime() time.Duration { return time.Since(c.started) }
