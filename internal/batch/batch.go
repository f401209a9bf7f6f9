// Package batch groups jobs that were submitted together. A batch never owns
// its jobs: it keeps their ids and reads live state from the job registry.
package batch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Batch struct {
	ID          string       `json:"id"`
	Options     job.Options  `json:"options"`
	Priority    job.Priority `json:"priority"`
	Status      Status       `json:"status"`
	JobIDs      []string     `json:"job_ids"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func New(opts job.Options, priority job.Priority) Batch {
	return Batch{
		ID:        uuid.NewString(),
		Options:   opts,
		Priority:  priority,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Start requires a queued batch with at least one job.
func (b *Batch) Start() bool {
	if b.Status != StatusQueued || len(b.JobIDs) == 0 {
		return false
	}
	b.Status = StatusProcessing
	if b.StartedAt == nil {
		now := time.Now().UTC()
		b.StartedAt = &now
	}
	return true
}

// Complete marks a processing batch whose jobs have all finished.
func (b *Batch) Complete() bool {
	if b.Status != StatusProcessing {
		return false
	}
	b.Status = StatusCompleted
	now := time.Now().UTC()
	b.CompletedAt = &now
	return true
}

func (b *Batch) Cancel() bool {
	if b.Status.Terminal() {
		return false
	}
	b.Status = StatusCancelled
	now := time.Now().UTC()
	b.CompletedAt = &now
	return true
}

func (b Batch) JobCount() int { return len(b.JobIDs) }

func (b Batch) Clone() Batch {
	c := b
	c.JobIDs = append([]string(nil), b.JobIDs...)
	c.Options = b.Options.Clone()
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Progress is the aggregate of a batch's job states at read time.
// Completed+Failed+Pending+Cancelled always equals Total.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Cancelled int `json:"cancelled"`
}

func NewProgress(total int) Progress {
	return Progress{Total: total, Pending: total}
}

// Percent is floor(completed/total*100); an empty batch reports 0.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

// IsComplete reports whether nothing is left to run, failures included.
func (p Progress) IsComplete() bool { return p.Pending == 0 }

func (p *Progress) add(s job.Status) {
	p.Total++
	switch s {
	case job.StatusCompleted:
		p.Completed++
	case job.StatusFailed:
		p.Failed++
	case job.StatusCancelled:
		p.Cancelled++
	default:
		p.Pending++
	}
}

// Tally classifies the jobs named by ids by their status as read through
// lookup. A job lookup cannot find no longer runs and counts as failed.
func Tally(ids []string, lookup func(string) (job.Job, bool)) Progress {
	var p Progress
	for _, id := range ids {
		j, ok := lookup(id)
		if !ok {
			p.add(job.StatusFailed)
			continue
		}
		p.add(j.Status)
	}
	return p
}

func (p Progress) MarshalJSON() ([]byte, error) {
	type plain Progress
	return json.Marshal(struct {
		plain
		Percent    int  `json:"percent"`
		IsComplete bool `json:"is_complete"`
	}{plain(p), p.Percent(), p.IsComplete()})
}
