package job

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts the wire names of the statuses.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, true
	}
	return "", false
}

// Progress describes where a processing job is in the pipeline.
type Progress struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	StepName    string `json:"step_name"`
	Percent     int    `json:"percent"`
}

// NewProgress clamps the step counters and derives Percent as
// floor(current/total*100).
func NewProgress(current, total int, name string) Progress {
	if total < 1 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	return Progress{
		CurrentStep: current,
		TotalSteps:  total,
		StepName:    name,
		Percent:     current * 100 / total,
	}
}

// Job is a single conversion request. Values returned by a Queue are
// snapshots; mutating them has no effect on the registry.
type Job struct {
	ID            string     `json:"id"`
	InputFilename string     `json:"input_filename"`
	InputPath     string     `json:"input_path,omitempty"`
	Options       Options    `json:"options"`
	Priority      Priority   `json:"priority"`
	BatchID       string     `json:"batch_id,omitempty"`
	RetryOf       string     `json:"retry_of,omitempty"`
	Status        Status     `json:"status"`
	Progress      *Progress  `json:"progress,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	OutputPath    string     `json:"output_path,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// New returns a queued job with a fresh random id.
func New(filename, inputPath string, opts Options) Job {
	return Job{
		ID:            uuid.NewString(),
		InputFilename: filename,
		InputPath:     inputPath,
		Options:       opts,
		Priority:      PriorityNormal,
		Status:        StatusQueued,
		CreatedAt:     time.Now().UTC(),
	}
}

// Start moves a queued job to processing.
func (j *Job) Start() bool {
	if j.Status != StatusQueued {
		return false
	}
	j.Status = StatusProcessing
	if j.StartedAt == nil {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	return true
}

// UpdateProgress replaces the progress of a processing job. Updates that
// arrive in any other status are stale and dropped.
func (j *Job) UpdateProgress(p Progress) bool {
	if j.Status != StatusProcessing {
		return false
	}
	p = NewProgress(p.CurrentStep, p.TotalSteps, p.StepName)
	j.Progress = &p
	return true
}

func (j *Job) Complete(output string) bool {
	if j.Status != StatusProcessing {
		return false
	}
	j.Status = StatusCompleted
	j.OutputPath = output
	j.stampCompleted()
	return true
}

func (j *Job) Fail(message string) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = StatusFailed
	j.Error = message
	j.stampCompleted()
	return true
}

// Cancel stops a queued or processing job. A non-empty reason is kept in
// the error field.
func (j *Job) Cancel(reason string) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = StatusCancelled
	if reason != "" {
		j.Error = reason
	}
	j.stampCompleted()
	return true
}

func (j *Job) stampCompleted() {
	now := time.Now().UTC()
	j.CompletedAt = &now
}

// Clone returns a deep copy that shares no pointers with j.
func (j Job) Clone() Job {
	c := j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Options = j.Options.Clone()
	return c
}
