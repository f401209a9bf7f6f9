// Package broadcast fans job and batch changes out to subscribers. Publishing
// never blocks: each subscriber has a bounded buffer and loses its oldest
// undelivered message when the buffer is full.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

type Kind string

const (
	KindJob   Kind = "job"
	KindBatch Kind = "batch"
)

// Global receives every message.
const Global = "*"

func JobTopic(id string) string   { return "job:" + id }
func BatchTopic(id string) string { return "batch:" + id }

type Message struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	BatchID   string        `json:"batch_id,omitempty"`
	Status    string        `json:"status"`
	Progress  *job.Progress `json:"progress,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// BatchProgress holds the batch counts on batch messages.
	BatchProgress *batch.Progress `json:"batch_progress,omitempty"`
}

// Terminal reports whether the message carries a final status.
func (m Message) Terminal() bool {
	if m.Kind == KindBatch {
		return batch.Status(m.Status).Terminal()
	}
	return job.Status(m.Status).Terminal()
}

// JobMessage describes the current state of j.
func JobMessage(j job.Job) Message {
	m := Message{
		ID:        j.ID,
		Kind:      KindJob,
		BatchID:   j.BatchID,
		Status:    string(j.Status),
		Error:     j.Error,
		Timestamp: time.Now().UTC(),
	}
	if j.Progress != nil {
		p := *j.Progress
		m.Progress = &p
	}
	return m
}

// BatchMessage describes b; p may be nil when the counts are unknown.
func BatchMessage(b batch.Batch, p *batch.Progress) Message {
	m := Message{ID: b.ID, Kind: KindBatch, BatchID: b.ID, Status: string(b.Status), Timestamp: time.Now().UTC()}
	if p != nil {
		c := *p
		m.BatchProgress = &c
	}
	return m
}

type Subscription struct {
	b     *Broadcaster
	topic string
	ch    chan Message

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// C delivers the messages. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped counts messages discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.b.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- m:
	default:
		s.dropped.Add(1)
	}
}

type Broadcaster struct {
	buffer int
	jobs   func(string) (job.Job, bool)

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New returns a broadcaster whose subscriptions buffer up to buffer
// messages unless Subscribe asks otherwise.
func New(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{buffer: buffer, subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe listens on topic; buffer < 1 uses the broadcaster default.
func (b *Broadcaster) Subscribe(topic string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = b.buffer
	}
	s := &Subscription{b: b, topic: topic, ch: make(chan Message, buffer)}
	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.topic]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.topic)
	}
}

// Subscribers counts the live subscriptions on topic.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers m to the subscribers of its own topic, of its batch and
// of Global.
func (b *Broadcaster) Publish(m Message) {
	topics := []string{Global}
	switch m.Kind {
	case KindJob:
		topics = append(topics, JobTopic(m.ID))
		if m.BatchID != "" {
			topics = append(topics, BatchTopic(m.BatchID))
		}
	case KindBatch:
		topics = append(topics, BatchTopic(m.ID))
	}

	b.mu.RLock()
	var targets []*Subscription
	for _, t := range topics {
		for s := range b.subs[t] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(m)
	}
}

func (b *Broadcaster) JobChanged(j job.Job) { b.Publish(JobMessage(j)) }

// BatchChanged publishes bt with counts read through the job lookup. It
// runs under the batch lock, so it reads jobs directly and never the batch
// registry.
func (b *Broadcaster) BatchChanged(bt batch.Batch) {
	var p *batch.Progress
	if b.jobs != nil {
		t := batch.Tally(bt.JobIDs, b.jobs)
		p = &t
	}
	b.Publish(BatchMessage(bt, p))
}

// TrackJobs gives batch messages their counts. Call it before the
// broadcaster observes any registry.
func (b *Broadcaster) TrackJobs(lookup func(string) (job.Job, bool)) { b.jobs = lookup }

// WaitTerminal blocks until job id reaches a terminal status or ctx is done.
// lookup reads the current state, so a job that finished before the call
// returns at once.
func (b *Broadcaster) WaitTerminal(ctx context.Context, id string, lookup func(string) (job.Job, bool)) (job.Job, error) {
	sub := b.Subscribe(JobTopic(id), 16)
	defer sub.Close()
	for {
		j, ok := lookup(id)
		if ok && j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case m := <-sub.C():
			if !m.Terminal() {
				continue
			}
		}
	}
}
