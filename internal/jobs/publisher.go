package jobs

import (
	"log/slog"
	"sync"
)

// EventType names the SSE event a job change is delivered as.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is a job change pushed to subscribers. Job carries the full
// post-change state so consumers never need to merge partial updates.
type Event struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
}

// EventFor derives the event type from the job's status.
func EventFor(job Job) Event {
	t := EventProgress
	switch job.Status {
	case StatusCompleted:
		t = EventCompleted
	case StatusFailed:
		t = EventFailed
	case StatusCancelled:
		t = EventCancelled
	}
	return Event{Type: t, Job: job}
}

// Terminal reports whether this is the last event for the job.
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

// Subscription receives the events of one job. C is closed when the job
// reaches a terminal state, when the subscriber falls behind, or on
// Unsubscribe.
type Subscription struct {
	JobID string
	C     <-chan Event

	ch     chan Event
	closed bool
}

// Publisher fans job events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full is disconnected instead of having
// events dropped or reordered, and is expected to resync by polling.
type Publisher struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewPublisher creates a publisher with the given per-subscriber buffer.
func NewPublisher(buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers for events of jobID.
func (p *Publisher) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, p.buffer)
	sub := &Subscription{JobID: jobID, C: ch, ch: ch}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[jobID] == nil {
		p.subs[jobID] = make(map[*Subscription]struct{})
	}
	p.subs[jobID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(sub)
}

// Publish delivers ev to every subscriber of the job.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subs[ev.Job.ID] {
		select {
		case sub.ch <- ev:
		default:
			p.logger.Warn("disconnecting slow job subscriber", "job_id", ev.Job.ID, "seq", ev.Job.Seq)
			p.removeLocked(sub)
		}
	}
	if ev.Terminal() {
		for sub := range p.subs[ev.Job.ID] {
			p.removeLocked(sub)
		}
	}
}

// Subscribers returns the number of live subscriptions for jobID.
func (p *Publisher) Subscribers(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[jobID])
}

func (p *Publisher) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set := p.subs[sub.JobID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(p.subs, sub.JobID)
		}
	}
}
