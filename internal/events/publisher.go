// Package events buffers and fans out job and connection events to UI
// consumers. Events published while no consumer is attached are queued in a
// bounded ring and replayed, in order, to the next consumer that attaches.
package events

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	TaskSubmitted          Kind = "task_submitted"
	TaskProgress           Kind = "task_progress"
	TaskComplete           Kind = "task_complete"
	TaskError              Kind = "task_error"
	JobStarted             Kind = "job_started"
	JobComplete            Kind = "job_complete"
	ConnectionStateChanged Kind = "connection_state_changed"
)

// DefaultQueueSize bounds the number of events held while detached.
const DefaultQueueSize = 1000

// Event is one notification for UI consumers.
type Event struct {
	Kind    Kind           `json:"type"`
	Seq     uint64         `json:"seq"`
	JobID   string         `json:"job_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	ChunkID string         `json:"chunk_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// Consumer receives events. It is called from the publishing goroutine, must
// not block for long and must not call Publish or Attach.
type Consumer func(Event)

// Publisher is safe for concurrent use.
type Publisher struct {
	mu        sync.Mutex
	deliverMu sync.Mutex // serializes delivery so consumers see seq order
	consumers map[int]Consumer
	nextID    int
	seq       uint64

	// ring buffer
	queue   []Event
	head    int
	size    int
	dropped uint64

	logger *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithQueueSize sets the ring capacity. Values below 1 use DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make([]Event, n)
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a publisher with no consumers attached.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		consumers: make(map[int]Consumer),
		queue:     make([]Event, DefaultQueueSize),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stamps e with a sequence number and time, then delivers it to every
// attached consumer, or queues it if none is attached.
func (p *Publisher) Publish(e Event) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	p.seq++
	e.Seq = p.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if len(p.consumers) == 0 {
		p.enqueue(e)
		p.mu.Unlock()
		return
	}
	targets := p.snapshot()
	p.mu.Unlock()

	for _, c := range targets {
		c(e)
	}
}

// enqueue appends to the ring, dropping the oldest event when full.
// Caller holds p.mu.
func (p *Publisher) enqueue(e Event) {
	capacity := len(p.queue)
	if p.size == capacity {
		p.head = (p.head + 1) % capacity
		p.size--
		p.dropped++
		if p.dropped == 1 || p.dropped%100 == 0 {
			p.logger.Warn("event queue full, dropping oldest", "capacity", capacity, "dropped", p.dropped)
		}
	}
	p.queue[(p.head+p.size)%capacity] = e
	p.size++
}

// drain returns queued events oldest first and empties the ring.
// Caller holds p.mu.
func (p *Publisher) drain() []Event {
	out := make([]Event, 0, p.size)
	capacity := len(p.queue)
	for i := 0; i < p.size; i++ {
		idx := (p.head + i) % capacity
		out = append(out, p.queue[idx])
		p.queue[idx] = Event{}
	}
	p.head = 0
	p.size = 0
	return out
}

// snapshot returns the attached consumers in attach order. Caller holds p.mu.
func (p *Publisher) snapshot() []Consumer {
	out := make([]Consumer, 0, len(p.consumers))
	for _, id := range slices.Sorted(maps.Keys(p.consumers)) {
		out = append(out, p.consumers[id])
	}
	return out
}

// QueueSize returns the ring capacity.
func (p *Publisher) QueueSize() int {
	return len(p.queue)
}

// Attach registers c, replays every queued event to it in arrival order and
// clears the queue. The returned id is used to Detach.
func (p *Publisher) Attach(c Consumer) int {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.consumers[id] = c
	backlog := p.drain()
	p.mu.Unlock()

	if len(backlog) > 0 {
		p.logger.Debug("replaying queued events", "count", len(backlog))
	}
	for _, e := range backlog {
		c(e)
	}
	return id
}

// Detach removes a consumer. Unknown ids are ignored.
func (p *Publisher) Detach(id int) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Attached reports whether at least one consumer is attached.
func (p *Publisher) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers) > 0
}

// Queued returns the number of events waiting for a consumer.
func (p *Publisher) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Dropped returns how many queued events were discarded because the ring was full.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
