package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"greenhouse/internal/models"
)

// Kind names an event type on the bus.
type Kind string

const (
	RuleTriggered Kind = "RULE_TRIGGERED"
	EngineStatus  Kind = "RULE_ENGINE_STATUS"
)

// Event is one observability notification. Exactly one of Execution
// or Status is set, matching Kind.
type Event struct {
	Kind      Kind                  `json:"kind"`
	At        time.Time             `json:"at"`
	Execution *models.RuleExecution `json:"execution,omitempty"`
	Status    *models.EngineStatus  `json:"status,omitempty"`
}

// Bus is a bounded, best-effort event channel. Publish never blocks
// the engine: when the buffer is full the event is dropped and
// counted, since observability must not stall rule dispatch.
type Bus struct {
	ch      chan Event
	log     *logrus.Entry
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewBus creates a bus with the given buffer size.
func NewBus(size int, log *logrus.Entry) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{ch: make(chan Event, size), log: log}
}

// Publish offers an event to the bus without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped++
		b.log.WithField("kind", ev.Kind).Debug("event bus full, dropping event")
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops the bus. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
