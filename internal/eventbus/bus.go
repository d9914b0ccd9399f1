// Package eventbus is the in-process notification/observability channel.
// Terminal task outcomes, circuit-breaker transitions and scheduler
// degradations are published here; sinks (metrics, operator notification)
// subscribe. Publishing is fire-and-forget from the core's perspective.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types.
const (
	TypeTaskCompleted   = "task.completed"
	TypeTaskRetrying    = "task.retrying"
	TypeTaskDead        = "task.dead"
	TypeFetchHit        = "fetch.hit"
	TypeFetchMiss       = "fetch.miss"
	TypeFetchUpstream   = "fetch.upstream"
	TypeCircuitOpened   = "fetch.circuit_opened"
	TypeCircuitClosed   = "fetch.circuit_closed"
	TypeScheduleFired   = "sched.fired"
	TypeScheduleDegrade = "sched.degraded"
	TypeConfigApplied   = "config.applied"
)

// TaskOutcome is the payload for task lifecycle events.
type TaskOutcome struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// CircuitTransition is the payload for circuit breaker events.
type CircuitTransition struct {
	Key       string    `json:"key"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitzero"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
