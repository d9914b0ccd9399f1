package queue

import (
	"time"
)

// State is the lifecycle state of a task.
//
// Transitions: Pending -> InFlight -> {Completed | Retrying -> Pending | Dead}.
// Dead and Completed are terminal; a task never leaves Dead.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateDead }

// Priority orders tasks; higher runs first. Manual/administrative triggers
// outrank scheduled work.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Task is a unit of work owned by the queue until it reaches a terminal
// state. Callers read results; they never mutate queue internals.
type Task struct {
	ID          string
	Kind        string
	Priority    Priority
	ScheduledAt time.Time
	Deadline    time.Time
	Attempts    int
	State       State
	Payload     string // JSON, opaque to the queue
	LastError   string

	// insertion order; final ordering tie-break
	seq uint64
	// when the current attempt was handed to a worker
	started time.Time
}

// Options is the retry/backoff policy applied on Fail.
type Options struct {
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryMaxDelay < o.RetryBase {
		o.RetryMaxDelay = o.RetryBase
	}
	return o
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Ready     int
	Waiting   int // retrying or scheduled in the future
	InFlight  int
	Enqueued  uint64
	Completed uint64
	Retries   uint64
	Dead      uint64
}
