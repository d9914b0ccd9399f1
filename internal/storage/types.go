package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the scheduler/queue
// run in memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleState is the durable record of a schedule's firing history.
// Owned by the scheduler; persisted before the firing is handed downstream.
type ScheduleState struct {
	ID       string
	LastFire time.Time
	NextFire time.Time
}

// TaskLogEntry is one append-only record of a task state transition.
// Replaying the log in order rebuilds queue state after a restart.
type TaskLogEntry struct {
	At          time.Time
	TaskID      string
	Kind        string
	Priority    int
	ScheduledAt time.Time
	State       string
	Attempt     int
	Error       string
	Payload     string // JSON, opaque to storage
}
