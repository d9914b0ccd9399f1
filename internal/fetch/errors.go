package fetch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen means the upstream breaker is rejecting calls without
	// touching the network. Callers should fail the task and retry later.
	ErrCircuitOpen = errors.New("fetch: circuit open")
	// ErrClosed is returned after the fetcher shuts down.
	ErrClosed = errors.New("fetch: closed")
)

// OpenError carries the time the breaker will next allow a probe.
type OpenError struct {
	Key   string
	Until time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("fetch: circuit open for %s until %s", e.Key, e.Until.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }
