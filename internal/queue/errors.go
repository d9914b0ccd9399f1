package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the queue stops accepting or handing out work.
	ErrClosed = errors.New("queue closed")
	// ErrNotFound is returned for Complete/Fail on an unknown or terminal task.
	ErrNotFound = errors.New("task not found")
)

// fatalError marks a failure that must not consume retry budget: the task
// goes straight to Dead.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so Fail dead-letters the task immediately instead of
// scheduling a retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
