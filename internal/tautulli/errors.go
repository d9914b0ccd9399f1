package tautulli

import (
	"errors"
	"fmt"
)

// StatusError is a non-2xx HTTP response from the Tautulli server.
// 5xx responses are transient; 4xx responses are not worth retrying.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("tautulli: http status %d", e.Code) }

func (e *StatusError) Transient() bool { return e.Code >= 500 }

// APIError is a well-formed envelope whose result field is not "success",
// e.g. a bad API key or an unknown command.
type APIError struct {
	Cmd     string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tautulli: %s failed", e.Cmd)
	}
	return fmt.Sprintf("tautulli: %s: %s", e.Cmd, e.Message)
}

// IsTransient reports whether err is worth an immediate in-pipeline retry:
// network failures, timeouts and 5xx statuses. Envelope-level errors and 4xx
// statuses are deterministic and excluded.
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return false
	}
	// Anything else came from the transport.
	return err != nil
}
