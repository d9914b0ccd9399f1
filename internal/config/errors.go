package config

import (
	"errors"
	"fmt"
)

// Validation failures never touch the live snapshot; they are returned
// synchronously to whoever proposed the change.
var (
	ErrInvalid    = errors.New("invalid config value")
	ErrOutOfRange = errors.New("config value out of range")
)

func invalidf(field, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), ErrInvalid)
}

func rangef(field, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), ErrOutOfRange)
}
