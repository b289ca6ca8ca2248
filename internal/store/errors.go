package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session record does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a conditional write lost a race.
	ErrVersionConflict = errors.New("session version conflict")
)

// TransportError wraps a backend write or subscribe failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// WrapTransport wraps a backend error in a TransportError unless it is nil
// or one of the domain sentinels.
func WrapTransport(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
