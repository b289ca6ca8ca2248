package peer

import (
	"errors"
	"fmt"
)

var (
	ErrClosed     = errors.New("peer connection closed")
	ErrMalformed  = errors.New("malformed description")
	ErrWrongState = errors.New("description out of order")
)

// NegotiationError reports a failed offer/answer step.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func negotiationErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &NegotiationError{Op: op, Err: err}
}
