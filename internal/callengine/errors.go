package callengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// Error codes shown to the UI.
const (
	CodeMediaUnavailable  = "media_unavailable"
	CodeNegotiationFailed = "negotiation_failed"
	CodeConnectionFailed  = "connection_failed"
	CodeRecordNotFound    = "record_not_found"
	CodeTransport         = "transport_error"
	CodeCallInProgress    = "call_in_progress"
	CodeNoActiveCall      = "no_active_call"
	CodeInvalidCallType   = "invalid_call_type"
	CodeCallEnded         = "call_ended"
	CodeNoOffer           = "no_offer"
	CodeOwnCall           = "own_call"
	CodeAlreadyAnswered   = "already_answered"
	CodeNoVideo           = "no_video"
	CodeSessionTerminal   = "session_terminal"
	CodeCancelled         = "cancelled"
	CodeEngineClosed      = "engine_closed"
	CodeInternal          = "internal_error"
)

var (
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoActiveCall     = errors.New("no active call")
	ErrInvalidCallType  = errors.New("invalid call type")
	ErrCallEnded        = errors.New("call has ended")
	ErrNoOffer          = errors.New("call has no offer to answer")
	ErrOwnCall          = errors.New("cannot answer own call")
	ErrAlreadyAnswered  = errors.New("call was answered elsewhere")
	ErrNoVideo          = errors.New("call has no video track")
	ErrSessionTerminal  = errors.New("session already ended")
	ErrCancelled        = errors.New("operation cancelled by hang-up")
	ErrEngineClosed     = errors.New("call engine closed")
	ErrConnectionFailed = errors.New("peer connection failed")
)

// CallError carries a stable code and a human-readable message.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// AsCallError converts err into a CallError. nil stays nil.
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	return &CallError{Code: Code(err), Message: Message(err)}
}

// Code maps err to a stable error code.
func Code(err error) string {
	var (
		acqErr *media.AcquisitionError
		negErr *peer.NegotiationError
		trErr  *store.TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &acqErr), errors.Is(err, media.ErrUnsupported):
		return CodeMediaUnavailable
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.As(err, &negErr):
		return CodeNegotiationFailed
	case errors.Is(err, ErrCallEnded):
		return CodeCallEnded
	case errors.Is(err, store.ErrNotFound):
		return CodeRecordNotFound
	case errors.As(err, &trErr):
		return CodeTransport
	case errors.Is(err, ErrCallInProgress):
		return CodeCallInProgress
	case errors.Is(err, ErrNoActiveCall):
		return CodeNoActiveCall
	case errors.Is(err, ErrInvalidCallType):
		return CodeInvalidCallType
	case errors.Is(err, ErrNoOffer):
		return CodeNoOffer
	case errors.Is(err, ErrOwnCall):
		return CodeOwnCall
	case errors.Is(err, ErrAlreadyAnswered):
		return CodeAlreadyAnswered
	case errors.Is(err, ErrNoVideo):
		return CodeNoVideo
	case errors.Is(err, ErrSessionTerminal):
		return CodeSessionTerminal
	case errors.Is(err, ErrCancelled), errors.Is(err, media.ErrReleased), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrEngineClosed):
		return CodeEngineClosed
	default:
		return CodeInternal
	}
}

// Message returns the text shown next to a failed call.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch Code(err) {
	case CodeMediaUnavailable:
		cause := errors.Unwrap(err)
		if cause == nil {
			cause = err
		}
		return fmt.Sprintf("Camera or microphone unavailable: %v", cause)
	case CodeNegotiationFailed:
		return fmt.Sprintf("Could not negotiate the call: %v", err)
	case CodeConnectionFailed:
		return "Connection to the other participant was lost"
	case CodeTransport:
		return fmt.Sprintf("Could not reach the call service: %v", err)
	default:
		return err.Error()
	}
}
