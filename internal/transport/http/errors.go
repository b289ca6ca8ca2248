package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/wirechat-calls/internal/callengine"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
)

const (
	codeBadRequest    = "bad_request"
	codeCallNotFound  = "call_not_found"
	codeServiceClosed = "service_closed"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// callError maps err to the code and message sent to the UI, plus the HTTP
// status for that code.
func callError(err error) (*callengine.CallError, int) {
	switch {
	case errors.Is(err, calls.ErrCallNotFound):
		return &callengine.CallError{Code: codeCallNotFound, Message: err.Error()}, http.StatusNotFound
	case errors.Is(err, calls.ErrClosed):
		return &callengine.CallError{Code: codeServiceClosed, Message: err.Error()}, http.StatusServiceUnavailable
	}

	ce := callengine.AsCallError(err)
	switch ce.Code {
	case callengine.CodeInvalidCallType, callengine.CodeNoVideo:
		return ce, http.StatusBadRequest
	case callengine.CodeRecordNotFound:
		return ce, http.StatusNotFound
	case callengine.CodeCallEnded, callengine.CodeSessionTerminal:
		return ce, http.StatusGone
	case callengine.CodeCallInProgress, callengine.CodeNoActiveCall, callengine.CodeNoOffer,
		callengine.CodeOwnCall, callengine.CodeAlreadyAnswered, callengine.CodeCancelled:
		return ce, http.StatusConflict
	case callengine.CodeNegotiationFailed, callengine.CodeConnectionFailed:
		return ce, http.StatusBadGateway
	case callengine.CodeMediaUnavailable, callengine.CodeTransport, callengine.CodeEngineClosed:
		return ce, http.StatusServiceUnavailable
	default:
		ce.Code = callengine.CodeInternal
		return ce, http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: codeBadRequest})
}

func (h *CallsHandlers) writeError(c *gin.Context, err error, op string) {
	ce, status := callError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("op", op).Str("code", ce.Code).Msg("call request failed")
	} else {
		h.log.Debug().Err(err).Str("op", op).Str("code", ce.Code).Msg("call request rejected")
	}
	c.JSON(status, ErrorResponse{Error: ce.Message, Code: ce.Code})
}
