package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/callengine"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// CallsHandlers provides HTTP handlers for call management endpoints.
type CallsHandlers struct {
	service *calls.Service
	log     *zerolog.Logger
}

// NewCallsHandlers creates a new calls handlers instance.
func NewCallsHandlers(svc *calls.Service, logger *zerolog.Logger) *CallsHandlers {
	return &CallsHandlers{
		service: svc,
		log:     logger,
	}
}

// StartCallRequest represents the request body for starting a call.
type StartCallRequest struct {
	ChatID  string `json:"chat_id" binding:"required"`
	GroupID string `json:"group_id"`
	Type    string `json:"type" binding:"required"`
}

// CallsResponse wraps a list of call states.
type CallsResponse struct {
	Calls []callengine.State `json:"calls"`
}

// WatchResponse lists the watched chats.
type WatchResponse struct {
	Watching []string `json:"watching"`
}

// StartCall handles placing a new call.
// POST /api/calls
func (h *CallsHandlers) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid start call request")
		badRequest(c, "invalid request body")
		return
	}

	state, err := h.service.StartCall(c.Request.Context(), req.ChatID, req.GroupID, store.CallType(req.Type))
	if err != nil {
		h.writeError(c, err, "start")
		return
	}

	h.log.Info().Str("call_id", state.CallID).Str("chat_id", req.ChatID).Str("type", req.Type).Msg("call started")
	c.JSON(http.StatusCreated, state)
}

// JoinCall answers or joins a call.
// POST /api/calls/:id/join
func (h *CallsHandlers) JoinCall(c *gin.Context) {
	h.callAction(c, "join", h.service.JoinCall)
}

// EndCall hangs up a call for everyone.
// POST /api/calls/:id/end
func (h *CallsHandlers) EndCall(c *gin.Context) {
	h.callAction(c, "end", h.service.EndCall)
}

// LeaveCall takes the local user off a call's roster.
// POST /api/calls/:id/leave
func (h *CallsHandlers) LeaveCall(c *gin.Context) {
	h.callAction(c, "leave", h.service.LeaveCall)
}

// ToggleMute flips the microphone.
// POST /api/calls/:id/mute
func (h *CallsHandlers) ToggleMute(c *gin.Context) {
	h.callAction(c, "mute", h.service.ToggleMute)
}

// ToggleCamera flips the camera.
// POST /api/calls/:id/camera
func (h *CallsHandlers) ToggleCamera(c *gin.Context) {
	h.callAction(c, "camera", h.service.ToggleCamera)
}

// GetCall returns one call's state.
// GET /api/calls/:id
func (h *CallsHandlers) GetCall(c *gin.Context) {
	state, err := h.service.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get")
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListCalls returns every known call.
// GET /api/calls
func (h *CallsHandlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, CallsResponse{Calls: h.service.List()})
}

// WatchChat starts observing a chat for incoming calls.
// POST /api/chats/:id/watch
func (h *CallsHandlers) WatchChat(c *gin.Context) {
	chatID := c.Param("id")
	// The watch outlives the request.
	if err := h.service.WatchChat(context.WithoutCancel(c.Request.Context()), chatID); err != nil {
		h.writeError(c, err, "watch")
		return
	}
	c.JSON(http.StatusOK, WatchResponse{Watching: h.service.Watching()})
}

// UnwatchChat stops observing a chat.
// DELETE /api/chats/:id/watch
func (h *CallsHandlers) UnwatchChat(c *gin.Context) {
	h.service.Unwatch(c.Param("id"))
	c.JSON(http.StatusOK, WatchResponse{Watching: h.service.Watching()})
}

type callActionFunc func(ctx context.Context, callID string) (callengine.State, error)

func (h *CallsHandlers) callAction(c *gin.Context, op string, fn callActionFunc) {
	callID := c.Param("id")
	state, err := fn(c.Request.Context(), callID)
	if err != nil {
		h.writeError(c, err, op)
		return
	}
	h.log.Debug().Str("call_id", callID).Str("op", op).Str("status", string(state.Status)).Msg("call action")
	c.JSON(http.StatusOK, state)
}
