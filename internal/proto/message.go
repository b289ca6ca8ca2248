package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeWatch   = "watch"
	InboundTypeUnwatch = "unwatch"
	InboundTypeStart   = "start"
	InboundTypeJoin    = "join"
	InboundTypeEnd     = "end"
	InboundTypeLeave   = "leave"
	InboundTypeMute    = "mute"
	InboundTypeCamera  = "camera"

	OutboundTypeHello  = "hello"
	OutboundTypeEvent  = "event"
	OutboundTypeResult = "result"
	OutboundTypeError  = "error"

	EventCallState    = "call_state"
	EventIncomingCall = "incoming_call"

	ErrCodeBadRequest  = "bad_request"
	ErrCodeUnknownType = "invalid_message"
	ErrCodeRateLimited = "rate_limited"
)

// WatchData names a chat to observe for incoming calls.
type WatchData struct {
	ChatID string `json:"chat_id"`
}

// StartData requests a new call.
type StartData struct {
	ChatID  string `json:"chat_id"`
	GroupID string `json:"group_id,omitempty"`
	Type    string `json:"type"`
}

// CallData addresses an existing call.
type CallData struct {
	CallID string `json:"call_id"`
}

// HelloData is sent to the client once the socket is open.
type HelloData struct {
	Protocol int    `json:"protocol"`
	UserID   string `json:"user_id"`
}

// Outbound is the envelope for messages sent to the client. ID echoes the
// inbound request a result or error answers.
type Outbound struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
