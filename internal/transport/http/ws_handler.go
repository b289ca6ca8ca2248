package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/callengine"
	"github.com/vovakirdan/wirechat-calls/internal/proto"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
)

const (
	wsCommandsPerMinute = 120
	wsReplyBuffer       = 16
)

// WSHandler upgrades HTTP connections and streams call state to the UI. The
// client may also send call commands over the same socket.
type WSHandler struct {
	service *calls.Service
	selfID  string
	log     *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(svc *calls.Service, selfID string, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{service: svc, selfID: selfID, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	clientID := uuid.New().String()
	logger := h.log.With().Str("client_id", clientID).Logger()

	states, cancelStates := h.service.States()
	defer cancelStates()
	incoming, cancelIncoming := h.service.Incoming()
	defer cancelIncoming()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan proto.Outbound, wsReplyBuffer)
	var pending sync.WaitGroup
	defer pending.Wait()

	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type: proto.OutboundTypeHello,
		Data: proto.HelloData{Protocol: proto.ProtocolVersion, UserID: h.selfID},
	}); err != nil {
		logger.Warn().Err(err).Msg("write ws hello")
		return
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, replies, &pending, &logger)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, replies, states, incoming, &logger)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			logger.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// readLoop runs each command in its own goroutine so a slow start or join
// does not block a hang-up sent right after it.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- proto.Outbound, pending *sync.WaitGroup, logger *zerolog.Logger) error {
	limiter := newRateLimiter(wsCommandsPerMinute, time.Minute)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			logger.Debug().Err(err).Msg("read ws inbound")
			return err
		}

		if !limiter.allow() {
			reply(ctx, replies, proto.Outbound{
				Type:  proto.OutboundTypeError,
				ID:    inbound.ID,
				Error: &proto.Error{Code: proto.ErrCodeRateLimited, Msg: "too many commands"},
			})
			continue
		}

		pending.Add(1)
		go func(in proto.Inbound) {
			defer pending.Done()
			logger.Debug().Str("type", in.Type).Str("id", in.ID).Msg("ws command")
			reply(ctx, replies, dispatch(ctx, h.service, in))
		}(inbound)
	}
}

func (h *WSHandler) writeLoop(
	ctx context.Context,
	conn *websocket.Conn,
	replies <-chan proto.Outbound,
	states <-chan callengine.State,
	incoming <-chan calls.IncomingCall,
	logger *zerolog.Logger,
) error {
	for {
		var out proto.Outbound
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out = <-replies:
		case st, ok := <-states:
			if !ok {
				return nil
			}
			out = outboundFromState(st)
		case call, ok := <-incoming:
			if !ok {
				return nil
			}
			out = outboundFromIncoming(call)
		}
		if err := wsjson.Write(ctx, conn, out); err != nil {
			logger.Error().Err(err).Msg("write ws message")
			return err
		}
	}
}

func reply(ctx context.Context, replies chan<- proto.Outbound, out proto.Outbound) {
	select {
	case replies <- out:
	case <-ctx.Done():
	}
}
