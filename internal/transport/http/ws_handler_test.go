package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-calls/internal/callengine"
	"github.com/vovakirdan/wirechat-calls/internal/proto"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

type wireOutbound struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func dialWS(t *testing.T, ctx context.Context, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	hello := readUntil(t, ctx, conn, func(o wireOutbound) bool { return o.Type == proto.OutboundTypeHello })
	var data proto.HelloData
	if err := json.Unmarshal(hello.Data, &data); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if data.Protocol != proto.ProtocolVersion {
		t.Fatalf("unexpected protocol version %d", data.Protocol)
	}
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ, id string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, ID: id, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads messages until match accepts one or ctx expires.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(wireOutbound) bool) wireOutbound {
	t.Helper()
	for {
		var out wireOutbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("read outbound: %v", err)
		}
		if match(out) {
			return out
		}
	}
}

func TestWebSocketHello(t *testing.T) {
	ts, _ := startTestServer(t, createTestStore(t), "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialWS(t, ctx, ts.URL)
}

func TestWebSocketIncomingCallAndJoin(t *testing.T) {
	st := createTestStore(t)
	caller, _ := startTestServer(t, st, "u1")
	callee, _ := startTestServer(t, st, "u2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, callee.URL)

	send(t, ctx, conn, proto.InboundTypeWatch, "w1", proto.WatchData{ChatID: "chat-1"})
	res := readUntil(t, ctx, conn, func(o wireOutbound) bool { return o.ID == "w1" })
	if res.Type != proto.OutboundTypeResult {
		t.Fatalf("watch failed: %+v", res.Error)
	}

	status, body := doJSON(t, caller.Client(), http.MethodPost, caller.URL+"/api/calls", `{"chat_id":"chat-1","type":"audio"}`)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}
	callID := decodeState(t, body).CallID

	event := readUntil(t, ctx, conn, func(o wireOutbound) bool { return o.Event == proto.EventIncomingCall })
	var incoming calls.IncomingCall
	if err := json.Unmarshal(event.Data, &incoming); err != nil {
		t.Fatalf("unmarshal incoming: %v", err)
	}
	if incoming.CallID != callID || incoming.InitiatorID != "u1" {
		t.Fatalf("unexpected incoming call: %+v", incoming)
	}

	send(t, ctx, conn, proto.InboundTypeJoin, "j1", proto.CallData{CallID: callID})
	sawState := false
	res = readUntil(t, ctx, conn, func(o wireOutbound) bool {
		if o.Event == proto.EventCallState {
			sawState = true
		}
		return o.ID == "j1"
	})
	if res.Type != proto.OutboundTypeResult {
		t.Fatalf("join failed: %+v", res.Error)
	}
	var state callengine.State
	if err := json.Unmarshal(res.Data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Status != store.StatusConnected {
		t.Fatalf("expected connected, got %s", state.Status)
	}
	if !sawState {
		readUntil(t, ctx, conn, func(o wireOutbound) bool { return o.Event == proto.EventCallState })
	}
}

func TestWebSocketCommandErrors(t *testing.T) {
	ts, _ := startTestServer(t, createTestStore(t), "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts.URL)

	tests := []struct {
		typ  string
		id   string
		data any
		code string
	}{
		{"dance", "e1", struct{}{}, proto.ErrCodeUnknownType},
		{proto.InboundTypeEnd, "e2", struct{}{}, proto.ErrCodeBadRequest},
		{proto.InboundTypeMute, "e3", proto.CallData{CallID: "missing"}, codeCallNotFound},
		{proto.InboundTypeStart, "e4", proto.StartData{ChatID: "c", Type: "fax"}, callengine.CodeInvalidCallType},
	}
	for _, tt := range tests {
		send(t, ctx, conn, tt.typ, tt.id, tt.data)
		res := readUntil(t, ctx, conn, func(o wireOutbound) bool { return o.ID == tt.id })
		if res.Type != proto.OutboundTypeError || res.Error == nil || res.Error.Code != tt.code {
			t.Fatalf("%s: expected error %s, got %+v", tt.typ, tt.code, res)
		}
	}
}
