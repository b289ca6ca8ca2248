package http

import (
	"context"
	"encoding/json"

	"github.com/vovakirdan/wirechat-calls/internal/callengine"
	"github.com/vovakirdan/wirechat-calls/internal/proto"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// dispatch runs one inbound command and returns the reply to send.
func dispatch(ctx context.Context, svc *calls.Service, in proto.Inbound) proto.Outbound {
	data, protoErr := runInbound(ctx, svc, in)
	if protoErr != nil {
		return proto.Outbound{Type: proto.OutboundTypeError, ID: in.ID, Error: protoErr}
	}
	return proto.Outbound{Type: proto.OutboundTypeResult, ID: in.ID, Data: data}
}

func runInbound(ctx context.Context, svc *calls.Service, in proto.Inbound) (any, *proto.Error) {
	switch in.Type {
	case proto.InboundTypeWatch, proto.InboundTypeUnwatch:
		var watch proto.WatchData
		if err := json.Unmarshal(in.Data, &watch); err != nil || watch.ChatID == "" {
			return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "chat_id is required"}
		}
		if in.Type == proto.InboundTypeUnwatch {
			svc.Unwatch(watch.ChatID)
			return WatchResponse{Watching: svc.Watching()}, nil
		}
		if err := svc.WatchChat(context.WithoutCancel(ctx), watch.ChatID); err != nil {
			return nil, protoError(err)
		}
		return WatchResponse{Watching: svc.Watching()}, nil
	case proto.InboundTypeStart:
		var start proto.StartData
		if err := json.Unmarshal(in.Data, &start); err != nil || start.ChatID == "" {
			return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "chat_id is required"}
		}
		return stateOrError(svc.StartCall(ctx, start.ChatID, start.GroupID, store.CallType(start.Type)))
	case proto.InboundTypeJoin, proto.InboundTypeEnd, proto.InboundTypeLeave,
		proto.InboundTypeMute, proto.InboundTypeCamera:
		var call proto.CallData
		if err := json.Unmarshal(in.Data, &call); err != nil || call.CallID == "" {
			return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "call_id is required"}
		}
		return stateOrError(callAction(svc, in.Type)(ctx, call.CallID))
	default:
		return nil, &proto.Error{Code: proto.ErrCodeUnknownType, Msg: "unknown message type"}
	}
}

func callAction(svc *calls.Service, kind string) callActionFunc {
	switch kind {
	case proto.InboundTypeJoin:
		return svc.JoinCall
	case proto.InboundTypeEnd:
		return svc.EndCall
	case proto.InboundTypeLeave:
		return svc.LeaveCall
	case proto.InboundTypeMute:
		return svc.ToggleMute
	default:
		return svc.ToggleCamera
	}
}

func stateOrError(state callengine.State, err error) (any, *proto.Error) {
	if err != nil {
		return nil, protoError(err)
	}
	return state, nil
}

func protoError(err error) *proto.Error {
	ce, _ := callError(err)
	return &proto.Error{Code: ce.Code, Msg: ce.Message}
}

func outboundFromState(state callengine.State) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventCallState,
		Data:  state,
	}
}

func outboundFromIncoming(call calls.IncomingCall) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventIncomingCall,
		Data:  call,
	}
}
