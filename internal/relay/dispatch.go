package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/ratelimit"
)

// errUnknownEvent is returned for event names the relay does not handle.
var errUnknownEvent = errors.New("unknown event")

// handle decodes and routes one inbound frame. A failure is reported to the
// sender and never tears down the connection.
func (h *Hub) handle(s *presence.Session, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.Events.WithLabelValues("", "invalid").Inc()
		h.logger.Debug("bad frame", "user_id", s.UserID, "session_id", s.ID, "error", err)
		s.Emit(protocol.EventError, protocol.Error{Message: "malformed frame", Code: protocol.CodeBadFrame})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.metrics.Events.WithLabelValues(frame.Event, "error").Inc()
			h.logger.Error("recovered from panic while handling event",
				"event", frame.Event, "user_id", s.UserID, "session_id", s.ID, "panic", fmt.Sprint(r))
			s.Emit(protocol.EventError, protocol.Error{Message: "internal error", Code: protocol.CodeInternal, Event: frame.Event})
		}
	}()

	err = h.route(s, frame)
	switch {
	case err == nil:
		h.metrics.Events.WithLabelValues(frame.Event, "ok").Inc()
	case errors.Is(err, errUnknownEvent):
		h.metrics.Events.WithLabelValues("unknown", "unknown").Inc()
		s.Emit(protocol.EventError, protocol.Error{Message: err.Error(), Code: protocol.CodeUnknownEvent, Event: frame.Event})
	case errors.Is(err, protocol.ErrValidation):
		h.metrics.Events.WithLabelValues(frame.Event, "invalid").Inc()
		// send_message reports through message_error with the client's tempId.
		if frame.Event != protocol.EventSendMessage {
			s.Emit(protocol.EventError, protocol.Error{
				Message: strings.TrimPrefix(err.Error(), protocol.ErrValidation.Error()+": "),
				Code:    protocol.CodeValidation,
				Event:   frame.Event,
			})
		}
	default:
		h.metrics.Events.WithLabelValues(frame.Event, "error").Inc()
		h.logger.Warn("event failed", "event", frame.Event, "user_id", s.UserID, "error", err)
	}
}

// refuse answers a rate limited frame. send_message is refused through
// message_error so the client can fail its pending message.
func (h *Hub) refuse(s *presence.Session, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		s.Emit(protocol.EventError, protocol.Error{Message: ratelimit.ErrRateLimited.Error(), Code: protocol.CodeRateLimited})
		return
	}
	h.logger.Debug("event rate limited", "event", frame.Event, "user_id", s.UserID, "session_id", s.ID)
	if frame.Event == protocol.EventSendMessage {
		s.Emit(protocol.EventMessageError, protocol.MessageError{TempID: frame.TempID(), Error: ratelimit.ErrRateLimited.Error()})
		return
	}
	s.Emit(protocol.EventError, protocol.Error{Message: ratelimit.ErrRateLimited.Error(), Code: protocol.CodeRateLimited, Event: frame.Event})
}

func (h *Hub) route(s *presence.Session, frame protocol.Frame) error {
	switch frame.Event {
	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		var req protocol.RoomRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		roomID := strings.TrimSpace(req.RoomID)
		if err := protocol.Required("roomId", roomID); err != nil {
			return err
		}
		if frame.Event == protocol.EventJoinRoom {
			h.rooms.Join(roomID, s.UserID)
		} else {
			h.rooms.Leave(roomID, s.UserID)
		}
		return nil

	case protocol.EventSendMessage:
		var req protocol.SendMessageRequest
		if err := frame.Bind(&req); err != nil {
			s.Emit(protocol.EventMessageError, protocol.MessageError{TempID: frame.TempID(), Error: "malformed send_message payload"})
			return err
		}
		_, err := h.messages.Send(s, req)
		if errors.Is(err, protocol.ErrValidation) {
			return err
		}
		// A full queue was already reported to the sender.
		return nil

	case protocol.EventTyping:
		var req protocol.TypingRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		return h.messages.Typing(s, req)

	case protocol.EventMarkAsRead:
		var req protocol.MarkAsReadRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		return h.messages.MarkRead(s, req)

	case protocol.EventUpdateStatus:
		var req protocol.UpdateStatusRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		status, ok := presence.ParseStatus(req.Status)
		if !ok {
			return fmt.Errorf("%w: status must be online, away or offline", protocol.ErrValidation)
		}
		h.registry.SetStatus(s.UserID, status)
		return nil

	case protocol.EventGetOnline:
		s.Emit(protocol.EventOnlineUsers, protocol.OnlineUsers{Users: h.registry.ListOnline()})
		return nil

	case protocol.EventCallInitiate:
		var req protocol.CallInitiateRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		_, err := h.calls.Initiate(s, req)
		return err

	case protocol.EventCallAccept:
		var req protocol.CallAcceptRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		h.calls.Accept(s, req)
		return nil

	case protocol.EventCallReject:
		var req protocol.CallRejectRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		h.calls.Reject(s, req)
		return nil

	case protocol.EventCallEnd:
		var req protocol.CallEndRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		h.calls.End(s, req)
		return nil
	}

	if protocol.IsSignal(frame.Event) {
		var req protocol.SignalRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		h.calls.Signal(s, frame.Event, req)
		return nil
	}
	return fmt.Errorf("%w: %s", errUnknownEvent, frame.Event)
}
