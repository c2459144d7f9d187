// Package protocol defines the JSON frames exchanged between relay clients and
// the server, together with the inbound request and outbound payload shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks an inbound event that is missing a required field.
var ErrValidation = errors.New("validation failed")

// Inbound event names (client -> server).
const (
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventSendMessage   = "send_message"
	EventTyping        = "typing"
	EventMarkAsRead    = "mark_as_read"
	EventUpdateStatus  = "update_status"
	EventGetOnline     = "get_online_users"
	EventCallInitiate  = "call_initiate"
	EventCallAccept    = "call_accept"
	EventCallReject    = "call_reject"
	EventCallEnd       = "call_end"
	EventWebRTCOffer   = "webrtc_offer"
	EventWebRTCAnswer  = "webrtc_answer"
	EventWebRTCICE     = "webrtc_ice_candidate"
)

// Outbound event names (server -> client).
const (
	EventConnected       = "connected"
	EventUserJoinedRoom  = "user_joined_room"
	EventUserLeftRoom    = "user_left_room"
	EventNewMessage      = "new_message"
	EventMessageSent     = "message_sent"
	EventMessageError    = "message_error"
	EventTypingIndicator = "typing_indicator"
	EventMessagesRead    = "messages_read"
	EventUserStatus      = "user_status_change"
	EventOnlineUsers     = "online_users"
	EventIncomingCall    = "incoming_call"
	EventCallRinging     = "call_ringing"
	EventCallAccepted    = "call_accepted"
	EventCallRejected    = "call_rejected"
	EventCallEnded       = "call_ended"
	EventCallFailed      = "call_failed"
	EventError           = "error"
)

// Error codes carried by the generic error event.
const (
	CodeRateLimited  = "rate_limited"
	CodeValidation   = "validation"
	CodeUnknownEvent = "unknown_event"
	CodeBadFrame     = "bad_frame"
	CodeInternal     = "internal"
)

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound event into a frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Decode parses a raw inbound frame. The event name is required.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, err
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return Frame{}, errors.New("frame event is required")
	}
	return frame, nil
}

// Bind unmarshals the frame data into v. Empty data leaves v untouched.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrValidation, f.Event, err)
	}
	return nil
}

// TempID returns the client's tempId from the frame data, or "" when the data
// carries none. Unlike Bind it tolerates payloads that fail to bind elsewhere.
func (f Frame) TempID() string {
	var payload struct {
		TempID string `json:"tempId"`
	}
	_ = json.Unmarshal(f.Data, &payload)
	return payload.TempID
}

// Required returns a validation error naming the first empty field.
func Required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, fields[i])
		}
	}
	return nil
}

// IsSignal reports whether event is one of the opaque negotiation events.
func IsSignal(event string) bool {
	switch event {
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCICE:
		return true
	}
	return false
}
