package protocol

import (
	"encoding/json"
	"time"
)

// Message delivery states.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
)

// RoomRequest is the payload of join_room and leave_room.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// SendMessageRequest is the payload of send_message. Attachments are opaque to
// the relay and forwarded exactly as the client sent them.
type SendMessageRequest struct {
	RecipientID string          `json:"recipientId"`
	Content     string          `json:"content"`
	Type        string          `json:"type,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	TempID      string          `json:"tempId,omitempty"`
}

// ChatMessage is the server-side record of a direct message.
type ChatMessage struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status"`
}

// MessageSent acknowledges server-side acceptance of a message.
type MessageSent struct {
	TempID  string      `json:"tempId,omitempty"`
	Message ChatMessage `json:"message"`
}

// MessageError reports a rejected send_message back to its sender.
type MessageError struct {
	TempID string `json:"tempId,omitempty"`
	Error  string `json:"error"`
}

// TypingRequest is the payload of typing.
type TypingRequest struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// TypingIndicator is forwarded to the typing recipient.
type TypingIndicator struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MarkAsReadRequest is the payload of mark_as_read.
type MarkAsReadRequest struct {
	MessageIDs []string `json:"messageIds"`
	SenderID   string   `json:"senderId"`
}

// MessagesRead notifies the original sender that messages were read.
type MessagesRead struct {
	MessageIDs []string  `json:"messageIds"`
	ReadBy     string    `json:"readBy"`
	ReadAt     time.Time `json:"readAt"`
}

// UpdateStatusRequest is the payload of update_status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// UserStatus is broadcast whenever a user's presence changes.
type UserStatus struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// OnlineUser is one entry of the online_users snapshot.
type OnlineUser struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// OnlineUsers answers get_online_users.
type OnlineUsers struct {
	Users []OnlineUser `json:"users"`
}

// Connected greets a freshly registered session.
type Connected struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
}

// RoomMembership is sent with user_joined_room and user_left_room.
type RoomMembership struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// CallInitiateRequest is the payload of call_initiate.
type CallInitiateRequest struct {
	TargetUserID string `json:"targetUserId"`
	CallType     string `json:"callType,omitempty"`
}

// CallAcceptRequest is the payload of call_accept.
type CallAcceptRequest struct {
	CallerID string `json:"callerId"`
	RoomID   string `json:"roomId"`
}

// CallRejectRequest is the payload of call_reject. RoomID is optional.
type CallRejectRequest struct {
	CallerID string `json:"callerId"`
	Reason   string `json:"reason,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
}

// CallEndRequest is the payload of call_end.
type CallEndRequest struct {
	TargetUserID string `json:"targetUserId"`
	RoomID       string `json:"roomId"`
}

// SignalRequest carries an opaque negotiation payload for the other call participant.
type SignalRequest struct {
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
	RoomID       string          `json:"roomId"`
}

// Signal is the relayed form of a negotiation payload.
type Signal struct {
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
	RoomID     string          `json:"roomId"`
}

// IncomingCall is forwarded to the callee.
type IncomingCall struct {
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName,omitempty"`
	CallType   string `json:"callType"`
	CallID     string `json:"callId"`
}

// CallRinging tells the caller the call id of a ringing attempt.
type CallRinging struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId"`
	CallType     string `json:"callType"`
}

// CallAccepted is sent to the caller.
type CallAccepted struct {
	AcceptedBy string `json:"acceptedBy"`
	CallID     string `json:"callId"`
}

// CallRejected is sent to the caller.
type CallRejected struct {
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason,omitempty"`
	CallID     string `json:"callId"`
}

// CallEnded is sent to the participant who did not end the call.
type CallEnded struct {
	EndedBy string `json:"endedBy,omitempty"`
	CallID  string `json:"callId"`
	Reason  string `json:"reason,omitempty"`
}

// CallFailed is sent to a caller whose attempt could not proceed.
type CallFailed struct {
	Reason       string `json:"reason"`
	TargetUserID string `json:"targetUserId,omitempty"`
	CallID       string `json:"callId,omitempty"`
}

// Error is the generic error event.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Event   string `json:"event,omitempty"`
}
