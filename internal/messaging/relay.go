// Package messaging routes direct chat messages, typing indicators and read
// receipts between two users connected to the relay.
package messaging

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/offline"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// Directory resolves a user to its live local session.
type Directory interface {
	Lookup(userID string) (*presence.Session, bool)
}

// Outbox stores messages for recipients that are not connected.
type Outbox interface {
	Enqueue(recipientID string, msg protocol.ChatMessage) error
	Drain(recipientID string) []offline.QueuedMessage
}

// Relay delivers direct messages live or through the Outbox.
type Relay struct {
	directory Directory
	outbox    Outbox
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRelay wires a relay. Nil clock, metrics and logger get defaults.
func NewRelay(directory Directory, outbox Outbox, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Relay{
		directory: directory,
		outbox:    outbox,
		clock:     clk,
		metrics:   m,
		logger:    logging.OrDefault(logger),
	}
}

// Send routes a chat message from sender to req.RecipientID. The sender always
// hears back: message_sent on acceptance, message_error with its tempId otherwise.
func (r *Relay) Send(sender *presence.Session, req protocol.SendMessageRequest) (protocol.ChatMessage, error) {
	recipientID := strings.TrimSpace(req.RecipientID)
	if err := protocol.Required("recipientId", recipientID, "content", req.Content); err != nil {
		r.reject(sender, req.TempID, err)
		return protocol.ChatMessage{}, err
	}

	msgType := strings.TrimSpace(req.Type)
	if msgType == "" {
		msgType = "text"
	}
	attachments := req.Attachments
	if string(attachments) == "null" {
		attachments = nil
	}
	msg := protocol.ChatMessage{
		ID:          newMessageID(),
		SenderID:    sender.UserID,
		RecipientID: recipientID,
		Content:     req.Content,
		Type:        msgType,
		Attachments: attachments,
		Timestamp:   r.clock.Now().UTC(),
		Status:      protocol.StatusSent,
	}

	if recipient, ok := r.directory.Lookup(recipientID); ok {
		delivered := msg
		delivered.Status = protocol.StatusDelivered
		if recipient.Emit(protocol.EventNewMessage, delivered) {
			r.metrics.Messages.WithLabelValues("delivered").Inc()
			sender.Emit(protocol.EventMessageSent, protocol.MessageSent{TempID: req.TempID, Message: delivered})
			return delivered, nil
		}
		r.logger.Warn("live delivery refused, queueing message",
			"recipient_id", recipientID, "session_id", recipient.ID, "message_id", msg.ID)
	}

	if err := r.outbox.Enqueue(recipientID, msg); err != nil {
		r.reject(sender, req.TempID, err)
		return protocol.ChatMessage{}, err
	}
	r.metrics.Messages.WithLabelValues("queued").Inc()
	sender.Emit(protocol.EventMessageSent, protocol.MessageSent{TempID: req.TempID, Message: msg})
	return msg, nil
}

// Flush delivers everything queued for s.UserID to s, in enqueue order. Drained
// messages are not re-queued if the connection drops them.
func (r *Relay) Flush(s *presence.Session) int {
	queued := r.outbox.Drain(s.UserID)
	delivered := 0
	for _, item := range queued {
		msg := item.Message
		msg.Status = protocol.StatusDelivered
		if s.Emit(protocol.EventNewMessage, msg) {
			delivered++
		} else {
			r.logger.Warn("dropped drained message", "user_id", s.UserID, "message_id", msg.ID)
		}
	}
	if len(queued) > 0 {
		r.logger.Info("flushed offline messages", "user_id", s.UserID, "session_id", s.ID,
			"queued", len(queued), "delivered", delivered)
	}
	return delivered
}

// Typing forwards a typing indicator. Offline recipients are ignored.
func (r *Relay) Typing(sender *presence.Session, req protocol.TypingRequest) error {
	recipientID := strings.TrimSpace(req.RecipientID)
	if err := protocol.Required("recipientId", recipientID); err != nil {
		return err
	}
	if recipient, ok := r.directory.Lookup(recipientID); ok {
		recipient.Emit(protocol.EventTypingIndicator, protocol.TypingIndicator{
			UserID:   sender.UserID,
			IsTyping: req.IsTyping,
		})
	}
	return nil
}

// MarkRead tells the original sender that reader has read messageIds.
// Offline senders are ignored.
func (r *Relay) MarkRead(reader *presence.Session, req protocol.MarkAsReadRequest) error {
	senderID := strings.TrimSpace(req.SenderID)
	if err := protocol.Required("senderId", senderID); err != nil {
		return err
	}
	if len(req.MessageIDs) == 0 {
		return protocol.Required("messageIds", "")
	}
	if sender, ok := r.directory.Lookup(senderID); ok {
		sender.Emit(protocol.EventMessagesRead, protocol.MessagesRead{
			MessageIDs: req.MessageIDs,
			ReadBy:     reader.UserID,
			ReadAt:     r.clock.Now().UTC(),
		})
	}
	return nil
}

func (r *Relay) reject(sender *presence.Session, tempID string, err error) {
	r.metrics.Messages.WithLabelValues("rejected").Inc()
	reason := err.Error()
	switch {
	case errors.Is(err, offline.ErrQueueFull):
		reason = offline.ErrQueueFull.Error()
	case errors.Is(err, protocol.ErrValidation):
		reason = strings.TrimPrefix(reason, protocol.ErrValidation.Error()+": ")
	}
	sender.Emit(protocol.EventMessageError, protocol.MessageError{TempID: tempID, Error: reason})
}

// newMessageID returns a time-ordered UUIDv7 so ids sort by creation time.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
