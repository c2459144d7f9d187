// Package presence tracks which users hold a live connection to this relay
// process and announces presence changes.
package presence

import (
	"strings"
	"time"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// Status is the presence state advertised for a user.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// ParseStatus accepts the statuses a client may set on itself.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case Online:
		return Online, true
	case Away:
		return Away, true
	case Offline:
		return Offline, true
	}
	return "", false
}

// Conn is the outbound half of a live connection.
type Conn interface {
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
	Close() error
}

// Session is one authenticated connection. It is owned by the Registry of the
// process holding the physical connection.
type Session struct {
	ID          string
	UserID      string
	Role        string
	DisplayName string
	Origin      string
	ConnectedAt time.Time
	Status      Status

	conn Conn
	seq  uint64
}

// NewSession creates an online session for identity on conn.
func NewSession(id string, identity auth.Identity, origin string, conn Conn, now time.Time) *Session {
	return &Session{
		ID:          id,
		UserID:      identity.UserID,
		Role:        identity.Role,
		DisplayName: identity.DisplayName,
		Origin:      origin,
		ConnectedAt: now,
		Status:      Online,
		conn:        conn,
	}
}

// Send hands a raw frame to the connection.
func (s *Session) Send(frame []byte) bool {
	if s == nil || s.conn == nil {
		return false
	}
	return s.conn.Send(frame)
}

// Emit encodes payload as event and sends it.
func (s *Session) Emit(event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return false
	}
	return s.Send(frame)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
