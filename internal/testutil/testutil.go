// Package testutil provides fakes and helpers shared by relay package tests.
package testutil

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// Conn is an in-memory presence.Conn that records every frame it is sent.
type Conn struct {
	mu     sync.Mutex
	frames []protocol.Frame
	ch     chan protocol.Frame
	closed bool
	// Reject makes Send refuse frames, like a full outbound buffer.
	Reject bool
}

// NewConn returns an empty recording connection.
func NewConn() *Conn {
	return &Conn{ch: make(chan protocol.Frame, 1024)}
}

// Send records frame.
func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Reject {
		return false
	}
	var f protocol.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	c.frames = append(c.frames, f)
	select {
	case c.ch <- f:
	default:
	}
	return true
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns every frame received so far.
func (c *Conn) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

// Events returns the event names received so far, in order.
func (c *Conn) Events() []string {
	frames := c.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// Count returns how many frames named event were received.
func (c *Conn) Count(event string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Last decodes the most recent frame named event into v.
func (c *Conn) Last(t testing.TB, event string, v any) {
	t.Helper()
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			if err := json.Unmarshal(frames[i].Data, v); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("no %s frame received; got %v", event, c.Events())
}

// Next waits for the next frame, failing the test after timeout.
func (c *Conn) Next(t testing.TB, timeout time.Duration) protocol.Frame {
	t.Helper()
	select {
	case f := <-c.ch:
		return f
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a frame; got %v", c.Events())
		return protocol.Frame{}
	}
}

// Await skips frames until one named event arrives and decodes it into v.
func (c *Conn) Await(t testing.TB, event string, v any, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.ch:
			if f.Event != event {
				continue
			}
			if v != nil {
				if err := json.Unmarshal(f.Data, v); err != nil {
					t.Fatalf("decode %s: %v", event, err)
				}
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for %s; got %v", event, c.Events())
			return
		}
	}
}

// NewSession builds an online session for userID backed by a recording Conn.
func NewSession(userID string) (*presence.Session, *Conn) {
	conn := NewConn()
	s := presence.NewSession(
		userID+"-session",
		auth.Identity{UserID: userID, Role: "user", DisplayName: userID},
		"127.0.0.1",
		conn,
		time.Now(),
	)
	return s, conn
}

// NewSessionWithID is NewSession with an explicit session id.
func NewSessionWithID(userID, sessionID string) (*presence.Session, *Conn) {
	s, conn := NewSession(userID)
	s.ID = sessionID
	return s, conn
}

// Token signs a token for userID with secret.
func Token(t testing.TB, secret, userID string) string {
	t.Helper()
	token, err := auth.NewJWTService(secret, "", time.Hour).Generate(auth.Identity{UserID: userID, DisplayName: userID})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// ReadFrame reads one frame from a websocket client connection.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (protocol.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Frame{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(raw)
}

// AwaitFrame reads websocket frames until one named event arrives.
func AwaitFrame(t testing.TB, conn *websocket.Conn, event string, v any, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %s", event)
		}
		f, err := ReadFrame(conn, remaining)
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(f.Data, v); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
		}
		return
	}
}

// WriteEvent sends an event frame over a websocket client connection.
func WriteEvent(conn *websocket.Conn, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}
