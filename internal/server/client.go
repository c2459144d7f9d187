package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/ratelimit"
	"github.com/Tyrowin/gorelay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is the websocket side of a session. It implements presence.Conn: the
// hub queues frames with Send and the write pump drains them.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *relay.Hub
	session        *presence.Session
	addr           string
	maxMessageSize int64
	governor       *ratelimit.Governor
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, hub *relay.Hub, addr string, cfg Config, governor *ratelimit.Governor, m *metrics.Metrics, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.sendBuffer()),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		governor:       governor,
		metrics:        m,
		logger:         logger,
	}
}

// Send queues frame without blocking. A client whose buffer is full is too slow
// to keep up; its send channel is closed, which ends the connection.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("client removed due to full send buffer", "addr", c.addr)
		c.closeLocked()
		return false
	}
}

// Close stops the write pump after it flushes what is already queued.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("set initial read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs a read failure at a level matching how expected it is.
// Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "addr", c.addr, "max_bytes", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "addr", c.addr, "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", "addr", c.addr, "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", "addr", c.addr, "error", err)
	default:
		c.logger.Warn("websocket read error", "addr", c.addr, "error", err)
	}
}

// allowEvent applies the rate governor to one inbound frame.
func (c *Client) allowEvent() bool {
	if c.governor == nil || c.governor.Allow("user:"+c.session.UserID) {
		return true
	}
	c.metrics.RateLimited.WithLabelValues("event").Inc()
	c.logger.Debug("rate limit exceeded, discarding event", "addr", c.addr, "user_id", c.session.UserID)
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.session)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("close connection in read pump", "addr", c.addr, "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.allowEvent() {
			if !c.hub.Throttle(c.session, raw) {
				return
			}
			continue
		}
		if !c.hub.Dispatch(c.session, raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("close connection in write pump", "addr", c.addr, "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeMessage(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeMessage writes one frame, or a close message once the send channel is
// closed. It returns false when the pump should stop.
func (c *Client) writeMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("write close message", "addr", c.addr, "error", err)
		}
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write message", "addr", c.addr, "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("write ping", "addr", c.addr, "error", err)
		return false
	}
	return true
}
