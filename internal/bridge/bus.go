package bridge

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/gorelay/internal/logging"
)

// MsgHandler receives a raw message published on subject.
type MsgHandler func(subject string, data []byte)

// Bus is the publish/subscribe transport shared by relay processes. Subjects
// are dot separated; subscriptions accept the "*" and ">" wildcards.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler MsgHandler) (unsubscribe func() error, err error)
	Close() error
}

// NATSBus is a Bus backed by a NATS connection.
type NATSBus struct {
	conn *nats.Conn
}

// ConnectNATS dials url and keeps reconnecting for the life of the process.
func ConnectNATS(url, name string, logger *slog.Logger) (*NATSBus, error) {
	logger = logging.OrDefault(logger)
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bridge disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bridge reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSBus{conn: conn}, nil
}

// Publish sends data on subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe delivers every message matching subject to handler.
func (b *NATSBus) Subscribe(subject string, handler MsgHandler) (func() error, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}

// LocalBus is an in-process Bus. Several bridges sharing one LocalBus behave
// like relay processes sharing a NATS cluster.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]localSub
	nextID int
	closed bool
}

type localSub struct {
	pattern string
	handler MsgHandler
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]localSub)}
}

// Publish delivers data synchronously to every matching subscription.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nats.ErrConnectionClosed
	}
	var targets []MsgHandler
	for _, sub := range b.subs {
		if subjectMatches(sub.pattern, subject) {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range targets {
		handler(subject, append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern.
func (b *LocalBus) Subscribe(pattern string, handler MsgHandler) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nats.ErrConnectionClosed
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = localSub{pattern: pattern, handler: handler}
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		return nil
	}, nil
}

// Close drops every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]localSub)
	return nil
}

// subjectMatches applies NATS wildcard rules: "*" matches one token and a
// trailing ">" matches one or more.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
