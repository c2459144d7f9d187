// Package bridge replicates broadcast and room events between relay processes
// over a publish/subscribe bus.
//
// Presence is not shared: a process only routes direct messages and calls to
// users connected to it, so deployments pin each user to one process.
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/metrics"
)

// Kind says how a replicated event is fanned out on the receiving side.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindRoom      Kind = "room"
)

// Envelope is the bus message carrying one replicated event.
type Envelope struct {
	Origin  string          `json:"origin"`
	Kind    Kind            `json:"kind"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Handler receives envelopes published by sibling processes.
type Handler func(Envelope)

// Config configures replication.
type Config struct {
	Enabled       bool   `yaml:"enabled" env:"RELAY_BRIDGE_ENABLED"`
	NATSURL       string `yaml:"nats_url" env:"RELAY_BRIDGE_NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"RELAY_BRIDGE_SUBJECT_PREFIX"`
	NodeID        string `yaml:"node_id" env:"RELAY_BRIDGE_NODE_ID"`
	Buffer        int    `yaml:"buffer" env:"RELAY_BRIDGE_BUFFER"`
}

// DefaultConfig returns a disabled bridge with default subject and buffer.
func DefaultConfig() Config {
	return Config{SubjectPrefix: "relay", Buffer: 256}
}

type outbound struct {
	subject string
	data    []byte
}

// Bridge publishes local events asynchronously and feeds remote ones to a
// Handler. Publishing never blocks the caller; when the buffer is full the
// event is dropped.
type Bridge struct {
	bus     Bus
	config  Config
	out     chan outbound
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	unsub   func() error
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a bridge on bus. Nothing is published or received until Start.
func New(cfg Config, bus Bus, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	def := DefaultConfig()
	cfg.SubjectPrefix = strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = uuid.NewString()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Bridge{
		bus:     bus,
		config:  cfg,
		out:     make(chan outbound, cfg.Buffer),
		done:    make(chan struct{}),
		metrics: m,
		logger:  logging.OrDefault(logger).With("node_id", cfg.NodeID),
	}
}

// NodeID identifies this process on the bus.
func (b *Bridge) NodeID() string {
	return b.config.NodeID
}

// Start subscribes to sibling traffic and starts the publisher.
func (b *Bridge) Start(handler Handler) error {
	unsub, err := b.bus.Subscribe(b.config.SubjectPrefix+".>", func(subject string, data []byte) {
		b.receive(handler, subject, data)
	})
	if err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}
	b.unsub = unsub

	b.wg.Add(1)
	go b.publishLoop()
	b.logger.Info("bridge started", "subject_prefix", b.config.SubjectPrefix)
	return nil
}

// PublishBroadcast replicates an event meant for every connection.
func (b *Bridge) PublishBroadcast(event string, payload any) {
	b.publish(b.config.SubjectPrefix+".broadcast."+event, Envelope{
		Kind:  KindBroadcast,
		Event: event,
	}, payload)
}

// PublishRoom replicates an event meant for the members of roomID.
func (b *Bridge) PublishRoom(roomID, event string, payload any, excludeUserID string) {
	b.publish(b.RoomSubject(roomID), Envelope{
		Kind:    KindRoom,
		Room:    roomID,
		Event:   event,
		Exclude: excludeUserID,
	}, payload)
}

// RoomSubject is the bus subject of roomID. Room ids are base64url encoded so
// dots and wildcards in them cannot leak into the subject hierarchy.
func (b *Bridge) RoomSubject(roomID string) string {
	return b.config.SubjectPrefix + ".room." + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// Close stops the publisher, unsubscribes and closes the bus.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		if b.unsub != nil {
			if uerr := b.unsub(); uerr != nil {
				b.logger.Warn("bridge unsubscribe", "error", uerr)
			}
		}
		err = b.bus.Close()
	})
	return err
}

func (b *Bridge) publish(subject string, env Envelope, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.metrics.BridgePublished.WithLabelValues("error").Inc()
		b.logger.Error("encode bridge payload", "event", env.Event, "error", err)
		return
	}
	env.Origin = b.config.NodeID
	env.Data = data
	raw, err := json.Marshal(env)
	if err != nil {
		b.metrics.BridgePublished.WithLabelValues("error").Inc()
		b.logger.Error("encode bridge envelope", "event", env.Event, "error", err)
		return
	}

	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.out <- outbound{subject: subject, data: raw}:
	default:
		b.metrics.BridgePublished.WithLabelValues("dropped").Inc()
		b.logger.Warn("bridge buffer full, dropped event", "event", env.Event, "subject", subject)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.out:
			b.send(msg)
		case <-b.done:
			// Flush what is already buffered.
			for {
				select {
				case msg := <-b.out:
					b.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) send(msg outbound) {
	if err := b.bus.Publish(msg.subject, msg.data); err != nil {
		b.metrics.BridgePublished.WithLabelValues("error").Inc()
		b.logger.Warn("bridge publish failed", "subject", msg.subject, "error", err)
		return
	}
	b.metrics.BridgePublished.WithLabelValues("ok").Inc()
}

func (b *Bridge) receive(handler Handler, subject string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("bad bridge envelope", "subject", subject, "error", err)
		return
	}
	if env.Origin == b.config.NodeID {
		return
	}
	switch env.Kind {
	case KindBroadcast, KindRoom:
	default:
		b.logger.Warn("unknown bridge envelope kind", "subject", subject, "kind", string(env.Kind))
		return
	}
	b.metrics.BridgeReceived.WithLabelValues(string(env.Kind)).Inc()
	if handler != nil {
		handler(env)
	}
}
