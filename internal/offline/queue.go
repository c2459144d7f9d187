// Package offline buffers direct messages for recipients that are not connected
// to this process and hands them back, in order, when the recipient returns.
package offline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// ErrQueueFull is returned by Enqueue under the reject overflow policy.
var ErrQueueFull = errors.New("recipient queue full")

// Overflow selects what happens when a recipient's queue is at capacity.
type Overflow string

const (
	// DropOldest evicts the oldest queued message to make room.
	DropOldest Overflow = "drop_oldest"
	// Reject refuses the new message and reports back-pressure to the sender.
	Reject Overflow = "reject"
)

// Config bounds the queue.
type Config struct {
	// Capacity is the per-recipient message cap.
	Capacity int `yaml:"capacity" env:"RELAY_OFFLINE_CAPACITY"`
	// MaxRecipients caps how many recipients hold a queue; the least recently
	// used recipient's queue is dropped beyond it.
	MaxRecipients int `yaml:"max_recipients" env:"RELAY_OFFLINE_MAX_RECIPIENTS"`
	// Overflow is drop_oldest or reject.
	Overflow Overflow `yaml:"overflow" env:"RELAY_OFFLINE_OVERFLOW"`
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{Capacity: 100, MaxRecipients: 10000, Overflow: DropOldest}
}

// ParseOverflow validates an overflow policy name.
func ParseOverflow(value string) (Overflow, error) {
	switch Overflow(strings.ToLower(strings.TrimSpace(value))) {
	case DropOldest, "":
		return DropOldest, nil
	case Reject:
		return Reject, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", value)
}

// QueuedMessage is a message waiting for its recipient.
type QueuedMessage struct {
	ID          string
	RecipientID string
	Message     protocol.ChatMessage
	EnqueuedAt  time.Time
}

// Queue holds one bounded FIFO per recipient.
type Queue struct {
	mu         sync.Mutex
	recipients *lru.Cache[string, *ring]
	config     Config
	total      int
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a queue. Nil clock, metrics and logger get defaults.
func New(cfg Config, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) (*Queue, error) {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = def.MaxRecipients
	}
	overflow, err := ParseOverflow(string(cfg.Overflow))
	if err != nil {
		return nil, err
	}
	cfg.Overflow = overflow
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	q := &Queue{config: cfg, clock: clk, metrics: m, logger: logging.OrDefault(logger)}
	cache, err := lru.NewWithEvict[string, *ring](cfg.MaxRecipients, q.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create recipient table: %w", err)
	}
	q.recipients = cache
	return q, nil
}

// Enqueue appends msg to recipientID's queue.
func (q *Queue) Enqueue(recipientID string, msg protocol.ChatMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.recipients.Get(recipientID)
	if !ok {
		r = newRing(q.config.Capacity)
		q.recipients.Add(recipientID, r)
	}

	if r.full() {
		if q.config.Overflow == Reject {
			return fmt.Errorf("%w: %s", ErrQueueFull, recipientID)
		}
		dropped := r.pop()
		q.total--
		q.metrics.QueueEvictions.WithLabelValues("capacity").Inc()
		q.logger.Warn("offline queue full, dropped oldest message",
			"recipient_id", recipientID, "message_id", dropped.ID)
	}

	r.push(QueuedMessage{
		ID:          msg.ID,
		RecipientID: recipientID,
		Message:     msg,
		EnqueuedAt:  q.clock.Now(),
	})
	q.total++
	return nil
}

// Drain removes and returns every message queued for recipientID in enqueue order.
func (q *Queue) Drain(recipientID string) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.recipients.Peek(recipientID)
	if !ok {
		return nil
	}
	out := r.drain()
	q.total -= len(out)
	q.recipients.Remove(recipientID)
	return out
}

// pending is the number of messages queued for recipientID.
func (q *Queue) pending(recipientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.recipients.Peek(recipientID)
	if !ok {
		return 0
	}
	return r.size
}

// Len is the total number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Recipients is the number of recipients with a queue.
func (q *Queue) Recipients() int {
	return q.recipients.Len()
}

// onEvict runs when a recipient leaves the table, either drained (empty ring)
// or pushed out by MaxRecipients.
func (q *Queue) onEvict(recipientID string, r *ring) {
	if r.size == 0 {
		return
	}
	q.total -= r.size
	q.metrics.QueueEvictions.WithLabelValues("recipient").Add(float64(r.size))
	q.logger.Warn("offline queue evicted least recently used recipient",
		"recipient_id", recipientID, "dropped", r.size)
}

// ring is a fixed-capacity FIFO.
type ring struct {
	buf  []QueuedMessage
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]QueuedMessage, capacity)}
}

func (r *ring) full() bool {
	return r.size == len(r.buf)
}

func (r *ring) push(m QueuedMessage) {
	r.buf[(r.head+r.size)%len(r.buf)] = m
	r.size++
}

func (r *ring) pop() QueuedMessage {
	m := r.buf[r.head]
	r.buf[r.head] = QueuedMessage{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return m
}

func (r *ring) drain() []QueuedMessage {
	out := make([]QueuedMessage, 0, r.size)
	for r.size > 0 {
		out = append(out, r.pop())
	}
	return out
}
