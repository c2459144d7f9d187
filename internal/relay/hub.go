// Package relay runs the per-process actor that owns presence, rooms, the
// offline queue and calls. Every state change happens on the goroutine running
// Hub.Run; connections, timers and the bridge talk to it over channels.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/Tyrowin/gorelay/internal/bridge"
	"github.com/Tyrowin/gorelay/internal/calls"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/messaging"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/offline"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/rooms"
)

// Options wires a Hub. Zero values get defaults; Bridge may be nil for a
// single-process deployment.
type Options struct {
	Offline offline.Config
	Calls   calls.Config
	Bridge  *bridge.Bridge
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedUsers    int `json:"connectedUsers"`
	Connections       int `json:"connections"`
	ActiveRooms       int `json:"activeRooms"`
	QueuedMessages    int `json:"queuedMessages"`
	OfflineRecipients int `json:"offlineRecipients"`
	ActiveCalls       int `json:"activeCalls"`
}

type registration struct {
	session *presence.Session
	pumps   []func()
}

type inbound struct {
	session *presence.Session
	raw     []byte
	limited bool
}

// Hub is the relay actor.
type Hub struct {
	register   chan registration
	unregister chan *presence.Session
	inbound    chan inbound
	tasks      chan func()

	registry *presence.Registry
	rooms    *rooms.Manager
	queue    *offline.Queue
	messages *messaging.Relay
	calls    *calls.Relay
	bridge   *bridge.Bridge

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub builds the components and, when a bridge is configured, subscribes
// to sibling processes. Call Run to start processing.
func NewHub(opts Options) (*Hub, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	logger := logging.OrDefault(opts.Logger)

	queue, err := offline.New(opts.Offline, clk, m, logger.With("component", "offline"))
	if err != nil {
		return nil, fmt.Errorf("offline queue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		register:   make(chan registration),
		unregister: make(chan *presence.Session),
		inbound:    make(chan inbound),
		tasks:      make(chan func(), 256),
		queue:      queue,
		bridge:     opts.Bridge,
		clock:      clk,
		metrics:    m,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	// Typed nil pointers must not leak into the interfaces below.
	var publisher presence.Publisher
	var replicator rooms.Replicator
	if opts.Bridge != nil {
		publisher = opts.Bridge
		replicator = opts.Bridge
	}

	h.registry = presence.NewRegistry(publisher, logger.With("component", "presence"))
	h.rooms = rooms.NewManager(h.registry, replicator, logger.With("component", "rooms"))
	h.messages = messaging.NewRelay(h.registry, queue, clk, m, logger.With("component", "messaging"))
	h.calls = calls.NewRelay(opts.Calls, h.registry, clk, h.post, m, logger.With("component", "calls"))

	h.registry.OnDepart(func(userID string) {
		h.rooms.LeaveAll(userID)
		h.calls.Disconnect(userID)
	})

	if h.bridge != nil {
		if err := h.bridge.Start(h.ingest); err != nil {
			cancel()
			return nil, err
		}
	}
	return h, nil
}

// Register hands a freshly authenticated session to the hub. Once the session
// is registered and welcomed, each pump is started on its own goroutine and
// tracked until Shutdown. It reports false when the hub is shutting down.
func (h *Hub) Register(s *presence.Session, pumps ...func()) bool {
	select {
	case h.register <- registration{session: s, pumps: pumps}:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a session after its connection is gone.
func (h *Hub) Unregister(s *presence.Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Dispatch hands one raw inbound frame from s to the hub. Frames from one
// session are handled in the order they are dispatched.
func (h *Hub) Dispatch(s *presence.Session, raw []byte) bool {
	select {
	case h.inbound <- inbound{session: s, raw: raw}:
		return true
	case <-h.done:
		return false
	}
}

// Throttle reports a frame from s that was refused by the rate limiter. The
// reply is queued behind the frames s dispatched before it.
func (h *Hub) Throttle(s *presence.Session, raw []byte) bool {
	select {
	case h.inbound <- inbound{session: s, raw: raw, limited: true}:
		return true
	case <-h.done:
		return false
	}
}

// Stats returns current counters, computed on the hub goroutine.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	result := make(chan Stats, 1)
	task := func() {
		result <- Stats{
			ConnectedUsers:    h.registry.Users(),
			Connections:       h.registry.Connections(),
			ActiveRooms:       h.rooms.Count(),
			QueuedMessages:    h.queue.Len(),
			OfflineRecipients: h.queue.Recipients(),
			ActiveCalls:       h.calls.Active(),
		}
	}
	select {
	case h.tasks <- task:
	case <-h.done:
		return Stats{}, context.Canceled
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-result:
		return s, nil
	case <-h.done:
		return Stats{}, context.Canceled
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// post schedules fn on the hub goroutine. Timers and the bridge use it.
func (h *Hub) post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.done:
	}
}

// Run is the hub's event loop. It returns after Shutdown has disconnected
// every session.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.disconnectAll()
			return

		case reg := <-h.register:
			if reg.session == nil {
				h.logger.Warn("received nil session registration; skipping")
				continue
			}
			h.welcome(reg.session)
			for _, pump := range reg.pumps {
				h.wg.Add(1)
				go func(run func()) {
					defer h.wg.Done()
					run()
				}(pump)
			}

		case s := <-h.unregister:
			h.drop(s)

		case in := <-h.inbound:
			if in.limited {
				h.refuse(in.session, in.raw)
				continue
			}
			h.handle(in.session, in.raw)

		case task := <-h.tasks:
			task()
		}
	}
}

// welcome registers s, delivers what was queued for the user, then confirms the
// connection. Queued messages reach the client before anything else.
func (h *Hub) welcome(s *presence.Session) {
	h.registry.Register(s)
	h.metrics.Sessions.Set(float64(h.registry.Connections()))
	h.messages.Flush(s)
	s.Emit(protocol.EventConnected, protocol.Connected{
		SessionID: s.ID,
		UserID:    s.UserID,
		Status:    string(s.Status),
	})
	h.logger.Info("session registered",
		"user_id", s.UserID, "session_id", s.ID, "origin", s.Origin,
		"connections", h.registry.Connections())
}

// drop unregisters s. When s was the user's last connection the user leaves
// every room and their active calls end.
func (h *Hub) drop(s *presence.Session) {
	if s == nil {
		return
	}
	departed := h.registry.Unregister(s.UserID, s.ID)
	if err := s.Close(); err != nil {
		h.logger.Debug("close session", "session_id", s.ID, "error", err)
	}
	if !departed {
		// Another connection of the user may have taken over routing.
		if next, ok := h.registry.Lookup(s.UserID); ok && next != s {
			h.messages.Flush(next)
		}
	}
	h.metrics.Sessions.Set(float64(h.registry.Connections()))
	h.logger.Info("session unregistered",
		"user_id", s.UserID, "session_id", s.ID, "departed", departed,
		"connections", h.registry.Connections())
}

// disconnectAll closes every local session and deregisters its presence.
func (h *Hub) disconnectAll() {
	sessions := h.registry.Sessions()
	h.logger.Info("shutting down all sessions", "sessions", len(sessions))
	for _, s := range sessions {
		h.drop(s)
	}
	h.calls.Close()
}

// ingest receives envelopes from sibling processes.
func (h *Hub) ingest(env bridge.Envelope) {
	h.post(func() {
		switch env.Kind {
		case bridge.KindBroadcast:
			h.registry.Broadcast(env.Event, env.Data, "")
		case bridge.KindRoom:
			h.rooms.DeliverLocal(env.Room, env.Event, env.Data, env.Exclude)
		}
	})
}

// Shutdown stops the hub, closes every session, waits up to timeout for the
// connection pumps to finish, and closes the bridge.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	var err error
	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some connections may still be running")
		err = multierr.Append(err, context.DeadlineExceeded)
	}

	if h.bridge != nil {
		err = multierr.Append(err, h.bridge.Close())
	}
	if err == nil {
		h.logger.Info("hub shutdown completed")
	}
	return err
}
