package presence

import (
	"log/slog"
	"sort"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// Publisher replicates global broadcasts to sibling relay processes.
type Publisher interface {
	PublishBroadcast(event string, payload any)
}

// Registry maps user ids to their newest live session and keeps the set of all
// local connections. It is not safe for concurrent use; the relay hub owns it.
type Registry struct {
	entries   map[string]*Session
	conns     map[string]*Session
	publisher Publisher
	logger    *slog.Logger
	departed  []func(userID string)
	seq       uint64
}

// NewRegistry creates an empty registry. publisher may be nil.
func NewRegistry(publisher Publisher, logger *slog.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]*Session),
		conns:     make(map[string]*Session),
		publisher: publisher,
		logger:    logging.OrDefault(logger),
	}
}

// OnDepart registers fn to run after a user's presence entry is removed.
func (r *Registry) OnDepart(fn func(userID string)) {
	r.departed = append(r.departed, fn)
}

// Register makes s the routing target for s.UserID and announces the user as
// online to every other connection. An earlier session of the same user stays
// connected but no longer receives routed traffic. It returns that session.
func (r *Registry) Register(s *Session) *Session {
	r.seq++
	s.seq = r.seq
	previous := r.entries[s.UserID]
	r.entries[s.UserID] = s
	r.conns[s.ID] = s

	if previous != nil && previous.ID != s.ID {
		r.logger.Info("newer session takes over routing",
			"user_id", s.UserID, "session_id", s.ID, "previous_session_id", previous.ID)
	} else {
		previous = nil
	}

	r.announce(protocol.UserStatus{UserID: s.UserID, Status: string(s.Status)}, s.ID)
	return previous
}

// Lookup returns the routing session of userID.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	s, ok := r.entries[userID]
	return s, ok
}

// SetStatus updates the status of userID and re-broadcasts it.
func (r *Registry) SetStatus(userID string, status Status) bool {
	s, ok := r.entries[userID]
	if !ok {
		return false
	}
	s.Status = status
	r.announce(protocol.UserStatus{UserID: userID, Status: string(status)}, s.ID)
	return true
}

// Unregister drops the connection sessionID. When sessionID was the routing
// session of userID, the newest remaining connection of that user takes over
// routing. The presence entry is removed, and the departure hooks run, only
// when the user has no connection left. It reports whether the user departed.
func (r *Registry) Unregister(userID, sessionID string) bool {
	delete(r.conns, sessionID)

	current, ok := r.entries[userID]
	if !ok || current.ID != sessionID {
		return false
	}
	if next := r.newest(userID); next != nil {
		next.Status = current.Status
		r.entries[userID] = next
		r.logger.Info("older session takes over routing",
			"user_id", userID, "session_id", next.ID, "previous_session_id", sessionID)
		return false
	}
	delete(r.entries, userID)
	current.Status = Offline

	r.announce(protocol.UserStatus{UserID: userID, Status: string(Offline)}, sessionID)
	for _, fn := range r.departed {
		fn(userID)
	}
	return true
}

// newest returns the most recently registered connection of userID.
func (r *Registry) newest(userID string) *Session {
	var best *Session
	for _, s := range r.conns {
		if s.UserID != userID {
			continue
		}
		if best == nil || s.seq > best.seq {
			best = s
		}
	}
	return best
}

// ListOnline returns a snapshot of this process's presence entries ordered by
// connection time.
func (r *Registry) ListOnline() []protocol.OnlineUser {
	users := make([]protocol.OnlineUser, 0, len(r.entries))
	for _, s := range r.entries {
		users = append(users, protocol.OnlineUser{
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
			Status:      string(s.Status),
			ConnectedAt: s.ConnectedAt,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].ConnectedAt.Before(users[j].ConnectedAt)
	})
	return users
}

// Broadcast delivers an event to every local connection except excludeSessionID.
// It does not replicate. It returns the number of connections that accepted it.
func (r *Registry) Broadcast(event string, payload any, excludeSessionID string) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("encode broadcast", "event", event, "error", err)
		return 0
	}
	delivered := 0
	for id, s := range r.conns {
		if id == excludeSessionID {
			continue
		}
		if s.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Sessions returns every local connection, including superseded ones.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s)
	}
	return out
}

// Users is the number of presence entries.
func (r *Registry) Users() int {
	return len(r.entries)
}

// Connections is the number of live local connections.
func (r *Registry) Connections() int {
	return len(r.conns)
}

func (r *Registry) announce(status protocol.UserStatus, excludeSessionID string) {
	r.Broadcast(protocol.EventUserStatus, status, excludeSessionID)
	if r.publisher != nil {
		r.publisher.PublishBroadcast(protocol.EventUserStatus, status)
	}
}
