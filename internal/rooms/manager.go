// Package rooms keeps the many-to-many membership between users and named
// rooms and fans room events out to members connected to this process.
package rooms

import (
	"log/slog"
	"sort"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// Directory resolves a user to its live local session.
type Directory interface {
	Lookup(userID string) (*presence.Session, bool)
}

// Replicator republishes a room event so sibling processes can reach their own
// local members of the room.
type Replicator interface {
	PublishRoom(roomID, event string, payload any, excludeUserID string)
}

// Manager owns the room table. It is not safe for concurrent use; the relay hub
// serialises access.
type Manager struct {
	rooms      map[string]map[string]struct{}
	byUser     map[string]map[string]struct{}
	directory  Directory
	replicator Replicator
	logger     *slog.Logger
}

// NewManager creates an empty room table. replicator may be nil.
func NewManager(directory Directory, replicator Replicator, logger *slog.Logger) *Manager {
	return &Manager{
		rooms:      make(map[string]map[string]struct{}),
		byUser:     make(map[string]map[string]struct{}),
		directory:  directory,
		replicator: replicator,
		logger:     logging.OrDefault(logger),
	}
}

// Join adds userID to roomID, creating the room on first join, and tells the
// other members. Joining twice is a no-op. It reports whether membership changed.
func (m *Manager) Join(roomID, userID string) bool {
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[roomID] = members
	}
	if _, already := members[userID]; already {
		return false
	}
	members[userID] = struct{}{}

	joined, ok := m.byUser[userID]
	if !ok {
		joined = make(map[string]struct{})
		m.byUser[userID] = joined
	}
	joined[roomID] = struct{}{}

	m.logger.Debug("user joined room", "room_id", roomID, "user_id", userID, "members", len(members))
	m.Multicast(roomID, protocol.EventUserJoinedRoom, protocol.RoomMembership{RoomID: roomID, UserID: userID}, userID)
	return true
}

// Leave removes userID from roomID and tells the remaining members. Leaving a
// room you are not in is a no-op. Empty rooms are deleted.
func (m *Manager) Leave(roomID, userID string) bool {
	members, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := members[userID]; !member {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
	if joined, ok := m.byUser[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(m.byUser, userID)
		}
	}

	m.logger.Debug("user left room", "room_id", roomID, "user_id", userID, "members", len(members))
	m.Multicast(roomID, protocol.EventUserLeftRoom, protocol.RoomMembership{RoomID: roomID, UserID: userID}, userID)
	return true
}

// LeaveAll removes userID from every room it belongs to and returns those rooms.
func (m *Manager) LeaveAll(userID string) []string {
	left := m.roomsOf(userID)
	for _, roomID := range left {
		m.Leave(roomID, userID)
	}
	return left
}

// Multicast delivers an event to local members of roomID except excludeUserID
// and hands it to the replicator for sibling processes.
func (m *Manager) Multicast(roomID, event string, payload any, excludeUserID string) int {
	delivered := m.DeliverLocal(roomID, event, payload, excludeUserID)
	if m.replicator != nil {
		m.replicator.PublishRoom(roomID, event, payload, excludeUserID)
	}
	return delivered
}

// DeliverLocal delivers an event to local members of roomID with a live session,
// skipping excludeUserID. Nothing is replicated.
func (m *Manager) DeliverLocal(roomID, event string, payload any, excludeUserID string) int {
	members := m.rooms[roomID]
	if len(members) == 0 {
		return 0
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		m.logger.Error("encode room event", "room_id", roomID, "event", event, "error", err)
		return 0
	}

	delivered := 0
	for userID := range members {
		if userID == excludeUserID {
			continue
		}
		s, ok := m.directory.Lookup(userID)
		if !ok {
			continue
		}
		if s.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// members returns the sorted member list of roomID.
func (m *Manager) members(roomID string) []string {
	return sortedKeys(m.rooms[roomID])
}

// roomsOf returns the sorted list of rooms userID belongs to.
func (m *Manager) roomsOf(userID string) []string {
	return sortedKeys(m.byUser[userID])
}

// isMember reports whether userID is in roomID.
func (m *Manager) isMember(roomID, userID string) bool {
	_, ok := m.rooms[roomID][userID]
	return ok
}

// Count is the number of non-empty rooms.
func (m *Manager) Count() int {
	return len(m.rooms)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
