package rooms

// Membership queries are only needed by tests.

func (m *Manager) Members(roomID string) []string { return m.members(roomID) }

func (m *Manager) Rooms(userID string) []string { return m.roomsOf(userID) }

func (m *Manager) IsMember(roomID, userID string) bool { return m.isMember(roomID, userID) }
