package presence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/testutil"
)

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) PublishBroadcast(event string, _ any) {
	p.events = append(p.events, event)
}

// TestRegisterThenLookup verifies a registered session routes its user.
func TestRegisterThenLookup(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	alice, _ := testutil.NewSession("alice")

	assert.Nil(t, reg.Register(alice))

	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, alice, got)

	online := reg.ListOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "alice", online[0].UserID)
	assert.Equal(t, "online", online[0].Status)
}

// TestRegisterAnnouncesToOthersOnly verifies the online announcement skips the
// new user.
func TestRegisterAnnouncesToOthersOnly(t *testing.T) {
	pub := &recordingPublisher{}
	reg := presence.NewRegistry(pub, logging.Discard())
	alice, aliceConn := testutil.NewSession("alice")
	bob, bobConn := testutil.NewSession("bob")

	reg.Register(alice)
	reg.Register(bob)

	assert.Empty(t, bobConn.Events(), "a new session is not told about itself")

	var status protocol.UserStatus
	aliceConn.Last(t, protocol.EventUserStatus, &status)
	assert.Equal(t, protocol.UserStatus{UserID: "bob", Status: "online"}, status)
	assert.Equal(t, []string{protocol.EventUserStatus, protocol.EventUserStatus}, pub.events)
}

// TestSecondConnectionWinsRouting verifies the newest connection of a user
// takes routing.
func TestSecondConnectionWinsRouting(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	first, firstConn := testutil.NewSessionWithID("alice", "s1")
	second, _ := testutil.NewSessionWithID("alice", "s2")

	reg.Register(first)
	previous := reg.Register(second)
	assert.Same(t, first, previous)
	assert.False(t, firstConn.Closed(), "earlier session is not forcibly closed")

	got, _ := reg.Lookup("alice")
	assert.Same(t, second, got)
	assert.Len(t, reg.ListOnline(), 1, "a user is listed once")
	assert.Equal(t, 2, reg.Connections())
}

// TestStaleUnregisterKeepsNewerSession verifies dropping an older connection
// leaves routing alone.
func TestStaleUnregisterKeepsNewerSession(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	first, _ := testutil.NewSessionWithID("alice", "s1")
	second, _ := testutil.NewSessionWithID("alice", "s2")
	reg.Register(first)
	reg.Register(second)

	departed := 0
	reg.OnDepart(func(string) { departed++ })

	assert.False(t, reg.Unregister("alice", "s1"))
	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 0, departed)
	assert.Equal(t, 1, reg.Connections())

	assert.True(t, reg.Unregister("alice", "s2"))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, departed)
	assert.Equal(t, 0, reg.Connections())
}

// TestRoutingFallsBackToOlderSession verifies that when the routing session
// leaves while an older one is still connected, the older one takes over and
// the user only departs once the last connection is gone.
func TestRoutingFallsBackToOlderSession(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	first, _ := testutil.NewSessionWithID("alice", "s1")
	second, _ := testutil.NewSessionWithID("alice", "s2")
	third, _ := testutil.NewSessionWithID("alice", "s3")
	reg.Register(first)
	reg.Register(second)
	reg.Register(third)

	departed := 0
	reg.OnDepart(func(string) { departed++ })

	assert.False(t, reg.Unregister("alice", "s3"))
	got, ok := reg.Lookup("alice")
	require.True(t, ok, "presence survives while a connection is live")
	assert.Same(t, second, got, "the newest remaining connection routes")

	assert.False(t, reg.Unregister("alice", "s2"))
	got, ok = reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 0, departed)

	assert.True(t, reg.Unregister("alice", "s1"))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, departed)
	assert.Equal(t, 0, reg.Users())
}

// TestUnregisterAnnouncesOffline verifies the last disconnect announces
// offline.
func TestUnregisterAnnouncesOffline(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	alice, _ := testutil.NewSession("alice")
	bob, bobConn := testutil.NewSession("bob")
	reg.Register(alice)
	reg.Register(bob)

	var departedUser string
	reg.OnDepart(func(userID string) { departedUser = userID })
	reg.Unregister("alice", alice.ID)

	var status protocol.UserStatus
	bobConn.Last(t, protocol.EventUserStatus, &status)
	assert.Equal(t, protocol.UserStatus{UserID: "alice", Status: "offline"}, status)
	assert.Equal(t, "alice", departedUser)
}

// TestSetStatus verifies status changes are stored and announced to others.
func TestSetStatus(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	alice, aliceConn := testutil.NewSession("alice")
	bob, bobConn := testutil.NewSession("bob")
	reg.Register(alice)
	reg.Register(bob)

	assert.True(t, reg.SetStatus("bob", presence.Away))
	assert.False(t, reg.SetStatus("nobody", presence.Away))

	var status protocol.UserStatus
	aliceConn.Last(t, protocol.EventUserStatus, &status)
	assert.Equal(t, "away", status.Status)
	assert.Equal(t, 0, bobConn.Count(protocol.EventUserStatus))

	got, _ := reg.Lookup("bob")
	assert.Equal(t, presence.Away, got.Status)
}

// TestListOnlineOrderedByConnectionTime verifies the online list is ordered by
// connect time.
func TestListOnlineOrderedByConnectionTime(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	base := time.Now()
	for i, user := range []string{"carol", "alice", "bob"} {
		s, _ := testutil.NewSession(user)
		s.ConnectedAt = base.Add(time.Duration(i) * time.Second)
		reg.Register(s)
	}

	online := reg.ListOnline()
	require.Len(t, online, 3)
	assert.Equal(t, "carol", online[0].UserID)
	assert.Equal(t, "alice", online[1].UserID)
	assert.Equal(t, "bob", online[2].UserID)
	assert.Equal(t, 3, reg.Users())
}

// TestBroadcastSkipsRejectingConnections verifies a full connection does not
// stop a broadcast.
func TestBroadcastSkipsRejectingConnections(t *testing.T) {
	reg := presence.NewRegistry(nil, logging.Discard())
	alice, _ := testutil.NewSession("alice")
	bob, bobConn := testutil.NewSession("bob")
	reg.Register(alice)
	reg.Register(bob)
	bobConn.Reject = true

	assert.Equal(t, 1, reg.Broadcast(protocol.EventUserStatus, protocol.UserStatus{UserID: "x", Status: "online"}, ""))
}

// TestParseStatus verifies the accepted status names.
func TestParseStatus(t *testing.T) {
	for _, in := range []string{"online", "Away", " offline "} {
		_, ok := presence.ParseStatus(in)
		assert.True(t, ok, in)
	}
	_, ok := presence.ParseStatus("busy")
	assert.False(t, ok)
}
