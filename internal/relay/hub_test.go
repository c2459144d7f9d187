package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gorelay/internal/bridge"
	"github.com/Tyrowin/gorelay/internal/calls"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/relay"
	"github.com/Tyrowin/gorelay/internal/testutil"
)

const wait = time.Second

func startHub(t *testing.T, opts relay.Options) *relay.Hub {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	h, err := relay.NewHub(opts)
	require.NoError(t, err)
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

func connect(t *testing.T, h *relay.Hub, user string) (*presence.Session, *testutil.Conn) {
	t.Helper()
	s, conn := testutil.NewSession(user)
	require.True(t, h.Register(s))
	conn.Await(t, protocol.EventConnected, nil, wait)
	return s, conn
}

func send(t *testing.T, h *relay.Hub, s *presence.Session, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.True(t, h.Dispatch(s, frame))
}

// TestConnectedGreeting verifies a new session is greeted with connected.
func TestConnectedGreeting(t *testing.T) {
	h := startHub(t, relay.Options{})
	s, conn := testutil.NewSession("alice")
	require.True(t, h.Register(s))

	var hello protocol.Connected
	conn.Await(t, protocol.EventConnected, &hello, wait)
	assert.Equal(t, protocol.Connected{SessionID: s.ID, UserID: "alice", Status: "online"}, hello)
}

// TestOfflineMessageArrivesFirst verifies queued messages are delivered before
// connected.
func TestOfflineMessageArrivesFirst(t *testing.T) {
	h := startHub(t, relay.Options{})
	alice, aliceConn := connect(t, h, "alice")

	send(t, h, alice, protocol.EventSendMessage, protocol.SendMessageRequest{RecipientID: "bob", Content: "hi", TempID: "t1"})
	var ack protocol.MessageSent
	aliceConn.Await(t, protocol.EventMessageSent, &ack, wait)
	assert.Equal(t, protocol.StatusSent, ack.Message.Status)
	assert.Equal(t, "t1", ack.TempID)

	bob, bobConn := testutil.NewSession("bob")
	require.True(t, h.Register(bob))

	first := bobConn.Next(t, wait)
	require.Equal(t, protocol.EventNewMessage, first.Event)
	var msg protocol.ChatMessage
	require.NoError(t, first.Bind(&msg))
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "alice", msg.SenderID)

	assert.Equal(t, protocol.EventConnected, bobConn.Next(t, wait).Event)
	assert.Equal(t, 1, bobConn.Count(protocol.EventNewMessage))
}

// TestLeaveRoomNotifiesRemainingMember verifies leave_room is announced to the
// other member.
func TestLeaveRoomNotifiesRemainingMember(t *testing.T) {
	h := startHub(t, relay.Options{})
	carol, _ := connect(t, h, "carol")
	dave, daveConn := connect(t, h, "dave")

	send(t, h, carol, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})
	send(t, h, dave, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})
	send(t, h, carol, protocol.EventLeaveRoom, protocol.RoomRequest{RoomID: "r1"})

	var left protocol.RoomMembership
	daveConn.Await(t, protocol.EventUserLeftRoom, &left, wait)
	assert.Equal(t, protocol.RoomMembership{RoomID: "r1", UserID: "carol"}, left)

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 1, daveConn.Count(protocol.EventUserLeftRoom))
}

// TestCallToOfflineUserFails verifies call_failed for an absent callee.
func TestCallToOfflineUserFails(t *testing.T) {
	h := startHub(t, relay.Options{})
	erin, erinConn := connect(t, h, "erin")

	send(t, h, erin, protocol.EventCallInitiate, protocol.CallInitiateRequest{TargetUserID: "frank"})
	var failed protocol.CallFailed
	erinConn.Await(t, protocol.EventCallFailed, &failed, wait)
	assert.Equal(t, "offline", failed.Reason)

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActiveCalls)
}

// TestCallRingTimeoutRunsOnHub verifies the ring timer fires through the hub
// loop.
func TestCallRingTimeoutRunsOnHub(t *testing.T) {
	mock := clock.NewMock()
	h := startHub(t, relay.Options{Clock: mock, Calls: calls.Config{RingTimeout: 5 * time.Second}})
	erin, erinConn := connect(t, h, "erin")
	_, frankConn := connect(t, h, "frank")

	send(t, h, erin, protocol.EventCallInitiate, protocol.CallInitiateRequest{TargetUserID: "frank", CallType: "video"})
	var ringing protocol.CallRinging
	erinConn.Await(t, protocol.EventCallRinging, &ringing, wait)
	frankConn.Await(t, protocol.EventIncomingCall, nil, wait)

	mock.Add(5 * time.Second)

	var failed protocol.CallFailed
	erinConn.Await(t, protocol.EventCallFailed, &failed, wait)
	assert.Equal(t, protocol.CallFailed{Reason: "timeout", TargetUserID: "frank", CallID: ringing.CallID}, failed)
	frankConn.Await(t, protocol.EventCallEnded, nil, wait)
}

// TestDisconnectCascade verifies everything a departing user held is released
// and announced.
func TestDisconnectCascade(t *testing.T) {
	h := startHub(t, relay.Options{})
	carol, carolConn := connect(t, h, "carol")
	dave, daveConn := connect(t, h, "dave")

	send(t, h, carol, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})
	send(t, h, dave, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})
	send(t, h, carol, protocol.EventCallInitiate, protocol.CallInitiateRequest{TargetUserID: "dave"})
	var incoming protocol.IncomingCall
	daveConn.Await(t, protocol.EventIncomingCall, &incoming, wait)

	h.Unregister(carol)

	var left protocol.RoomMembership
	daveConn.Await(t, protocol.EventUserLeftRoom, &left, wait)
	assert.Equal(t, "carol", left.UserID)

	var ended protocol.CallEnded
	daveConn.Await(t, protocol.EventCallEnded, &ended, wait)
	assert.Equal(t, protocol.CallEnded{EndedBy: "carol", CallID: incoming.CallID, Reason: "disconnected"}, ended)

	var status protocol.UserStatus
	daveConn.Last(t, protocol.EventUserStatus, &status)
	assert.Equal(t, protocol.UserStatus{UserID: "carol", Status: "offline"}, status)
	assert.True(t, carolConn.Closed())

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Stats{ConnectedUsers: 1, Connections: 1, ActiveRooms: 1}, stats)
}

// TestStaleSessionDisconnectKeepsNewerOne verifies dropping an older
// connection keeps the user online.
func TestStaleSessionDisconnectKeepsNewerOne(t *testing.T) {
	h := startHub(t, relay.Options{})
	old, _ := connect(t, h, "alice")
	newer, newerConn := testutil.NewSessionWithID("alice", "alice-second")
	require.True(t, h.Register(newer))
	newerConn.Await(t, protocol.EventConnected, nil, wait)

	h.Unregister(old)

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConnectedUsers)
	assert.Equal(t, 1, stats.Connections)
}

// TestRoomsReleasedWhenLastConnectionLeaves verifies that rooms joined through
// an older connection are released once the user has no connection left,
// whichever connection held routing.
func TestRoomsReleasedWhenLastConnectionLeaves(t *testing.T) {
	h := startHub(t, relay.Options{})
	first, _ := testutil.NewSessionWithID("alice", "s1")
	require.True(t, h.Register(first))
	second, secondConn := testutil.NewSessionWithID("alice", "s2")
	require.True(t, h.Register(second))
	secondConn.Await(t, protocol.EventConnected, nil, wait)

	h.Unregister(second)
	send(t, h, first, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Stats{ConnectedUsers: 1, Connections: 1, ActiveRooms: 1}, stats)

	h.Unregister(first)

	stats, err = h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.Stats{}, stats)
}

// TestThrottledFramesAnswerInOrder verifies that refusals of rate limited
// frames reach the client behind the replies to earlier frames, and that a
// refused send_message carries its tempId.
func TestThrottledFramesAnswerInOrder(t *testing.T) {
	h := startHub(t, relay.Options{})
	alice, conn := connect(t, h, "alice")

	send(t, h, alice, protocol.EventSendMessage, protocol.SendMessageRequest{RecipientID: "bob", Content: "one", TempID: "t1"})
	limited, err := protocol.Encode(protocol.EventSendMessage, protocol.SendMessageRequest{RecipientID: "bob", Content: "two", TempID: "t2"})
	require.NoError(t, err)
	require.True(t, h.Throttle(alice, limited))
	online, err := protocol.Encode(protocol.EventGetOnline, nil)
	require.NoError(t, err)
	require.True(t, h.Throttle(alice, online))

	first := conn.Next(t, wait)
	require.Equal(t, protocol.EventMessageSent, first.Event)
	var ack protocol.MessageSent
	require.NoError(t, first.Bind(&ack))
	assert.Equal(t, "t1", ack.TempID)

	second := conn.Next(t, wait)
	require.Equal(t, protocol.EventMessageError, second.Event)
	var msgErr protocol.MessageError
	require.NoError(t, second.Bind(&msgErr))
	assert.Equal(t, protocol.MessageError{TempID: "t2", Error: "rate limited"}, msgErr)

	third := conn.Next(t, wait)
	require.Equal(t, protocol.EventError, third.Event)
	var e protocol.Error
	require.NoError(t, third.Bind(&e))
	assert.Equal(t, protocol.CodeRateLimited, e.Code)
	assert.Equal(t, protocol.EventGetOnline, e.Event)

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueuedMessages, "the refused message is not queued")
	assert.Equal(t, 1, stats.OfflineRecipients)
}

// TestMalformedSendMessageKeepsTempID verifies that a send_message whose
// payload does not bind still answers with the client's tempId.
func TestMalformedSendMessageKeepsTempID(t *testing.T) {
	h := startHub(t, relay.Options{})
	alice, conn := connect(t, h, "alice")

	require.True(t, h.Dispatch(alice, []byte(`{"event":"send_message","data":{"recipientId":"bob","content":42,"tempId":"t9"}}`)))
	var msgErr protocol.MessageError
	conn.Await(t, protocol.EventMessageError, &msgErr, wait)
	assert.Equal(t, "t9", msgErr.TempID)
	assert.Equal(t, 0, conn.Count(protocol.EventError))
	assert.False(t, conn.Closed())
}

// TestStatusAndOnlineUsers verifies update_status and get_online_users.
func TestStatusAndOnlineUsers(t *testing.T) {
	h := startHub(t, relay.Options{})
	alice, aliceConn := connect(t, h, "alice")
	_, bobConn := connect(t, h, "bob")

	send(t, h, alice, protocol.EventUpdateStatus, protocol.UpdateStatusRequest{Status: "away"})
	var status protocol.UserStatus
	bobConn.Await(t, protocol.EventUserStatus, &status, wait)
	for status.Status != "away" {
		bobConn.Await(t, protocol.EventUserStatus, &status, wait)
	}
	assert.Equal(t, "alice", status.UserID)

	send(t, h, alice, protocol.EventGetOnline, nil)
	var online protocol.OnlineUsers
	aliceConn.Await(t, protocol.EventOnlineUsers, &online, wait)
	require.Len(t, online.Users, 2)
	assert.Equal(t, "alice", online.Users[0].UserID)
	assert.Equal(t, "away", online.Users[0].Status)

	send(t, h, alice, protocol.EventUpdateStatus, protocol.UpdateStatusRequest{Status: "invisible"})
	var e protocol.Error
	aliceConn.Await(t, protocol.EventError, &e, wait)
	assert.Equal(t, protocol.CodeValidation, e.Code)
}

// TestErrorsKeepConnectionOpen verifies every kind of bad frame is answered
// and the connection survives.
func TestErrorsKeepConnectionOpen(t *testing.T) {
	h := startHub(t, relay.Options{})
	alice, conn := connect(t, h, "alice")

	require.True(t, h.Dispatch(alice, []byte("{not json")))
	var e protocol.Error
	conn.Await(t, protocol.EventError, &e, wait)
	assert.Equal(t, protocol.CodeBadFrame, e.Code)

	send(t, h, alice, "dance", nil)
	conn.Await(t, protocol.EventError, &e, wait)
	assert.Equal(t, protocol.CodeUnknownEvent, e.Code)
	assert.Equal(t, "dance", e.Event)

	send(t, h, alice, protocol.EventJoinRoom, protocol.RoomRequest{})
	conn.Await(t, protocol.EventError, &e, wait)
	assert.Equal(t, protocol.CodeValidation, e.Code)
	assert.Equal(t, "roomId is required", e.Message)

	send(t, h, alice, protocol.EventSendMessage, protocol.SendMessageRequest{TempID: "t7"})
	var msgErr protocol.MessageError
	conn.Await(t, protocol.EventMessageError, &msgErr, wait)
	assert.Equal(t, "t7", msgErr.TempID)

	assert.False(t, conn.Closed())
}

// TestBridgeReplicatesRoomsAcrossHubs verifies presence and room events cross
// processes over the bus.
func TestBridgeReplicatesRoomsAcrossHubs(t *testing.T) {
	bus := bridge.NewLocalBus()
	a := startHub(t, relay.Options{Bridge: bridge.New(bridge.Config{NodeID: "a"}, bus, nil, logging.Discard())})
	b := startHub(t, relay.Options{Bridge: bridge.New(bridge.Config{NodeID: "b"}, bus, nil, logging.Discard())})

	alice, aliceConn := connect(t, a, "alice")
	send(t, a, alice, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})
	_, err := a.Stats(context.Background()) // join processed
	require.NoError(t, err)

	bob, _ := connect(t, b, "bob")
	var status protocol.UserStatus
	aliceConn.Await(t, protocol.EventUserStatus, &status, wait)
	assert.Equal(t, protocol.UserStatus{UserID: "bob", Status: "online"}, status)

	send(t, b, bob, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: "r1"})
	var joined protocol.RoomMembership
	aliceConn.Await(t, protocol.EventUserJoinedRoom, &joined, wait)
	assert.Equal(t, protocol.RoomMembership{RoomID: "r1", UserID: "bob"}, joined)

	// Direct messages stay process local: bob is not visible from a.
	send(t, a, alice, protocol.EventSendMessage, protocol.SendMessageRequest{RecipientID: "bob", Content: "hi"})
	var ack protocol.MessageSent
	aliceConn.Await(t, protocol.EventMessageSent, &ack, wait)
	assert.Equal(t, protocol.StatusSent, ack.Message.Status)
}

// TestShutdownClosesSessions verifies Shutdown closes sessions and refuses new
// ones.
func TestShutdownClosesSessions(t *testing.T) {
	h, err := relay.NewHub(relay.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	go h.Run()

	s, conn := testutil.NewSession("alice")
	require.True(t, h.Register(s))

	pumpDone := make(chan struct{})
	bob, _ := testutil.NewSession("bob")
	require.True(t, h.Register(bob, func() { <-pumpDone }))

	close(pumpDone)
	require.NoError(t, h.Shutdown(time.Second))
	assert.True(t, conn.Closed())
	assert.False(t, h.Register(s), "closed hub refuses sessions")

	_, err = h.Stats(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
