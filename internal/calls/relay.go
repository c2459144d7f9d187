// Package calls relays one-to-one call signaling between two connected users.
//
// Every call is a small state machine:
//
//	ringing -> accepted -> ended
//	ringing -> rejected
//	ringing -> ended      (caller hangs up before an answer)
//	ringing -> expired    (nobody answered within RingTimeout)
//
// Terminal calls are kept for TerminalGrace so late events for them are
// recognised and ignored, then forgotten. Media negotiation payloads are
// forwarded verbatim while a call is ringing or accepted.
package calls

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/presence"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// State is the lifecycle position of a call.
type State string

const (
	Ringing  State = "ringing"
	Accepted State = "accepted"
	Rejected State = "rejected"
	Ended    State = "ended"
	Expired  State = "expired"
)

// Active reports whether the call can still change state.
func (s State) Active() bool {
	return s == Ringing || s == Accepted
}

// Reasons carried by call_failed and call_ended.
const (
	ReasonOffline      = "offline"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

const defaultCallType = "audio"

// Config holds call timers.
type Config struct {
	RingTimeout   time.Duration `yaml:"ring_timeout" env:"RELAY_CALL_RING_TIMEOUT"`
	TerminalGrace time.Duration `yaml:"terminal_grace" env:"RELAY_CALL_TERMINAL_GRACE"`
}

// DefaultConfig rings for 30 seconds and remembers finished calls for 30 seconds.
func DefaultConfig() Config {
	return Config{RingTimeout: 30 * time.Second, TerminalGrace: 30 * time.Second}
}

// Call is one call session. The id doubles as the roomId clients send back.
type Call struct {
	ID        string
	CallerID  string
	CalleeID  string
	CallType  string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time

	timer *clock.Timer
}

// Peer returns the other participant, or "" if userID is not in the call.
func (c *Call) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	}
	return ""
}

func (c *Call) involves(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Directory resolves a user to its live local session.
type Directory interface {
	Lookup(userID string) (*presence.Session, bool)
}

// Relay owns the call table. Methods must be called from one goroutine; timer
// callbacks are handed to post so they run on that same goroutine.
type Relay struct {
	calls     map[string]*Call
	directory Directory
	config    Config
	clock     clock.Clock
	post      func(func())
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRelay creates a call relay. post schedules fn on the goroutine that owns
// the relay; a nil post runs fn on the timer goroutine and is only suitable when
// nothing else touches the relay concurrently.
func NewRelay(cfg Config, directory Directory, clk clock.Clock, post func(func()), m *metrics.Metrics, logger *slog.Logger) *Relay {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = def.TerminalGrace
	}
	if clk == nil {
		clk = clock.New()
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Relay{
		calls:     make(map[string]*Call),
		directory: directory,
		config:    cfg,
		clock:     clk,
		post:      post,
		metrics:   m,
		logger:    logging.OrDefault(logger),
	}
}

// Initiate starts ringing req.TargetUserID. When the callee has no live session
// the caller gets call_failed{reason:"offline"} and no call is created; the
// returned call is nil in that case.
func (r *Relay) Initiate(caller *presence.Session, req protocol.CallInitiateRequest) (*Call, error) {
	targetID := strings.TrimSpace(req.TargetUserID)
	if err := protocol.Required("targetUserId", targetID); err != nil {
		return nil, err
	}
	if targetID == caller.UserID {
		return nil, fmt.Errorf("%w: cannot call yourself", protocol.ErrValidation)
	}

	callee, ok := r.directory.Lookup(targetID)
	if !ok {
		r.metrics.Calls.WithLabelValues("failed").Inc()
		caller.Emit(protocol.EventCallFailed, protocol.CallFailed{Reason: ReasonOffline, TargetUserID: targetID})
		r.logger.Debug("call target offline", "caller_id", caller.UserID, "target_user_id", targetID)
		return nil, nil
	}

	callType := strings.TrimSpace(req.CallType)
	if callType == "" {
		callType = defaultCallType
	}
	now := r.clock.Now()
	call := &Call{
		ID:        uuid.NewString(),
		CallerID:  caller.UserID,
		CalleeID:  targetID,
		CallType:  callType,
		State:     Ringing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.calls[call.ID] = call
	call.timer = r.after(r.config.RingTimeout, func() { r.Expire(call.ID) })

	callee.Emit(protocol.EventIncomingCall, protocol.IncomingCall{
		CallerID:   caller.UserID,
		CallerName: caller.DisplayName,
		CallType:   callType,
		CallID:     call.ID,
	})
	caller.Emit(protocol.EventCallRinging, protocol.CallRinging{
		CallID:       call.ID,
		TargetUserID: targetID,
		CallType:     callType,
	})
	r.logger.Info("call ringing", "call_id", call.ID, "caller_id", call.CallerID, "callee_id", call.CalleeID, "call_type", callType)
	return call, nil
}

// Accept moves a ringing call to accepted when the callee answers it.
func (r *Relay) Accept(callee *presence.Session, req protocol.CallAcceptRequest) bool {
	call := r.resolve(req.RoomID, strings.TrimSpace(req.CallerID), callee.UserID)
	if call == nil || call.State != Ringing || call.CalleeID != callee.UserID {
		r.ignored("call_accept", callee.UserID, req.RoomID)
		return false
	}
	r.transition(call, Accepted)
	r.metrics.Calls.WithLabelValues("accepted").Inc()
	r.emit(call.CallerID, protocol.EventCallAccepted, protocol.CallAccepted{AcceptedBy: callee.UserID, CallID: call.ID})
	return true
}

// Reject moves a ringing call to rejected when the callee declines it.
func (r *Relay) Reject(callee *presence.Session, req protocol.CallRejectRequest) bool {
	call := r.resolve(req.RoomID, strings.TrimSpace(req.CallerID), callee.UserID)
	if call == nil || call.State != Ringing || call.CalleeID != callee.UserID {
		r.ignored("call_reject", callee.UserID, req.RoomID)
		return false
	}
	r.transition(call, Rejected)
	r.metrics.Calls.WithLabelValues("rejected").Inc()
	r.emit(call.CallerID, protocol.EventCallRejected, protocol.CallRejected{
		RejectedBy: callee.UserID,
		Reason:     req.Reason,
		CallID:     call.ID,
	})
	return true
}

// End hangs up an active call on behalf of either participant.
func (r *Relay) End(user *presence.Session, req protocol.CallEndRequest) bool {
	call := r.resolveActive(req.RoomID, user.UserID, strings.TrimSpace(req.TargetUserID))
	if call == nil || !call.involves(user.UserID) {
		r.ignored("call_end", user.UserID, req.RoomID)
		return false
	}
	r.finish(call, user.UserID, "")
	return true
}

// Signal forwards a negotiation payload to the other participant of an active
// call. It is silently dropped when the call is not active or the peer is gone.
func (r *Relay) Signal(from *presence.Session, event string, req protocol.SignalRequest) bool {
	targetID := strings.TrimSpace(req.TargetUserID)
	call := r.resolveActive(req.RoomID, from.UserID, targetID)
	if call == nil || !call.involves(from.UserID) {
		r.ignored(event, from.UserID, req.RoomID)
		return false
	}
	peer := call.Peer(from.UserID)
	if targetID != "" && targetID != peer {
		r.ignored(event, from.UserID, call.ID)
		return false
	}
	return r.emit(peer, event, protocol.Signal{FromUserID: from.UserID, Payload: req.Payload, RoomID: call.ID})
}

// Expire ends a call that is still ringing after RingTimeout.
func (r *Relay) Expire(callID string) bool {
	call, ok := r.calls[callID]
	if !ok || call.State != Ringing {
		return false
	}
	r.transition(call, Expired)
	r.metrics.Calls.WithLabelValues("expired").Inc()
	r.emit(call.CallerID, protocol.EventCallFailed, protocol.CallFailed{
		Reason:       ReasonTimeout,
		TargetUserID: call.CalleeID,
		CallID:       call.ID,
	})
	r.emit(call.CalleeID, protocol.EventCallEnded, protocol.CallEnded{CallID: call.ID, Reason: ReasonTimeout})
	return true
}

// Disconnect ends every active call userID takes part in. The peer gets
// call_ended with reason "disconnected". It returns the number of calls ended.
func (r *Relay) Disconnect(userID string) int {
	ended := 0
	for _, call := range r.calls {
		if call.State.Active() && call.involves(userID) {
			r.finish(call, userID, ReasonDisconnected)
			ended++
		}
	}
	return ended
}

// snapshot returns a copy of the call with id callID.
func (r *Relay) snapshot(callID string) (Call, bool) {
	call, ok := r.calls[callID]
	if !ok {
		return Call{}, false
	}
	copied := *call
	copied.timer = nil
	return copied, true
}

// Active is the number of ringing or accepted calls.
func (r *Relay) Active() int {
	n := 0
	for _, call := range r.calls {
		if call.State.Active() {
			n++
		}
	}
	return n
}

// held is the number of calls held, terminal ones included.
func (r *Relay) held() int {
	return len(r.calls)
}

// Close stops every pending timer.
func (r *Relay) Close() {
	for _, call := range r.calls {
		if call.timer != nil {
			call.timer.Stop()
		}
	}
}

func (r *Relay) finish(call *Call, endedBy, reason string) {
	r.transition(call, Ended)
	r.metrics.Calls.WithLabelValues("ended").Inc()
	r.emit(call.Peer(endedBy), protocol.EventCallEnded, protocol.CallEnded{
		EndedBy: endedBy,
		CallID:  call.ID,
		Reason:  reason,
	})
}

// transition moves call to state, cancelling any pending timer. Terminal states
// schedule removal after TerminalGrace.
func (r *Relay) transition(call *Call, state State) {
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	r.logger.Info("call state changed", "call_id", call.ID, "from", string(call.State), "to", string(state))
	call.State = state
	call.UpdatedAt = r.clock.Now()
	if state.Active() {
		return
	}
	id := call.ID
	call.timer = r.after(r.config.TerminalGrace, func() { r.forget(id) })
}

func (r *Relay) forget(callID string) {
	if call, ok := r.calls[callID]; ok && !call.State.Active() {
		delete(r.calls, callID)
	}
}

// after arms a timer whose callback is posted to the owning goroutine.
func (r *Relay) after(d time.Duration, fn func()) *clock.Timer {
	return r.clock.AfterFunc(d, func() { r.post(fn) })
}

// resolve finds a call by id, or else the newest ringing call from callerID to
// calleeID.
func (r *Relay) resolve(callID, callerID, calleeID string) *Call {
	if callID = strings.TrimSpace(callID); callID != "" {
		return r.calls[callID]
	}
	if callerID == "" {
		return nil
	}
	return r.newest(func(c *Call) bool {
		return c.State == Ringing && c.CallerID == callerID && c.CalleeID == calleeID
	})
}

// resolveActive finds a call by id, or else the newest active call between
// userID and peerID. Calls found by id must still be active.
func (r *Relay) resolveActive(callID, userID, peerID string) *Call {
	if callID = strings.TrimSpace(callID); callID != "" {
		call := r.calls[callID]
		if call == nil || !call.State.Active() {
			return nil
		}
		return call
	}
	if peerID == "" {
		return nil
	}
	return r.newest(func(c *Call) bool {
		return c.State.Active() && c.involves(userID) && c.Peer(userID) == peerID
	})
}

func (r *Relay) newest(match func(*Call) bool) *Call {
	var found *Call
	for _, call := range r.calls {
		if !match(call) {
			continue
		}
		if found == nil || call.CreatedAt.After(found.CreatedAt) ||
			(call.CreatedAt.Equal(found.CreatedAt) && call.ID > found.ID) {
			found = call
		}
	}
	return found
}

func (r *Relay) emit(userID, event string, payload any) bool {
	s, ok := r.directory.Lookup(userID)
	if !ok {
		return false
	}
	return s.Emit(event, payload)
}

func (r *Relay) ignored(event, userID, callID string) {
	r.logger.Debug("ignored call event", "event", event, "user_id", userID, "call_id", callID)
}
