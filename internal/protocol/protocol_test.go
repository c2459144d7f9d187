package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeWrapsPayloadInFrame verifies Encode produces an {event, data}
// frame.
func TestEncodeWrapsPayloadInFrame(t *testing.T) {
	raw, err := Encode(EventUserLeftRoom, RoomMembership{RoomID: "r1", UserID: "carol"})
	require.NoError(t, err)

	var frame struct {
		Event string         `json:"event"`
		Data  RoomMembership `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, EventUserLeftRoom, frame.Event)
	assert.Equal(t, "r1", frame.Data.RoomID)
	assert.Equal(t, "carol", frame.Data.UserID)
}

// TestDecode verifies frame parsing and the required event name.
func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		event   string
		wantErr bool
	}{
		{name: "valid", raw: `{"event":"join_room","data":{"roomId":"r1"}}`, event: EventJoinRoom},
		{name: "trims event", raw: `{"event":" typing "}`, event: EventTyping},
		{name: "missing event", raw: `{"data":{}}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.event, frame.Event)
		})
	}
}

// TestBindReportsValidationError verifies payload type mismatches wrap
// ErrValidation.
func TestBindReportsValidationError(t *testing.T) {
	frame := Frame{Event: EventJoinRoom, Data: json.RawMessage(`{"roomId":42}`)}
	var req RoomRequest
	err := frame.Bind(&req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	empty := Frame{Event: EventGetOnline}
	assert.NoError(t, empty.Bind(&req))
}

// TestRequired verifies the first blank field is named in the error.
func TestRequired(t *testing.T) {
	assert.NoError(t, Required("recipientId", "bob", "content", "hi"))

	err := Required("recipientId", "bob", "content", "  ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "content is required")
}

// TestIsSignal verifies which events are forwarded as opaque signals.
func TestIsSignal(t *testing.T) {
	assert.True(t, IsSignal(EventWebRTCOffer))
	assert.True(t, IsSignal(EventWebRTCICE))
	assert.False(t, IsSignal(EventCallEnd))
}
