package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		wantError bool
	}{
		{"current version", CurrentVersion, false},
		{"newer version", "2.3.0", false},
		{"older version", "0.9.0", true},
		{"empty version", "", true},
		{"garbage version", "not-a-version", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompatible(tt.version)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNodeStateValid(t *testing.T) {
	for _, s := range []NodeState{StateOnline, StateWarning, StateOffline, StateError, StateBlocked} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, NodeState("sideways").Valid())
	assert.False(t, NodeState("").Valid())
}

func TestMessageRoundTrip(t *testing.T) {
	msg := NewMessage(EventAlert, Alert{NodeID: "n1", Severity: "critical", From: StateOnline, To: StateOffline, Message: "node n1 is now offline"})

	data, err := msg.Encode()
	assert.NoError(t, err)

	decoded, err := DecodeMessage(data)
	assert.NoError(t, err)
	assert.Equal(t, EventAlert, decoded.Type)
	assert.False(t, decoded.Timestamp.IsZero())

	payload, ok := decoded.Payload.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "n1", payload["node_id"])
}
