package util

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMapToStruct(t *testing.T) {
	type target struct {
		NodeID string `json:"node_id"`
		Count  int    `json:"count"`
	}

	var out target
	require.NoError(t, ConvertMapToStruct(map[string]any{"node_id": "n1", "count": float64(3)}, &out))
	assert.Equal(t, "n1", out.NodeID)
	assert.Equal(t, 3, out.Count)
}

func TestPayloadMap(t *testing.T) {
	m := PayloadMap(map[string]any{"k": "v"})
	assert.Equal(t, "v", m["k"])

	// Nil and non-map payloads narrow to an empty map, never nil.
	assert.NotNil(t, PayloadMap(nil))
	assert.Empty(t, PayloadMap("just a string"))
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:51234"
	assert.Equal(t, "10.0.0.5", RemoteIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", RemoteIP(r))
}
