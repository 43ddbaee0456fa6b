package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
	"meshwatch/internal/registry"
	"meshwatch/internal/stats"
)

func newTestHub(t *testing.T) (*Hub, *registry.Registry, *httptest.Server) {
	t.Helper()

	reg := registry.New(probe.NopNetworkProbe{}, probe.NopAccessControl{}, registry.DefaultConfig(), nil, nil)
	agg := stats.New(probe.NopNetworkProbe{}, probe.NopOverlayProbe{}, nil, nil)

	h := New(reg, agg, DefaultConfig(), nil, nil)
	h.SetStatusFunc(func() protocol.StatusResponse {
		return protocol.StatusResponse{Service: protocol.ServiceName, Version: "1.0.0"}
	})

	ts := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(ts.Close)
	return h, reg, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func sendEvent(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := protocol.NewMessage(msgType, payload).Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no event")
}

func TestBootstrapIsFirstEvent(t *testing.T) {
	_, reg, ts := newTestHub(t)

	_, err := reg.Register(protocol.RegisterRequest{NodeID: "n1", Address: "10.0.0.5", Version: "1.0.0"})
	require.NoError(t, err)

	conn := dial(t, ts)
	msg := readEvent(t, conn)
	require.Equal(t, protocol.EventBootstrap, msg.Type)

	bundle, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"status", "nodes", "stats", "topology", "gateway"} {
		assert.Contains(t, bundle, key)
	}

	status, ok := bundle["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, protocol.ServiceName, status["service"])

	nodes, ok := bundle["nodes"].([]any)
	require.True(t, ok)
	assert.Len(t, nodes, 1)
}

func TestPullRequestAnsweredToRequesterOnly(t *testing.T) {
	_, _, ts := newTestHub(t)

	requester := dial(t, ts)
	bystander := dial(t, ts)
	readEvent(t, requester) // bootstrap
	readEvent(t, bystander)

	sendEvent(t, requester, protocol.EventRequestNodes, nil)

	msg := readEvent(t, requester)
	assert.Equal(t, protocol.EventNodesUpdate, msg.Type)
	expectSilence(t, bystander)
}

func TestRequestStatus(t *testing.T) {
	_, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, protocol.EventRequestStatus, nil)
	msg := readEvent(t, conn)
	require.Equal(t, protocol.EventStatusUpdate, msg.Type)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, protocol.ServiceName, payload["service"])
}

func TestRequestPerformanceWindow(t *testing.T) {
	_, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, protocol.EventRequestPerformance, map[string]any{"minutes": 5})
	msg := readEvent(t, conn)
	require.Equal(t, protocol.EventPerformance, msg.Type)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), payload["window_minutes"])
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	h, _, ts := newTestHub(t)

	first := dial(t, ts)
	second := dial(t, ts)
	readEvent(t, first)
	readEvent(t, second)

	h.BroadcastNodes()

	assert.Equal(t, protocol.EventNodesUpdate, readEvent(t, first).Type)
	assert.Equal(t, protocol.EventNodesUpdate, readEvent(t, second).Type)
}

func TestSubscriberReceivesStreamCopy(t *testing.T) {
	h, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, protocol.EventSubscribe, map[string]any{"stream": protocol.StreamNodes})
	// Subscription is applied by the read pump; give it a moment.
	time.Sleep(50 * time.Millisecond)

	h.BroadcastNodes()

	// The broadcast copy plus the stream-scoped copy.
	assert.Equal(t, protocol.EventNodesUpdate, readEvent(t, conn).Type)
	assert.Equal(t, protocol.EventNodesUpdate, readEvent(t, conn).Type)
	expectSilence(t, conn)
}

func TestUnsubscribeStopsStreamCopy(t *testing.T) {
	h, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, protocol.EventSubscribe, map[string]any{"stream": protocol.StreamNodes})
	time.Sleep(50 * time.Millisecond)
	sendEvent(t, conn, protocol.EventUnsubscribe, map[string]any{"stream": protocol.StreamNodes})
	time.Sleep(50 * time.Millisecond)

	h.BroadcastNodes()

	assert.Equal(t, protocol.EventNodesUpdate, readEvent(t, conn).Type)
	expectSilence(t, conn)
}

func TestNodeActionErrorEchoedToRequester(t *testing.T) {
	_, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, protocol.EventNodeAction, map[string]any{
		"node_id": "ghost",
		"action":  protocol.ActionPing,
	})

	msg := readEvent(t, conn)
	require.Equal(t, protocol.EventNodeActionResult, msg.Type)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ghost", payload["node_id"])
	assert.Equal(t, protocol.ActionPing, payload["action"])
	assert.NotEqual(t, true, payload["success"])
	assert.NotEmpty(t, payload["message"])
}

func TestNodeActionSuccess(t *testing.T) {
	_, reg, ts := newTestHub(t)

	_, err := reg.Register(protocol.RegisterRequest{NodeID: "n1", Address: "10.0.0.5", Version: "1.0.0"})
	require.NoError(t, err)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, protocol.EventNodeAction, map[string]any{
		"node_id": "n1",
		"action":  protocol.ActionDisconnect,
	})

	msg := readEvent(t, conn)
	require.Equal(t, protocol.EventNodeActionResult, msg.Type)
	payload := msg.Payload.(map[string]any)
	assert.Equal(t, true, payload["success"])

	// A successful disconnect is followed by a security alert and a
	// refreshed node list.
	assert.Equal(t, protocol.EventSecurityAlert, readEvent(t, conn).Type)
	assert.Equal(t, protocol.EventNodesUpdate, readEvent(t, conn).Type)

	snap, _ := reg.Get("n1")
	assert.Equal(t, protocol.StateBlocked, snap.Status)
}

func TestUnknownRequestTypeGetsError(t *testing.T) {
	_, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	sendEvent(t, conn, "make-coffee", nil)

	msg := readEvent(t, conn)
	assert.Equal(t, protocol.EventError, msg.Type)
}

func TestSessionCount(t *testing.T) {
	h, _, ts := newTestHub(t)
	assert.Equal(t, 0, h.SessionCount())

	conn := dial(t, ts)
	readEvent(t, conn)
	assert.Equal(t, 1, h.SessionCount())

	conn.Close()
	require.Eventually(t, func() bool { return h.SessionCount() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownNotifiesAndRefusesNewConnections(t *testing.T) {
	h, _, ts := newTestHub(t)

	conn := dial(t, ts)
	readEvent(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Shutdown(ctx)

	msg := readEvent(t, conn)
	assert.Equal(t, protocol.EventServerShutdown, msg.Type)

	// The connection is closed after the notice.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// New upgrades are refused.
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestReapIdleClosesStaleSessions(t *testing.T) {
	reg := registry.New(probe.NopNetworkProbe{}, probe.NopAccessControl{}, registry.DefaultConfig(), nil, nil)
	agg := stats.New(probe.NopNetworkProbe{}, probe.NopOverlayProbe{}, nil, nil)

	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	h := New(reg, agg, cfg, nil, nil)
	h.SetStatusFunc(func() protocol.StatusResponse { return protocol.StatusResponse{Service: protocol.ServiceName} })

	ts := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(ts.Close)

	conn := dial(t, ts)
	readEvent(t, conn)
	require.Equal(t, 1, h.SessionCount())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.ReapIdle(context.Background()))

	require.Eventually(t, func() bool { return h.SessionCount() == 0 }, 2*time.Second, 20*time.Millisecond)
}
