package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshwatch/internal/config"
	"meshwatch/internal/identity"
	"meshwatch/internal/protocol"
)

type fakeCoordinator struct {
	mu         sync.Mutex
	registers  int
	heartbeats []protocol.NodeState
	// commands is delivered once with the next heartbeat response.
	commands    []protocol.Command
	reject404   bool
	diagnostics []protocol.DiagnosticsBundle
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.StatusResponse{Service: protocol.ServiceName, Version: "1.0.0"})
	})
	mux.HandleFunc("POST /nodes/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.registers++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"node": map[string]any{}})
	})
	mux.HandleFunc("POST /nodes/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var rec protocol.HeartbeatRecord
		json.NewDecoder(r.Body).Decode(&rec)

		f.mu.Lock()
		if f.reject404 {
			f.reject404 = false
			f.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.heartbeats = append(f.heartbeats, rec.Status)
		cmds := f.commands
		f.commands = nil
		f.mu.Unlock()

		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Acknowledged: true, Commands: cmds})
	})
	mux.HandleFunc("POST /nodes/{id}/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		var bundle protocol.DiagnosticsBundle
		json.NewDecoder(r.Body).Decode(&bundle)
		f.mu.Lock()
		f.diagnostics = append(f.diagnostics, bundle)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"stored": true})
	})
	return mux
}

func (f *fakeCoordinator) heartbeatStatuses() []protocol.NodeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.NodeState, len(f.heartbeats))
	copy(out, f.heartbeats)
	return out
}

func (f *fakeCoordinator) registerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers
}

func newTestClient(coordinators ...string) *Client {
	cfg := config.Agent{
		Coordinators:      coordinators,
		HeartbeatInterval: 20 * time.Millisecond,
		MaxFailures:       5,
		DiscoveryTimeout:  500 * time.Millisecond,
		Version:           "1.0.0",
	}
	id := &identity.Identity{ID: "a1b2c3d4", Hostname: "test-node", Address: "10.0.0.5", Version: "1.0.0"}
	c := New(cfg, id, nil, nil)
	c.collect = func() protocol.SystemMetrics { return protocol.SystemMetrics{CPUPercent: 1} }
	return c
}

func TestDiscoveryPicksFirstValidCandidate(t *testing.T) {
	// Not a coordinator: wrong service name.
	impostor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.StatusResponse{Service: "something-else"})
	}))
	defer impostor.Close()

	coord := &fakeCoordinator{}
	real := httptest.NewServer(coord.handler())
	defer real.Close()

	c := newTestClient("http://127.0.0.1:1", impostor.URL, real.URL)
	got := c.discoverCoordinator(context.Background())
	assert.Equal(t, real.URL, got)
}

func TestDiscoveryWithNoCoordinators(t *testing.T) {
	c := newTestClient()
	assert.Empty(t, c.discoverCoordinator(context.Background()))
}

func TestRegisterAndHeartbeat(t *testing.T) {
	coord := &fakeCoordinator{}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	c := newTestClient(ts.URL)
	c.setCoordinator(ts.URL)

	require.NoError(t, c.register(context.Background()))
	assert.Equal(t, 1, coord.registerCount())

	require.NoError(t, c.heartbeatCycle(context.Background()))
	statuses := coord.heartbeatStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, protocol.StateOnline, statuses[0])
	assert.Equal(t, 0, c.FailureCount())
}

func TestFailureLimitTransitionsExactlyOnce(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	c.setCoordinator("http://127.0.0.1:1")
	c.setState(StateHeartbeating)

	err := c.heartbeatCycle(context.Background())
	require.Error(t, err)

	// Four failures: still heartbeating against the same coordinator.
	for i := 0; i < 4; i++ {
		c.onHeartbeatFailure(err)
	}
	assert.Equal(t, StateHeartbeating, c.State())
	assert.Equal(t, 4, c.FailureCount())

	// The fifth failure abandons the coordinator.
	c.onHeartbeatFailure(err)
	assert.Equal(t, StateDiscovering, c.State())
	assert.Empty(t, c.Coordinator())
	assert.Equal(t, 0, c.FailureCount())
}

func TestLostRegistrationTriggersReRegister(t *testing.T) {
	coord := &fakeCoordinator{reject404: true}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	c := newTestClient(ts.URL)
	c.setCoordinator(ts.URL)
	c.setState(StateHeartbeating)

	require.NoError(t, c.heartbeatCycle(context.Background()))
	assert.Equal(t, 1, coord.registerCount())
}

func TestApplyConfigCommand(t *testing.T) {
	c := newTestClient()

	// Numeric values are seconds.
	c.execCommand(context.Background(), protocol.Command{
		Type:   protocol.CommandApplyConfig,
		Params: map[string]any{protocol.ParamHeartbeatInterval: float64(45)},
	})
	assert.Equal(t, 45*time.Second, c.Interval())

	// Duration strings work too.
	c.execCommand(context.Background(), protocol.Command{
		Type:   protocol.CommandApplyConfig,
		Params: map[string]any{protocol.ParamHeartbeatInterval: "2m"},
	})
	assert.Equal(t, 2*time.Minute, c.Interval())

	// Garbage and non-positive values are ignored.
	c.execCommand(context.Background(), protocol.Command{
		Type:   protocol.CommandApplyConfig,
		Params: map[string]any{protocol.ParamHeartbeatInterval: "soon"},
	})
	c.execCommand(context.Background(), protocol.Command{
		Type:   protocol.CommandApplyConfig,
		Params: map[string]any{protocol.ParamHeartbeatInterval: float64(-1)},
	})
	assert.Equal(t, 2*time.Minute, c.Interval())
}

func TestRunDiagnosticsCommand(t *testing.T) {
	coord := &fakeCoordinator{}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	c := newTestClient(ts.URL)
	c.setCoordinator(ts.URL)

	c.execCommand(context.Background(), protocol.Command{Type: protocol.CommandRunDiagnostics})

	coord.mu.Lock()
	defer coord.mu.Unlock()
	require.Len(t, coord.diagnostics, 1)
	assert.Equal(t, 1.0, coord.diagnostics[0].System.CPUPercent)
	assert.Equal(t, "test-node", coord.diagnostics[0].Extra["hostname"])
}

func TestUnknownCommandIsSkipped(t *testing.T) {
	c := newTestClient()
	// Must not panic or change state.
	c.execCommand(context.Background(), protocol.Command{Type: "self-destruct"})
	assert.Equal(t, StateUnregistered, c.State())
}

func TestRestartCommandStopsRun(t *testing.T) {
	coord := &fakeCoordinator{commands: []protocol.Command{{Type: protocol.CommandRestartSelf}}}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	c := newTestClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	assert.ErrorIs(t, err, ErrRestartRequested)
}

func TestRunSendsFinalOfflineHeartbeat(t *testing.T) {
	coord := &fakeCoordinator{}
	ts := httptest.NewServer(coord.handler())
	defer ts.Close()

	c := newTestClient(ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Wait for at least one online heartbeat, then shut down.
	require.Eventually(t, func() bool {
		return len(coord.heartbeatStatuses()) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	statuses := coord.heartbeatStatuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, protocol.StateOffline, statuses[len(statuses)-1])
	assert.Equal(t, protocol.StateOnline, statuses[0])
}

func TestStandaloneRunKeepsRetryingDiscovery(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Contains(t, []State{StateUnregistered, StateDiscovering}, c.State())
	assert.Empty(t, c.Coordinator())
}
