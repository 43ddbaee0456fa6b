package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meshwatch/internal/metrics"
	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
	"meshwatch/internal/registry"
	"meshwatch/internal/stats"
	"meshwatch/internal/util"
)

// RegistryView is the slice of the node registry the hub consumes.
type RegistryView interface {
	List() []registry.Snapshot
	DispatchAction(ctx context.Context, nodeID, action string) (protocol.ActionResult, error)
}

// StatsView is the slice of the stats aggregator the hub consumes.
type StatsView interface {
	Latest() (stats.Snapshot, bool)
	PerformanceWindow(minutes int) stats.PerformanceReport
}

// Config tunes the hub.
type Config struct {
	// IdleTimeout force-disconnects sessions with no activity for this
	// long.
	IdleTimeout time.Duration
	// ActionTimeout bounds a relayed node action.
	ActionTimeout time.Duration
}

// DefaultConfig returns the reference hub settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   30 * time.Minute,
		ActionTimeout: 35 * time.Second,
	}
}

// Hub manages observer sessions and fans registry, stats and topology
// changes out to them in real time.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	reg      RegistryView
	stats    StatsView
	statusFn func() protocol.StatusResponse
	cfg      Config
	metrics  *metrics.Metrics
	log      *logrus.Entry

	upgrader websocket.Upgrader
}

// New creates a hub over the given registry and stats views.
func New(reg RegistryView, st StatsView, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		sessions: make(map[string]*Session),
		reg:      reg,
		stats:    st,
		cfg:      cfg,
		metrics:  m,
		log:      log.WithField("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetStatusFunc wires the coordinator status source. Must be called
// before the hub serves connections.
func (h *Hub) SetStatusFunc(fn func() protocol.StatusResponse) {
	h.statusFn = fn
}

// SessionCount returns the number of connected observers.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleWS upgrades an observer connection and starts its session. The
// bootstrap bundle is queued before the session joins the broadcast set,
// so an observer never sees an incremental update first.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("remote", util.RemoteIP(r)).WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	s := newSession(uuid.NewString(), conn, h)
	s.enqueueMessage(protocol.NewMessage(protocol.EventBootstrap, h.bootstrapBundle()))

	h.mu.Lock()
	h.sessions[s.ID] = s
	count := len(h.sessions)
	h.mu.Unlock()
	h.metrics.SetSessions(count)
	h.log.WithFields(logrus.Fields{"session": s.ID, "remote": util.RemoteIP(r)}).Info("Observer connected")

	go s.writePump()
	go s.readPump()
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	count := len(h.sessions)
	h.mu.Unlock()

	if present {
		h.metrics.SetSessions(count)
		h.log.WithField("session", s.ID).Info("Observer disconnected")
	}
}

type bootstrapBundle struct {
	Status   protocol.StatusResponse `json:"status"`
	Nodes    []registry.Snapshot     `json:"nodes"`
	Stats    stats.Snapshot          `json:"stats"`
	Topology topologyPayload         `json:"topology"`
	Gateway  gatewayPayload          `json:"gateway"`
}

type topologyPayload struct {
	Neighbors []probe.Neighbor  `json:"neighbors"`
	Routes    []probe.Route     `json:"routes"`
	Health    stats.HealthScore `json:"health"`
}

type gatewayPayload struct {
	Mesh    probe.MeshStatus    `json:"mesh"`
	Overlay probe.OverlayStatus `json:"overlay"`
}

// bootstrapBundle assembles the atomic state bundle pushed on connect.
// All five sections are always present, zero-valued when nothing has
// been collected yet.
func (h *Hub) bootstrapBundle() bootstrapBundle {
	latest, _ := h.stats.Latest()
	return bootstrapBundle{
		Status:   h.status(),
		Nodes:    h.reg.List(),
		Stats:    latest,
		Topology: h.topology(),
		Gateway:  h.gateway(),
	}
}

func (h *Hub) status() protocol.StatusResponse {
	if h.statusFn == nil {
		return protocol.StatusResponse{Service: protocol.ServiceName}
	}
	return h.statusFn()
}

func (h *Hub) topology() topologyPayload {
	latest, _ := h.stats.Latest()
	return topologyPayload{
		Neighbors: latest.Mesh.Neighbors,
		Routes:    latest.Mesh.Routes,
		Health:    latest.Health,
	}
}

func (h *Hub) gateway() gatewayPayload {
	latest, _ := h.stats.Latest()
	return gatewayPayload{
		Mesh:    latest.Mesh.Status,
		Overlay: latest.Overlay.Status,
	}
}

// handleMessage dispatches one observer request. Pull-style requests are
// answered to the requester only.
func (h *Hub) handleMessage(s *Session, msg *protocol.Message) {
	payload := util.PayloadMap(msg.Payload)

	switch msg.Type {
	case protocol.EventRequestStatus:
		s.enqueueMessage(protocol.NewMessage(protocol.EventStatusUpdate, h.status()))
	case protocol.EventRequestNodes:
		s.enqueueMessage(protocol.NewMessage(protocol.EventNodesUpdate, h.reg.List()))
	case protocol.EventRequestStats:
		latest, _ := h.stats.Latest()
		s.enqueueMessage(protocol.NewMessage(protocol.EventStatsUpdate, latest))
	case protocol.EventRequestPerformance:
		minutes := 15
		if m, ok := payload["minutes"].(float64); ok && m > 0 {
			minutes = int(m)
		}
		s.enqueueMessage(protocol.NewMessage(protocol.EventPerformance, h.stats.PerformanceWindow(minutes)))
	case protocol.EventRequestTopology:
		s.enqueueMessage(protocol.NewMessage(protocol.EventTopologyUpdate, h.topology()))
	case protocol.EventRequestGatewayStatus:
		s.enqueueMessage(protocol.NewMessage(protocol.EventGatewayStatus, h.gateway()))
	case protocol.EventSubscribe:
		if stream, ok := payload["stream"].(string); ok && stream != "" {
			s.subscribe(stream)
		}
	case protocol.EventUnsubscribe:
		if stream, ok := payload["stream"].(string); ok && stream != "" {
			s.unsubscribe(stream)
		}
	case protocol.EventNodeAction:
		h.relayAction(s, payload)
	default:
		s.log.WithField("type", msg.Type).Warn("Ignoring unknown request type")
		s.enqueueMessage(protocol.NewMessage(protocol.EventError, map[string]string{
			"error": "unknown request type: " + msg.Type,
		}))
	}
}

// relayAction forwards a node action to the registry and echoes the
// result, or the error, back to the requesting session only.
func (h *Hub) relayAction(s *Session, payload map[string]any) {
	var req struct {
		NodeID string `json:"node_id"`
		Action string `json:"action"`
	}
	if err := util.ConvertMapToStruct(payload, &req); err != nil || req.NodeID == "" || req.Action == "" {
		s.enqueueMessage(protocol.NewMessage(protocol.EventNodeActionResult, protocol.ActionResult{
			NodeID:  req.NodeID,
			Action:  req.Action,
			Message: "malformed node-action payload",
		}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ActionTimeout)
	defer cancel()

	result, err := h.reg.DispatchAction(ctx, req.NodeID, req.Action)
	if err != nil {
		result.Success = false
		result.Message = err.Error()
	}
	s.enqueueMessage(protocol.NewMessage(protocol.EventNodeActionResult, result))

	if result.Success {
		h.NotifyAccessChange(req.NodeID, req.Action)
	}
}

// NotifyAccessChange publishes the fallout of a successful disconnect or
// reconnect: a security alert plus a fresh node list. Other actions are
// ignored.
func (h *Hub) NotifyAccessChange(nodeID, action string) {
	var msg string
	switch action {
	case protocol.ActionDisconnect:
		msg = "node " + nodeID + " access blocked by operator"
	case protocol.ActionReconnect:
		msg = "node " + nodeID + " access restored by operator"
	default:
		return
	}
	h.BroadcastSecurityAlert(protocol.Alert{NodeID: nodeID, Severity: "warning", Message: msg})
	h.BroadcastNodes()
}

// publish encodes one event and delivers it to every session; sessions
// subscribed to the matching named stream receive the stream copy in
// addition to the broadcast.
func (h *Hub) publish(stream string, msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		h.log.WithError(err).Error("Failed to encode broadcast")
		return
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(data)
		if stream != "" && s.subscribed(stream) {
			s.enqueue(data)
		}
	}
	h.metrics.IncBroadcasts()
}

// BroadcastNodes pushes the current node list to all observers.
func (h *Hub) BroadcastNodes() {
	h.publish(protocol.StreamNodes, protocol.NewMessage(protocol.EventNodesUpdate, h.reg.List()))
}

// BroadcastStats pushes the latest stats snapshot to all observers.
func (h *Hub) BroadcastStats() {
	latest, ok := h.stats.Latest()
	if !ok {
		return
	}
	h.publish(protocol.StreamStats, protocol.NewMessage(protocol.EventStatsUpdate, latest))
}

// BroadcastTopology pushes the current topology to all observers.
func (h *Hub) BroadcastTopology() {
	h.publish(protocol.StreamTopology, protocol.NewMessage(protocol.EventTopologyUpdate, h.topology()))
}

// BroadcastGateway pushes the current gateway status to all observers.
func (h *Hub) BroadcastGateway() {
	h.publish(protocol.StreamGateway, protocol.NewMessage(protocol.EventGatewayStatus, h.gateway()))
}

// BroadcastAlert pushes a health alert to all observers.
func (h *Hub) BroadcastAlert(a protocol.Alert) {
	h.publish(protocol.StreamAlerts, protocol.NewMessage(protocol.EventAlert, a))
}

// BroadcastSecurityAlert pushes a security alert to all observers.
func (h *Hub) BroadcastSecurityAlert(a protocol.Alert) {
	h.publish(protocol.StreamAlerts, protocol.NewMessage(protocol.EventSecurityAlert, a))
}

// ReapIdle force-disconnects sessions inactive beyond the idle timeout.
func (h *Hub) ReapIdle(context.Context) error {
	cutoff := time.Now().Add(-h.cfg.IdleTimeout)

	h.mu.RLock()
	var idle []*Session
	for _, s := range h.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range idle {
		h.log.WithField("session", s.ID).Info("Reaping idle session")
		s.close()
	}
	return nil
}

// Shutdown broadcasts a shutdown notice, then closes every session. New
// connections are refused afterwards.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	notice, err := protocol.NewMessage(protocol.EventServerShutdown, nil).Encode()
	if err == nil {
		for _, s := range sessions {
			s.enqueue(notice)
		}
	}

	// Give the write pumps a moment to flush the notice.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}

	for _, s := range sessions {
		s.close()
	}
}
