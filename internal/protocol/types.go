package protocol

import "time"

// NodeState is the coordinator's health classification of a peer machine.
type NodeState string

const (
	StateOnline  NodeState = "online"
	StateWarning NodeState = "warning"
	StateOffline NodeState = "offline"
	StateError   NodeState = "error"
	StateBlocked NodeState = "blocked"
)

// Valid reports whether s is one of the defined node states.
func (s NodeState) Valid() bool {
	switch s {
	case StateOnline, StateWarning, StateOffline, StateError, StateBlocked:
		return true
	}
	return false
}

// SystemMetrics is a best-effort snapshot of a machine's local state.
// Fields a collector could not determine stay at their zero value.
type SystemMetrics struct {
	Hostname          string  `json:"hostname,omitempty"`
	UptimeSeconds     int64   `json:"uptime_seconds,omitempty"`
	Load1             float64 `json:"load1,omitempty"`
	CPUPercent        float64 `json:"cpu_percent,omitempty"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes,omitempty"`
	MemoryFreeBytes   uint64  `json:"memory_free_bytes,omitempty"`
	MemoryUsedPercent float64 `json:"memory_used_percent,omitempty"`
	NumCPU            int     `json:"num_cpu,omitempty"`
	Goroutines        int     `json:"goroutines,omitempty"`
}

// NetworkReport is the mesh/overlay sub-status a peer includes in its
// heartbeat.
type NetworkReport struct {
	MeshActive     bool   `json:"mesh_active"`
	MeshInterface  string `json:"mesh_interface,omitempty"`
	NeighborCount  int    `json:"neighbor_count"`
	OverlayRunning bool   `json:"overlay_running"`
	OverlayAddress string `json:"overlay_address,omitempty"`
}

// RegisterRequest is sent by a peer agent to enter the fleet registry.
type RegisterRequest struct {
	NodeID   string        `json:"node_id"`
	Address  string        `json:"address"`
	Hostname string        `json:"hostname"`
	Version  string        `json:"version"`
	System   SystemMetrics `json:"system"`
}

// HeartbeatRecord is the periodic liveness report a peer sends. It is
// ephemeral: the coordinator folds it into the owning registry entry and
// does not retain it otherwise.
type HeartbeatRecord struct {
	NodeID    string        `json:"node_id"`
	Timestamp time.Time     `json:"timestamp"`
	Status    NodeState     `json:"status"`
	System    SystemMetrics `json:"system"`
	Network   NetworkReport `json:"network"`
}

// HeartbeatResponse acknowledges a heartbeat and may carry commands for
// the peer to execute.
type HeartbeatResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	Commands     []Command `json:"commands,omitempty"`
}

// StatusUpdate is a peer-initiated status push outside the heartbeat
// cadence.
type StatusUpdate struct {
	Status NodeState `json:"status"`
}

// DiagnosticsBundle is the extended status report produced by the
// run-diagnostics command.
type DiagnosticsBundle struct {
	NodeID    string         `json:"node_id"`
	Timestamp time.Time      `json:"timestamp"`
	System    SystemMetrics  `json:"system"`
	Network   NetworkReport  `json:"network"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ActionRequest asks the coordinator to act on a node.
type ActionRequest struct {
	Action string `json:"action"`
}

// Node actions accepted by the registry.
const (
	ActionPing       = "ping"
	ActionDisconnect = "disconnect"
	ActionReconnect  = "reconnect"
	ActionRestart    = "restart"
)

// ActionResult reports the outcome of a dispatched node action, tagged
// with the original node id and action for correlation.
type ActionResult struct {
	NodeID    string `json:"node_id"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	Reachable *bool  `json:"reachable,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ServiceName identifies a coordinator in its /status payload. Agents use
// it to tell a coordinator apart from an unrelated HTTP listener during
// discovery.
const ServiceName = "meshwatch-coordinator"

// StatusResponse is the coordinator's self-description served at /status.
type StatusResponse struct {
	Service       string            `json:"service"`
	Version       string            `json:"version"`
	StartTime     time.Time         `json:"start_time"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	NodeCount     int               `json:"node_count"`
	NodesByState  map[string]int    `json:"nodes_by_state,omitempty"`
	Sessions      int               `json:"sessions"`
	Extra         map[string]string `json:"extra,omitempty"`
}
