package registry

import (
	"time"

	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
)

// SourceInfo carries the mesh-layer and overlay-layer descriptors that
// were correlated to a node by address during discovery.
type SourceInfo struct {
	Mesh    *probe.Neighbor    `json:"mesh,omitempty"`
	Overlay *probe.OverlayPeer `json:"overlay,omitempty"`
}

// Node is one known peer machine. Entries are created on first discovery
// or registration and live for the registry's lifetime; the coordinator
// never deletes them automatically.
type Node struct {
	ID           string
	Address      string
	Hostname     string
	Version      string
	Status       protocol.NodeState
	LastSeen     time.Time
	RegisteredAt time.Time
	Source       SourceInfo
	Stats        *protocol.HeartbeatRecord
	Diagnostics  *protocol.DiagnosticsBundle

	pendingCommands []protocol.Command
}

// Snapshot is the immutable JSON view of a Node handed to observers.
type Snapshot struct {
	ID           string                      `json:"id"`
	Address      string                      `json:"address"`
	Hostname     string                      `json:"hostname,omitempty"`
	Version      string                      `json:"version,omitempty"`
	Status       protocol.NodeState          `json:"status"`
	LastSeen     time.Time                   `json:"last_seen"`
	RegisteredAt time.Time                   `json:"registered_at,omitempty"`
	Source       SourceInfo                  `json:"source,omitempty"`
	Stats        *protocol.HeartbeatRecord   `json:"stats,omitempty"`
	Diagnostics  *protocol.DiagnosticsBundle `json:"diagnostics,omitempty"`
}

func (n *Node) snapshot() Snapshot {
	return Snapshot{
		ID:           n.ID,
		Address:      n.Address,
		Hostname:     n.Hostname,
		Version:      n.Version,
		Status:       n.Status,
		LastSeen:     n.LastSeen,
		RegisteredAt: n.RegisteredAt,
		Source:       n.Source,
		Stats:        n.Stats,
		Diagnostics:  n.Diagnostics,
	}
}
