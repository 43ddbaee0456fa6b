package probe

import (
	"context"
	"time"
)

// Package probe defines the contracts the coordinator consumes from the
// mesh routing layer, the overlay network daemon and the access-control
// subsystem. Implementations shell out to the respective tooling and are
// wired in at startup; the core only depends on these interfaces.

// Neighbor is one directly reachable mesh-layer neighbor as reported by
// the routing daemon. Quality arrives as the daemon's raw string and is
// parsed lazily; an unparseable value counts as 0.
type Neighbor struct {
	Address   string    `json:"address"`
	LastSeen  time.Time `json:"last_seen"`
	Quality   string    `json:"quality"`
	Interface string    `json:"interface"`
}

// Route is one entry of the mesh routing table.
type Route struct {
	Originator string `json:"originator"`
	Quality    string `json:"quality"`
	NextHop    string `json:"next_hop"`
	Interface  string `json:"interface"`
}

// MeshStatus summarizes the local mesh daemon state.
type MeshStatus struct {
	Active      bool   `json:"active"`
	Interface   string `json:"interface"`
	GatewayMode string `json:"gateway_mode"`
	Version     string `json:"version,omitempty"`
}

// OverlayPeer is one peer on the secured overlay network.
type OverlayPeer struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Hostname string    `json:"hostname"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// OverlayNetwork describes one overlay network the local daemon joined.
type OverlayNetwork struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Range string `json:"range"`
}

// OverlayStatus summarizes the local overlay daemon state.
type OverlayStatus struct {
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
	Address string `json:"address,omitempty"`
}

// NetworkProbe reads mesh-layer state and performs reachability checks.
type NetworkProbe interface {
	ListNeighbors(ctx context.Context) ([]Neighbor, error)
	ListRoutes(ctx context.Context) ([]Route, error)
	// IsReachable reports whether the address answers within timeout.
	// A false result with a nil error means "unreachable"; a non-nil
	// error means the probe itself failed.
	IsReachable(ctx context.Context, address string, timeout time.Duration) (bool, error)
	MeshStatus(ctx context.Context) (MeshStatus, error)
}

// OverlayProbe reads overlay-layer state.
type OverlayProbe interface {
	ListPeers(ctx context.Context) ([]OverlayPeer, error)
	ListNetworks(ctx context.Context) ([]OverlayNetwork, error)
	OverlayStatus(ctx context.Context) (OverlayStatus, error)
}

// AccessControl installs and removes reachability blocks for a peer
// address, typically via firewall rules.
type AccessControl interface {
	Block(ctx context.Context, address string) error
	Unblock(ctx context.Context, address string) error
}
