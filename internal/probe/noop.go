package probe

import (
	"context"
	"time"
)

// NopNetworkProbe is a NetworkProbe that sees an empty mesh. It stands in
// when no mesh tooling integration is configured.
type NopNetworkProbe struct{}

func (NopNetworkProbe) ListNeighbors(context.Context) ([]Neighbor, error) { return nil, nil }
func (NopNetworkProbe) ListRoutes(context.Context) ([]Route, error)       { return nil, nil }
func (NopNetworkProbe) IsReachable(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (NopNetworkProbe) MeshStatus(context.Context) (MeshStatus, error) { return MeshStatus{}, nil }

// NopOverlayProbe is an OverlayProbe that sees no overlay daemon.
type NopOverlayProbe struct{}

func (NopOverlayProbe) ListPeers(context.Context) ([]OverlayPeer, error)       { return nil, nil }
func (NopOverlayProbe) ListNetworks(context.Context) ([]OverlayNetwork, error) { return nil, nil }
func (NopOverlayProbe) OverlayStatus(context.Context) (OverlayStatus, error) {
	return OverlayStatus{}, nil
}

// NopAccessControl accepts block and unblock requests without effect.
type NopAccessControl struct{}

func (NopAccessControl) Block(context.Context, string) error   { return nil }
func (NopAccessControl) Unblock(context.Context, string) error { return nil }
