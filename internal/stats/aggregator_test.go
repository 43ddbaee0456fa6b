package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
)

type stubNet struct {
	neighbors []probe.Neighbor
	routes    []probe.Route
	err       error
}

func (s stubNet) ListNeighbors(context.Context) ([]probe.Neighbor, error) {
	return s.neighbors, s.err
}
func (s stubNet) ListRoutes(context.Context) ([]probe.Route, error) { return s.routes, s.err }
func (s stubNet) MeshStatus(context.Context) (probe.MeshStatus, error) {
	return probe.MeshStatus{Active: true, Interface: "bat0"}, s.err
}
func (s stubNet) IsReachable(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

type stubOverlay struct {
	err error
}

func (s stubOverlay) ListPeers(context.Context) ([]probe.OverlayPeer, error) {
	return []probe.OverlayPeer{{ID: "p1", Online: true}}, s.err
}
func (s stubOverlay) ListNetworks(context.Context) ([]probe.OverlayNetwork, error) {
	return []probe.OverlayNetwork{{ID: "net1", Name: "fleet"}}, s.err
}
func (s stubOverlay) OverlayStatus(context.Context) (probe.OverlayStatus, error) {
	return probe.OverlayStatus{Running: true}, s.err
}

func TestCollectBuildsSnapshot(t *testing.T) {
	net := stubNet{
		neighbors: []probe.Neighbor{{Address: "10.0.0.5", Quality: "0.95"}},
		routes:    []probe.Route{{Originator: "10.0.0.7", NextHop: "10.0.0.5"}},
	}
	system := func() protocol.SystemMetrics {
		return protocol.SystemMetrics{CPUPercent: 12.5, MemoryUsedPercent: 40}
	}
	a := New(net, stubOverlay{}, system, nil)

	snap := a.Collect(context.Background())

	assert.Equal(t, 12.5, snap.System.CPUPercent)
	require.Len(t, snap.Mesh.Neighbors, 1)
	require.Len(t, snap.Mesh.Routes, 1)
	assert.True(t, snap.Mesh.Status.Active)
	assert.True(t, snap.Overlay.Status.Running)
	assert.NotEqual(t, HealthDisconnected, snap.Health.Status)

	latest, ok := a.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.Timestamp, latest.Timestamp)
}

func TestCollectIsolatesCollectorFailures(t *testing.T) {
	a := New(stubNet{err: errors.New("batctl missing")}, stubOverlay{err: errors.New("daemon down")}, nil, nil)

	snap := a.Collect(context.Background())

	// Failed sections stay zero-valued but the snapshot is still taken.
	assert.Empty(t, snap.Mesh.Neighbors)
	assert.False(t, snap.Mesh.Status.Active)
	assert.Equal(t, HealthDisconnected, snap.Health.Status)

	_, ok := a.Latest()
	assert.True(t, ok)
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	a := New(stubNet{}, stubOverlay{}, nil, nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	a.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < HistorySize+5; i++ {
		a.Collect(context.Background())
	}

	history := a.History()
	require.Len(t, history, HistorySize)
	// The first five snapshots are gone.
	assert.Equal(t, base.Add(6*time.Second), history[0].Timestamp)
	assert.True(t, history[len(history)-1].Timestamp.After(history[0].Timestamp))
}

func TestLatestEmpty(t *testing.T) {
	a := New(stubNet{}, stubOverlay{}, nil, nil)
	_, ok := a.Latest()
	assert.False(t, ok)
}

func TestPerformanceWindowNoData(t *testing.T) {
	a := New(stubNet{}, stubOverlay{}, nil, nil)

	report := a.PerformanceWindow(15)
	assert.True(t, report.NoData)
	assert.Zero(t, report.Samples)
}

func TestPerformanceWindowSummarizes(t *testing.T) {
	cpuValues := []float64{10, 30, 20}
	i := 0
	system := func() protocol.SystemMetrics {
		m := protocol.SystemMetrics{CPUPercent: cpuValues[i], MemoryUsedPercent: 50}
		i++
		return m
	}

	net := stubNet{neighbors: []probe.Neighbor{{Address: "a", Quality: "0.9"}}}
	a := New(net, stubOverlay{}, system, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for range cpuValues {
		a.Collect(context.Background())
	}

	report := a.PerformanceWindow(15)
	require.Equal(t, 3, report.Samples)
	assert.False(t, report.NoData)
	assert.Equal(t, 20.0, report.CPU.Current)
	assert.Equal(t, 20.0, report.CPU.Average)
	assert.Equal(t, 10.0, report.CPU.Min)
	assert.Equal(t, 30.0, report.CPU.Max)
	assert.Equal(t, 1.0, report.Neighbors.Current)
}

func TestPerformanceWindowExcludesOldSamples(t *testing.T) {
	a := New(stubNet{}, stubOverlay{}, func() protocol.SystemMetrics {
		return protocol.SystemMetrics{CPUPercent: 5}
	}, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := now.Add(-2 * time.Hour)
	a.now = func() time.Time { return current }

	a.Collect(context.Background()) // two hours old
	current = now
	a.Collect(context.Background()) // fresh

	report := a.PerformanceWindow(15)
	assert.Equal(t, 1, report.Samples)
}
