package stats

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
)

// HistorySize bounds the rolling snapshot history; the oldest snapshot
// is evicted first.
const HistorySize = 100

// MeshSnapshot is the mesh-layer portion of a stats snapshot.
type MeshSnapshot struct {
	Status    probe.MeshStatus `json:"status"`
	Neighbors []probe.Neighbor `json:"neighbors"`
	Routes    []probe.Route    `json:"routes"`
}

// OverlaySnapshot is the overlay-layer portion of a stats snapshot.
type OverlaySnapshot struct {
	Status   probe.OverlayStatus   `json:"status"`
	Peers    []probe.OverlayPeer   `json:"peers"`
	Networks []probe.OverlayNetwork `json:"networks"`
}

// Snapshot is one aggregated reading across the system, mesh and
// overlay collectors.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	System    protocol.SystemMetrics `json:"system"`
	Mesh      MeshSnapshot           `json:"mesh"`
	Overlay   OverlaySnapshot        `json:"overlay"`
	Health    HealthScore            `json:"health"`
}

// SystemCollector produces a local system metrics snapshot.
type SystemCollector func() protocol.SystemMetrics

// Aggregator periodically snapshots system, mesh and overlay state and
// retains a bounded rolling history.
type Aggregator struct {
	mu      sync.RWMutex
	history []Snapshot

	net     probe.NetworkProbe
	overlay probe.OverlayProbe
	system  SystemCollector
	log     *logrus.Entry

	now func() time.Time
}

// New creates an aggregator with an empty history.
func New(net probe.NetworkProbe, overlay probe.OverlayProbe, system SystemCollector, log *logrus.Entry) *Aggregator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Aggregator{
		net:     net,
		overlay: overlay,
		system:  system,
		log:     log.WithField("component", "stats"),
		now:     time.Now,
	}
}

// Collect takes one snapshot and appends it to the history. Each
// sub-collector is isolated: a failure yields that section's zero value
// and never aborts the snapshot.
func (a *Aggregator) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{Timestamp: a.now()}

	if a.system != nil {
		snap.System = a.system()
	}

	if neighbors, err := a.net.ListNeighbors(ctx); err != nil {
		a.log.WithError(err).Debug("Neighbor listing failed")
	} else {
		snap.Mesh.Neighbors = neighbors
	}
	if routes, err := a.net.ListRoutes(ctx); err != nil {
		a.log.WithError(err).Debug("Route listing failed")
	} else {
		snap.Mesh.Routes = routes
	}
	if status, err := a.net.MeshStatus(ctx); err != nil {
		a.log.WithError(err).Debug("Mesh status failed")
	} else {
		snap.Mesh.Status = status
	}

	if peers, err := a.overlay.ListPeers(ctx); err != nil {
		a.log.WithError(err).Debug("Overlay peer listing failed")
	} else {
		snap.Overlay.Peers = peers
	}
	if networks, err := a.overlay.ListNetworks(ctx); err != nil {
		a.log.WithError(err).Debug("Overlay network listing failed")
	} else {
		snap.Overlay.Networks = networks
	}
	if status, err := a.overlay.OverlayStatus(ctx); err != nil {
		a.log.WithError(err).Debug("Overlay status failed")
	} else {
		snap.Overlay.Status = status
	}

	snap.Health = MeshHealth(snap.Mesh.Neighbors, snap.Mesh.Routes)

	a.mu.Lock()
	a.history = append(a.history, snap)
	if len(a.history) > HistorySize {
		a.history = a.history[len(a.history)-HistorySize:]
	}
	a.mu.Unlock()

	return snap
}

// Latest returns the most recent snapshot, if any.
func (a *Aggregator) Latest() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.history) == 0 {
		return Snapshot{}, false
	}
	return a.history[len(a.history)-1], true
}

// History returns a copy of the retained snapshots, oldest first.
func (a *Aggregator) History() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Snapshot, len(a.history))
	copy(out, a.history)
	return out
}

// Series summarizes one metric over a performance window.
type Series struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// PerformanceReport is the trailing-window summary served to observers.
type PerformanceReport struct {
	WindowMinutes int    `json:"window_minutes"`
	Samples       int    `json:"samples"`
	NoData        bool   `json:"no_data,omitempty"`
	CPU           Series `json:"cpu"`
	Memory        Series `json:"memory"`
	Neighbors     Series `json:"neighbors"`
}

// PerformanceWindow summarizes CPU, memory and neighbor-count series
// over the trailing window. A window with zero samples reports NoData.
func (a *Aggregator) PerformanceWindow(minutes int) PerformanceReport {
	report := PerformanceReport{WindowMinutes: minutes}
	cutoff := a.now().Add(-time.Duration(minutes) * time.Minute)

	a.mu.RLock()
	var cpu, mem, nbr []float64
	for _, s := range a.history {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		cpu = append(cpu, s.System.CPUPercent)
		mem = append(mem, s.System.MemoryUsedPercent)
		nbr = append(nbr, float64(len(s.Mesh.Neighbors)))
	}
	a.mu.RUnlock()

	report.Samples = len(cpu)
	if report.Samples == 0 {
		report.NoData = true
		return report
	}

	report.CPU = summarize(cpu)
	report.Memory = summarize(mem)
	report.Neighbors = summarize(nbr)
	return report
}

func summarize(values []float64) Series {
	s := Series{
		Current: values[len(values)-1],
		Min:     math.Inf(1),
		Max:     math.Inf(-1),
	}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Average = sum / float64(len(values))
	return s
}
