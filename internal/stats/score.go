package stats

import (
	"strconv"
	"strings"

	"meshwatch/internal/probe"
)

// Health status bands.
const (
	HealthGood         = "good"
	HealthFair         = "fair"
	HealthPoor         = "poor"
	HealthDisconnected = "disconnected"
)

// MaxExpectedNeighbors anchors the connectivity score: a mesh with this
// many direct neighbors scores 100.
const MaxExpectedNeighbors = 10

// HealthScore grades the local mesh on a 0-100 scale per dimension.
type HealthScore struct {
	Connectivity float64 `json:"connectivity"`
	Quality      float64 `json:"quality"`
	Redundancy   float64 `json:"redundancy"`
	Status       string  `json:"status"`
}

// MeshHealth scores a neighbor list and route list. It is a pure
// function: identical inputs always produce identical output.
//
// A connectivity shortfall alone caps the grade at fair; poor requires
// the link quality itself to be degraded, so a small fleet with clean
// links does not read as failing.
func MeshHealth(neighbors []probe.Neighbor, routes []probe.Route) HealthScore {
	if len(neighbors) == 0 {
		return HealthScore{Status: HealthDisconnected}
	}

	var sum float64
	for _, n := range neighbors {
		sum += ParseQuality(n.Quality)
	}
	avgQuality := sum / float64(len(neighbors))

	connectivity := float64(len(neighbors)) / MaxExpectedNeighbors
	if connectivity > 1 {
		connectivity = 1
	}
	connectivity *= 100

	redundancy := 0.0
	if len(routes) > 0 {
		destinations := make(map[string]struct{}, len(routes))
		for _, r := range routes {
			destinations[r.Originator] = struct{}{}
		}
		redundancy = float64(len(routes)) / float64(len(destinations)) * 20
		if redundancy > 100 {
			redundancy = 100
		}
	}

	status := HealthGood
	switch {
	case avgQuality < 0.5 || (avgQuality < 0.8 && connectivity < 30):
		status = HealthPoor
	case avgQuality < 0.8 || connectivity < 60:
		status = HealthFair
	}

	return HealthScore{
		Connectivity: connectivity,
		Quality:      avgQuality * 100,
		Redundancy:   redundancy,
		Status:       status,
	}
}

// ParseQuality parses a mesh-layer quality indicator string. The routing
// daemon emits these as free text; anything unparseable counts as 0
// rather than being silently coerced.
func ParseQuality(s string) float64 {
	q, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || q < 0 {
		return 0
	}
	return q
}
