package protocol

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// Versioning constants for the coordinator/agent wire contract.
const (
	CurrentVersion       = "1.0.0"
	MinCompatibleVersion = "1.0.0"
)

// CheckCompatible returns an error when an agent's reported version is
// older than the minimum the coordinator still understands. An empty
// version is rejected outright.
func CheckCompatible(agentVersion string) error {
	if agentVersion == "" {
		return fmt.Errorf("missing agent version")
	}
	v, err := version.NewVersion(agentVersion)
	if err != nil {
		return fmt.Errorf("invalid version string %q: %w", agentVersion, err)
	}
	min, err := version.NewVersion(MinCompatibleVersion)
	if err != nil {
		return fmt.Errorf("invalid min version: %w", err)
	}
	if v.LessThan(min) {
		return fmt.Errorf("agent version %s older than minimum %s", agentVersion, MinCompatibleVersion)
	}
	return nil
}
