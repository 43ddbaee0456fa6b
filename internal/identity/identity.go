package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"meshwatch/internal/util"
)

// Identity is a peer machine's stable identity in the fleet. The ID is
// derived from hardware identity so it survives reinstalls of the agent
// and re-registrations after a coordinator restart.
type Identity struct {
	ID       string
	Hostname string
	Address  string
	Version  string
}

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Load derives the local machine's identity. It prefers the OS machine
// id and falls back to hostname plus the first hardware MAC when no
// machine id file is readable.
func Load(version string) (*Identity, error) {
	hostname, _ := os.Hostname()

	seed, err := machineSeed(hostname)
	if err != nil {
		return nil, fmt.Errorf("deriving machine identity: %w", err)
	}

	sum := sha256.Sum256([]byte(seed))

	return &Identity{
		ID:       hex.EncodeToString(sum[:8]),
		Hostname: hostname,
		Address:  util.OutboundIP(),
		Version:  version,
	}, nil
}

func machineSeed(hostname string) (string, error) {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return "machine-id:" + id, nil
		}
	}

	if mac := firstHardwareMAC(); mac != "" {
		return "host:" + hostname + ":" + mac, nil
	}
	if hostname == "" {
		return "", fmt.Errorf("no machine id, MAC or hostname available")
	}
	return "host:" + hostname, nil
}

func firstHardwareMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
