package util

import (
	"net"
	"net/http"
	"strings"
)

// RemoteIP extracts the caller's IP from a request, honoring
// X-Forwarded-For when a proxy sits in front of the coordinator.
func RemoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// OutboundIP returns the local address the host would use to reach the
// mesh, without sending any traffic. Empty string when undeterminable.
func OutboundIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
