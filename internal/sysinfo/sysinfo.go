package sysinfo

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"meshwatch/internal/protocol"
)

// Collect gathers a best-effort snapshot of the local machine. Every
// source is optional: a field whose source cannot be read stays at its
// zero value, and Collect never fails.
func Collect() protocol.SystemMetrics {
	m := protocol.SystemMetrics{
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
	m.Hostname, _ = os.Hostname()
	m.UptimeSeconds = readUptime()
	m.Load1 = readLoad1()
	m.MemoryTotalBytes, m.MemoryFreeBytes = readMeminfo()
	if m.MemoryTotalBytes > 0 {
		used := m.MemoryTotalBytes - m.MemoryFreeBytes
		m.MemoryUsedPercent = float64(used) / float64(m.MemoryTotalBytes) * 100
	}
	if m.NumCPU > 0 {
		m.CPUPercent = clampPercent(m.Load1 / float64(m.NumCPU) * 100)
	}
	return m
}

func readUptime() int64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(secs)
}

func readLoad1() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}

// readMeminfo returns total and available memory in bytes. MemAvailable
// is preferred over MemFree since it accounts for reclaimable caches.
func readMeminfo() (total, free uint64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	var memFree uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = kb * 1024
		case "MemAvailable":
			free = kb * 1024
		case "MemFree":
			memFree = kb * 1024
		}
	}
	if free == 0 {
		free = memFree
	}
	return total, free
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
