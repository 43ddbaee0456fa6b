package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectNeverFails(t *testing.T) {
	m := Collect()

	assert.Greater(t, m.NumCPU, 0)
	assert.Greater(t, m.Goroutines, 0)
	assert.GreaterOrEqual(t, m.CPUPercent, 0.0)
	assert.LessOrEqual(t, m.CPUPercent, 100.0)
	assert.GreaterOrEqual(t, m.MemoryUsedPercent, 0.0)
	assert.LessOrEqual(t, m.MemoryUsedPercent, 100.0)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, clampPercent(-5))
	assert.Equal(t, 42.0, clampPercent(42))
	assert.Equal(t, 100.0, clampPercent(250))
}
