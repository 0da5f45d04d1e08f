package syshealth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type staticMonitor struct {
	health *HealthMetrics
}

func (m *staticMonitor) Start() error              { return nil }
func (m *staticMonitor) Stop() error               { return nil }
func (m *staticMonitor) GetHealth() *HealthMetrics { return m.health }

func TestScalerDisabledPassesStaticValue(t *testing.T) {
	monitor := &staticMonitor{health: &HealthMetrics{Zone: HealthZoneCritical}}
	scaler := NewConcurrencyScaler(monitor, "ingest", false, 1, 10)

	assert.Equal(t, 5, scaler.GetConcurrency(5))
	assert.Equal(t, 10, scaler.GetConcurrency(10))
}

func TestScalerZoneTargets(t *testing.T) {
	monitor := &staticMonitor{health: &HealthMetrics{Zone: HealthZoneSafe}}
	scaler := NewConcurrencyScaler(monitor, "ingest", true, 1, 10)

	assert.Equal(t, 10, scaler.GetConcurrency(0))

	monitor.health.Zone = HealthZoneWarning
	scaler.lastAdjustment = time.Now().Add(-2 * time.Minute)
	assert.Equal(t, 5, scaler.GetConcurrency(0))

	// Critical drops to the floor with no cooldown.
	monitor.health.Zone = HealthZoneCritical
	assert.Equal(t, 1, scaler.GetConcurrency(0))
}

func TestScalerCooldowns(t *testing.T) {
	monitor := &staticMonitor{health: &HealthMetrics{Zone: HealthZoneWarning}}
	scaler := NewConcurrencyScaler(monitor, "ingest", true, 2, 20)

	// Decrease waits out the one-minute cooldown.
	scaler.lastAdjustment = time.Now().Add(-10 * time.Second)
	assert.Equal(t, 20, scaler.GetConcurrency(0))
	scaler.lastAdjustment = time.Now().Add(-61 * time.Second)
	assert.Equal(t, 10, scaler.GetConcurrency(0))

	// Increase waits five minutes and steps by at most half.
	monitor.health.Zone = HealthZoneSafe
	scaler.lastAdjustment = time.Now().Add(-2 * time.Minute)
	assert.Equal(t, 10, scaler.GetConcurrency(0))
	scaler.lastAdjustment = time.Now().Add(-5 * time.Minute)
	assert.Equal(t, 15, scaler.GetConcurrency(0))
	scaler.lastAdjustment = time.Now().Add(-5 * time.Minute)
	assert.Equal(t, 20, scaler.GetConcurrency(0))
}

func TestScalerCriticalBypassesCooldown(t *testing.T) {
	monitor := &staticMonitor{health: &HealthMetrics{Zone: HealthZoneCritical}}
	scaler := NewConcurrencyScaler(monitor, "ingest", true, 1, 10)

	scaler.lastAdjustment = time.Now().Add(-time.Second)
	assert.Equal(t, 1, scaler.GetConcurrency(0))
}

func TestScalerStaleHealthReadsAsWarning(t *testing.T) {
	monitor := &staticMonitor{health: &HealthMetrics{Zone: HealthZoneSafe, Stale: true}}
	scaler := NewConcurrencyScaler(monitor, "ingest", true, 2, 20)

	scaler.lastAdjustment = time.Now().Add(-2 * time.Minute)
	assert.Equal(t, 10, scaler.GetConcurrency(0))
}

func TestScalerBoundsClamped(t *testing.T) {
	scaler := NewConcurrencyScaler(nil, "ingest", true, 0, 5)
	assert.Equal(t, 1, scaler.minConcurrency)

	scaler = NewConcurrencyScaler(nil, "ingest", true, 10, 5)
	assert.Equal(t, 10, scaler.maxConcurrency)
}
