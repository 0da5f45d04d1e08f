// Package syshealth samples host resource pressure (load, io-wait,
// memory, DB pool) and folds it into a single score the dispatcher uses
// to scale its worker concurrency.
package syshealth

import "time"

// HealthZone buckets the score into the three bands the scaler acts on.
type HealthZone string

const (
	HealthZoneCritical HealthZone = "critical" // score 0-33
	HealthZoneWarning  HealthZone = "warning"  // score 34-66
	HealthZoneSafe     HealthZone = "safe"     // score 67-100
)

// HealthMetrics is one collected sample. Higher score is healthier.
type HealthMetrics struct {
	Score int
	Zone  HealthZone

	CPULoadAvg    float64
	IOWaitPercent float64
	MemoryPercent float64
	DBPoolPercent float64

	Timestamp time.Time
	// Stale is set when the sample is older than the staleness
	// threshold; the scaler treats stale data as warning.
	Stale bool
}

// Monitor runs the background collection loop and serves the latest
// sample.
type Monitor interface {
	Start() error
	Stop() error
	GetHealth() *HealthMetrics
}
