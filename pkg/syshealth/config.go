package syshealth

import "time"

// Config holds the monitor's collection cadence and the per-signal
// warning/critical thresholds. The CPU factors are multipliers against
// the core count; the rest are percentages.
type Config struct {
	CollectionInterval time.Duration

	IOWaitCriticalPercent float64
	IOWaitWarningPercent  float64
	CPULoadCriticalFactor float64
	CPULoadWarningFactor  float64
	MemoryCriticalPercent float64
	MemoryWarningPercent  float64
	DBPoolCriticalPercent float64
	DBPoolWarningPercent  float64

	// StalenessThreshold marks samples older than this as stale.
	StalenessThreshold time.Duration
	// CollectionTimeout bounds one collection cycle.
	CollectionTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		CollectionInterval:    30 * time.Second,
		IOWaitCriticalPercent: 40.0,
		IOWaitWarningPercent:  30.0,
		CPULoadCriticalFactor: 3.0,
		CPULoadWarningFactor:  2.0,
		MemoryCriticalPercent: 95.0,
		MemoryWarningPercent:  85.0,
		DBPoolCriticalPercent: 90.0,
		DBPoolWarningPercent:  75.0,
		StalenessThreshold:    2 * time.Minute,
		CollectionTimeout:     5 * time.Second,
	}
}
