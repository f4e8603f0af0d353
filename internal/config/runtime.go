package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RuntimeConfig holds the hot-updatable cadence settings for the cache
// engine. Unlike EnvConfig, these can be swapped at runtime via
// Engine.Reconfigure without restarting the process.
type RuntimeConfig struct {
	// FlushInterval is the duration between background flush ticks.
	FlushInterval Duration `json:"flush_interval"`

	// FlushDirtyThreshold triggers an early flush tick once the total dirty
	// count across all tables reaches this value, independent of the timer.
	FlushDirtyThreshold int `json:"flush_dirty_threshold"`

	// EvictInterval is the idle TTL and the eviction tick period.
	EvictInterval Duration `json:"evict_interval"`

	// MaintenanceSchedule is a standard cron expression controlling how
	// often the store adapter runs VACUUM/PRAGMA optimize housekeeping. It is
	// read once by store.Open; swapping it via Engine.Reconfigure does not
	// reschedule the running job.
	MaintenanceSchedule string `json:"maintenance_schedule"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with the
// defaults used when no overrides are supplied.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		FlushInterval:       Duration(10 * time.Second),
		FlushDirtyThreshold: 1000,
		EvictInterval:       Duration(30 * time.Second),
		MaintenanceSchedule: "0 3 * * *",
	}
}

// Validate checks that the runtime config's values are usable. Called both
// at startup and on every Reconfigure.
func (c *RuntimeConfig) Validate() error {
	if c.FlushInterval.Std() <= 0 {
		return fmt.Errorf("runtime config: flush_interval must be positive")
	}
	if c.EvictInterval.Std() <= 0 {
		return fmt.Errorf("runtime config: evict_interval must be positive")
	}
	if c.FlushDirtyThreshold < 0 {
		return fmt.Errorf("runtime config: flush_dirty_threshold must be >= 0")
	}
	if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
		return fmt.Errorf("runtime config: invalid maintenance_schedule %q: %w", c.MaintenanceSchedule, err)
	}
	return nil
}

// FromEnv seeds a RuntimeConfig's flush/evict cadence from a boot-time
// EnvConfig, keeping the other fields at their defaults.
func FromEnv(env *EnvConfig) *RuntimeConfig {
	cfg := NewDefaultRuntimeConfig()
	cfg.FlushInterval = Duration(env.FlushInterval)
	cfg.EvictInterval = Duration(env.EvictInterval)
	return cfg
}
