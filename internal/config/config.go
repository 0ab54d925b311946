// Package config defines service configuration and its loading.
//
// Conventions:
//   - Durations are stored as integer fields with a unit suffix and read through
//     the accessor methods.
//   - External errors are wrapped with this package's sentinel errors.
package config

import (
	"runtime"
	"time"

	"github.com/okian/worldsim/internal/domain/topology"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StorePath is the SQLite ledger file. Empty keeps the ledger in memory.
	StorePath string `koanf:"store_path"`

	// QueueSize bounds the recalculation job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of recalculation workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize bounds the xp request-id memory.
	DedupeSize int `koanf:"dedupe_size"`

	LockTimeoutMS        int `koanf:"lock_timeout_ms"`
	DecaySweepIntervalMS int `koanf:"decay_sweep_interval_ms"`

	CrisisThreshold               float64 `koanf:"crisis_threshold"`
	CrisisWindowHours             int     `koanf:"crisis_window_hours"`
	CrisisEscalationDelta         float64 `koanf:"crisis_escalation_delta"`
	CrisisDeescalateAfterSeconds  int     `koanf:"crisis_deescalate_after_seconds"`
	CrisisMitigationTimeoutHours  int     `koanf:"crisis_mitigation_timeout_hours"`
	CrisisControlPenalty          int     `koanf:"crisis_control_penalty"`
	CrisisTickIntervalMS          int     `koanf:"crisis_tick_interval_ms"`
	ControlCooldownSeconds        int     `koanf:"control_cooldown_seconds"`
	ControlPendingEvents          int     `koanf:"control_pending_events"`
	FatigueDefaultSoftCap         float64 `koanf:"fatigue_default_soft_cap"`
	FatigueMinMultiplier          float64 `koanf:"fatigue_min_multiplier"`
	RecalcIntervalSeconds         int     `koanf:"recalc_interval_seconds"`
	RecalcMaxAttempts             int     `koanf:"recalc_max_attempts"`
	RecalcRetryBackoffMS          int     `koanf:"recalc_retry_backoff_ms"`
	MetricsWindowMinutes          int     `koanf:"metrics_window_minutes"`
	MetricsRefreshIntervalSeconds int     `koanf:"metrics_refresh_interval_seconds"`
	ShiftRateLimit                int     `koanf:"shift_rate_limit"`
	AlertShiftRate                float64 `koanf:"alert_shift_rate"`
	AlertFatigueOverflow          float64 `koanf:"alert_fatigue_overflow"`
	AlertCrisisSurvival           float64 `koanf:"alert_crisis_survival"`
	AlertMax                      int     `koanf:"alert_max"`

	// FatigueSoftCaps maps skill names to their daily soft cap.
	FatigueSoftCaps map[string]float64 `koanf:"fatigue_soft_caps"`

	// OTelEndpoint is the OTLP/HTTP collector. Empty disables tracing.
	OTelEndpoint string `koanf:"otel_endpoint"`

	// Topology is the world map the core serves.
	Topology topology.Spec `koanf:"topology"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:                      "info",
		Addr:                          ":9080",
		QueueSize:                     1024,
		WorkerCount:                   runtime.NumCPU(),
		DedupeSize:                    100_000,
		LockTimeoutMS:                 250,
		DecaySweepIntervalMS:          5000,
		CrisisThreshold:               8.0,
		CrisisWindowHours:             24,
		CrisisEscalationDelta:         3.0,
		CrisisDeescalateAfterSeconds:  900,
		CrisisMitigationTimeoutHours:  72,
		CrisisControlPenalty:          5,
		CrisisTickIntervalMS:          1000,
		ControlCooldownSeconds:        60,
		ControlPendingEvents:          10,
		FatigueDefaultSoftCap:         1000,
		FatigueMinMultiplier:          0.1,
		RecalcIntervalSeconds:         300,
		RecalcMaxAttempts:             3,
		RecalcRetryBackoffMS:          50,
		MetricsWindowMinutes:          60,
		MetricsRefreshIntervalSeconds: 15,
		ShiftRateLimit:                10,
		AlertShiftRate:                1.0,
		AlertFatigueOverflow:          0.25,
		AlertCrisisSurvival:           0.75,
		AlertMax:                      20,
		FatigueSoftCaps:               map[string]float64{},
		Topology:                      DefaultTopology(),
	}
}

// DefaultTopology is a small world used when none is configured.
func DefaultTopology() topology.Spec {
	return topology.Spec{
		Factions: []string{"crown", "guild", "rebels"},
		Regions: []topology.Region{
			{
				ID:     "northmarch",
				Cities: []string{"aldport", "brindle"},
				Owner:  "crown",
				Scores: map[string]int{"crown": 60, "guild": 30, "rebels": 10},
			},
			{
				ID:     "southreach",
				Cities: []string{"caldera"},
				Owner:  "guild",
				Scores: map[string]int{"guild": 55, "rebels": 40},
			},
		},
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// LockTimeout is the per-key lock acquisition timeout.
func (c *Config) LockTimeout() time.Duration { return ms(c.LockTimeoutMS) }

// DecaySweepInterval is the ledger decay sweep period.
func (c *Config) DecaySweepInterval() time.Duration { return ms(c.DecaySweepIntervalMS) }

// CrisisTickInterval is the period of time-driven crisis evaluation.
func (c *Config) CrisisTickInterval() time.Duration { return ms(c.CrisisTickIntervalMS) }

// CrisisWindow is the rolling window of impacts a crisis considers.
func (c *Config) CrisisWindow() time.Duration {
	return time.Duration(c.CrisisWindowHours) * time.Hour
}

// CrisisDeescalateAfter is the hysteresis hold before an escalating crisis calms.
func (c *Config) CrisisDeescalateAfter() time.Duration {
	return time.Duration(c.CrisisDeescalateAfterSeconds) * time.Second
}

// CrisisMitigationTimeout is how long a mitigated crisis waits before it resolves.
func (c *Config) CrisisMitigationTimeout() time.Duration {
	return time.Duration(c.CrisisMitigationTimeoutHours) * time.Hour
}

// ControlCooldown is the minimum interval between accepted shifts per region.
func (c *Config) ControlCooldown() time.Duration {
	return time.Duration(c.ControlCooldownSeconds) * time.Second
}

// RecalcInterval is the scheduled global recalculation period. Zero disables it.
func (c *Config) RecalcInterval() time.Duration {
	return time.Duration(c.RecalcIntervalSeconds) * time.Second
}

// RecalcRetryBackoff is the initial backoff between unit attempts.
func (c *Config) RecalcRetryBackoff() time.Duration { return ms(c.RecalcRetryBackoffMS) }

// MetricsWindow is the default summary window.
func (c *Config) MetricsWindow() time.Duration {
	return time.Duration(c.MetricsWindowMinutes) * time.Minute
}

// MetricsRefreshInterval is the gauge refresh period. Zero disables it.
func (c *Config) MetricsRefreshInterval() time.Duration {
	return time.Duration(c.MetricsRefreshIntervalSeconds) * time.Second
}
