package alerting

import (
	"time"

	"github.com/okian/worldsim/pkg/logger"
)

// Thresholds configures the summary window and the alert triggers.
type Thresholds struct {
	// Window is used when a report is requested without bounds.
	Window time.Duration
	// ShiftRateLimit is the number of control shifts per window considered nominal.
	ShiftRateLimit int
	// ShiftRate alerts when shifts divided by the limit exceeds it.
	ShiftRate float64
	// FatigueOverflow alerts when the share of rows at or past the soft cap exceeds it.
	FatigueOverflow float64
	// CrisisSurvival alerts when the share of crises opened in the window and still open exceeds it.
	CrisisSurvival float64
	// MaxAlerts bounds the alert list.
	MaxAlerts int
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:          time.Hour,
		ShiftRateLimit:  10,
		ShiftRate:       1.0,
		FatigueOverflow: 0.25,
		CrisisSurvival:  0.75,
		MaxAlerts:       20,
	}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithThresholds replaces the thresholds.
func WithThresholds(t Thresholds) Option {
	return func(a *Aggregator) { a.th = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}
