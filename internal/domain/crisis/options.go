package crisis

import (
	"time"

	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/pkg/logger"
)

// Config holds the crisis thresholds.
type Config struct {
	// Threshold is the weighted pressure that opens a crisis.
	Threshold float64
	// Window limits pressure to impacts created this recently. Zero means unbounded.
	Window time.Duration
	// EscalationDelta is the pressure growth since start that escalates a crisis.
	EscalationDelta float64
	// DeescalateAfter is how long growth must stay within the delta before escalating returns to active.
	DeescalateAfter time.Duration
	// MitigationTimeout resolves a mitigated crisis even with impacts still open.
	MitigationTimeout time.Duration
	// ControlPenalty is requested against the region owner when a crisis escalates. Zero disables it.
	ControlPenalty int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         8,
		Window:            24 * time.Hour,
		EscalationDelta:   3,
		DeescalateAfter:   15 * time.Minute,
		MitigationTimeout: 72 * time.Hour,
		ControlPenalty:    5,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the thresholds.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSink sets where transitions are published.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithArbiter lets escalations request a control penalty.
func WithArbiter(a Arbiter) Option {
	return func(e *Engine) { e.arbiter = a }
}

// WithLockTimeout bounds per-city lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.locks = keylock.New("city", d) }
}

// WithIDGenerator overrides crisis id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}
