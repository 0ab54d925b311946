package fatigue

import (
	"maps"
	"time"

	"github.com/okian/worldsim/internal/domain/dedupe"
	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/pkg/logger"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithSoftCaps sets per-skill soft caps and the cap for every other skill.
func WithSoftCaps(defaultCap float64, perSkill map[string]float64) Option {
	return func(t *Tracker) {
		if defaultCap > 0 {
			t.defaultCap = defaultCap
		}
		t.caps = maps.Clone(perSkill)
	}
}

// WithMinMultiplier sets the diminishing-returns floor.
func WithMinMultiplier(floor float64) Option {
	return func(t *Tracker) {
		if floor > 0 && floor <= 1 {
			t.floor = floor
		}
	}
}

// WithDeduper sets the request-id memory.
func WithDeduper(d dedupe.Deduper) Option {
	return func(t *Tracker) {
		if d != nil {
			t.seen = d
		}
	}
}

// WithLockTimeout bounds per-row lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.locks = keylock.New("fatigue", d)
	}
}
