package control

import (
	"time"

	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/pkg/logger"
)

const (
	defaultCooldown      = 60 * time.Second
	defaultPendingEvents = 10
	defaultHistoryLimit  = 10000
	conflictMargin       = 25
)

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Arbiter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithSink sets where accepted shifts are published.
func WithSink(s notify.Sink) Option {
	return func(a *Arbiter) {
		if s != nil {
			a.sink = s
		}
	}
}

// WithCooldown sets the minimum interval between accepted shifts of a region.
func WithCooldown(d time.Duration) Option {
	return func(a *Arbiter) {
		if d >= 0 {
			a.cooldown = d
		}
	}
}

// WithPendingEvents bounds the evidence refs kept on a region.
func WithPendingEvents(n int) Option {
	return func(a *Arbiter) {
		if n >= 0 {
			a.pendingLimit = n
		}
	}
}

// WithHistoryLimit bounds the shift history kept for metrics.
func WithHistoryLimit(n int) Option {
	return func(a *Arbiter) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithLockTimeout bounds per-region lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(a *Arbiter) { a.locks = keylock.New("region", d) }
}

// WithEvidence registers lookups that evidence refs must resolve through.
func WithEvidence(resolvers ...EvidenceResolver) Option {
	return func(a *Arbiter) { a.resolvers = append(a.resolvers, resolvers...) }
}
