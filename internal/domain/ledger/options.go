package ledger

import (
	"time"

	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/internal/domain/retry"
	"github.com/okian/worldsim/pkg/logger"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithSink sets where decay notifications are published.
func WithSink(s notify.Sink) Option {
	return func(l *Ledger) {
		if s != nil {
			l.sink = s
		}
	}
}

// WithLockTimeout bounds per-record lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.locks = keylock.New("impact", d)
	}
}

// WithRetryPolicy sets the backoff used by the decay sweep.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) {
		l.retry = p
	}
}

// WithSweepBatch bounds how many records one sweep pass loads.
func WithSweepBatch(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sweepBatch = n
		}
	}
}

// WithIDGenerator overrides effect id generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}
