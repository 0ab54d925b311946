package recalc

import (
	"time"

	"github.com/okian/worldsim/internal/domain/retry"
	"github.com/okian/worldsim/pkg/logger"
)

const defaultJobHistory = 1000

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRetryPolicy bounds per-unit retries of unavailable storage.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Scheduler) { s.retry = p }
}

// WithJobHistory bounds how many finished jobs stay queryable.
func WithJobHistory(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.history = n
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) {
		if gen != nil {
			s.newID = gen
		}
	}
}
