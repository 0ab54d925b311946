// Package retry runs operations with bounded exponential backoff on retryable failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/worldsim/internal/domain/failure"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxTries int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy is used when a component is not configured otherwise.
var DefaultPolicy = Policy{MaxTries: 3, Initial: 50 * time.Millisecond, Max: time.Second}

func (p Policy) normalized() Policy {
	if p.MaxTries <= 0 {
		p.MaxTries = 1
	}
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial * 20
	}
	return p
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of tries. It returns the number of attempts made.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, int, error) {
	p = p.normalized()
	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !failure.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxTries)),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return v, attempts, err
}
