// Package keylock provides per-key mutual exclusion with bounded waits.
//
// Each key (city id, region id, character+skill, effect id) gets its own
// single-slot semaphore. Acquisition waits at most the configured timeout and
// reports failure.ErrContended instead of blocking indefinitely. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/pkg/metrics"
)

const defaultTimeout = 250 * time.Millisecond

type entry struct {
	slot chan struct{}
	refs int
}

// Locker serializes work per key.
type Locker struct {
	scope   string
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Locker. scope labels contention metrics ("city", "region", ...).
func New(scope string, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Locker{
		scope:   scope,
		timeout: timeout,
		entries: make(map[string]*entry),
	}
}

// Acquire takes the lock for key. The returned release func is idempotent.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case e.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.slot
				l.unref(key, e)
			})
		}, nil
	case <-timer.C:
		l.unref(key, e)
		metrics.RecordLockContention(l.scope)
		return nil, failure.WrapKind("keylock."+l.scope, failure.ErrContended,
			fmt.Errorf("key %q not acquired within %s", key, l.timeout))
	case <-ctx.Done():
		l.unref(key, e)
		return nil, failure.WrapKind("keylock."+l.scope, failure.ErrContended, ctx.Err())
	}
}

// With runs fn while holding the lock for key.
func (l *Locker) With(ctx context.Context, key string, fn func() error) error {
	release, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Len reports how many keys are currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
