// Package dedupe tracks request ids so replayed commands apply at most once.
package dedupe

import (
	"context"
	"sync"
)

// Deduper records seen request ids.
type Deduper interface {
	// SeenAndRecord reports whether id was already seen and records it if not.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a failed command can be retried under the same id.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// ring is a bounded FIFO window of ids. Eviction drops the oldest id.
type ring struct {
	mu      sync.Mutex
	seen    map[string]int // id -> slot in buf
	buf     []string
	used    []bool
	next    int
	maxSize int
}

// NewInMemoryDeduper creates a deduper. With a non-positive max size it never evicts.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &ring{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]int)
	if d.maxSize > 0 {
		d.buf = make([]string, d.maxSize)
		d.used = make([]bool, d.maxSize)
	}
	return d
}

func (d *ring) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if d.maxSize <= 0 {
		d.seen[id] = -1
		return false
	}
	slot := d.next
	if d.used[slot] {
		delete(d.seen, d.buf[slot])
	}
	d.buf[slot] = id
	d.used[slot] = true
	d.seen[id] = slot
	d.next = (slot + 1) % d.maxSize
	return false
}

func (d *ring) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.seen[id]
	if !ok {
		return
	}
	delete(d.seen, id)
	if slot >= 0 {
		d.buf[slot] = ""
		d.used[slot] = false
	}
}

func (d *ring) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen))
}
