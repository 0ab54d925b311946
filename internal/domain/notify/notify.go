// Package notify carries state-change notifications out of the core.
package notify

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/okian/worldsim/pkg/logger"
)

// Event names published by the core.
const (
	CrisisOpened                = "crisis.opened"
	CrisisEscalated             = "crisis.escalated"
	CrisisDeescalated           = "crisis.deescalated"
	CrisisMitigated             = "crisis.mitigated"
	CrisisResolved              = "crisis.resolved"
	ControlShifted              = "control.shifted"
	ControlOwnershipTransferred = "control.ownership_transferred"
	ImpactDecayed               = "impact.decayed"
)

// Event is one notification.
type Event struct {
	Name    string         `json:"name"`
	Subject string         `json:"subject"`
	At      time.Time      `json:"at"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Sink receives notifications. Publish must not block the caller for long.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
func Nop() Sink { return SinkFunc(func(context.Context, Event) {}) }

// LogSink writes every event to a logger at info level.
type LogSink struct {
	log logger.Logger
}

// NewLogSink returns a sink logging through log.
func NewLogSink(log logger.Logger) *LogSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSink{log: log.Named("notify")}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) {
	fields := []logger.Field{
		logger.String("event", ev.Name),
		logger.String("subject", ev.Subject),
		logger.Time("at", ev.At),
	}
	for k, v := range ev.Attrs {
		fields = append(fields, logger.Any(k, v))
	}
	s.log.Info(ctx, "notification", fields...)
}

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	ev.Attrs = maps.Clone(ev.Attrs)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in publish order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
