package service

import (
	"time"

	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/pkg/logger"
)

// Store is the ledger and aggregate storage the service runs on.
type Store interface {
	repository.ImpactStore
	repository.AggregateStore
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the configuration. Defaults from config.New() otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithSink adds a notification sink next to the logging sink.
func WithSink(sink notify.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithStore runs the ledger on store instead of the one named by the configuration.
// The service does not close a store it did not open.
func WithStore(store Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}
