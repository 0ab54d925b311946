package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/okian/worldsim/internal/domain/topology"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "WORLDSIM_"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if WORLDSIM_CONFIG is set
//  3. env (prefix WORLDSIM_)
func Load(_ context.Context) (*Config, error) {
	return LoadFile(os.Getenv(EnvPrefix + "CONFIG"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %w: %w", ErrLoadConfig, ErrConfigFile, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// WORLDSIM_QUEUE_SIZE -> queue_size. Underscores are kept to match the
	// flat koanf tags.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := New()
	// A configured topology replaces the default world instead of merging into it.
	if k.Exists("topology") {
		cfg.Topology = topology.Spec{}
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize < 1:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.LockTimeoutMS < 1:
		return fmt.Errorf("%w: lock_timeout_ms must be positive", ErrInvalidConfig)
	case c.CrisisThreshold <= 0:
		return fmt.Errorf("%w: crisis_threshold must be positive", ErrInvalidConfig)
	case c.CrisisWindowHours < 1:
		return fmt.Errorf("%w: crisis_window_hours must be positive", ErrInvalidConfig)
	case c.CrisisControlPenalty < 0:
		return fmt.Errorf("%w: crisis_control_penalty must not be negative", ErrInvalidConfig)
	case c.ControlCooldownSeconds < 0:
		return fmt.Errorf("%w: control_cooldown_seconds must not be negative", ErrInvalidConfig)
	case c.FatigueDefaultSoftCap <= 0:
		return fmt.Errorf("%w: fatigue_default_soft_cap must be positive", ErrInvalidConfig)
	case c.FatigueMinMultiplier <= 0 || c.FatigueMinMultiplier > 1:
		return fmt.Errorf("%w: fatigue_min_multiplier must be in (0, 1]", ErrInvalidConfig)
	case c.RecalcMaxAttempts < 1:
		return fmt.Errorf("%w: recalc_max_attempts must be positive", ErrInvalidConfig)
	case c.MetricsWindowMinutes < 1:
		return fmt.Errorf("%w: metrics_window_minutes must be positive", ErrInvalidConfig)
	}
	for skill, limit := range c.FatigueSoftCaps {
		if limit <= 0 {
			return fmt.Errorf("%w: fatigue soft cap for %q must be positive", ErrInvalidConfig, skill)
		}
	}
	if _, err := topology.NewStatic(c.Topology); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
