package config

import "errors"

// Sentinel errors returned by Load and Validate.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
	// ErrConfigFile marks a WORLDSIM_CONFIG path that could not be read.
	ErrConfigFile = errors.New("config file unreadable")
)
