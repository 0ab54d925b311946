package service

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrStoreOpen = errors.New("open ledger store")
	ErrTopology  = errors.New("build topology")
)
