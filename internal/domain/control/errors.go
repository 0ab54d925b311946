package control

import "errors"

// Causes carried inside failure kinds.
var (
	ErrUnknownRegion   = errors.New("unknown region")
	ErrUnknownFaction  = errors.New("unknown faction")
	ErrBadTrigger      = errors.New("unknown trigger kind")
	ErrZeroDelta       = errors.New("score delta must not be zero")
	ErrDeltaTooLarge   = errors.New("score delta exceeds the allowed range")
	ErrAtBound         = errors.New("score already at the bound the delta pushes toward")
	ErrNoEvidence      = errors.New("trigger requires a linked impact or crisis")
	ErrVersionChanged  = errors.New("region changed since the request was based on it")
	ErrCooldownPending = errors.New("region changed too recently")
)
