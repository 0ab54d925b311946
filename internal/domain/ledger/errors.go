package ledger

import "errors"

// Causes carried inside failure kinds.
var (
	ErrUnknownCity       = errors.New("unknown city")
	ErrUnknownFaction    = errors.New("unknown faction")
	ErrBadMagnitude      = errors.New("magnitude must be a finite value in [-1, 1]")
	ErrBadSeverity       = errors.New("unknown severity")
	ErrBadEffectType     = errors.New("unknown effect type")
	ErrBadStatus         = errors.New("initial status must be active or pending")
	ErrBadEffectID       = errors.New("effect id must be a UUID")
	ErrDecayInPast       = errors.New("decay timestamp must be in the future")
	ErrConflictingRecord = errors.New("effect id already recorded with different content")
)
