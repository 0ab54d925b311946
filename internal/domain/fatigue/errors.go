package fatigue

import "errors"

// Causes carried inside failure kinds.
var (
	ErrBadGain          = errors.New("xp gain must be a finite value greater than zero")
	ErrMissingSkill     = errors.New("skill is required")
	ErrUnknownCharacter = errors.New("unknown character")
)
