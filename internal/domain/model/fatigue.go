package model

import "time"

// FatigueLevel is the banded fatigue state of a (character, skill) row.
type FatigueLevel string

const (
	FatigueNormal         FatigueLevel = "normal"
	FatigueApproachingCap FatigueLevel = "approaching_cap"
	FatigueSoftCap        FatigueLevel = "soft_cap"
	FatigueExhausted      FatigueLevel = "exhausted"
)

// Overflowing reports whether the row sits at or beyond the soft cap.
func (l FatigueLevel) Overflowing() bool {
	return l == FatigueSoftCap || l == FatigueExhausted
}

// FatigueState is the daily experience accounting of one (character, skill).
type FatigueState struct {
	CharacterID     string       `json:"character_id"`
	Skill           string       `json:"skill"`
	DailyXPTotal    float64      `json:"daily_xp_total"`
	FatigueModifier float64      `json:"fatigue_modifier"`
	FatigueScore    float64      `json:"fatigue_score"`
	SoftCap         float64      `json:"soft_cap"`
	ResetAt         time.Time    `json:"reset_at"`
	State           FatigueLevel `json:"fatigue_state"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Key is the lock and storage key of the row.
func (s *FatigueState) Key() string { return FatigueKey(s.CharacterID, s.Skill) }

// FatigueKey builds the row key for a character and skill.
func FatigueKey(characterID, skill string) string { return characterID + "\x00" + skill }

// XPGainResult reports the outcome of one experience gain.
type XPGainResult struct {
	Requested  float64      `json:"requested"`
	Awarded    float64      `json:"awarded"`
	Multiplier float64      `json:"multiplier"`
	Duplicate  bool         `json:"duplicate"`
	State      FatigueState `json:"state"`
}
