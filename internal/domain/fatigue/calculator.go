// Package fatigue computes diminishing experience returns per character, skill and day.
package fatigue

import (
	"math"
	"time"

	"github.com/okian/worldsim/internal/domain/model"
)

// Band thresholds against dailyXpTotal / softCap.
const (
	normalBand      = 0.8
	approachingBand = 1.0
	softCapBand     = 1.5
)

// Params are the per-skill accrual parameters.
type Params struct {
	SoftCap       float64
	MinMultiplier float64
}

// Multiplier returns the reward multiplier for adding gain on top of total.
// It is 1 while the new total stays within the soft cap and never drops below the floor.
func Multiplier(total, gain float64, p Params) float64 {
	next := total + gain
	if next <= p.SoftCap {
		return 1
	}
	return math.Max(p.MinMultiplier, p.SoftCap/next)
}

// Level bands a daily total against the soft cap.
func Level(total, softCap float64) model.FatigueLevel {
	ratio := total / softCap
	switch {
	case ratio <= normalBand:
		return model.FatigueNormal
	case ratio <= approachingBand:
		return model.FatigueApproachingCap
	case ratio <= softCapBand:
		return model.FatigueSoftCap
	default:
		return model.FatigueExhausted
	}
}

// NextReset returns the first UTC midnight strictly after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// Fresh returns the initial state of a row.
func Fresh(characterID, skill string, p Params, now time.Time) model.FatigueState {
	return model.FatigueState{
		CharacterID:     characterID,
		Skill:           skill,
		FatigueModifier: 1,
		SoftCap:         p.SoftCap,
		ResetAt:         NextReset(now),
		State:           model.FatigueNormal,
		UpdatedAt:       now,
	}
}

// Reset applies the lazy daily reset. It returns s unchanged when now is before resetAt.
func Reset(s model.FatigueState, now time.Time) model.FatigueState {
	if now.Before(s.ResetAt) {
		return s
	}
	s.DailyXPTotal = 0
	s.FatigueScore = 0
	s.FatigueModifier = 1
	s.State = model.FatigueNormal
	days := int(now.Sub(s.ResetAt)/(24*time.Hour)) + 1
	s.ResetAt = s.ResetAt.AddDate(0, 0, days)
	s.UpdatedAt = now
	return s
}

// Apply accrues gain into s and returns the new state plus the awarded amount
// and the multiplier used.
func Apply(s model.FatigueState, gain float64, p Params, now time.Time) (model.FatigueState, float64, float64) {
	s = Reset(s, now)
	s.SoftCap = p.SoftCap
	mult := Multiplier(s.DailyXPTotal, gain, p)
	awarded := gain * mult
	s.DailyXPTotal += awarded
	s.FatigueModifier = mult
	s.FatigueScore = math.Max(s.FatigueScore, 100*s.DailyXPTotal/p.SoftCap)
	s.State = Level(s.DailyXPTotal, p.SoftCap)
	s.UpdatedAt = now
	return s, awarded, mult
}
