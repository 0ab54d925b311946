package model

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// Control score and shift bounds.
const (
	MinControlScore  = -100
	MaxControlScore  = 100
	MaxShiftDelta    = 200
	MaxConflictLevel = 5
)

// Trend is the direction of a region's control.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// TrendOf maps the sign of a delta to a trend.
func TrendOf(delta int) Trend {
	switch {
	case delta > 0:
		return TrendRising
	case delta < 0:
		return TrendFalling
	default:
		return TrendStable
	}
}

// TriggerKind names what caused a control shift request.
type TriggerKind string

const (
	TriggerStoryEvent       TriggerKind = "story_event"
	TriggerLeaderDeath      TriggerKind = "leader_death"
	TriggerRaidVictory      TriggerKind = "raid_victory"
	TriggerTradeDominance   TriggerKind = "trade_dominance"
	TriggerDiplomacy        TriggerKind = "diplomacy"
	TriggerCrisisEscalation TriggerKind = "crisis_escalation"
	TriggerManual           TriggerKind = "manual"
)

// Valid reports whether k is a known trigger.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerStoryEvent, TriggerLeaderDeath, TriggerRaidVictory, TriggerTradeDominance,
		TriggerDiplomacy, TriggerCrisisEscalation, TriggerManual:
		return true
	}
	return false
}

// BypassesCooldown reports whether the trigger ignores the region cooldown.
func (k TriggerKind) BypassesCooldown() bool {
	return k == TriggerStoryEvent
}

// RequiresEvidence reports whether the trigger needs a linked impact or crisis.
func (k TriggerKind) RequiresEvidence() bool {
	return k == TriggerLeaderDeath || k == TriggerRaidVictory
}

// Evidence links a shift request to ledger impacts or crises.
type Evidence struct {
	ImpactIDs []string          `json:"impact_ids,omitempty"`
	CrisisIDs []string          `json:"crisis_ids,omitempty"`
	Notes     map[string]string `json:"notes,omitempty"`
}

// Refs returns every referenced id, impacts first.
func (e Evidence) Refs() []string {
	out := make([]string, 0, len(e.ImpactIDs)+len(e.CrisisIDs))
	out = append(out, e.ImpactIDs...)
	return append(out, e.CrisisIDs...)
}

// ControlShiftRequest is a transient proposal consumed once by the arbiter.
type ControlShiftRequest struct {
	RegionID        string      `json:"region_id"`
	ProposedOwnerID string      `json:"proposed_owner_id"`
	Trigger         TriggerKind `json:"trigger"`
	Evidence        Evidence    `json:"evidence"`
	ScoreDelta      int         `json:"score_delta"`
	Justification   string      `json:"justification,omitempty"`
	RequestedBy     string      `json:"requested_by,omitempty"`
	// ExpectedVersion, when non-zero, is the region version the caller based the request on.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

// RegionControl holds every faction's control score over one region.
type RegionControl struct {
	RegionID       string         `json:"region_id"`
	OwnerFactionID string         `json:"owner_faction_id"`
	Scores         map[string]int `json:"scores"`
	Stability      float64        `json:"stability"`
	Trend          Trend          `json:"trend"`
	// Trends holds each faction's own direction since the last ownership
	// transfer. A missing faction is stable.
	Trends        map[string]Trend `json:"trends,omitempty"`
	LastChange    time.Time        `json:"last_change"`
	ConflictLevel int              `json:"conflict_level"`
	PendingEvents []string         `json:"pending_events,omitempty"`
	Version       int64            `json:"version"`
}

// Clone returns a deep copy.
func (rc RegionControl) Clone() RegionControl {
	rc.Scores = maps.Clone(rc.Scores)
	rc.Trends = maps.Clone(rc.Trends)
	rc.PendingEvents = slices.Clone(rc.PendingEvents)
	return rc
}

// Factions returns the faction ids with a score, sorted.
func (rc *RegionControl) Factions() []string {
	ids := make([]string, 0, len(rc.Scores))
	for id := range rc.Scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TrendFor returns the direction of factionID's own score.
func (rc *RegionControl) TrendFor(factionID string) Trend {
	if t, ok := rc.Trends[factionID]; ok {
		return t
	}
	return TrendStable
}

// StateFor returns the per-(region, faction) view.
func (rc *RegionControl) StateFor(factionID string) ControlState {
	return ControlState{
		RegionID:       rc.RegionID,
		FactionID:      factionID,
		ControlScore:   rc.Scores[factionID],
		OwnerFactionID: rc.OwnerFactionID,
		Owner:          rc.OwnerFactionID == factionID,
		StabilityIndex: rc.Stability,
		Trend:          rc.TrendFor(factionID),
		LastChange:     rc.LastChange,
		ConflictLevel:  rc.ConflictLevel,
		PendingEvents:  slices.Clone(rc.PendingEvents),
	}
}

// ControlState is the per-(region, faction) control view.
type ControlState struct {
	RegionID       string    `json:"region_id"`
	FactionID      string    `json:"faction_id"`
	ControlScore   int       `json:"control_score"`
	OwnerFactionID string    `json:"owner_faction_id"`
	Owner          bool      `json:"owner"`
	StabilityIndex float64   `json:"stability_index"`
	Trend          Trend     `json:"trend"`
	LastChange     time.Time `json:"last_change"`
	ConflictLevel  int       `json:"conflict_level"`
	PendingEvents  []string  `json:"pending_events,omitempty"`
}

// ShiftRecord is the accepted effect of one control shift.
type ShiftRecord struct {
	RegionID       string      `json:"region_id"`
	FactionID      string      `json:"faction_id"`
	Trigger        TriggerKind `json:"trigger"`
	Delta          int         `json:"delta"`
	PreviousScore  int         `json:"previous_score"`
	NewScore       int         `json:"new_score"`
	PreviousOwner  string      `json:"previous_owner"`
	NewOwner       string      `json:"new_owner"`
	RequestedBy    string      `json:"requested_by,omitempty"`
	At             time.Time   `json:"at"`
	RegionVersion  int64       `json:"region_version"`
	OwnershipShift bool        `json:"ownership_shift"`
}
