// Package model contains the data model shared by the core components.
package model

import (
	"math"
	"slices"
	"time"
)

// Magnitude bounds of an impact.
const (
	MinMagnitude = -1.0
	MaxMagnitude = 1.0
)

// EffectType classifies what part of a city an impact touches.
type EffectType string

const (
	EffectEconomic      EffectType = "economic"
	EffectSocial        EffectType = "social"
	EffectPolitical     EffectType = "political"
	EffectSecurity      EffectType = "security"
	EffectEnvironmental EffectType = "environmental"
	EffectCultural      EffectType = "cultural"
)

// EffectTypes lists every effect type in a stable order.
var EffectTypes = []EffectType{
	EffectEconomic, EffectSocial, EffectPolitical, EffectSecurity, EffectEnvironmental, EffectCultural,
}

// Valid reports whether t is a known effect type.
func (t EffectType) Valid() bool {
	return slices.Contains(EffectTypes, t)
}

// Severity grades an impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Weight is the pressure multiplier of the severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Max returns the more severe of s and o.
func (s Severity) Max(o Severity) Severity {
	if o.Weight() > s.Weight() {
		return o
	}
	return s
}

// ImpactStatus is the lifecycle state of a ledger record.
type ImpactStatus string

const (
	ImpactActive   ImpactStatus = "active"
	ImpactPending  ImpactStatus = "pending"
	ImpactResolved ImpactStatus = "resolved"
	ImpactArchived ImpactStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ImpactStatus) Valid() bool {
	switch s {
	case ImpactActive, ImpactPending, ImpactResolved, ImpactArchived:
		return true
	}
	return false
}

// Applies reports whether aggregation passes still apply the magnitude.
func (s ImpactStatus) Applies() bool {
	return s == ImpactActive || s == ImpactPending
}

// ImpactRecord is one discrete world-affecting effect in the ledger.
type ImpactRecord struct {
	EffectID        string       `json:"effect_id"`
	OriginOrderID   string       `json:"origin_order_id,omitempty"`
	CityID          string       `json:"city_id"`
	SourceFactionID string       `json:"source_faction_id,omitempty"`
	EffectType      EffectType   `json:"effect_type"`
	Severity        Severity     `json:"severity"`
	Magnitude       float64      `json:"magnitude"`
	Status          ImpactStatus `json:"status"`
	TriggerRefs     []string     `json:"trigger_refs,omitempty"`
	LinkedCrisisID  string       `json:"linked_crisis_id,omitempty"`
	DecayAt         *time.Time   `json:"decay_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ActiveAt reports whether the record counts as active at asOf.
func (r *ImpactRecord) ActiveAt(asOf time.Time) bool {
	return r.Status.Applies() && (r.DecayAt == nil || r.DecayAt.After(asOf))
}

// DueAt reports whether the decay sweep should resolve the record at asOf.
func (r *ImpactRecord) DueAt(asOf time.Time) bool {
	return r.Status.Applies() && r.DecayAt != nil && !r.DecayAt.After(asOf)
}

// Pressure is the severity-weighted absolute magnitude.
func (r *ImpactRecord) Pressure() float64 {
	return math.Abs(r.Magnitude) * r.Severity.Weight()
}

// Clone returns a deep copy.
func (r ImpactRecord) Clone() ImpactRecord {
	r.TriggerRefs = slices.Clone(r.TriggerRefs)
	if r.DecayAt != nil {
		d := *r.DecayAt
		r.DecayAt = &d
	}
	return r
}

// AuditAction names a ledger mutation.
type AuditAction string

const (
	AuditRecorded AuditAction = "recorded"
	AuditLinked   AuditAction = "linked"
	AuditResolved AuditAction = "resolved"
	AuditArchived AuditAction = "archived"
	AuditDecayed  AuditAction = "decayed"
)

// AuditEntry is one append-only line of the ledger audit trail.
type AuditEntry struct {
	Seq      int64        `json:"seq"`
	EffectID string       `json:"effect_id"`
	Action   AuditAction  `json:"action"`
	From     ImpactStatus `json:"from,omitempty"`
	To       ImpactStatus `json:"to"`
	Actor    string       `json:"actor,omitempty"`
	Note     string       `json:"note,omitempty"`
	At       time.Time    `json:"at"`
}
