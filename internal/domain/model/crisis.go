package model

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"
)

// CrisisStatus is the state of a city crisis. "No crisis" is the absence of an open record.
type CrisisStatus string

const (
	CrisisActive     CrisisStatus = "active"
	CrisisEscalating CrisisStatus = "escalating"
	CrisisMitigated  CrisisStatus = "mitigated"
	CrisisResolved   CrisisStatus = "resolved"
)

// Open reports whether the crisis still occupies its city.
func (s CrisisStatus) Open() bool {
	return s == CrisisActive || s == CrisisEscalating || s == CrisisMitigated
}

// Crisis KPI names kept in the metrics snapshot.
const (
	KPIPressure        = "pressure"
	KPIStartPressure   = "start_pressure"
	KPIPeakPressure    = "peak_pressure"
	KPIAttachedImpacts = "attached_impacts"
	KPICriticalImpacts = "critical_impacts"
)

// MitigationPlan is an externally submitted plan attached to a crisis.
type MitigationPlan struct {
	Title                 string    `json:"title"`
	Actions               []string  `json:"actions"`
	SubmittedBy           string    `json:"submitted_by"`
	ExpectedDurationHours int       `json:"expected_duration_hours,omitempty"`
	SubmittedAt           time.Time `json:"submitted_at"`
}

// Validate checks the plan carries every required field.
func (p *MitigationPlan) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if strings.TrimSpace(p.SubmittedBy) == "" {
		errs = append(errs, errors.New("submitted_by is required"))
	}
	actions := 0
	for _, a := range p.Actions {
		if strings.TrimSpace(a) != "" {
			actions++
		}
	}
	if actions == 0 {
		errs = append(errs, errors.New("at least one action is required"))
	}
	if p.ExpectedDurationHours < 0 {
		errs = append(errs, errors.New("expected_duration_hours must not be negative"))
	}
	return errors.Join(errs...)
}

// Crisis aggregates the unresolved pressure of one city.
type Crisis struct {
	ID               string             `json:"id"`
	CityID           string             `json:"city_id"`
	RelatedImpactIDs []string           `json:"related_impact_ids"`
	Severity         Severity           `json:"severity"`
	Status           CrisisStatus       `json:"status"`
	Triggers         []string           `json:"triggers"`
	Mitigation       *MitigationPlan    `json:"mitigation,omitempty"`
	Metrics          map[string]float64 `json:"metrics"`
	StartedAt        time.Time          `json:"started_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	MitigatedAt      *time.Time         `json:"mitigated_at,omitempty"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
	ResolutionReason string             `json:"resolution_reason,omitempty"`
}

// HasImpact reports whether effectID is attached.
func (c *Crisis) HasImpact(effectID string) bool {
	return slices.Contains(c.RelatedImpactIDs, effectID)
}

// Clone returns a deep copy.
func (c Crisis) Clone() Crisis {
	c.RelatedImpactIDs = slices.Clone(c.RelatedImpactIDs)
	c.Triggers = slices.Clone(c.Triggers)
	c.Metrics = maps.Clone(c.Metrics)
	if c.Mitigation != nil {
		p := *c.Mitigation
		p.Actions = slices.Clone(p.Actions)
		c.Mitigation = &p
	}
	if c.MitigatedAt != nil {
		t := *c.MitigatedAt
		c.MitigatedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}
