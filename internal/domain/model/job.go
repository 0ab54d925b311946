package model

import (
	"slices"
	"time"
)

// JobStatus is the lifecycle state of a recalculation job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status never changes again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobScope selects which units a job recomputes.
type JobScope string

const (
	ScopeGlobal   JobScope = "global"
	ScopeCities   JobScope = "cities"
	ScopeFactions JobScope = "factions"
	ScopeCustom   JobScope = "custom"
)

// Valid reports whether s is a known scope.
func (s JobScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeCities, ScopeFactions, ScopeCustom:
		return true
	}
	return false
}

// UnitKind is the granularity of recalculation work.
type UnitKind string

const (
	UnitCity    UnitKind = "city"
	UnitFaction UnitKind = "faction"
)

// Unit is one city or one faction.
type Unit struct {
	Kind UnitKind `json:"kind"`
	ID   string   `json:"id"`
}

// Key is a stable map key for the unit.
func (u Unit) Key() string { return string(u.Kind) + ":" + u.ID }

// JobParams parameterizes scope expansion.
type JobParams struct {
	CityIDs    []string `json:"city_ids,omitempty"`
	FactionIDs []string `json:"faction_ids,omitempty"`
	RegionIDs  []string `json:"region_ids,omitempty"`
	Force      bool     `json:"force"`
	// Predicate filters global units for custom scope. Not serialized.
	Predicate func(Unit) bool `json:"-"`
}

// UnitError records one failed unit inside a job.
type UnitError struct {
	Unit     Unit      `json:"unit"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// RecalculationJob is a batch recomputation of derived aggregates.
type RecalculationJob struct {
	ID          string      `json:"id"`
	Status      JobStatus   `json:"status"`
	Scope       JobScope    `json:"scope"`
	Params      JobParams   `json:"params"`
	Total       int         `json:"total"`
	Processed   int         `json:"processed"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Errors      []UnitError `json:"errors,omitempty"`
	RequestedBy string      `json:"requested_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// PartialFailure reports a completed job that captured unit failures.
func (j *RecalculationJob) PartialFailure() bool {
	return j.Status == JobCompleted && j.Failed > 0
}

// Clone returns a deep copy.
func (j RecalculationJob) Clone() RecalculationJob {
	j.Errors = slices.Clone(j.Errors)
	j.Params.CityIDs = slices.Clone(j.Params.CityIDs)
	j.Params.FactionIDs = slices.Clone(j.Params.FactionIDs)
	j.Params.RegionIDs = slices.Clone(j.Params.RegionIDs)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}

// CityAggregate is the derived state of one city.
type CityAggregate struct {
	CityID              string                 `json:"city_id"`
	LedgerVersion       int64                  `json:"ledger_version"`
	ActiveImpacts       int                    `json:"active_impacts"`
	Pressure            float64                `json:"pressure"`
	Profile             map[EffectType]float64 `json:"profile"`
	EconomicIndex       float64                `json:"economic_index"`
	PopulationSentiment float64                `json:"population_sentiment"`
	CrisisStatus        CrisisStatus           `json:"crisis_status,omitempty"`
	CrisisVersion       int64                  `json:"crisis_version"`
}

// FactionAggregate is the derived state of one faction.
type FactionAggregate struct {
	FactionID      string  `json:"faction_id"`
	LedgerVersion  int64   `json:"ledger_version"`
	ControlVersion int64   `json:"control_version"`
	ActiveImpacts  int     `json:"active_impacts"`
	RegionsOwned   int     `json:"regions_owned"`
	TotalControl   int     `json:"total_control"`
	MeanStability  float64 `json:"mean_stability"`
	Trend          Trend   `json:"trend"`
}
