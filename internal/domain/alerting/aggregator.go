// Package alerting summarizes the core over a time window and raises
// advisory alerts when a figure crosses its threshold.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
)

// Impacts reads ledger records per city.
type Impacts interface {
	Snapshot(ctx context.Context, unit model.Unit) ([]model.ImpactRecord, error)
}

// Crises lists crisis records.
type Crises interface {
	All() []model.Crisis
	OpenCount() int
}

// Control lists accepted shifts and current region control.
type Control interface {
	Shifts(from, to time.Time) []model.ShiftRecord
	Regions() []model.RegionControl
}

// Fatigue lists fatigue rows.
type Fatigue interface {
	Rows() []model.FatigueState
}

// Jobs lists recalculation jobs.
type Jobs interface {
	List() []model.RecalculationJob
}

// Sources bundles everything a report reads.
type Sources struct {
	Impacts Impacts
	Crises  Crises
	Control Control
	Fatigue Fatigue
	Jobs    Jobs
}

// Report is a windowed summary of the core.
type Report struct {
	WindowStart           time.Time `json:"window_start"`
	WindowEnd             time.Time `json:"window_end"`
	ImpactsRecorded       int       `json:"impacts_recorded"`
	ControlShifts         int       `json:"control_shifts"`
	OwnershipTransfers    int       `json:"ownership_transfers"`
	ControlShiftRate      float64   `json:"control_shift_rate"`
	FatigueRows           int       `json:"fatigue_rows"`
	FatigueOverflow       int       `json:"fatigue_overflow"`
	FatigueOverflowRate   float64   `json:"fatigue_overflow_rate"`
	CrisesOpened          int       `json:"crises_opened"`
	CrisesResolved        int       `json:"crises_resolved"`
	CrisisSurvivalRatio   float64   `json:"crisis_survival_ratio"`
	CrisisResolutionRatio float64   `json:"crisis_resolution_ratio"`
	OpenCrises            int       `json:"open_crises"`
	JobsCompleted         int       `json:"jobs_completed"`
	JobsFailed            int       `json:"jobs_failed"`
	UnitFailures          int       `json:"unit_failures"`
	Alerts                []string  `json:"alerts"`
}

// Aggregator builds reports. It only reads.
type Aggregator struct {
	dir topology.Directory
	src Sources
	th  Thresholds
	now func() time.Time
	log logger.Logger
}

// New builds an aggregator over src.
func New(dir topology.Directory, src Sources, opts ...Option) *Aggregator {
	a := &Aggregator{
		dir: dir,
		src: src,
		th:  DefaultThresholds(),
		now: func() time.Time { return time.Now().UTC() },
		log: logger.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("alerting")
	return a
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Report summarizes [from, to). Zero bounds default to the configured window
// ending now.
func (a *Aggregator) Report(ctx context.Context, from, to time.Time) (Report, error) {
	const op = "alerting.report"
	if to.IsZero() {
		to = a.now()
	}
	if from.IsZero() {
		from = to.Add(-a.th.Window)
	}
	if !from.Before(to) {
		return Report{}, failure.Validationf(op, "window_start %s is not before window_end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	r := Report{WindowStart: from, WindowEnd: to}

	for _, city := range a.dir.Cities() {
		recs, err := a.src.Impacts.Snapshot(ctx, model.Unit{Kind: model.UnitCity, ID: city})
		if err != nil {
			return Report{}, err
		}
		for i := range recs {
			if within(recs[i].CreatedAt, from, to) {
				r.ImpactsRecorded++
			}
		}
	}

	shifts := a.src.Control.Shifts(from, to)
	r.ControlShifts = len(shifts)
	for _, s := range shifts {
		if s.OwnershipShift {
			r.OwnershipTransfers++
		}
	}
	r.ControlShiftRate = ratio(r.ControlShifts, a.th.ShiftRateLimit)

	for _, row := range a.src.Fatigue.Rows() {
		r.FatigueRows++
		if row.State.Overflowing() {
			r.FatigueOverflow++
		}
	}
	r.FatigueOverflowRate = ratio(r.FatigueOverflow, r.FatigueRows)

	survived := 0
	for _, c := range a.src.Crises.All() {
		if within(c.StartedAt, from, to) {
			r.CrisesOpened++
			if c.ResolvedAt == nil || !c.ResolvedAt.Before(to) {
				survived++
			}
		}
		if c.ResolvedAt != nil && within(*c.ResolvedAt, from, to) {
			r.CrisesResolved++
		}
	}
	r.CrisisSurvivalRatio = ratio(survived, r.CrisesOpened)
	r.CrisisResolutionRatio = ratio(r.CrisesResolved, r.CrisesOpened)
	r.OpenCrises = a.src.Crises.OpenCount()

	for _, j := range a.src.Jobs.List() {
		if j.FinishedAt == nil || !within(*j.FinishedAt, from, to) {
			continue
		}
		switch j.Status {
		case model.JobCompleted:
			r.JobsCompleted++
			r.UnitFailures += j.Failed
		case model.JobFailed:
			r.JobsFailed++
		}
	}

	r.Alerts = a.alerts(&r)
	metrics.UpdateControlShiftRate(r.ControlShiftRate)
	metrics.UpdateFatigueOverflowRate(r.FatigueOverflowRate)
	metrics.UpdateAlertsActive(len(r.Alerts))
	return r, nil
}

func (a *Aggregator) alerts(r *Report) []string {
	out := []string{}
	if a.th.ShiftRateLimit > 0 && r.ControlShiftRate > a.th.ShiftRate {
		out = append(out, fmt.Sprintf("control shift rate %.2f above %.2f (%d shifts, limit %d per window)",
			r.ControlShiftRate, a.th.ShiftRate, r.ControlShifts, a.th.ShiftRateLimit))
	}
	if r.FatigueRows > 0 && r.FatigueOverflowRate > a.th.FatigueOverflow {
		out = append(out, fmt.Sprintf("fatigue overflow rate %.2f above %.2f (%d of %d rows at or past soft cap)",
			r.FatigueOverflowRate, a.th.FatigueOverflow, r.FatigueOverflow, r.FatigueRows))
	}
	if r.CrisesOpened > 0 && r.CrisisSurvivalRatio > a.th.CrisisSurvival {
		out = append(out, fmt.Sprintf("crisis survival ratio %.2f above %.2f (%d opened, %d resolved)",
			r.CrisisSurvivalRatio, a.th.CrisisSurvival, r.CrisesOpened, r.CrisesResolved))
	}
	if r.JobsFailed > 0 {
		out = append(out, fmt.Sprintf("recalculation jobs failed: %d", r.JobsFailed))
	}
	if r.UnitFailures > 0 {
		out = append(out, fmt.Sprintf("recalculation unit failures: %d", r.UnitFailures))
	}
	for _, rc := range a.src.Control.Regions() {
		if rc.ConflictLevel >= model.MaxConflictLevel {
			out = append(out, fmt.Sprintf("region %s at maximum conflict level %d", rc.RegionID, rc.ConflictLevel))
		}
	}
	sort.Strings(out)
	if a.th.MaxAlerts > 0 && len(out) > a.th.MaxAlerts {
		out = out[:a.th.MaxAlerts]
	}
	return out
}

// Run refreshes the summary gauges every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Report(ctx, time.Time{}, time.Time{}); err != nil {
				a.log.Error(ctx, "metrics refresh failed", logger.Error(err))
			}
		}
	}
}
