package alerting_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/domain/alerting"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/topology"
	. "github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func ptr(t time.Time) *time.Time { return &t }

type fakeImpacts map[string][]model.ImpactRecord

func (f fakeImpacts) Snapshot(_ context.Context, u model.Unit) ([]model.ImpactRecord, error) {
	return f[u.ID], nil
}

type fakeCrises struct {
	all  []model.Crisis
	open int
}

func (f *fakeCrises) All() []model.Crisis { return f.all }
func (f *fakeCrises) OpenCount() int      { return f.open }

type fakeControl struct {
	shifts  []model.ShiftRecord
	regions []model.RegionControl
}

func (f *fakeControl) Shifts(from, to time.Time) []model.ShiftRecord {
	var out []model.ShiftRecord
	for _, s := range f.shifts {
		if !s.At.Before(from) && s.At.Before(to) {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeControl) Regions() []model.RegionControl { return f.regions }

type fakeFatigue []model.FatigueState

func (f fakeFatigue) Rows() []model.FatigueState { return f }

type fakeJobs []model.RecalculationJob

func (f fakeJobs) List() []model.RecalculationJob { return f }

type fixture struct {
	impacts fakeImpacts
	crises  *fakeCrises
	control *fakeControl
	fatigue fakeFatigue
	jobs    fakeJobs
}

func newFixture() *fixture {
	return &fixture{
		impacts: fakeImpacts{},
		crises:  &fakeCrises{},
		control: &fakeControl{},
	}
}

func (f *fixture) aggregator(t *testing.T, opts ...alerting.Option) *alerting.Aggregator {
	t.Helper()
	dir, err := topology.NewStatic(topology.Spec{
		Factions: []string{"crown", "rebels"},
		Regions: []topology.Region{
			{ID: "north", Cities: []string{"C1", "C2"}, Owner: "crown", Scores: map[string]int{"crown": 60, "rebels": 20}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]alerting.Option{alerting.WithClock(func() time.Time { return at(time.Hour) })}, opts...)
	return alerting.New(dir, alerting.Sources{
		Impacts: f.impacts,
		Crises:  f.crises,
		Control: f.control,
		Fatigue: f.fatigue,
		Jobs:    f.jobs,
	}, opts...)
}

func TestReportCounts(t *testing.T) {
	ctx := context.Background()

	Convey("Given activity inside and outside the window", t, func() {
		f := newFixture()
		f.impacts["C1"] = []model.ImpactRecord{
			{EffectID: "e1", CityID: "C1", CreatedAt: at(10 * time.Minute)},
			{EffectID: "e2", CityID: "C1", CreatedAt: at(-time.Minute)},
		}
		f.impacts["C2"] = []model.ImpactRecord{
			{EffectID: "e3", CityID: "C2", CreatedAt: at(59 * time.Minute)},
			{EffectID: "e4", CityID: "C2", CreatedAt: at(time.Hour)},
		}
		f.control.shifts = []model.ShiftRecord{
			{RegionID: "north", At: at(time.Minute), OwnershipShift: true},
			{RegionID: "north", At: at(2 * time.Minute)},
			{RegionID: "north", At: at(-2 * time.Minute)},
		}
		f.fatigue = fakeFatigue{
			{CharacterID: "a", Skill: "smithing", State: model.FatigueNormal},
			{CharacterID: "a", Skill: "mining", State: model.FatigueSoftCap},
			{CharacterID: "b", Skill: "mining", State: model.FatigueApproachingCap},
			{CharacterID: "c", Skill: "mining", State: model.FatigueNormal},
		}
		f.crises.all = []model.Crisis{
			{ID: "k1", CityID: "C1", StartedAt: at(5 * time.Minute), Status: model.CrisisEscalating},
			{ID: "k2", CityID: "C2", StartedAt: at(6 * time.Minute), Status: model.CrisisResolved, ResolvedAt: ptr(at(30 * time.Minute))},
			{ID: "k0", CityID: "C2", StartedAt: at(-3 * time.Hour), Status: model.CrisisResolved, ResolvedAt: ptr(at(-2 * time.Hour))},
		}
		f.crises.open = 1
		f.jobs = fakeJobs{
			{ID: "j1", Status: model.JobCompleted, FinishedAt: ptr(at(20 * time.Minute))},
			{ID: "j2", Status: model.JobCompleted, Failed: 2, FinishedAt: ptr(at(21 * time.Minute))},
			{ID: "j3", Status: model.JobRunning},
			{ID: "j4", Status: model.JobFailed, FinishedAt: ptr(at(-time.Hour))},
		}
		agg := f.aggregator(t)

		Convey("When the window is the first hour", func() {
			r, err := agg.Report(ctx, t0, at(time.Hour))
			So(err, ShouldBeNil)

			Convey("Then only events in [start, end) are counted", func() {
				So(r.ImpactsRecorded, ShouldEqual, 2)
				So(r.ControlShifts, ShouldEqual, 2)
				So(r.OwnershipTransfers, ShouldEqual, 1)
				So(r.ControlShiftRate, ShouldAlmostEqual, 0.2)
				So(r.FatigueRows, ShouldEqual, 4)
				So(r.FatigueOverflow, ShouldEqual, 1)
				So(r.FatigueOverflowRate, ShouldAlmostEqual, 0.25)
				So(r.CrisesOpened, ShouldEqual, 2)
				So(r.CrisesResolved, ShouldEqual, 1)
				So(r.CrisisSurvivalRatio, ShouldAlmostEqual, 0.5)
				So(r.CrisisResolutionRatio, ShouldAlmostEqual, 0.5)
				So(r.OpenCrises, ShouldEqual, 1)
				So(r.JobsCompleted, ShouldEqual, 2)
				So(r.JobsFailed, ShouldEqual, 0)
				So(r.UnitFailures, ShouldEqual, 2)
			})

			Convey("Then only the unit failures raise an alert", func() {
				So(r.Alerts, ShouldResemble, []string{"recalculation unit failures: 2"})
			})
		})

		Convey("When no bounds are given", func() {
			r, err := agg.Report(ctx, time.Time{}, time.Time{})
			So(err, ShouldBeNil)

			Convey("Then the configured window ending now is used", func() {
				So(r.WindowStart.Equal(t0), ShouldBeTrue)
				So(r.WindowEnd.Equal(at(time.Hour)), ShouldBeTrue)
			})
		})

		Convey("When the window is inverted", func() {
			_, err := agg.Report(ctx, at(time.Hour), t0)

			Convey("Then it is a validation error", func() {
				So(errors.Is(err, failure.ErrValidation), ShouldBeTrue)
			})
		})
	})
}

func TestReportAlerts(t *testing.T) {
	ctx := context.Background()

	Convey("Given a busy world", t, func() {
		f := newFixture()
		for i := range 12 {
			f.control.shifts = append(f.control.shifts, model.ShiftRecord{RegionID: "north", At: at(time.Duration(i) * time.Minute)})
		}
		f.fatigue = fakeFatigue{
			{CharacterID: "a", Skill: "mining", State: model.FatigueExhausted},
			{CharacterID: "b", Skill: "mining", State: model.FatigueNormal},
		}
		f.crises.all = []model.Crisis{
			{ID: "k1", CityID: "C1", StartedAt: at(time.Minute), Status: model.CrisisEscalating},
		}
		f.crises.open = 1
		f.jobs = fakeJobs{{ID: "j1", Status: model.JobFailed, FinishedAt: ptr(at(time.Minute))}}
		f.control.regions = []model.RegionControl{{RegionID: "north", ConflictLevel: model.MaxConflictLevel}}

		Convey("When a report is built", func() {
			r, err := f.aggregator(t).Report(ctx, t0, at(time.Hour))
			So(err, ShouldBeNil)

			Convey("Then every threshold raises an alert in sorted order", func() {
				So(r.Alerts, ShouldHaveLength, 5)
				So(r.Alerts[0], ShouldStartWith, "control shift rate 1.20")
				So(r.Alerts[1], ShouldStartWith, "crisis survival ratio 1.00")
				So(r.Alerts[2], ShouldStartWith, "fatigue overflow rate 0.50")
				So(r.Alerts[3], ShouldEqual, "recalculation jobs failed: 1")
				So(r.Alerts[4], ShouldEqual, "region north at maximum conflict level 5")
			})
		})

		Convey("When the alert list is capped", func() {
			th := alerting.DefaultThresholds()
			th.MaxAlerts = 2
			r, err := f.aggregator(t, alerting.WithThresholds(th)).Report(ctx, t0, at(time.Hour))
			So(err, ShouldBeNil)

			Convey("Then only the first alerts are kept", func() {
				So(r.Alerts, ShouldHaveLength, 2)
				So(strings.HasPrefix(r.Alerts[0], "control shift rate"), ShouldBeTrue)
			})
		})
	})
}

func TestReportEmpty(t *testing.T) {
	Convey("Given a quiet world", t, func() {
		r, err := newFixture().aggregator(t).Report(context.Background(), t0, at(time.Hour))

		Convey("Then every ratio is zero and there are no alerts", func() {
			So(err, ShouldBeNil)
			So(r.ControlShiftRate, ShouldEqual, 0)
			So(r.FatigueOverflowRate, ShouldEqual, 0)
			So(r.CrisisSurvivalRatio, ShouldEqual, 0)
			So(r.Alerts, ShouldBeEmpty)
		})
	})
}
