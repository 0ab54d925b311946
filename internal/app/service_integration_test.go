package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	service "github.com/okian/worldsim/internal/app"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/domain/clock"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/ledger"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	. "github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func quietConfig() *config.Config {
	cfg := config.New()
	cfg.WorkerCount = 2
	cfg.DecaySweepIntervalMS = 0
	cfg.CrisisTickIntervalMS = 0
	cfg.RecalcIntervalSeconds = 0
	cfg.MetricsRefreshIntervalSeconds = 0
	return cfg
}

func critical(city string) ledger.Impact {
	return ledger.Impact{
		CityID:          city,
		SourceFactionID: "rebels",
		EffectType:      model.EffectSecurity,
		Severity:        model.SeverityCritical,
		Magnitude:       -1,
	}
}

func TestServiceIntegration(t *testing.T) {
	Convey("Given a started service on a simulated clock", t, func() {
		clk := clock.NewManual(t0)
		rec := &notify.Recorder{}
		svc, err := service.New(context.Background(),
			service.WithConfig(quietConfig()),
			service.WithClock(clk.Now),
			service.WithSink(rec),
		)
		So(err, ShouldBeNil)
		defer svc.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When enough pressure lands on a city", func() {
			_, err := svc.RecordImpact(ctx, critical("aldport"))
			So(err, ShouldBeNil)
			_, err = svc.RecordImpact(ctx, critical("aldport"))
			So(err, ShouldBeNil)

			Convey("Then recording opens a crisis without a separate evaluation", func() {
				c, err := svc.OpenCrisis(ctx, "aldport")
				So(err, ShouldBeNil)
				So(c.Status, ShouldEqual, model.CrisisActive)
				So(c.RelatedImpactIDs, ShouldHaveLength, 2)
				So(rec.Names(), ShouldContain, notify.CrisisOpened)
			})

			Convey("And further growth escalates it and penalizes the region owner", func() {
				_, err := svc.RecordImpact(ctx, critical("aldport"))
				So(err, ShouldBeNil)

				c, _ := svc.OpenCrisis(ctx, "aldport")
				So(c.Status, ShouldEqual, model.CrisisEscalating)

				st, err := svc.ControlState(ctx, "northmarch", "crown")
				So(err, ShouldBeNil)
				So(st.ControlScore, ShouldEqual, 55)
				So(st.PendingEvents, ShouldContain, c.ID)
			})

			Convey("And the crisis id is accepted as shift evidence", func() {
				c, _ := svc.OpenCrisis(ctx, "aldport")
				rc, err := svc.SubmitControlShift(ctx, model.ControlShiftRequest{
					RegionID:        "northmarch",
					ProposedOwnerID: "rebels",
					Trigger:         model.TriggerLeaderDeath,
					Evidence:        model.Evidence{CrisisIDs: []string{c.ID}},
					ScoreDelta:      30,
				})
				So(err, ShouldBeNil)
				So(rc.Scores["rebels"], ShouldEqual, 40)
			})

			Convey("And resolving the impacts closes the mitigated crisis", func() {
				c, err := svc.SubmitMitigation(ctx, "aldport", model.MitigationPlan{
					Title: "Curfew", Actions: []string{"double the watch"}, SubmittedBy: "gm",
				})
				So(err, ShouldBeNil)
				So(c.Status, ShouldEqual, model.CrisisMitigated)
				for _, id := range c.RelatedImpactIDs {
					_, err := svc.ResolveImpact(ctx, id, "gm")
					So(err, ShouldBeNil)
				}
				_, err = svc.OpenCrisis(ctx, "aldport")
				So(errors.Is(err, failure.ErrNotFound), ShouldBeTrue)
				So(rec.Names(), ShouldContain, notify.CrisisResolved)
			})
		})

		Convey("When a shift lacks evidence", func() {
			_, err := svc.SubmitControlShift(ctx, model.ControlShiftRequest{
				RegionID:        "northmarch",
				ProposedOwnerID: "guild",
				Trigger:         model.TriggerRaidVictory,
				Evidence:        model.Evidence{ImpactIDs: []string{"00000000-0000-0000-0000-000000000000"}},
				ScoreDelta:      10,
			})

			Convey("Then it is rejected as insufficient evidence", func() {
				So(errors.Is(err, failure.ErrInsufficientEvidence), ShouldBeTrue)
			})
		})

		Convey("When experience is gained past the soft cap", func() {
			res, err := svc.RecordXPGain(ctx, "hero", "mining", 1200, "req-1")
			So(err, ShouldBeNil)
			again, err := svc.RecordXPGain(ctx, "hero", "mining", 1200, "req-1")
			So(err, ShouldBeNil)

			Convey("Then the replay is a duplicate and the row overflows", func() {
				So(res.Duplicate, ShouldBeFalse)
				So(again.Duplicate, ShouldBeTrue)
				st, err := svc.Fatigue(ctx, "hero", "mining")
				So(err, ShouldBeNil)
				So(st.DailyXPTotal, ShouldEqual, res.State.DailyXPTotal)
				So(svc.FatigueRows(), ShouldHaveLength, 1)
			})
		})

		Convey("When a global recalculation runs through the worker pool", func() {
			_, err := svc.RecordImpact(ctx, ledger.Impact{
				CityID: "brindle", EffectType: model.EffectEconomic, Severity: model.SeverityMedium, Magnitude: 0.5,
			})
			So(err, ShouldBeNil)
			id, err := svc.SubmitRecalc(ctx, model.ScopeGlobal, model.JobParams{}, "test")
			So(err, ShouldBeNil)
			job, err := svc.WaitJob(ctx, id)
			So(err, ShouldBeNil)

			Convey("Then every unit is computed", func() {
				So(job.Status, ShouldEqual, model.JobCompleted)
				So(job.Total, ShouldEqual, 6)
				So(job.Processed, ShouldEqual, 6)

				city, err := svc.CityAggregate(ctx, "brindle")
				So(err, ShouldBeNil)
				So(city.EconomicIndex, ShouldAlmostEqual, 125)

				crown, err := svc.FactionAggregate(ctx, "crown")
				So(err, ShouldBeNil)
				So(crown.RegionsOwned, ShouldEqual, 1)
			})

			Convey("And a second incremental run skips every unit", func() {
				id, err := svc.SubmitRecalc(ctx, model.ScopeGlobal, model.JobParams{}, "test")
				So(err, ShouldBeNil)
				job, err := svc.WaitJob(ctx, id)
				So(err, ShouldBeNil)
				So(job.Skipped, ShouldEqual, 6)
			})

			Convey("And the summary counts the job", func() {
				r, err := svc.Summary(ctx, t0, t0.Add(time.Hour))
				So(err, ShouldBeNil)
				So(r.JobsCompleted, ShouldEqual, 1)
				So(r.ImpactsRecorded, ShouldEqual, 1)
			})
		})

		Convey("When an impact decays", func() {
			decay := t0.Add(time.Hour)
			in := critical("caldera")
			in.DecayAt = &decay
			id, err := svc.RecordImpact(ctx, in)
			So(err, ShouldBeNil)

			clk.Advance(2 * time.Hour)
			decayed, err := svc.Sweep(ctx)

			Convey("Then the sweep resolves it", func() {
				So(err, ShouldBeNil)
				So(decayed, ShouldHaveLength, 1)
				got, _ := svc.Impact(ctx, id)
				So(got.Status, ShouldEqual, model.ImpactResolved)
				trail, err := svc.ImpactAudit(ctx, id)
				So(err, ShouldBeNil)
				So(trail[len(trail)-1].Action, ShouldEqual, model.AuditDecayed)
			})
		})
	})
}

func TestServiceWithSQLite(t *testing.T) {
	Convey("Given a service backed by a SQLite ledger", t, func() {
		cfg := quietConfig()
		cfg.StorePath = filepath.Join(t.TempDir(), "ledger.db")
		ctx := context.Background()

		svc, err := service.New(ctx, service.WithConfig(cfg))
		So(err, ShouldBeNil)
		id, err := svc.RecordImpact(ctx, critical("caldera"))
		So(err, ShouldBeNil)
		svc.Stop()

		Convey("When the service is rebuilt on the same file", func() {
			again, err := service.New(ctx, service.WithConfig(cfg))
			So(err, ShouldBeNil)
			defer again.Stop()

			Convey("Then the recorded impact survives", func() {
				rec, err := again.Impact(ctx, id)
				So(err, ShouldBeNil)
				So(rec.CityID, ShouldEqual, "caldera")
				active, err := again.ActiveImpacts(ctx, model.Unit{Kind: model.UnitCity, ID: "caldera"})
				So(err, ShouldBeNil)
				So(active, ShouldHaveLength, 1)
			})
		})
	})
}
