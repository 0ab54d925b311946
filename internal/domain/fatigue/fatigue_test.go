package fatigue_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/domain/clock"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/fatigue"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/topology"
	. "github.com/smartystreets/goconvey/convey"
)

var noon = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func TestCalculator(t *testing.T) {
	p := fatigue.Params{SoftCap: 100, MinMultiplier: 0.1}

	Convey("Multiplier is 1 within the cap and diminishing beyond it", t, func() {
		So(fatigue.Multiplier(0, 100, p), ShouldEqual, 1)
		So(fatigue.Multiplier(90, 30, p), ShouldAlmostEqual, 100.0/120)
		So(fatigue.Multiplier(5000, 10, p), ShouldEqual, 0.1)
	})

	Convey("Multiplier is non-increasing in the daily total and always positive", t, func() {
		prev := math.Inf(1)
		for total := 0.0; total <= 3000; total += 25 {
			m := fatigue.Multiplier(total, 10, p)
			So(m, ShouldBeLessThanOrEqualTo, prev)
			So(m, ShouldBeGreaterThan, 0)
			prev = m
		}
	})

	Convey("Levels follow the ratio bands", t, func() {
		So(fatigue.Level(80, 100), ShouldEqual, model.FatigueNormal)
		So(fatigue.Level(81, 100), ShouldEqual, model.FatigueApproachingCap)
		So(fatigue.Level(100, 100), ShouldEqual, model.FatigueApproachingCap)
		So(fatigue.Level(150, 100), ShouldEqual, model.FatigueSoftCap)
		So(fatigue.Level(151, 100), ShouldEqual, model.FatigueExhausted)
	})

	Convey("Apply accrues the awarded amount and keeps the score non-decreasing", t, func() {
		s := fatigue.Fresh("hero", "smithing", p, noon)
		So(s.ResetAt, ShouldEqual, time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC))

		s, awarded, mult := fatigue.Apply(s, 90, p, noon)
		So(awarded, ShouldEqual, 90)
		So(mult, ShouldEqual, 1)
		So(s.State, ShouldEqual, model.FatigueApproachingCap)

		s2, awarded2, mult2 := fatigue.Apply(s, 30, p, noon)
		So(mult2, ShouldAlmostEqual, 100.0/120)
		So(awarded2, ShouldAlmostEqual, 25)
		So(s2.DailyXPTotal, ShouldAlmostEqual, 115)
		So(s2.FatigueScore, ShouldBeGreaterThanOrEqualTo, s.FatigueScore)
		So(s2.State, ShouldEqual, model.FatigueSoftCap)
	})

	Convey("Reset happens exactly at resetAt and advances by whole days", t, func() {
		s := fatigue.Fresh("hero", "smithing", p, noon)
		s, _, _ = fatigue.Apply(s, 50, p, noon)

		before := fatigue.Reset(s, s.ResetAt.Add(-time.Nanosecond))
		So(before.DailyXPTotal, ShouldEqual, 50)

		at := fatigue.Reset(s, s.ResetAt)
		So(at.DailyXPTotal, ShouldEqual, 0)
		So(at.FatigueScore, ShouldEqual, 0)
		So(at.ResetAt, ShouldEqual, s.ResetAt.Add(24*time.Hour))

		later := fatigue.Reset(s, s.ResetAt.Add(50*time.Hour))
		So(later.ResetAt, ShouldEqual, s.ResetAt.Add(72*time.Hour))
	})
}

func newTracker(t *testing.T, clk *clock.Manual, roster ...string) *fatigue.Tracker {
	t.Helper()
	dir, err := topology.NewStatic(topology.Spec{Characters: roster})
	if err != nil {
		t.Fatal(err)
	}
	return fatigue.NewTracker(dir,
		fatigue.WithClock(clk.Now),
		fatigue.WithSoftCaps(100, map[string]float64{"alchemy": 50}),
		fatigue.WithMinMultiplier(0.1),
	)
}

func TestTracker(t *testing.T) {
	ctx := context.Background()

	Convey("Given a tracker", t, func() {
		clk := clock.NewManual(noon)
		tr := newTracker(t, clk, "hero", "sage")

		Convey("When gains are recorded against per-skill caps", func() {
			r1, err := tr.RecordGain(ctx, "hero", "alchemy", 40, "")
			So(err, ShouldBeNil)
			r2, err := tr.RecordGain(ctx, "hero", "alchemy", 20, "")
			So(err, ShouldBeNil)

			Convey("Then the skill's own cap applies", func() {
				So(r1.Awarded, ShouldEqual, 40)
				So(r2.Multiplier, ShouldAlmostEqual, 50.0/60)
				So(r2.State.SoftCap, ShouldEqual, 50)
				st, _ := tr.State(ctx, "hero", "alchemy")
				So(st.DailyXPTotal, ShouldAlmostEqual, r2.State.DailyXPTotal)
			})
		})

		Convey("When a request id is replayed", func() {
			first, err := tr.RecordGain(ctx, "sage", "lore", 30, "req-1")
			So(err, ShouldBeNil)
			again, err := tr.RecordGain(ctx, "sage", "lore", 30, "req-1")
			So(err, ShouldBeNil)

			Convey("Then nothing is accrued twice", func() {
				So(again.Duplicate, ShouldBeTrue)
				So(again.Awarded, ShouldEqual, 0)
				So(again.State.DailyXPTotal, ShouldEqual, first.State.DailyXPTotal)
			})
		})

		Convey("When the day rolls over", func() {
			tr.RecordGain(ctx, "hero", "smithing", 95, "")
			clk.Advance(12 * time.Hour)
			st, err := tr.State(ctx, "hero", "smithing")

			Convey("Then the next read sees a reset row", func() {
				So(err, ShouldBeNil)
				So(st.DailyXPTotal, ShouldEqual, 0)
				So(st.State, ShouldEqual, model.FatigueNormal)
				So(st.ResetAt, ShouldEqual, time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC))
			})
		})

		Convey("When inputs are invalid", func() {
			_, err := tr.RecordGain(ctx, "hero", "smithing", 0, "")
			So(errors.Is(err, failure.ErrValidation), ShouldBeTrue)
			_, err = tr.RecordGain(ctx, "hero", "smithing", math.NaN(), "")
			So(errors.Is(err, failure.ErrValidation), ShouldBeTrue)
			_, err = tr.RecordGain(ctx, "hero", "", 5, "")
			So(errors.Is(err, fatigue.ErrMissingSkill), ShouldBeTrue)
			_, err = tr.RecordGain(ctx, "villain", "smithing", 5, "")
			So(errors.Is(err, failure.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Given concurrent gains on one row", t, func() {
		clk := clock.NewManual(noon)
		tr := newTracker(t, clk)
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr.RecordGain(ctx, "hero", "smithing", 1, "")
			}()
		}
		wg.Wait()

		Convey("Then no update is lost", func() {
			st, err := tr.State(ctx, "hero", "smithing")
			So(err, ShouldBeNil)
			So(st.DailyXPTotal, ShouldEqual, 50)
			So(len(tr.Rows()), ShouldEqual, 1)
		})
	})
}
