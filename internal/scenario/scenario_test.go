package scenario_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/scenario"
	"github.com/okian/worldsim/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func TestParse(t *testing.T) {
	Convey("Given scenario documents", t, func() {
		Convey("When the example file is loaded", func() {
			f, err := scenario.Load(filepath.Join("testdata", "border_unrest.yaml"))

			Convey("Then every step is decoded", func() {
				So(err, ShouldBeNil)
				So(f.Name, ShouldEqual, "border unrest")
				So(f.Start.Equal(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)), ShouldBeTrue)
				So(f.Steps, ShouldHaveLength, 13)
				So(f.Steps[10].Duration, ShouldEqual, 2*time.Minute)
				So(f.Steps[2].Evidence, ShouldResemble, []string{"crisis:aldport"})
			})
		})

		Convey("When the file is missing", func() {
			_, err := scenario.Load(filepath.Join("testdata", "missing.yaml"))

			Convey("Then loading fails", func() {
				So(errors.Is(err, scenario.ErrLoad), ShouldBeTrue)
			})
		})

		Convey("When a step carries an unknown key", func() {
			_, err := scenario.Parse([]byte("steps:\n  - kind: impact\n    colour: red\n"))

			Convey("Then decoding fails", func() {
				So(errors.Is(err, scenario.ErrLoad), ShouldBeTrue)
			})
		})

		Convey("When documents are malformed", func() {
			cases := []struct{ name, doc string }{
				{"no steps", "name: empty\n"},
				{"unknown kind", "steps:\n  - kind: teleport\n"},
				{"resolve no ref", "steps:\n  - kind: resolve\n"},
				{"advance no time", "steps:\n  - kind: advance\n"},
				{"duplicate refs", "steps:\n  - {kind: impact, ref: a}\n  - {kind: impact, ref: a}\n"},
				{"negative advance", "steps:\n  - {kind: advance, duration: -1m}\n"},
			}
			for _, tc := range cases {
				Convey("Then "+tc.name+" is rejected", func() {
					_, err := scenario.Parse([]byte(tc.doc))
					So(errors.Is(err, scenario.ErrInvalidStep), ShouldBeTrue)
				})
			}
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given the border unrest scenario", t, func() {
		f, err := scenario.Load(filepath.Join("testdata", "border_unrest.yaml"))
		So(err, ShouldBeNil)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		Convey("When it is replayed", func() {
			res, err := scenario.NewRunner().Run(ctx, f)
			So(err, ShouldBeNil)

			Convey("Then expected rejections are recorded", func() {
				So(res.Steps, ShouldHaveLength, 13)
				So(res.Failures, ShouldEqual, 2)
				So(res.Steps[3].Code, ShouldEqual, "cooldown_active")
				So(res.Steps[12].Code, ShouldEqual, "validation_error")
				So(res.Steps[6].Detail, ShouldContainSubstring, "duplicate")
			})

			Convey("Then the crisis ran its full lifecycle", func() {
				So(res.Crises, ShouldHaveLength, 1)
				So(res.Crises[0].Status, ShouldEqual, model.CrisisResolved)
				So(res.Crises[0].Mitigation, ShouldNotBeNil)
			})

			Convey("Then the evidenced shift moved control", func() {
				var north model.RegionControl
				for _, rc := range res.Regions {
					if rc.RegionID == "northmarch" {
						north = rc
					}
				}
				So(north.Scores["rebels"], ShouldEqual, 40)
				So(north.OwnerFactionID, ShouldEqual, "crown")
			})

			Convey("Then fatigue and recalculation are reported", func() {
				So(res.Fatigue, ShouldHaveLength, 1)
				So(res.Fatigue[0].DailyXPTotal, ShouldBeGreaterThan, 600)
				So(res.Fatigue[0].DailyXPTotal, ShouldBeLessThan, 1200)
				So(res.Jobs, ShouldHaveLength, 1)
				So(res.Jobs[0].Status, ShouldEqual, model.JobCompleted)
				So(res.Jobs[0].Total, ShouldEqual, 6)
				So(res.End.Sub(res.Start), ShouldEqual, 2*time.Minute)
				So(res.Report.CrisesOpened, ShouldEqual, 1)
				So(res.Report.CrisesResolved, ShouldEqual, 1)
			})

			Convey("Then the report renders every table", func() {
				var buf bytes.Buffer
				scenario.Render(&buf, res)
				out := buf.String()
				for _, title := range []string{"Steps", "Crises", "Region control", "Fatigue", "Recalculation jobs", "Summary", "Alerts"} {
					So(out, ShouldContainSubstring, title)
				}
				So(out, ShouldContainSubstring, "northmarch")
				So(out, ShouldContainSubstring, "cooldown_active")
			})
		})

		Convey("When a step contradicts its expectation", func() {
			f.Steps[3].Expect = scenario.ExpectOK
			_, err := scenario.NewRunner().Run(ctx, f)

			Convey("Then the replay stops", func() {
				So(errors.Is(err, scenario.ErrExpectation), ShouldBeTrue)
			})
		})

		Convey("When a step references an unknown impact", func() {
			doc := "steps:\n  - {kind: resolve, ref: ghost}\n"
			g, err := scenario.Parse([]byte(doc))
			So(err, ShouldBeNil)
			_, err = scenario.NewRunner().Run(ctx, g)

			Convey("Then the replay stops", func() {
				So(errors.Is(err, scenario.ErrUnknownRef), ShouldBeTrue)
			})
		})
	})
}
