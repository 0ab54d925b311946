package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/adapters/repository/repotest"
	"github.com/okian/worldsim/internal/adapters/repository/sqlite"
	"github.com/okian/worldsim/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	repotest.Contract(t, func(t *testing.T) repotest.Store { return openStore(t) })
}

func TestSQLiteReopen(t *testing.T) {
	Convey("Given a ledger database written and closed", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.db")
		s, err := sqlite.Open(ctx, path)
		So(err, ShouldBeNil)

		now := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.UTC)
		rec := model.ImpactRecord{
			EffectID: "e1", CityID: "c1", EffectType: model.EffectEconomic,
			Severity: model.SeverityLow, Magnitude: -0.25, Status: model.ImpactPending,
			CreatedAt: now, UpdatedAt: now,
		}
		So(s.Insert(ctx, rec), ShouldBeNil)
		_, err = s.BumpVersion(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"})
		So(err, ShouldBeNil)
		So(s.Close(), ShouldBeNil)

		Convey("When it is opened again", func() {
			again, err := sqlite.Open(ctx, path)
			So(err, ShouldBeNil)
			defer again.Close()

			Convey("Then records and versions persist with nanosecond timestamps", func() {
				got, err := again.Get(ctx, "e1")
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.ImpactPending)
				So(got.Magnitude, ShouldEqual, -0.25)
				So(got.CreatedAt.Equal(now), ShouldBeTrue)
				So(got.DecayAt, ShouldBeNil)
				So(got.TriggerRefs, ShouldBeNil)

				v, err := again.Version(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"})
				So(err, ShouldBeNil)
				So(v, ShouldEqual, 1)
			})
		})
	})

	Convey("An empty path is rejected", t, func() {
		_, err := sqlite.Open(context.Background(), "  ")
		So(err, ShouldNotBeNil)
	})
}
