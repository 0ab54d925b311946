package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/adapters/repository/repotest"
	"github.com/okian/worldsim/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryContract(t *testing.T) {
	repotest.Contract(t, func(*testing.T) repotest.Store { return repository.NewMemory() })
}

func TestMemoryIsolation(t *testing.T) {
	Convey("Given a memory store holding a record", t, func() {
		ctx := context.Background()
		m := repository.NewMemory()
		rec := model.ImpactRecord{EffectID: "x", CityID: "c1", Status: model.ImpactActive, TriggerRefs: []string{"t"}}
		So(m.Insert(ctx, rec), ShouldBeNil)

		Convey("Then callers cannot mutate stored state through returned values", func() {
			got, _ := m.Get(ctx, "x")
			got.TriggerRefs[0] = "mutated"
			again, _ := m.Get(ctx, "x")
			So(again.TriggerRefs[0], ShouldEqual, "t")
		})

		Convey("Then updates cannot move a record to another city", func() {
			rec.CityID = "c2"
			So(m.Update(ctx, rec), ShouldBeNil)
			got, _ := m.Get(ctx, "x")
			So(got.CityID, ShouldEqual, "c1")
			So(m.Len(), ShouldEqual, 1)
		})

		Convey("Then a cancelled context is honoured", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := m.Get(cctx, "x")
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}
