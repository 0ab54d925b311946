// Package repotest holds the behavioural contract every ImpactStore must satisfy.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// Store is what the contract exercises.
type Store interface {
	repository.ImpactStore
	repository.AggregateStore
}

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func record(id, city, faction string, decayIn time.Duration) model.ImpactRecord {
	r := model.ImpactRecord{
		EffectID:        id,
		CityID:          city,
		SourceFactionID: faction,
		EffectType:      model.EffectSocial,
		Severity:        model.SeverityMedium,
		Magnitude:       0.4,
		Status:          model.ImpactActive,
		TriggerRefs:     []string{"order-" + id},
		CreatedAt:       base,
		UpdatedAt:       base,
	}
	if decayIn != 0 {
		d := base.Add(decayIn)
		r.DecayAt = &d
	}
	return r
}

// Contract runs the shared store behaviour against stores built by open.
func Contract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	Convey("Given an empty impact store", t, func() {
		s := open(t)

		Convey("When records are inserted", func() {
			So(s.Insert(ctx, record("b", "c1", "f1", time.Hour)), ShouldBeNil)
			So(s.Insert(ctx, record("a", "c1", "", 0)), ShouldBeNil)
			So(s.Insert(ctx, record("c", "c2", "f1", -time.Minute)), ShouldBeNil)

			Convey("Then they round trip", func() {
				got, err := s.Get(ctx, "b")
				So(err, ShouldBeNil)
				So(got.CityID, ShouldEqual, "c1")
				So(got.TriggerRefs, ShouldResemble, []string{"order-b"})
				So(got.DecayAt.Equal(base.Add(time.Hour)), ShouldBeTrue)
				So(got.CreatedAt.Equal(base), ShouldBeTrue)
			})

			Convey("Then duplicates and unknown ids are reported", func() {
				So(errors.Is(s.Insert(ctx, record("a", "c1", "", 0)), repository.ErrDuplicate), ShouldBeTrue)
				_, err := s.Get(ctx, "zzz")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				So(errors.Is(s.Update(ctx, record("zzz", "c1", "", 0)), repository.ErrNotFound), ShouldBeTrue)
			})

			Convey("Then listings are indexed and ordered by id", func() {
				city, err := s.ListByCity(ctx, "c1")
				So(err, ShouldBeNil)
				So(len(city), ShouldEqual, 2)
				So(city[0].EffectID, ShouldEqual, "a")
				So(city[1].EffectID, ShouldEqual, "b")

				faction, err := s.ListByFaction(ctx, "f1")
				So(err, ShouldBeNil)
				So(len(faction), ShouldEqual, 2)
				So(faction[0].EffectID, ShouldEqual, "b")
			})

			Convey("Then only applying records past decay are due", func() {
				due, err := s.ListDue(ctx, base, 10)
				So(err, ShouldBeNil)
				So(len(due), ShouldEqual, 1)
				So(due[0].EffectID, ShouldEqual, "c")

				due, err = s.ListDue(ctx, base.Add(2*time.Hour), 10)
				So(err, ShouldBeNil)
				So(len(due), ShouldEqual, 2)
				So(due[0].EffectID, ShouldEqual, "c")

				due, err = s.ListDue(ctx, base.Add(2*time.Hour), 1)
				So(err, ShouldBeNil)
				So(len(due), ShouldEqual, 1)
			})

			Convey("Then updates change status and clear due-ness", func() {
				rec, _ := s.Get(ctx, "c")
				rec.Status = model.ImpactResolved
				rec.LinkedCrisisID = "crisis-1"
				rec.UpdatedAt = base.Add(time.Minute)
				So(s.Update(ctx, rec), ShouldBeNil)

				got, _ := s.Get(ctx, "c")
				So(got.Status, ShouldEqual, model.ImpactResolved)
				So(got.LinkedCrisisID, ShouldEqual, "crisis-1")
				due, _ := s.ListDue(ctx, base, 10)
				So(due, ShouldBeEmpty)
			})
		})

		Convey("When audit entries are appended", func() {
			e1, err := s.AppendAudit(ctx, model.AuditEntry{EffectID: "a", Action: model.AuditRecorded, To: model.ImpactActive, At: base})
			So(err, ShouldBeNil)
			e2, err := s.AppendAudit(ctx, model.AuditEntry{EffectID: "a", Action: model.AuditResolved, From: model.ImpactActive, To: model.ImpactResolved, Actor: "gm", At: base})
			So(err, ShouldBeNil)
			_, err = s.AppendAudit(ctx, model.AuditEntry{EffectID: "b", Action: model.AuditRecorded, To: model.ImpactActive, At: base})
			So(err, ShouldBeNil)

			Convey("Then sequence numbers increase and trails are per record", func() {
				So(e2.Seq, ShouldBeGreaterThan, e1.Seq)
				trail, err := s.Audit(ctx, "a")
				So(err, ShouldBeNil)
				So(len(trail), ShouldEqual, 2)
				So(trail[1].Action, ShouldEqual, model.AuditResolved)
				So(trail[1].Actor, ShouldEqual, "gm")
			})
		})

		Convey("When a record is created with its audit entry and version bumps", func() {
			city := model.Unit{Kind: model.UnitCity, ID: "c1"}
			faction := model.Unit{Kind: model.UnitFaction, ID: "f1"}
			entry := model.AuditEntry{EffectID: "n", Action: model.AuditRecorded, To: model.ImpactActive, Actor: "gm", At: base}
			So(s.Create(ctx, record("n", "c1", "f1", 0), entry, []model.Unit{city, faction}), ShouldBeNil)

			Convey("Then all three writes are visible", func() {
				got, err := s.Get(ctx, "n")
				So(err, ShouldBeNil)
				So(got.SourceFactionID, ShouldEqual, "f1")
				trail, _ := s.Audit(ctx, "n")
				So(len(trail), ShouldEqual, 1)
				So(trail[0].Action, ShouldEqual, model.AuditRecorded)
				So(trail[0].Actor, ShouldEqual, "gm")
				v, _ := s.Version(ctx, city)
				So(v, ShouldEqual, 1)
				v, _ = s.Version(ctx, faction)
				So(v, ShouldEqual, 1)
			})

			Convey("Then creating the same id again changes nothing", func() {
				err := s.Create(ctx, record("n", "c1", "f1", 0), entry, []model.Unit{city, faction})
				So(errors.Is(err, repository.ErrDuplicate), ShouldBeTrue)
				trail, _ := s.Audit(ctx, "n")
				So(len(trail), ShouldEqual, 1)
				v, _ := s.Version(ctx, city)
				So(v, ShouldEqual, 1)
			})
		})

		Convey("When unit versions are bumped", func() {
			city := model.Unit{Kind: model.UnitCity, ID: "c1"}
			v0, err := s.Version(ctx, city)
			So(err, ShouldBeNil)
			So(v0, ShouldEqual, 0)
			s.BumpVersion(ctx, city)
			v2, err := s.BumpVersion(ctx, city)
			So(err, ShouldBeNil)

			Convey("Then the counter is monotonic per unit", func() {
				So(v2, ShouldEqual, 2)
				other, _ := s.Version(ctx, model.Unit{Kind: model.UnitFaction, ID: "c1"})
				So(other, ShouldEqual, 0)
			})
		})

		Convey("When aggregates are stored", func() {
			u := model.Unit{Kind: model.UnitCity, ID: "c1"}
			_, ok, err := s.GetAggregate(ctx, u)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
			So(s.PutAggregate(ctx, u, []byte(`{"v":1}`)), ShouldBeNil)
			So(s.PutAggregate(ctx, u, []byte(`{"v":2}`)), ShouldBeNil)

			Convey("Then the latest payload is returned", func() {
				p, ok, err := s.GetAggregate(ctx, u)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(string(p), ShouldEqual, `{"v":2}`)
			})
		})

		Convey("When the store is closed", func() {
			So(s.Close(), ShouldBeNil)

			Convey("Then ping fails", func() {
				So(s.Ping(ctx), ShouldNotBeNil)
			})
		})
	})
}
