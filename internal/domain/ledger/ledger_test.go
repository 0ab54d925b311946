package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/domain/clock"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/ledger"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/internal/domain/retry"
	"github.com/okian/worldsim/internal/domain/topology"
	. "github.com/smartystreets/goconvey/convey"
)

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func directory(t *testing.T) topology.Directory {
	t.Helper()
	d, err := topology.NewStatic(topology.Spec{
		Factions: []string{"crown", "guild"},
		Regions: []topology.Region{
			{ID: "north", Cities: []string{"c1", "c2"}, Owner: "crown", Scores: map[string]int{"crown": 10}},
		},
	})
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	return d
}

type decayRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (d *decayRecorder) OnImpactDecayed(_ context.Context, rec model.ImpactRecord) {
	d.mu.Lock()
	d.ids = append(d.ids, rec.EffectID)
	d.mu.Unlock()
}

// splitStore rejects the piecemeal audit write and fails the first create.
type splitStore struct {
	*repository.Memory
	mu          sync.Mutex
	createFails int
}

func (s *splitStore) AppendAudit(context.Context, model.AuditEntry) (model.AuditEntry, error) {
	return model.AuditEntry{}, errors.New("audit table locked")
}

func (s *splitStore) Create(ctx context.Context, rec model.ImpactRecord, entry model.AuditEntry, units []model.Unit) error {
	s.mu.Lock()
	if s.createFails > 0 {
		s.createFails--
		s.mu.Unlock()
		return errors.New("transaction aborted")
	}
	s.mu.Unlock()
	return s.Memory.Create(ctx, rec, entry, units)
}

func impact(city string, sev model.Severity, mag float64) ledger.Impact {
	return ledger.Impact{CityID: city, EffectType: model.EffectEconomic, Severity: sev, Magnitude: mag}
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	Convey("Given a ledger", t, func() {
		clk := clock.NewManual(start)
		store := repository.NewMemory()
		l := ledger.New(store, directory(t), ledger.WithClock(clk.Now))

		Convey("When a valid impact is recorded", func() {
			in := impact("c1", model.SeverityHigh, -0.5)
			in.SourceFactionID = "guild"
			in.TriggerRefs = []string{"order-9"}
			id, err := l.Record(ctx, in)
			So(err, ShouldBeNil)

			Convey("Then it is stored active with an audit line and bumped versions", func() {
				_, perr := uuid.Parse(id)
				So(perr, ShouldBeNil)
				rec, err := l.Get(ctx, id)
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, model.ImpactActive)
				So(rec.CreatedAt, ShouldEqual, start)

				trail, err := l.Audit(ctx, id)
				So(err, ShouldBeNil)
				So(len(trail), ShouldEqual, 1)
				So(trail[0].Action, ShouldEqual, model.AuditRecorded)

				v, _ := l.Version(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"})
				So(v, ShouldEqual, 1)
				fv, _ := l.Version(ctx, model.Unit{Kind: model.UnitFaction, ID: "guild"})
				So(fv, ShouldEqual, 1)
			})
		})

		Convey("When inputs are out of bounds", func() {
			cases := map[string]ledger.Impact{
				"unknown city":     impact("atlantis", model.SeverityLow, 0.1),
				"magnitude high":   impact("c1", model.SeverityLow, 1.01),
				"magnitude low":    impact("c1", model.SeverityLow, -1.5),
				"bad severity":     impact("c1", model.Severity("extreme"), 0.1),
				"bad effect type":  {CityID: "c1", EffectType: "magic", Severity: model.SeverityLow, Magnitude: 0.1},
				"resolved initial": {CityID: "c1", EffectType: model.EffectSocial, Severity: model.SeverityLow, Magnitude: 0.1, Status: model.ImpactResolved},
				"unknown faction":  {CityID: "c1", SourceFactionID: "pirates", EffectType: model.EffectSocial, Severity: model.SeverityLow, Magnitude: 0.1},
				"non uuid id":      {EffectID: "abc", CityID: "c1", EffectType: model.EffectSocial, Severity: model.SeverityLow, Magnitude: 0.1},
			}

			Convey("Then each is a validation error and nothing is stored", func() {
				for _, in := range cases {
					_, err := l.Record(ctx, in)
					So(errors.Is(err, failure.ErrValidation), ShouldBeTrue)
				}
				So(store.Len(), ShouldEqual, 0)
			})
		})

		Convey("When a decay time in the past is given", func() {
			past := start.Add(-time.Second)
			in := impact("c1", model.SeverityLow, 0.1)
			in.DecayAt = &past
			_, err := l.Record(ctx, in)

			Convey("Then it is rejected", func() {
				So(errors.Is(err, ledger.ErrDecayInPast), ShouldBeTrue)
			})
		})

		Convey("When a producer replays a client-supplied id", func() {
			in := impact("c1", model.SeverityMedium, 0.3)
			in.EffectID = uuid.NewString()
			first, err := l.Record(ctx, in)
			So(err, ShouldBeNil)
			second, err := l.Record(ctx, in)

			Convey("Then the same id is returned without a second record", func() {
				So(err, ShouldBeNil)
				So(second, ShouldEqual, first)
				So(store.Len(), ShouldEqual, 1)
			})

			Convey("Then a conflicting replay is rejected", func() {
				in.Magnitude = -0.3
				_, err := l.Record(ctx, in)
				So(errors.Is(err, ledger.ErrConflictingRecord), ShouldBeTrue)
			})
		})
	})
}

func TestRecordIsAtomic(t *testing.T) {
	ctx := context.Background()

	Convey("Given a store whose first create fails", t, func() {
		store := &splitStore{Memory: repository.NewMemory(), createFails: 1}
		l := ledger.New(store, directory(t), ledger.WithClock(clock.NewManual(start).Now))
		in := impact("c1", model.SeverityHigh, -0.5)
		in.EffectID = uuid.NewString()
		in.SourceFactionID = "crown"

		_, err := l.Record(ctx, in)
		So(errors.Is(err, failure.ErrUnavailable), ShouldBeTrue)

		Convey("Then nothing of the record is left behind", func() {
			_, err := l.Get(ctx, in.EffectID)
			So(errors.Is(err, failure.ErrNotFound), ShouldBeTrue)
			v, _ := l.Version(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"})
			So(v, ShouldEqual, 0)
		})

		Convey("When the producer retries with the same id", func() {
			id, err := l.Record(ctx, in)
			So(err, ShouldBeNil)
			So(id, ShouldEqual, in.EffectID)

			Convey("Then the record carries its recorded audit line and version bumps", func() {
				trail, err := l.Audit(ctx, id)
				So(err, ShouldBeNil)
				So(len(trail), ShouldEqual, 1)
				So(trail[0].Action, ShouldEqual, model.AuditRecorded)
				v, _ := l.Version(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"})
				So(v, ShouldEqual, 1)
				fv, _ := l.Version(ctx, model.Unit{Kind: model.UnitFaction, ID: "crown"})
				So(fv, ShouldEqual, 1)
			})
		})
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given a recorded impact", t, func() {
		clk := clock.NewManual(start)
		l := ledger.New(repository.NewMemory(), directory(t), ledger.WithClock(clk.Now))
		id, err := l.Record(ctx, impact("c1", model.SeverityLow, 0.2))
		So(err, ShouldBeNil)

		Convey("When it is resolved twice", func() {
			_, err1 := l.Resolve(ctx, id, "gm")
			rec, err2 := l.Resolve(ctx, id, "gm")

			Convey("Then the second call is a no-op", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(rec.Status, ShouldEqual, model.ImpactResolved)
				trail, _ := l.Audit(ctx, id)
				So(len(trail), ShouldEqual, 2)
				So(trail[1].From, ShouldEqual, model.ImpactActive)
				So(trail[1].Actor, ShouldEqual, "gm")
			})

			Convey("Then it no longer lists as active", func() {
				active, err := l.ListActive(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"}, clk.Now())
				So(err, ShouldBeNil)
				So(active, ShouldBeEmpty)
			})
		})

		Convey("When it is archived then resolved", func() {
			_, err := l.Archive(ctx, id, "gm")
			So(err, ShouldBeNil)
			rec, err := l.Resolve(ctx, id, "gm")

			Convey("Then archived is terminal", func() {
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, model.ImpactArchived)
			})
		})

		Convey("When it is linked to a crisis", func() {
			So(l.LinkCrisis(ctx, id, "crisis-1"), ShouldBeNil)
			So(l.LinkCrisis(ctx, id, "crisis-1"), ShouldBeNil)

			Convey("Then the link is stored once", func() {
				rec, _ := l.Get(ctx, id)
				So(rec.LinkedCrisisID, ShouldEqual, "crisis-1")
				trail, _ := l.Audit(ctx, id)
				So(len(trail), ShouldEqual, 2)
				So(trail[1].Action, ShouldEqual, model.AuditLinked)
			})
		})

		Convey("When an unknown record is resolved", func() {
			_, err := l.Resolve(ctx, "missing", "gm")

			Convey("Then it is not found", func() {
				So(errors.Is(err, failure.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When listing an unknown city", func() {
			_, err := l.ListActive(ctx, model.Unit{Kind: model.UnitCity, ID: "atlantis"}, time.Time{})
			So(errors.Is(err, failure.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	Convey("Given impacts with decay schedules", t, func() {
		clk := clock.NewManual(start)
		rec := &notify.Recorder{}
		subs := &decayRecorder{}
		l := ledger.New(repository.NewMemory(), directory(t),
			ledger.WithClock(clk.Now), ledger.WithSink(rec), ledger.WithSweepBatch(2))
		l.Subscribe(subs)

		var ids []string
		for i := range 5 {
			in := impact("c2", model.SeverityMedium, 0.1)
			d := start.Add(time.Duration(i+1) * time.Minute)
			in.DecayAt = &d
			id, err := l.Record(ctx, in)
			So(err, ShouldBeNil)
			ids = append(ids, id)
		}
		_, err := l.Record(ctx, impact("c2", model.SeverityMedium, 0.1))
		So(err, ShouldBeNil)

		Convey("When the clock passes three decay times", func() {
			clk.Advance(3 * time.Minute)
			city := model.Unit{Kind: model.UnitCity, ID: "c2"}
			So(len(mustList(l, city, clk.Now())), ShouldEqual, 3)

			decayed, err := l.Sweep(ctx)

			Convey("Then exactly those records are resolved across batches", func() {
				So(err, ShouldBeNil)
				So(len(decayed), ShouldEqual, 3)
				So(subs.ids, ShouldResemble, ids[:3])
				So(rec.Count(notify.ImpactDecayed), ShouldEqual, 3)
				got, _ := l.Get(ctx, ids[0])
				So(got.Status, ShouldEqual, model.ImpactResolved)
				trail, _ := l.Audit(ctx, ids[0])
				So(trail[len(trail)-1].Action, ShouldEqual, model.AuditDecayed)
			})

			Convey("Then a second sweep finds nothing", func() {
				again, err := l.Sweep(ctx)
				So(err, ShouldBeNil)
				So(again, ShouldBeEmpty)
			})
		})
	})

	Convey("Given a store that is unreachable", t, func() {
		store := repository.NewMemory()
		l := ledger.New(store, directory(t),
			ledger.WithRetryPolicy(retry.Policy{MaxTries: 2, Initial: time.Millisecond}))
		So(store.Close(), ShouldBeNil)

		Convey("Then the sweep reports unavailable after retrying", func() {
			_, err := l.Sweep(ctx)
			So(errors.Is(err, failure.ErrUnavailable), ShouldBeTrue)
			So(errors.Is(l.Ping(ctx), failure.ErrUnavailable), ShouldBeTrue)
		})
	})
}

func mustList(l *ledger.Ledger, unit model.Unit, asOf time.Time) []model.ImpactRecord {
	recs, err := l.ListActive(context.Background(), unit, asOf)
	if err != nil {
		panic(err)
	}
	return recs
}

func TestConcurrentRecord(t *testing.T) {
	Convey("Given many producers writing to one city", t, func() {
		ctx := context.Background()
		store := repository.NewMemory()
		l := ledger.New(store, directory(t))
		var wg sync.WaitGroup
		errs := make(chan error, 100)
		for i := range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				in := impact("c1", model.SeverityLow, float64(i%10)/10)
				in.OriginOrderID = fmt.Sprintf("order-%d", i)
				if _, err := l.Record(ctx, in); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)

		Convey("Then every record lands and the city version counts each", func() {
			So(len(errs), ShouldEqual, 0)
			So(store.Len(), ShouldEqual, 100)
			v, _ := l.Version(ctx, model.Unit{Kind: model.UnitCity, ID: "c1"})
			So(v, ShouldEqual, 100)
		})
	})
}
