// Package ledger is the append-only record of world-affecting impacts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/internal/domain/retry"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
)

const defaultSweepBatch = 256

// DecaySubscriber is told about every record the sweep resolved.
type DecaySubscriber interface {
	OnImpactDecayed(ctx context.Context, rec model.ImpactRecord)
}

// Impact is the producer-supplied part of an ImpactRecord.
type Impact struct {
	EffectID        string             `json:"effect_id,omitempty"`
	OriginOrderID   string             `json:"origin_order_id,omitempty"`
	CityID          string             `json:"city_id"`
	SourceFactionID string             `json:"source_faction_id,omitempty"`
	EffectType      model.EffectType   `json:"effect_type"`
	Severity        model.Severity     `json:"severity"`
	Magnitude       float64            `json:"magnitude"`
	Status          model.ImpactStatus `json:"status,omitempty"`
	TriggerRefs     []string           `json:"trigger_refs,omitempty"`
	DecayAt         *time.Time         `json:"decay_at,omitempty"`
	Actor           string             `json:"actor,omitempty"`
}

// Ledger owns the ImpactRecord lifecycle.
type Ledger struct {
	store      repository.ImpactStore
	dir        topology.Directory
	locks      *keylock.Locker
	log        logger.Logger
	sink       notify.Sink
	now        func() time.Time
	newID      func() string
	retry      retry.Policy
	sweepBatch int

	subMu       sync.RWMutex
	subscribers []DecaySubscriber
}

// New builds a ledger over store, validating cities against dir.
func New(store repository.ImpactStore, dir topology.Directory, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		dir:        dir,
		locks:      keylock.New("impact", 0),
		log:        logger.Default(),
		sink:       notify.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		retry:      retry.DefaultPolicy,
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("ledger")
	return l
}

// Subscribe registers s for decay notifications.
func (l *Ledger) Subscribe(s DecaySubscriber) {
	l.subMu.Lock()
	l.subscribers = append(l.subscribers, s)
	l.subMu.Unlock()
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return failure.WrapKind(op, failure.ErrNotFound, err)
	case errors.Is(err, repository.ErrDuplicate):
		return failure.WrapKind(op, failure.ErrValidation, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &failure.Error{Op: op, Err: err}
	default:
		return failure.WrapKind(op, failure.ErrUnavailable, err)
	}
}

func (l *Ledger) validate(in *Impact, now time.Time) error {
	const op = "ledger.record"
	switch {
	case !l.dir.HasCity(in.CityID):
		return failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrUnknownCity, in.CityID))
	case in.SourceFactionID != "" && !l.dir.HasFaction(in.SourceFactionID):
		return failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrUnknownFaction, in.SourceFactionID))
	case !in.EffectType.Valid():
		return failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrBadEffectType, in.EffectType))
	case !in.Severity.Valid():
		return failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrBadSeverity, in.Severity))
	case math.IsNaN(in.Magnitude) || in.Magnitude < model.MinMagnitude || in.Magnitude > model.MaxMagnitude:
		return failure.WrapKind(op, failure.ErrValidation, ErrBadMagnitude)
	case in.Status != model.ImpactActive && in.Status != model.ImpactPending:
		return failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrBadStatus, in.Status))
	case in.DecayAt != nil && !in.DecayAt.After(now):
		return failure.WrapKind(op, failure.ErrValidation, ErrDecayInPast)
	}
	if in.EffectID != "" {
		if _, err := uuid.Parse(in.EffectID); err != nil {
			return failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrBadEffectID, in.EffectID))
		}
	}
	return nil
}

func sameImpact(rec *model.ImpactRecord, in *Impact) bool {
	return rec.CityID == in.CityID &&
		rec.SourceFactionID == in.SourceFactionID &&
		rec.EffectType == in.EffectType &&
		rec.Severity == in.Severity &&
		rec.Magnitude == in.Magnitude
}

// Record appends an impact and returns its effect id. Replaying a request
// with the same effect id and content returns the existing id.
func (l *Ledger) Record(ctx context.Context, in Impact) (string, error) {
	const op = "ledger.record"
	now := l.now()
	in.CityID = strings.TrimSpace(in.CityID)
	if in.Status == "" {
		in.Status = model.ImpactActive
	}
	if err := l.validate(&in, now); err != nil {
		metrics.RecordImpactRejected("validation")
		l.log.Debug(ctx, "impact rejected", logger.String("city_id", in.CityID), logger.Error(err))
		return "", err
	}

	id := in.EffectID
	if id == "" {
		id = l.newID()
	} else {
		release, err := l.locks.Acquire(ctx, id)
		if err != nil {
			return "", err
		}
		defer release()

		existing, err := l.store.Get(ctx, id)
		switch {
		case err == nil:
			if !sameImpact(&existing, &in) {
				metrics.RecordImpactRejected("conflict")
				return "", failure.WrapKind(op, failure.ErrValidation, ErrConflictingRecord)
			}
			return id, nil
		case !errors.Is(err, repository.ErrNotFound):
			return "", storeErr(op, err)
		}
	}

	rec := model.ImpactRecord{
		EffectID:        id,
		OriginOrderID:   in.OriginOrderID,
		CityID:          in.CityID,
		SourceFactionID: in.SourceFactionID,
		EffectType:      in.EffectType,
		Severity:        in.Severity,
		Magnitude:       in.Magnitude,
		Status:          in.Status,
		TriggerRefs:     slices.Clone(in.TriggerRefs),
		DecayAt:         in.DecayAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	entry := model.AuditEntry{
		EffectID: id,
		Action:   model.AuditRecorded,
		To:       rec.Status,
		Actor:    in.Actor,
		Note:     in.OriginOrderID,
		At:       now,
	}
	if err := l.store.Create(ctx, rec, entry, affected(&rec)); err != nil {
		return "", storeErr(op, err)
	}

	metrics.RecordImpact(string(rec.EffectType), string(rec.Severity))
	l.log.Info(ctx, "impact recorded",
		logger.String("effect_id", id),
		logger.String("city_id", rec.CityID),
		logger.String("severity", string(rec.Severity)),
		logger.Float64("magnitude", rec.Magnitude),
	)
	return id, nil
}

func (l *Ledger) audit(ctx context.Context, rec *model.ImpactRecord, action model.AuditAction, from model.ImpactStatus, actor, note string) error {
	_, err := l.store.AppendAudit(ctx, model.AuditEntry{
		EffectID: rec.EffectID,
		Action:   action,
		From:     from,
		To:       rec.Status,
		Actor:    actor,
		Note:     note,
		At:       rec.UpdatedAt,
	})
	if err != nil {
		return storeErr("ledger.audit", err)
	}
	return nil
}

// affected returns the units whose version a change to rec bumps.
func affected(rec *model.ImpactRecord) []model.Unit {
	units := []model.Unit{{Kind: model.UnitCity, ID: rec.CityID}}
	if rec.SourceFactionID != "" {
		units = append(units, model.Unit{Kind: model.UnitFaction, ID: rec.SourceFactionID})
	}
	return units
}

func (l *Ledger) bump(ctx context.Context, rec *model.ImpactRecord) error {
	for _, u := range affected(rec) {
		if _, err := l.store.BumpVersion(ctx, u); err != nil {
			return storeErr("ledger.version", err)
		}
	}
	return nil
}

// Get returns one record.
func (l *Ledger) Get(ctx context.Context, effectID string) (model.ImpactRecord, error) {
	rec, err := l.store.Get(ctx, effectID)
	if err != nil {
		return model.ImpactRecord{}, storeErr("ledger.get", err)
	}
	return rec, nil
}

// Exists reports whether effectID is in the ledger.
func (l *Ledger) Exists(ctx context.Context, effectID string) bool {
	_, err := l.store.Get(ctx, effectID)
	return err == nil
}

// ListActive returns the records of a city or faction that still apply at asOf.
func (l *Ledger) ListActive(ctx context.Context, unit model.Unit, asOf time.Time) ([]model.ImpactRecord, error) {
	if asOf.IsZero() {
		asOf = l.now()
	}
	all, err := l.Snapshot(ctx, unit)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.ActiveAt(asOf) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Snapshot returns every record of a city or faction, ordered by effect id.
func (l *Ledger) Snapshot(ctx context.Context, unit model.Unit) ([]model.ImpactRecord, error) {
	const op = "ledger.snapshot"
	var (
		recs []model.ImpactRecord
		err  error
	)
	switch unit.Kind {
	case model.UnitCity:
		if !l.dir.HasCity(unit.ID) {
			return nil, failure.NotFoundf(op, "city %q", unit.ID)
		}
		recs, err = l.store.ListByCity(ctx, unit.ID)
	case model.UnitFaction:
		if !l.dir.HasFaction(unit.ID) {
			return nil, failure.NotFoundf(op, "faction %q", unit.ID)
		}
		recs, err = l.store.ListByFaction(ctx, unit.ID)
	default:
		return nil, failure.Validationf(op, "unknown unit kind %q", unit.Kind)
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return recs, nil
}

// Version returns the mutation counter of a city or faction.
func (l *Ledger) Version(ctx context.Context, unit model.Unit) (int64, error) {
	v, err := l.store.Version(ctx, unit)
	if err != nil {
		return 0, storeErr("ledger.version", err)
	}
	return v, nil
}

// Audit returns the audit trail of one record.
func (l *Ledger) Audit(ctx context.Context, effectID string) ([]model.AuditEntry, error) {
	if _, err := l.Get(ctx, effectID); err != nil {
		return nil, err
	}
	trail, err := l.store.Audit(ctx, effectID)
	if err != nil {
		return nil, storeErr("ledger.audit", err)
	}
	return trail, nil
}

// Ping reports whether the backing store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return failure.WrapKind("ledger.ping", failure.ErrUnavailable, err)
	}
	return nil
}

// Resolve marks a record resolved. Resolving a resolved or archived record is a no-op.
func (l *Ledger) Resolve(ctx context.Context, effectID, actor string) (model.ImpactRecord, error) {
	return l.transition(ctx, "ledger.resolve", effectID, actor, model.ImpactResolved, model.AuditResolved)
}

// Archive marks a record archived. Archiving an archived record is a no-op.
func (l *Ledger) Archive(ctx context.Context, effectID, actor string) (model.ImpactRecord, error) {
	return l.transition(ctx, "ledger.archive", effectID, actor, model.ImpactArchived, model.AuditArchived)
}

func (l *Ledger) transition(ctx context.Context, op, effectID, actor string, to model.ImpactStatus, action model.AuditAction) (model.ImpactRecord, error) {
	release, err := l.locks.Acquire(ctx, effectID)
	if err != nil {
		return model.ImpactRecord{}, err
	}
	defer release()

	rec, err := l.store.Get(ctx, effectID)
	if err != nil {
		return model.ImpactRecord{}, storeErr(op, err)
	}
	if rec.Status == to || rec.Status == model.ImpactArchived {
		return rec, nil
	}
	return l.apply(ctx, op, rec, to, action, actor)
}

func (l *Ledger) apply(ctx context.Context, op string, rec model.ImpactRecord, to model.ImpactStatus, action model.AuditAction, actor string) (model.ImpactRecord, error) {
	from := rec.Status
	rec.Status = to
	rec.UpdatedAt = l.now()
	if err := l.store.Update(ctx, rec); err != nil {
		return model.ImpactRecord{}, storeErr(op, err)
	}
	if err := l.audit(ctx, &rec, action, from, actor, ""); err != nil {
		return model.ImpactRecord{}, err
	}
	if err := l.bump(ctx, &rec); err != nil {
		return model.ImpactRecord{}, err
	}
	metrics.RecordImpactStatus(string(to))
	l.log.Info(ctx, "impact status changed",
		logger.String("effect_id", rec.EffectID),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.String("action", string(action)),
	)
	return rec, nil
}

// LinkCrisis records that effectID is attached to crisisID.
func (l *Ledger) LinkCrisis(ctx context.Context, effectID, crisisID string) error {
	const op = "ledger.link"
	release, err := l.locks.Acquire(ctx, effectID)
	if err != nil {
		return err
	}
	defer release()

	rec, err := l.store.Get(ctx, effectID)
	if err != nil {
		return storeErr(op, err)
	}
	if rec.LinkedCrisisID == crisisID {
		return nil
	}
	rec.LinkedCrisisID = crisisID
	rec.UpdatedAt = l.now()
	if err := l.store.Update(ctx, rec); err != nil {
		return storeErr(op, err)
	}
	return l.audit(ctx, &rec, model.AuditLinked, rec.Status, "crisis-engine", crisisID)
}

// Sweep resolves every record whose decay time has passed and notifies subscribers.
func (l *Ledger) Sweep(ctx context.Context) ([]model.ImpactRecord, error) {
	now := l.now()
	var decayed []model.ImpactRecord
	for {
		due, _, err := retry.Do(ctx, l.retry, func() ([]model.ImpactRecord, error) {
			recs, err := l.store.ListDue(ctx, now, l.sweepBatch)
			if err != nil {
				return nil, storeErr("ledger.sweep", err)
			}
			return recs, nil
		})
		if err != nil {
			l.notifyDecayed(ctx, decayed)
			return decayed, err
		}

		progressed := 0
		for _, r := range due {
			rec, changed, err := l.decay(ctx, r.EffectID, now)
			if err != nil {
				l.log.Warn(ctx, "decay failed", logger.String("effect_id", r.EffectID), logger.Error(err))
				continue
			}
			if changed {
				decayed = append(decayed, rec)
				progressed++
			}
		}
		if len(due) < l.sweepBatch || progressed == 0 {
			break
		}
	}
	l.notifyDecayed(ctx, decayed)
	return decayed, nil
}

func (l *Ledger) decay(ctx context.Context, effectID string, now time.Time) (model.ImpactRecord, bool, error) {
	release, err := l.locks.Acquire(ctx, effectID)
	if err != nil {
		return model.ImpactRecord{}, false, err
	}
	defer release()

	type result struct {
		rec     model.ImpactRecord
		changed bool
	}
	res, _, err := retry.Do(ctx, l.retry, func() (result, error) {
		rec, err := l.store.Get(ctx, effectID)
		if err != nil {
			return result{}, storeErr("ledger.decay", err)
		}
		if !rec.DueAt(now) {
			return result{rec: rec}, nil
		}
		rec, err = l.apply(ctx, "ledger.decay", rec, model.ImpactResolved, model.AuditDecayed, "decay-sweep")
		if err != nil {
			return result{}, err
		}
		return result{rec: rec, changed: true}, nil
	})
	return res.rec, res.changed, err
}

func (l *Ledger) notifyDecayed(ctx context.Context, decayed []model.ImpactRecord) {
	if len(decayed) == 0 {
		return
	}
	metrics.RecordImpactDecayed(len(decayed))
	l.subMu.RLock()
	subs := slices.Clone(l.subscribers)
	l.subMu.RUnlock()
	for _, rec := range decayed {
		l.sink.Publish(ctx, notify.Event{
			Name:    notify.ImpactDecayed,
			Subject: rec.CityID,
			At:      rec.UpdatedAt,
			Attrs:   map[string]any{"effect_id": rec.EffectID, "severity": string(rec.Severity)},
		})
		for _, s := range subs {
			s.OnImpactDecayed(ctx, rec)
		}
	}
	l.log.Info(ctx, "decay sweep resolved impacts", logger.Int("count", len(decayed)))
}

// Run sweeps every interval until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) error {
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
			if _, err := l.Sweep(ctx); err != nil && ctx.Err() == nil {
				l.log.Error(ctx, "decay sweep failed", logger.Error(err))
			}
		}
	}
}
