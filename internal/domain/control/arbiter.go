// Package control arbitrates contested changes to regional control scores.
package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
)

// EvidenceResolver answers whether an impact or crisis id exists.
type EvidenceResolver interface {
	Exists(ctx context.Context, id string) bool
}

// Arbiter owns every RegionControl. Proposals are serialized per region.
type Arbiter struct {
	dir          topology.Directory
	resolvers    []EvidenceResolver
	locks        *keylock.Locker
	sink         notify.Sink
	log          logger.Logger
	now          func() time.Time
	cooldown     time.Duration
	pendingLimit int
	historyLimit int

	mu      sync.RWMutex
	regions map[string]*model.RegionControl
	history []model.ShiftRecord
}

// New builds an arbiter seeded with the initial scores of every topology region.
func New(dir topology.Directory, opts ...Option) *Arbiter {
	a := &Arbiter{
		dir:          dir,
		locks:        keylock.New("region", 0),
		sink:         notify.Nop(),
		log:          logger.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		cooldown:     defaultCooldown,
		pendingLimit: defaultPendingEvents,
		historyLimit: defaultHistoryLimit,
		regions:      make(map[string]*model.RegionControl),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("control")

	for _, id := range dir.Regions() {
		r, _ := dir.Region(id)
		rc := &model.RegionControl{
			RegionID: id,
			Scores:   r.Scores,
			Trend:    model.TrendStable,
			Trends:   map[string]model.Trend{},
			Version:  1,
		}
		if rc.Scores == nil {
			rc.Scores = map[string]int{}
		}
		rc.OwnerFactionID = leader(rc.Scores, r.Owner)
		derive(rc)
		a.regions[id] = rc
	}
	return a
}

// leader returns the faction with the strictly highest score. A tie that
// includes prior keeps prior; other ties go to the smallest faction id.
func leader(scores map[string]int, prior string) string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ""
	for _, id := range ids {
		if best == "" || scores[id] > scores[best] {
			best = id
		}
	}
	if s, ok := scores[prior]; ok && best != "" && s == scores[best] {
		return prior
	}
	return best
}

// derive refreshes stability and conflict level from the scores.
func derive(rc *model.RegionControl) {
	rc.Stability = 0
	rc.ConflictLevel = 0
	if rc.OwnerFactionID == "" {
		return
	}
	owner := rc.Scores[rc.OwnerFactionID]
	runnerUp, contenders := 0, 0
	seen := false
	for id, s := range rc.Scores {
		if id == rc.OwnerFactionID {
			continue
		}
		if !seen || s > runnerUp {
			runnerUp, seen = s, true
		}
		if owner-s <= conflictMargin {
			contenders++
		}
	}
	rc.Stability = min(max(float64(owner-runnerUp)/float64(model.MaxShiftDelta), 0), 1)
	rc.ConflictLevel = min(contenders, model.MaxConflictLevel)
}

func (a *Arbiter) snapshot(regionID string) (model.RegionControl, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rc, ok := a.regions[regionID]
	if !ok {
		return model.RegionControl{}, false
	}
	return rc.Clone(), true
}

func (a *Arbiter) reject(op string, req *model.ControlShiftRequest, kind, cause error) error {
	metrics.RecordControlShift(failure.Code(kind), string(req.Trigger))
	a.log.Debug(context.Background(), "control shift rejected",
		logger.String("region_id", req.RegionID),
		logger.String("faction_id", req.ProposedOwnerID),
		logger.String("trigger", string(req.Trigger)),
		logger.Int("delta", req.ScoreDelta),
		logger.String("reason", failure.Code(kind)),
	)
	return failure.WrapKind(op, kind, cause)
}

func (a *Arbiter) evidenced(ctx context.Context, ev model.Evidence) []string {
	var refs []string
	for _, id := range ev.Refs() {
		for _, r := range a.resolvers {
			if r.Exists(ctx, id) {
				refs = append(refs, id)
				break
			}
		}
	}
	return refs
}

// Propose validates req and, when accepted, applies it to the region and
// returns the new RegionControl.
func (a *Arbiter) Propose(ctx context.Context, req model.ControlShiftRequest) (model.RegionControl, error) {
	const op = "control.propose"
	start := time.Now()
	defer func() { metrics.RecordArbitrationLatency(time.Since(start).Seconds()) }()

	switch {
	case !req.Trigger.Valid():
		return model.RegionControl{}, a.reject(op, &req, failure.ErrValidation, fmt.Errorf("%w: %q", ErrBadTrigger, req.Trigger))
	case !a.dir.HasRegion(req.RegionID):
		return model.RegionControl{}, a.reject(op, &req, failure.ErrNotFound, fmt.Errorf("%w: %q", ErrUnknownRegion, req.RegionID))
	case !a.dir.HasFaction(req.ProposedOwnerID):
		return model.RegionControl{}, a.reject(op, &req, failure.ErrNotFound, fmt.Errorf("%w: %q", ErrUnknownFaction, req.ProposedOwnerID))
	}

	expected := req.ExpectedVersion
	if expected == 0 {
		before, _ := a.snapshot(req.RegionID)
		expected = before.Version
	}

	release, err := a.locks.Acquire(ctx, req.RegionID)
	if err != nil {
		metrics.RecordControlShift(failure.Code(err), string(req.Trigger))
		return model.RegionControl{}, err
	}
	rc, events, err := a.applyLocked(ctx, op, &req, expected)
	release()
	if err != nil {
		return model.RegionControl{}, err
	}
	for _, ev := range events {
		a.sink.Publish(ctx, ev)
	}
	return rc, nil
}

func (a *Arbiter) applyLocked(ctx context.Context, op string, req *model.ControlShiftRequest, expected int64) (model.RegionControl, []notify.Event, error) {
	rc, _ := a.snapshot(req.RegionID)
	now := a.now()

	if rc.Version != expected {
		return rc, nil, a.reject(op, req, failure.ErrSuperseded,
			fmt.Errorf("%w: expected version %d, found %d", ErrVersionChanged, expected, rc.Version))
	}
	if !req.Trigger.BypassesCooldown() && !rc.LastChange.IsZero() && now.Sub(rc.LastChange) < a.cooldown {
		return rc, nil, a.reject(op, req, failure.ErrCooldownActive,
			fmt.Errorf("%w: retry in %s", ErrCooldownPending, a.cooldown-now.Sub(rc.LastChange)))
	}
	if req.ScoreDelta == 0 {
		return rc, nil, a.reject(op, req, failure.ErrOutOfRange, ErrZeroDelta)
	}
	if req.ScoreDelta > model.MaxShiftDelta || req.ScoreDelta < -model.MaxShiftDelta {
		return rc, nil, a.reject(op, req, failure.ErrOutOfRange, ErrDeltaTooLarge)
	}
	old := rc.Scores[req.ProposedOwnerID]
	if (req.ScoreDelta > 0 && old >= model.MaxControlScore) || (req.ScoreDelta < 0 && old <= model.MinControlScore) {
		return rc, nil, a.reject(op, req, failure.ErrOutOfRange, ErrAtBound)
	}
	refs := a.evidenced(ctx, req.Evidence)
	if req.Trigger.RequiresEvidence() && len(refs) == 0 {
		return rc, nil, a.reject(op, req, failure.ErrInsufficientEvidence, ErrNoEvidence)
	}

	next := min(max(old+req.ScoreDelta, model.MinControlScore), model.MaxControlScore)
	prevOwner := rc.OwnerFactionID
	rc.Scores[req.ProposedOwnerID] = next
	rc.OwnerFactionID = leader(rc.Scores, prevOwner)
	transferred := rc.OwnerFactionID != prevOwner
	if rc.Trends == nil {
		rc.Trends = map[string]model.Trend{}
	}
	// Region trend follows the owner; faction trends follow their own deltas.
	switch {
	case transferred:
		rc.Trend = model.TrendStable
		clear(rc.Trends)
	case req.ProposedOwnerID == rc.OwnerFactionID:
		rc.Trend = model.TrendOf(next - old)
		rc.Trends[req.ProposedOwnerID] = rc.Trend
	default:
		rc.Trend = model.TrendOf(old - next)
		rc.Trends[req.ProposedOwnerID] = model.TrendOf(next - old)
	}
	derive(&rc)
	rc.PendingEvents = append(rc.PendingEvents, refs...)
	if over := len(rc.PendingEvents) - a.pendingLimit; over > 0 {
		rc.PendingEvents = rc.PendingEvents[over:]
	}
	rc.LastChange = now
	rc.Version++

	rec := model.ShiftRecord{
		RegionID:       rc.RegionID,
		FactionID:      req.ProposedOwnerID,
		Trigger:        req.Trigger,
		Delta:          next - old,
		PreviousScore:  old,
		NewScore:       next,
		PreviousOwner:  prevOwner,
		NewOwner:       rc.OwnerFactionID,
		RequestedBy:    req.RequestedBy,
		At:             now,
		RegionVersion:  rc.Version,
		OwnershipShift: transferred,
	}
	a.mu.Lock()
	stored := rc.Clone()
	a.regions[rc.RegionID] = &stored
	a.history = append(a.history, rec)
	if over := len(a.history) - a.historyLimit; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
	a.mu.Unlock()

	metrics.RecordControlShift("accepted", string(req.Trigger))
	a.log.Info(ctx, "control shift accepted",
		logger.String("region_id", rc.RegionID),
		logger.String("faction_id", req.ProposedOwnerID),
		logger.String("trigger", string(req.Trigger)),
		logger.Int("previous_score", old),
		logger.Int("new_score", next),
		logger.String("owner", rc.OwnerFactionID),
	)

	attrs := map[string]any{
		"faction_id":     req.ProposedOwnerID,
		"trigger":        string(req.Trigger),
		"previous_score": old,
		"new_score":      next,
		"owner":          rc.OwnerFactionID,
		"version":        rc.Version,
	}
	events := []notify.Event{{Name: notify.ControlShifted, Subject: rc.RegionID, At: now, Attrs: attrs}}
	if transferred {
		metrics.RecordOwnershipTransfer()
		events = append(events, notify.Event{
			Name:    notify.ControlOwnershipTransferred,
			Subject: rc.RegionID,
			At:      now,
			Attrs:   map[string]any{"from": prevOwner, "to": rc.OwnerFactionID, "trigger": string(req.Trigger)},
		})
	}
	return rc, events, nil
}

// Get returns the control of a region.
func (a *Arbiter) Get(_ context.Context, regionID string) (model.RegionControl, error) {
	rc, ok := a.snapshot(regionID)
	if !ok {
		return model.RegionControl{}, failure.WrapKind("control.get", failure.ErrNotFound, fmt.Errorf("%w: %q", ErrUnknownRegion, regionID))
	}
	return rc, nil
}

// State returns the per-(region, faction) view.
func (a *Arbiter) State(ctx context.Context, regionID, factionID string) (model.ControlState, error) {
	rc, err := a.Get(ctx, regionID)
	if err != nil {
		return model.ControlState{}, err
	}
	if !a.dir.HasFaction(factionID) {
		return model.ControlState{}, failure.WrapKind("control.state", failure.ErrNotFound, fmt.Errorf("%w: %q", ErrUnknownFaction, factionID))
	}
	return rc.StateFor(factionID), nil
}

// Owner returns the owning faction of a region, "" when nobody holds it.
func (a *Arbiter) Owner(ctx context.Context, regionID string) (string, error) {
	rc, err := a.Get(ctx, regionID)
	if err != nil {
		return "", err
	}
	return rc.OwnerFactionID, nil
}

// Regions returns every region, ordered by id.
func (a *Arbiter) Regions() []model.RegionControl {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.RegionControl, 0, len(a.regions))
	for _, rc := range a.regions {
		out = append(out, rc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// Version returns the mutation counter of a region.
func (a *Arbiter) Version(regionID string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if rc, ok := a.regions[regionID]; ok {
		return rc.Version
	}
	return 0
}

// FactionVersion sums the versions of every region the faction holds a score in.
// It grows whenever any of those regions changes.
func (a *Arbiter) FactionVersion(factionID string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var v int64
	for _, rc := range a.regions {
		if _, ok := rc.Scores[factionID]; ok || rc.OwnerFactionID == factionID {
			v += rc.Version
		}
	}
	return v
}

// Shifts returns accepted shifts with from <= At < to, oldest first.
// A zero bound is open.
func (a *Arbiter) Shifts(from, to time.Time) []model.ShiftRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []model.ShiftRecord
	for _, rec := range a.history {
		if !from.IsZero() && rec.At.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.At.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
