package crisis

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
)

// ImpactSource is the part of the ledger the engine reads and links.
type ImpactSource interface {
	ListActive(ctx context.Context, unit model.Unit, asOf time.Time) ([]model.ImpactRecord, error)
	LinkCrisis(ctx context.Context, effectID, crisisID string) error
	Archive(ctx context.Context, effectID, actor string) (model.ImpactRecord, error)
}

// Arbiter receives control penalties when a crisis escalates.
type Arbiter interface {
	Owner(ctx context.Context, regionID string) (string, error)
	Propose(ctx context.Context, req model.ControlShiftRequest) (model.RegionControl, error)
}

type cityState struct {
	open      *model.Crisis
	calmSince time.Time
	closed    []model.Crisis
	version   int64
}

// followUp is work done after the city lock is released.
type followUp struct {
	events  []notify.Event
	penalty *model.Crisis
}

// Engine owns every Crisis. Mutations are serialized per city.
type Engine struct {
	cfg     Config
	source  ImpactSource
	dir     topology.Directory
	arbiter Arbiter
	locks   *keylock.Locker
	sink    notify.Sink
	log     logger.Logger
	now     func() time.Time
	newID   func() string

	mu     sync.RWMutex
	cities map[string]*cityState
	byID   map[string]string
	// dirty holds cities whose last evaluation failed; Tick retries them.
	dirty map[string]struct{}
}

// NewEngine builds an engine over the ledger and topology.
func NewEngine(source ImpactSource, dir topology.Directory, opts ...Option) *Engine {
	e := &Engine{
		cfg:    DefaultConfig(),
		source: source,
		dir:    dir,
		locks:  keylock.New("city", 0),
		sink:   notify.Nop(),
		log:    logger.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		cities: make(map[string]*cityState),
		byID:   make(map[string]string),
		dirty:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("crisis")
	return e
}

func (e *Engine) state(cityID string) *cityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.cities[cityID]
	if !ok {
		st = &cityState{}
		e.cities[cityID] = st
	}
	return st
}

// commit publishes a new snapshot of the city's open crisis under the map lock.
func (e *Engine) commit(st *cityState, c *model.Crisis) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.version++
	if c == nil {
		return
	}
	e.byID[c.ID] = c.CityID
	if c.Status == model.CrisisResolved {
		st.closed = append(st.closed, c.Clone())
		st.open = nil
		return
	}
	cp := c.Clone()
	st.open = &cp
}

func (e *Engine) transition(c *model.Crisis, to model.CrisisStatus, now time.Time, fu *followUp) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, to)
	}
	from := c.Status
	c.Status = to
	c.UpdatedAt = now
	metrics.RecordCrisisTransition(string(to))

	name := map[model.CrisisStatus]string{
		model.CrisisActive:     notify.CrisisDeescalated,
		model.CrisisEscalating: notify.CrisisEscalated,
		model.CrisisMitigated:  notify.CrisisMitigated,
		model.CrisisResolved:   notify.CrisisResolved,
	}[to]
	if from == none {
		name = notify.CrisisOpened
	}
	fu.events = append(fu.events, notify.Event{
		Name:    name,
		Subject: c.CityID,
		At:      now,
		Attrs: map[string]any{
			"crisis_id": c.ID,
			"from":      string(from),
			"to":        string(to),
			"severity":  string(c.Severity),
			"pressure":  c.Metrics[model.KPIPressure],
		},
	})
	e.log.Info(context.Background(), "crisis transition",
		logger.String("crisis_id", c.ID),
		logger.String("city_id", c.CityID),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
	)
	return nil
}

func (e *Engine) finish(ctx context.Context, fu followUp) {
	for _, ev := range fu.events {
		e.sink.Publish(ctx, ev)
	}
	if fu.penalty != nil {
		e.requestPenalty(ctx, fu.penalty)
	}
	metrics.UpdateOpenCrises(e.OpenCount())
}

func (e *Engine) requestPenalty(ctx context.Context, c *model.Crisis) {
	if e.arbiter == nil || e.cfg.ControlPenalty <= 0 {
		return
	}
	regionID, ok := e.dir.RegionOfCity(c.CityID)
	if !ok {
		return
	}
	owner, err := e.arbiter.Owner(ctx, regionID)
	if err != nil || owner == "" {
		return
	}
	_, err = e.arbiter.Propose(ctx, model.ControlShiftRequest{
		RegionID:        regionID,
		ProposedOwnerID: owner,
		Trigger:         model.TriggerCrisisEscalation,
		Evidence:        model.Evidence{CrisisIDs: []string{c.ID}},
		ScoreDelta:      -e.cfg.ControlPenalty,
		Justification:   "crisis escalated in " + c.CityID,
		RequestedBy:     "crisis-engine",
	})
	if err != nil {
		e.log.Warn(ctx, "crisis control penalty rejected",
			logger.String("crisis_id", c.ID),
			logger.String("region_id", regionID),
			logger.Error(err),
		)
	}
}

func (e *Engine) qualifying(active []model.ImpactRecord, now time.Time) ([]model.ImpactRecord, float64) {
	var (
		out      []model.ImpactRecord
		pressure float64
	)
	for _, rec := range active {
		if e.cfg.Window > 0 && rec.CreatedAt.Before(now.Add(-e.cfg.Window)) {
			continue
		}
		out = append(out, rec)
		pressure += rec.Pressure()
	}
	return out, pressure
}

// attach links recs to c and reports whether a critical impact joined.
func (e *Engine) attach(ctx context.Context, c *model.Crisis, recs []model.ImpactRecord) (bool, error) {
	critical := false
	for _, rec := range recs {
		if c.HasImpact(rec.EffectID) {
			continue
		}
		if err := e.source.LinkCrisis(ctx, rec.EffectID, c.ID); err != nil {
			return critical, err
		}
		c.RelatedImpactIDs = append(c.RelatedImpactIDs, rec.EffectID)
		c.Severity = c.Severity.Max(rec.Severity)
		if rec.Severity == model.SeverityCritical {
			critical = true
			c.Metrics[model.KPICriticalImpacts]++
		}
		for _, trig := range append([]string{string(rec.EffectType)}, rec.TriggerRefs...) {
			if !slices.Contains(c.Triggers, trig) {
				c.Triggers = append(c.Triggers, trig)
			}
		}
	}
	c.Metrics[model.KPIAttachedImpacts] = float64(len(c.RelatedImpactIDs))
	return critical, nil
}

// Evaluate recomputes the city's pressure and advances its crisis state machine.
// It returns the open crisis after evaluation, if any.
func (e *Engine) Evaluate(ctx context.Context, cityID string) (*model.Crisis, error) {
	const op = "crisis.evaluate"
	if !e.dir.HasCity(cityID) {
		return nil, failure.NotFoundf(op, "city %q", cityID)
	}
	release, err := e.locks.Acquire(ctx, cityID)
	if err != nil {
		e.markDirty(cityID, true)
		return nil, err
	}
	var fu followUp
	c, err := e.evaluateLocked(ctx, cityID, &fu)
	release()
	e.markDirty(cityID, err != nil)
	e.finish(ctx, fu)
	return c, err
}

func (e *Engine) markDirty(cityID string, dirty bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dirty {
		e.dirty[cityID] = struct{}{}
		return
	}
	delete(e.dirty, cityID)
}

// Pending returns the cities whose last evaluation failed, sorted.
func (e *Engine) Pending() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.dirty))
	for city := range e.dirty {
		out = append(out, city)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) evaluateLocked(ctx context.Context, cityID string, fu *followUp) (*model.Crisis, error) {
	now := e.now()
	active, err := e.source.ListActive(ctx, model.Unit{Kind: model.UnitCity, ID: cityID}, now)
	if err != nil {
		return nil, err
	}
	recent, pressure := e.qualifying(active, now)
	st := e.state(cityID)

	e.mu.RLock()
	var c *model.Crisis
	if st.open != nil {
		cp := st.open.Clone()
		c = &cp
	}
	e.mu.RUnlock()

	if c == nil {
		if pressure < e.cfg.Threshold || len(recent) == 0 {
			return nil, nil
		}
		c = &model.Crisis{
			ID:        e.newID(),
			CityID:    cityID,
			Severity:  model.SeverityLow,
			Status:    none,
			Metrics:   map[string]float64{model.KPIStartPressure: pressure},
			StartedAt: now,
		}
		if _, err := e.attach(ctx, c, recent); err != nil {
			return nil, err
		}
		e.setPressure(c, pressure)
		if err := e.transition(c, model.CrisisActive, now, fu); err != nil {
			return nil, err
		}
		e.commit(st, c)
		return c, nil
	}

	criticalJoined, err := e.attach(ctx, c, recent)
	if err != nil {
		return nil, err
	}
	e.setPressure(c, pressure)
	c.UpdatedAt = now
	growing := pressure-c.Metrics[model.KPIStartPressure] > e.cfg.EscalationDelta || criticalJoined

	switch c.Status {
	case model.CrisisActive:
		if growing {
			st.calmSince = time.Time{}
			if err := e.transition(c, model.CrisisEscalating, now, fu); err != nil {
				return nil, err
			}
			cp := c.Clone()
			fu.penalty = &cp
		}
	case model.CrisisEscalating:
		switch {
		case growing:
			st.calmSince = time.Time{}
		case st.calmSince.IsZero():
			st.calmSince = now
		case now.Sub(st.calmSince) >= e.cfg.DeescalateAfter:
			st.calmSince = time.Time{}
			if err := e.transition(c, model.CrisisActive, now, fu); err != nil {
				return nil, err
			}
		}
	case model.CrisisMitigated:
		if reason, ok := e.resolvable(c, active, now); ok {
			if err := e.resolve(c, reason, now, fu); err != nil {
				return nil, err
			}
		}
	}
	e.commit(st, c)
	if c.Status == model.CrisisResolved {
		return nil, nil
	}
	return c, nil
}

func (e *Engine) setPressure(c *model.Crisis, pressure float64) {
	c.Metrics[model.KPIPressure] = pressure
	if pressure > c.Metrics[model.KPIPeakPressure] {
		c.Metrics[model.KPIPeakPressure] = pressure
	}
}

// resolvable reports whether a mitigated crisis may close and why.
func (e *Engine) resolvable(c *model.Crisis, active []model.ImpactRecord, now time.Time) (string, bool) {
	open := false
	for _, rec := range active {
		if c.HasImpact(rec.EffectID) {
			open = true
			break
		}
	}
	if !open {
		return "impacts_resolved", true
	}
	if e.cfg.MitigationTimeout > 0 && c.MitigatedAt != nil && now.Sub(*c.MitigatedAt) >= e.cfg.MitigationTimeout {
		return "mitigation_timeout", true
	}
	return "", false
}

func (e *Engine) resolve(c *model.Crisis, reason string, now time.Time, fu *followUp) error {
	if err := e.transition(c, model.CrisisResolved, now, fu); err != nil {
		return err
	}
	c.ResolvedAt = &now
	c.ResolutionReason = reason
	return nil
}

// SubmitMitigation attaches plan to the city's open crisis and marks it mitigated.
func (e *Engine) SubmitMitigation(ctx context.Context, cityID string, plan model.MitigationPlan) (model.Crisis, error) {
	const op = "crisis.mitigate"
	if err := plan.Validate(); err != nil {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %w", ErrInvalidPlan, err))
	}
	if !e.dir.HasCity(cityID) {
		return model.Crisis{}, failure.NotFoundf(op, "city %q", cityID)
	}
	release, err := e.locks.Acquire(ctx, cityID)
	if err != nil {
		return model.Crisis{}, err
	}
	var fu followUp
	defer func() { e.finish(ctx, fu) }()
	defer release()

	st := e.state(cityID)
	c, ok := e.openCopy(st)
	if !ok {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrNotFound, ErrNoOpenCrisis)
	}
	if c.Status == model.CrisisMitigated {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrValidation, ErrAlreadyMitigated)
	}
	now := e.now()
	plan.SubmittedAt = now
	plan.Actions = slices.Clone(plan.Actions)
	c.Mitigation = &plan
	c.MitigatedAt = &now
	if err := e.transition(&c, model.CrisisMitigated, now, &fu); err != nil {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrValidation, err)
	}
	e.commit(st, &c)
	return c, nil
}

// ForceResolve closes the city's open crisis from any state and archives its impacts.
func (e *Engine) ForceResolve(ctx context.Context, cityID, actor, reason string) (model.Crisis, error) {
	const op = "crisis.force_resolve"
	if !e.dir.HasCity(cityID) {
		return model.Crisis{}, failure.NotFoundf(op, "city %q", cityID)
	}
	release, err := e.locks.Acquire(ctx, cityID)
	if err != nil {
		return model.Crisis{}, err
	}
	var fu followUp
	defer func() { e.finish(ctx, fu) }()
	defer release()

	st := e.state(cityID)
	c, ok := e.openCopy(st)
	if !ok {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrNotFound, ErrNoOpenCrisis)
	}
	for _, id := range c.RelatedImpactIDs {
		if _, err := e.source.Archive(ctx, id, actor); err != nil {
			return model.Crisis{}, err
		}
	}
	if reason == "" {
		reason = "forced"
	}
	now := e.now()
	if err := e.resolve(&c, "forced: "+reason, now, &fu); err != nil {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrValidation, err)
	}
	e.commit(st, &c)
	return c, nil
}

func (e *Engine) openCopy(st *cityState) (model.Crisis, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st.open == nil {
		return model.Crisis{}, false
	}
	return st.open.Clone(), true
}

// OnImpactDecayed re-evaluates the city of a decayed impact.
func (e *Engine) OnImpactDecayed(ctx context.Context, rec model.ImpactRecord) {
	if _, err := e.Evaluate(ctx, rec.CityID); err != nil {
		e.log.Warn(ctx, "evaluation after decay failed",
			logger.String("city_id", rec.CityID),
			logger.String("effect_id", rec.EffectID),
			logger.Error(err),
		)
	}
}

// Tick evaluates every city holding an open crisis so time-based transitions
// advance, and retries cities whose last evaluation failed.
func (e *Engine) Tick(ctx context.Context) {
	for _, city := range e.tickCities() {
		if _, err := e.Evaluate(ctx, city); err != nil {
			e.log.Warn(ctx, "crisis tick failed", logger.String("city_id", city), logger.Error(err))
		}
	}
}

// Run ticks every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
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
			e.Tick(ctx)
		}
	}
}

func (e *Engine) tickCities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for city, st := range e.cities {
		if st.open != nil {
			out = append(out, city)
		}
	}
	for city := range e.dirty {
		if st, ok := e.cities[city]; !ok || st.open == nil {
			out = append(out, city)
		}
	}
	sort.Strings(out)
	return out
}

// OpenCrisis returns the open crisis of a city.
func (e *Engine) OpenCrisis(_ context.Context, cityID string) (model.Crisis, error) {
	const op = "crisis.open"
	if !e.dir.HasCity(cityID) {
		return model.Crisis{}, failure.NotFoundf(op, "city %q", cityID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.cities[cityID]
	if !ok || st.open == nil {
		return model.Crisis{}, failure.WrapKind(op, failure.ErrNotFound, ErrNoOpenCrisis)
	}
	return st.open.Clone(), nil
}

// Get returns any crisis by id.
func (e *Engine) Get(_ context.Context, crisisID string) (model.Crisis, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	city, ok := e.byID[crisisID]
	if ok {
		st := e.cities[city]
		if st.open != nil && st.open.ID == crisisID {
			return st.open.Clone(), nil
		}
		for _, c := range st.closed {
			if c.ID == crisisID {
				return c.Clone(), nil
			}
		}
	}
	return model.Crisis{}, failure.NotFoundf("crisis.get", "crisis %q", crisisID)
}

// Exists reports whether crisisID was ever opened.
func (e *Engine) Exists(_ context.Context, crisisID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.byID[crisisID]
	return ok
}

// Status returns the status of the city's open crisis, or "" when there is none.
func (e *Engine) Status(cityID string) model.CrisisStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.cities[cityID]; ok && st.open != nil {
		return st.open.Status
	}
	return none
}

// Version counts crisis mutations of a city.
func (e *Engine) Version(cityID string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.cities[cityID]; ok {
		return st.version
	}
	return 0
}

// History returns every crisis of a city, oldest first, the open one last.
func (e *Engine) History(cityID string) []model.Crisis {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.cities[cityID]
	if !ok {
		return nil
	}
	out := make([]model.Crisis, 0, len(st.closed)+1)
	for _, c := range st.closed {
		out = append(out, c.Clone())
	}
	if st.open != nil {
		out = append(out, st.open.Clone())
	}
	return out
}

// All returns every crisis of every city ordered by start time.
func (e *Engine) All() []model.Crisis {
	e.mu.RLock()
	cities := make([]string, 0, len(e.cities))
	for city := range e.cities {
		cities = append(cities, city)
	}
	e.mu.RUnlock()

	var out []model.Crisis
	for _, city := range cities {
		out = append(out, e.History(city)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenCount returns how many cities currently hold an open crisis.
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, st := range e.cities {
		if st.open != nil {
			n++
		}
	}
	return n
}
