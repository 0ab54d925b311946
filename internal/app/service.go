// Package service wires the world simulation core and implements the
// ingest and query surface the HTTP API and the scenario runner use.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	eventqueue "github.com/okian/worldsim/internal/adapters/mq/queue"
	workerpool "github.com/okian/worldsim/internal/adapters/mq/worker"
	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/adapters/repository/sqlite"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/domain/alerting"
	"github.com/okian/worldsim/internal/domain/control"
	"github.com/okian/worldsim/internal/domain/crisis"
	"github.com/okian/worldsim/internal/domain/dedupe"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/fatigue"
	"github.com/okian/worldsim/internal/domain/ledger"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/internal/domain/recalc"
	"github.com/okian/worldsim/internal/domain/retry"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
	"github.com/okian/worldsim/pkg/tracing"
)

// resolverFunc adapts a function to control.EvidenceResolver.
type resolverFunc func(ctx context.Context, id string) bool

func (f resolverFunc) Exists(ctx context.Context, id string) bool { return f(ctx, id) }

// Service owns every component of the core and its background loops.
type Service struct {
	mu sync.RWMutex

	cfg    *config.Config
	now    func() time.Time
	logger logger.Logger
	sinks  []notify.Sink
	tracer trace.Tracer

	// Core components
	store     Store
	ownsStore bool
	dir       *topology.Static
	ledger    *ledger.Ledger
	fatigue   *fatigue.Tracker
	crises    *crisis.Engine
	arbiter   *control.Arbiter
	queue     *eventqueue.InMemoryQueue
	scheduler *recalc.Scheduler
	pool      *workerpool.Pool
	alerts    *alerting.Aggregator

	// State
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds every component from the configuration. Background loops only
// run after Start.
func New(ctx context.Context, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: config.New(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger = s.logger.Named("service")
	s.tracer = tracing.Tracer("github.com/okian/worldsim/internal/app")

	dir, err := topology.NewStatic(s.cfg.Topology)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopology, err)
	}
	s.dir = dir

	if s.store == nil {
		if s.cfg.StorePath == "" {
			s.store = repository.NewMemory()
			s.logger.Info(ctx, "using in-memory ledger store")
		} else {
			db, err := sqlite.Open(ctx, s.cfg.StorePath)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrStoreOpen, err)
			}
			s.store = db
			s.logger.Info(ctx, "using sqlite ledger store", logger.String("path", s.cfg.StorePath))
		}
		s.ownsStore = true
	}

	s.build()
	return s, nil
}

func (s *Service) build() {
	cfg := s.cfg
	sink := notify.Fanout(append([]notify.Sink{notify.NewLogSink(s.logger)}, s.sinks...))
	lockTimeout := cfg.LockTimeout()
	policy := retry.Policy{MaxTries: cfg.RecalcMaxAttempts, Initial: cfg.RecalcRetryBackoff()}

	s.ledger = ledger.New(s.store, s.dir,
		ledger.WithClock(s.now),
		ledger.WithLogger(s.logger),
		ledger.WithSink(sink),
		ledger.WithLockTimeout(lockTimeout),
		ledger.WithRetryPolicy(policy),
	)

	s.fatigue = fatigue.NewTracker(s.dir,
		fatigue.WithClock(s.now),
		fatigue.WithLogger(s.logger),
		fatigue.WithSoftCaps(cfg.FatigueDefaultSoftCap, cfg.FatigueSoftCaps),
		fatigue.WithMinMultiplier(cfg.FatigueMinMultiplier),
		fatigue.WithDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))),
		fatigue.WithLockTimeout(lockTimeout),
	)

	// The arbiter resolves crisis evidence through the engine built after it.
	s.arbiter = control.New(s.dir,
		control.WithClock(s.now),
		control.WithLogger(s.logger),
		control.WithSink(sink),
		control.WithCooldown(cfg.ControlCooldown()),
		control.WithPendingEvents(cfg.ControlPendingEvents),
		control.WithLockTimeout(lockTimeout),
		control.WithEvidence(s.ledger, resolverFunc(func(ctx context.Context, id string) bool {
			return s.crises.Exists(ctx, id)
		})),
	)

	s.crises = crisis.NewEngine(s.ledger, s.dir,
		crisis.WithConfig(crisis.Config{
			Threshold:         cfg.CrisisThreshold,
			Window:            cfg.CrisisWindow(),
			EscalationDelta:   cfg.CrisisEscalationDelta,
			DeescalateAfter:   cfg.CrisisDeescalateAfter(),
			MitigationTimeout: cfg.CrisisMitigationTimeout(),
			ControlPenalty:    cfg.CrisisControlPenalty,
		}),
		crisis.WithClock(s.now),
		crisis.WithLogger(s.logger),
		crisis.WithSink(sink),
		crisis.WithArbiter(s.arbiter),
		crisis.WithLockTimeout(lockTimeout),
	)
	s.ledger.Subscribe(s.crises)

	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(cfg.QueueSize))
	s.scheduler = recalc.New(s.dir, recalc.Sources{
		Ledger:  s.ledger,
		Crises:  s.crises,
		Control: s.arbiter,
		Store:   s.store,
	}, s.queue,
		recalc.WithClock(s.now),
		recalc.WithLogger(s.logger),
		recalc.WithRetryPolicy(policy),
	)
	s.pool = workerpool.NewPool(cfg.WorkerCount, s.queue, s.scheduler)

	s.alerts = alerting.New(s.dir, alerting.Sources{
		Impacts: s.ledger,
		Crises:  s.crises,
		Control: s.arbiter,
		Fatigue: s.fatigue,
		Jobs:    s.scheduler,
	},
		alerting.WithClock(s.now),
		alerting.WithLogger(s.logger),
		alerting.WithThresholds(alerting.Thresholds{
			Window:          cfg.MetricsWindow(),
			ShiftRateLimit:  cfg.ShiftRateLimit,
			ShiftRate:       cfg.AlertShiftRate,
			FatigueOverflow: cfg.AlertFatigueOverflow,
			CrisisSurvival:  cfg.AlertCrisisSurvival,
			MaxAlerts:       cfg.AlertMax,
		}),
	)
}

// Start launches the worker pool and every periodic loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting world simulation core...")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pool.Run(gctx) })
	g.Go(func() error { return s.ledger.Run(gctx, s.cfg.DecaySweepInterval()) })
	g.Go(func() error { return s.crises.Run(gctx, s.cfg.CrisisTickInterval()) })
	g.Go(func() error { return s.scheduler.Schedule(gctx, s.cfg.RecalcInterval()) })
	g.Go(func() error { return s.alerts.Run(gctx, s.cfg.MetricsRefreshInterval()) })

	s.cancel = cancel
	s.group = g
	s.started = true
	s.logger.Info(ctx, "world simulation core started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.cfg.QueueSize),
		logger.Int("regions", len(s.dir.Regions())),
		logger.Int("cities", len(s.dir.Cities())),
		logger.Int("factions", len(s.dir.Factions())),
	)
	return nil
}

// Stop cancels the background loops, waits for them and closes an owned store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if s.started {
		s.logger.Info(ctx, "stopping world simulation core...")
		s.cancel()
		if err := s.group.Wait(); err != nil {
			s.logger.Error(ctx, "background loop failed", logger.Error(err))
		}
		s.started = false
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error(ctx, "closing ledger store failed", logger.Error(err))
		}
		s.store = nil
	}
	s.logger.Info(ctx, "world simulation core stopped")
}

// Started reports whether the background loops are running.
func (s *Service) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Topology returns the world map the service serves.
func (s *Service) Topology() topology.Directory { return s.dir }

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.Code(err))
	}
	span.End()
}

// evaluate re-runs crisis evaluation for a city after a ledger write. The
// write already succeeded, so a failure here is only logged.
func (s *Service) evaluate(ctx context.Context, cityID string) {
	if _, err := s.crises.Evaluate(ctx, cityID); err != nil {
		s.logger.Warn(ctx, "crisis evaluation failed", logger.String("city_id", cityID), logger.Error(err))
	}
}

// RecordImpact appends an impact to the ledger and re-evaluates its city.
func (s *Service) RecordImpact(ctx context.Context, in ledger.Impact) (id string, err error) {
	ctx, span := s.span(ctx, "service.RecordImpact",
		attribute.String("city_id", in.CityID),
		attribute.String("effect_type", string(in.EffectType)),
	)
	defer func() { endSpan(span, err) }()

	id, err = s.ledger.Record(ctx, in)
	if err != nil {
		return "", err
	}
	s.evaluate(ctx, in.CityID)
	return id, nil
}

// ResolveImpact resolves an impact and re-evaluates its city.
func (s *Service) ResolveImpact(ctx context.Context, effectID, actor string) (rec model.ImpactRecord, err error) {
	ctx, span := s.span(ctx, "service.ResolveImpact", attribute.String("effect_id", effectID))
	defer func() { endSpan(span, err) }()

	rec, err = s.ledger.Resolve(ctx, effectID, actor)
	if err != nil {
		return rec, err
	}
	s.evaluate(ctx, rec.CityID)
	return rec, nil
}

// ArchiveImpact archives an impact and re-evaluates its city.
func (s *Service) ArchiveImpact(ctx context.Context, effectID, actor string) (rec model.ImpactRecord, err error) {
	ctx, span := s.span(ctx, "service.ArchiveImpact", attribute.String("effect_id", effectID))
	defer func() { endSpan(span, err) }()

	rec, err = s.ledger.Archive(ctx, effectID, actor)
	if err != nil {
		return rec, err
	}
	s.evaluate(ctx, rec.CityID)
	return rec, nil
}

// RecordXPGain applies an experience gain through the fatigue tracker.
func (s *Service) RecordXPGain(ctx context.Context, characterID, skill string, amount float64, requestID string) (res model.XPGainResult, err error) {
	ctx, span := s.span(ctx, "service.RecordXPGain",
		attribute.String("character_id", characterID),
		attribute.String("skill", skill),
	)
	defer func() { endSpan(span, err) }()
	return s.fatigue.RecordGain(ctx, characterID, skill, amount, requestID)
}

// SubmitControlShift asks the arbiter to apply a control shift.
func (s *Service) SubmitControlShift(ctx context.Context, req model.ControlShiftRequest) (rc model.RegionControl, err error) {
	ctx, span := s.span(ctx, "service.SubmitControlShift",
		attribute.String("region_id", req.RegionID),
		attribute.String("faction_id", req.ProposedOwnerID),
		attribute.String("trigger", string(req.Trigger)),
	)
	defer func() { endSpan(span, err) }()
	return s.arbiter.Propose(ctx, req)
}

// SubmitMitigation attaches a mitigation plan to the city's open crisis.
func (s *Service) SubmitMitigation(ctx context.Context, cityID string, plan model.MitigationPlan) (c model.Crisis, err error) {
	ctx, span := s.span(ctx, "service.SubmitMitigation", attribute.String("city_id", cityID))
	defer func() { endSpan(span, err) }()
	return s.crises.SubmitMitigation(ctx, cityID, plan)
}

// ForceResolveCrisis closes the city's open crisis and archives its impacts.
func (s *Service) ForceResolveCrisis(ctx context.Context, cityID, actor, reason string) (c model.Crisis, err error) {
	ctx, span := s.span(ctx, "service.ForceResolveCrisis", attribute.String("city_id", cityID))
	defer func() { endSpan(span, err) }()
	return s.crises.ForceResolve(ctx, cityID, actor, reason)
}

// SubmitRecalc queues a recalculation job.
func (s *Service) SubmitRecalc(ctx context.Context, scope model.JobScope, params model.JobParams, requestedBy string) (id string, err error) {
	ctx, span := s.span(ctx, "service.SubmitRecalc",
		attribute.String("scope", string(scope)),
		attribute.Bool("force", params.Force),
	)
	defer func() { endSpan(span, err) }()
	return s.scheduler.Submit(ctx, scope, params, requestedBy)
}

// CancelRecalc cancels a queued or running job.
func (s *Service) CancelRecalc(ctx context.Context, jobID string) (model.RecalculationJob, error) {
	return s.scheduler.Cancel(ctx, jobID)
}

// RecalcJob returns a job by id.
func (s *Service) RecalcJob(ctx context.Context, jobID string) (model.RecalculationJob, error) {
	return s.scheduler.Get(ctx, jobID)
}

// RecalcJobs returns every retained job.
func (s *Service) RecalcJobs() []model.RecalculationJob { return s.scheduler.List() }

// WaitJob polls a job until it reaches a terminal state or ctx is done.
func (s *Service) WaitJob(ctx context.Context, jobID string) (model.RecalculationJob, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := s.scheduler.Get(ctx, jobID)
		if err != nil || job.Status.Terminal() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Impact returns one ledger record.
func (s *Service) Impact(ctx context.Context, effectID string) (model.ImpactRecord, error) {
	return s.ledger.Get(ctx, effectID)
}

// ImpactAudit returns the audit trail of a record.
func (s *Service) ImpactAudit(ctx context.Context, effectID string) ([]model.AuditEntry, error) {
	return s.ledger.Audit(ctx, effectID)
}

// ActiveImpacts lists the impacts of a city or faction applying now.
func (s *Service) ActiveImpacts(ctx context.Context, unit model.Unit) ([]model.ImpactRecord, error) {
	return s.ledger.ListActive(ctx, unit, time.Time{})
}

// OpenCrisis returns the city's open crisis.
func (s *Service) OpenCrisis(ctx context.Context, cityID string) (model.Crisis, error) {
	return s.crises.OpenCrisis(ctx, cityID)
}

// CrisisHistory returns every crisis of a city.
func (s *Service) CrisisHistory(cityID string) []model.Crisis { return s.crises.History(cityID) }

// RegionControl returns the control record of a region.
func (s *Service) RegionControl(ctx context.Context, regionID string) (model.RegionControl, error) {
	return s.arbiter.Get(ctx, regionID)
}

// Regions returns every region's control record.
func (s *Service) Regions() []model.RegionControl { return s.arbiter.Regions() }

// ControlState returns the per-(region, faction) control view.
func (s *Service) ControlState(ctx context.Context, regionID, factionID string) (model.ControlState, error) {
	return s.arbiter.State(ctx, regionID, factionID)
}

// Fatigue returns a character's fatigue for one skill.
func (s *Service) Fatigue(ctx context.Context, characterID, skill string) (model.FatigueState, error) {
	return s.fatigue.State(ctx, characterID, skill)
}

// FatigueRows returns every tracked fatigue row.
func (s *Service) FatigueRows() []model.FatigueState { return s.fatigue.Rows() }

// CityAggregate returns the last computed aggregate of a city.
func (s *Service) CityAggregate(ctx context.Context, cityID string) (model.CityAggregate, error) {
	if !s.dir.HasCity(cityID) {
		return model.CityAggregate{}, failure.NotFoundf("service.city_aggregate", "city %q", cityID)
	}
	return s.scheduler.City(ctx, cityID)
}

// FactionAggregate returns the last computed aggregate of a faction.
func (s *Service) FactionAggregate(ctx context.Context, factionID string) (model.FactionAggregate, error) {
	if !s.dir.HasFaction(factionID) {
		return model.FactionAggregate{}, failure.NotFoundf("service.faction_aggregate", "faction %q", factionID)
	}
	return s.scheduler.Faction(ctx, factionID)
}

// Summary builds the windowed metrics report. Zero bounds use the configured window ending now.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (alerting.Report, error) {
	return s.alerts.Report(ctx, from, to)
}

// Sweep runs one decay sweep immediately.
func (s *Service) Sweep(ctx context.Context) ([]model.ImpactRecord, error) {
	return s.ledger.Sweep(ctx)
}

// Tick advances time-based crisis transitions immediately.
func (s *Service) Tick(ctx context.Context) { s.crises.Tick(ctx) }

// Ping reports whether the ledger store is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.ledger.Ping(ctx) }

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	jobs := s.scheduler.List()
	byStatus := make(map[string]int)
	for _, j := range jobs {
		byStatus[string(j.Status)]++
	}
	queueLen := s.queue.Len()
	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateOpenCrises(s.crises.OpenCount())

	return map[string]any{
		"started":        started,
		"worker_count":   s.pool.Size(),
		"jobs_processed": s.pool.Processed(),
		"queue_length":   queueLen,
		"queue_capacity": s.cfg.QueueSize,
		"regions":        len(s.dir.Regions()),
		"cities":         len(s.dir.Cities()),
		"factions":       len(s.dir.Factions()),
		"open_crises":    s.crises.OpenCount(),
		"fatigue_rows":   len(s.fatigue.Rows()),
		"jobs":           byStatus,
		"ledger_ok":      s.Ping(context.Background()) == nil,
	}
}
