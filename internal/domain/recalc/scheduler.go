// Package recalc recomputes derived city and faction aggregates in batch jobs.
package recalc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/retry"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
)

// Ledger is the read side of the impact ledger a job consults.
type Ledger interface {
	ListActive(ctx context.Context, unit model.Unit, asOf time.Time) ([]model.ImpactRecord, error)
	Version(ctx context.Context, unit model.Unit) (int64, error)
	Ping(ctx context.Context) error
}

// Crises reports crisis state per city.
type Crises interface {
	Status(cityID string) model.CrisisStatus
	Version(cityID string) int64
}

// Control reports regional control.
type Control interface {
	Regions() []model.RegionControl
	FactionVersion(factionID string) int64
}

// Enqueuer hands job ids to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Sources bundles what a job reads and where it writes.
type Sources struct {
	Ledger  Ledger
	Crises  Crises
	Control Control
	Store   repository.AggregateStore
}

type entry struct {
	job   model.RecalculationJob
	units []model.Unit
}

// Scheduler owns every RecalculationJob. Workers drive jobs through RunJob.
type Scheduler struct {
	dir     topology.Directory
	src     Sources
	queue   Enqueuer
	log     logger.Logger
	now     func() time.Time
	newID   func() string
	retry   retry.Policy
	history int

	mu    sync.RWMutex
	jobs  map[string]*entry
	order []string
}

// New builds a scheduler that enqueues submitted jobs on q.
func New(dir topology.Directory, src Sources, q Enqueuer, opts ...Option) *Scheduler {
	s := &Scheduler{
		dir:     dir,
		src:     src,
		queue:   q,
		log:     logger.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		retry:   retry.DefaultPolicy,
		history: defaultJobHistory,
		jobs:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("recalc")
	return s
}

// Submit validates and queues a job, returning its id.
func (s *Scheduler) Submit(ctx context.Context, scope model.JobScope, params model.JobParams, requestedBy string) (string, error) {
	const op = "recalc.submit"
	units, err := Expand(s.dir, scope, params)
	if err != nil {
		return "", err
	}
	e := &entry{
		job: model.RecalculationJob{
			ID:          s.newID(),
			Status:      model.JobQueued,
			Scope:       scope,
			Params:      params,
			Total:       len(units),
			RequestedBy: requestedBy,
			CreatedAt:   s.now(),
		},
		units: units,
	}
	s.mu.Lock()
	s.jobs[e.job.ID] = e
	s.order = append(s.order, e.job.ID)
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, e.job.ID); err != nil {
		s.mu.Lock()
		delete(s.jobs, e.job.ID)
		s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == e.job.ID })
		s.mu.Unlock()
		return "", failure.WrapKind(op, failure.ErrUnavailable, fmt.Errorf("%w: %w", ErrQueueRejected, err))
	}
	metrics.RecordJobSubmitted()
	s.log.Info(ctx, "recalculation job queued",
		logger.String("job_id", e.job.ID),
		logger.String("scope", string(scope)),
		logger.Int("units", len(units)),
		logger.Bool("force", params.Force),
		logger.String("requested_by", requestedBy),
	)
	return e.job.ID, nil
}

// mutate applies fn to a non-terminal job under the lock. It reports false
// when the job is unknown or already terminal.
func (s *Scheduler) mutate(id string, fn func(j *model.RecalculationJob)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return false
	}
	fn(&e.job)
	return true
}

// progress applies fn to a running job, or to one cancelled while a unit was
// in flight. Only counters may change; the status stays frozen.
func (s *Scheduler) progress(id string, fn func(j *model.RecalculationJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || (e.job.Status != model.JobRunning && e.job.Status != model.JobCancelled) {
		return
	}
	fn(&e.job)
}

func (s *Scheduler) status(id string) model.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.jobs[id]; ok {
		return e.job.Status
	}
	return ""
}

// RunJob executes a queued job to a terminal state. Unit failures are
// recorded on the job; only an unreachable ledger fails the whole job.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	var (
		units   []model.Unit
		force   bool
		running bool
	)
	startedAt := s.now()
	s.mutate(id, func(j *model.RecalculationJob) {
		if j.Status != model.JobQueued {
			return
		}
		j.Status = model.JobRunning
		j.StartedAt = &startedAt
		units = s.jobs[id].units
		force = j.Params.Force
		running = true
	})
	if !running {
		return nil
	}
	wall := time.Now()
	defer func() {
		status := s.status(id)
		metrics.RecordJobFinished(string(status), time.Since(wall).Seconds())
	}()

	if _, _, err := retry.Do(ctx, s.retry, func() (struct{}, error) {
		return struct{}{}, s.src.Ledger.Ping(ctx)
	}); err != nil {
		s.finish(ctx, id, model.JobFailed, &model.UnitError{Message: fmt.Errorf("%w: %w", ErrLedgerDown, err).Error(), At: s.now()})
		return err
	}

	for _, u := range units {
		if err := ctx.Err(); err != nil {
			s.finish(ctx, id, model.JobFailed, &model.UnitError{Message: fmt.Errorf("%w: %w", ErrJobInterrupted, err).Error(), At: s.now()})
			return err
		}
		if s.status(id) == model.JobCancelled {
			s.log.Info(ctx, "recalculation job stopped after cancel", logger.String("job_id", id))
			return nil
		}
		skipped, attempts, err := s.runUnit(ctx, u, force)
		s.progress(id, func(j *model.RecalculationJob) {
			if err != nil {
				j.Failed++
				j.Errors = append(j.Errors, model.UnitError{Unit: u, Message: err.Error(), Attempts: attempts, At: s.now()})
				return
			}
			j.Processed++
			if skipped {
				j.Skipped++
			}
		})
		if err != nil {
			metrics.RecordUnitFailure()
			s.log.Warn(ctx, "recalculation unit failed",
				logger.String("job_id", id),
				logger.String("unit", u.Key()),
				logger.Int("attempts", attempts),
				logger.Error(err),
			)
		}
	}
	s.finish(ctx, id, model.JobCompleted, nil)
	return nil
}

func (s *Scheduler) finish(ctx context.Context, id string, status model.JobStatus, cause *model.UnitError) {
	var done model.RecalculationJob
	ok := s.mutate(id, func(j *model.RecalculationJob) {
		now := s.now()
		j.Status = status
		j.FinishedAt = &now
		if cause != nil {
			j.Errors = append(j.Errors, *cause)
		}
		done = j.Clone()
	})
	if !ok {
		return
	}
	s.prune()
	s.log.Info(ctx, "recalculation job finished",
		logger.String("job_id", id),
		logger.String("status", string(status)),
		logger.Int("processed", done.Processed),
		logger.Int("failed", done.Failed),
		logger.Int("skipped", done.Skipped),
		logger.Int("total", done.Total),
	)
}

// prune drops the oldest finished jobs beyond the history bound.
func (s *Scheduler) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	finished := 0
	for _, id := range s.order {
		if s.jobs[id].job.Status.Terminal() {
			finished++
		}
	}
	over := finished - s.history
	if over <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if over > 0 && s.jobs[id].job.Status.Terminal() {
			delete(s.jobs, id)
			over--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func unitErr(op string, err error) error {
	if err == nil || failure.KindOf(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return failure.WrapKind(op, failure.ErrUnavailable, err)
}

// runUnit recomputes one unit, retrying unavailable storage. It reports
// whether the unit was skipped as unchanged.
func (s *Scheduler) runUnit(ctx context.Context, u model.Unit, force bool) (bool, int, error) {
	skipped, attempts, err := retry.Do(ctx, s.retry, func() (bool, error) {
		switch u.Kind {
		case model.UnitCity:
			return s.city(ctx, u, force)
		case model.UnitFaction:
			return s.faction(ctx, u, force)
		default:
			return false, failure.WrapKind("recalc.unit", failure.ErrValidation, fmt.Errorf("%w: %s", ErrUnknownUnit, u.Key()))
		}
	})
	return skipped, attempts, err
}

func (s *Scheduler) previous(ctx context.Context, u model.Unit, into any) (bool, error) {
	raw, ok, err := s.src.Store.GetAggregate(ctx, u)
	if err != nil || !ok {
		return false, unitErr("recalc.load", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) save(ctx context.Context, u model.Unit, agg any) error {
	raw, err := json.Marshal(agg)
	if err != nil {
		return err
	}
	return unitErr("recalc.save", s.src.Store.PutAggregate(ctx, u, raw))
}

func (s *Scheduler) city(ctx context.Context, u model.Unit, force bool) (bool, error) {
	const op = "recalc.city"
	if !s.dir.HasCity(u.ID) {
		return false, failure.WrapKind(op, failure.ErrNotFound, fmt.Errorf("%w: %s", ErrUnknownUnit, u.Key()))
	}
	lv, err := s.src.Ledger.Version(ctx, u)
	if err != nil {
		return false, err
	}
	cv := s.src.Crises.Version(u.ID)
	if !force {
		var prev model.CityAggregate
		ok, err := s.previous(ctx, u, &prev)
		if err != nil {
			return false, err
		}
		if ok && prev.LedgerVersion == lv && prev.CrisisVersion == cv {
			return true, nil
		}
	}
	active, err := s.src.Ledger.ListActive(ctx, u, s.now())
	if err != nil {
		return false, err
	}
	return false, s.save(ctx, u, CityAggregate(u.ID, lv, active, s.src.Crises.Status(u.ID), cv))
}

func (s *Scheduler) faction(ctx context.Context, u model.Unit, force bool) (bool, error) {
	const op = "recalc.faction"
	if !s.dir.HasFaction(u.ID) {
		return false, failure.WrapKind(op, failure.ErrNotFound, fmt.Errorf("%w: %s", ErrUnknownUnit, u.Key()))
	}
	lv, err := s.src.Ledger.Version(ctx, u)
	if err != nil {
		return false, err
	}
	cv := s.src.Control.FactionVersion(u.ID)
	if !force {
		var prev model.FactionAggregate
		ok, err := s.previous(ctx, u, &prev)
		if err != nil {
			return false, err
		}
		if ok && prev.LedgerVersion == lv && prev.ControlVersion == cv {
			return true, nil
		}
	}
	active, err := s.src.Ledger.ListActive(ctx, u, s.now())
	if err != nil {
		return false, err
	}
	return false, s.save(ctx, u, FactionAggregate(u.ID, lv, cv, active, s.src.Control.Regions()))
}

// Get returns a job by id.
func (s *Scheduler) Get(_ context.Context, id string) (model.RecalculationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return model.RecalculationJob{}, failure.NotFoundf("recalc.get", "job %q", id)
	}
	return e.job.Clone(), nil
}

// Cancel stops a job. A queued job is cancelled before it starts; a running
// job stops before its next unit and keeps the units already committed.
// Cancelling a cancelled job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) (model.RecalculationJob, error) {
	const op = "recalc.cancel"
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return model.RecalculationJob{}, failure.NotFoundf(op, "job %q", id)
	}
	switch e.job.Status {
	case model.JobCancelled:
	case model.JobCompleted, model.JobFailed:
		s.mu.Unlock()
		return model.RecalculationJob{}, failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %s", ErrJobFinished, e.job.Status))
	default:
		now := s.now()
		e.job.Status = model.JobCancelled
		e.job.FinishedAt = &now
	}
	job := e.job.Clone()
	s.mu.Unlock()

	s.log.Info(ctx, "recalculation job cancelled", logger.String("job_id", id))
	return job, nil
}

// List returns every known job ordered by creation.
func (s *Scheduler) List() []model.RecalculationJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RecalculationJob, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].job.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// City returns the last computed aggregate of a city.
func (s *Scheduler) City(ctx context.Context, cityID string) (model.CityAggregate, error) {
	var agg model.CityAggregate
	ok, err := s.previous(ctx, model.Unit{Kind: model.UnitCity, ID: cityID}, &agg)
	if err != nil {
		return agg, err
	}
	if !ok {
		return agg, failure.NotFoundf("recalc.city", "no aggregate for city %q", cityID)
	}
	return agg, nil
}

// Faction returns the last computed aggregate of a faction.
func (s *Scheduler) Faction(ctx context.Context, factionID string) (model.FactionAggregate, error) {
	var agg model.FactionAggregate
	ok, err := s.previous(ctx, model.Unit{Kind: model.UnitFaction, ID: factionID}, &agg)
	if err != nil {
		return agg, err
	}
	if !ok {
		return agg, failure.NotFoundf("recalc.faction", "no aggregate for faction %q", factionID)
	}
	return agg, nil
}

// Schedule submits a global incremental job every interval until ctx is done.
func (s *Scheduler) Schedule(ctx context.Context, interval time.Duration) error {
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
			if _, err := s.Submit(ctx, model.ScopeGlobal, model.JobParams{}, "scheduler"); err != nil {
				s.log.Error(ctx, "scheduled recalculation not queued", logger.Error(err))
			}
		}
	}
}
