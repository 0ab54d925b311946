package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	service "github.com/okian/worldsim/internal/app"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/domain/alerting"
	"github.com/okian/worldsim/internal/domain/clock"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/ledger"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/notify"
	"github.com/okian/worldsim/pkg/logger"
)

// defaultStart is the simulated time a scenario without a start begins at.
var defaultStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// jobWaitTimeout bounds how long a recalc step waits for its job.
const jobWaitTimeout = 30 * time.Second

// Outcome is the result of one step.
type Outcome struct {
	Index  int       `json:"index"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail"`
	Code   string    `json:"code,omitempty"`
}

// Result is the world state after the last step.
type Result struct {
	Name     string                   `json:"name"`
	Start    time.Time                `json:"start"`
	End      time.Time                `json:"end"`
	Steps    []Outcome                `json:"steps"`
	Crises   []model.Crisis           `json:"crises"`
	Regions  []model.RegionControl    `json:"regions"`
	Fatigue  []model.FatigueState     `json:"fatigue"`
	Jobs     []model.RecalculationJob `json:"jobs"`
	Report   alerting.Report          `json:"report"`
	Events   []notify.Event           `json:"events"`
	Failures int                      `json:"failures"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets the base configuration. Background intervals are always
// disabled so the clock only moves through advance steps.
func WithConfig(cfg *config.Config) Option {
	return func(r *Runner) {
		if cfg != nil {
			r.cfg = cfg
		}
	}
}

// WithLogger sets a custom logger for the runner and its core.
func WithLogger(log logger.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// Runner replays scenarios.
type Runner struct {
	cfg *config.Config
	log logger.Logger
}

// NewRunner creates a runner with default configuration.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{cfg: config.New(), log: logger.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// state carries one replay.
type state struct {
	svc   *service.Service
	clk   *clock.Manual
	log   logger.Logger
	refs  map[string]string
	steps []Outcome
}

// Run replays f against a fresh in-process core. Domain rejections are
// recorded as step outcomes unless they contradict the step's expectation;
// any other error aborts the replay.
func (r *Runner) Run(ctx context.Context, f *File) (*Result, error) {
	cfg := *r.cfg
	cfg.DecaySweepIntervalMS = 0
	cfg.CrisisTickIntervalMS = 0
	cfg.RecalcIntervalSeconds = 0
	cfg.MetricsRefreshIntervalSeconds = 0
	cfg.StorePath = ""
	if f.Topology != nil {
		cfg.Topology = *f.Topology
	}

	start := f.Start
	if start.IsZero() {
		start = defaultStart
	}
	clk := clock.NewManual(start)
	rec := &notify.Recorder{}

	svc, err := service.New(ctx,
		service.WithConfig(&cfg),
		service.WithClock(clk.Now),
		service.WithLogger(r.log),
		service.WithSink(rec),
	)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		svc.Stop()
	}()
	if err := svc.Start(runCtx); err != nil {
		return nil, err
	}

	st := &state{svc: svc, clk: clk, log: r.log.Named("scenario"), refs: make(map[string]string)}
	res := &Result{Name: f.Name, Start: clk.Now()}
	for i, step := range f.Steps {
		detail, stepErr := st.apply(runCtx, step)
		out := Outcome{Index: i + 1, Kind: step.Kind, At: clk.Now(), Detail: detail}
		if stepErr != nil {
			out.Code = failure.Code(stepErr)
			if out.Detail == "" {
				out.Detail = stepErr.Error()
			}
			res.Failures++
		}
		if stepErr != nil && !isDomain(stepErr) {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Kind, stepErr)
		}
		if step.Expect != "" && step.Expect != outcomeCode(out.Code) {
			return nil, fmt.Errorf("%w: step %d (%s): want %q, got %q: %s",
				ErrExpectation, i+1, step.Kind, step.Expect, outcomeCode(out.Code), out.Detail)
		}
		st.log.Debug(runCtx, "step applied",
			logger.Int("step", out.Index),
			logger.String("kind", out.Kind),
			logger.String("code", out.Code),
		)
		st.steps = append(st.steps, out)
	}

	end := clk.Now()
	report, err := svc.Summary(runCtx, start, end.Add(time.Second))
	if err != nil {
		return nil, err
	}

	res.End = end
	res.Steps = st.steps
	res.Report = report
	for _, city := range svc.Topology().Cities() {
		res.Crises = append(res.Crises, svc.CrisisHistory(city)...)
	}
	res.Regions = svc.Regions()
	res.Fatigue = svc.FatigueRows()
	sort.Slice(res.Fatigue, func(i, j int) bool { return res.Fatigue[i].Key() < res.Fatigue[j].Key() })
	res.Jobs = svc.RecalcJobs()
	sort.Slice(res.Jobs, func(i, j int) bool { return res.Jobs[i].CreatedAt.Before(res.Jobs[j].CreatedAt) })
	res.Events = rec.Events()
	return res, nil
}

// outcomeCode names a successful step "ok".
func outcomeCode(code string) string {
	if code == "" {
		return ExpectOK
	}
	return code
}

// isDomain reports whether err carries a failure kind other than internal.
func isDomain(err error) bool {
	return failure.KindOf(err) != nil
}

func (st *state) apply(ctx context.Context, s Step) (string, error) {
	switch s.Kind {
	case KindImpact:
		return st.impact(ctx, s)
	case KindResolve:
		id, err := st.ref(s.Ref)
		if err != nil {
			return "", err
		}
		rec, err := st.svc.ResolveImpact(ctx, id, s.Actor)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s resolved in %s", s.Ref, rec.CityID), nil
	case KindShift:
		return st.shift(ctx, s)
	case KindXP:
		res, err := st.svc.RecordXPGain(ctx, s.Character, s.Skill, s.Amount, s.RequestID)
		if err != nil {
			return "", err
		}
		if res.Duplicate {
			return fmt.Sprintf("%s/%s duplicate request", s.Character, s.Skill), nil
		}
		return fmt.Sprintf("%s/%s +%.1f (x%.2f) total %.1f %s",
			s.Character, s.Skill, res.Awarded, res.Multiplier, res.State.DailyXPTotal, res.State.State), nil
	case KindMitigate:
		c, err := st.svc.SubmitMitigation(ctx, s.City, model.MitigationPlan{
			Title:       s.Title,
			Actions:     s.Actions,
			SubmittedBy: s.Actor,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("crisis in %s %s", c.CityID, c.Status), nil
	case KindAdvance:
		now := st.clk.Advance(s.Duration)
		decayed, err := st.svc.Sweep(ctx)
		if err != nil {
			return "", err
		}
		st.svc.Tick(ctx)
		return fmt.Sprintf("now %s, %d decayed", now.Format(time.RFC3339), len(decayed)), nil
	case KindRecalc:
		return st.recalc(ctx, s)
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStep, s.Kind)
}

func (st *state) impact(ctx context.Context, s Step) (string, error) {
	in := ledger.Impact{
		CityID:          s.City,
		SourceFactionID: s.Faction,
		EffectType:      model.EffectType(s.EffectType),
		Severity:        model.Severity(s.Severity),
		Magnitude:       s.Magnitude,
		TriggerRefs:     s.Triggers,
		Actor:           s.Actor,
	}
	if s.DecayAfter > 0 {
		at := st.clk.Now().Add(s.DecayAfter)
		in.DecayAt = &at
	}
	id, err := st.svc.RecordImpact(ctx, in)
	if err != nil {
		return "", err
	}
	if s.Ref != "" {
		st.refs[s.Ref] = id
	}
	detail := fmt.Sprintf("%s %s %s in %s", ref(s.Ref, id), s.Severity, s.EffectType, s.City)
	if c, err := st.svc.OpenCrisis(ctx, s.City); err == nil {
		detail += fmt.Sprintf(", crisis %s", c.Status)
	}
	return detail, nil
}

func (st *state) shift(ctx context.Context, s Step) (string, error) {
	var ev model.Evidence
	for _, r := range s.Evidence {
		if city, ok := strings.CutPrefix(r, crisisRefPrefix); ok {
			id, err := st.crisisID(ctx, city)
			if err != nil {
				return "", err
			}
			ev.CrisisIDs = append(ev.CrisisIDs, id)
			continue
		}
		id, err := st.ref(r)
		if err != nil {
			return "", err
		}
		ev.ImpactIDs = append(ev.ImpactIDs, id)
	}
	rc, err := st.svc.SubmitControlShift(ctx, model.ControlShiftRequest{
		RegionID:        s.Region,
		ProposedOwnerID: s.Owner,
		Trigger:         model.TriggerKind(s.Trigger),
		Evidence:        ev,
		ScoreDelta:      s.Delta,
		RequestedBy:     s.Actor,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %+d, owner %s", s.Region, s.Owner, s.Delta, rc.OwnerFactionID), nil
}

func (st *state) recalc(ctx context.Context, s Step) (string, error) {
	scope := model.JobScope(s.Scope)
	if scope == "" {
		scope = model.ScopeGlobal
	}
	id, err := st.svc.SubmitRecalc(ctx, scope, model.JobParams{
		CityIDs:    s.Cities,
		FactionIDs: s.Factions,
		RegionIDs:  s.Regions,
		Force:      s.Force,
	}, s.Actor)
	if err != nil {
		return "", err
	}
	waitCtx, cancel := context.WithTimeout(ctx, jobWaitTimeout)
	defer cancel()
	job, err := st.svc.WaitJob(waitCtx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("job %s %s: %d/%d processed, %d skipped, %d failed",
		short(job.ID), job.Status, job.Processed, job.Total, job.Skipped, job.Failed), nil
}

// crisisID resolves the open crisis of city, falling back to its latest one.
func (st *state) crisisID(ctx context.Context, city string) (string, error) {
	if c, err := st.svc.OpenCrisis(ctx, city); err == nil {
		return c.ID, nil
	}
	if h := st.svc.CrisisHistory(city); len(h) > 0 {
		return h[len(h)-1].ID, nil
	}
	return "", fmt.Errorf("%w: no crisis in %q", ErrUnknownRef, city)
}

func (st *state) ref(name string) (string, error) {
	id, ok := st.refs[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRef, name)
	}
	return id, nil
}

func ref(name, id string) string {
	if name != "" {
		return name
	}
	return short(id)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
