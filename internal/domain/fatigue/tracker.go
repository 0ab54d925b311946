package fatigue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okian/worldsim/internal/domain/dedupe"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/keylock"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/topology"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
)

const (
	defaultSoftCap       = 1000
	defaultMinMultiplier = 0.1
)

// Tracker owns every FatigueState row and serializes updates per row.
type Tracker struct {
	dir        topology.Directory
	locks      *keylock.Locker
	seen       dedupe.Deduper
	log        logger.Logger
	now        func() time.Time
	defaultCap float64
	caps       map[string]float64
	floor      float64

	mu   sync.RWMutex
	rows map[string]model.FatigueState
}

// NewTracker builds a tracker checking characters against dir.
func NewTracker(dir topology.Directory, opts ...Option) *Tracker {
	t := &Tracker{
		dir:        dir,
		locks:      keylock.New("fatigue", 0),
		seen:       dedupe.NewInMemoryDeduper(),
		log:        logger.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		defaultCap: defaultSoftCap,
		floor:      defaultMinMultiplier,
		rows:       make(map[string]model.FatigueState),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("fatigue")
	return t
}

// Params returns the accrual parameters of skill.
func (t *Tracker) Params(skill string) Params {
	softCap := t.defaultCap
	if c, ok := t.caps[skill]; ok && c > 0 {
		softCap = c
	}
	return Params{SoftCap: softCap, MinMultiplier: t.floor}
}

func (t *Tracker) check(op, characterID, skill string) error {
	if strings.TrimSpace(skill) == "" {
		return failure.WrapKind(op, failure.ErrValidation, ErrMissingSkill)
	}
	if !t.dir.HasCharacter(characterID) {
		return failure.WrapKind(op, failure.ErrNotFound, fmt.Errorf("%w: %q", ErrUnknownCharacter, characterID))
	}
	return nil
}

func (t *Tracker) load(characterID, skill string, now time.Time) model.FatigueState {
	t.mu.RLock()
	row, ok := t.rows[model.FatigueKey(characterID, skill)]
	t.mu.RUnlock()
	if !ok {
		return Fresh(characterID, skill, t.Params(skill), now)
	}
	return row
}

// RecordGain accrues amount for (characterID, skill). A non-empty requestID
// makes the call retry-safe: a replay returns the current state and awards nothing.
func (t *Tracker) RecordGain(ctx context.Context, characterID, skill string, amount float64, requestID string) (model.XPGainResult, error) {
	const op = "fatigue.record"
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return model.XPGainResult{}, failure.WrapKind(op, failure.ErrValidation, ErrBadGain)
	}
	if err := t.check(op, characterID, skill); err != nil {
		return model.XPGainResult{}, err
	}

	key := model.FatigueKey(characterID, skill)
	release, err := t.locks.Acquire(ctx, key)
	if err != nil {
		return model.XPGainResult{}, err
	}
	defer release()

	now := t.now()
	if requestID != "" && t.seen.SeenAndRecord(ctx, key+"\x00"+requestID) {
		row := Reset(t.load(characterID, skill, now), now)
		return model.XPGainResult{Requested: amount, Multiplier: row.FatigueModifier, Duplicate: true, State: row}, nil
	}

	next, awarded, mult := Apply(t.load(characterID, skill, now), amount, t.Params(skill), now)
	t.mu.Lock()
	t.rows[key] = next
	t.mu.Unlock()

	metrics.RecordXPGain(string(next.State))
	t.log.Debug(ctx, "xp gain applied",
		logger.String("character_id", characterID),
		logger.String("skill", skill),
		logger.Float64("requested", amount),
		logger.Float64("awarded", awarded),
		logger.Float64("multiplier", mult),
		logger.String("state", string(next.State)),
	)
	return model.XPGainResult{Requested: amount, Awarded: awarded, Multiplier: mult, State: next}, nil
}

// State returns the row as of now with the lazy reset applied. Rows never
// touched report a fresh state.
func (t *Tracker) State(_ context.Context, characterID, skill string) (model.FatigueState, error) {
	if err := t.check("fatigue.state", characterID, skill); err != nil {
		return model.FatigueState{}, err
	}
	now := t.now()
	return Reset(t.load(characterID, skill, now), now), nil
}

// Rows returns every known row as of now, ordered by character then skill.
func (t *Tracker) Rows() []model.FatigueState {
	now := t.now()
	t.mu.RLock()
	out := make([]model.FatigueState, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, Reset(row, now))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CharacterID != out[j].CharacterID {
			return out[i].CharacterID < out[j].CharacterID
		}
		return out[i].Skill < out[j].Skill
	})
	return out
}
