package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/okian/worldsim/internal/domain/model"
)

// Memory is an in-memory ImpactStore and AggregateStore.
type Memory struct {
	mu         sync.RWMutex
	records    map[string]model.ImpactRecord
	byCity     map[string]map[string]struct{}
	byFaction  map[string]map[string]struct{}
	audit      map[string][]model.AuditEntry
	seq        int64
	versions   map[string]int64
	aggregates map[string][]byte
	closed     bool
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		records:    make(map[string]model.ImpactRecord),
		byCity:     make(map[string]map[string]struct{}),
		byFaction:  make(map[string]map[string]struct{}),
		audit:      make(map[string][]model.AuditEntry),
		versions:   make(map[string]int64),
		aggregates: make(map[string][]byte),
	}
}

func index(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Insert(ctx context.Context, rec model.ImpactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.records[rec.EffectID]; ok {
		return ErrDuplicate
	}
	m.records[rec.EffectID] = rec.Clone()
	index(m.byCity, rec.CityID, rec.EffectID)
	index(m.byFaction, rec.SourceFactionID, rec.EffectID)
	return nil
}

// Create inserts rec, appends entry and bumps units under one lock.
func (m *Memory) Create(ctx context.Context, rec model.ImpactRecord, entry model.AuditEntry, units []model.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.records[rec.EffectID]; ok {
		return ErrDuplicate
	}
	m.records[rec.EffectID] = rec.Clone()
	index(m.byCity, rec.CityID, rec.EffectID)
	index(m.byFaction, rec.SourceFactionID, rec.EffectID)
	m.seq++
	entry.Seq = m.seq
	m.audit[entry.EffectID] = append(m.audit[entry.EffectID], entry)
	for _, u := range units {
		m.versions[u.Key()]++
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, effectID string) (model.ImpactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return model.ImpactRecord{}, err
	}
	rec, ok := m.records[effectID]
	if !ok {
		return model.ImpactRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update replaces the record. City and source faction are immutable after insert.
func (m *Memory) Update(ctx context.Context, rec model.ImpactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	prev, ok := m.records[rec.EffectID]
	if !ok {
		return ErrNotFound
	}
	rec.CityID = prev.CityID
	rec.SourceFactionID = prev.SourceFactionID
	m.records[rec.EffectID] = rec.Clone()
	return nil
}

func (m *Memory) list(ctx context.Context, idx map[string]map[string]struct{}, key string) ([]model.ImpactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(idx[key]))
	for id := range idx[key] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.ImpactRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id].Clone())
	}
	return out, nil
}

func (m *Memory) ListByCity(ctx context.Context, cityID string) ([]model.ImpactRecord, error) {
	return m.list(ctx, m.byCity, cityID)
}

func (m *Memory) ListByFaction(ctx context.Context, factionID string) ([]model.ImpactRecord, error) {
	return m.list(ctx, m.byFaction, factionID)
}

func (m *Memory) ListDue(ctx context.Context, asOf time.Time, limit int) ([]model.ImpactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var due []model.ImpactRecord
	for _, rec := range m.records {
		if rec.DueAt(asOf) {
			due = append(due, rec.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DecayAt.Equal(*due[j].DecayAt) {
			return due[i].DecayAt.Before(*due[j].DecayAt)
		}
		return due[i].EffectID < due[j].EffectID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return model.AuditEntry{}, err
	}
	m.seq++
	e.Seq = m.seq
	m.audit[e.EffectID] = append(m.audit[e.EffectID], e)
	return e, nil
}

func (m *Memory) Audit(ctx context.Context, effectID string) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(m.audit[effectID]), nil
}

func (m *Memory) BumpVersion(ctx context.Context, unit model.Unit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	m.versions[unit.Key()]++
	return m.versions[unit.Key()], nil
}

func (m *Memory) Version(ctx context.Context, unit model.Unit) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.versions[unit.Key()], nil
}

func (m *Memory) PutAggregate(ctx context.Context, unit model.Unit, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.aggregates[unit.Key()] = slices.Clone(payload)
	return nil
}

func (m *Memory) GetAggregate(ctx context.Context, unit model.Unit) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, false, err
	}
	p, ok := m.aggregates[unit.Key()]
	return slices.Clone(p), ok, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(ctx)
}

// Close makes every later call fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
