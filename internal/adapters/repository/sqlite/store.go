// Package sqlite provides a SQLite-backed ledger store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/worldsim/internal/adapters/repository"
	"github.com/okian/worldsim/internal/adapters/repository/sqlite/migrations"
	"github.com/okian/worldsim/internal/domain/model"
	_ "modernc.org/sqlite"
)

// Store implements repository.ImpactStore and repository.AggregateStore on SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ repository.ImpactStore    = (*Store)(nil)
	_ repository.AggregateStore = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const impactColumns = `effect_id, origin_order_id, city_id, source_faction_id, effect_type, severity,
	magnitude, status, trigger_refs, linked_crisis_id, decay_at, created_at, updated_at`

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func encodeRefs(refs []string) (string, error) {
	if len(refs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode trigger refs: %w", err)
	}
	return string(b), nil
}

func decayValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Insert(ctx context.Context, rec model.ImpactRecord) error {
	return insertImpact(ctx, s.db, rec)
}

// Create inserts rec with its first audit entry and version bumps in one transaction.
func (s *Store) Create(ctx context.Context, rec model.ImpactRecord, entry model.AuditEntry, units []model.Unit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertImpact(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}
	for _, u := range units {
		if _, err := bumpVersion(ctx, tx, u); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func insertImpact(ctx context.Context, q execer, rec model.ImpactRecord) error {
	refs, err := encodeRefs(rec.TriggerRefs)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
INSERT INTO impacts (`+impactColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (effect_id) DO NOTHING
`,
		rec.EffectID, rec.OriginOrderID, rec.CityID, rec.SourceFactionID,
		string(rec.EffectType), string(rec.Severity), rec.Magnitude, string(rec.Status),
		refs, rec.LinkedCrisisID, decayValue(rec.DecayAt), nanos(rec.CreatedAt), nanos(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert impact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert impact: %w", err)
	}
	if n == 0 {
		return repository.ErrDuplicate
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImpact(row scanner) (model.ImpactRecord, error) {
	var (
		rec                         model.ImpactRecord
		effectType, severity, state string
		refs                        string
		decay                       sql.NullInt64
		created, updated            int64
	)
	if err := row.Scan(
		&rec.EffectID, &rec.OriginOrderID, &rec.CityID, &rec.SourceFactionID,
		&effectType, &severity, &rec.Magnitude, &state,
		&refs, &rec.LinkedCrisisID, &decay, &created, &updated,
	); err != nil {
		return model.ImpactRecord{}, err
	}
	rec.EffectType = model.EffectType(effectType)
	rec.Severity = model.Severity(severity)
	rec.Status = model.ImpactStatus(state)
	if refs != "" && refs != "[]" {
		if err := json.Unmarshal([]byte(refs), &rec.TriggerRefs); err != nil {
			return model.ImpactRecord{}, fmt.Errorf("decode trigger refs: %w", err)
		}
	}
	if decay.Valid {
		t := fromNanos(decay.Int64)
		rec.DecayAt = &t
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return rec, nil
}

func (s *Store) Get(ctx context.Context, effectID string) (model.ImpactRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+impactColumns+` FROM impacts WHERE effect_id = ?`, effectID)
	rec, err := scanImpact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ImpactRecord{}, repository.ErrNotFound
	}
	if err != nil {
		return model.ImpactRecord{}, fmt.Errorf("get impact: %w", err)
	}
	return rec, nil
}

// Update replaces the mutable columns. City and source faction are immutable after insert.
func (s *Store) Update(ctx context.Context, rec model.ImpactRecord) error {
	refs, err := encodeRefs(rec.TriggerRefs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE impacts SET
	origin_order_id = ?,
	effect_type = ?,
	severity = ?,
	magnitude = ?,
	status = ?,
	trigger_refs = ?,
	linked_crisis_id = ?,
	decay_at = ?,
	updated_at = ?
WHERE effect_id = ?
`,
		rec.OriginOrderID, string(rec.EffectType), string(rec.Severity), rec.Magnitude, string(rec.Status),
		refs, rec.LinkedCrisisID, decayValue(rec.DecayAt), nanos(rec.UpdatedAt), rec.EffectID,
	)
	if err != nil {
		return fmt.Errorf("update impact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update impact: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]model.ImpactRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []model.ImpactRecord
	for rows.Next() {
		rec, err := scanImpact(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Store) ListByCity(ctx context.Context, cityID string) ([]model.ImpactRecord, error) {
	return s.query(ctx, "list city impacts",
		`SELECT `+impactColumns+` FROM impacts WHERE city_id = ? ORDER BY effect_id`, cityID)
}

func (s *Store) ListByFaction(ctx context.Context, factionID string) ([]model.ImpactRecord, error) {
	if factionID == "" {
		return nil, nil
	}
	return s.query(ctx, "list faction impacts",
		`SELECT `+impactColumns+` FROM impacts WHERE source_faction_id = ? ORDER BY effect_id`, factionID)
}

func (s *Store) ListDue(ctx context.Context, asOf time.Time, limit int) ([]model.ImpactRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "list due impacts", `
SELECT `+impactColumns+` FROM impacts
WHERE status IN (?, ?) AND decay_at IS NOT NULL AND decay_at <= ?
ORDER BY decay_at, effect_id
LIMIT ?
`, string(model.ImpactActive), string(model.ImpactPending), nanos(asOf), limit)
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q execer, e model.AuditEntry) (model.AuditEntry, error) {
	res, err := q.ExecContext(ctx, `
INSERT INTO impact_audit (effect_id, action, from_status, to_status, actor, note, at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.EffectID, string(e.Action), string(e.From), string(e.To), e.Actor, e.Note, nanos(e.At))
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	e.Seq = seq
	return e, nil
}

func (s *Store) Audit(ctx context.Context, effectID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, effect_id, action, from_status, to_status, actor, note, at
FROM impact_audit WHERE effect_id = ? ORDER BY seq
`, effectID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                model.AuditEntry
			action, from, to string
			at               int64
		)
		if err := rows.Scan(&e.Seq, &e.EffectID, &action, &from, &to, &e.Actor, &e.Note, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.From = model.ImpactStatus(from)
		e.To = model.ImpactStatus(to)
		e.At = fromNanos(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

func (s *Store) BumpVersion(ctx context.Context, unit model.Unit) (int64, error) {
	return bumpVersion(ctx, s.db, unit)
}

func bumpVersion(ctx context.Context, q execer, unit model.Unit) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
INSERT INTO unit_versions (unit_key, version) VALUES (?, 1)
ON CONFLICT (unit_key) DO UPDATE SET version = version + 1
RETURNING version
`, unit.Key()).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	return v, nil
}

func (s *Store) Version(ctx context.Context, unit model.Unit) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM unit_versions WHERE unit_key = ?`, unit.Key()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

func (s *Store) PutAggregate(ctx context.Context, unit model.Unit, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO aggregates (unit_key, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT (unit_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
`, unit.Key(), payload, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put aggregate: %w", err)
	}
	return nil
}

func (s *Store) GetAggregate(ctx context.Context, unit model.Unit) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM aggregates WHERE unit_key = ?`, unit.Key()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get aggregate: %w", err)
	}
	return payload, true, nil
}
