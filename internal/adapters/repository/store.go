// Package repository defines the ledger storage contract and its in-memory implementation.
package repository

import (
	"context"
	"time"

	"github.com/okian/worldsim/internal/domain/model"
)

// ImpactStore persists impact records, their audit trail and per-unit versions.
// Implementations must be safe for concurrent use.
type ImpactStore interface {
	// Insert stores a new record. Returns ErrDuplicate if the id exists.
	Insert(ctx context.Context, rec model.ImpactRecord) error
	// Create inserts rec, appends entry and bumps every unit as one write.
	// Returns ErrDuplicate and changes nothing if the id exists.
	Create(ctx context.Context, rec model.ImpactRecord, entry model.AuditEntry, units []model.Unit) error
	// Get returns ErrNotFound if the id is unknown.
	Get(ctx context.Context, effectID string) (model.ImpactRecord, error)
	// Update replaces an existing record. Returns ErrNotFound if the id is unknown.
	Update(ctx context.Context, rec model.ImpactRecord) error

	// ListByCity returns every record of the city ordered by id.
	ListByCity(ctx context.Context, cityID string) ([]model.ImpactRecord, error)
	// ListByFaction returns every record with the source faction ordered by id.
	ListByFaction(ctx context.Context, factionID string) ([]model.ImpactRecord, error)
	// ListDue returns up to limit applying records whose decayAt is at or before asOf,
	// oldest decayAt first.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]model.ImpactRecord, error)

	// AppendAudit stores e and returns it with its sequence number assigned.
	AppendAudit(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error)
	// Audit returns the trail of one record in sequence order.
	Audit(ctx context.Context, effectID string) ([]model.AuditEntry, error)

	// BumpVersion increments and returns the mutation counter of unit.
	BumpVersion(ctx context.Context, unit model.Unit) (int64, error)
	// Version returns the mutation counter of unit, zero if never mutated.
	Version(ctx context.Context, unit model.Unit) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// AggregateStore keeps the last encoded aggregate of every recalculation unit.
type AggregateStore interface {
	PutAggregate(ctx context.Context, unit model.Unit, payload []byte) error
	// GetAggregate reports false when the unit was never computed.
	GetAggregate(ctx context.Context, unit model.Unit) ([]byte, bool, error)
}
