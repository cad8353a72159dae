// Package eventstore implements the append-only usage-event log (spec.md
// §4.4, C4): the canonical record of telemetry and lifecycle events that
// feeds billing analytics and rate-limited charging. Writes are batched the
// way services/indexer/storage.go batches opcode traces; reads are
// paginated by entity the way it paginates transactions by address.
package eventstore

import (
	"context"
	"time"

	"github.com/basilica-network/basilica/internal/domain"
)

// EventType enumerates the kinds of usage events the store accepts.
type EventType string

const (
	EventTelemetry EventType = "telemetry"
	EventLifecycle EventType = "lifecycle"
)

// UsageEvent is one append-only record (spec.md §3).
type UsageEvent struct {
	EventID     string
	RentalID    domain.RentalId
	UserID      domain.UserId
	ExecutorID  string
	ValidatorID string
	EventType   EventType
	EventData   map[string]interface{}
	Timestamp   time.Time
	Processed   bool
	BatchID     string
}

// Store is the capability interface C3's analytics path and C8/C9's
// telemetry pipeline depend on. A Postgres implementation lives in
// postgres.go; tests use an in-memory fake.
type Store interface {
	// AppendUsageEvent appends a single event.
	AppendUsageEvent(ctx context.Context, e UsageEvent) error
	// AppendBatch appends many events tagged with one batchID in one
	// round trip. Re-submitting the same batchID is a no-op (idempotent
	// retries), matching spec.md §4.4's "persisted batch rows allow
	// idempotent retries by batch_id."
	AppendBatch(ctx context.Context, events []UsageEvent, batchID string) error
	// GetEventsByEntity returns events for rentalID, optionally only those
	// at or after since, ordered oldest first.
	GetEventsByEntity(ctx context.Context, rentalID domain.RentalId, since *time.Time) ([]UsageEvent, error)
	// AggregateUsage sums the telemetry events for rentalID between start
	// and end into UsageMetrics, for C3's cost-evaluation path.
	AggregateUsage(ctx context.Context, rentalID domain.RentalId, start, end time.Time) (domain.UsageMetrics, error)
}
