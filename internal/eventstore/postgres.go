package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/internal/domain"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// PostgresStore persists usage events to the billing schema's
// usage_events/usage_batches tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) AppendUsageEvent(ctx context.Context, e UsageEvent) error {
	return s.insert(ctx, s.db, e)
}

func (s *PostgresStore) insert(ctx context.Context, ex execer, e UsageEvent) error {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	var rentalID, batchID interface{}
	if e.RentalID != "" {
		rentalID = string(e.RentalID)
	}
	if e.BatchID != "" {
		batchID = e.BatchID
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO usage_events (
			event_id, rental_id, user_id, executor_id, validator_id,
			event_type, event_data, timestamp, processed, batch_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, rentalID, string(e.UserID), e.ExecutorID, e.ValidatorID,
		string(e.EventType), data, e.Timestamp, e.Processed, batchID)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) AppendBatch(ctx context.Context, events []UsageEvent, batchID string) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM usage_batches WHERE batch_id = $1)`, batchID).Scan(&exists); err != nil {
		return fmt.Errorf("check batch: %w", err)
	}
	if exists {
		// Idempotent retry of an already-applied batch: nothing to do.
		return tx.Commit()
	}

	for i := range events {
		events[i].BatchID = batchID
		if err := s.insert(ctx, tx, events[i]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_batches (batch_id, event_count, created_at)
		VALUES ($1, $2, $3)
	`, batchID, len(events), time.Now().UTC()); err != nil {
		return fmt.Errorf("record batch: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) GetEventsByEntity(ctx context.Context, rentalID domain.RentalId, since *time.Time) ([]UsageEvent, error) {
	query := `
		SELECT event_id, rental_id, user_id, executor_id, validator_id,
			event_type, event_data, timestamp, processed, COALESCE(batch_id, '')
		FROM usage_events
		WHERE rental_id = $1
	`
	args := []interface{}{string(rentalID)}
	if since != nil {
		query += " AND timestamp >= $2"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var e UsageEvent
		var rentalIDStr, validatorID sql.NullString
		var data []byte
		if err := rows.Scan(&e.EventID, &rentalIDStr, &e.UserID, &e.ExecutorID, &validatorID,
			&e.EventType, &data, &e.Timestamp, &e.Processed, &e.BatchID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RentalID = domain.RentalId(rentalIDStr.String)
		e.ValidatorID = validatorID.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.EventData); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) AggregateUsage(ctx context.Context, rentalID domain.RentalId, start, end time.Time) (domain.UsageMetrics, error) {
	events, err := s.GetEventsByEntity(ctx, rentalID, &start)
	if err != nil {
		return domain.UsageMetrics{}, err
	}

	usage := domain.ZeroUsage()
	for _, e := range events {
		if e.EventType != EventTelemetry || e.Timestamp.After(end) {
			continue
		}
		usage = usage.Add(metricsFromEventData(e.EventData))
	}
	return usage, nil
}

func metricsFromEventData(data map[string]interface{}) domain.UsageMetrics {
	get := func(key string) float64 {
		v, ok := data[key]
		if !ok {
			return 0
		}
		f, _ := v.(float64)
		return f
	}
	return domain.UsageMetrics{
		GPUHours:       decimalFromFloat(get("gpu_hours")),
		CPUHours:       decimalFromFloat(get("cpu_hours")),
		MemoryGBHours:  decimalFromFloat(get("memory_gb_hours")),
		StorageGBHours: decimalFromFloat(get("storage_gb_hours")),
		NetworkGB:      decimalFromFloat(get("network_gb")),
		DiskIOGB:       decimalFromFloat(get("disk_io_gb")),
	}
}
