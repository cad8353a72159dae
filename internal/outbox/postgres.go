package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresRepository persists outbox entries to the payments schema's
// outbox table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// ClaimBatch selects up to n pending-or-due entries and atomically
// transitions them to claimed, incrementing attempts, inside one
// transaction with row locking so two dispatcher replicas never claim the
// same entry twice.
func (r *PostgresRepository) ClaimBatch(ctx context.Context, n int) ([]Entry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, amount_plancks, transaction_id, attempts, next_attempt_at, state, priced_rate, created_at
		FROM outbox
		WHERE state IN ('pending', 'claimed') AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, time.Now(), n)
	if err != nil {
		return nil, fmt.Errorf("select claimable entries: %w", err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount string
		var pricedRate sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.TransactionID, &e.Attempts, &e.NextAttemptAt, &e.State, &pricedRate, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if e.AmountPlancks, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse amount_plancks: %w", err)
		}
		if pricedRate.Valid {
			rate, err := decimal.NewFromString(pricedRate.String)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("parse priced_rate: %w", err)
			}
			e.PricedRate = &rate
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET state = 'claimed', attempts = attempts + 1 WHERE id = $1
		`, entries[i].ID); err != nil {
			return nil, fmt.Errorf("claim entry %s: %w", entries[i].ID, err)
		}
		entries[i].Attempts++
		entries[i].State = StateClaimed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

func (r *PostgresRepository) SetPricedRate(ctx context.Context, entryID string, rate decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET priced_rate = $2 WHERE id = $1`, entryID, rate.String())
	if err != nil {
		return fmt.Errorf("set priced rate: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkDispatched(ctx context.Context, entryID, billingCreditID string, creditedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var transactionID string
	if err := tx.QueryRowContext(ctx, `SELECT transaction_id FROM outbox WHERE id = $1`, entryID).Scan(&transactionID); err != nil {
		return fmt.Errorf("lookup transaction id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET state = 'dispatched' WHERE id = $1`, entryID); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE observed_deposits
		SET status = 'credited', billing_credit_id = $2, credited_at = $3
		WHERE transaction_id = $1
	`, transactionID, billingCreditID, creditedAt); err != nil {
		return fmt.Errorf("mark deposit credited: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresRepository) ScheduleRetry(ctx context.Context, entryID string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET state = 'pending', next_attempt_at = $2 WHERE id = $1
	`, entryID, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE state IN ('pending', 'claimed')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return count, nil
}
