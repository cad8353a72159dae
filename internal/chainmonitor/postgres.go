package chainmonitor

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/basilica-network/basilica/internal/outbox"
)

// PostgresRepository persists observed deposits and their matching outbox
// entries to the payments schema.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// RecordDeposit inserts the observed deposit and its outbox entry in one
// transaction. Both inserts are idempotent on their respective unique keys
// (block_number, event_index, to_address) and transaction_id, so
// re-delivery of the same finalized block is a no-op rather than an error.
// The entry's user_id is resolved here, not from the caller, by joining
// to_address against deposit_accounts.
func (r *PostgresRepository) RecordDeposit(ctx context.Context, deposit ObservedDeposit, entry outbox.Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO observed_deposits (block_number, event_index, to_address, from_address, amount_plancks, status, observed_at, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (block_number, event_index, to_address) DO NOTHING
	`, deposit.BlockNumber, deposit.EventIndex, deposit.To, deposit.From, deposit.AmountPlancks.String(), deposit.Status, deposit.ObservedAt, entry.TransactionID); err != nil {
		return fmt.Errorf("insert observed deposit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, user_id, amount_plancks, transaction_id, attempts, next_attempt_at, state, created_at)
		SELECT $1, da.user_id, $2, $3, 0, $4, 'pending', $4
		FROM deposit_accounts da
		WHERE da.address = $5
		ON CONFLICT (transaction_id) DO NOTHING
	`, entry.ID, entry.AmountPlancks.String(), entry.TransactionID, deposit.ObservedAt, deposit.To); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	return tx.Commit()
}
