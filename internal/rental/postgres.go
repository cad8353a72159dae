package rental

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/internal/domain"
)

// PostgresRepository persists rentals to the validator's rentals table
// (spec.md §9 "Rentals are persisted in the validator's store").
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) Create(ctx context.Context, rental *Rental) error {
	specJSON, err := json.Marshal(rental.Spec)
	if err != nil {
		return fmt.Errorf("marshal container spec: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rentals (
			rental_id, validator_hotkey, miner_addr, executor_id, container_id,
			ssh_session_id, state, container_spec, created_at, expires_at, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, string(rental.ID), rental.ValidatorHotkey, rental.MinerAddr, rental.ExecutorID,
		rental.ContainerID, rental.SSHSessionID, string(rental.State), specJSON,
		rental.CreatedAt, rental.ExpiresAt, rental.Note)
	if err != nil {
		return fmt.Errorf("insert rental: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateState(ctx context.Context, id domain.RentalId, state domain.RentalState, note string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rentals SET state = $1, note = $2 WHERE rental_id = $3
	`, string(state), note, string(id))
	if err != nil {
		return fmt.Errorf("update rental state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errors.NotFound("rental", string(id))
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id domain.RentalId) (*Rental, error) {
	var rental Rental
	var state string
	var specJSON []byte
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT rental_id, validator_hotkey, miner_addr, executor_id, container_id,
			ssh_session_id, state, container_spec, created_at, expires_at, note
		FROM rentals WHERE rental_id = $1
	`, string(id)).Scan(&idStr, &rental.ValidatorHotkey, &rental.MinerAddr, &rental.ExecutorID,
		&rental.ContainerID, &rental.SSHSessionID, &state, &specJSON,
		&rental.CreatedAt, &rental.ExpiresAt, &rental.Note)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("rental", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("select rental: %w", err)
	}
	rental.ID = domain.RentalId(idStr)
	rental.State = domain.RentalState(state)
	if err := json.Unmarshal(specJSON, &rental.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal container spec: %w", err)
	}
	return &rental, nil
}
