package deposits

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/internal/domain"
)

// PostgresRepository persists deposit accounts to the payments schema's
// deposit_accounts table, and joins against observed_deposits for
// list_by_user.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) GetByUser(ctx context.Context, userID domain.UserId) (*Account, error) {
	var a Account
	var accountID []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, address, account_id_bytes, public_key, encrypted_seed, created_at
		FROM deposit_accounts WHERE user_id = $1
	`, string(userID)).Scan(&a.UserID, &a.Address, &accountID, &a.PublicKeyHex, &a.EncryptedSeed, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select deposit account: %w", err)
	}
	copy(a.AccountID[:], accountID)
	return &a, nil
}

func (r *PostgresRepository) Create(ctx context.Context, account Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deposit_accounts (user_id, address, account_id_bytes, public_key, encrypted_seed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(account.UserID), account.Address, account.AccountID[:], account.PublicKeyHex, account.EncryptedSeed, account.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.AlreadyExists("deposit_account", string(account.UserID))
		}
		return fmt.Errorf("insert deposit account: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListAccountHexes(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT address FROM deposit_accounts`)
	if err != nil {
		return nil, fmt.Errorf("query deposit addresses: %w", err)
	}
	defer rows.Close()

	hexes := make(map[string]bool)
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("scan deposit address: %w", err)
		}
		hexes[address] = true
	}
	return hexes, rows.Err()
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID domain.UserId, limit, offset int) ([]ObservedDepositView, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT od.block_number, od.event_index, od.to_address, od.from_address,
			od.amount_plancks, od.status, od.observed_at, od.credited_at, od.billing_credit_id
		FROM observed_deposits od
		JOIN deposit_accounts da ON da.address = od.to_address
		WHERE da.user_id = $1
		ORDER BY od.observed_at DESC
		LIMIT $2 OFFSET $3
	`, string(userID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query observed deposits: %w", err)
	}
	defer rows.Close()

	var views []ObservedDepositView
	for rows.Next() {
		var v ObservedDepositView
		var creditedAt sql.NullTime
		var billingCreditID sql.NullString
		if err := rows.Scan(&v.BlockNumber, &v.EventIndex, &v.To, &v.From,
			&v.AmountPlancks, &v.Status, &v.ObservedAt, &creditedAt, &billingCreditID); err != nil {
			return nil, fmt.Errorf("scan observed deposit: %w", err)
		}
		if creditedAt.Valid {
			v.CreditedAt = &creditedAt.Time
		}
		if billingCreditID.Valid {
			v.BillingCreditID = &billingCreditID.String
		}
		views = append(views, v)
	}
	return views, rows.Err()
}
