package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/basilica-network/basilica/internal/domain"
)

// PostgresRepository implements Repository over the billing schema's
// accounts/reservations tables. Every WithTx call opens one *sql.Tx and
// takes a row-level exclusive lock ("SELECT ... FOR UPDATE") on the account
// row the first time it's touched, so concurrent reserve/release/charge
// calls for the same user_id serialize instead of racing (spec.md §5).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	pgTx := &postgresTx{tx: sqlTx}
	if err := fn(ctx, pgTx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetOrCreateAccount(ctx context.Context, userID domain.UserId) (Account, error) {
	var a Account
	var balance, reserved, lifetimeSpent string
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, balance, reserved, lifetime_spent, last_updated
		FROM credit_accounts WHERE user_id = $1 FOR UPDATE
	`, string(userID)).Scan(&a.UserID, &balance, &reserved, &lifetimeSpent, &a.LastUpdated)

	if err == sql.ErrNoRows {
		a = NewAccount(userID)
		_, insertErr := t.tx.ExecContext(ctx, `
			INSERT INTO credit_accounts (user_id, balance, reserved, lifetime_spent, last_updated)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO NOTHING
		`, string(userID), a.Balance.String(), a.Reserved.String(), a.LifetimeSpent.String(), a.LastUpdated)
		if insertErr != nil {
			return Account{}, fmt.Errorf("create account: %w", insertErr)
		}
		// Re-select under the lock in case of a concurrent insert race.
		return t.GetOrCreateAccount(ctx, userID)
	}
	if err != nil {
		return Account{}, fmt.Errorf("select account: %w", err)
	}

	if a.Balance, err = domain.BalanceFromString(balance); err != nil {
		return Account{}, err
	}
	if a.Reserved, err = domain.BalanceFromString(reserved); err != nil {
		return Account{}, err
	}
	if a.LifetimeSpent, err = domain.BalanceFromString(lifetimeSpent); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (t *postgresTx) UpdateAccount(ctx context.Context, account Account) error {
	if account.Balance.Decimal().LessThan(account.Reserved.Decimal()) {
		return fmt.Errorf("invariant violation: balance %s < reserved %s", account.Balance, account.Reserved)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $2, reserved = $3, lifetime_spent = $4, last_updated = $5
		WHERE user_id = $1
	`, string(account.UserID), account.Balance.String(), account.Reserved.String(), account.LifetimeSpent.String(), account.LastUpdated)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (t *postgresTx) CreateReservation(ctx context.Context, res Reservation) error {
	var rentalID interface{}
	if res.RentalID != nil {
		rentalID = string(*res.RentalID)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, user_id, rental_id, amount, created_at, expires_at, released)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, string(res.ID), string(res.UserID), rentalID, res.Amount.String(), res.CreatedAt, res.ExpiresAt, res.Released)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *postgresTx) GetReservation(ctx context.Context, id domain.ReservationId) (*Reservation, error) {
	var res Reservation
	var rentalID sql.NullString
	var amount string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, rental_id, amount, created_at, expires_at, released
		FROM reservations WHERE id = $1 FOR UPDATE
	`, string(id)).Scan(&res.ID, &res.UserID, &rentalID, &amount, &res.CreatedAt, &res.ExpiresAt, &res.Released)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select reservation: %w", err)
	}
	if rentalID.Valid {
		rid := domain.RentalId(rentalID.String)
		res.RentalID = &rid
	}
	if res.Amount, err = domain.BalanceFromString(amount); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *postgresTx) UpdateReservation(ctx context.Context, res Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET released = $2 WHERE id = $1
	`, string(res.ID), res.Released)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return nil
}

func (t *postgresTx) GetActiveReservations(ctx context.Context, userID domain.UserId) ([]Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, rental_id, amount, created_at, expires_at, released
		FROM reservations
		WHERE user_id = $1 AND released = false AND expires_at > $2
	`, string(userID), time.Now())
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (t *postgresTx) GetExpiredReservations(ctx context.Context, limit int) ([]Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, rental_id, amount, created_at, expires_at, released
		FROM reservations
		WHERE released = false AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE
	`, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows *sql.Rows) ([]Reservation, error) {
	var result []Reservation
	for rows.Next() {
		var res Reservation
		var rentalID sql.NullString
		var amount string
		if err := rows.Scan(&res.ID, &res.UserID, &rentalID, &amount, &res.CreatedAt, &res.ExpiresAt, &res.Released); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		if rentalID.Valid {
			rid := domain.RentalId(rentalID.String)
			res.RentalID = &rid
		}
		var err error
		if res.Amount, err = domain.BalanceFromString(amount); err != nil {
			return nil, err
		}
		result = append(result, res)
	}
	return result, rows.Err()
}

func (t *postgresTx) SetUserPackage(ctx context.Context, userID domain.UserId, packageID domain.PackageId) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, package_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET package_id = EXCLUDED.package_id, updated_at = EXCLUDED.updated_at
	`, string(userID), string(packageID), time.Now())
	if err != nil {
		return fmt.Errorf("set user package: %w", err)
	}
	return nil
}

func (t *postgresTx) GetUserPackage(ctx context.Context, userID domain.UserId) (domain.PackageId, error) {
	var packageID string
	err := t.tx.QueryRowContext(ctx, `SELECT package_id FROM user_preferences WHERE user_id = $1`, string(userID)).Scan(&packageID)
	if err == sql.ErrNoRows {
		return domain.PackageH100, nil
	}
	if err != nil {
		return "", fmt.Errorf("get user package: %w", err)
	}
	return domain.PackageId(packageID), nil
}

func (t *postgresTx) GetCreditTransaction(ctx context.Context, transactionID string) (*string, error) {
	var creditID string
	err := t.tx.QueryRowContext(ctx, `
		SELECT credit_id FROM credit_transactions WHERE transaction_id = $1
	`, transactionID).Scan(&creditID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select credit transaction: %w", err)
	}
	return &creditID, nil
}

func (t *postgresTx) RecordCreditTransaction(ctx context.Context, transactionID, creditID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (transaction_id, credit_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id) DO NOTHING
	`, transactionID, creditID, time.Now())
	if err != nil {
		return fmt.Errorf("record credit transaction: %w", err)
	}
	return nil
}
