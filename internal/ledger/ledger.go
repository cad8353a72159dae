// Package ledger implements the transactional credit ledger: account
// balances, reservations, and charges. Every multi-step mutation happens
// inside a single database transaction holding a row lock on the account,
// so concurrent reserve/charge/release calls for the same user serialize
// instead of racing.
package ledger

import (
	"context"
	"time"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/internal/domain"
)

// Reservation holds credits aside for a rental while it is provisioning or
// running, pending a final charge once actual usage is known.
type Reservation struct {
	ID        domain.ReservationId
	UserID    domain.UserId
	RentalID  *domain.RentalId
	Amount    domain.CreditBalance
	CreatedAt time.Time
	ExpiresAt time.Time
	Released  bool
	Metadata  map[string]string
}

// IsExpired reports whether the reservation has passed its expiry.
func (r Reservation) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// IsActive reports whether the reservation is still holding credits.
func (r Reservation) IsActive() bool {
	return !r.Released && !r.IsExpired()
}

// Account is a user's credit balance sheet.
type Account struct {
	UserID        domain.UserId
	Balance       domain.CreditBalance
	Reserved      domain.CreditBalance
	LifetimeSpent domain.CreditBalance
	LastUpdated   time.Time
}

// NewAccount returns a freshly zeroed account for userID.
func NewAccount(userID domain.UserId) Account {
	return Account{
		UserID:        userID,
		Balance:       domain.ZeroBalance(),
		Reserved:      domain.ZeroBalance(),
		LifetimeSpent: domain.ZeroBalance(),
		LastUpdated:   time.Now(),
	}
}

// AvailableBalance is the balance minus anything currently reserved.
func (a Account) AvailableBalance() domain.CreditBalance {
	avail, ok := a.Balance.Subtract(a.Reserved)
	if !ok {
		return domain.ZeroBalance()
	}
	return avail
}

// CanReserve reports whether amount fits within the available balance.
func (a Account) CanReserve(amount domain.CreditBalance) bool {
	return a.AvailableBalance().IsSufficient(amount)
}

// Repository is the persistence capability the Manager depends on. A
// Postgres implementation lives in postgres.go; an in-memory fake backs
// tests that don't need to exercise SQL.
type Repository interface {
	// WithTx runs fn inside one transaction. Tx.GetOrCreateAccount returns
	// the account row locked for the lifetime of that transaction, creating
	// it first if absent. Every mutating operation runs inside a single call
	// to WithTx so the lock is held for the whole read-modify-write.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is a transaction-scoped view of the ledger tables.
type Tx interface {
	GetOrCreateAccount(ctx context.Context, userID domain.UserId) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id domain.ReservationId) (*Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	GetActiveReservations(ctx context.Context, userID domain.UserId) ([]Reservation, error)
	GetExpiredReservations(ctx context.Context, limit int) ([]Reservation, error)
	SetUserPackage(ctx context.Context, userID domain.UserId, packageID domain.PackageId) error
	GetUserPackage(ctx context.Context, userID domain.UserId) (domain.PackageId, error)

	// GetCreditTransaction looks up a previously recorded apply_credits call
	// by its idempotency key, returning the credit id it produced, or nil if
	// transactionID has never been seen.
	GetCreditTransaction(ctx context.Context, transactionID string) (creditID *string, err error)
	// RecordCreditTransaction persists the (transactionID, creditID)
	// mapping in the same transaction as the balance update, so a retry
	// that races a first attempt can never apply twice.
	RecordCreditTransaction(ctx context.Context, transactionID, creditID string) error
}

// Manager implements the credit operations spec.md §4.3 names:
// apply_credits, reserve_credits, release_reservation,
// charge_from_reservation, charge_credits, cleanup_expired_reservations.
type Manager struct {
	repo Repository
}

// NewManager constructs a Manager over repo.
func NewManager(repo Repository) *Manager {
	return &Manager{repo: repo}
}

// GetBalance returns the user's spendable (available) balance.
func (m *Manager) GetBalance(ctx context.Context, userID domain.UserId) (domain.CreditBalance, error) {
	account, err := m.GetAccount(ctx, userID)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	return account.AvailableBalance(), nil
}

// GetAccount returns (creating if necessary) the user's full account.
func (m *Manager) GetAccount(ctx context.Context, userID domain.UserId) (Account, error) {
	var account Account
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		account, err = tx.GetOrCreateAccount(ctx, userID)
		return err
	})
	return account, err
}

// ApplyCredits adds amount to the user's balance (e.g. after a confirmed
// on-chain deposit is converted to credits by the outbox dispatcher).
func (m *Manager) ApplyCredits(ctx context.Context, userID domain.UserId, amount domain.CreditBalance) (domain.CreditBalance, error) {
	var result domain.CreditBalance
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		account, err := tx.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := account.Balance.Add(amount)
		if _, ok := newBalance.Subtract(account.Reserved); !ok {
			return errors.InsufficientBalance(account.AvailableBalance().String(), amount.Decimal().Abs().String())
		}
		account.Balance = newBalance
		account.LastUpdated = time.Now()
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		result = account.Balance
		return nil
	})
	return result, err
}

// ApplyCreditsIdempotent is the C14 server-side counterpart to C7's
// BillingClient.ApplyCredits: applying the same transactionID twice returns
// the same creditID and mutates the balance only on the first call (spec.md
// §4.7 step 3, §8 "apply_credits(u, a, tx) twice returns the same credit_id
// and applies exactly once").
func (m *Manager) ApplyCreditsIdempotent(ctx context.Context, userID domain.UserId, amount domain.CreditBalance, transactionID string) (creditID string, newBalance domain.CreditBalance, err error) {
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.GetCreditTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		account, err := tx.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			creditID = *existing
			newBalance = account.Balance
			return nil
		}

		updatedBalance := account.Balance.Add(amount)
		if _, ok := updatedBalance.Subtract(account.Reserved); !ok {
			return errors.InsufficientBalance(account.AvailableBalance().String(), amount.Decimal().Abs().String())
		}
		account.Balance = updatedBalance
		account.LastUpdated = time.Now()
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		creditID = domain.NewReservationId().String()
		if err := tx.RecordCreditTransaction(ctx, transactionID, creditID); err != nil {
			return err
		}
		newBalance = account.Balance
		return nil
	})
	return creditID, newBalance, err
}

// ReserveCredits holds amount aside for duration, returning a reservation
// id. Fails with InsufficientBalance if the account can't cover it.
func (m *Manager) ReserveCredits(ctx context.Context, userID domain.UserId, amount domain.CreditBalance, duration time.Duration, rentalID *domain.RentalId) (domain.ReservationId, error) {
	var reservationID domain.ReservationId
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		account, err := tx.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		if !account.CanReserve(amount) {
			return errors.InsufficientBalance(account.AvailableBalance().String(), amount.String())
		}

		now := time.Now()
		reservation := Reservation{
			ID:        domain.NewReservationId(),
			UserID:    userID,
			RentalID:  rentalID,
			Amount:    amount,
			CreatedAt: now,
			ExpiresAt: now.Add(duration),
		}
		reservationID = reservation.ID

		account.Reserved = account.Reserved.Add(amount)
		account.LastUpdated = now

		if err := tx.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		return tx.UpdateAccount(ctx, account)
	})
	return reservationID, err
}

// ReleaseReservation returns a reservation's credits to the account without
// charging for them (e.g. provisioning failed before any usage occurred).
func (m *Manager) ReleaseReservation(ctx context.Context, reservationID domain.ReservationId) (domain.CreditBalance, error) {
	var released domain.CreditBalance
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		reservation, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return errors.NotFound("reservation", string(reservationID))
		}
		if reservation.Released {
			return errors.AlreadyReleased(string(reservationID))
		}

		released = reservation.Amount
		reservation.Released = true
		if err := tx.UpdateReservation(ctx, *reservation); err != nil {
			return err
		}

		account, err := tx.GetOrCreateAccount(ctx, reservation.UserID)
		if err != nil {
			return err
		}
		account.Reserved, _ = releaseFloored(account.Reserved, reservation.Amount)
		account.LastUpdated = time.Now()
		return tx.UpdateAccount(ctx, account)
	})
	return released, err
}

// ChargeCredits deducts amount directly from the balance, with no
// associated reservation.
func (m *Manager) ChargeCredits(ctx context.Context, userID domain.UserId, amount domain.CreditBalance) (domain.CreditBalance, error) {
	var result domain.CreditBalance
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		account, err := tx.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		newBalance, ok := account.Balance.Subtract(amount)
		if !ok {
			return errors.InsufficientBalance(account.Balance.String(), amount.String())
		}
		account.Balance = newBalance
		account.LifetimeSpent = account.LifetimeSpent.Add(amount)
		account.LastUpdated = time.Now()
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		result = account.Balance
		return nil
	})
	return result, err
}

// ChargeFromReservation releases a reservation and charges actualAmount
// against the balance in one step — actualAmount may differ from the
// reservation's held amount (usage typically costs less than the worst-case
// hold).
func (m *Manager) ChargeFromReservation(ctx context.Context, reservationID domain.ReservationId, actualAmount domain.CreditBalance) (domain.CreditBalance, error) {
	var result domain.CreditBalance
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		reservation, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return errors.NotFound("reservation", string(reservationID))
		}
		if reservation.Released {
			return errors.AlreadyReleased(string(reservationID))
		}

		reservation.Released = true
		if err := tx.UpdateReservation(ctx, *reservation); err != nil {
			return err
		}

		account, err := tx.GetOrCreateAccount(ctx, reservation.UserID)
		if err != nil {
			return err
		}
		account.Reserved, _ = releaseFloored(account.Reserved, reservation.Amount)

		newBalance, ok := account.Balance.Subtract(actualAmount)
		if !ok {
			return errors.InsufficientBalance(account.Balance.String(), actualAmount.String())
		}
		account.Balance = newBalance
		account.LifetimeSpent = account.LifetimeSpent.Add(actualAmount)
		account.LastUpdated = time.Now()

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		result = account.Balance
		return nil
	})
	return result, err
}

// GetReservation looks up a reservation by id.
func (m *Manager) GetReservation(ctx context.Context, reservationID domain.ReservationId) (Reservation, error) {
	var result Reservation
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.NotFound("reservation", string(reservationID))
		}
		result = *r
		return nil
	})
	return result, err
}

// GetActiveReservations lists a user's unreleased, unexpired reservations.
func (m *Manager) GetActiveReservations(ctx context.Context, userID domain.UserId) ([]Reservation, error) {
	var result []Reservation
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		result, err = tx.GetActiveReservations(ctx, userID)
		return err
	})
	return result, err
}

// CleanupExpiredReservations releases any reservation past its expiry that
// hasn't already been released, returning credits to their accounts. It is
// intended to run on a periodic sweep (cron) rather than on the hot path.
func (m *Manager) CleanupExpiredReservations(ctx context.Context, batchLimit int) (int, error) {
	count := 0
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		expired, err := tx.GetExpiredReservations(ctx, batchLimit)
		if err != nil {
			return err
		}

		for _, reservation := range expired {
			if reservation.Released {
				continue
			}
			reservation.Released = true
			if err := tx.UpdateReservation(ctx, reservation); err != nil {
				return err
			}

			account, err := tx.GetOrCreateAccount(ctx, reservation.UserID)
			if err != nil {
				return err
			}
			account.Reserved, _ = releaseFloored(account.Reserved, reservation.Amount)
			account.LastUpdated = time.Now()
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// SetUserPackage assigns a billing package to a user.
func (m *Manager) SetUserPackage(ctx context.Context, userID domain.UserId, packageID domain.PackageId) error {
	return m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetUserPackage(ctx, userID, packageID)
	})
}

// GetUserPackage returns the package assigned to a user, defaulting to the
// standard H100 package if none was ever set.
func (m *Manager) GetUserPackage(ctx context.Context, userID domain.UserId) (domain.PackageId, error) {
	var result domain.PackageId
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		result, err = tx.GetUserPackage(ctx, userID)
		return err
	})
	return result, err
}

// releaseFloored subtracts amount from reserved, clamping at zero instead of
// erroring — a reservation release must never fail just because bookkeeping
// drifted below zero.
func releaseFloored(reserved, amount domain.CreditBalance) (domain.CreditBalance, bool) {
	newReserved, ok := reserved.Subtract(amount)
	if !ok {
		return domain.ZeroBalance(), true
	}
	return newReserved, true
}
