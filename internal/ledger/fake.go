package ledger

import (
	"context"
	"sync"

	"github.com/basilica-network/basilica/internal/domain"
)

// FakeRepository is an in-memory Repository for tests that exercise Manager
// logic without a database. A single mutex stands in for Postgres's row
// lock: WithTx holds it for the whole callback so concurrent callers
// serialize the same way a "SELECT ... FOR UPDATE" transaction would.
type FakeRepository struct {
	mu           sync.Mutex
	accounts     map[domain.UserId]Account
	reservations map[domain.ReservationId]Reservation
	packages     map[domain.UserId]domain.PackageId
	creditTxns   map[string]string
}

// NewFakeRepository constructs an empty in-memory repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		accounts:     make(map[domain.UserId]Account),
		reservations: make(map[domain.ReservationId]Reservation),
		packages:     make(map[domain.UserId]domain.PackageId),
		creditTxns:   make(map[string]string),
	}
}

var _ Repository = (*FakeRepository)(nil)

func (f *FakeRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx, &fakeTx{repo: f})
}

type fakeTx struct {
	repo *FakeRepository
}

func (t *fakeTx) GetOrCreateAccount(ctx context.Context, userID domain.UserId) (Account, error) {
	if a, ok := t.repo.accounts[userID]; ok {
		return a, nil
	}
	a := NewAccount(userID)
	t.repo.accounts[userID] = a
	return a, nil
}

func (t *fakeTx) UpdateAccount(ctx context.Context, account Account) error {
	t.repo.accounts[account.UserID] = account
	return nil
}

func (t *fakeTx) CreateReservation(ctx context.Context, r Reservation) error {
	t.repo.reservations[r.ID] = r
	return nil
}

func (t *fakeTx) GetReservation(ctx context.Context, id domain.ReservationId) (*Reservation, error) {
	r, ok := t.repo.reservations[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *fakeTx) UpdateReservation(ctx context.Context, r Reservation) error {
	t.repo.reservations[r.ID] = r
	return nil
}

func (t *fakeTx) GetActiveReservations(ctx context.Context, userID domain.UserId) ([]Reservation, error) {
	var result []Reservation
	for _, r := range t.repo.reservations {
		if r.UserID == userID && r.IsActive() {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *fakeTx) GetExpiredReservations(ctx context.Context, limit int) ([]Reservation, error) {
	var result []Reservation
	for _, r := range t.repo.reservations {
		if !r.Released && r.IsExpired() {
			result = append(result, r)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (t *fakeTx) SetUserPackage(ctx context.Context, userID domain.UserId, packageID domain.PackageId) error {
	t.repo.packages[userID] = packageID
	return nil
}

func (t *fakeTx) GetUserPackage(ctx context.Context, userID domain.UserId) (domain.PackageId, error) {
	p, ok := t.repo.packages[userID]
	if !ok {
		return domain.PackageH100, nil
	}
	return p, nil
}

func (t *fakeTx) GetCreditTransaction(ctx context.Context, transactionID string) (*string, error) {
	id, ok := t.repo.creditTxns[transactionID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (t *fakeTx) RecordCreditTransaction(ctx context.Context, transactionID, creditID string) error {
	if _, exists := t.repo.creditTxns[transactionID]; !exists {
		t.repo.creditTxns[transactionID] = creditID
	}
	return nil
}
