package deposits

import (
	"context"
	"sync"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/internal/domain"
)

// FakeRepository is an in-memory Repository for tests.
type FakeRepository struct {
	mu       sync.Mutex
	byUser   map[domain.UserId]Account
	deposits []ObservedDepositView
	// depositUser maps an address to the user that owns it, mirroring the
	// join ListByUser performs in Postgres.
	depositUser map[string]domain.UserId
}

// NewFakeRepository constructs an empty in-memory repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		byUser:      make(map[domain.UserId]Account),
		depositUser: make(map[string]domain.UserId),
	}
}

var _ Repository = (*FakeRepository)(nil)

func (f *FakeRepository) GetByUser(ctx context.Context, userID domain.UserId) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byUser[userID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *FakeRepository) Create(ctx context.Context, account Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byUser[account.UserID]; ok {
		return errors.AlreadyExists("deposit_account", string(account.UserID))
	}
	f.byUser[account.UserID] = account
	f.depositUser[account.Address] = account.UserID
	return nil
}

func (f *FakeRepository) ListAccountHexes(ctx context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hexes := make(map[string]bool, len(f.byUser))
	for _, a := range f.byUser {
		hexes[a.Address] = true
	}
	return hexes, nil
}

func (f *FakeRepository) ListByUser(ctx context.Context, userID domain.UserId, limit, offset int) ([]ObservedDepositView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []ObservedDepositView
	for _, d := range f.deposits {
		if f.depositUser[d.To] == userID {
			matched = append(matched, d)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) || limit <= 0 {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// AddObservedDeposit is a test helper for seeding ListByUser fixtures.
func (f *FakeRepository) AddObservedDeposit(d ObservedDepositView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, d)
}
