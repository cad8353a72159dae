package rental

import (
	"context"
	"sync"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/internal/domain"
)

// FakeRepository is an in-memory Repository for tests.
type FakeRepository struct {
	mu    sync.Mutex
	byID  map[domain.RentalId]*Rental
}

// NewFakeRepository constructs an empty FakeRepository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{byID: make(map[domain.RentalId]*Rental)}
}

func (f *FakeRepository) Create(ctx context.Context, r *Rental) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *FakeRepository) UpdateState(ctx context.Context, id domain.RentalId, state domain.RentalState, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return errors.NotFound("rental", string(id))
	}
	r.State = state
	r.Note = note
	return nil
}

func (f *FakeRepository) Get(ctx context.Context, id domain.RentalId) (*Rental, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, errors.NotFound("rental", string(id))
	}
	cp := *r
	return &cp, nil
}
