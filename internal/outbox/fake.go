package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeRepository is an in-memory Repository for dispatcher tests.
type FakeRepository struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewFakeRepository constructs an empty in-memory repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{entries: make(map[string]*Entry)}
}

var _ Repository = (*FakeRepository)(nil)

// Seed inserts an entry directly, as C6 would via its own transactional
// insert alongside the matching ObservedDeposit.
func (f *FakeRepository) Seed(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyE := e
	f.entries[e.ID] = &copyE
}

func (f *FakeRepository) ClaimBatch(ctx context.Context, n int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var claimed []Entry
	now := time.Now()
	for _, e := range f.entries {
		if len(claimed) >= n {
			break
		}
		if e.State == StateDispatched {
			continue
		}
		if e.NextAttemptAt.After(now) {
			continue
		}
		e.Attempts++
		e.State = StateClaimed
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (f *FakeRepository) SetPricedRate(ctx context.Context, entryID string, rate decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[entryID]; ok {
		e.PricedRate = &rate
	}
	return nil
}

func (f *FakeRepository) MarkDispatched(ctx context.Context, entryID, billingCreditID string, creditedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[entryID]; ok {
		e.State = StateDispatched
	}
	return nil
}

func (f *FakeRepository) ScheduleRetry(ctx context.Context, entryID string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[entryID]; ok {
		e.State = StatePending
		e.NextAttemptAt = nextAttemptAt
	}
	return nil
}

func (f *FakeRepository) CountPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, e := range f.entries {
		if e.State != StateDispatched {
			count++
		}
	}
	return count, nil
}

// Get returns a copy of the current state of an entry, for test assertions.
func (f *FakeRepository) Get(entryID string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
