package chainmonitor

import (
	"context"
	"sync"

	"github.com/basilica-network/basilica/internal/outbox"
)

// FakeChainClient replays a fixed sequence of blocks then closes, for tests.
type FakeChainClient struct {
	Blocks []Block
	Err    error
}

func (f *FakeChainClient) Subscribe(ctx context.Context) (<-chan Block, <-chan error, error) {
	if f.Err != nil {
		return nil, nil, f.Err
	}
	blocks := make(chan Block, len(f.Blocks))
	errs := make(chan error)
	for _, b := range f.Blocks {
		blocks <- b
	}
	close(blocks)
	return blocks, errs, nil
}

// FakeAllowSet is a static AllowSetSource.
type FakeAllowSet struct {
	Addresses map[string]bool
}

func (f *FakeAllowSet) ListAccountHexes(ctx context.Context) (map[string]bool, error) {
	return f.Addresses, nil
}

// FakeRepository records every RecordDeposit call in memory, deduplicating
// on transaction id the way the real constraint would.
type FakeRepository struct {
	mu       sync.Mutex
	deposits []ObservedDeposit
	entries  map[string]outbox.Entry
}

// NewFakeRepository constructs an empty in-memory repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{entries: make(map[string]outbox.Entry)}
}

var _ Repository = (*FakeRepository)(nil)

func (f *FakeRepository) RecordDeposit(ctx context.Context, deposit ObservedDeposit, entry outbox.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[entry.TransactionID]; exists {
		return nil
	}
	f.deposits = append(f.deposits, deposit)
	f.entries[entry.TransactionID] = entry
	return nil
}

// Deposits returns a snapshot of every deposit recorded so far.
func (f *FakeRepository) Deposits() []ObservedDeposit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ObservedDeposit(nil), f.deposits...)
}

// Entries returns a snapshot of every outbox entry recorded so far.
func (f *FakeRepository) Entries() map[string]outbox.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]outbox.Entry, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out
}
