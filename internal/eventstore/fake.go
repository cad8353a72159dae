package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/basilica-network/basilica/internal/domain"
)

// FakeStore is an in-memory Store used by component tests that don't need
// to assert SQL shape.
type FakeStore struct {
	mu      sync.Mutex
	events  []UsageEvent
	batches map[string]bool
}

// NewFakeStore constructs an empty in-memory store.
func NewFakeStore() *FakeStore {
	return &FakeStore{batches: make(map[string]bool)}
}

var _ Store = (*FakeStore)(nil)

func (f *FakeStore) AppendUsageEvent(ctx context.Context, e UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *FakeStore) AppendBatch(ctx context.Context, events []UsageEvent, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batches[batchID] {
		return nil
	}
	f.batches[batchID] = true
	for _, e := range events {
		e.BatchID = batchID
		f.events = append(f.events, e)
	}
	return nil
}

func (f *FakeStore) GetEventsByEntity(ctx context.Context, rentalID domain.RentalId, since *time.Time) ([]UsageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []UsageEvent
	for _, e := range f.events {
		if e.RentalID != rentalID {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (f *FakeStore) AggregateUsage(ctx context.Context, rentalID domain.RentalId, start, end time.Time) (domain.UsageMetrics, error) {
	events, _ := f.GetEventsByEntity(ctx, rentalID, &start)
	usage := domain.ZeroUsage()
	for _, e := range events {
		if e.EventType != EventTelemetry || e.Timestamp.After(end) {
			continue
		}
		usage = usage.Add(metricsFromEventData(e.EventData))
	}
	return usage, nil
}
