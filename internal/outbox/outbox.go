// Package outbox implements the at-least-once TAO-to-credit dispatcher
// (spec.md §4.7, C7): claims pending deposit-outbox entries, prices them via
// the oracle, and calls the billing client's idempotent apply_credits,
// retrying with capped exponential backoff until dispatched.
package outbox

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/internal/domain"
)

// State enumerates an outbox entry's lifecycle (spec.md §3 OutboxEntry).
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StateDispatched State = "dispatched"
)

// maxBackoffDoublings caps the exponential retry schedule at 6 doublings
// (spec.md §4.7 step 4), after which the delay stays fixed at the ceiling.
const maxBackoffDoublings = 6

// baseRetryDelay is the delay after the first failed dispatch attempt.
const baseRetryDelay = 30 * time.Second

// Entry is one row of the outbox table (spec.md §3). PricedRate, when set,
// is the TAO/USD rate captured at the first successful claim and reused on
// every subsequent retry — see the doc comment on Dispatcher.dispatchOne for
// why this deviates from re-pricing on every attempt.
type Entry struct {
	ID            string
	UserID        domain.UserId
	AmountPlancks decimal.Decimal
	TransactionID string
	Attempts      int
	NextAttemptAt time.Time
	State         State
	PricedRate    *decimal.Decimal
	CreatedAt     time.Time
}

// NextRetryDelay returns the backoff delay after the attempts-th failed
// attempt: baseRetryDelay after the first, doubling for each further
// attempt up to maxBackoffDoublings, then holding steady.
func NextRetryDelay(attempts int) time.Duration {
	doublings := attempts - 1
	if doublings < 0 {
		doublings = 0
	}
	if doublings > maxBackoffDoublings {
		doublings = maxBackoffDoublings
	}
	delay := baseRetryDelay
	for i := 0; i < doublings; i++ {
		delay *= 2
	}
	return delay
}

// PriceOracle is the capability C7 depends on to convert plancks to
// credits. Implemented by internal/priceoracle.Oracle.
type PriceOracle interface {
	GetTAOUSDPrice(ctx context.Context) (decimal.Decimal, error)
}

// BillingClient is the capability C7 depends on to apply credits to a
// user's balance on the billing service, idempotent by transactionID.
type BillingClient interface {
	ApplyCredits(ctx context.Context, userID domain.UserId, credits decimal.Decimal, transactionID string) (creditID string, err error)
}

// Repository is the persistence capability Dispatcher depends on.
type Repository interface {
	ClaimBatch(ctx context.Context, n int) ([]Entry, error)
	SetPricedRate(ctx context.Context, entryID string, rate decimal.Decimal) error
	MarkDispatched(ctx context.Context, entryID, billingCreditID string, creditedAt time.Time) error
	ScheduleRetry(ctx context.Context, entryID string, nextAttemptAt time.Time) error
	CountPending(ctx context.Context) (int, error)
}
