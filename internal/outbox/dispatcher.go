package outbox

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
)

// plancksPerTAO matches the chain monitor's unit convention: 1 TAO = 1e9
// plancks.
var plancksPerTAO = decimal.New(1, 9)

// Dispatcher runs the claim/price/credit loop described in spec.md §4.7.
type Dispatcher struct {
	repo     Repository
	oracle   PriceOracle
	billing  BillingClient
	logger   *logging.Logger
	metrics  *metrics.BasilicaMetrics
	BatchSize int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(repo Repository, oracle PriceOracle, billing BillingClient, logger *logging.Logger, m *metrics.BasilicaMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.New("outbox", "info", "json")
	}
	return &Dispatcher{repo: repo, oracle: oracle, billing: billing, logger: logger, metrics: m, BatchSize: 50}
}

// Run polls claim_batch on tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DispatchBatch(ctx); err != nil {
				d.logger.WithContext(ctx).WithError(err).Warn("outbox dispatch batch failed")
			}
			if d.metrics != nil {
				if pending, err := d.repo.CountPending(ctx); err == nil {
					d.metrics.OutboxBacklog.Set(float64(pending))
				}
			}
		}
	}
}

// DispatchBatch claims up to BatchSize due entries and attempts to dispatch
// each one independently; one entry's failure doesn't block the others.
func (d *Dispatcher) DispatchBatch(ctx context.Context) error {
	entries, err := d.repo.ClaimBatch(ctx, d.BatchSize)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		d.dispatchOne(ctx, entry)
	}
	return nil
}

// dispatchOne prices and credits a single claimed entry.
//
// Pricing deviation: the original dispatcher re-quotes the TAO/USD rate on
// every retry attempt, so a deposit that needs several retries is priced at
// whatever the rate happens to be on its last attempt rather than its
// first. We instead capture the rate at the entry's first successful claim
// (PricedRate) and reuse it on every subsequent retry of that same entry, so
// the credited amount for a given on-chain deposit is determined once and
// is stable regardless of how many attempts dispatch takes — a retry is a
// delivery retry, not a re-pricing event.
func (d *Dispatcher) dispatchOne(ctx context.Context, entry Entry) {
	log := d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"transaction_id": entry.TransactionID,
		"attempts":       entry.Attempts,
	})

	rate := entry.PricedRate
	if rate == nil {
		price, err := d.oracle.GetTAOUSDPrice(ctx)
		if err != nil {
			log.WithError(err).Warn("price lookup failed, scheduling retry")
			d.scheduleRetry(ctx, entry)
			return
		}
		if err := d.repo.SetPricedRate(ctx, entry.ID, price); err != nil {
			log.WithError(err).Warn("failed to persist priced rate, scheduling retry")
			d.scheduleRetry(ctx, entry)
			return
		}
		rate = &price
	}

	tao := entry.AmountPlancks.Div(plancksPerTAO)
	credits := tao.Mul(*rate).RoundBank(6)

	creditID, err := d.billing.ApplyCredits(ctx, entry.UserID, credits, entry.TransactionID)
	if err != nil {
		log.WithError(err).Warn("apply_credits failed, scheduling retry")
		d.scheduleRetry(ctx, entry)
		return
	}

	if err := d.repo.MarkDispatched(ctx, entry.ID, creditID, time.Now()); err != nil {
		log.WithError(err).Warn("failed marking dispatched, scheduling retry")
		d.scheduleRetry(ctx, entry)
		return
	}

	if d.metrics != nil {
		d.metrics.OutboxDispatchedTotal.WithLabelValues("success").Inc()
		d.metrics.CreditsAppliedTotal.Inc()
	}
	log.WithFields(map[string]interface{}{"credits": credits.String(), "credit_id": creditID}).Info("dispatched outbox entry")
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, entry Entry) {
	next := time.Now().Add(NextRetryDelay(entry.Attempts))
	if err := d.repo.ScheduleRetry(ctx, entry.ID, next); err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("failed to schedule outbox retry")
	}
	if d.metrics != nil {
		d.metrics.OutboxRetriesTotal.Inc()
		d.metrics.OutboxDispatchedTotal.WithLabelValues("retry").Inc()
	}
}
