package chainmonitor

import (
	"context"
	"time"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/internal/outbox"
)

// allowSetRefreshInterval bounds how stale the filtered address set can get
// between chain-monitor restarts; a newly created deposit account becomes
// visible to the filter within one refresh even on a long-lived connection.
const allowSetRefreshInterval = 30 * time.Second

// Monitor drives the leader-gated finalized-block subscription: refreshes
// the deposit-address allow set, subscribes to the chain client, and
// persists every transfer landing on a known address. Grounded on
// original_source/.../blockchain/monitor.rs's subscribe-filter-persist loop.
type Monitor struct {
	chain      ChainClient
	allowSet   AllowSetSource
	repo       Repository
	cfg        Config
	logger     *logging.Logger
	metrics    *metrics.BasilicaMetrics
}

// New constructs a Monitor.
func New(chain ChainClient, allowSet AllowSetSource, repo Repository, cfg Config, logger *logging.Logger, m *metrics.BasilicaMetrics) *Monitor {
	if logger == nil {
		logger = logging.New("chainmonitor", "info", "json")
	}
	return &Monitor{chain: chain, allowSet: allowSet, repo: repo, cfg: cfg, logger: logger, metrics: m}
}

// Run subscribes to finalized blocks and processes them until ctx is
// cancelled or the subscription drops, in which case it reconnects with
// capped exponential backoff. Intended to be invoked as the fn passed to
// lock.LeaderElection.RunAsLeader, so only one replica ever runs this loop.
func (m *Monitor) Run(ctx context.Context) error {
	delay := m.cfg.ReconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		blocks, errs, err := m.chain.Subscribe(ctx)
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("chain subscribe failed, retrying")
			if !sleepOrDone(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay, m.cfg.ReconnectMaxDelay)
			continue
		}

		if m.metrics != nil {
			m.metrics.ChainMonitorConnected.Set(1)
		}
		delay = m.cfg.ReconnectBaseDelay

		allow, err := m.allowSet.ListAccountHexes(ctx)
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("initial allow-set load failed")
			allow = map[string]bool{}
		}
		refresh := time.NewTicker(allowSetRefreshInterval)

		done := m.drain(ctx, blocks, errs, refresh, &allow)
		refresh.Stop()
		if m.metrics != nil {
			m.metrics.ChainMonitorConnected.Set(0)
		}
		if done {
			return ctx.Err()
		}

		if !sleepOrDone(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, m.cfg.ReconnectMaxDelay)
	}
}

// drain consumes one subscription's blocks and errors until it ends,
// returning true if ctx was cancelled (caller should stop entirely) or
// false if the subscription merely dropped (caller should reconnect).
func (m *Monitor) drain(ctx context.Context, blocks <-chan Block, errs <-chan error, refresh *time.Ticker, allow *map[string]bool) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-refresh.C:
			updated, err := m.allowSet.ListAccountHexes(ctx)
			if err != nil {
				m.logger.WithContext(ctx).WithError(err).Warn("allow-set refresh failed")
				continue
			}
			*allow = updated
		case err, ok := <-errs:
			if !ok {
				return false
			}
			m.logger.WithContext(ctx).WithError(err).Warn("chain subscription error")
			return false
		case block, ok := <-blocks:
			if !ok {
				return false
			}
			m.processBlock(ctx, block, *allow)
			if m.metrics != nil {
				m.metrics.ChainMonitorBlockLag.Set(float64(block.Number))
			}
		}
	}
}

func (m *Monitor) processBlock(ctx context.Context, block Block, allow map[string]bool) {
	for _, transfer := range block.Transfers {
		if !allow[transfer.To] {
			continue
		}

		deposit := ObservedDeposit{
			BlockNumber:   block.Number,
			EventIndex:    transfer.EventIndex,
			To:            transfer.To,
			From:          transfer.From,
			AmountPlancks: transfer.AmountPlancks,
			Status:        "pending",
			ObservedAt:    time.Now(),
		}
		entry := outbox.Entry{
			ID:            TxID(block.Number, transfer.EventIndex, transfer.To),
			AmountPlancks: transfer.AmountPlancks,
			TransactionID: TxID(block.Number, transfer.EventIndex, transfer.To),
			State:         outbox.StatePending,
			CreatedAt:     time.Now(),
		}

		if err := m.repo.RecordDeposit(ctx, deposit, entry); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"block": block.Number, "event_index": transfer.EventIndex, "to": transfer.To,
			}).Error("failed recording observed deposit")
			if m.metrics != nil {
				m.metrics.DepositsObservedTotal.WithLabelValues("error").Inc()
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.DepositsObservedTotal.WithLabelValues("recorded").Inc()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
