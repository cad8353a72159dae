// Package chainmonitor implements the leader-elected blockchain watcher
// (spec.md §4.6, C6): follows finalized blocks, filters transfer events to
// known deposit addresses, and persists observed deposits plus matching
// outbox entries with exactly-once semantics. Grounded on
// original_source/.../blockchain/monitor.rs for control flow and on
// services/indexer/syncer.go for the Go shape of the sync loop.
package chainmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/internal/outbox"
)

// TransferEvent is one Balance.Transfer event within a finalized block.
type TransferEvent struct {
	EventIndex    uint32
	From          string
	To            string
	AmountPlancks decimal.Decimal
}

// Block is one finalized block's transfer events.
type Block struct {
	Number    uint64
	Transfers []TransferEvent
}

// ChainClient abstracts subscribing to finalized blocks, generalized from
// Neo RPC polling (infrastructure/chain.Client) to a push-based finalized
// block stream.
type ChainClient interface {
	// Subscribe returns a channel of finalized blocks. The channel is
	// closed (and an error, if any, returned via the second channel) when
	// the underlying connection drops; callers reconnect by calling
	// Subscribe again.
	Subscribe(ctx context.Context) (<-chan Block, <-chan error, error)
}

// ObservedDeposit mirrors spec.md §3's ObservedDeposit row.
type ObservedDeposit struct {
	BlockNumber   uint64
	EventIndex    uint32
	To            string
	From          string
	AmountPlancks decimal.Decimal
	Status        string
	ObservedAt    time.Time
}

// AllowSetSource supplies the set of deposit addresses transfers are
// filtered against (C5's list_account_hexes).
type AllowSetSource interface {
	ListAccountHexes(ctx context.Context) (map[string]bool, error)
}

// Repository persists an observed deposit and its matching outbox entry in
// one transaction, so a crash between the two writes is impossible.
type Repository interface {
	// RecordDeposit inserts deposit (idempotent on its composite primary
	// key) and entry (idempotent on its unique transaction_id) atomically.
	// Re-observation of the same (block, event, to) or transaction_id is a
	// no-op, not an error. entry.UserID is left unset by the caller; a
	// Repository implementation resolves it itself by joining the
	// transfer's To address against the deposit account that owns it.
	RecordDeposit(ctx context.Context, deposit ObservedDeposit, entry outbox.Entry) error
}

// Config controls reconnect pacing and allow-set refresh.
type Config struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig matches the original monitor's 30s reconnect ceiling.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// TxID builds the outbox transaction id convention spec.md §4.6 names:
// "b{block}#e{event}#{to}".
func TxID(block uint64, event uint32, to string) string {
	return fmt.Sprintf("b%d#e%d#%s", block, event, to)
}
