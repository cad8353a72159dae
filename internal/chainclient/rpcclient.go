// Package chainclient implements internal/chainmonitor.ChainClient against
// a Substrate-style JSON-RPC finalized-chain endpoint, generalized from
// infrastructure/chain/client.go's Neo N3 JSON-RPC-over-HTTP Call method
// (same request/response envelope, same "POST one {method,params} envelope,
// decode json.RawMessage" shape) from single-request/response calls to a
// finalized-head poll loop, since the teacher's own RPC client has no
// subscription primitive to generalize from directly. A failed poll is
// retried after a one-second pause; three consecutive failures end the
// subscription, and chainmonitor's Run loop reconnects with its own backoff.
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/internal/chainmonitor"
)

// Config points the client at a node's JSON-RPC HTTP endpoint.
type Config struct {
	RPCURL       string
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultConfig polls every 6 seconds (one Substrate block), matching the
// cadence of a typical finalized-head subscription.
func DefaultConfig(rpcURL string) Config {
	return Config{RPCURL: rpcURL, PollInterval: 6 * time.Second, Timeout: 10 * time.Second}
}

// Client is a minimal JSON-RPC client polling for newly finalized blocks
// and their Balances.Transfer events.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 6 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc http error %d: %s", resp.StatusCode, data)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode rpc envelope: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("rpc error calling %s: %s", method, parsed.Error.Message)
	}
	return parsed.Result, nil
}

type transferWire struct {
	EventIndex    uint32 `json:"event_index"`
	From          string `json:"from"`
	To            string `json:"to"`
	AmountPlancks string `json:"amount_plancks"`
}

type blockWire struct {
	Number    uint64         `json:"number"`
	Transfers []transferWire `json:"transfers"`
}

// finalizedHead polls "chain_getFinalizedHead" for the latest finalized
// block number.
func (c *Client) finalizedHead(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "chain_getFinalizedHead")
	if err != nil {
		return 0, err
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode finalized head: %w", err)
	}
	return n, nil
}

// blockTransfers polls "basilica_getBlockTransfers" for the Balance.Transfer
// events of one finalized block.
func (c *Client) blockTransfers(ctx context.Context, number uint64) (blockWire, error) {
	raw, err := c.call(ctx, "basilica_getBlockTransfers", number)
	if err != nil {
		return blockWire{}, err
	}
	var b blockWire
	if err := json.Unmarshal(raw, &b); err != nil {
		return blockWire{}, fmt.Errorf("decode block transfers: %w", err)
	}
	return b, nil
}

// Subscribe satisfies chainmonitor.ChainClient by polling finalizedHead on
// cfg.PollInterval, emitting one chainmonitor.Block per newly finalized
// block, in order, starting from the head observed at subscription time.
// The block channel closes, and the error channel receives the failure,
// when a poll fails three times in a row — chainmonitor's Run loop treats
// that as a dropped connection and reconnects with its own backoff.
func (c *Client) Subscribe(ctx context.Context) (<-chan chainmonitor.Block, <-chan error, error) {
	start, err := c.finalizedHead(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initial finalized head: %w", err)
	}

	blocks := make(chan chainmonitor.Block)
	errs := make(chan error, 1)

	go func() {
		defer close(blocks)
		next := start + 1
		failures := 0
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			head, err := c.finalizedHead(ctx)
			if err != nil {
				if !c.handleFailure(ctx, &failures, err, errs) {
					return
				}
				continue
			}

			for ; next <= head; next++ {
				wire, err := c.blockTransfers(ctx, next)
				if err != nil {
					if !c.handleFailure(ctx, &failures, err, errs) {
						return
					}
					break
				}
				failures = 0
				blocks <- toBlock(wire)
			}
		}
	}()

	return blocks, errs, nil
}

func (c *Client) handleFailure(ctx context.Context, failures *int, err error, errs chan<- error) bool {
	*failures++
	if *failures < 3 {
		return sleepOrDone(ctx, time.Second)
	}
	select {
	case errs <- err:
	default:
	}
	return false
}

// sleepOrDone waits for d or ctx cancellation, reporting whether the caller
// should continue (true) or stop (false), matching chainmonitor.Monitor's
// own helper of the same name.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func toBlock(w blockWire) chainmonitor.Block {
	b := chainmonitor.Block{Number: w.Number}
	for _, t := range w.Transfers {
		amount, _ := decimal.NewFromString(t.AmountPlancks)
		b.Transfers = append(b.Transfers, chainmonitor.TransferEvent{
			EventIndex:    t.EventIndex,
			From:          t.From,
			To:            t.To,
			AmountPlancks: amount,
		})
	}
	return b
}
