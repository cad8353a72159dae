// Package billingclient implements the outbox dispatcher's BillingClient
// capability (spec.md §4.7 step 3, §6 "apply_credits(...) idempotent on
// transaction_id") as an HTTP call against C14's internal RPC surface
// (internal/billingrpc), authenticated with the shared-secret service-auth
// scheme of infrastructure/middleware/serviceauth.go. Grounded on the
// teacher's service-mesh client helpers in infrastructure/httputil/client.go
// rather than hand-rolling client construction.
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/infrastructure/httputil"
	"github.com/basilica-network/basilica/internal/domain"
)

// Config points the client at the billing service's internal RPC surface.
type Config struct {
	BaseURL   string
	ServiceID string
	Secret    string
	Timeout   time.Duration
}

// Client implements internal/outbox.BillingClient over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	baseURL string
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient, baseURL, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL:   cfg.BaseURL,
		ServiceID: cfg.ServiceID,
		Timeout:   cfg.Timeout,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, fmt.Errorf("build billing client: %w", err)
	}
	return &Client{cfg: cfg, http: httpClient, baseURL: baseURL}, nil
}

type applyCreditsRequest struct {
	UserID        string `json:"user_id"`
	AmountCredits string `json:"amount_credits"`
	TransactionID string `json:"transaction_id"`
}

type applyCreditsResponse struct {
	CreditID   string `json:"credit_id"`
	NewBalance string `json:"new_balance"`
}

// ApplyCredits satisfies internal/outbox.BillingClient: idempotent on
// transactionID, the wire contract spec.md §6 names.
func (c *Client) ApplyCredits(ctx context.Context, userID domain.UserId, credits decimal.Decimal, transactionID string) (string, error) {
	reqBody, err := json.Marshal(applyCreditsRequest{
		UserID:        string(userID),
		AmountCredits: credits.String(),
		TransactionID: transactionID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal apply_credits request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/credits/apply", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build apply_credits request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httputil.ServiceIDHeader, c.cfg.ServiceID)
	req.Header.Set("X-Service-Token", c.cfg.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Transient("billing apply_credits", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Transient("read apply_credits response", err)
	}

	if resp.StatusCode >= 500 {
		return "", errors.Transient("billing apply_credits", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("apply_credits failed with status %d: %s", resp.StatusCode, body)
	}

	var parsed applyCreditsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode apply_credits response: %w", err)
	}
	return parsed.CreditID, nil
}
