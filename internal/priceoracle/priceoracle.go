// Package priceoracle fetches and caches the TAO/USD exchange rate used to
// convert on-chain deposits (denominated in TAO) into credit balances.
package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/resilience"
)

const coinGeckoURL = "https://api.coingecko.com/api/v3/simple/price?ids=bittensor&vs_currencies=usd"

// Config controls the oracle's update cadence and staleness tolerance.
type Config struct {
	// UpdateInterval is how often the background refresh loop polls CoinGecko.
	UpdateInterval time.Duration
	// MaxPriceAge is how long a cached price may be served before a fetch is
	// attempted again.
	MaxPriceAge time.Duration
	// RequestTimeout bounds a single HTTP fetch attempt.
	RequestTimeout time.Duration
}

// DefaultConfig mirrors the original oracle's defaults (60s update, 5m
// staleness, 10s request timeout).
func DefaultConfig() Config {
	return Config{
		UpdateInterval: 60 * time.Second,
		MaxPriceAge:    5 * time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

func (c cachedPrice) isStale(maxAge time.Duration) bool {
	return time.Since(c.fetchedAt) > maxAge
}

// Oracle serves the current TAO/USD price, backed by a CoinGecko fetch with
// stale-cache fallback: a failed fetch still serves the last known good
// price rather than erroring, as long as one has ever been fetched.
type Oracle struct {
	cfg      Config
	client   *http.Client
	logger   *logging.Logger
	priceURL string

	mu     sync.RWMutex
	cached *cachedPrice
}

// New constructs an Oracle.
func New(cfg Config, logger *logging.Logger) *Oracle {
	if logger == nil {
		logger = logging.New("priceoracle", "info", "json")
	}
	return &Oracle{
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		priceURL: coinGeckoURL,
	}
}

// GetTAOUSDPrice returns the current price, serving the cache when fresh
// and refetching when stale or absent. On fetch failure it falls back to a
// stale cached price with a warning, and only errors when no price has ever
// been obtained.
func (o *Oracle) GetTAOUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	o.mu.RLock()
	cached := o.cached
	o.mu.RUnlock()

	if cached != nil && !cached.isStale(o.cfg.MaxPriceAge) {
		return cached.price, nil
	}

	price, err := o.fetchPriceFromAPI(ctx)
	if err == nil {
		o.setCached(price)
		o.logger.WithContext(ctx).WithFields(map[string]interface{}{"price_usd": price.String()}).Info("updated TAO/USD price")
		return price, nil
	}

	o.logger.WithContext(ctx).WithError(err).Warn("failed to fetch TAO/USD price")

	o.mu.RLock()
	stale := o.cached
	o.mu.RUnlock()
	if stale != nil {
		o.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"price_usd": stale.price.String(),
			"age":       time.Since(stale.fetchedAt).String(),
		}).Warn("using stale cached price")
		return stale.price, nil
	}

	return decimal.Zero, fmt.Errorf("no price available: api failed and no cached price: %w", err)
}

// RefreshPrice forces an immediate fetch, bypassing the cache.
func (o *Oracle) RefreshPrice(ctx context.Context) (decimal.Decimal, error) {
	price, err := o.fetchPriceFromAPI(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	o.setCached(price)
	o.logger.WithContext(ctx).WithFields(map[string]interface{}{"price_usd": price.String()}).Info("force refreshed TAO/USD price")
	return price, nil
}

// CacheStatus reports the currently cached price and its age, for
// monitoring; ok is false if no price has ever been cached.
func (o *Oracle) CacheStatus() (price decimal.Decimal, age time.Duration, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cached == nil {
		return decimal.Zero, 0, false
	}
	return o.cached.price, time.Since(o.cached.fetchedAt), true
}

func (o *Oracle) setCached(price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cached = &cachedPrice{price: price, fetchedAt: time.Now()}
}

type coinGeckoResponse struct {
	Bittensor struct {
		USD float64 `json:"usd"`
	} `json:"bittensor"`
}

func (o *Oracle) fetchPriceFromAPI(ctx context.Context) (decimal.Decimal, error) {
	var result decimal.Decimal

	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.priceURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch from coingecko: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("coingecko returned status %d", resp.StatusCode)
		}

		var data coinGeckoResponse
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return fmt.Errorf("parse coingecko response: %w", err)
		}

		price := decimal.NewFromFloat(data.Bittensor.USD)
		if price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("invalid TAO/USD price returned (<= 0): %s", price)
		}

		result = price
		return nil
	})

	return result, err
}

// Run starts the background refresh loop; it blocks until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.GetTAOUSDPrice(ctx); err != nil {
				o.logger.WithContext(ctx).WithError(err).Error("background price update failed")
			}
		}
	}
}

// TAOToCredits converts a plancks amount (1 TAO = 1e9 plancks, matching the
// chain monitor's unit) into a credit balance at the current TAO/USD rate.
// 1 credit is defined as 1 USD.
func (o *Oracle) TAOToCredits(ctx context.Context, plancks decimal.Decimal) (decimal.Decimal, error) {
	price, err := o.GetTAOUSDPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	tao := plancks.Div(decimal.New(1, 9))
	return tao.Mul(price).RoundBank(6), nil
}
