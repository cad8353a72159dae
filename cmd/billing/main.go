// Command billing runs the credit ledger (C3), event store (C4), and the
// deposit/credit RPC surface (C14), plus the billing-side telemetry ingest
// endpoint C9 streams into. Grounded on cmd/gateway/main.go's http.Server +
// GracefulShutdown shape, generalized to this service's own route set.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	billingmigrations "github.com/basilica-network/basilica/internal/billing/migrations"

	"github.com/basilica-network/basilica/infrastructure/config"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/infrastructure/middleware"
	"github.com/basilica-network/basilica/infrastructure/migrations"
	"github.com/basilica-network/basilica/internal/billingrpc"
	"github.com/basilica-network/basilica/internal/deposits"
	"github.com/basilica-network/basilica/internal/eventstore"
	"github.com/basilica-network/basilica/internal/ledger"
	"github.com/basilica-network/basilica/internal/telemetryingest"
)

// Config is this process's own operational settings.
type Config struct {
	DatabaseURL       string        `env:"BILLING_DATABASE_URL,required"`
	ListenAddr        string        `env:"LISTEN_ADDR,default=:8080"`
	MasterKeyHex      string        `env:"DEPOSIT_MASTER_KEY_HEX,required"`
	NetworkPrefix     uint8         `env:"SS58_NETWORK_PREFIX,default=42"`
	ServiceSecrets    string        `env:"SERVICE_SECRETS"` // "payments-monitor=secret1,validator=secret2"
	TelemetryAPIKey   string        `env:"TELEMETRY_API_KEY"`
	CleanupCronSpec   string        `env:"RESERVATION_CLEANUP_CRON,default=*/1 * * * *"`
	CleanupBatchLimit int           `env:"RESERVATION_CLEANUP_BATCH,default=500"`
	RedisURL          string        `env:"BILLING_REDIS_URL"` // optional; empty disables distributed rate limiting
	RateLimitPerMin   int           `env:"RATE_LIMIT_PER_MINUTE,default=120"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	LogFormat         string        `env:"LOG_FORMAT,default=json"`
	// VolumeDiscountTiers overrides ledger.VolumeDiscountTiers, e.g.
	// "1000:0.10,500:0.05". Entries must be given in descending MinGPUHours
	// order, matching ledger.CalculateVolumeDiscount's first-match-wins scan.
	// Unset keeps the package's built-in default.
	VolumeDiscountTiers string `env:"VOLUME_DISCOUNT_TIERS"`
}

// parseVolumeDiscountTiers parses the VOLUME_DISCOUNT_TIERS config value
// ("minGPUHours:discountFraction,...") into ledger.DiscountTiers.
func parseVolumeDiscountTiers(raw string) ([]ledger.DiscountTier, error) {
	var tiers []ledger.DiscountTier
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid volume discount tier %q, want min:discount", entry)
		}
		minGPUHours, err := decimal.NewFromString(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid volume discount tier %q min hours: %w", entry, err)
		}
		discount, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid volume discount tier %q discount: %w", entry, err)
		}
		tiers = append(tiers, ledger.DiscountTier{MinGPUHours: minGPUHours, Discount: discount})
	}
	return tiers, nil
}

func parseServiceSecrets(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func main() {
	var cfg Config
	if err := config.Load(&cfg, ""); err != nil {
		logging.New("billing", "info", "json").WithContext(context.Background()).WithError(err).Fatal("load config")
	}
	logger := logging.New("billing", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.TrimSpace(cfg.VolumeDiscountTiers) != "" {
		tiers, err := parseVolumeDiscountTiers(cfg.VolumeDiscountTiers)
		if err != nil {
			logger.WithContext(ctx).WithError(err).Fatal("parse VOLUME_DISCOUNT_TIERS")
		}
		ledger.SetVolumeDiscountTiers(tiers)
		logger.WithContext(ctx).WithFields(map[string]interface{}{"tiers": cfg.VolumeDiscountTiers}).Info("loaded volume discount tiers from config")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("open billing database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("ping billing database")
	}
	if err := migrations.Up(cfg.DatabaseURL, billingmigrations.Files); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("apply billing migrations")
	}

	registry := prometheus.NewRegistry()
	httpMetrics := metrics.NewWithRegistry("billing", registry)

	ledgerRepo := ledger.NewPostgresRepository(db)
	ledgerMgr := ledger.NewManager(ledgerRepo)

	masterKey, err := decodeMasterKey(cfg.MasterKeyHex)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("decode deposit master key")
	}
	depositRepo := deposits.NewPostgresRepository(db)
	depositMgr := deposits.NewManager(depositRepo, masterKey, byte(cfg.NetworkPrefix))

	store := eventstore.NewPostgresStore(db)

	rpcServer := billingrpc.New(ledgerMgr, depositMgr, logger)
	router := rpcServer.Router(parseServiceSecrets(cfg.ServiceSecrets))
	router.Use(middleware.MetricsMiddleware("billing", httpMetrics))
	router.Use(buildRateLimiter(cfg, logger).Handler)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Handle("/v1/telemetry/stream", telemetryingest.New(telemetryingest.Config{
		APIKey:       cfg.TelemetryAPIKey,
		APIKeyHeader: "x-api-key",
	}, store, logger))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.ListenForSignals()
	shutdown.OnShutdown(cancel)

	cleanup := cron.New()
	if _, err := cleanup.AddFunc(cfg.CleanupCronSpec, func() {
		n, err := ledgerMgr.CleanupExpiredReservations(ctx, cfg.CleanupBatchLimit)
		if err != nil {
			logger.WithContext(ctx).WithError(err).Error("cleanup expired reservations failed")
			return
		}
		if n > 0 {
			logger.WithContext(ctx).WithFields(map[string]interface{}{"count": n}).Info("released expired reservations")
		}
	}); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("invalid reservation cleanup cron spec")
	}
	cleanup.Start()
	defer cleanup.Stop()

	logger.WithContext(ctx).WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("billing service listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithContext(ctx).WithError(err).Fatal("billing server failed")
	}
	shutdown.Wait()
}

// rateLimiter is the subset of middleware.RateLimiter and
// middleware.DistributedRateLimiter's surface main needs to mount either as
// router middleware.
type rateLimiter interface {
	Handler(next http.Handler) http.Handler
}

// buildRateLimiter returns a Redis-backed limiter shared across billing
// replicas when cfg.RedisURL is set, otherwise a per-process in-memory one.
func buildRateLimiter(cfg Config, logger *logging.Logger) rateLimiter {
	if cfg.RedisURL == "" {
		return middleware.NewRateLimiterWithWindow(cfg.RateLimitPerMin, time.Minute, cfg.RateLimitPerMin, logger)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithContext(context.Background()).WithError(err).Error("invalid BILLING_REDIS_URL, falling back to local rate limiting")
		return middleware.NewRateLimiterWithWindow(cfg.RateLimitPerMin, time.Minute, cfg.RateLimitPerMin, logger)
	}
	client := redis.NewClient(opts)
	return middleware.NewDistributedRateLimiter(client, cfg.RateLimitPerMin, time.Minute, logger)
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("DEPOSIT_MASTER_KEY_HEX must be 32 bytes of hex (64 characters)")
	}
	return hex.DecodeString(hexKey)
}
