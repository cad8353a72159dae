// Command payments-monitor runs the leader-elected chain watcher (C6) and
// the outbox dispatcher (C7) in one process, matching spec.md §2's pairing
// of the two around the payments schema. Only the chain-monitor loop runs
// under the PAYMENTS_MONITOR advisory lock (C1); the dispatcher runs in
// every replica, since claim_batch's row-level update is already
// exclusion-safe across replicas (spec.md §4.1).
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/basilica-network/basilica/infrastructure/adminserver"
	"github.com/basilica-network/basilica/infrastructure/config"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/infrastructure/migrations"
	"github.com/basilica-network/basilica/internal/billingclient"
	"github.com/basilica-network/basilica/internal/chainclient"
	"github.com/basilica-network/basilica/internal/chainmonitor"
	"github.com/basilica-network/basilica/internal/deposits"
	"github.com/basilica-network/basilica/internal/lock"
	"github.com/basilica-network/basilica/internal/outbox"
	paymentsmigrations "github.com/basilica-network/basilica/internal/payments/migrations"
	"github.com/basilica-network/basilica/internal/priceoracle"
)

// Config is this process's own operational settings (spec.md SPEC_FULL.md
// §2 "ambient stack": config loading for the outer system is out of scope,
// but each daemon still loads its own DSNs/intervals/policy here).
type Config struct {
	DatabaseURL    string        `env:"PAYMENTS_DATABASE_URL,required"`
	RPCURL         string        `env:"CHAIN_RPC_URL,required"`
	BillingBaseURL string        `env:"BILLING_BASE_URL,required"`
	BillingSecret  string        `env:"BILLING_SERVICE_SECRET,required"`
	ListenAddr     string        `env:"METRICS_LISTEN_ADDR,default=:9101"`
	MasterKeyHex   string        `env:"DEPOSIT_MASTER_KEY_HEX,required"`
	NetworkPrefix  uint8         `env:"SS58_NETWORK_PREFIX,default=42"`
	DispatchTick   time.Duration `env:"OUTBOX_DISPATCH_TICK,default=2s"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	LogFormat      string        `env:"LOG_FORMAT,default=json"`
}

func main() {
	var cfg Config
	if err := config.Load(&cfg, ""); err != nil {
		logging.New("payments-monitor", "info", "json").WithContext(context.Background()).WithError(err).Fatal("load config")
	}
	logger := logging.New("payments-monitor", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("open payments database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("ping payments database")
	}
	if err := migrations.Up(cfg.DatabaseURL, paymentsmigrations.Files); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("apply payments migrations")
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewBasilicaMetrics(registry)

	masterKey, err := decodeMasterKey(cfg.MasterKeyHex)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("decode deposit master key")
	}
	depositRepo := deposits.NewPostgresRepository(db)
	depositMgr := deposits.NewManager(depositRepo, masterKey, byte(cfg.NetworkPrefix))

	oracle := priceoracle.New(priceoracle.DefaultConfig(), logger)
	chain := chainclient.New(chainclient.DefaultConfig(cfg.RPCURL))
	monitorRepo := chainmonitor.NewPostgresRepository(db)
	monitor := chainmonitor.New(chain, depositMgr, monitorRepo, chainmonitor.DefaultConfig(), logger, m)

	billing, err := billingclient.New(billingclient.Config{
		BaseURL:   cfg.BillingBaseURL,
		ServiceID: "payments-monitor",
		Secret:    cfg.BillingSecret,
	})
	if err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("build billing client")
	}
	outboxRepo := outbox.NewPostgresRepository(db)
	dispatcher := outbox.NewDispatcher(outboxRepo, oracle, billing, logger, m)

	election := lock.NewLeaderElection(db, lock.PaymentsMonitor, lock.WithLogger(logger))

	go oracle.Run(ctx)
	go dispatcher.Run(ctx, cfg.DispatchTick)
	go election.RunAsLeader(ctx, func(leaderCtx context.Context) error {
		logger.WithContext(leaderCtx).Info("acquired payments-monitor leadership, starting chain monitor")
		return monitor.Run(leaderCtx)
	})

	admin := adminserver.New(registry, db)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: admin.Router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).WithError(err).Error("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithContext(ctx).Info("shutting down payments-monitor")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("DEPOSIT_MASTER_KEY_HEX must be 32 bytes of hex (64 characters)")
	}
	return hex.DecodeString(hexKey)
}
