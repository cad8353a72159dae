// Command validator runs the rental state machine (C11), its health
// monitor (C12) and SSH session broker client (C13), and the executor-side
// container-lifecycle tracker (C10) against this host's Docker daemon,
// plus the rental start/stop RPC surface (spec.md §4.11). Grounded on
// cmd/gateway/main.go's http.Server + GracefulShutdown shape.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basilica-network/basilica/infrastructure/config"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/infrastructure/middleware"
	"github.com/basilica-network/basilica/infrastructure/migrations"
	"github.com/basilica-network/basilica/internal/dockerclient"
	"github.com/basilica-network/basilica/internal/health"
	"github.com/basilica-network/basilica/internal/rental"
	"github.com/basilica-network/basilica/internal/sshbroker"
	"github.com/basilica-network/basilica/internal/telemetry/lifecycle"
	validatormigrations "github.com/basilica-network/basilica/internal/validator/migrations"
	"github.com/basilica-network/basilica/internal/validatorrpc"
)

// Config is this process's own operational settings.
type Config struct {
	DatabaseURL          string        `env:"VALIDATOR_DATABASE_URL,required"`
	ListenAddr           string        `env:"LISTEN_ADDR,default=:8082"`
	ServiceSecrets       string        `env:"SERVICE_SECRETS"`
	DockerSocket         string        `env:"DOCKER_SOCKET,default=/var/run/docker.sock"`
	HealthCheckInterval  time.Duration `env:"HEALTH_CHECK_INTERVAL,default=30s"`
	HealthStopGrace      time.Duration `env:"HEALTH_STOP_GRACE,default=5s"`
	LifecycleCheckTick   time.Duration `env:"LIFECYCLE_CHECK_INTERVAL,default=10s"`
	LogLevel             string        `env:"LOG_LEVEL,default=info"`
	LogFormat            string        `env:"LOG_FORMAT,default=json"`
}

func main() {
	var cfg Config
	if err := config.Load(&cfg, ""); err != nil {
		logging.New("validator", "info", "json").WithContext(context.Background()).WithError(err).Fatal("load config")
	}
	logger := logging.New("validator", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("open validator database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("ping validator database")
	}
	if err := migrations.Up(cfg.DatabaseURL, validatormigrations.Files); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("apply validator migrations")
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewBasilicaMetrics(registry)

	docker := dockerclient.New(dockerclient.Config{SocketPath: cfg.DockerSocket})

	healthMonitor, unhealthy := health.New(docker, health.Config{
		CheckInterval: cfg.HealthCheckInterval,
		StopGrace:     cfg.HealthStopGrace,
	}, logger)

	sshClient := sshbroker.New(nil, logger)
	repo := rental.NewPostgresRepository(db)
	policy := rental.NewDeploymentPolicy(rental.DefaultPolicyConfig())
	manager := rental.NewManager(policy, sshClient, docker, repo, healthMonitor, unhealthy, logger)

	manager.SetMetrics(m)
	lifecycleTracker := lifecycle.New(docker, manager, logger)

	go manager.Run(ctx)
	go lifecycleTracker.Run(ctx, cfg.LifecycleCheckTick)

	rpcServer := validatorrpc.New(manager, logger)
	router := rpcServer.Router(parseServiceSecrets(cfg.ServiceSecrets))
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.ListenForSignals()
	shutdown.OnShutdown(cancel)

	logger.WithContext(ctx).WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("validator service listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithContext(ctx).WithError(err).Fatal("validator server failed")
	}
	shutdown.Wait()
}

func parseServiceSecrets(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitPairs(raw) {
		out[pair[0]] = pair[1]
	}
	return out
}

// splitPairs parses "k1=v1,k2=v2" into [["k1","v1"],["k2","v2"]], skipping
// malformed or empty entries.
func splitPairs(raw string) [][2]string {
	var out [][2]string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				appendPair(&out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func appendPair(out *[][2]string, entry string) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			*out = append(*out, [2]string{entry[:i], entry[i+1:]})
			return
		}
	}
}
