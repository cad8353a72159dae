// Command executor-agent runs on each GPU host: it samples this
// executor's own resource usage and that of its telemetry-tagged
// containers (C8) and streams every tick to the billing service's
// ingest endpoint (C9). Grounded on cmd/validator/main.go's config/
// logging/metrics wiring shape, generalized to a process with no
// database of its own and no authenticated RPC surface — only the
// operational admin mux.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basilica-network/basilica/infrastructure/adminserver"
	"github.com/basilica-network/basilica/infrastructure/config"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/infrastructure/middleware"
	"github.com/basilica-network/basilica/internal/dockerclient"
	"github.com/basilica-network/basilica/internal/telemetry/collector"
	"github.com/basilica-network/basilica/internal/telemetry/streamclient"
)

// Config is this process's own operational settings.
type Config struct {
	ExecutorID         string        `env:"EXECUTOR_ID,required"`
	DockerSocket       string        `env:"DOCKER_SOCKET,default=/var/run/docker.sock"`
	StreamURL          string        `env:"TELEMETRY_STREAM_URL,required"` // e.g. ws://billing:8080/v1/telemetry/stream
	TelemetryAPIKey    string        `env:"TELEMETRY_API_KEY"`
	HostSampleInterval time.Duration `env:"HOST_SAMPLE_INTERVAL,default=10s"`
	ContainerSampleTick time.Duration `env:"CONTAINER_SAMPLE_INTERVAL,default=5s"`
	ListenAddr         string        `env:"LISTEN_ADDR,default=:8083"`
	LogLevel           string        `env:"LOG_LEVEL,default=info"`
	LogFormat          string        `env:"LOG_FORMAT,default=json"`
}

func main() {
	var cfg Config
	if err := config.Load(&cfg, ""); err != nil {
		logging.New("executor-agent", "info", "json").WithContext(context.Background()).WithError(err).Fatal("load config")
	}
	logger := logging.New("executor-agent", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.NewBasilicaMetrics(registry)

	docker := dockerclient.New(dockerclient.Config{SocketPath: cfg.DockerSocket})
	sampler := collector.New(cfg.ExecutorID, docker, collector.NoGPUSampler{}, logger, m)

	streamCfg := streamclient.DefaultConfig(cfg.StreamURL)
	streamCfg.APIKey = cfg.TelemetryAPIKey
	stream := streamclient.New(streamCfg, sampler, logger, m)

	go sampler.Run(ctx, cfg.HostSampleInterval, cfg.ContainerSampleTick)
	go stream.Run(ctx)

	admin := adminserver.New(registry, nil)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: admin.Router}
	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.ListenForSignals()
	shutdown.OnShutdown(cancel)

	logger.WithContext(ctx).WithFields(map[string]interface{}{"addr": cfg.ListenAddr, "executor_id": cfg.ExecutorID}).Info("executor agent listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithContext(ctx).WithError(err).Fatal("executor agent server failed")
	}
	shutdown.Wait()
}
