// Package streamclient ships telemetry samples produced by C8 to the
// remote ingest endpoint over a persistent bidirectional connection
// (spec.md §4.9, C9). Grounded on
// original_source/.../system_monitor/stream.rs for the reconnect/backoff
// and bounded-queue semantics; carried over `gorilla/websocket` (a direct
// teacher dependency the teacher's own services never exercise) rather
// than gRPC — see DESIGN.md.
package streamclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/internal/telemetry"
)

// ResourceUsage is the numeric payload of one TelemetryData record
// (spec.md §6).
type ResourceUsage struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryMB       float64   `json:"mem_mb"`
	NetworkRxBytes float64   `json:"net_rx"`
	NetworkTxBytes float64   `json:"net_tx"`
	DiskReadBytes  float64   `json:"disk_read"`
	DiskWriteBytes float64   `json:"disk_write"`
	GPUUsage       []float64 `json:"gpu_usage,omitempty"`
}

// TelemetryData is one wire record: a host sample (RentalID == "") or one
// container sample. Auxiliary string ids that don't fit the numeric
// CustomMetrics map are encoded as marker keys of the form
// "has_user_id_{value}" / "has_validator_id_{value}" set to 1.0.
type TelemetryData struct {
	RentalID      string             `json:"rental_id"`
	ExecutorID    string             `json:"executor_id"`
	Timestamp     time.Time          `json:"timestamp"`
	ResourceUsage ResourceUsage      `json:"resource_usage"`
	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`
}

// FromMetrics converts one collector tick into its wire records: at most
// one host record (only when System is set) followed by one record per
// sampled container.
func FromMetrics(m telemetry.Metrics) []TelemetryData {
	var gpuUsage []float64
	for _, g := range m.GPUs {
		gpuUsage = append(gpuUsage, g.UtilizationPct)
	}

	var out []TelemetryData
	if m.System != nil {
		out = append(out, TelemetryData{
			RentalID:   "",
			ExecutorID: m.ExecutorID,
			Timestamp:  m.Timestamp,
			ResourceUsage: ResourceUsage{
				CPUPercent:     m.System.CPUPercent,
				MemoryMB:       float64(m.System.MemoryUsedMB),
				NetworkRxBytes: float64(m.System.NetworkRxBytes),
				NetworkTxBytes: float64(m.System.NetworkTxBytes),
				GPUUsage:       gpuUsage,
			},
		})
	}

	for _, c := range m.Containers {
		custom := map[string]float64{}
		if c.UserID != "" {
			custom[fmt.Sprintf("has_user_id_%s", c.UserID)] = 1.0
		}
		if c.ValidatorID != "" {
			custom[fmt.Sprintf("has_validator_id_%s", c.ValidatorID)] = 1.0
		}
		if len(custom) == 0 {
			custom = nil
		}
		out = append(out, TelemetryData{
			RentalID:   string(c.RentalID),
			ExecutorID: m.ExecutorID,
			Timestamp:  m.Timestamp,
			ResourceUsage: ResourceUsage{
				CPUPercent:     c.CPUPercent,
				MemoryMB:       float64(c.MemoryMB),
				NetworkRxBytes: float64(c.NetworkRxBytes),
				NetworkTxBytes: float64(c.NetworkTxBytes),
				DiskReadBytes:  float64(c.DiskReadBytes),
				DiskWriteBytes: float64(c.DiskWriteBytes),
			},
			CustomMetrics: custom,
		})
	}
	return out
}

// Config controls the connection target, auth, and queue sizing.
type Config struct {
	URL               string
	APIKey            string
	APIKeyHeader      string // "x-api-key" or "authorization"; defaults to "x-api-key"
	QueueCapacity     int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig matches the original's 30s reconnect ceiling and a modest
// bounded queue.
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		APIKeyHeader:       "x-api-key",
		QueueCapacity:      1024,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// Source is anything that produces Metrics ticks; implemented by
// *collector.Collector.
type Source interface {
	Subscribe(buffer int) <-chan telemetry.Metrics
}

// Client maintains one persistent connection to the ingest endpoint,
// converting and forwarding every sample from Source, with a bounded
// drop-from-head local queue absorbing connection gaps.
type Client struct {
	cfg    Config
	source Source
	logger *logging.Logger
	metrics *metrics.BasilicaMetrics
	dialer *websocket.Dialer

	mu    sync.Mutex
	queue []TelemetryData
}

// New constructs a Client.
func New(cfg Config, source Source, logger *logging.Logger, m *metrics.BasilicaMetrics) *Client {
	if logger == nil {
		logger = logging.New("telemetry-streamclient", "info", "json")
	}
	return &Client{cfg: cfg, source: source, logger: logger, metrics: m, dialer: websocket.DefaultDialer}
}

// Run subscribes to source and maintains the outgoing connection until ctx
// is cancelled, reconnecting with capped exponential backoff on drop.
func (c *Client) Run(ctx context.Context) {
	samples := c.source.Subscribe(c.cfg.QueueCapacity)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.enqueueLoop(ctx, samples)
	}()
	go func() {
		defer wg.Done()
		c.sendLoop(ctx)
	}()
	wg.Wait()
}

func (c *Client) enqueueLoop(ctx context.Context, samples <-chan telemetry.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-samples:
			if !ok {
				return
			}
			for _, record := range FromMetrics(m) {
				c.enqueue(record)
			}
		}
	}
}

// enqueue appends record, dropping the oldest queued record first if the
// queue is already at capacity (spec.md §4.9 drop-from-head policy).
func (c *Client) enqueue(record TelemetryData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.cfg.QueueCapacity {
		c.queue = c.queue[1:]
		if c.metrics != nil {
			c.metrics.TelemetryDroppedTotal.Inc()
		}
	}
	c.queue = append(c.queue, record)
}

func (c *Client) drain() []TelemetryData {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

func (c *Client) sendLoop(ctx context.Context) {
	delay := c.cfg.ReconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("telemetry stream dial failed, retrying")
			if !sleepOrDone(ctx, delay) {
				return
			}
			delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
			continue
		}

		delay = c.cfg.ReconnectBaseDelay
		c.drive(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if !sleepOrDone(ctx, delay) {
			return
		}
		delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		name := c.cfg.APIKeyHeader
		if name == "" {
			name = "x-api-key"
		}
		header.Set(name, c.cfg.APIKey)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial telemetry stream: %w", err)
	}
	return conn, nil
}

// drive pumps queued records over conn until the connection fails or ctx
// is cancelled.
func (c *Client) drive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, record := range c.drain() {
				if err := conn.WriteJSON(record); err != nil {
					c.logger.WithContext(ctx).WithError(err).Warn("telemetry stream write failed")
					// put it back so the next connection attempt re-sends it.
					c.requeueFront(record)
					return
				}
			}
		}
	}
}

func (c *Client) requeueFront(record TelemetryData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append([]TelemetryData{record}, c.queue...)
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
