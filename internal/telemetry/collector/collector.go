// Package collector implements the per-executor telemetry sampler (spec.md
// §4.8, C8): host metrics via gopsutil, telemetry-tagged container metrics
// via a ContainerClient capability, and optional GPU metrics via a
// GPUSampler capability, fanned out to subscribers over a lossy broadcast
// channel. Grounded on original_source/.../system_monitor/{metrics,types}.rs
// for the sample shape and on services/indexer/syncer.go's ticker-driven
// loop idiom for the Go control flow.
package collector

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/telemetry"
)

// Labels a telemetry-enabled container carries (spec.md §6).
const (
	LabelTelemetryEnabled = "io.basilica.telemetry"
	LabelLegacyRental      = "io.basilica.rental"
	LabelEntityID          = "io.basilica.entity_id"
	LabelRentalID          = "io.basilica.rental_id"
	LabelUserID            = "io.basilica.user_id"
	LabelValidatorID       = "io.basilica.validator_id"
)

// uuidPattern matches a UUID embedded in a container name when no id label
// is present, per spec.md §4.8's fallback rule.
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}`)

// ContainerInfo is one running container as enumerated by the runtime.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ContainerStats is one container's resource sample.
type ContainerStats struct {
	CPUPercent     float64
	MemoryMB       uint64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
}

// ContainerClient abstracts the container runtime (spec.md §9 "Dynamic
// dispatch"), so tests can substitute a fake instead of a real Docker
// socket.
type ContainerClient interface {
	ListRunning(ctx context.Context) ([]ContainerInfo, error)
	Stats(ctx context.Context, containerID string) (ContainerStats, error)
}

// GPUSampler abstracts GPU discovery. The default NoGPUSampler reports no
// GPUs, matching a host with no accelerator attached; a real
// implementation would shell out to nvidia-smi or use NVML bindings.
type GPUSampler interface {
	Sample(ctx context.Context) ([]telemetry.GPUMetrics, error)
}

// NoGPUSampler is the zero-value GPUSampler: no GPUs discoverable.
type NoGPUSampler struct{}

// Sample always returns an empty slice.
func (NoGPUSampler) Sample(ctx context.Context) ([]telemetry.GPUMetrics, error) {
	return nil, nil
}

// IsTelemetryEnabled reports whether a container's labels opt it into
// sampling, honoring both the current and the legacy label name.
func IsTelemetryEnabled(labels map[string]string) bool {
	if v, ok := labels[LabelTelemetryEnabled]; ok {
		return v == "true" || v == "1"
	}
	if v, ok := labels[LabelLegacyRental]; ok {
		return v == "true" || v == "1"
	}
	return false
}

// EntityIDs extracts the rental/user/validator ids a container is tagged
// with. When no id label is present, the container name is scanned for a
// UUID, which becomes the rental id.
func EntityIDs(c ContainerInfo) (rentalID domain.RentalId, userID domain.UserId, validatorID string) {
	if v, ok := c.Labels[LabelEntityID]; ok && v != "" {
		rentalID = domain.RentalId(v)
	} else if v, ok := c.Labels[LabelRentalID]; ok && v != "" {
		rentalID = domain.RentalId(v)
	} else if m := uuidPattern.FindString(c.Name); m != "" {
		rentalID = domain.RentalId(m)
	}
	userID = domain.UserId(c.Labels[LabelUserID])
	validatorID = c.Labels[LabelValidatorID]
	return
}

// Collector periodically samples this executor's host, container, and GPU
// metrics and broadcasts each tick's Metrics record to every subscriber.
// Host and container/GPU sampling run as independent tasks (spec.md §4.8:
// "a slow GPU query cannot block host sampling").
type Collector struct {
	executorID string
	containers ContainerClient
	gpu        GPUSampler
	logger     *logging.Logger
	metrics    *metrics.BasilicaMetrics

	mu   sync.RWMutex
	subs []chan telemetry.Metrics
}

// New constructs a Collector. gpuSampler may be nil, defaulting to
// NoGPUSampler.
func New(executorID string, containers ContainerClient, gpuSampler GPUSampler, logger *logging.Logger, m *metrics.BasilicaMetrics) *Collector {
	if gpuSampler == nil {
		gpuSampler = NoGPUSampler{}
	}
	if logger == nil {
		logger = logging.New("telemetry-collector", "info", "json")
	}
	return &Collector{executorID: executorID, containers: containers, gpu: gpuSampler, logger: logger, metrics: m}
}

// Subscribe registers a new consumer and returns its channel. The channel
// is buffered; a slow subscriber that falls behind has ticks dropped for it
// rather than blocking the collector (spec.md §4.8: "may drop, by design").
func (c *Collector) Subscribe(buffer int) <-chan telemetry.Metrics {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan telemetry.Metrics, buffer)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Collector) publish(m telemetry.Metrics, source string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- m:
		default:
			// slow subscriber; drop this tick for it rather than block.
		}
	}
	if c.metrics != nil {
		c.metrics.TelemetrySamplesTotal.WithLabelValues(source).Inc()
	}
}

// Run starts the host and container/GPU sampling loops; it blocks until ctx
// is cancelled.
func (c *Collector) Run(ctx context.Context, hostInterval, containerInterval time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runHostLoop(ctx, hostInterval)
	}()
	go func() {
		defer wg.Done()
		c.runContainerLoop(ctx, containerInterval)
	}()
	wg.Wait()
}

func (c *Collector) runHostLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := sampleHost(ctx)
			if err != nil {
				c.logger.WithContext(ctx).WithError(err).Warn("host metrics sample failed")
				continue
			}
			c.publish(telemetry.Metrics{Timestamp: time.Now(), ExecutorID: c.executorID, System: sample}, "host")
		}
	}
}

func (c *Collector) runContainerLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			containers, err := c.sampleContainers(ctx)
			if err != nil {
				c.logger.WithContext(ctx).WithError(err).Warn("container enumeration failed")
				continue
			}

			// GPU sampling runs in its own goroutine once container sampling
			// is done; this tick waits for it (or for cancellation) before
			// publishing, while the host loop keeps its own schedule.
			gpuCh := make(chan []telemetry.GPUMetrics, 1)
			go func() {
				gpus, err := c.gpu.Sample(ctx)
				if err != nil {
					c.logger.WithContext(ctx).WithError(err).Warn("gpu sample failed")
					gpus = nil
				}
				gpuCh <- gpus
			}()

			var gpus []telemetry.GPUMetrics
			select {
			case gpus = <-gpuCh:
			case <-ctx.Done():
				return
			}

			if len(containers) > 0 || len(gpus) > 0 {
				c.publish(telemetry.Metrics{Timestamp: time.Now(), ExecutorID: c.executorID, Containers: containers, GPUs: gpus}, "container")
			}
		}
	}
}

func (c *Collector) sampleContainers(ctx context.Context) ([]telemetry.ContainerMetrics, error) {
	running, err := c.containers.ListRunning(ctx)
	if err != nil {
		return nil, err
	}

	var out []telemetry.ContainerMetrics
	for _, info := range running {
		if !IsTelemetryEnabled(info.Labels) {
			continue
		}
		stats, err := c.containers.Stats(ctx, info.ID)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"container_id": info.ID}).Warn("container stats failed")
			continue
		}
		rentalID, userID, validatorID := EntityIDs(info)
		out = append(out, telemetry.ContainerMetrics{
			ContainerID:    info.ID,
			RentalID:       rentalID,
			UserID:         userID,
			ValidatorID:    validatorID,
			CPUPercent:     stats.CPUPercent,
			MemoryMB:       stats.MemoryMB,
			NetworkRxBytes: stats.NetworkRxBytes,
			NetworkTxBytes: stats.NetworkTxBytes,
			DiskReadBytes:  stats.DiskReadBytes,
			DiskWriteBytes: stats.DiskWriteBytes,
		})
	}
	return out, nil
}

// sampleHost gathers one host SystemMetrics snapshot via gopsutil.
func sampleHost(ctx context.Context) (*telemetry.SystemMetrics, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		// load averages are unavailable on some platforms; don't fail the
		// whole sample over it.
		avg = &load.AvgStat{}
	}

	var rx, tx uint64
	if ioCounters, err := net.IOCountersWithContext(ctx, false); err == nil && len(ioCounters) > 0 {
		rx = ioCounters[0].BytesRecv
		tx = ioCounters[0].BytesSent
	}

	var disks []telemetry.DiskUsage
	if partitions, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range partitions {
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				continue
			}
			disks = append(disks, telemetry.DiskUsage{
				MountPoint:     p.Mountpoint,
				TotalBytes:     usage.Total,
				UsedBytes:      usage.Used,
				AvailableBytes: usage.Free,
			})
		}
	}

	return &telemetry.SystemMetrics{
		CPUPercent:        cpuPct,
		MemoryTotalMB:     vm.Total / (1024 * 1024),
		MemoryUsedMB:      vm.Used / (1024 * 1024),
		MemoryAvailableMB: vm.Available / (1024 * 1024),
		LoadAverage1:      avg.Load1,
		LoadAverage5:      avg.Load5,
		LoadAverage15:     avg.Load15,
		NetworkRxBytes:    rx,
		NetworkTxBytes:    tx,
		Disks:             disks,
	}, nil
}
