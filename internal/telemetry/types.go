// Package telemetry holds the sampled-metrics types shared between the
// collector (C8, which produces them) and the stream client (C9, which
// converts and ships them). Grounded on
// original_source/.../system_monitor/types.rs and metrics.rs.
package telemetry

import (
	"strings"
	"time"

	"github.com/basilica-network/basilica/internal/domain"
)

// SystemMetrics is one host-level sample (spec.md §4.8).
type SystemMetrics struct {
	CPUPercent        float64
	MemoryTotalMB     uint64
	MemoryUsedMB      uint64
	MemoryAvailableMB uint64
	LoadAverage1      float64
	LoadAverage5      float64
	LoadAverage15     float64
	NetworkRxBytes    uint64
	NetworkTxBytes    uint64
	Disks             []DiskUsage
}

// DiskUsage is one mounted filesystem's space accounting.
type DiskUsage struct {
	MountPoint     string
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
}

// ContainerMetrics is one telemetry-tagged container's sample.
type ContainerMetrics struct {
	ContainerID    string
	RentalID       domain.RentalId
	UserID         domain.UserId
	ValidatorID    string
	CPUPercent     float64
	MemoryMB       uint64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
}

// GPUMetrics is one discovered GPU's sample.
type GPUMetrics struct {
	Index             uint32
	Name              string
	UtilizationPct    float64
	MemoryUsedMB      uint64
	MemoryTotalMB     uint64
	TemperatureCelsius float64
	PowerWatts        float64
}

// Category buckets a sampled GPU model string into a coarse tier used for
// billing-package matching. Grounded on
// original_source/.../gpu/categorization.rs, minus the attestation/scoring
// fields that are out of scope here (spec.md §1 Non-goals) — only the
// display-string categorization survives.
func (g GPUMetrics) Category() string {
	return CategorizeGPUModel(g.Name)
}

// CategorizeGPUModel maps a raw GPU name string (as reported by the driver)
// to a coarse category: "A100", "H100", "H200", "B200", or "OTHER".
func CategorizeGPUModel(model string) string {
	upper := strings.ToUpper(model)
	switch {
	case strings.Contains(upper, "A100"):
		return "A100"
	case strings.Contains(upper, "H200"):
		return "H200"
	case strings.Contains(upper, "B200"):
		return "B200"
	case strings.Contains(upper, "H100"):
		return "H100"
	default:
		return "OTHER"
	}
}

// Metrics is one sample tick's full snapshot: the host sample plus every
// telemetry-tagged container and discoverable GPU observed in that tick
// (spec.md §4.8). It is the unit broadcast by the collector and consumed by
// the stream client.
type Metrics struct {
	Timestamp        time.Time
	ExecutorID       string
	System           *SystemMetrics
	Containers       []ContainerMetrics
	GPUs             []GPUMetrics
}
