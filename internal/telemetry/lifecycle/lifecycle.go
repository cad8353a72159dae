// Package lifecycle tracks telemetry-tagged container start/stop
// transitions by diffing the previously-seen container id set against the
// current one on every tick (spec.md §4.10, C10). Grounded on the
// diff-against-previous-set idiom in services/indexer/syncer.go's
// block-range scanning, generalized here to a container-id set diff, and
// on original_source/.../system_monitor/lifecycle.rs for which transitions
// matter.
package lifecycle

import (
	"context"
	"time"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/telemetry/collector"
)

// Status is the lifecycle state a tracked container transitioned to.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// StatusUpdater is called on every detected transition. Implemented by
// internal/rental.Manager.
type StatusUpdater interface {
	UpdateLifecycleStatus(ctx context.Context, rentalID domain.RentalId, status Status) error
}

// Tracker periodically lists running containers and reports start/stop
// transitions for every telemetry-tagged one.
type Tracker struct {
	containers collector.ContainerClient
	updater    StatusUpdater
	logger     *logging.Logger

	previous map[string]domain.RentalId
}

// New constructs a Tracker.
func New(containers collector.ContainerClient, updater StatusUpdater, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.New("telemetry-lifecycle", "info", "json")
	}
	return &Tracker{containers: containers, updater: updater, logger: logger, previous: map[string]domain.RentalId{}}
}

// Run polls at checkInterval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	running, err := t.containers.ListRunning(ctx)
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).Warn("lifecycle: list running containers failed")
		return
	}

	current := make(map[string]domain.RentalId, len(running))
	for _, c := range running {
		if !collector.IsTelemetryEnabled(c.Labels) {
			continue
		}
		rentalID, _, _ := collector.EntityIDs(c)
		if rentalID == "" {
			continue
		}
		current[c.ID] = rentalID
	}

	for id, rentalID := range current {
		if _, already := t.previous[id]; !already {
			t.report(ctx, rentalID, StatusRunning)
		}
	}
	for id, rentalID := range t.previous {
		if _, stillRunning := current[id]; !stillRunning {
			t.report(ctx, rentalID, StatusStopped)
		}
	}

	t.previous = current
}

func (t *Tracker) report(ctx context.Context, rentalID domain.RentalId, status Status) {
	if err := t.updater.UpdateLifecycleStatus(ctx, rentalID, status); err != nil {
		t.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"rental_id": string(rentalID), "status": string(status),
		}).Warn("lifecycle status update failed")
	}
}
