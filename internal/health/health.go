// Package health implements the per-rental container health monitor
// (spec.md §4.12, C12): one task per active rental, polling container
// status on an interval, exiting after sending exactly one unhealthy
// notification. Grounded on
// original_source/.../rental/monitoring.rs's HealthMonitor.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/internal/domain"
)

// Config controls check cadence and the grace period granted to a task on
// shutdown.
type Config struct {
	CheckInterval time.Duration
	StopGrace     time.Duration
}

// DefaultConfig matches the original monitor's 30s check interval and a 5s
// grace period on stop.
func DefaultConfig() Config {
	return Config{CheckInterval: 30 * time.Second, StopGrace: 5 * time.Second}
}

// StatusChecker reports whether a container is currently healthy. Returning
// an error is treated the same as returning (false, nil): one bad
// observation ends monitoring.
type StatusChecker interface {
	IsHealthy(ctx context.Context, containerID string) (bool, error)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor tracks one monitoring task per rental id.
type Monitor struct {
	checker   StatusChecker
	cfg       Config
	logger    *logging.Logger
	unhealthy chan domain.RentalId

	mu    sync.Mutex
	tasks map[domain.RentalId]*task
}

// New constructs a Monitor. The returned channel receives a rental id
// exactly once, the first time that rental's container is observed
// unhealthy (or a health check errors).
func New(checker StatusChecker, cfg Config, logger *logging.Logger) (*Monitor, <-chan domain.RentalId) {
	if logger == nil {
		logger = logging.New("health-monitor", "info", "json")
	}
	unhealthy := make(chan domain.RentalId, 16)
	return &Monitor{
		checker:   checker,
		cfg:       cfg,
		logger:    logger,
		unhealthy: unhealthy,
		tasks:     make(map[domain.RentalId]*task),
	}, unhealthy
}

// StartMonitoring begins polling containerID on behalf of rentalID. A
// rental already being monitored is a no-op.
func (m *Monitor) StartMonitoring(ctx context.Context, rentalID domain.RentalId, containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[rentalID]; exists {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.tasks[rentalID] = &task{cancel: cancel, done: done}

	go m.run(taskCtx, rentalID, containerID, done)
}

func (m *Monitor) run(ctx context.Context, rentalID domain.RentalId, containerID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.WithContext(ctx).WithFields(map[string]interface{}{"rental_id": string(rentalID)}).Info("health monitoring cancelled")
			return
		case <-ticker.C:
			healthy, err := m.checker.IsHealthy(ctx, containerID)
			if err != nil {
				m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(rentalID)}).Error("health check errored")
				m.sendUnhealthy(rentalID)
				return
			}
			if !healthy {
				m.logger.WithContext(ctx).WithFields(map[string]interface{}{"rental_id": string(rentalID)}).Warn("container marked unhealthy")
				m.sendUnhealthy(rentalID)
				return
			}
		}
	}
}

func (m *Monitor) sendUnhealthy(rentalID domain.RentalId) {
	select {
	case m.unhealthy <- rentalID:
	default:
		m.logger.WithFields(map[string]interface{}{"rental_id": string(rentalID)}).Warn("unhealthy notification channel full, dropping")
	}
}

// StopMonitoring cancels rentalID's task and waits up to StopGrace for it
// to exit before giving up.
func (m *Monitor) StopMonitoring(rentalID domain.RentalId) {
	m.mu.Lock()
	t, exists := m.tasks[rentalID]
	if exists {
		delete(m.tasks, rentalID)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	t.cancel()
	select {
	case <-t.done:
	case <-time.After(m.cfg.StopGrace):
		m.logger.WithFields(map[string]interface{}{"rental_id": string(rentalID)}).Warn("health monitoring task did not stop within grace period")
	}
}
