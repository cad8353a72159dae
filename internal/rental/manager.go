package rental

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/infrastructure/logging"
	basilicametrics "github.com/basilica-network/basilica/infrastructure/metrics"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/health"
	"github.com/basilica-network/basilica/internal/sshbroker"
	"github.com/basilica-network/basilica/internal/telemetry/lifecycle"
)

// Rental is the persisted and in-memory view of one lease (spec.md §3
// "Rental (owned by C11)").
type Rental struct {
	ID            domain.RentalId
	ValidatorHotkey string
	MinerAddr     string
	ExecutorID    string
	ContainerID   string
	SSHSessionID  string
	Credentials   sshbroker.Credentials
	State         domain.RentalState
	Spec          ContainerSpec
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Note          string
}

// StartRequest is the input to StartRental.
type StartRequest struct {
	ValidatorHotkey string
	MinerAddr       string
	ExecutorID      string
	PublicKey       string
	Spec            ContainerSpec
	ExpiresAt       *time.Time
}

// SessionBroker is the capability C13 provides: open and close rental-scoped
// SSH sessions against a miner. *sshbroker.Client satisfies this.
type SessionBroker interface {
	RequestSession(ctx context.Context, minerAddr string, req sshbroker.SessionRequest) (sshbroker.Credentials, error)
	CloseSession(ctx context.Context, minerAddr, sessionID, reason string) error
}

// ContainerDeployer abstracts the executor-side container runtime a
// deployment is made against. Distinct from telemetry/collector.ContainerClient,
// which only reads state; this one mutates it.
type ContainerDeployer interface {
	Deploy(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	// Stop stops containerID. graceful requests an orderly shutdown; a
	// caller that gets an error back for a graceful stop is expected to
	// retry with graceful=false.
	Stop(ctx context.Context, containerID string, graceful bool) error
}

// Repository persists rentals. Unlike the billing/payments repositories,
// this one has no reservation/idempotency concerns of its own: rental_id is
// allocated once in memory and never retried.
type Repository interface {
	Create(ctx context.Context, r *Rental) error
	UpdateState(ctx context.Context, id domain.RentalId, state domain.RentalState, note string) error
	Get(ctx context.Context, id domain.RentalId) (*Rental, error)
}

// Manager orchestrates rental start/stop and owns the active-rentals map
// (spec.md §4.11, §5 "exclusive locks for rental maps"). Grounded on
// services/indexer/syncer.go's `mu sync.Mutex` + map-of-state idiom,
// widened to sync.RWMutex since reads (status lookups) are expected to
// outnumber writes (start/stop).
type Manager struct {
	policy   *DeploymentPolicy
	broker   SessionBroker
	deployer ContainerDeployer
	repo     Repository
	monitor  *health.Monitor
	unhealthy <-chan domain.RentalId
	logger   *logging.Logger
	metrics  *basilicametrics.BasilicaMetrics

	mu     sync.RWMutex
	active map[domain.RentalId]*Rental
}

// SetMetrics attaches the domain metrics sink used to populate
// RentalsActive/RentalTeardownsTotal. Optional; a Manager with no metrics
// attached simply skips the gauge/counter updates.
func (m *Manager) SetMetrics(bm *basilicametrics.BasilicaMetrics) {
	m.metrics = bm
}

// NewManager constructs a Manager. unhealthy is the channel returned
// alongside the health.Monitor passed in; the Manager consumes it in Run.
func NewManager(policy *DeploymentPolicy, broker SessionBroker, deployer ContainerDeployer, repo Repository, monitor *health.Monitor, unhealthy <-chan domain.RentalId, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New("rental-manager", "info", "json")
	}
	return &Manager{
		policy:    policy,
		broker:    broker,
		deployer:  deployer,
		repo:      repo,
		monitor:   monitor,
		unhealthy: unhealthy,
		logger:    logger,
		active:    make(map[domain.RentalId]*Rental),
	}
}

// Run consumes unhealthy notifications until ctx is cancelled, tearing down
// each reported rental (spec.md §4.12 "the receiver in C11 initiates
// teardown").
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rentalID, ok := <-m.unhealthy:
			if !ok {
				return
			}
			go func(id domain.RentalId) {
				if err := m.StopRental(ctx, id, true); err != nil {
					m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(id)}).
						Error("teardown after unhealthy signal failed")
				}
			}(rentalID)
		}
	}
}

// StartRental implements spec.md §4.11's start_rental: allocate an id, open
// an SSH session on the miner, validate and deploy the container, then
// persist Active and begin health monitoring.
func (m *Manager) StartRental(ctx context.Context, req StartRequest) (*Rental, error) {
	id := domain.NewRentalId()

	creds, err := m.broker.RequestSession(ctx, req.MinerAddr, sshbroker.SessionRequest{
		ValidatorHotkey: req.ValidatorHotkey,
		RentalID:        id,
		PublicKey:       req.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	if err := m.policy.Validate(req.Spec); err != nil {
		m.closeSessionBestEffort(ctx, req.MinerAddr, creds.SessionID, "policy_violation")
		return nil, err
	}
	securedSpec := m.policy.Secure(req.Spec)

	containerID, err := m.deployer.Deploy(ctx, securedSpec)
	if err != nil {
		m.closeSessionBestEffort(ctx, req.MinerAddr, creds.SessionID, "deploy_failed")
		return nil, fmt.Errorf("deploy container: %w", err)
	}

	rental := &Rental{
		ID:              id,
		ValidatorHotkey: req.ValidatorHotkey,
		MinerAddr:       req.MinerAddr,
		ExecutorID:      req.ExecutorID,
		ContainerID:     containerID,
		SSHSessionID:    creds.SessionID,
		Credentials:     creds,
		State:           domain.RentalActive,
		Spec:            securedSpec,
		CreatedAt:       time.Now(),
		ExpiresAt:       req.ExpiresAt,
	}

	if err := m.repo.Create(ctx, rental); err != nil {
		m.teardownBestEffort(ctx, rental, "persist_failed")
		return nil, fmt.Errorf("persist rental: %w", err)
	}

	m.mu.Lock()
	m.active[id] = rental
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RentalsActive.WithLabelValues(string(domain.RentalActive)).Inc()
	}

	m.monitor.StartMonitoring(ctx, id, containerID)
	return rental, nil
}

// StopRental implements spec.md §4.11's stop_rental.
func (m *Manager) StopRental(ctx context.Context, id domain.RentalId, force bool) error {
	m.mu.Lock()
	rental, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFound("rental", string(id))
	}

	m.monitor.StopMonitoring(id)

	if err := m.deployer.Stop(ctx, rental.ContainerID, !force); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(id)}).
			Warn("graceful container stop failed, forcing")
		if err := m.deployer.Stop(ctx, rental.ContainerID, false); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(id)}).
				Error("force container stop failed")
		}
	}

	note := ""
	if err := m.broker.CloseSession(ctx, rental.MinerAddr, rental.SSHSessionID, "rental_stopped"); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(id)}).
			Error("ssh session close failed, leaking session on miner")
		note = "ssh session leaked: " + err.Error()
	}

	if m.metrics != nil {
		m.metrics.RentalsActive.WithLabelValues(string(domain.RentalActive)).Dec()
		reason := "rental_stopped"
		if force {
			reason = "forced"
		}
		m.metrics.RentalTeardownsTotal.WithLabelValues(reason).Inc()
	}
	return m.repo.UpdateState(ctx, id, domain.RentalStopped, note)
}

// ReportSSHFailure records that the miner-side SSH session for id has
// failed independently of a stop_rental call (spec.md §4.11 "a miner SSH
// failure after successful container deploy triggers a teardown attempt
// and surfaces as Failed"). The caller is whatever observes the SSH
// transport die — C13's RPC client on its next health probe, or an
// external reconnect loop; that wiring is deployment-specific and out of
// scope here.
func (m *Manager) ReportSSHFailure(ctx context.Context, id domain.RentalId) error {
	m.mu.Lock()
	rental, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFound("rental", string(id))
	}

	m.monitor.StopMonitoring(id)
	if err := m.deployer.Stop(ctx, rental.ContainerID, false); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(id)}).
			Error("container teardown after ssh failure did not complete")
	}
	if m.metrics != nil {
		m.metrics.RentalsActive.WithLabelValues(string(domain.RentalActive)).Dec()
		m.metrics.RentalTeardownsTotal.WithLabelValues("ssh_failure").Inc()
	}
	return m.repo.UpdateState(ctx, id, domain.RentalFailed, "miner ssh session failed")
}

// Get returns the active in-memory rental for id, if any.
func (m *Manager) Get(id domain.RentalId) (*Rental, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.active[id]
	return r, ok
}

// UpdateLifecycleStatus satisfies lifecycle.StatusUpdater. The executor-side
// tracker is authoritative for what it observes at the container, but C11
// remains authoritative for the rental-level state machine (spec.md §4.10):
// a running observation is informational, and a stopped observation for a
// rental this Manager still considers active means the container
// disappeared outside of a stop_rental call, so a teardown is initiated the
// same way an unhealthy signal would.
func (m *Manager) UpdateLifecycleStatus(ctx context.Context, rentalID domain.RentalId, status lifecycle.Status) error {
	if status != lifecycle.StatusStopped {
		return nil
	}
	m.mu.RLock()
	_, active := m.active[rentalID]
	m.mu.RUnlock()
	if !active {
		return nil
	}
	m.logger.WithContext(ctx).WithFields(map[string]interface{}{"rental_id": string(rentalID)}).
		Warn("container for active rental disappeared, tearing down")
	go func(id domain.RentalId) {
		if err := m.StopRental(context.Background(), id, true); err != nil {
			m.logger.WithError(err).WithFields(map[string]interface{}{"rental_id": string(id)}).
				Error("teardown after lifecycle-observed disappearance failed")
		}
	}(rentalID)
	return nil
}

func (m *Manager) closeSessionBestEffort(ctx context.Context, minerAddr, sessionID, reason string) {
	if err := m.broker.CloseSession(ctx, minerAddr, sessionID, reason); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("failed to close ssh session after start_rental failure")
	}
}

func (m *Manager) teardownBestEffort(ctx context.Context, rental *Rental, reason string) {
	if err := m.deployer.Stop(ctx, rental.ContainerID, false); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"rental_id": string(rental.ID)}).
			Error("teardown after failed persist could not stop container")
	}
	m.closeSessionBestEffort(ctx, rental.MinerAddr, rental.SSHSessionID, reason)
}
