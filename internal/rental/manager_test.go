package rental

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/health"
	"github.com/basilica-network/basilica/internal/sshbroker"
)

type fakeBroker struct {
	mu          sync.Mutex
	openErr     error
	closeErr    error
	closeCalls  []string
	nextSession int
}

func (f *fakeBroker) RequestSession(ctx context.Context, minerAddr string, req sshbroker.SessionRequest) (sshbroker.Credentials, error) {
	if f.openErr != nil {
		return sshbroker.Credentials{}, f.openErr
	}
	f.mu.Lock()
	f.nextSession++
	id := fmt.Sprintf("sess-%d", f.nextSession)
	f.mu.Unlock()
	return sshbroker.Credentials{SessionID: id, Host: "10.0.0.1", Port: 22, Username: "basilica"}, nil
}

func (f *fakeBroker) CloseSession(ctx context.Context, minerAddr, sessionID, reason string) error {
	f.mu.Lock()
	f.closeCalls = append(f.closeCalls, sessionID+":"+reason)
	f.mu.Unlock()
	return f.closeErr
}

type fakeDeployer struct {
	mu         sync.Mutex
	deployErr  error
	stopErr    error
	stopCalls  []bool
	nextID     int
}

func (f *fakeDeployer) Deploy(ctx context.Context, spec ContainerSpec) (string, error) {
	if f.deployErr != nil {
		return "", f.deployErr
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeDeployer) Stop(ctx context.Context, containerID string, graceful bool) error {
	f.mu.Lock()
	f.stopCalls = append(f.stopCalls, graceful)
	f.mu.Unlock()
	return f.stopErr
}

type fakeChecker struct {
	mu      sync.Mutex
	healthy bool
}

func (f *fakeChecker) IsHealthy(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeBroker, *fakeDeployer, *FakeRepository) {
	t.Helper()
	broker := &fakeBroker{}
	deployer := &fakeDeployer{}
	repo := NewFakeRepository()
	monitor, unhealthy := health.New(&fakeChecker{healthy: true}, health.Config{CheckInterval: time.Hour, StopGrace: time.Second}, nil)
	mgr := NewManager(NewDeploymentPolicy(DefaultPolicyConfig()), broker, deployer, repo, monitor, unhealthy, nil)
	return mgr, broker, deployer, repo
}

func validSpec() ContainerSpec {
	return ContainerSpec{
		Image:    "docker.io/basilica/workload:latest",
		CPUCores: 2,
		MemoryMB: 2048,
		Network:  NetworkConfig{Mode: "bridge"},
	}
}

func TestStartRentalPersistsActiveRental(t *testing.T) {
	mgr, broker, deployer, repo := newTestManager(t)

	r, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		ExecutorID:      "executor-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.RentalActive, r.State)
	require.NotEmpty(t, r.ContainerID)
	require.NotEmpty(t, r.SSHSessionID)

	stored, err := repo.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RentalActive, stored.State)

	_, ok := mgr.Get(r.ID)
	require.True(t, ok)
	require.Empty(t, broker.closeCalls)
	require.Empty(t, deployer.stopCalls)
}

func TestStartRentalPolicyViolationLeavesNoRental(t *testing.T) {
	mgr, broker, deployer, repo := newTestManager(t)

	badSpec := validSpec()
	badSpec.Volumes = []Volume{{HostPath: "/etc", ContainerPath: "/x"}}

	_, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            badSpec,
	})
	require.Error(t, err)
	require.Empty(t, deployer.stopCalls)
	require.Len(t, broker.closeCalls, 1)
	require.Contains(t, broker.closeCalls[0], "policy_violation")
	require.Empty(t, repo.byID)
}

func TestStartRentalDeployFailureClosesSession(t *testing.T) {
	mgr, broker, deployer, repo := newTestManager(t)
	deployer.deployErr = fmt.Errorf("no capacity")

	_, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.Error(t, err)
	require.Len(t, broker.closeCalls, 1)
	require.Contains(t, broker.closeCalls[0], "deploy_failed")
	require.Empty(t, repo.byID)
}

func TestStopRentalGracefulThenRemovesFromActiveMap(t *testing.T) {
	mgr, broker, deployer, repo := newTestManager(t)

	r, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.NoError(t, err)

	require.NoError(t, mgr.StopRental(context.Background(), r.ID, false))

	_, ok := mgr.Get(r.ID)
	require.False(t, ok)
	require.Equal(t, []bool{true}, deployer.stopCalls)
	require.Len(t, broker.closeCalls, 1)
	require.Contains(t, broker.closeCalls[0], "rental_stopped")

	stored, err := repo.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RentalStopped, stored.State)
}

func TestStopRentalFallsBackToForceOnGracefulFailure(t *testing.T) {
	mgr, _, deployer, _ := newTestManager(t)
	r, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.NoError(t, err)

	deployer.stopErr = fmt.Errorf("graceful stop timed out")
	require.NoError(t, mgr.StopRental(context.Background(), r.ID, false))
	require.Equal(t, []bool{true, false}, deployer.stopCalls)
}

func TestStopRentalUnknownIDIsNotFound(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	err := mgr.StopRental(context.Background(), domain.RentalId("missing"), false)
	require.Error(t, err)
}

func TestStopRentalRecordsSSHCloseLeak(t *testing.T) {
	mgr, broker, _, repo := newTestManager(t)
	r, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.NoError(t, err)

	broker.closeErr = fmt.Errorf("miner unreachable")
	require.NoError(t, mgr.StopRental(context.Background(), r.ID, true))

	stored, err := repo.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RentalStopped, stored.State)
	require.Contains(t, stored.Note, "ssh session leaked")
}

func TestUnhealthySignalTriggersTeardown(t *testing.T) {
	broker := &fakeBroker{}
	deployer := &fakeDeployer{}
	repo := NewFakeRepository()
	checker := &fakeChecker{healthy: true}
	monitor, unhealthy := health.New(checker, health.Config{CheckInterval: 10 * time.Millisecond, StopGrace: time.Second}, nil)
	mgr := NewManager(NewDeploymentPolicy(DefaultPolicyConfig()), broker, deployer, repo, monitor, unhealthy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	r, err := mgr.StartRental(ctx, StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.NoError(t, err)

	checker.mu.Lock()
	checker.healthy = false
	checker.mu.Unlock()

	require.Eventually(t, func() bool {
		_, ok := mgr.Get(r.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	stored, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RentalStopped, stored.State)
}

func TestReportSSHFailureMarksFailed(t *testing.T) {
	mgr, _, deployer, repo := newTestManager(t)
	r, err := mgr.StartRental(context.Background(), StartRequest{
		ValidatorHotkey: "validator-1",
		MinerAddr:       "miner-1",
		PublicKey:       "ssh-ed25519 AAAA",
		Spec:            validSpec(),
	})
	require.NoError(t, err)

	require.NoError(t, mgr.ReportSSHFailure(context.Background(), r.ID))

	_, ok := mgr.Get(r.ID)
	require.False(t, ok)
	require.Equal(t, []bool{false}, deployer.stopCalls)

	stored, err := repo.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RentalFailed, stored.State)
}
