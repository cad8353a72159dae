package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/internal/domain"
)

type scriptedChecker struct {
	results []bool
	errs    []error
	calls   int
}

func (s *scriptedChecker) IsHealthy(ctx context.Context, containerID string) (bool, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.results[i], err
}

func TestMonitorSendsUnhealthyOnceThenExits(t *testing.T) {
	checker := &scriptedChecker{results: []bool{true, false, true, true}}
	m, unhealthy := New(checker, Config{CheckInterval: 5 * time.Millisecond, StopGrace: 100 * time.Millisecond}, nil)

	m.StartMonitoring(context.Background(), domain.RentalId("r1"), "container-1")

	select {
	case rentalID := <-unhealthy:
		assert.Equal(t, domain.RentalId("r1"), rentalID)
	case <-time.After(time.Second):
		t.Fatal("expected unhealthy notification")
	}

	select {
	case <-unhealthy:
		t.Fatal("expected exactly one unhealthy notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorTreatsCheckErrorAsUnhealthy(t *testing.T) {
	checker := &scriptedChecker{results: []bool{true}, errs: []error{errors.New("boom")}}
	m, unhealthy := New(checker, Config{CheckInterval: 5 * time.Millisecond, StopGrace: 100 * time.Millisecond}, nil)

	m.StartMonitoring(context.Background(), domain.RentalId("r2"), "container-2")

	select {
	case rentalID := <-unhealthy:
		assert.Equal(t, domain.RentalId("r2"), rentalID)
	case <-time.After(time.Second):
		t.Fatal("expected unhealthy notification on check error")
	}
}

func TestStopMonitoringCancelsTaskWithoutNotification(t *testing.T) {
	checker := &scriptedChecker{results: []bool{true, true, true, true, true}}
	m, unhealthy := New(checker, Config{CheckInterval: 5 * time.Millisecond, StopGrace: 200 * time.Millisecond}, nil)

	m.StartMonitoring(context.Background(), domain.RentalId("r3"), "container-3")
	time.Sleep(15 * time.Millisecond)
	m.StopMonitoring(domain.RentalId("r3"))

	select {
	case <-unhealthy:
		t.Fatal("stopping monitoring should not emit an unhealthy notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartMonitoringIsIdempotentPerRental(t *testing.T) {
	checker := &scriptedChecker{results: []bool{true}}
	m, _ := New(checker, DefaultConfig(), nil)
	require.NotPanics(t, func() {
		m.StartMonitoring(context.Background(), domain.RentalId("r4"), "c")
		m.StartMonitoring(context.Background(), domain.RentalId("r4"), "c")
	})
	m.StopMonitoring(domain.RentalId("r4"))
}
