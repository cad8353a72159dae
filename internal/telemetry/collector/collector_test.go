package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/internal/telemetry"
)

type fakeContainerClient struct {
	containers []ContainerInfo
	stats      map[string]ContainerStats
}

func (f *fakeContainerClient) ListRunning(ctx context.Context) ([]ContainerInfo, error) {
	return f.containers, nil
}

func (f *fakeContainerClient) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	return f.stats[containerID], nil
}

func TestIsTelemetryEnabled(t *testing.T) {
	assert.True(t, IsTelemetryEnabled(map[string]string{LabelTelemetryEnabled: "true"}))
	assert.True(t, IsTelemetryEnabled(map[string]string{LabelLegacyRental: "1"}))
	assert.False(t, IsTelemetryEnabled(map[string]string{}))
	assert.False(t, IsTelemetryEnabled(map[string]string{LabelTelemetryEnabled: "false"}))
}

func TestEntityIDsFallsBackToUUIDInName(t *testing.T) {
	c := ContainerInfo{
		ID:   "abc123",
		Name: "rental-3fa85f64-5717-4562-b3fc-2c963f66afa6",
	}
	rentalID, userID, validatorID := EntityIDs(c)
	assert.Equal(t, "3fa85f64-5717-4562-b3fc-2c963f66afa6", string(rentalID))
	assert.Empty(t, userID)
	assert.Empty(t, validatorID)
}

func TestEntityIDsPrefersLabels(t *testing.T) {
	c := ContainerInfo{
		Name: "whatever",
		Labels: map[string]string{
			LabelEntityID: "rental-42",
			LabelUserID:   "user-7",
		},
	}
	rentalID, userID, _ := EntityIDs(c)
	assert.Equal(t, "rental-42", string(rentalID))
	assert.Equal(t, "user-7", string(userID))
}

func TestCollectorSkipsUntaggedContainers(t *testing.T) {
	client := &fakeContainerClient{
		containers: []ContainerInfo{
			{ID: "tagged", Labels: map[string]string{LabelTelemetryEnabled: "true"}},
			{ID: "untagged", Labels: map[string]string{}},
		},
		stats: map[string]ContainerStats{
			"tagged": {CPUPercent: 12.5},
		},
	}
	c := New("executor-1", client, nil, nil, nil)

	samples, err := c.sampleContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "tagged", samples[0].ContainerID)
	assert.Equal(t, 12.5, samples[0].CPUPercent)
}

func TestCollectorBroadcastDropsForSlowSubscriber(t *testing.T) {
	c := New("executor-1", &fakeContainerClient{}, nil, nil, nil)
	sub := c.Subscribe(1)

	c.publish(exampleMetrics(), "host")
	c.publish(exampleMetrics(), "host")

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected first publish to be delivered")
	}
	select {
	case <-sub:
		t.Fatal("second publish should have been dropped, buffer was full")
	default:
	}
}

func exampleMetrics() telemetry.Metrics {
	return telemetry.Metrics{Timestamp: time.Now(), ExecutorID: "executor-1"}
}
