// Package dockerclient implements the executor-side container runtime
// adapter against the Docker Engine API, satisfying
// internal/telemetry/collector.ContainerClient, internal/rental.
// ContainerDeployer, and internal/health.StatusChecker with one client.
// Grounded on internal/priceoracle's plain net/http HTTP-over-a-single-
// endpoint pattern (the teacher corpus has no container-runtime library
// and no Docker SDK is a declared teacher dependency, so a direct Engine
// API client over the daemon's unix socket matches the corpus's approach
// to "external HTTP source with no matching ecosystem library" rather than
// introducing github.com/docker/docker as an ungrounded new dependency).
package dockerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basilica-network/basilica/internal/rental"
	"github.com/basilica-network/basilica/internal/telemetry/collector"
)

// Config points the client at a Docker daemon's unix socket.
type Config struct {
	// SocketPath defaults to /var/run/docker.sock.
	SocketPath string
	// APIVersion defaults to "v1.43".
	APIVersion string
}

// Client is a minimal Docker Engine API client: list/stats/create/start/
// stop, enough to back C8's sampling, C10's lifecycle diff, C11's deploy,
// and C12's health check.
type Client struct {
	http    *http.Client
	base    string
	version string
}

// New constructs a Client dialing the daemon over its unix socket.
func New(cfg Config) *Client {
	sock := cfg.SocketPath
	if sock == "" {
		sock = "/var/run/docker.sock"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v1.43"
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", sock)
				},
			},
			Timeout: 10 * time.Second,
		},
		base:    "http://docker",
		version: version,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+c.version+path, body)
	if err != nil {
		return fmt.Errorf("build docker request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("docker request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read docker response %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("docker %s returned status %d: %s", path, resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode docker response %s: %w", path, err)
		}
	}
	return nil
}

type dockerContainer struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Labels map[string]string `json:"Labels"`
	State  string            `json:"State"`
}

// ListRunning satisfies collector.ContainerClient.
func (c *Client) ListRunning(ctx context.Context) ([]collector.ContainerInfo, error) {
	var raw []dockerContainer
	if err := c.do(ctx, http.MethodGet, "/containers/json", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]collector.ContainerInfo, 0, len(raw))
	for _, r := range raw {
		name := r.ID
		if len(r.Names) > 0 {
			name = strings.TrimPrefix(r.Names[0], "/")
		}
		out = append(out, collector.ContainerInfo{ID: r.ID, Name: name, Labels: r.Labels})
	}
	return out, nil
}

type dockerCPUStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint64 `json:"online_cpus"`
}

type dockerStatsResponse struct {
	CPUStats    dockerCPUStats `json:"cpu_stats"`
	PreCPUStats dockerCPUStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
	BlkioStats struct {
		IoServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
}

// Stats satisfies collector.ContainerClient: a single non-streaming sample.
func (c *Client) Stats(ctx context.Context, containerID string) (collector.ContainerStats, error) {
	var raw dockerStatsResponse
	if err := c.do(ctx, http.MethodGet, "/containers/"+containerID+"/stats?stream=false", nil, &raw); err != nil {
		return collector.ContainerStats{}, err
	}

	var cpuPercent float64
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := raw.CPUStats.OnlineCPUs
		if cpus == 0 {
			cpus = 1
		}
		cpuPercent = (cpuDelta / sysDelta) * float64(cpus) * 100.0
	}

	var rx, tx uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	var read, write uint64
	for _, e := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			read += e.Value
		case "write":
			write += e.Value
		}
	}

	return collector.ContainerStats{
		CPUPercent:     cpuPercent,
		MemoryMB:       raw.MemoryStats.Usage / (1024 * 1024),
		NetworkRxBytes: rx,
		NetworkTxBytes: tx,
		DiskReadBytes:  read,
		DiskWriteBytes: write,
	}, nil
}

// IsHealthy satisfies health.StatusChecker (spec.md §4.12: "a container not
// in `running` state, or whose own health is `unhealthy`, is reported
// unhealthy; `none` health + `running` state is healthy").
func (c *Client) IsHealthy(ctx context.Context, containerID string) (bool, error) {
	var raw struct {
		State struct {
			Status string `json:"Status"`
			Health *struct {
				Status string `json:"Status"`
			} `json:"Health"`
		} `json:"State"`
	}
	if err := c.do(ctx, http.MethodGet, "/containers/"+containerID+"/json", nil, &raw); err != nil {
		return false, err
	}
	if raw.State.Status != "running" {
		return false, nil
	}
	if raw.State.Health != nil && raw.State.Health.Status == "unhealthy" {
		return false, nil
	}
	return true, nil
}

type createContainerRequest struct {
	Image        string              `json:"Image"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	HostConfig   createHostConfig    `json:"HostConfig"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
}

type createHostConfig struct {
	Binds        []string            `json:"Binds,omitempty"`
	NetworkMode  string              `json:"NetworkMode,omitempty"`
	CapDrop      []string            `json:"CapDrop,omitempty"`
	PortBindings map[string][]portBinding `json:"PortBindings,omitempty"`
	NanoCPUs     int64               `json:"NanoCPUs,omitempty"`
	Memory       int64               `json:"Memory,omitempty"`
}

type portBinding struct {
	HostPort string `json:"HostPort"`
}

// Deploy satisfies rental.ContainerDeployer. spec is assumed to have
// already passed rental.DeploymentPolicy.Validate/Sanitize, so dangerous
// capabilities and disallowed mounts are never translated into a request
// here.
func (c *Client) Deploy(ctx context.Context, spec rental.ContainerSpec) (string, error) {
	hostConfig := createHostConfig{
		NetworkMode: spec.Network.Mode,
		NanoCPUs:    int64(spec.CPUCores * 1e9),
		Memory:      spec.MemoryMB * 1024 * 1024,
	}
	for _, v := range spec.Volumes {
		hostConfig.Binds = append(hostConfig.Binds, v.HostPath+":"+v.ContainerPath)
	}
	if len(spec.Ports) > 0 {
		hostConfig.PortBindings = make(map[string][]portBinding, len(spec.Ports))
	}
	exposed := make(map[string]struct{}, len(spec.Ports))
	for _, p := range spec.Ports {
		key := fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol)
		exposed[key] = struct{}{}
		hostConfig.PortBindings[key] = []portBinding{{HostPort: fmt.Sprintf("%d", p.HostPort)}}
	}

	body, err := json.Marshal(createContainerRequest{
		Image:        spec.Image,
		Labels:       spec.Labels,
		HostConfig:   hostConfig,
		ExposedPorts: exposed,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := c.do(ctx, http.MethodPost, "/containers/create", strings.NewReader(string(body)), &created); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/containers/"+created.ID+"/start", nil, nil); err != nil {
		return "", fmt.Errorf("start container %s: %w", created.ID, err)
	}
	return created.ID, nil
}

// Stop satisfies rental.ContainerDeployer. graceful requests Docker's
// normal stop (SIGTERM, then SIGKILL after its default timeout); otherwise
// the container is killed outright.
func (c *Client) Stop(ctx context.Context, containerID string, graceful bool) error {
	if graceful {
		if err := c.do(ctx, http.MethodPost, "/containers/"+containerID+"/stop?t=10", nil, nil); err == nil {
			return nil
		}
	}
	return c.do(ctx, http.MethodPost, "/containers/"+containerID+"/kill", nil, nil)
}
