// Package rental implements the rental lifecycle manager (spec.md §4.11,
// C11): state machine transitions, deployment policy enforcement, and
// persistence, wired to C12's health monitor and C13's SSH broker.
// Grounded on original_source/.../rental/{mod,deployment}.rs.
package rental

import (
	"fmt"
	"strings"

	"github.com/basilica-network/basilica/infrastructure/errors"
)

// NetworkConfig is a container's requested network configuration.
type NetworkConfig struct {
	Mode string
}

// Volume is one requested bind mount.
type Volume struct {
	HostPath      string
	ContainerPath string
}

// Port is one requested port mapping.
type Port struct {
	HostPort      uint32
	ContainerPort uint32
	Protocol      string
}

// ContainerSpec describes the container a rental should deploy. Grounded
// on original_source/.../rental/types.rs's ContainerSpec, generalized to
// Go naming.
type ContainerSpec struct {
	Image        string
	CPUCores     float64
	MemoryMB     int64
	StorageMB    int64
	GPUCount     uint32
	Network      NetworkConfig
	Volumes      []Volume
	Ports        []Port
	Capabilities []string
	Labels       map[string]string
}

// ResourceLimits bounds what a single deployment may request. Defaults
// match original_source/.../rental/deployment.rs's DefaultResourceLimits.
type ResourceLimits struct {
	MaxCPUCores  float64
	MaxMemoryMB  int64
	MaxStorageMB int64
	MaxGPUCount  uint32
}

// NetworkPolicies bounds allowed network modes and ports. Defaults match
// the same source's NetworkPolicies.
type NetworkPolicies struct {
	AllowedNetworkModes    []string
	BlockedPorts           []uint32
	RequireNetworkIsolation bool
}

// PolicyConfig is the full deployment policy. Defaults reproduce the
// original's DeploymentConfig::default() exactly.
type PolicyConfig struct {
	MaxContainerNameLength int
	AllowedRegistries      []string
	BlockedImages          []string
	Resources              ResourceLimits
	Network                NetworkPolicies
}

// DefaultPolicyConfig returns the original's default policy.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxContainerNameLength: 128,
		AllowedRegistries:      []string{"docker.io", "gcr.io", "ghcr.io"},
		BlockedImages:          []string{"alpine/socat", "nicolaka/netshoot"},
		Resources: ResourceLimits{
			MaxCPUCores:  8.0,
			MaxMemoryMB:  32768,
			MaxStorageMB: 100 * 1024,
			MaxGPUCount:  4,
		},
		Network: NetworkPolicies{
			AllowedNetworkModes:     []string{"bridge", "none"},
			BlockedPorts:            []uint32{22, 111, 2049},
			RequireNetworkIsolation: false,
		},
	}
}

// sensitiveHostPaths may never be bind-mounted into a rented container.
var sensitiveHostPaths = []string{
	"/etc",
	"/root",
	"/home",
	"/var/run/docker.sock",
	"/proc",
	"/sys",
	"/dev",
}

// dangerousCapabilities are always stripped from a requested spec before
// deployment, regardless of what the caller asked for.
var dangerousCapabilities = map[string]bool{
	"CAP_SYS_ADMIN":    true,
	"CAP_SYS_MODULE":   true,
	"CAP_SYS_RAWIO":    true,
	"CAP_SYS_PTRACE":   true,
	"CAP_SYS_NICE":     true,
	"CAP_SYS_RESOURCE": true,
	"CAP_NET_ADMIN":    true,
	"CAP_NET_RAW":      true,
}

// DeploymentPolicy validates a requested ContainerSpec against PolicyConfig
// and strips dangerous settings before a deployment proceeds.
type DeploymentPolicy struct {
	cfg PolicyConfig
}

// NewDeploymentPolicy constructs a DeploymentPolicy.
func NewDeploymentPolicy(cfg PolicyConfig) *DeploymentPolicy {
	return &DeploymentPolicy{cfg: cfg}
}

// Validate runs every check against spec, returning the first violation as
// a PolicyViolation error.
func (p *DeploymentPolicy) Validate(spec ContainerSpec) error {
	if err := p.validateImage(spec.Image); err != nil {
		return err
	}
	if err := p.validateResources(spec); err != nil {
		return err
	}
	if err := p.validateNetwork(spec.Network); err != nil {
		return err
	}
	if err := p.validateVolumes(spec.Volumes); err != nil {
		return err
	}
	if err := p.validatePorts(spec.Ports); err != nil {
		return err
	}
	return nil
}

func (p *DeploymentPolicy) validateImage(image string) error {
	for _, blocked := range p.cfg.BlockedImages {
		if strings.Contains(image, blocked) {
			return errors.PolicyViolation(fmt.Sprintf("image %s is blocked", image))
		}
	}
	if len(p.cfg.AllowedRegistries) > 0 {
		registry := "docker.io"
		if idx := strings.Index(image, "/"); idx >= 0 {
			registry = image[:idx]
		}
		allowed := false
		for _, r := range p.cfg.AllowedRegistries {
			if r == registry {
				allowed = true
				break
			}
		}
		if !allowed {
			return errors.PolicyViolation(fmt.Sprintf("registry %s is not allowed", registry))
		}
	}
	return nil
}

func (p *DeploymentPolicy) validateResources(spec ContainerSpec) error {
	limits := p.cfg.Resources
	if spec.CPUCores > limits.MaxCPUCores {
		return errors.PolicyViolation(fmt.Sprintf("cpu cores %.2f exceeds limit %.2f", spec.CPUCores, limits.MaxCPUCores))
	}
	if spec.MemoryMB > limits.MaxMemoryMB {
		return errors.PolicyViolation(fmt.Sprintf("memory %d MB exceeds limit %d MB", spec.MemoryMB, limits.MaxMemoryMB))
	}
	if spec.StorageMB > limits.MaxStorageMB {
		return errors.PolicyViolation(fmt.Sprintf("storage %d MB exceeds limit %d MB", spec.StorageMB, limits.MaxStorageMB))
	}
	if spec.GPUCount > limits.MaxGPUCount {
		return errors.PolicyViolation(fmt.Sprintf("gpu count %d exceeds limit %d", spec.GPUCount, limits.MaxGPUCount))
	}
	return nil
}

func (p *DeploymentPolicy) validateNetwork(net NetworkConfig) error {
	allowed := false
	for _, mode := range p.cfg.Network.AllowedNetworkModes {
		if mode == net.Mode {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.PolicyViolation(fmt.Sprintf("network mode %s is not allowed", net.Mode))
	}
	if net.Mode == "host" && p.cfg.Network.RequireNetworkIsolation {
		return errors.PolicyViolation("host network mode is not allowed")
	}
	return nil
}

func (p *DeploymentPolicy) validateVolumes(volumes []Volume) error {
	for _, v := range volumes {
		for _, sensitive := range sensitiveHostPaths {
			if strings.HasPrefix(v.HostPath, sensitive) {
				return errors.PolicyViolation(fmt.Sprintf("mounting %s is not allowed", sensitive))
			}
		}
		if !strings.HasPrefix(v.HostPath, "/") || !strings.HasPrefix(v.ContainerPath, "/") {
			return errors.PolicyViolation("volume paths must be absolute")
		}
	}
	return nil
}

func (p *DeploymentPolicy) validatePorts(ports []Port) error {
	blocked := make(map[uint32]bool, len(p.cfg.Network.BlockedPorts))
	for _, port := range p.cfg.Network.BlockedPorts {
		blocked[port] = true
	}
	for _, port := range ports {
		if blocked[port.HostPort] {
			return errors.PolicyViolation(fmt.Sprintf("port %d is blocked", port.HostPort))
		}
		if port.HostPort == 0 || port.HostPort > 65535 {
			return errors.PolicyViolation(fmt.Sprintf("invalid host port %d", port.HostPort))
		}
		if port.ContainerPort == 0 || port.ContainerPort > 65535 {
			return errors.PolicyViolation(fmt.Sprintf("invalid container port %d", port.ContainerPort))
		}
		if port.Protocol != "tcp" && port.Protocol != "udp" {
			return errors.PolicyViolation(fmt.Sprintf("invalid protocol %s", port.Protocol))
		}
	}
	return nil
}

// Secure returns a copy of spec with dangerous capabilities stripped,
// security labels applied, and zero-valued resource requests defaulted.
func (p *DeploymentPolicy) Secure(spec ContainerSpec) ContainerSpec {
	secured := spec
	secured.Labels = make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		secured.Labels[k] = v
	}
	secured.Labels["io.kubernetes.cri-o.userns-mode"] = "auto"
	secured.Labels["basilica.security.isolated"] = "true"

	var kept []string
	for _, cap := range spec.Capabilities {
		if !dangerousCapabilities[cap] {
			kept = append(kept, cap)
		}
	}
	secured.Capabilities = kept

	if secured.CPUCores == 0 {
		secured.CPUCores = 1.0
	}
	if secured.MemoryMB == 0 {
		secured.MemoryMB = 1024
	}
	return secured
}
