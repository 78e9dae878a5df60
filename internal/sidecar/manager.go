// Package sidecar manages the speech sidecar container.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	containerName   = "tutor-voice"
	networkName     = "tutor-net"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GB
	nanoCPUs         = 2_000_000_000

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// passthroughEnv are the host variables handed to the sidecar.
var passthroughEnv = []string{
	"LIVEKIT_URL",
	"LIVEKIT_API_KEY",
	"LIVEKIT_API_SECRET",
	"OPENAI_API_KEY",
	"DEEPGRAM_API_KEY",
	"CARTESIA_API_KEY",
}

// Spec describes the sidecar container.
type Spec struct {
	Image string
	// Addr is the host address the agent dials, e.g. localhost:50061.
	Addr string
	Env  map[string]string
}

// DockerManager starts and stops the sidecar through the Docker API.
type DockerManager struct {
	cli    *client.Client
	spec   Spec
	logger *slog.Logger
}

// NewDockerManager creates a Docker-backed manager.
func NewDockerManager(spec Spec, logger *slog.Logger) (*DockerManager, error) {
	if spec.Image == "" {
		return nil, errors.New("sidecar image cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerManager{cli: cli, spec: spec, logger: logger.With("component", "sidecar")}, nil
}

// EnvFromLookup collects passthrough variables present in lookup.
func EnvFromLookup(lookup func(string) (string, bool)) map[string]string {
	env := make(map[string]string)
	for _, key := range passthroughEnv {
		if v, ok := lookup(key); ok && v != "" {
			env[key] = v
		}
	}
	return env
}

// Ensure makes sure the sidecar container is running and returns its id.
func (m *DockerManager) Ensure(ctx context.Context) (string, error) {
	if _, err := m.ensureNetwork(ctx); err != nil {
		return "", err
	}

	inspect, err := m.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		if inspect.State.Running {
			m.logger.Info("Sidecar already running", "container_id", inspect.ID)
			return inspect.ID, nil
		}
		if inspect.Config != nil && inspect.Config.Image == m.spec.Image {
			m.logger.Info("Restarting stopped sidecar", "container_id", inspect.ID)
			if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("restart sidecar %s: %w", inspect.ID, err)
			}
			return inspect.ID, nil
		}
		m.logger.Info("Sidecar image changed, recreating", "container_id", inspect.ID)
		if err := m.stop(ctx, inspect.ID); err != nil {
			m.logger.Warn("Failed to remove outdated sidecar", "error", err, "container_id", inspect.ID)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect sidecar: %w", err)
	}

	cfg, hostCfg, err := containerSpec(m.spec)
	if err != nil {
		return "", err
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
		if createErr == nil {
			break
		}
		if !errdefs.IsConflict(createErr) && !strings.Contains(strings.ToLower(createErr.Error()), "is already in use") {
			return "", fmt.Errorf("create sidecar: %w", createErr)
		}
		m.logger.Warn("Sidecar name conflict during create, retrying", "attempt", i+1, "error", createErr)
		if existing, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := m.stop(ctx, existing.ID); stopErr != nil {
				m.logger.Warn("Failed to remove conflicting sidecar", "container_id", existing.ID, "error", stopErr)
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sidecar after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			m.logger.Warn("Failed to remove sidecar after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sidecar %s: %w", resp.ID, err)
	}

	m.logger.Info("Sidecar created and started", "container_id", resp.ID, "image", m.spec.Image)
	return resp.ID, nil
}

// Stop stops and removes the sidecar. It is idempotent.
func (m *DockerManager) Stop(ctx context.Context) error {
	return m.stop(ctx, containerName)
}

// IsRunning reports whether the sidecar container is running.
func (m *DockerManager) IsRunning(ctx context.Context) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect sidecar: %w", err)
	}
	return inspect.State.Running, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

func (m *DockerManager) stop(ctx context.Context, ref string) error {
	if _, err := m.cli.ContainerInspect(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Sidecar already removed", "ref", ref)
			return nil
		}
		return fmt.Errorf("inspect sidecar %s: %w", ref, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		m.logger.Debug("Sidecar stop returned error, continuing to remove", "ref", ref, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			m.logger.Debug("Context canceled during remove, sidecar may still be removed", "ref", ref, "error", err)
			return nil
		}
		return fmt.Errorf("remove sidecar %s: %w", ref, err)
	}
	m.logger.Info("Sidecar stopped and removed", "ref", ref)
	return nil
}

func (m *DockerManager) ensureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == networkName {
			return nw.ID, nil
		}
	}
	resp, err := m.cli.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", nil
		}
		return "", fmt.Errorf("create network %s: %w", networkName, err)
	}
	m.logger.Info("Sidecar network created", "network_id", resp.ID)
	return resp.ID, nil
}

// containerSpec builds the container and host configuration for spec. The
// sidecar's gRPC port is published on loopback only.
func containerSpec(spec Spec) (*container.Config, *container.HostConfig, error) {
	host, port, err := net.SplitHostPort(spec.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse sidecar address %q: %w", spec.Addr, err)
	}
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	grpcPort, err := nat.NewPort("tcp", port)
	if err != nil {
		return nil, nil, fmt.Errorf("sidecar port: %w", err)
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "VOICE_GRPC_PORT="+port)
	sort.Strings(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{grpcPort: struct{}{}},
		Labels:       map[string]string{"app": "voice-tutor", "role": "speech-sidecar"},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:   container.NetworkMode(networkName),
		PortBindings:  nat.PortMap{grpcPort: []nat.PortBinding{{HostIP: host, HostPort: port}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   memoryLimitBytes,
			NanoCPUs: nanoCPUs,
		},
	}
	return cfg, hostCfg, nil
}
