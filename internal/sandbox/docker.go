package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

const (
	// labelConversation marks containers managed by this service so stale
	// sandboxes can be found and reaped.
	labelConversation = "relay.conversation_id"
	labelManaged      = "relay.managed"

	dockerStopTimeout = 30 * time.Second
)

// DockerProvisioner runs conversation runtimes in local Docker containers.
type DockerProvisioner struct {
	cli    *client.Client
	cfg    config.SandboxConfig
	logger *logger.Logger
}

// NewDockerProvisioner creates a Docker-backed provisioner.
func NewDockerProvisioner(cfg config.SandboxConfig, log *logger.Logger) (*DockerProvisioner, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvisioner{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("sandbox", "docker")),
	}, nil
}

func (p *DockerProvisioner) Name() string { return "docker" }

// HealthCheck pings the Docker daemon.
func (p *DockerProvisioner) HealthCheck(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// StartSandbox pulls the runtime image if needed, creates the container, and
// starts it. The returned sandbox addresses the runtime on the container's
// network IP.
func (p *DockerProvisioner) StartSandbox(ctx context.Context, spec *Spec) (*Sandbox, error) {
	name := sandboxName("relay-", spec.ConversationID)
	p.logger.Info("starting docker sandbox",
		zap.String("conversation_id", spec.ConversationID),
		zap.String("container", name),
		zap.String("image", p.cfg.Image))

	if err := p.pullImage(ctx, p.cfg.Image); err != nil {
		// A locally built image may not exist in any registry.
		p.logger.Warn("image pull failed, trying local image",
			zap.String("image", p.cfg.Image), zap.Error(err))
	}

	sessionKey := uuid.New().String()
	env := []string{
		fmt.Sprintf("RUNTIME_PORT=%d", runtimePort),
		"SESSION_API_KEY=" + sessionKey,
		"WORKSPACE_DIR=" + p.cfg.WorkspaceDir,
	}
	if spec.Repository != "" {
		env = append(env, "REPOSITORY="+spec.Repository)
	}
	if spec.Branch != "" {
		env = append(env, "BRANCH="+spec.Branch)
	}
	if spec.GitToken != "" {
		env = append(env, "GIT_TOKEN="+spec.GitToken)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:      p.cfg.Image,
		Env:        env,
		WorkingDir: p.cfg.WorkspaceDir,
		Labels: map[string]string{
			labelManaged:      "true",
			labelConversation: spec.ConversationID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Target: p.cfg.WorkspaceDir,
		}},
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.removeContainer(ctx, resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	ip, err := p.containerIP(ctx, resp.ID)
	if err != nil {
		_ = p.removeContainer(ctx, resp.ID)
		return nil, err
	}

	runtimeURL := fmt.Sprintf("http://%s:%d", ip, runtimePort)
	p.logger.Info("docker sandbox running",
		zap.String("container_id", resp.ID),
		zap.String("runtime_url", runtimeURL))

	return &Sandbox{
		ID:            resp.ID,
		Status:        "running",
		RuntimeID:     name,
		RuntimeURL:    runtimeURL,
		SessionAPIKey: sessionKey,
		WorkspacePath: p.cfg.WorkspaceDir,
		ExposedURLs:   map[string]string{"runtime": runtimeURL},
	}, nil
}

// StopSandbox stops and removes the sandbox container.
func (p *DockerProvisioner) StopSandbox(ctx context.Context, sb *Sandbox) error {
	p.logger.Info("stopping docker sandbox", zap.String("container_id", sb.ID))

	timeoutSeconds := int(dockerStopTimeout.Seconds())
	if err := p.cli.ContainerStop(ctx, sb.ID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		p.logger.Warn("failed to stop container, removing anyway",
			zap.String("container_id", sb.ID), zap.Error(err))
	}
	return p.removeContainer(ctx, sb.ID)
}

// ListSandboxes lists containers managed by this service.
func (p *DockerProvisioner) ListSandboxes(ctx context.Context) ([]*Sandbox, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	sandboxes := make([]*Sandbox, 0, len(containers))
	for _, ctr := range containers {
		sandboxes = append(sandboxes, &Sandbox{
			ID:     ctr.ID,
			Status: ctr.State,
		})
	}
	return sandboxes, nil
}

// Close closes the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

func (p *DockerProvisioner) pullImage(ctx context.Context, imageName string) error {
	reader, err := p.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the output so the pull completes before we create the container.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (p *DockerProvisioner) removeContainer(ctx context.Context, containerID string) error {
	err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

func (p *DockerProvisioner) containerIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for _, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", containerID)
}
