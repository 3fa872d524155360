// Package docker backs the sandbox contract with local Docker
// containers, one long-lived container per session.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
)

const containerNamePrefix = "sandbox-"

// labelSession marks containers managed by this service.
const labelSession = "sandbox-mcp.session"

// Runtime implements sandbox.Runtime over the Docker API.
type Runtime struct {
	cli *client.Client
	cfg config.SandboxConfig
	log *logger.Logger
}

// NewRuntime creates a Docker-backed runtime.
func NewRuntime(cfg config.SandboxConfig, log *logger.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{cli: cli, cfg: cfg, log: log.WithComponent("docker")}, nil
}

// Acquire finds or creates the container for id and ensures it runs.
func (r *Runtime) Acquire(ctx context.Context, id string) (sandbox.Sandbox, error) {
	name := containerNamePrefix + id

	containerID, running, err := r.findContainer(ctx, name)
	if err != nil {
		return nil, err
	}

	if containerID == "" {
		containerID, err = r.createContainer(ctx, name, id)
		if err != nil {
			return nil, err
		}
	}
	if !running {
		if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("failed to start container %s: %w", name, err)
		}
		r.log.Info("container started",
			zap.String("sandbox_id", id),
			zap.String("container_id", containerID))
	}

	return &dockerSandbox{runtime: r, id: id, containerID: containerID}, nil
}

// Close closes the Docker client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) findContainer(ctx context.Context, name string) (string, bool, error) {
	args := filters.NewArgs(filters.Arg("name", name))
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", false, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		for _, cname := range c.Names {
			if cname == "/"+name {
				return c.ID, c.State == "running", nil
			}
		}
	}
	return "", false, nil
}

func (r *Runtime) createContainer(ctx context.Context, name, id string) (string, error) {
	// best-effort pull; a locally built image may not exist upstream
	if reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: r.cfg.WorkspaceRoot,
		Labels:     map[string]string{labelSession: id},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.Network),
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	r.log.Info("container created",
		zap.String("sandbox_id", id),
		zap.String("container_id", resp.ID))
	return resp.ID, nil
}

type dockerSandbox struct {
	runtime     *Runtime
	id          string
	containerID string
}

func (s *dockerSandbox) ID() string { return s.id }

// Exec runs a command via docker exec, demultiplexing the attached
// stream into stdout and stderr.
func (s *dockerSandbox) Exec(ctx context.Context, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	cli := s.runtime.cli

	execID, err := cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          opts.Command,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &sandbox.ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// WriteFile copies data into the container via a single-entry tar
// stream.
func (s *dockerSandbox) WriteFile(ctx context.Context, filePath string, data []byte) error {
	dir := path.Dir(filePath)
	if res, err := s.Exec(ctx, sandbox.ExecOptions{Command: []string{"mkdir", "-p", dir}}); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("failed to create directory %s", dir)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name:    path.Base(filePath),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar stream: %w", err)
	}

	if err := s.runtime.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", filePath, err)
	}
	return nil
}

// Endpoint returns the container's network address for port.
func (s *dockerSandbox) Endpoint(ctx context.Context, port int) (string, error) {
	inspect, err := s.runtime.cli.ContainerInspect(ctx, s.containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", s.containerID)
	}
	for _, network := range inspect.NetworkSettings.Networks {
		if network.IPAddress != "" {
			return fmt.Sprintf("%s:%d", network.IPAddress, port), nil
		}
	}
	return "", fmt.Errorf("container %s has no network address", s.containerID)
}

// Destroy force-removes the container.
func (s *dockerSandbox) Destroy(ctx context.Context) error {
	err := s.runtime.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", s.containerID, err)
	}
	s.runtime.log.Info("container removed", zap.String("sandbox_id", s.id))
	return nil
}
