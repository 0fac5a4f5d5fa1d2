// Package runtime provides the Runtime interface for container backends.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// Host overrides DOCKER_HOST (e.g., "unix:///var/run/docker.sock").
	Host string

	// StopTimeout is the grace period in seconds before a stopped container is killed.
	StopTimeout int
}

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client      client.APIClient
	stopTimeout int
	logger      *slog.Logger
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerRuntimeWithClient(cli, cfg, logger), nil
}

// NewDockerRuntimeWithClient creates a Docker runtime on top of an existing API client.
func NewDockerRuntimeWithClient(cli client.APIClient, cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{client: cli, stopTimeout: cfg.StopTimeout, logger: logger}
}

// Ping checks that the Docker daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// Create implements Runtime.Create, pulling the image first when it is not present locally.
func (d *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if err := d.ensureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	volumes := make(map[string]struct{}, len(opts.Volumes))
	for _, v := range opts.Volumes {
		volumes[v] = struct{}{}
	}

	containerConfig := &container.Config{
		Image:   opts.Image,
		Cmd:     opts.Command,
		Env:     mapToEnvList(opts.Env),
		Labels:  opts.Labels,
		Volumes: volumes,
	}
	hostConfig := &container.HostConfig{
		Binds: opts.Binds,
		Links: opts.Links,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %q: %w", opts.Name, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", "name", opts.Name, "warning", w)
	}
	return resp.ID, nil
}

// ensureImage checks if the image exists locally and pulls it otherwise.
func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	d.logger.InfoContext(ctx, "pulling docker image", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain the pull output to ensure the image is fully downloaded.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Start implements Runtime.Start.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Wait implements Runtime.Wait.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (ExitResult, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, fmt.Errorf("error waiting for container %s: %w", id, err)
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop implements Runtime.Stop. A missing container is reported as ErrNotFound.
func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	timeout := d.stopTimeout
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify(err, "stop", id)
	}
	return nil
}

// Remove implements Runtime.Remove. A missing container is reported as ErrNotFound.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return classify(err, "remove", id)
	}
	return nil
}

// Logs implements Runtime.Logs. Docker multiplexes stdout/stderr into a single
// stream with headers; the returned reader carries both, demultiplexed.
func (d *DockerRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	logReader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer logReader.Close()
		_, err := stdcopy.StdCopy(pw, pw, logReader)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func classify(err error, op, id string) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to %s container %s: %w: %w", op, id, ErrNotFound, err)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, id, err)
}
