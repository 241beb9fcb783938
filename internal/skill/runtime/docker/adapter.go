// Package docker provides the Docker Engine backend for skill containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/sekisho/internal/skill/runtime"
)

const (
	labelManagedBy = "sekisho.managed-by"
	labelRunID     = "sekisho.run-id"
	labelSkill     = "sekisho.skill"
	managedByValue = "sekisho"

	// killTimeout is the graceful-stop window before SIGKILL.
	killTimeout = 5 * time.Second
)

// Adapter implements runtime.Runtime against the Docker Engine API.
type Adapter struct {
	client *dockerclient.Client
}

// New connects via DOCKER_HOST or the default socket path.
func New() (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli}, nil
}

// Available pings the daemon.
func (a *Adapter) Available(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	return nil
}

// EnsureNetwork creates the named network if missing. Skill networks are
// always internal: containers on them cannot reach the internet directly.
func (a *Adapter) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Internal:   true,
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

// Start creates and starts the skill container.
func (a *Adapter) Start(ctx context.Context, spec runtime.RunSpec) (runtime.Handle, error) {
	if spec.Image == "" {
		return runtime.Handle{}, fmt.Errorf("spec.Image is required")
	}
	if spec.Network == "" {
		return runtime.Handle{}, fmt.Errorf("spec.Network is required")
	}

	containerName := runtime.ContainerNameFor(spec.RunID)

	env := make([]string, 0, len(spec.Env))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelRunID:     spec.RunID,
			labelSkill:     spec.SkillName,
		},
	}

	// No restart policy: a skill run is one-shot. No host mounts: the
	// container sees nothing of the broker host's filesystem.
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
		ReadonlyRootfs: false,
		AutoRemove:     false,
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return runtime.Handle{}, fmt.Errorf("start container: %w", err)
	}

	return runtime.Handle{
		RunID:         spec.RunID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
	}, nil
}

// Wait blocks until the container exits.
func (a *Adapter) Wait(ctx context.Context, handle runtime.Handle) (runtime.WaitResult, error) {
	waitCh, errCh := a.client.ContainerWait(ctx, handle.ContainerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		res := runtime.WaitResult{ExitCode: int(status.StatusCode)}
		if status.Error != nil {
			res.Error = status.Error.Message
		}
		return res, nil
	case err := <-errCh:
		return runtime.WaitResult{}, fmt.Errorf("wait container %s: %w", handle.ContainerID, err)
	case <-ctx.Done():
		return runtime.WaitResult{}, ctx.Err()
	}
}

// Logs fetches the demultiplexed stdout and stderr streams.
func (a *Adapter) Logs(ctx context.Context, handle runtime.Handle) (string, string, error) {
	rc, err := a.client.ContainerLogs(ctx, handle.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Kill stops the container, escalating to SIGKILL after the grace window.
func (a *Adapter) Kill(ctx context.Context, handle runtime.Handle) error {
	timeout := int(killTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Remove deletes the container.
func (a *Adapter) Remove(ctx context.Context, handle runtime.Handle) error {
	if err := a.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
