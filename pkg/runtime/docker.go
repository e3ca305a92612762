/*
Copyright The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// idleNodeImage is the image LaunchNode keeps alive with `tail -f /dev/null`.
// busybox is tiny and ships the coreutils tail needs, unlike the bare
// distroless images some of the pack's container tooling uses.
const idleNodeImage = "busybox:stable"

// DockerRuntime is the Runtime implementation backed by a local Docker
// daemon. Construction pings the daemon once so startup fails fast with
// RuntimeMissing semantics (spec.md §7) instead of deferring the failure to
// the first AddNode call.
type DockerRuntime struct {
	cli *client.Client
	log *zap.Logger
}

// NewDockerRuntime dials the Docker daemon named by host (pass "" to use
// DOCKER_HOST / the platform default) and verifies it is reachable.
func NewDockerRuntime(ctx context.Context, host string, log *zap.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	log.Debug("pinging docker daemon")
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("pinging docker daemon: %w", err)
	}
	log.Info("docker daemon reachable")

	return &DockerRuntime{cli: cli, log: log}, nil
}

func (r *DockerRuntime) Close() error { return r.cli.Close() }

// LaunchNode implements Runtime.
func (r *DockerRuntime) LaunchNode(ctx context.Context, name string) (Handle, error) {
	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image: idleNodeImage,
			Cmd:   []string{"tail", "-f", "/dev/null"},
		},
		&container.HostConfig{},
		nil, nil, name,
	)
	if err != nil {
		return "", apiErr("launch_node: create", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apiErr("launch_node: start", err)
	}
	r.log.Info("launched node container", zap.String("name", name), zap.String("container_id", resp.ID))
	return Handle(resp.ID), nil
}

// LaunchPod implements Runtime.
func (r *DockerRuntime) LaunchPod(ctx context.Context, image, name string, env map[string]string, ports []PortBinding) (Handle, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pb := range ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(pb.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("launch_pod: invalid container port %d: %w", pb.ContainerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(pb.HostPort)}}
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Env:          envList,
			ExposedPorts: exposed,
		},
		&container.HostConfig{PortBindings: bindings},
		nil, nil, name,
	)
	if err != nil {
		return "", apiErr("launch_pod: create", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apiErr("launch_pod: start", err)
	}
	r.log.Info("launched pod container", zap.String("name", name), zap.String("image", image), zap.String("container_id", resp.ID))
	return Handle(resp.ID), nil
}

// Stop implements Runtime. Idempotent on NotFound per spec.md §4.2.
func (r *DockerRuntime) Stop(ctx context.Context, h Handle) error {
	err := r.cli.ContainerStop(ctx, string(h), container.StopOptions{})
	if err != nil && !client.IsErrNotFound(err) {
		return apiErr("stop", err)
	}
	return nil
}

// Remove implements Runtime. Idempotent on NotFound per spec.md §4.2.
func (r *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	err := r.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return apiErr("remove", err)
	}
	return nil
}

// statsSample is the subset of the daemon's one-shot stats payload the
// health monitor needs. Decoded manually rather than through the SDK's
// versioned stats struct so a daemon API-version skew doesn't break
// unrelated fields we never read.
type statsSample struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

// Inspect implements Runtime.
func (r *DockerRuntime) Inspect(ctx context.Context, h Handle) (Metrics, error) {
	info, err := r.cli.ContainerInspect(ctx, string(h))
	if err != nil {
		if client.IsErrNotFound(err) {
			return Metrics{}, ErrNotFound
		}
		return Metrics{}, apiErr("inspect", err)
	}

	status := StatusUnknown
	if info.State != nil {
		if info.State.Running {
			status = StatusRunning
		} else {
			status = StatusStopped
		}
	}

	statsResp, err := r.cli.ContainerStatsOneShot(ctx, string(h))
	if err != nil {
		if client.IsErrNotFound(err) {
			return Metrics{}, ErrNotFound
		}
		return Metrics{Status: status}, apiErr("stats", err)
	}
	defer statsResp.Body.Close()

	body, err := io.ReadAll(statsResp.Body)
	if err != nil {
		return Metrics{Status: status}, apiErr("stats: read", err)
	}
	var sample statsSample
	if err := json.Unmarshal(body, &sample); err != nil {
		return Metrics{Status: status}, apiErr("stats: decode", err)
	}

	return Metrics{
		Status:      status,
		CPUUsage:    sample.CPUStats.CPUUsage.TotalUsage,
		MemoryUsage: sample.MemoryStats.Usage,
		MemoryLimit: sample.MemoryStats.Limit,
	}, nil
}

// ListAll implements Runtime, used only for the best-effort startup
// reconciliation log described in spec.md §4.2.
func (r *DockerRuntime) ListAll(ctx context.Context) ([]Handle, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, apiErr("list_all", err)
	}
	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		handles = append(handles, Handle(c.ID))
	}
	return handles, nil
}
