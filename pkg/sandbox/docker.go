// Copyright 2026 Quantweave
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
)

// DockerRunner executes sandbox commands in throwaway containers with
// no network, capped memory and CPU, a writable workspace mount, and a
// read-only fixtures mount.
type DockerRunner struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRunner connects to the Docker daemon and verifies it is
// reachable.
func NewDockerRunner(ctx context.Context) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return &DockerRunner{cli: cli, logger: log.Named("sandbox")}, nil
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             spec.Cmd,
			WorkingDir:      "/workspace",
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode: "none",
			Binds: []string{
				spec.WorkspaceDir + ":/workspace",
				spec.FixturesDir + ":/fixtures:ro",
			},
			Resources: container.Resources{
				Memory:   spec.MemoryBytes,
				NanoCPUs: int64(spec.CPUCores * 1e9),
			},
			AutoRemove: false,
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	containerID := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("failed to remove sandbox container",
				zap.String("container_id", containerID),
				zap.Error(err))
		}
	}()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	waitCh, errCh := r.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	timedOut := false
	select {
	case status := <-waitCh:
		if status.Error != nil {
			return nil, fmt.Errorf("sandbox container wait: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if runCtx.Err() == context.DeadlineExceeded {
			timedOut = true
			killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if kerr := r.cli.ContainerKill(killCtx, containerID, "KILL"); kerr != nil {
				r.logger.Warn("failed to kill timed out container",
					zap.String("container_id", containerID),
					zap.Error(kerr))
			}
			killCancel()
		} else if err != nil {
			return nil, fmt.Errorf("wait for sandbox container: %w", err)
		}
	}

	stdout, stderr, logErr := r.collectLogs(ctx, containerID)
	if logErr != nil {
		r.logger.Warn("failed to collect container logs",
			zap.String("container_id", containerID),
			zap.Error(logErr))
	}

	return &RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		TimedOut: timedOut,
	}, nil
}

func (r *DockerRunner) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error { return r.cli.Close() }
