// Package docker implements ports.ContainerRuntime using the Docker SDK.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	coreports "github.com/botfleet/botfleet/internal/core/ports"
)

// Adapter implements ports.ContainerRuntime using the Docker SDK.
type Adapter struct {
	cli *client.Client
}

// NewAdapter creates a new Docker adapter instance.
func NewAdapter() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

// RunImage creates and starts a container from a locally built image, with
// the bot's port published on the host under the same number.
func (a *Adapter) RunImage(ctx context.Context, spec coreports.RunSpec) (string, error) {
	// a stale container under the same deterministic name blocks creation
	_ = a.RemoveContainer(ctx, spec.Name)

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	resp, err := a.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.Port)}},
		},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

// StopContainer asks the engine to stop the container, granting grace
// before the engine escalates to a kill.
func (a *Adapter) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	return a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (a *Adapter) KillContainer(ctx context.Context, id string) error {
	return a.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	return a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (a *Adapter) RemoveImage(ctx context.Context, ref string) error {
	_, err := a.cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{Force: true, PruneChildren: true})
	return err
}

// WaitExit blocks until the container stops running and returns its exit
// code.
func (a *Adapter) WaitExit(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := a.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("container wait: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return st.StatusCode, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		return st.StatusCode, nil
	}
}

// StreamLogs follows the container's multiplexed output and forwards it
// line by line until the stream closes or ctx is cancelled.
func (a *Adapter) StreamLogs(ctx context.Context, id string, onLine func(string)) error {
	rc, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to open log stream: %w", err)
	}
	defer rc.Close()

	pr, pw := io.Pipe()
	go func() {
		// docker multiplexes stdout/stderr on one stream; demux both into
		// the pipe so onLine sees plain text
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()

	reader := bufio.NewReader(pr)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			onLine(strings.TrimRight(line, "\n"))
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
