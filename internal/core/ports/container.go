package ports

import (
	"context"
	"time"
)

// RunSpec describes a container launch for a bot.
type RunSpec struct {
	Image string
	Name  string
	Port  int
	Env   []string
}

// ContainerRuntime defines the operations the supervisor needs from a
// container engine. This interface allows us to switch between Docker,
// Podman, or Kubernetes without changing the business logic.
type ContainerRuntime interface {
	RunImage(ctx context.Context, spec RunSpec) (string, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, ref string) error
	// WaitExit blocks until the container exits and returns its exit code.
	WaitExit(ctx context.Context, id string) (int64, error)
	// StreamLogs follows the container's output, invoking onLine per line
	// until the container exits or ctx is cancelled.
	StreamLogs(ctx context.Context, id string, onLine func(line string)) error
}
