// Package runtime abstracts the container backend used for skill runs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Network names used by skill containers. Both are internal networks: a
// skill container never gets direct internet egress.
const (
	// BrokerNetwork is the internal network shared with the broker; it is
	// the only path a skill has to the outside world.
	BrokerNetwork = "sekisho-broker"
	// IsolatedNetwork is the disconnected network for network policy "none".
	IsolatedNetwork = "sekisho-isolated"
)

// ErrUnavailable is returned when the container backend cannot be reached.
var ErrUnavailable = errors.New("runtime: container backend unavailable")

// RunSpec describes one skill container.
type RunSpec struct {
	// RunID is the skill run id; it names the container.
	RunID     string
	SkillName string
	Image     string
	Env       map[string]string
	// MemoryBytes and NanoCPUs are resource limits; zero means unlimited.
	MemoryBytes int64
	NanoCPUs    int64
	// Network is the network to attach: BrokerNetwork or IsolatedNetwork.
	Network string
	Timeout time.Duration
}

// Handle identifies a started container.
type Handle struct {
	RunID         string
	ContainerID   string
	ContainerName string
}

// WaitResult is the container's terminal state.
type WaitResult struct {
	ExitCode int
	Error    string
}

// Runtime is the container backend contract for skill runs.
type Runtime interface {
	// Available confirms the backend answers; wraps ErrUnavailable if not.
	Available(ctx context.Context) error

	// EnsureNetwork idempotently creates the named internal network.
	EnsureNetwork(ctx context.Context, name string) error

	// Start creates and starts a skill container.
	Start(ctx context.Context, spec RunSpec) (Handle, error)

	// Wait blocks until the container exits or ctx is done.
	Wait(ctx context.Context, handle Handle) (WaitResult, error)

	// Logs returns the container's captured stdout and stderr.
	Logs(ctx context.Context, handle Handle) (stdout, stderr string, err error)

	// Kill force-terminates the container.
	Kill(ctx context.Context, handle Handle) error

	// Remove deletes the container and its writable layer.
	Remove(ctx context.Context, handle Handle) error
}

// ContainerNameFor derives the container name for a run id.
func ContainerNameFor(runID string) string {
	return fmt.Sprintf("sekisho-skill-%s", runID)
}
