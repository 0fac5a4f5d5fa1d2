// Package runtime provides the Runtime interface for container backends.
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned (wrapped) when the runtime reports that the
// addressed container no longer exists.
var ErrNotFound = errors.New("runtime: container not found")

// IsNotFound reports whether err is a "resource not found" runtime failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Runtime defines the container lifecycle operations the build orchestrator needs.
// Every method addresses a distinct remote container by id, so a single
// Runtime may be shared by any number of concurrent builds.
type Runtime interface {
	// Create creates (but does not start) a container and returns its id.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Wait blocks until the container exits and returns its exit status.
	Wait(ctx context.Context, id string) (ExitResult, error)

	// Stop stops a running container.
	Stop(ctx context.Context, id string) error

	// Remove forcefully removes a container, killing it if it is still running.
	Remove(ctx context.Context, id string) error

	// Logs follows the container's output until it exits.
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
}

// CreateOptions contains the parameters for creating a container.
type CreateOptions struct {
	Image   string
	Name    string
	Command []string
	Env     map[string]string
	Labels  map[string]string

	// Volumes are container paths declared as volumes.
	Volumes []string

	// Binds are "host:container" bind mounts.
	Binds []string

	// Links are "name:alias" pairs making sibling containers reachable.
	Links []string
}

// ExitResult is the outcome of a finished container.
type ExitResult struct {
	ExitCode int
	Error    error
}
