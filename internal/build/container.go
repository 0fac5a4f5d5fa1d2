package build

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buildrunner/internal/worker/runtime"
)

// ContainerState is the lifecycle state of a Container.
type ContainerState int

const (
	StateNew ContainerState = iota
	StateCreated
	StateStarted
	StateExited
	StateTimedOut
	StateRemoved
)

func (s ContainerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateExited:
		return "exited"
	case StateTimedOut:
		return "timed_out"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("ContainerState(%d)", int(s))
	}
}

// ExitInfo is what Wait resolves with.
type ExitInfo struct {
	StatusCode int
	TimedOut   bool
}

// OutputLine is one line of container output tagged with its build id.
type OutputLine struct {
	ID   string
	Data string
}

// OutputSink receives container output, line by line, in arrival order.
type OutputSink interface {
	WriteLine(ctx context.Context, line OutputLine)
}

// ContainerOptions describes the container a Container manages.
type ContainerOptions struct {
	JobID   string
	Image   string
	Name    string
	Command []string
	Labels  map[string]string
	Volumes []string
	Binds   []string
	Links   []string

	// Timeout bounds Wait; zero means no limit.
	Timeout time.Duration

	// Output, when set, receives every line the container prints.
	Output OutputSink
}

// Container wraps one container's lifecycle against a Runtime.
// Lifecycle operations on the same Container are serialized.
type Container struct {
	rt     runtime.Runtime
	opts   ContainerOptions
	logger *slog.Logger

	mu           sync.Mutex
	id           string
	state        ContainerState
	streamCancel context.CancelFunc

	cbMu        sync.Mutex
	onTimeout   func(ExitInfo)
	timeoutOnce sync.Once
}

// NewContainer returns a handle for a container that does not exist yet;
// it is created on the first Start.
func NewContainer(rt runtime.Runtime, opts ContainerOptions, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		rt:     rt,
		opts:   opts,
		logger: logger.With("container", opts.Name),
	}
}

// Name returns the container name.
func (c *Container) Name() string { return c.opts.Name }

// ID returns the runtime-assigned id, empty until the container is created.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current lifecycle state.
func (c *Container) State() ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnTimeout registers fn to run, once and on its own goroutine, when Wait
// hits the timeout.
func (c *Container) OnTimeout(fn func(ExitInfo)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onTimeout = fn
}

// Start creates the container if needed and starts it. When an output sink
// is configured the container's output is streamed to it in the background.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRemoved {
		return fmt.Errorf("container %s: start after removal", c.opts.Name)
	}

	if c.id == "" {
		id, err := c.rt.Create(ctx, runtime.CreateOptions{
			Image:   c.opts.Image,
			Name:    c.opts.Name,
			Command: c.opts.Command,
			Labels:  c.opts.Labels,
			Volumes: c.opts.Volumes,
			Binds:   c.opts.Binds,
			Links:   c.opts.Links,
		})
		if err != nil {
			return fmt.Errorf("create container %s: %w", c.opts.Name, err)
		}
		c.id = id
		c.state = StateCreated
	}

	if err := c.rt.Start(ctx, c.id); err != nil {
		return fmt.Errorf("start container %s: %w", c.opts.Name, err)
	}
	c.state = StateStarted
	c.logger.DebugContext(ctx, "container started", "container_id", c.id)

	if c.opts.Output != nil {
		c.stream(ctx)
	}
	return nil
}

// stream follows the container's output until it ends or the container is removed.
// Must be called with c.mu held.
func (c *Container) stream(ctx context.Context) {
	sinkCtx := context.WithoutCancel(ctx)
	streamCtx, cancel := context.WithCancel(sinkCtx)
	c.streamCancel = cancel
	id := c.id

	go func() {
		defer cancel()
		rc, err := c.rt.Logs(streamCtx, id)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to get log stream", "error", err)
			return
		}
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			c.opts.Output.WriteLine(sinkCtx, OutputLine{ID: c.opts.JobID, Data: scanner.Text()})
		}
		if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
			c.logger.WarnContext(ctx, "log stream interrupted", "error", err)
		}
	}()
}

// Wait blocks until the container exits or its timeout elapses. On timeout it
// resolves with ExitCodeTimeout and fires the OnTimeout callback.
func (c *Container) Wait(ctx context.Context) (ExitInfo, error) {
	c.mu.Lock()
	id, state := c.id, c.state
	c.mu.Unlock()
	if state != StateStarted {
		return ExitInfo{}, fmt.Errorf("container %s: wait in state %s", c.opts.Name, state)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type waitResult struct {
		res runtime.ExitResult
		err error
	}
	ch := make(chan waitResult, 1)
	go func() {
		res, err := c.rt.Wait(waitCtx, id)
		ch <- waitResult{res: res, err: err}
	}()

	var timeout <-chan time.Time
	if c.opts.Timeout > 0 {
		timer := time.NewTimer(c.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return ExitInfo{}, fmt.Errorf("wait for container %s: %w", c.opts.Name, r.err)
		}
		if r.res.Error != nil {
			c.logger.WarnContext(ctx, "container exited with error", "exit_code", r.res.ExitCode, "error", r.res.Error)
		}
		c.transition(StateStarted, StateExited)
		return ExitInfo{StatusCode: r.res.ExitCode}, nil

	case <-timeout:
		c.transition(StateStarted, StateTimedOut)
		info := ExitInfo{StatusCode: ExitCodeTimeout, TimedOut: true}
		c.logger.InfoContext(ctx, "container timed out", "timeout", c.opts.Timeout)
		c.fireTimeout(info)
		return info, nil

	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (c *Container) transition(from, to ContainerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == from {
		c.state = to
	}
}

func (c *Container) fireTimeout(info ExitInfo) {
	c.timeoutOnce.Do(func() {
		c.cbMu.Lock()
		fn := c.onTimeout
		c.cbMu.Unlock()
		if fn != nil {
			go fn(info)
		}
	})
}

// Stop stops the container. Stopping a container that was never created, was
// already removed, or that the runtime no longer knows is a no-op.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateNew || c.state == StateRemoved {
		return nil
	}
	if err := c.rt.Stop(ctx, c.id); err != nil {
		if runtime.IsNotFound(err) {
			c.logger.DebugContext(ctx, "container already gone on stop", "container_id", c.id)
			return nil
		}
		return fmt.Errorf("stop container %s: %w", c.opts.Name, err)
	}
	if c.state == StateCreated || c.state == StateStarted {
		c.state = StateExited
	}
	return nil
}

// Remove force-removes the container. It is legal from any state and
// idempotent; a container the runtime no longer knows counts as removed.
func (c *Container) Remove(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRemoved:
		return nil
	case StateNew:
		c.state = StateRemoved
		return nil
	}

	if err := c.rt.Remove(ctx, c.id); err != nil {
		if !runtime.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", c.opts.Name, err)
		}
		c.logger.DebugContext(ctx, "container already gone on remove", "container_id", c.id)
	}
	c.state = StateRemoved
	if c.streamCancel != nil {
		c.streamCancel()
	}
	return nil
}
