package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"buildrunner/internal/worker/runtime"
)

// PostProcessFunc runs after the secondaries are torn down and before the
// primary container is removed. A non-nil error fails the build.
type PostProcessFunc func(ctx context.Context, result ExecutionResult) error

// Config configures an Orchestrator.
type Config struct {
	// ScratchRoot is where per-build scratch directories are created.
	// Defaults to the system temp directory.
	ScratchRoot string

	// CheckoutRoot is the directory inside the primary container under which
	// the repository is checked out. Defaults to "/home".
	CheckoutRoot string

	// Shell is the command prefix the generated script is appended to.
	// Defaults to ["/bin/bash", "-c"].
	Shell []string

	// DefaultTimeout applies to jobs that carry no timeout. Zero means no limit.
	DefaultTimeout time.Duration

	// KeepScratch leaves scratch directories on disk after the build settles.
	KeepScratch bool

	// Color highlights echoed commands in the build output.
	Color bool

	// Labels are added to every container the orchestrator creates.
	Labels map[string]string

	PostProcess PostProcessFunc
	Output      OutputSink
	Logger      *slog.Logger
}

const (
	defaultCheckoutRoot = "/home"

	labelBuildID = "buildrunner.build_id"
	labelRole    = "buildrunner.role"
)

var defaultShell = []string{"/bin/bash", "-c"}

func (c *Config) setDefaults() error {
	if c.CheckoutRoot == "" {
		c.CheckoutRoot = defaultCheckoutRoot
	}
	if !path.IsAbs(c.CheckoutRoot) {
		return fmt.Errorf("checkout root %q must be absolute", c.CheckoutRoot)
	}
	if len(c.Shell) == 0 {
		c.Shell = slices.Clone(defaultShell)
	}
	if c.DefaultTimeout < 0 {
		return errors.New("default timeout must not be negative")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Orchestrator runs build jobs against a container runtime. It keeps no
// per-job state, so overlapping Submit calls are safe.
type Orchestrator struct {
	rt     runtime.Runtime
	cfg    Config
	logger *slog.Logger
}

// New validates cfg, fills in defaults and returns an Orchestrator.
func New(rt runtime.Runtime, cfg Config) (*Orchestrator, error) {
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return &Orchestrator{rt: rt, cfg: cfg, logger: cfg.Logger}, nil
}

// Submit starts executing job in the background and returns its Execution.
// The Execution always settles, with exactly one of complete, timeout or error.
func (o *Orchestrator) Submit(ctx context.Context, job JobSpec) *Execution {
	exec := newExecution(job)
	exec.update(func(r *ExecutionResult) { r.StartedAt = time.Now() })

	if err := job.Validate(); err != nil {
		o.logger.WarnContext(ctx, "rejecting build", "build_id", job.ID, "error", err)
		exec.settle(EventError, err)
		close(exec.finished)
		return exec
	}

	go o.run(ctx, exec)
	return exec
}

func (o *Orchestrator) run(ctx context.Context, exec *Execution) {
	defer close(exec.finished)
	job := exec.Spec
	logger := o.logger.With("build_id", job.ID)
	cleanupCtx := context.WithoutCancel(ctx)

	scratch, err := os.MkdirTemp(o.cfg.ScratchRoot, "build-*")
	if err != nil {
		exec.settle(EventError, fmt.Errorf("allocate scratch directory: %w", err))
		return
	}
	if !o.cfg.KeepScratch {
		defer func() {
			if err := os.RemoveAll(scratch); err != nil {
				logger.Warn("failed to remove scratch directory", "path", scratch, "error", err)
			}
		}()
	}

	checkout := path.Join(o.cfg.CheckoutRoot, job.Repository.Name)
	exec.update(func(r *ExecutionResult) { r.Artifact = NewArtifact(job, scratch) })

	secondaries := make([]*Container, 0, len(job.Secondary))
	links := make([]string, 0, len(job.Secondary))
	for _, s := range job.Secondary {
		name := s.Name + "-" + job.ID
		secondaries = append(secondaries, NewContainer(o.rt, ContainerOptions{
			JobID:   job.ID,
			Image:   s.Image,
			Name:    name,
			Command: s.Command,
			Labels:  o.labels(job.ID, "secondary"),
		}, logger))
		links = append(links, name+":"+s.Alias)
	}

	script := Script(ScriptOptions{
		Commands:     job.Commands,
		Repository:   job.Repository,
		CheckoutPath: checkout,
		SkipSetup:    job.SkipSetup,
		Color:        o.cfg.Color,
	})
	timeout := job.Timeout
	if timeout == 0 {
		timeout = o.cfg.DefaultTimeout
	}
	primary := NewContainer(o.rt, ContainerOptions{
		JobID:   job.ID,
		Image:   job.PrimaryImage,
		Name:    job.PrimaryName + job.ID,
		Command: append(slices.Clone(o.cfg.Shell), script),
		Labels:  o.labels(job.ID, "primary"),
		Volumes: []string{checkout},
		Binds:   []string{scratch + ":" + checkout},
		Links:   links,
		Timeout: timeout,
		Output:  o.cfg.Output,
	}, logger)

	watcherDone := make(chan struct{})
	primary.OnTimeout(func(info ExitInfo) {
		defer close(watcherDone)
		exec.update(func(r *ExecutionResult) { r.Status.ExitCode = info.StatusCode })
		if err := removeAll(cleanupCtx, secondaries); err != nil {
			exec.settle(EventError, fmt.Errorf("remove secondary containers after timeout: %w", err))
			return
		}
		logger.Info("build timed out", "timeout", timeout)
		exec.settle(EventTimeout, nil)
	})

	err = o.pipeline(ctx, exec, primary, secondaries, watcherDone)
	if err == nil {
		if exec.settle(EventComplete, nil) {
			logger.Info("build complete", "exit_code", exec.Result().Status.ExitCode)
		}
		return
	}

	terr := errors.Join(removeAll(cleanupCtx, secondaries), primary.Remove(cleanupCtx))
	if runtime.IsNotFound(err) && terr == nil {
		logger.Warn("container vanished during build", "error", err)
		exec.settle(EventComplete, nil)
		return
	}
	if terr != nil {
		err = errors.Join(err, fmt.Errorf("teardown: %w", terr))
	}
	if exec.settle(EventError, err) {
		logger.Error("build failed", "error", err)
		return
	}
	logger.Warn("error after build settled", "error", err)
}

// pipeline runs the build up to and including primary removal.
func (o *Orchestrator) pipeline(ctx context.Context, exec *Execution, primary *Container, secondaries []*Container, watcherDone <-chan struct{}) error {
	cleanupCtx := context.WithoutCancel(ctx)

	if err := startAll(ctx, secondaries); err != nil {
		return err
	}
	if err := primary.Start(ctx); err != nil {
		return err
	}

	info, err := primary.Wait(ctx)
	if err != nil {
		return err
	}
	if info.TimedOut {
		<-watcherDone
	}
	exec.update(func(r *ExecutionResult) { r.Status.ExitCode = info.StatusCode })

	if err := stopAll(cleanupCtx, secondaries); err != nil {
		return err
	}
	if err := removeAll(cleanupCtx, secondaries); err != nil {
		return err
	}

	if o.cfg.PostProcess != nil {
		if err := o.cfg.PostProcess(ctx, exec.Result()); err != nil {
			return fmt.Errorf("%w: %w", ErrPostProcess, err)
		}
	}

	if err := primary.Remove(cleanupCtx); err != nil {
		return err
	}
	exec.update(func(r *ExecutionResult) { r.FinishedAt = time.Now() })
	return nil
}

func (o *Orchestrator) labels(buildID, role string) map[string]string {
	labels := make(map[string]string, len(o.cfg.Labels)+2)
	for k, v := range o.cfg.Labels {
		labels[k] = v
	}
	labels[labelBuildID] = buildID
	labels[labelRole] = role
	return labels
}

func startAll(ctx context.Context, containers []*Container) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		g.Go(func() error { return c.Start(gctx) })
	}
	return g.Wait()
}

func stopAll(ctx context.Context, containers []*Container) error {
	var g multierror.Group
	for _, c := range containers {
		g.Go(func() error { return c.Stop(ctx) })
	}
	return g.Wait().ErrorOrNil()
}

func removeAll(ctx context.Context, containers []*Container) error {
	var g multierror.Group
	for _, c := range containers {
		g.Go(func() error { return c.Remove(ctx) })
	}
	return g.Wait().ErrorOrNil()
}
