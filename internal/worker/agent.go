// Package worker contains the worker-specific logic for build execution.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gocloud.dev/pubsub"
	"golang.org/x/time/rate"

	"buildrunner/internal/build"
	"buildrunner/internal/logger"
	"buildrunner/internal/observability"
	"buildrunner/internal/queue"
	"buildrunner/internal/store"
	"buildrunner/pkg/api"
)

// Receiver yields build request messages. *pubsub.Subscription implements it.
type Receiver interface {
	Receive(ctx context.Context) (*pubsub.Message, error)
}

// Publisher sends result messages. *pubsub.Topic implements it.
type Publisher interface {
	Send(ctx context.Context, m *pubsub.Message) error
}

// Submitter runs builds. *build.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, job build.JobSpec) *build.Execution
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID          string
	Concurrency int

	// IntakeRate caps accepted builds per second; 0 means unlimited.
	IntakeRate  float64
	IntakeBurst int
}

// Option configures optional Agent collaborators.
type Option func(*Agent)

// WithBuildStore records every settled build in s.
func WithBuildStore(s store.BuildStore) Option {
	return func(a *Agent) { a.store = s }
}

// WithMetrics records build metrics on m.
func WithMetrics(m *observability.BuildMetrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// Agent is the main worker agent: it receives build requests, runs them and
// publishes exactly one result per request.
type Agent struct {
	builds       Receiver
	results      Publisher
	orchestrator Submitter
	store        store.BuildStore
	metrics      *observability.BuildMetrics
	config       AgentConfig
	limiter      *rate.Limiter
	logger       *slog.Logger
	done         chan struct{}
}

// New creates a new worker agent.
func New(builds Receiver, results Publisher, orchestrator Submitter, config AgentConfig, opts ...Option) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.IntakeBurst <= 0 {
		config.IntakeBurst = 1
	}

	limit := rate.Inf
	if config.IntakeRate > 0 {
		limit = rate.Limit(config.IntakeRate)
	}

	a := &Agent{
		builds:       builds,
		results:      results,
		orchestrator: orchestrator,
		config:       config,
		limiter:      rate.NewLimiter(limit, config.IntakeBurst),
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("worker_id", config.ID)
	return a
}

// Run receives and executes builds until ctx is cancelled or the
// subscription fails. On cancellation it stops receiving and waits for
// in-flight builds to report and tear down.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "concurrency", a.config.Concurrency)
	defer close(a.done)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Builds outlive the receive loop so a shutdown drains instead of failing them.
	buildCtx := context.WithoutCancel(ctx)

	drain := func(err error) error {
		a.logger.Info("waiting for running builds to finish")
		wg.Wait()
		return err
	}

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return drain(ctx.Err())
		}

		if err := a.limiter.Wait(ctx); err != nil {
			<-sem
			return drain(ctx.Err())
		}

		msg, err := a.builds.Receive(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return drain(ctx.Err())
			}
			a.logger.Error("receive failed", "error", err)
			return drain(fmt.Errorf("receive build: %w", err))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			a.process(buildCtx, msg)
		}()
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) process(ctx context.Context, msg *pubsub.Message) {
	req, err := queue.DecodeRequest(msg)
	if err != nil {
		id := msg.Metadata[queue.MetadataID]
		a.logger.Warn("rejecting undecodable build request", "build_id", id, "error", err)
		now := time.Now().UTC()
		a.report(ctx, msg, api.BuildResult{
			ID:         id,
			Outcome:    api.OutcomeError,
			Status:     api.Status{ExitCode: build.ExitCodeSystemError},
			Error:      err.Error(),
			StartedAt:  now,
			FinishedAt: now,
		})
		return
	}

	job := ToJobSpec(req)
	ctx = logger.WithBuildID(ctx, job.ID)
	log := logger.FromContext(ctx, a.logger)

	ctx, span := observability.StartBuildSpan(ctx, msg.Metadata, job.ID, job.Repository.Name, job.PrimaryImage)
	defer span.End()

	log.Info("processing build", "repository", job.Repository.Name, "image", job.PrimaryImage)
	if a.metrics != nil {
		a.metrics.BuildStarted(ctx)
	}

	exec := a.orchestrator.Submit(ctx, job)
	for _, ev := range []build.Event{build.EventComplete, build.EventTimeout, build.EventError} {
		exec.On(ev, func(s build.Settlement) {
			result := ToBuildResult(job, s)

			span.SetAttributes(
				attribute.String("build.outcome", result.Outcome),
				attribute.Int("exit_code", result.Status.ExitCode),
			)
			if s.Err != nil {
				span.RecordError(s.Err)
				span.SetStatus(codes.Error, s.Err.Error())
			}
			if a.metrics != nil {
				a.metrics.BuildFinished(ctx, result.Outcome, result.FinishedAt.Sub(result.StartedAt))
			}
			a.record(ctx, result)
			a.report(ctx, msg, result)
		})
	}
	<-exec.Done()
	<-exec.Finished()
}

// record stores the result when a build store is configured; failures are logged.
func (a *Agent) record(ctx context.Context, result api.BuildResult) {
	if a.store == nil {
		return
	}
	b := &store.Build{
		ID:         result.ID,
		Repository: result.Repository.Name,
		Outcome:    result.Outcome,
		ExitCode:   result.Status.ExitCode,
		StartedAt:  &result.StartedAt,
		FinishedAt: &result.FinishedAt,
		CreatedAt:  time.Now().UTC(),
	}
	if result.Artifact.Produce {
		b.ArtifactName = &result.Artifact.Name
	}
	if result.Error != "" {
		b.ErrorMessage = &result.Error
	}
	if err := a.store.SaveBuild(ctx, nil, b); err != nil {
		logger.FromContext(ctx, a.logger).Error("failed to record build", "error", err)
	}
}

// report publishes result and settles the request message: acked once the
// result is out, nacked (when supported) if it could not be published.
func (a *Agent) report(ctx context.Context, msg *pubsub.Message, result api.BuildResult) {
	log := logger.FromContext(ctx, a.logger)

	out, err := queue.EncodeResult(result)
	if err == nil {
		observability.InjectTraceContext(ctx, out.Metadata)
		err = a.results.Send(ctx, out)
	}
	if err != nil {
		log.Error("failed to publish build result", "outcome", result.Outcome, "error", err)
		if msg.Nackable() {
			msg.Nack()
			return
		}
	} else {
		log.Info("build result published", "outcome", result.Outcome, "exit_code", result.Status.ExitCode)
	}
	msg.Ack()
}

// ToJobSpec converts a queued request into a build job.
func ToJobSpec(req api.BuildRequest) build.JobSpec {
	secondary := make([]build.SecondaryContainer, 0, len(req.Container.Secondary))
	for _, s := range req.Container.Secondary {
		secondary = append(secondary, build.SecondaryContainer{
			Image:   s.Image,
			Name:    s.Name,
			Command: s.Command,
			Alias:   s.Alias,
		})
	}
	return build.JobSpec{
		ID: req.ID,
		Repository: build.Repository{
			Name:   req.Repository.Name,
			URI:    req.Repository.URI,
			Branch: req.Repository.Branch,
		},
		Commands:     req.Commands,
		SkipSetup:    req.SkipSetup,
		PrimaryImage: req.Container.Primary,
		PrimaryName:  req.Container.Name,
		Secondary:    secondary,
		Timeout:      time.Duration(req.Timeout) * time.Second,
		ArtifactPath: req.ArtifactPath,
	}
}

// ToBuildResult converts a settlement into the published result message.
func ToBuildResult(job build.JobSpec, s build.Settlement) api.BuildResult {
	result := api.BuildResult{
		ID: job.ID,
		Repository: api.Repository{
			Name:   job.Repository.Name,
			URI:    job.Repository.URI,
			Branch: job.Repository.Branch,
		},
		Outcome: s.Event.String(),
		Status:  api.Status{ExitCode: s.Result.Status.ExitCode},
		Artifact: api.Artifact{
			Produce: s.Result.Artifact.Produce,
			Name:    s.Result.Artifact.Name,
		},
		StartedAt:  s.Result.StartedAt.UTC(),
		FinishedAt: s.Result.FinishedAt.UTC(),
	}
	if s.Err != nil {
		result.Error = s.Err.Error()
	}
	return result
}
