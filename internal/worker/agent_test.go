package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	"golang.org/x/time/rate"

	"buildrunner/internal/build"
	"buildrunner/internal/queue"
	"buildrunner/internal/store"
	"buildrunner/internal/worker/runtime"
	"buildrunner/pkg/api"
)

// MockBuildStore implements store.BuildStore for testing.
type MockBuildStore struct {
	mu     sync.Mutex
	builds map[string]store.Build
}

func (m *MockBuildStore) SaveBuild(ctx context.Context, tx store.DBTransaction, b *store.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.builds == nil {
		m.builds = make(map[string]store.Build)
	}
	m.builds[b.ID] = *b
	return nil
}

func (m *MockBuildStore) GetBuildByID(ctx context.Context, id string) (*store.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (m *MockBuildStore) ListBuilds(ctx context.Context, limit int, offset int) ([]store.Build, error) {
	return nil, nil
}

// testQueues wires an agent to in-memory build and result topics.
type testQueues struct {
	builds  *pubsub.Topic
	sub     *pubsub.Subscription
	results *pubsub.Topic
	out     *pubsub.Subscription
}

func newTestQueues(t *testing.T) *testQueues {
	t.Helper()
	ctx := context.Background()
	suffix := time.Now().UnixNano()
	buildsURL := fmt.Sprintf("mem://agent-builds-%d", suffix)
	resultsURL := fmt.Sprintf("mem://agent-results-%d", suffix)

	q := &testQueues{}
	var err error
	if q.builds, err = queue.OpenTopic(ctx, buildsURL); err != nil {
		t.Fatalf("open builds topic: %v", err)
	}
	if q.sub, err = queue.OpenSubscription(ctx, buildsURL); err != nil {
		t.Fatalf("open builds subscription: %v", err)
	}
	if q.results, err = queue.OpenTopic(ctx, resultsURL); err != nil {
		t.Fatalf("open results topic: %v", err)
	}
	if q.out, err = queue.OpenSubscription(ctx, resultsURL); err != nil {
		t.Fatalf("open results subscription: %v", err)
	}
	t.Cleanup(func() {
		q.out.Shutdown(ctx)
		q.results.Shutdown(ctx)
		q.sub.Shutdown(ctx)
		q.builds.Shutdown(ctx)
	})
	return q
}

func (q *testQueues) submit(t *testing.T, req api.BuildRequest) {
	t.Helper()
	msg, err := queue.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := q.builds.Send(context.Background(), msg); err != nil {
		t.Fatalf("send request: %v", err)
	}
}

func (q *testQueues) nextResult(t *testing.T) api.BuildResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := q.out.Receive(ctx)
	if err != nil {
		t.Fatalf("no build result received: %v", err)
	}
	msg.Ack()
	res, err := queue.DecodeResult(msg)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func newOrchestrator(t *testing.T, rt runtime.Runtime, mutate func(*build.Config)) *build.Orchestrator {
	t.Helper()
	cfg := build.Config{ScratchRoot: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := build.New(rt, cfg)
	if err != nil {
		t.Fatalf("build.New: %v", err)
	}
	return o
}

// startAgent runs the agent until the test ends.
func startAgent(t *testing.T, a *Agent) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-a.Done():
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return cancel
}

func request(id string) api.BuildRequest {
	return api.BuildRequest{
		ID:         id,
		Repository: api.Repository{Name: "app", URI: "https://git.example.com/app.git", Branch: "main"},
		Commands:   []string{"make test"},
		Container:  api.ContainerSpec{Primary: "golang:1.24", Name: "build"},
		Timeout:    60,
	}
}

func TestNew_Defaults(t *testing.T) {
	agent := New(nil, nil, nil, AgentConfig{Concurrency: -5})

	if agent.config.Concurrency != 1 {
		t.Errorf("expected default concurrency=1, got %d", agent.config.Concurrency)
	}
	if agent.config.IntakeBurst != 1 {
		t.Errorf("expected default burst=1, got %d", agent.config.IntakeBurst)
	}
	if agent.limiter.Limit() != rate.Inf {
		t.Errorf("expected unlimited intake, got %v", agent.limiter.Limit())
	}
	select {
	case <-agent.Done():
		t.Error("Done() closed before Run")
	default:
	}
}

func TestAgent_PublishesCompleteResult(t *testing.T) {
	q := newTestQueues(t)
	rt := runtime.NewMockRuntime()
	builds := &MockBuildStore{}
	agent := New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{ID: "w1"}, WithBuildStore(builds))
	startAgent(t, agent)

	req := request("42")
	req.ArtifactPath = "dist/app.tgz"
	q.submit(t, req)

	res := q.nextResult(t)
	if res.ID != "42" || res.Outcome != api.OutcomeComplete || res.Status.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if !res.Artifact.Produce || res.Artifact.Name != "app_42_app.tgz" {
		t.Errorf("unexpected artifact: %+v", res.Artifact)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("finished %v before started %v", res.FinishedAt, res.StartedAt)
	}

	b, err := builds.GetBuildByID(context.Background(), "42")
	if err != nil {
		t.Fatalf("build was not recorded: %v", err)
	}
	if b.Outcome != api.OutcomeComplete || b.ArtifactName == nil || *b.ArtifactName != "app_42_app.tgz" {
		t.Errorf("unexpected record: %+v", b)
	}
}

func TestAgent_ScriptFailureIsComplete(t *testing.T) {
	q := newTestQueues(t)
	rt := runtime.NewMockRuntime()
	rt.WaitFunc = func(ctx context.Context, name string) (runtime.ExitResult, error) {
		return runtime.ExitResult{ExitCode: 2}, nil
	}
	startAgent(t, New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{}))

	q.submit(t, request("43"))

	res := q.nextResult(t)
	if res.Outcome != api.OutcomeComplete || res.Status.ExitCode != 2 {
		t.Errorf("expected complete with exit code 2, got %+v", res)
	}
}

func TestAgent_TimeoutResult(t *testing.T) {
	q := newTestQueues(t)
	rt := runtime.NewMockRuntime()
	rt.WaitFunc = func(ctx context.Context, name string) (runtime.ExitResult, error) {
		<-ctx.Done()
		return runtime.ExitResult{}, ctx.Err()
	}
	o := newOrchestrator(t, rt, func(c *build.Config) { c.DefaultTimeout = 30 * time.Millisecond })
	startAgent(t, New(q.sub, q.results, o, AgentConfig{}))

	req := request("44")
	req.Timeout = 0
	q.submit(t, req)

	res := q.nextResult(t)
	if res.Outcome != api.OutcomeTimeout || res.Status.ExitCode != build.ExitCodeTimeout {
		t.Errorf("expected timeout with exit code 100, got %+v", res)
	}
}

func TestAgent_RuntimeErrorResult(t *testing.T) {
	q := newTestQueues(t)
	rt := runtime.NewMockRuntime()
	rt.CreateFunc = func(ctx context.Context, opts runtime.CreateOptions) error {
		return errors.New("no such image")
	}
	builds := &MockBuildStore{}
	startAgent(t, New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{}, WithBuildStore(builds)))

	q.submit(t, request("45"))

	res := q.nextResult(t)
	if res.Outcome != api.OutcomeError || res.Status.ExitCode != build.ExitCodeSystemError {
		t.Errorf("expected error with exit code 500, got %+v", res)
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}

	b, err := builds.GetBuildByID(context.Background(), "45")
	if err != nil {
		t.Fatalf("build was not recorded: %v", err)
	}
	if b.ErrorMessage == nil {
		t.Error("expected the error to be recorded")
	}
}

func TestAgent_MalformedMessage(t *testing.T) {
	q := newTestQueues(t)
	rt := runtime.NewMockRuntime()
	startAgent(t, New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{}))

	err := q.builds.Send(context.Background(), &pubsub.Message{
		Body:     []byte("{not json"),
		Metadata: map[string]string{queue.MetadataID: "46"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	res := q.nextResult(t)
	if res.ID != "46" || res.Outcome != api.OutcomeError || res.Status.ExitCode != build.ExitCodeSystemError {
		t.Errorf("unexpected result for malformed message: %+v", res)
	}
	if len(rt.Calls()) != 0 {
		t.Errorf("malformed message must not reach the runtime, got %v", rt.Calls())
	}
}

func TestAgent_InvalidRequest(t *testing.T) {
	q := newTestQueues(t)
	rt := runtime.NewMockRuntime()
	startAgent(t, New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{}))

	req := request("47")
	req.Commands = nil
	q.submit(t, req)

	res := q.nextResult(t)
	if res.Outcome != api.OutcomeError {
		t.Errorf("expected error outcome, got %+v", res)
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	var running, maxConcurrent int32
	release := make(chan struct{})

	rt := runtime.NewMockRuntime()
	rt.WaitFunc = func(ctx context.Context, name string) (runtime.ExitResult, error) {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if current <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, current) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return runtime.ExitResult{ExitCode: 0}, nil
	}

	q := newTestQueues(t)
	concurrencyLimit := 2
	startAgent(t, New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{Concurrency: concurrencyLimit}))

	for i := 0; i < 4; i++ {
		q.submit(t, request(fmt.Sprintf("c%d", i)))
	}

	// Let builds accumulate
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&running); int(got) != concurrencyLimit {
		t.Errorf("expected %d running builds, got %d", concurrencyLimit, got)
	}
	close(release)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[q.nextResult(t).ID] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct results, got %v", seen)
	}
	if int(atomic.LoadInt32(&maxConcurrent)) > concurrencyLimit {
		t.Errorf("max concurrent builds=%d exceeded limit=%d", maxConcurrent, concurrencyLimit)
	}
}

func TestRun_GracefulDrainInFlight(t *testing.T) {
	var completed int32
	rt := runtime.NewMockRuntime()
	rt.WaitFunc = func(ctx context.Context, name string) (runtime.ExitResult, error) {
		time.Sleep(200 * time.Millisecond)
		atomic.StoreInt32(&completed, 1)
		return runtime.ExitResult{ExitCode: 0}, nil
	}

	q := newTestQueues(t)
	agent := New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	q.submit(t, request("drain"))

	// Wait for the build to start
	deadline := time.Now().Add(time.Second)
	for rt.Count("wait", "builddrain") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()

	select {
	case <-agent.Done():
		if atomic.LoadInt32(&completed) != 1 {
			t.Error("Run() returned before in-flight build completed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timeout")
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	res := q.nextResult(t)
	if res.ID != "drain" || res.Outcome != api.OutcomeComplete {
		t.Errorf("drained build should still report, got %+v", res)
	}
}

func TestRun_DrainWaitsForTimedOutTeardown(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.WaitFunc = func(ctx context.Context, name string) (runtime.ExitResult, error) {
		<-ctx.Done()
		return runtime.ExitResult{}, ctx.Err()
	}
	var postProcessed int32
	o := newOrchestrator(t, rt, func(c *build.Config) {
		c.DefaultTimeout = 30 * time.Millisecond
		c.PostProcess = func(ctx context.Context, r build.ExecutionResult) error {
			time.Sleep(200 * time.Millisecond)
			atomic.StoreInt32(&postProcessed, 1)
			return nil
		}
	})

	q := newTestQueues(t)
	agent := New(q.sub, q.results, o, AgentConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	req := request("stuck")
	req.Timeout = 0
	q.submit(t, req)

	res := q.nextResult(t)
	if res.Outcome != api.OutcomeTimeout || res.Status.ExitCode != build.ExitCodeTimeout {
		t.Fatalf("expected timeout with exit code 100, got %+v", res)
	}
	cancel()

	select {
	case <-agent.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown timeout")
	}
	if atomic.LoadInt32(&postProcessed) != 1 {
		t.Error("agent stopped before post-process of the timed-out build returned")
	}
	if !rt.Removed("buildstuck") {
		t.Error("agent stopped before the timed-out primary was removed")
	}
}

func TestRun_IntakeRate(t *testing.T) {
	rt := runtime.NewMockRuntime()
	q := newTestQueues(t)
	startAgent(t, New(q.sub, q.results, newOrchestrator(t, rt, nil), AgentConfig{
		Concurrency: 4,
		IntakeRate:  10,
		IntakeBurst: 1,
	}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		q.submit(t, request(fmt.Sprintf("r%d", i)))
	}
	for i := 0; i < 3; i++ {
		q.nextResult(t)
	}

	// Burst 1 at 10/s admits the third build no sooner than 200ms in.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("intake was not paced: 3 builds in %v", elapsed)
	}
}

func TestToJobSpec(t *testing.T) {
	req := api.BuildRequest{
		ID:         "42",
		Repository: api.Repository{Name: "app", URI: "u", Branch: "b"},
		Commands:   []string{"a", "b"},
		SkipSetup:  true,
		Container: api.ContainerSpec{
			Primary:   "node:20",
			Name:      "build",
			Secondary: []api.SecondaryContainer{{Image: "redis:7", Name: "cache", Alias: "redis", Command: []string{"redis-server"}}},
		},
		Timeout:      90,
		ArtifactPath: "out.zip",
	}

	want := build.JobSpec{
		ID:           "42",
		Repository:   build.Repository{Name: "app", URI: "u", Branch: "b"},
		Commands:     []string{"a", "b"},
		SkipSetup:    true,
		PrimaryImage: "node:20",
		PrimaryName:  "build",
		Secondary:    []build.SecondaryContainer{{Image: "redis:7", Name: "cache", Alias: "redis", Command: []string{"redis-server"}}},
		Timeout:      90 * time.Second,
		ArtifactPath: "out.zip",
	}

	if diff := cmp.Diff(want, ToJobSpec(req)); diff != "" {
		t.Errorf("ToJobSpec() mismatch (-want +got):\n%s", diff)
	}
}
