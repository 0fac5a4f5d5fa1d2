package build

import (
	"context"
	"sync"
	"time"
)

// Event is the terminal outcome of a build.
type Event int

const (
	// EventComplete: the script ran to completion, whatever its exit code.
	EventComplete Event = iota + 1
	// EventTimeout: the primary container exceeded its timeout.
	EventTimeout
	// EventError: the runtime or the post-process hook failed.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventComplete:
		return "complete"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Settlement is the single terminal outcome of an Execution.
type Settlement struct {
	Event  Event
	Result ExecutionResult
	Err    error // set for EventError only
}

// Handler is invoked with the settlement of the event it was registered for.
type Handler func(Settlement)

// Execution tracks one submitted build. It carries the in-progress result and
// settles exactly once: the first settlement wins and later attempts are no-ops.
type Execution struct {
	Spec JobSpec

	mu         sync.Mutex
	result     ExecutionResult
	settled    bool
	settlement Settlement
	handlers   map[Event][]Handler
	done       chan struct{}
	finished   chan struct{}
}

func newExecution(spec JobSpec) *Execution {
	return &Execution{
		Spec:     spec,
		handlers: make(map[Event][]Handler),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// On registers h for event. If the execution already settled with that event,
// h runs immediately on the caller's goroutine; if it settled with another
// event, h never runs.
func (e *Execution) On(event Event, h Handler) *Execution {
	e.mu.Lock()
	if !e.settled {
		e.handlers[event] = append(e.handlers[event], h)
		e.mu.Unlock()
		return e
	}
	s := e.settlement
	e.mu.Unlock()

	if s.Event == event {
		h(s)
	}
	return e
}

// Done is closed once the execution has settled and its handlers have returned.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Finished is closed once the build's containers and scratch directory have
// been torn down. A timed-out build settles before it finishes.
func (e *Execution) Finished() <-chan struct{} {
	return e.finished
}

// Wait blocks until the execution settles or ctx is done.
func (e *Execution) Wait(ctx context.Context) (Settlement, error) {
	select {
	case <-e.done:
		s, _ := e.Settlement()
		return s, nil
	case <-ctx.Done():
		return Settlement{}, ctx.Err()
	}
}

// Settlement returns the terminal outcome, if there is one yet.
func (e *Execution) Settlement() (Settlement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settlement, e.settled
}

// Result returns a snapshot of the current (possibly partial) result.
func (e *Execution) Result() ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Execution) update(fn func(r *ExecutionResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.result)
}

// settle records the terminal event and runs its handlers. It reports false,
// doing nothing, when the execution was already settled.
func (e *Execution) settle(event Event, err error) bool {
	e.mu.Lock()
	if e.settled {
		e.mu.Unlock()
		return false
	}
	if event == EventError {
		e.result.Status.ExitCode = ExitCodeSystemError
	}
	if e.result.FinishedAt.IsZero() {
		e.result.FinishedAt = time.Now()
	}
	e.settled = true
	e.settlement = Settlement{Event: event, Result: e.result, Err: err}
	handlers := e.handlers[event]
	e.handlers = nil
	s := e.settlement
	e.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
	close(e.done)
	return true
}
