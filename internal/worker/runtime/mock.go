package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Call records one operation made against a MockRuntime.
type Call struct {
	Op   string // "create", "start", "wait", "stop", "remove", "logs"
	Name string // container name the operation addressed
}

// MockRuntime is an in-memory test double for the Runtime interface.
// Containers are addressed by name in the hooks; ids are "id-<name>".
// Stop and Remove on a removed (or never created) container return ErrNotFound,
// like a real daemon would.
type MockRuntime struct {
	mu         sync.Mutex
	calls      []Call
	names      map[string]string // id -> name
	removed    map[string]bool
	createOpts map[string]CreateOptions

	CreateFunc func(ctx context.Context, opts CreateOptions) error
	StartFunc  func(ctx context.Context, name string) error
	WaitFunc   func(ctx context.Context, name string) (ExitResult, error)
	StopFunc   func(ctx context.Context, name string) error
	RemoveFunc func(ctx context.Context, name string) error

	// Output maps a container name to the lines returned by Logs.
	Output map[string][]string
}

// NewMockRuntime returns a MockRuntime where every operation succeeds and
// every container exits with code 0.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		names:      make(map[string]string),
		removed:    make(map[string]bool),
		createOpts: make(map[string]CreateOptions),
		Output:     make(map[string][]string),
	}
}

func (m *MockRuntime) record(op, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: op, Name: name})
}

func (m *MockRuntime) lookup(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[id]
	return name, ok && !m.removed[id]
}

// Calls returns a copy of all recorded operations in the order they were made.
func (m *MockRuntime) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Index returns the position of the first op on name, or -1.
func (m *MockRuntime) Index(op, name string) int {
	for i, c := range m.Calls() {
		if c.Op == op && c.Name == name {
			return i
		}
	}
	return -1
}

// Count returns how many times op was made against name.
func (m *MockRuntime) Count(op, name string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op && c.Name == name {
			n++
		}
	}
	return n
}

// Removed reports whether the named container has been removed.
func (m *MockRuntime) Removed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed["id-"+name]
}

// Created returns the options the named container was created with.
func (m *MockRuntime) Created(name string) (CreateOptions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts, ok := m.createOpts[name]
	return opts, ok
}

func (m *MockRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	m.record("create", opts.Name)
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, opts); err != nil {
			return "", err
		}
	}
	id := "id-" + opts.Name
	m.mu.Lock()
	m.names[id] = opts.Name
	m.createOpts[opts.Name] = opts
	m.mu.Unlock()
	return id, nil
}

func (m *MockRuntime) Start(ctx context.Context, id string) error {
	name, ok := m.lookup(id)
	m.record("start", name)
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrNotFound)
	}
	if m.StartFunc != nil {
		return m.StartFunc(ctx, name)
	}
	return nil
}

func (m *MockRuntime) Wait(ctx context.Context, id string) (ExitResult, error) {
	name, ok := m.lookup(id)
	m.record("wait", name)
	if !ok {
		return ExitResult{ExitCode: -1}, fmt.Errorf("wait %s: %w", id, ErrNotFound)
	}
	if m.WaitFunc != nil {
		return m.WaitFunc(ctx, name)
	}
	return ExitResult{ExitCode: 0}, nil
}

func (m *MockRuntime) Stop(ctx context.Context, id string) error {
	name, ok := m.lookup(id)
	m.record("stop", name)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	if m.StopFunc != nil {
		return m.StopFunc(ctx, name)
	}
	return nil
}

func (m *MockRuntime) Remove(ctx context.Context, id string) error {
	name, ok := m.lookup(id)
	m.record("remove", name)
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	if m.RemoveFunc != nil {
		if err := m.RemoveFunc(ctx, name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.removed[id] = true
	m.mu.Unlock()
	return nil
}

func (m *MockRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	name, _ := m.lookup(id)
	m.record("logs", name)
	m.mu.Lock()
	lines := m.Output[name]
	m.mu.Unlock()
	if len(lines) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
}
