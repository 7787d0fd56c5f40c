package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher routes a request to the first registered agent that accepts it,
// falling back to the designated default, and runs it under that kind's
// timeout. It is safe for concurrent use.
type Dispatcher struct {
	mu             sync.RWMutex
	agents         []Agent
	byKind         map[string]Agent
	defaultKind    string
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher creates an empty Dispatcher. defaultTimeout applies to every
// kind without its own entry; zero means no timeout.
func NewDispatcher(defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		byKind:         make(map[string]Agent),
		timeouts:       make(map[string]time.Duration),
		defaultTimeout: defaultTimeout,
		logger:         slog.Default(),
	}
}

// Register appends a to the ordered registry.
func (d *Dispatcher) Register(a Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind := a.Kind()
	if kind == "" {
		return fmt.Errorf("registering agent: empty kind")
	}
	if _, dup := d.byKind[kind]; dup {
		return fmt.Errorf("registering agent: kind %q already registered", kind)
	}
	d.agents = append(d.agents, a)
	d.byKind[kind] = a
	return nil
}

// SetDefault designates the registered agent of kind as the fallback.
func (d *Dispatcher) SetDefault(kind string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byKind[kind]; !ok {
		return fmt.Errorf("setting default agent: unknown kind %q", kind)
	}
	d.defaultKind = kind
	return nil
}

// SetTimeout overrides the execution timeout for kind.
func (d *Dispatcher) SetTimeout(kind string, timeout time.Duration) {
	d.mu.Lock()
	d.timeouts[kind] = timeout
	d.mu.Unlock()
}

// Timeout returns the execution timeout applied to kind.
func (d *Dispatcher) Timeout(kind string) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.timeouts[kind]; ok {
		return t
	}
	return d.defaultTimeout
}

// Kinds lists the registered kinds in registration order.
func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]string, len(d.agents))
	for i, a := range d.agents {
		kinds[i] = a.Kind()
	}
	return kinds
}

// Select returns the agent that would execute req.
func (d *Dispatcher) Select(req Request) (Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.agents {
		if a.Kind() == d.defaultKind {
			continue
		}
		if a.Accepts(req) {
			return a, nil
		}
	}
	if a, ok := d.byKind[d.defaultKind]; ok {
		return a, nil
	}
	return nil, ErrNoAgent
}

type outcome struct {
	artifact Artifact
	err      error
}

// Execute runs req on the selected agent. Every failure is an *ExecError
// classified as ErrExecutionTimeout, ErrExecutionError or ErrInvalidArtifact,
// except cancellation of ctx by the caller, which is returned wrapped as is.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	a, err := d.Select(req)
	if err != nil {
		return Result{}, err
	}
	return d.ExecuteWith(ctx, a, req)
}

// ExecuteWith runs req on a, an agent the caller already selected, under its
// kind's timeout. Errors are classified as in Execute.
func (d *Dispatcher) ExecuteWith(ctx context.Context, a Agent, req Request) (Result, error) {
	kind := a.Kind()

	execCtx := ctx
	if timeout := d.Timeout(kind); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("agent panicked", "agent", kind, "panic", r)
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		art, err := a.Execute(execCtx, req)
		done <- outcome{artifact: art, err: err}
	}()

	var out outcome
	received := false
	select {
	case out = <-done:
		received = true
	case <-execCtx.Done():
	}
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{}, fmt.Errorf("agent %s: %w", kind, ctx.Err())
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && (!received || out.err != nil) {
		return Result{}, &ExecError{Kind: ErrExecutionTimeout, AgentKind: kind, Err: execCtx.Err(), Partial: out.artifact, Duration: elapsed}
	}
	if out.err != nil {
		return Result{}, &ExecError{Kind: ErrExecutionError, AgentKind: kind, Err: out.err, Partial: out.artifact, Duration: elapsed}
	}
	if out.artifact.IsEmpty() {
		return Result{}, &ExecError{Kind: ErrInvalidArtifact, AgentKind: kind, Err: errors.New("agent returned an empty artifact"), Duration: elapsed}
	}
	return Result{Artifact: out.artifact, AgentKind: kind, Duration: elapsed}, nil
}

// Replay prepares a stored artifact produced by kind for req. Agents without
// the Formatter capability replay the artifact unchanged; an unknown kind is
// treated the same way so snapshots outlive agent deregistration.
func (d *Dispatcher) Replay(kind string, stored Artifact, req Request) (Artifact, error) {
	if stored.IsEmpty() {
		return Artifact{}, ErrInvalidArtifact
	}
	d.mu.RLock()
	a, ok := d.byKind[kind]
	d.mu.RUnlock()
	if !ok {
		return stored, nil
	}
	f, ok := a.(Formatter)
	if !ok {
		return stored, nil
	}
	out, err := f.Format(stored, req)
	if err != nil {
		return Artifact{}, fmt.Errorf("formatting %s artifact: %w", kind, err)
	}
	if out.IsEmpty() {
		return Artifact{}, ErrInvalidArtifact
	}
	return out, nil
}
