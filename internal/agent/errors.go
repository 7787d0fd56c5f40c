package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExecutionTimeout means the agent did not finish within its kind's timeout.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrExecutionError means the agent failed or panicked.
	ErrExecutionError = errors.New("execution error")
	// ErrInvalidArtifact means the agent succeeded but produced nothing usable.
	ErrInvalidArtifact = errors.New("invalid artifact")
	// ErrNoAgent means no agent accepted the request and no default is set.
	ErrNoAgent = errors.New("no agent for request")
)

// ExecError is a classified execution failure. Kind is one of the sentinels
// above and Err the underlying cause, so errors.Is matches either.
type ExecError struct {
	Kind      error
	AgentKind string
	Err       error
	Partial   Artifact
	Duration  time.Duration
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent %s: %v", e.AgentKind, e.Kind)
	}
	return fmt.Sprintf("agent %s: %v: %v", e.AgentKind, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
