// Package jobs owns the job lifecycle: acceptance against the snapshot
// cache, the pending, running and terminal collections, dispatch to agents
// and the state machine that drives lifecycle events.
package jobs

import (
	"container/list"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/snapshot"
	"github.com/kalambet/genie/internal/storage"
)

// State is a job's lifecycle state. The zero value is a job that has not
// been accepted yet.
type State string

const (
	StateNew     State = ""
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateDead    State = "dead"
)

// Terminal reports whether nothing can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDead
}

// allowed is the complete transition table. Cache hits go straight from
// acceptance to done; acceptance failures and cancelled queued jobs go
// straight to dead.
var allowed = map[State][]State{
	StateNew:     {StateQueued, StateDone, StateDead},
	StateQueued:  {StateRunning, StateDead},
	StateRunning: {StateDone, StateDead},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrCancelled         = errors.New("job cancelled")
	ErrAlreadyTerminal   = errors.New("job already finished")
	ErrQueueFull         = errors.New("job queue full")
	ErrEmptyRequest      = errors.New("empty request")
	// ErrShutdown rejects submissions after the workers stopped and fails
	// jobs that were still queued when they did.
	ErrShutdown = errors.New("job manager shut down")
	// ErrInterrupted fails jobs a previous process left unfinished.
	ErrInterrupted = errors.New("job interrupted by restart")
)

// Failure kinds recorded on dead jobs.
const (
	KindExecutionTimeout        = "execution_timeout"
	KindExecutionError          = "execution_error"
	KindInvalidArtifact         = "invalid_artifact"
	KindCancelled               = "cancelled"
	KindShutdown                = "shutdown"
	KindInterrupted             = "interrupted"
	KindCacheBackendUnavailable = "cache_backend_unavailable"
	KindNoAgent                 = "no_agent"
	KindInternal                = "internal"
)

// Failure describes why a job died.
type Failure struct {
	Kind      string        `json:"kind"`
	Message   string        `json:"message"`
	AgentKind string        `json:"agent_kind,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Partial   string        `json:"partial,omitempty"`
}

// classify maps an error from any stage to a Failure.
func classify(err error) Failure {
	f := Failure{Kind: KindInternal, Message: err.Error()}
	var execErr *agent.ExecError
	if errors.As(err, &execErr) {
		f.AgentKind = execErr.AgentKind
		f.Duration = execErr.Duration
		f.Partial = execErr.Partial.Answer
	}
	switch {
	case errors.Is(err, ErrShutdown):
		f.Kind = KindShutdown
	case errors.Is(err, ErrInterrupted):
		f.Kind = KindInterrupted
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		f.Kind = KindCancelled
	case errors.Is(err, agent.ErrExecutionTimeout):
		f.Kind = KindExecutionTimeout
	case errors.Is(err, agent.ErrInvalidArtifact):
		f.Kind = KindInvalidArtifact
	case errors.Is(err, agent.ErrExecutionError):
		f.Kind = KindExecutionError
	case errors.Is(err, agent.ErrNoAgent):
		f.Kind = KindNoAgent
	case errors.Is(err, snapshot.ErrCacheBackendUnavailable):
		f.Kind = KindCacheBackendUnavailable
	}
	return f
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Job is the manager's mutable record. Every field below mu is guarded by it;
// elem is guarded by the manager's lock.
type Job struct {
	ID      string
	Request agent.Request

	mu          sync.Mutex
	state       State
	agentKind   string
	snapshotID  string
	tier        snapshot.Tier
	score       float64
	result      agent.Artifact
	failure     *Failure
	transitions []Transition
	match       snapshot.Match
	cancelled   bool
	committing  bool
	cancel      context.CancelFunc
	done        chan struct{}
	createdAt   time.Time
	updatedAt   time.Time

	elem *list.Element
}

func newJob(id string, req agent.Request) *Job {
	return &Job{ID: id, Request: req, done: make(chan struct{}), createdAt: req.ArrivedAt, updatedAt: req.ArrivedAt}
}

// View is an immutable copy of a job for callers.
type View struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id,omitempty"`
	Request     string          `json:"request"`
	State       State           `json:"state"`
	AgentKind   string          `json:"agent_kind,omitempty"`
	SnapshotID  string          `json:"snapshot_id,omitempty"`
	Tier        snapshot.Tier   `json:"tier,omitempty"`
	Score       float64         `json:"score,omitempty"`
	Result      *agent.Artifact `json:"result,omitempty"`
	Error       *Failure        `json:"error,omitempty"`
	Transitions []Transition    `json:"transitions"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// view must be called with j.mu held.
func (j *Job) view() View {
	v := View{
		ID:          j.ID,
		ClientID:    j.Request.Context.ClientID,
		Request:     j.Request.Text,
		State:       j.state,
		AgentKind:   j.agentKind,
		SnapshotID:  j.snapshotID,
		Tier:        j.tier,
		Score:       j.score,
		Transitions: append([]Transition(nil), j.transitions...),
		CreatedAt:   j.createdAt,
		UpdatedAt:   j.updatedAt,
	}
	if !j.result.IsEmpty() {
		r := j.result
		v.Result = &r
	}
	if j.failure != nil {
		f := *j.failure
		v.Error = &f
	}
	return v
}

// record must be called with j.mu held.
func (j *Job) record() storage.JobRecord {
	r := storage.JobRecord{
		ID:          j.ID,
		ClientID:    j.Request.Context.ClientID,
		RequestText: j.Request.Text,
		State:       string(j.state),
		AgentKind:   j.agentKind,
		SnapshotID:  j.snapshotID,
		Tier:        string(j.tier),
		Score:       j.score,
		CreatedAt:   j.createdAt,
		UpdatedAt:   j.updatedAt,
	}
	if !j.result.IsEmpty() {
		if b, err := j.result.Encode(); err == nil {
			r.Result = string(b)
		}
	}
	if j.failure != nil {
		r.ErrorKind = j.failure.Kind
		r.ErrorMessage = j.failure.Message
	}
	for _, t := range j.transitions {
		r.Transitions = append(r.Transitions, storage.TransitionRecord{From: string(t.From), To: string(t.To), At: t.At})
	}
	return r
}

// jobFromRecord rebuilds a live job from its journal record so a stale one
// can be driven to a terminal state.
func jobFromRecord(r storage.JobRecord) *Job {
	req := agent.NewRequest(r.RequestText, agent.ClientContext{ClientID: r.ClientID})
	req.ArrivedAt = r.CreatedAt
	j := newJob(r.ID, req)
	j.state = State(r.State)
	j.agentKind = r.AgentKind
	j.updatedAt = r.UpdatedAt
	for _, t := range r.Transitions {
		j.transitions = append(j.transitions, Transition{From: State(t.From), To: State(t.To), At: t.At})
	}
	return j
}

func viewFromRecord(r storage.JobRecord) View {
	v := View{
		ID:         r.ID,
		ClientID:   r.ClientID,
		Request:    r.RequestText,
		State:      State(r.State),
		AgentKind:  r.AgentKind,
		SnapshotID: r.SnapshotID,
		Tier:       snapshot.Tier(r.Tier),
		Score:      r.Score,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Result != "" {
		if a, err := agent.DecodeArtifact([]byte(r.Result)); err == nil && !a.IsEmpty() {
			v.Result = &a
		}
	}
	if r.ErrorKind != "" {
		v.Error = &Failure{Kind: r.ErrorKind, Message: r.ErrorMessage}
	}
	for _, t := range r.Transitions {
		v.Transitions = append(v.Transitions, Transition{From: State(t.From), To: State(t.To), At: t.At})
	}
	return v
}

// event builds the lifecycle event for the transition just applied. Must be
// called with j.mu held.
func (j *Job) event(from State, at time.Time) events.Event {
	meta := map[string]string{}
	switch j.state {
	case StateDone:
		meta[events.MetaSnapshotID] = j.snapshotID
		meta[events.MetaAgentKind] = j.agentKind
		meta[events.MetaResult] = j.result.Answer
		if j.tier != snapshot.TierNone {
			meta[events.MetaTier] = string(j.tier)
			meta[events.MetaScore] = strconv.FormatFloat(j.score, 'f', 4, 64)
		}
	case StateDead:
		meta[events.MetaErrorKind] = j.failure.Kind
		meta[events.MetaError] = j.failure.Message
		if j.failure.AgentKind != "" {
			meta[events.MetaAgentKind] = j.failure.AgentKind
		}
		if j.failure.Duration > 0 {
			meta[events.MetaDurationMS] = strconv.FormatInt(j.failure.Duration.Milliseconds(), 10)
		}
		if j.failure.Partial != "" {
			meta[events.MetaPartial] = j.failure.Partial
		}
	case StateRunning:
		if j.agentKind != "" {
			meta[events.MetaAgentKind] = j.agentKind
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return events.Event{
		JobID:    j.ID,
		ClientID: j.Request.Context.ClientID,
		Seq:      len(j.transitions),
		From:     string(from),
		To:       string(j.state),
		At:       at,
		Metadata: meta,
	}
}
