package jobs

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/snapshot"
	"github.com/kalambet/genie/internal/storage"
)

// Cache is the slice of the snapshot cache the manager uses.
type Cache interface {
	Lookup(ctx context.Context, text string, opts snapshot.LookupOptions) (snapshot.Match, error)
	DefaultLookup() snapshot.LookupOptions
	Save(ctx context.Context, s snapshot.Snapshot) (snapshot.Snapshot, error)
	MarkHit(ctx context.Context, id string) error
}

// Dispatcher runs requests on agents and replays stored artifacts.
type Dispatcher interface {
	Select(req agent.Request) (agent.Agent, error)
	ExecuteWith(ctx context.Context, a agent.Agent, req agent.Request) (agent.Result, error)
	Replay(kind string, stored agent.Artifact, req agent.Request) (agent.Artifact, error)
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(e events.Event) events.Event
}

// Journal persists job records beyond their in-memory retention.
type Journal interface {
	SaveJob(ctx context.Context, j storage.JobRecord) error
	GetJob(ctx context.Context, id string) (storage.JobRecord, error)
	ListJobs(ctx context.Context, state string, limit int) ([]storage.JobRecord, error)
}

// Config sizes the manager.
type Config struct {
	// QueueSize bounds the pending collection; Submit fails with
	// ErrQueueFull beyond it.
	QueueSize int
	// Retention bounds the in-memory terminal collection. Evicted jobs are
	// still served from the journal.
	Retention int
	// PollInterval is how long an idle worker sleeps between checks when no
	// submission wakes it.
	PollInterval time.Duration
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Terminal  int   `json:"terminal"`
	Submitted int64 `json:"submitted"`
	CacheHits int64 `json:"cache_hits"`
	Done      int64 `json:"done"`
	Dead      int64 `json:"dead"`
}

// Manager accepts requests and drives jobs through their lifecycle.
//
// Locking: each job's mutex guards its state, its journal write and the
// publication of its event, so one job's events are published in
// transition order. The manager mutex only guards the three collections and
// the id index, and is never held while acquiring a job mutex.
type Manager struct {
	cache      Cache
	dispatcher Dispatcher
	publisher  Publisher
	journal    Journal
	cfg        Config

	mu       sync.Mutex
	pending  *list.List
	running  *list.List
	terminal *list.List
	byID     map[string]*Job
	wake     chan struct{}
	closed   bool

	submitted atomic.Int64
	hits      atomic.Int64
	done      atomic.Int64
	dead      atomic.Int64

	logger *slog.Logger
}

// NewManager wires a Manager. It does not start workers; see Run.
func NewManager(cache Cache, dispatcher Dispatcher, publisher Publisher, journal Journal, cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Manager{
		cache:      cache,
		dispatcher: dispatcher,
		publisher:  publisher,
		journal:    journal,
		cfg:        cfg,
		pending:    list.New(),
		running:    list.New(),
		terminal:   list.New(),
		byID:       make(map[string]*Job),
		wake:       make(chan struct{}, 1),
		logger:     slog.Default(),
	}
}

// Submit accepts a request and returns its job id. A cache hit finishes the
// job before Submit returns; a miss queues it for a worker. Outcomes are
// reported only through events and Get.
func (m *Manager) Submit(ctx context.Context, text string, cc agent.ClientContext) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyRequest
	}
	m.mu.Lock()
	full := m.pending.Len() >= m.cfg.QueueSize
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrShutdown
	}
	if full {
		return "", ErrQueueFull
	}

	j := newJob(uuid.New().String(), agent.NewRequest(text, cc))
	m.submitted.Add(1)
	m.mu.Lock()
	m.byID[j.ID] = j
	m.mu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	match, err := m.cache.Lookup(ctx, text, m.cache.DefaultLookup())
	if err != nil {
		m.failLocked(ctx, j, err)
		return j.ID, nil
	}
	j.match = match

	if match.Hit() {
		if err := m.replayLocked(ctx, j, match); err != nil {
			m.failLocked(ctx, j, err)
		}
		return j.ID, nil
	}

	if err := m.transitionLocked(ctx, j, StateQueued, nil); err != nil {
		return "", err
	}
	m.mu.Lock()
	closed = m.closed
	if !closed {
		j.elem = m.pending.PushBack(j)
	}
	m.mu.Unlock()
	if closed {
		// Workers stopped while this request was being looked up.
		m.failLocked(ctx, j, ErrShutdown)
		return j.ID, nil
	}
	m.signal()
	return j.ID, nil
}

func (m *Manager) replayLocked(ctx context.Context, j *Job, match snapshot.Match) error {
	stored, err := agent.DecodeArtifact(match.Snapshot.Artifact)
	if err != nil {
		return fmt.Errorf("%w: %w", agent.ErrInvalidArtifact, err)
	}
	out, err := m.dispatcher.Replay(match.Snapshot.AgentKind, stored, j.Request)
	if err != nil {
		return err
	}
	if err := m.cache.MarkHit(ctx, match.Snapshot.ID); err != nil {
		m.logger.Warn("recording cache hit failed", "job_id", j.ID, "snapshot_id", match.Snapshot.ID, "error", err)
	}
	m.hits.Add(1)
	return m.transitionLocked(ctx, j, StateDone, func(j *Job) {
		j.result = out
		j.agentKind = match.Snapshot.AgentKind
		j.snapshotID = match.Snapshot.ID
		j.tier = match.Tier
		j.score = match.Score
	})
}

// transitionLocked applies from → to, journals the job and publishes the
// event. j.mu must be held. A journal failure is logged and never undoes the
// transition.
func (m *Manager) transitionLocked(ctx context.Context, j *Job, to State, mutate func(*Job)) error {
	from := j.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q → %q for job %s", ErrInvalidTransition, from, to, j.ID)
	}
	now := time.Now().UTC()
	if mutate != nil {
		mutate(j)
	}
	j.state = to
	j.updatedAt = now
	j.transitions = append(j.transitions, Transition{From: from, To: to, At: now})

	if m.journal != nil {
		if err := m.journal.SaveJob(context.WithoutCancel(ctx), j.record()); err != nil {
			m.logger.Warn("journaling job failed", "job_id", j.ID, "state", to, "error", err)
		}
	}
	m.publisher.Publish(j.event(from, now))

	switch to {
	case StateDone:
		m.done.Add(1)
	case StateDead:
		m.dead.Add(1)
	}
	if to.Terminal() {
		close(j.done)
		m.retire(j)
		m.logger.Debug("job finished", "job_id", j.ID, "state", to)
	}
	return nil
}

// failLocked moves j to dead with err's classification. j.mu must be held.
func (m *Manager) failLocked(ctx context.Context, j *Job, err error) {
	f := classify(err)
	terr := m.transitionLocked(ctx, j, StateDead, func(j *Job) { j.failure = &f })
	if terr != nil {
		m.logger.Error("failing job", "job_id", j.ID, "error", terr, "cause", err)
		return
	}
	m.logger.Warn("job dead", "job_id", j.ID, "kind", f.Kind, "error", err)
}

// retire moves j from whichever collection holds it to the terminal one,
// evicting the oldest terminal jobs beyond retention.
func (m *Manager) retire(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.elem != nil {
		// Remove is a no-op on a list the element does not belong to.
		m.pending.Remove(j.elem)
		m.running.Remove(j.elem)
	}
	j.elem = m.terminal.PushBack(j)
	for m.terminal.Len() > m.cfg.Retention {
		old := m.terminal.Remove(m.terminal.Front()).(*Job)
		delete(m.byID, old.ID)
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) lookupJob(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	return j, ok
}

// Get returns the job with id, from memory or, once evicted, the journal.
func (m *Manager) Get(ctx context.Context, id string) (View, error) {
	if j, ok := m.lookupJob(id); ok {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.view(), nil
	}
	if m.journal == nil {
		return View{}, ErrNotFound
	}
	r, err := m.journal.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return View{}, ErrNotFound
	}
	if err != nil {
		return View{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	return viewFromRecord(r), nil
}

// Await blocks until job id is terminal or ctx is done, then returns it.
func (m *Manager) Await(ctx context.Context, id string) (View, error) {
	j, ok := m.lookupJob(id)
	if !ok {
		return m.Get(ctx, id)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.view(), nil
}

// List returns journaled jobs, newest first, optionally filtered by state.
func (m *Manager) List(ctx context.Context, state State, limit int) ([]View, error) {
	if m.journal == nil {
		return nil, nil
	}
	recs, err := m.journal.ListJobs(ctx, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]View, len(recs))
	for i, r := range recs {
		out[i] = viewFromRecord(r)
	}
	return out, nil
}

// Cancel stops job id. A queued job dies immediately without running; a
// running job dies as soon as its agent returns, and its result is
// discarded. Once the agent has returned and its result is being recorded,
// Cancel reports ErrAlreadyTerminal.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	j, ok := m.lookupJob(id)
	if !ok {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyTerminal
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StateQueued:
		j.cancelled = true
		m.failLocked(ctx, j, ErrCancelled)
	case StateRunning:
		if j.committing {
			return ErrAlreadyTerminal
		}
		j.cancelled = true
		if j.cancel != nil {
			j.cancel()
		}
	default:
		return ErrAlreadyTerminal
	}
	return nil
}

// recoverBatch bounds each journal scan in Recover.
const recoverBatch = 500

// Recover fails every job the journal still shows as queued or running.
// Such jobs belong to a process that stopped without finishing them. Call it
// once before Run; it returns how many jobs it failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	n := 0
	seen := make(map[string]bool)
	for _, st := range []State{StateQueued, StateRunning} {
		for {
			recs, err := m.journal.ListJobs(ctx, string(st), recoverBatch)
			if err != nil {
				return n, fmt.Errorf("listing %s jobs: %w", st, err)
			}
			fresh := 0
			for _, r := range recs {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				fresh++
				if _, live := m.lookupJob(r.ID); live {
					continue
				}
				j := jobFromRecord(r)
				m.mu.Lock()
				m.byID[j.ID] = j
				m.mu.Unlock()

				j.mu.Lock()
				m.failLocked(ctx, j, ErrInterrupted)
				j.mu.Unlock()
				n++
			}
			// A row whose terminal write failed comes back unchanged.
			if len(recs) < recoverBatch || fresh == 0 {
				break
			}
		}
	}
	if n > 0 {
		m.logger.Warn("failed jobs left unfinished by a previous run", "count", n)
	}
	return n, nil
}

// Stats reports collection sizes and counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:   m.pending.Len(),
		Running:   m.running.Len(),
		Terminal:  m.terminal.Len(),
		Submitted: m.submitted.Load(),
		CacheHits: m.hits.Load(),
		Done:      m.done.Load(),
		Dead:      m.dead.Load(),
	}
}
