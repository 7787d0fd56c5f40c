package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/gist"
	"github.com/kalambet/genie/internal/normalize"
	"github.com/kalambet/genie/internal/snapshot"
	"github.com/kalambet/genie/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tableSummarizer returns canned summaries keyed by normalized text and is
// unavailable for anything else.
type tableSummarizer map[string]gist.Summary

func (t tableSummarizer) Summarize(_ context.Context, text string) (gist.Summary, error) {
	if s, ok := t[normalize.Normalize(text).Normalized]; ok {
		return s, nil
	}
	return gist.Summary{}, gist.ErrSummarizationUnavailable
}

type countingAgent struct {
	agent.Agent
	calls atomic.Int32
}

func (c *countingAgent) Execute(ctx context.Context, req agent.Request) (agent.Artifact, error) {
	c.calls.Add(1)
	return c.Agent.Execute(ctx, req)
}

// prefixAgent accepts requests starting with its prefix.
type prefixAgent struct {
	kind, prefix string
	fn           func(ctx context.Context, req agent.Request) (agent.Artifact, error)
}

func (p *prefixAgent) Kind() string { return p.kind }
func (p *prefixAgent) Accepts(req agent.Request) bool {
	return p.prefix != "" && strings.HasPrefix(req.Text, p.prefix)
}
func (p *prefixAgent) Execute(ctx context.Context, req agent.Request) (agent.Artifact, error) {
	return p.fn(ctx, req)
}

var echoAgent = &prefixAgent{kind: "echo", fn: func(_ context.Context, req agent.Request) (agent.Artifact, error) {
	return agent.Artifact{Answer: "echo: " + req.Text}, nil
}}

type recorder struct {
	mu    sync.Mutex
	byJob map[string][]events.Event
}

func (r *recorder) Deliver(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[e.JobID] = append(r.byJob[e.JobID], e)
	return nil
}

func (r *recorder) states(jobID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.byJob[jobID] {
		out = append(out, e.To)
	}
	return out
}

func (r *recorder) terminal(jobID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.byJob[jobID] {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	m       *Manager
	store   *storage.Store
	cache   *snapshot.Cache
	emitter *events.Emitter
	rec     *recorder
	math    *countingAgent
}

var sqrtSummaries = tableSummarizer{
	"sqrt ( 144 )":         {Gist: "square root of 144", Embedding: []float32{1, 0, 0}},
	"what is sqrt ( 144 )": {Gist: "square root of 144", Embedding: []float32{1, 0, 0}},
	"sqrt ( 121 )":         {Gist: "square root of 121", Embedding: []float32{0, 1, 0}},
}

func newHarness(t *testing.T, cfg Config, agents ...agent.Agent) *harness {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	cache := snapshot.NewCache(snapshot.NewSQLiteRepository(st.DB()), sqrtSummaries, nil,
		snapshot.Config{Threshold: 0.9, AdminThreshold: 0.8, EnsureTopResult: true})

	d := agent.NewDispatcher(time.Second)
	math := &countingAgent{Agent: agent.NewMathAgent()}
	for _, a := range append([]agent.Agent{math, echoAgent}, agents...) {
		if err := d.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := d.SetDefault("echo"); err != nil {
		t.Fatal(err)
	}
	d.SetTimeout("slow", 20*time.Millisecond)

	rec := &recorder{byJob: make(map[string][]events.Event)}
	em := events.NewEmitter(1, rec)
	h := &harness{
		m:       NewManager(cache, d, em, st, cfg),
		store:   st,
		cache:   cache,
		emitter: em,
		rec:     rec,
		math:    math,
	}
	t.Cleanup(func() {
		h.flush(t)
		st.Close()
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (h *harness) submit(t *testing.T, text string) string {
	t.Helper()
	id, err := h.m.Submit(context.Background(), text, agent.ClientContext{ClientID: "c1"})
	if err != nil {
		t.Fatalf("Submit(%q): %v", text, err)
	}
	return id
}

func (h *harness) runOnce(t *testing.T) {
	t.Helper()
	ran, err := h.m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !ran {
		t.Fatal("RunOnce found no queued job")
	}
}

func (h *harness) get(t *testing.T, id string) View {
	t.Helper()
	v, err := h.m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return v
}

func TestScenario_SquareRoots(t *testing.T) {
	h := newHarness(t, Config{})

	first := h.submit(t, "sqrt(144)")
	if v := h.get(t, first); v.State != StateQueued {
		t.Fatalf("new request state = %q, want queued", v.State)
	}
	h.runOnce(t)
	v := h.get(t, first)
	if v.State != StateDone || v.Result == nil || v.Result.Answer != "12" {
		t.Fatalf("sqrt(144) = %+v, want done with 12", v)
	}
	if v.AgentKind != agent.KindMath || v.SnapshotID == "" {
		t.Errorf("agent = %q snapshot = %q", v.AgentKind, v.SnapshotID)
	}

	second := h.submit(t, "what is sqrt(144)")
	v = h.get(t, second)
	if v.State != StateDone || v.Result == nil || v.Result.Answer != "12" {
		t.Fatalf("paraphrase = %+v, want cache hit with 12", v)
	}
	if v.Tier != snapshot.TierGist || v.SnapshotID != h.get(t, first).SnapshotID {
		t.Errorf("paraphrase tier = %q snapshot = %q", v.Tier, v.SnapshotID)
	}
	if got := h.math.calls.Load(); got != 1 {
		t.Errorf("math agent calls = %d after hit, want 1", got)
	}

	third := h.submit(t, "sqrt(121)")
	if v := h.get(t, third); v.State != StateQueued {
		t.Fatalf("sqrt(121) state = %q, want queued (distinct request)", v.State)
	}
	h.runOnce(t)
	v = h.get(t, third)
	if v.Result == nil || v.Result.Answer != "11" {
		t.Fatalf("sqrt(121) = %+v, want 11", v)
	}
	if v.SnapshotID == h.get(t, first).SnapshotID {
		t.Error("sqrt(121) reused the sqrt(144) snapshot")
	}

	h.flush(t)
	if diff := cmp.Diff([]string{"queued", "running", "done"}, h.rec.states(first)); diff != "" {
		t.Errorf("miss events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"done"}, h.rec.states(second)); diff != "" {
		t.Errorf("hit events (-want +got):\n%s", diff)
	}
	term := h.rec.terminal(second)
	if len(term) != 1 || term[0].Metadata[events.MetaResult] != "12" || term[0].ClientID != "c1" {
		t.Errorf("hit terminal event = %+v", term)
	}
}

func TestSubmit_NumberFormsStayDistinct(t *testing.T) {
	h := newHarness(t, Config{})

	whole := h.submit(t, "5 + 1")
	h.runOnce(t)
	if v := h.get(t, whole); v.Result == nil || v.Result.Answer != "6" {
		t.Fatalf("5 + 1 = %+v, want 6", v)
	}

	frac := h.submit(t, ".5 + 1")
	if v := h.get(t, frac); v.State != StateQueued {
		t.Fatalf(".5 + 1 state = %q tier %q, want queued", v.State, v.Tier)
	}
	h.runOnce(t)
	if v := h.get(t, frac); v.Result == nil || v.Result.Answer != "1.5" {
		t.Fatalf(".5 + 1 = %+v, want 1.5", v)
	}
	if got := h.math.calls.Load(); got != 2 {
		t.Errorf("math agent calls = %d, want 2", got)
	}
}

func TestSubmit_VerbatimHitIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "What is 7 times 6?")
	h.runOnce(t)

	for i := 0; i < 3; i++ {
		id := h.submit(t, "what is 7 times 6?")
		v := h.get(t, id)
		if v.State != StateDone || v.Tier != snapshot.TierVerbatim || v.Score != 1.0 {
			t.Fatalf("repeat %d = state %q tier %q score %v", i, v.State, v.Tier, v.Score)
		}
	}
	if got := h.math.calls.Load(); got != 1 {
		t.Errorf("math agent calls = %d, want 1", got)
	}

	snaps, err := h.cache.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].RunCount != 4 {
		t.Errorf("run_count = %d, want 4", snaps[0].RunCount)
	}
	if s := h.m.Stats(); s.CacheHits != 3 || s.Done != 4 || s.Submitted != 4 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFailureVisibility(t *testing.T) {
	tests := []struct {
		name     string
		agent    *prefixAgent
		wantKind string
	}{
		{
			name: "timeout",
			agent: &prefixAgent{kind: "slow", prefix: "slow:", fn: func(ctx context.Context, _ agent.Request) (agent.Artifact, error) {
				<-ctx.Done()
				return agent.Artifact{}, ctx.Err()
			}},
			wantKind: KindExecutionTimeout,
		},
		{
			name: "error",
			agent: &prefixAgent{kind: "broken", prefix: "broken:", fn: func(context.Context, agent.Request) (agent.Artifact, error) {
				return agent.Artifact{Answer: "partial"}, errors.New("tool crashed")
			}},
			wantKind: KindExecutionError,
		},
		{
			name: "empty artifact",
			agent: &prefixAgent{kind: "mute", prefix: "mute:", fn: func(context.Context, agent.Request) (agent.Artifact, error) {
				return agent.Artifact{}, nil
			}},
			wantKind: KindInvalidArtifact,
		},
		{
			name: "panic",
			agent: &prefixAgent{kind: "wild", prefix: "wild:", fn: func(context.Context, agent.Request) (agent.Artifact, error) {
				panic("unreachable state")
			}},
			wantKind: KindExecutionError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, tt.agent)
			id := h.submit(t, tt.agent.prefix+" do it")
			h.runOnce(t)

			v := h.get(t, id)
			if v.State != StateDead || v.Error == nil || v.Error.Kind != tt.wantKind {
				t.Fatalf("job = state %q error %+v, want dead %s", v.State, v.Error, tt.wantKind)
			}
			if v.Error.AgentKind != tt.agent.kind {
				t.Errorf("failure agent = %q, want %q", v.Error.AgentKind, tt.agent.kind)
			}

			h.flush(t)
			term := h.rec.terminal(id)
			if len(term) != 1 {
				t.Fatalf("terminal events = %d, want exactly 1", len(term))
			}
			if term[0].Metadata[events.MetaErrorKind] != tt.wantKind || term[0].Metadata[events.MetaError] == "" {
				t.Errorf("terminal metadata = %v", term[0].Metadata)
			}
			if diff := cmp.Diff([]string{"queued", "running", "dead"}, h.rec.states(id)); diff != "" {
				t.Errorf("events (-want +got):\n%s", diff)
			}

			snaps, _ := h.cache.List(context.Background(), 10)
			if len(snaps) != 0 {
				t.Errorf("failed job saved %d snapshots", len(snaps))
			}
		})
	}
}

func TestFailure_PartialOutputKept(t *testing.T) {
	h := newHarness(t, Config{}, &prefixAgent{kind: "broken", prefix: "broken:", fn: func(context.Context, agent.Request) (agent.Artifact, error) {
		return agent.Artifact{Answer: "first half"}, errors.New("tool crashed")
	}})
	id := h.submit(t, "broken: go")
	h.runOnce(t)

	if v := h.get(t, id); v.Error == nil || v.Error.Partial != "first half" {
		t.Errorf("failure = %+v, want partial output", v.Error)
	}
	h.flush(t)
	if term := h.rec.terminal(id); len(term) != 1 || term[0].Metadata[events.MetaPartial] != "first half" {
		t.Errorf("terminal event = %+v", term)
	}
}

func TestCancel_Queued(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.submit(t, "hello there")

	if err := h.m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ran, _ := h.m.RunOnce(context.Background()); ran {
		t.Error("cancelled job was dispatched")
	}

	v := h.get(t, id)
	if v.State != StateDead || v.Error == nil || v.Error.Kind != KindCancelled {
		t.Fatalf("cancelled job = %+v", v)
	}
	if err := h.m.Cancel(context.Background(), id); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second Cancel err = %v, want ErrAlreadyTerminal", err)
	}

	h.flush(t)
	if diff := cmp.Diff([]string{"queued", "dead"}, h.rec.states(id)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if s := h.m.Stats(); s.Pending != 0 || s.Terminal != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCancel_RunningDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Config{}, &prefixAgent{kind: "block", prefix: "block:", fn: func(ctx context.Context, _ agent.Request) (agent.Artifact, error) {
		close(started)
		<-ctx.Done()
		return agent.Artifact{Answer: "too late"}, nil
	}})
	id := h.submit(t, "block: wait")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.m.RunOnce(context.Background())
	}()
	<-started
	if v := h.get(t, id); v.State != StateRunning || v.AgentKind != "block" {
		t.Errorf("job = state %q agent %q, want running on block", v.State, v.AgentKind)
	}
	if err := h.m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done

	v := h.get(t, id)
	if v.State != StateDead || v.Error == nil || v.Error.Kind != KindCancelled || v.Result != nil {
		t.Fatalf("job = %+v, want dead cancelled without result", v)
	}
	snaps, _ := h.cache.List(context.Background(), 10)
	if len(snaps) != 0 {
		t.Errorf("cancelled job saved %d snapshots", len(snaps))
	}
}

// gatedCache misses every lookup and holds Save until released.
type gatedCache struct {
	missCache
	entered chan struct{}
	release chan struct{}
}

func (g gatedCache) Save(ctx context.Context, s snapshot.Snapshot) (snapshot.Snapshot, error) {
	close(g.entered)
	<-g.release
	return g.missCache.Save(ctx, s)
}

func TestCancel_WhileRecordingResultIsTooLate(t *testing.T) {
	d := agent.NewDispatcher(time.Second)
	if err := d.Register(echoAgent); err != nil {
		t.Fatal(err)
	}
	if err := d.SetDefault("echo"); err != nil {
		t.Fatal(err)
	}
	cache := gatedCache{entered: make(chan struct{}), release: make(chan struct{})}
	pub := &capture{byJob: make(map[string][]events.Event)}
	m := NewManager(cache, d, pub, nil, Config{})
	ctx := context.Background()

	id, err := m.Submit(ctx, "hello", agent.ClientContext{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RunOnce(ctx)
	}()
	<-cache.entered

	if err := m.Cancel(ctx, id); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Cancel during save err = %v, want ErrAlreadyTerminal", err)
	}
	close(cache.release)
	<-done

	v, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.State != StateDone || v.SnapshotID != "snap" || v.Error != nil {
		t.Fatalf("job = %+v, want done with its snapshot", v)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	var got []string
	for _, e := range pub.byJob[id] {
		got = append(got, e.To)
	}
	if diff := cmp.Diff([]string{"queued", "running", "done"}, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

// onceAgent accepts only the first request it is asked about.
type onceAgent struct {
	*prefixAgent
	asked atomic.Int32
}

func (o *onceAgent) Accepts(req agent.Request) bool {
	return o.asked.Add(1) == 1 && o.prefixAgent.Accepts(req)
}

func TestRunOnce_ExecutesTheSelectedAgent(t *testing.T) {
	fickle := &onceAgent{prefixAgent: &prefixAgent{kind: "fickle", prefix: "fickle:", fn: func(context.Context, agent.Request) (agent.Artifact, error) {
		return agent.Artifact{Answer: "from fickle"}, nil
	}}}
	h := newHarness(t, Config{}, fickle)
	id := h.submit(t, "fickle: go")
	h.runOnce(t)

	v := h.get(t, id)
	if v.State != StateDone || v.AgentKind != "fickle" || v.Result == nil || v.Result.Answer != "from fickle" {
		t.Fatalf("job = %+v, want done by fickle", v)
	}
	if got := fickle.asked.Load(); got != 1 {
		t.Errorf("Accepts calls = %d, want 1", got)
	}
	h.flush(t)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	for _, e := range h.rec.byJob[id] {
		if e.To == string(StateRunning) && e.Metadata[events.MetaAgentKind] != "fickle" {
			t.Errorf("running event agent = %q, want fickle", e.Metadata[events.MetaAgentKind])
		}
	}
}

func TestRun_FailsQueuedJobsOnShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.submit(t, "hello there")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.m.Run(ctx, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}

	v := h.get(t, id)
	if v.State != StateDead || v.Error == nil || v.Error.Kind != KindShutdown {
		t.Fatalf("job = %+v, want dead shutdown", v)
	}
	rec, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.State != string(StateDead) || rec.ErrorKind != KindShutdown {
		t.Errorf("journal = state %q kind %q", rec.State, rec.ErrorKind)
	}
	if s := h.m.Stats(); s.Pending != 0 {
		t.Errorf("pending = %d after shutdown", s.Pending)
	}

	if _, err := h.m.Submit(context.Background(), "another one", agent.ClientContext{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Submit after shutdown err = %v, want ErrShutdown", err)
	}

	h.flush(t)
	if diff := cmp.Diff([]string{"queued", "dead"}, h.rec.states(id)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if n := len(h.rec.terminal(id)); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
}

func TestRecover_FailsJobsLeftUnfinished(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute)

	stale := []storage.JobRecord{
		{
			ID: "was-running", ClientID: "c1", RequestText: "sqrt(144)", State: "running", AgentKind: agent.KindMath,
			CreatedAt: at, UpdatedAt: at,
			Transitions: []storage.TransitionRecord{{From: "", To: "queued", At: at}, {From: "queued", To: "running", At: at}},
		},
		{
			ID: "was-queued", ClientID: "c1", RequestText: "hello", State: "queued",
			CreatedAt: at, UpdatedAt: at,
			Transitions: []storage.TransitionRecord{{From: "", To: "queued", At: at}},
		},
		{
			ID: "finished", RequestText: "hi", State: "done", CreatedAt: at, UpdatedAt: at,
			Transitions: []storage.TransitionRecord{{From: "", To: "done", At: at}},
		},
	}
	for _, r := range stale {
		if err := h.store.SaveJob(ctx, r); err != nil {
			t.Fatalf("SaveJob %s: %v", r.ID, err)
		}
	}

	n, err := h.m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	v := h.get(t, "was-running")
	if v.State != StateDead || v.Error == nil || v.Error.Kind != KindInterrupted {
		t.Fatalf("was-running = %+v, want dead interrupted", v)
	}
	if diff := cmp.Diff([]State{StateQueued, StateRunning, StateDead}, toStates(v.Transitions)); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
	if v := h.get(t, "finished"); v.State != StateDone {
		t.Errorf("finished job state = %q, want untouched done", v.State)
	}

	h.flush(t)
	term := h.rec.terminal("was-running")
	if len(term) != 1 || term[0].Seq != 3 || term[0].From != "running" {
		t.Errorf("terminal event = %+v, want seq 3 from running", term)
	}
	if term := h.rec.terminal("was-queued"); len(term) != 1 || term[0].Seq != 2 {
		t.Errorf("was-queued terminal event = %+v, want seq 2", term)
	}

	if n, err := h.m.Recover(ctx); err != nil || n != 0 {
		t.Errorf("second Recover = %d, %v; want 0", n, err)
	}
}

func TestCancel_Unknown(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmit_CacheBackendUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Close()

	id := h.submit(t, "sqrt(144)")
	v := h.get(t, id)
	if v.State != StateDead || v.Error == nil || v.Error.Kind != KindCacheBackendUnavailable {
		t.Fatalf("job = %+v, want dead cache_backend_unavailable", v)
	}
	h.flush(t)
	if len(h.rec.terminal(id)) != 1 {
		t.Errorf("terminal events = %d, want 1", len(h.rec.terminal(id)))
	}
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1})

	if _, err := h.m.Submit(context.Background(), "  ", agent.ClientContext{}); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("blank err = %v, want ErrEmptyRequest", err)
	}
	h.submit(t, "hello")
	if _, err := h.m.Submit(context.Background(), "hello again", agent.ClientContext{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow err = %v, want ErrQueueFull", err)
	}
}

func TestRetention_EvictedJobsServedFromJournal(t *testing.T) {
	h := newHarness(t, Config{Retention: 2})

	var ids []string
	for _, q := range []string{"first question", "second question", "third question"} {
		ids = append(ids, h.submit(t, q))
		h.runOnce(t)
	}
	if s := h.m.Stats(); s.Terminal != 2 {
		t.Errorf("terminal in memory = %d, want 2", s.Terminal)
	}

	v := h.get(t, ids[0])
	if v.State != StateDone || v.Result == nil || v.Result.Answer != "echo: first question" {
		t.Errorf("journaled job = %+v", v)
	}
	if diff := cmp.Diff([]State{StateQueued, StateRunning, StateDone}, toStates(v.Transitions)); diff != "" {
		t.Errorf("journaled transitions (-want +got):\n%s", diff)
	}

	list, err := h.m.List(context.Background(), StateDone, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("listed %d done jobs, want 3", len(list))
	}
}

func toStates(ts []Transition) []State {
	var out []State
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestRun_WorkersDrainQueue(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.m.Run(ctx, 3) }()

	var ids []string
	for _, q := range []string{"2+2", "3*3", "tell me a story", "10/4", "sqrt(144)"} {
		ids = append(ids, h.submit(t, q))
	}

	for _, id := range ids {
		actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
		v, err := h.m.Await(actx, id)
		acancel()
		if err != nil {
			t.Fatalf("Await(%s): %v", id, err)
		}
		if v.State != StateDone {
			t.Errorf("job %s state = %q, want done", id, v.State)
		}
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	states := []State{StateNew, StateQueued, StateRunning, StateDone, StateDead}
	want := map[[2]State]bool{
		{StateNew, StateQueued}:     true,
		{StateNew, StateDone}:       true,
		{StateNew, StateDead}:       true,
		{StateQueued, StateRunning}: true,
		{StateQueued, StateDead}:    true,
		{StateRunning, StateDone}:   true,
		{StateRunning, StateDead}:   true,
	}
	for _, from := range states {
		for _, to := range states {
			if got := CanTransition(from, to); got != want[[2]State{from, to}] {
				t.Errorf("CanTransition(%q, %q) = %v", from, to, got)
			}
		}
	}
}

// missCache never hits and saves everything under a fixed id.
type missCache struct{}

func (missCache) Lookup(_ context.Context, text string, _ snapshot.LookupOptions) (snapshot.Match, error) {
	return snapshot.Match{Key: normalize.Normalize(text)}, nil
}
func (missCache) DefaultLookup() snapshot.LookupOptions { return snapshot.LookupOptions{} }
func (missCache) Save(_ context.Context, s snapshot.Snapshot) (snapshot.Snapshot, error) {
	s.ID = "snap"
	return s, nil
}
func (missCache) MarkHit(context.Context, string) error { return nil }

type capture struct {
	mu    sync.Mutex
	byJob map[string][]events.Event
}

func (c *capture) Publish(e events.Event) events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byJob[e.JobID] = append(c.byJob[e.JobID], e)
	return e
}

func TestLifecycle_TransitionsFormOneTerminalChain(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := agent.NewDispatcher(time.Second)
		if err := d.Register(echoAgent); err != nil {
			rt.Fatal(err)
		}
		if err := d.SetDefault("echo"); err != nil {
			rt.Fatal(err)
		}
		pub := &capture{byJob: make(map[string][]events.Event)}
		m := NewManager(missCache{}, d, pub, nil, Config{Retention: 5})
		ctx := context.Background()

		var ids []string
		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 40).Draw(rt, "ops")
		for i, op := range ops {
			switch {
			case op == 0 || len(ids) == 0:
				id, err := m.Submit(ctx, "request", agent.ClientContext{})
				if err != nil {
					rt.Fatalf("op %d Submit: %v", i, err)
				}
				ids = append(ids, id)
			case op == 1:
				if _, err := m.RunOnce(ctx); err != nil {
					rt.Fatalf("op %d RunOnce: %v", i, err)
				}
			default:
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "cancel")]
				err := m.Cancel(ctx, id)
				if err != nil && !errors.Is(err, ErrAlreadyTerminal) && !errors.Is(err, ErrNotFound) {
					rt.Fatalf("op %d Cancel: %v", i, err)
				}
			}
		}
		for {
			ran, err := m.RunOnce(ctx)
			if err != nil {
				rt.Fatal(err)
			}
			if !ran {
				break
			}
		}

		pub.mu.Lock()
		defer pub.mu.Unlock()
		for _, id := range ids {
			evs := pub.byJob[id]
			if len(evs) == 0 {
				rt.Fatalf("job %s published nothing", id)
			}
			prev := StateNew
			for i, e := range evs {
				if State(e.From) != prev || !CanTransition(prev, State(e.To)) {
					rt.Fatalf("job %s event %d: %q → %q after %q", id, i, e.From, e.To, prev)
				}
				if e.Terminal() != (i == len(evs)-1) {
					rt.Fatalf("job %s: terminal event at %d of %d", id, i, len(evs))
				}
				prev = State(e.To)
			}
			if !prev.Terminal() {
				rt.Fatalf("job %s ended in %q", id, prev)
			}
		}
	})
}
