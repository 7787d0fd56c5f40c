// Package api exposes genie over HTTP: a bearer-authenticated REST surface
// for jobs, snapshots and stats, a websocket event stream, and MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/jobs"
	"github.com/kalambet/genie/internal/snapshot"
	"github.com/kalambet/genie/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JobService is the job manager as seen by the API.
type JobService interface {
	Submit(ctx context.Context, text string, cc agent.ClientContext) (string, error)
	Get(ctx context.Context, id string) (jobs.View, error)
	Await(ctx context.Context, id string) (jobs.View, error)
	List(ctx context.Context, state jobs.State, limit int) ([]jobs.View, error)
	Cancel(ctx context.Context, id string) error
	Stats() jobs.Stats
}

// SnapshotService is the snapshot cache's admin surface.
type SnapshotService interface {
	Lookup(ctx context.Context, text string, opts snapshot.LookupOptions) (snapshot.Match, error)
	AdminLookup() snapshot.LookupOptions
	Get(ctx context.Context, id string) (*snapshot.Snapshot, error)
	List(ctx context.Context, limit int) ([]*snapshot.Snapshot, error)
	Invalidate(ctx context.Context, id string) error
	Stats(ctx context.Context) (snapshot.Stats, error)
}

// EventHistory replays persisted events of a job.
type EventHistory interface {
	History(ctx context.Context, jobID string) ([]events.Event, error)
}

// EventStream hands out live event subscriptions.
type EventStream interface {
	Subscribe(clientID string, size int) *events.Subscription
	Unsubscribe(s *events.Subscription)
}

// DeliveryCounter reports event delivery totals.
type DeliveryCounter interface {
	DeliveryStats() (delivered, failed int64)
}

type Deps struct {
	Jobs      JobService
	Snapshots SnapshotService
	History   EventHistory
	Stream    EventStream     // optional; /v1/stream is not mounted without it
	Delivery  DeliveryCounter // optional
	Token     string
	// MaxWait caps the wait query parameter on job reads and submissions.
	MaxWait time.Duration
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Text         string `json:"text"`
	ClientID     string `json:"client_id"`
	LastQuestion string `json:"last_question,omitempty"`
}

// SnapshotView is a snapshot with its decoded artifact.
type SnapshotView struct {
	*snapshot.Snapshot
	Result *agent.Artifact `json:"result,omitempty"`
}

// SearchResult is the body of GET /v1/snapshots/search.
type SearchResult struct {
	Match          *SnapshotView `json:"match"`
	Tier           snapshot.Tier `json:"tier,omitempty"`
	Score          float64       `json:"score,omitempty"`
	BelowThreshold bool          `json:"below_threshold,omitempty"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Jobs   jobs.Stats     `json:"jobs"`
	Cache  snapshot.Stats `json:"cache"`
	Events struct {
		Delivered int64 `json:"delivered"`
		Failed    int64 `json:"failed"`
	} `json:"events"`
}

// NewHandler returns the genie HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxWait <= 0 {
		deps.MaxWait = time.Minute
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/jobs", handleSubmit(deps))
		r.Get("/v1/jobs", handleListJobs(deps))
		r.Get("/v1/jobs/{id}", handleGetJob(deps))
		r.Delete("/v1/jobs/{id}", handleCancelJob(deps))
		r.Get("/v1/jobs/{id}/events", handleJobEvents(deps))

		r.Get("/v1/snapshots", handleListSnapshots(deps))
		r.Get("/v1/snapshots/search", handleSearchSnapshots(deps))
		r.Get("/v1/snapshots/{id}", handleGetSnapshot(deps))
		r.Delete("/v1/snapshots/{id}", handleDeleteSnapshot(deps))

		r.Get("/v1/stats", handleStats(deps))
		if deps.Stream != nil {
			r.Handle("/v1/stream", streamHandler(deps.Stream, deps.History))
		}
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		wait, err := waitParam(r, deps.MaxWait)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := deps.Jobs.Submit(r.Context(), req.Text, agent.ClientContext{ClientID: req.ClientID, LastQuestion: req.LastQuestion})
		switch {
		case errors.Is(err, jobs.ErrEmptyRequest):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		case errors.Is(err, jobs.ErrQueueFull):
			httpError(w, http.StatusServiceUnavailable, "overloaded_error", "job queue is full, retry later")
			return
		case errors.Is(err, jobs.ErrShutdown):
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "server is shutting down")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "submitting job: %v", err)
			return
		}

		v, err := readJob(r.Context(), deps, id, wait)
		if err != nil {
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
			return
		}
		code := http.StatusAccepted
		if v.State.Terminal() {
			code = http.StatusOK
		}
		writeJSON(w, code, v)
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := jobs.State(r.URL.Query().Get("state"))
		switch state {
		case jobs.StateNew, jobs.StateQueued, jobs.StateRunning, jobs.StateDone, jobs.StateDead:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown state %q", state)
			return
		}
		list, err := deps.Jobs.List(r.Context(), state, parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing jobs: %v", err)
			return
		}
		if list == nil {
			list = []jobs.View{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait, err := waitParam(r, deps.MaxWait)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		v, err := readJob(r.Context(), deps, chi.URLParam(r, "id"), wait)
		if errors.Is(err, jobs.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// readJob returns the job, first waiting up to wait for it to finish. A
// wait that runs out returns the job as it is.
func readJob(ctx context.Context, deps Deps, id string, wait time.Duration) (jobs.View, error) {
	if wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		v, err := deps.Jobs.Await(wctx, id)
		if err == nil || !errors.Is(err, context.DeadlineExceeded) {
			return v, err
		}
	}
	return deps.Jobs.Get(ctx, id)
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, jobs.ErrAlreadyTerminal):
			httpError(w, http.StatusConflict, "conflict", "job already finished")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "cancelling job: %v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		}
	}
}

func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Jobs.Get(r.Context(), id); errors.Is(err, jobs.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		evs, err := deps.History.History(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading events: %v", err)
			return
		}
		if evs == nil {
			evs = []events.Event{}
		}
		writeJSON(w, http.StatusOK, evs)
	}
}

func handleListSnapshots(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := deps.Snapshots.List(r.Context(), parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "backend_error", "listing snapshots: %v", err)
			return
		}
		out := make([]SnapshotView, len(snaps))
		for i, s := range snaps {
			out[i] = snapshotView(s)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSearchSnapshots(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		res, err := searchSnapshots(r.Context(), deps.Snapshots, q)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "backend_error", "searching snapshots: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func searchSnapshots(ctx context.Context, svc SnapshotService, q string) (SearchResult, error) {
	m, err := svc.Lookup(ctx, q, svc.AdminLookup())
	if err != nil {
		return SearchResult{}, err
	}
	if m.Snapshot == nil {
		return SearchResult{}, nil
	}
	v := snapshotView(m.Snapshot)
	return SearchResult{Match: &v, Tier: m.Tier, Score: m.Score, BelowThreshold: m.BelowThreshold}, nil
}

func handleGetSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Snapshots.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "snapshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "backend_error", "reading snapshot: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotView(s))
	}
}

func handleDeleteSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Snapshots.Invalidate(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "snapshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "backend_error", "deleting snapshot: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp StatsResponse
		resp.Jobs = deps.Jobs.Stats()
		cs, err := deps.Snapshots.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "backend_error", "reading cache stats: %v", err)
			return
		}
		resp.Cache = cs
		if deps.Delivery != nil {
			resp.Events.Delivered, resp.Events.Failed = deps.Delivery.DeliveryStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func snapshotView(s *snapshot.Snapshot) SnapshotView {
	v := SnapshotView{Snapshot: s}
	if a, err := agent.DecodeArtifact(s.Artifact); err == nil && !a.IsEmpty() {
		v.Result = &a
	}
	return v
}

func waitParam(r *http.Request, max time.Duration) (time.Duration, error) {
	s := r.URL.Query().Get("wait")
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", s)
	}
	return min(d, max), nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
