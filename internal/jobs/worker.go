package jobs

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/gist"
	"github.com/kalambet/genie/internal/snapshot"
)

// Run starts workers goroutines that dispatch queued jobs until ctx is
// cancelled, then waits for them to return. Jobs still queued at that point
// die with ErrShutdown, and later submissions are rejected.
func (m *Manager) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			m.work(gctx)
			return nil
		})
	}
	err := g.Wait()
	m.shutdown(context.WithoutCancel(ctx))
	return err
}

func (m *Manager) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		ran, err := m.RunOnce(ctx)
		if err != nil {
			m.logger.Error("worker iteration failed", "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// shutdown closes admission and fails every job left in the queue.
func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	var left []*Job
	for e := m.pending.Front(); e != nil; e = e.Next() {
		left = append(left, e.Value.(*Job))
	}
	m.mu.Unlock()

	for _, j := range left {
		j.mu.Lock()
		if j.state == StateQueued {
			m.failLocked(ctx, j, ErrShutdown)
		}
		j.mu.Unlock()
	}
	if len(left) > 0 {
		m.logger.Info("failed queued jobs at shutdown", "count", len(left))
	}
}

// RunOnce dispatches the oldest queued job to completion. It reports whether
// a job was taken.
func (m *Manager) RunOnce(ctx context.Context) (bool, error) {
	m.mu.Lock()
	front := m.pending.Front()
	if front == nil {
		m.mu.Unlock()
		return false, nil
	}
	j := m.pending.Remove(front).(*Job)
	j.elem = nil
	m.mu.Unlock()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	j.mu.Lock()
	if j.state != StateQueued {
		// Cancelled between leaving the queue and here.
		j.mu.Unlock()
		return true, nil
	}
	a, err := m.dispatcher.Select(j.Request)
	if err != nil {
		m.failLocked(ctx, j, err)
		j.mu.Unlock()
		return true, nil
	}
	j.cancel = cancel
	if err := m.transitionLocked(ctx, j, StateRunning, func(j *Job) { j.agentKind = a.Kind() }); err != nil {
		j.mu.Unlock()
		return true, err
	}
	m.mu.Lock()
	j.elem = m.running.PushBack(j)
	m.mu.Unlock()
	j.mu.Unlock()

	res, err := m.dispatcher.ExecuteWith(execCtx, a, j.Request)

	// From here on the outcome is being recorded; a later Cancel is too late.
	j.mu.Lock()
	j.committing = true
	cancelled := j.cancelled
	sum := j.match.Summary
	j.mu.Unlock()

	var saved snapshot.Snapshot
	if err == nil && !cancelled {
		saved, err = m.save(ctx, j, res, sum)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case cancelled:
		m.failLocked(ctx, j, ErrCancelled)
	case err != nil:
		m.failLocked(ctx, j, err)
	default:
		err = m.transitionLocked(ctx, j, StateDone, func(j *Job) {
			j.result = res.Artifact
			j.agentKind = res.AgentKind
			j.snapshotID = saved.ID
		})
		return true, err
	}
	return true, nil
}

// save stores the execution result, reusing the gist the acceptance lookup
// already computed.
func (m *Manager) save(ctx context.Context, j *Job, res agent.Result, sum gist.Summary) (snapshot.Snapshot, error) {
	payload, err := res.Artifact.Encode()
	if err != nil {
		return snapshot.Snapshot{}, errors.Join(agent.ErrInvalidArtifact, err)
	}
	return m.cache.Save(ctx, snapshot.Snapshot{
		QuestionVerbatim: j.Request.Text,
		Gist:             sum.Gist,
		GistEmbedding:    sum.Embedding,
		Artifact:         payload,
		AgentKind:        res.AgentKind,
	})
}
