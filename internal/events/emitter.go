package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const deliveryTimeout = 5 * time.Second

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("emitter closed")

type queued struct {
	event Event
	done  chan struct{}
}

type jobQueue struct {
	pending []queued
}

// Emitter fans events out to its sinks with at-least-once delivery. Each job
// with undelivered events has one drain goroutine, so a slow sink delays
// only the job whose event it is handling.
type Emitter struct {
	sinks    []Sink
	attempts int
	backoff  time.Duration

	mu     sync.Mutex
	queues map[string]*jobQueue
	seqs   map[string]int
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
	logger    *slog.Logger
}

// NewEmitter creates an Emitter that tries each sink up to attempts times
// per event.
func NewEmitter(attempts int, sinks ...Sink) *Emitter {
	if attempts < 1 {
		attempts = 1
	}
	return &Emitter{
		sinks:    sinks,
		attempts: attempts,
		backoff:  50 * time.Millisecond,
		queues:   make(map[string]*jobQueue),
		seqs:     make(map[string]int),
		logger:   slog.Default(),
	}
}

// Publish stamps e with an id, its per-job sequence number and a timestamp
// where they are unset, then queues it without waiting for delivery.
func (em *Emitter) Publish(e Event) Event {
	e, _ = em.enqueue(e, nil)
	return e
}

// Emit is Publish followed by waiting until every sink has been tried.
func (em *Emitter) Emit(ctx context.Context, e Event) (Event, error) {
	done := make(chan struct{})
	e, err := em.enqueue(e, done)
	if err != nil {
		return e, err
	}
	select {
	case <-done:
		return e, nil
	case <-ctx.Done():
		return e, ctx.Err()
	}
}

func (em *Emitter) enqueue(e Event, done chan struct{}) (Event, error) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		em.logger.Warn("event dropped after close", "job_id", e.JobID, "to", e.To)
		return e, ErrClosed
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Seq > 0 {
		// A caller that knows the job's history (a job resumed from the
		// journal) supplies the sequence number and the counter follows it.
		em.seqs[e.JobID] = e.Seq
	} else {
		em.seqs[e.JobID]++
		e.Seq = em.seqs[e.JobID]
	}
	if e.Terminal() {
		delete(em.seqs, e.JobID)
	}

	q, ok := em.queues[e.JobID]
	if !ok {
		q = &jobQueue{}
		em.queues[e.JobID] = q
		em.wg.Add(1)
		go em.drain(e.JobID, q)
	}
	q.pending = append(q.pending, queued{event: e, done: done})
	return e, nil
}

func (em *Emitter) drain(jobID string, q *jobQueue) {
	defer em.wg.Done()
	for {
		em.mu.Lock()
		if len(q.pending) == 0 {
			delete(em.queues, jobID)
			em.mu.Unlock()
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		em.mu.Unlock()

		em.deliver(item.event)
		if item.done != nil {
			close(item.done)
		}
	}
}

func (em *Emitter) deliver(e Event) {
	for _, sink := range em.sinks {
		var err error
		for attempt := 1; attempt <= em.attempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			err = sink.Deliver(ctx, e)
			cancel()
			if err == nil {
				break
			}
			if attempt < em.attempts {
				time.Sleep(em.backoff * time.Duration(attempt))
			}
		}
		if err != nil {
			em.failed.Add(1)
			em.logger.Warn("event delivery failed", "job_id", e.JobID, "seq", e.Seq, "to", e.To, "error", err)
			continue
		}
		em.delivered.Add(1)
	}
}

// Flush waits until every queued event has been handled or ctx is done.
func (em *Emitter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		em.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and flushes the queued ones.
func (em *Emitter) Close(ctx context.Context) error {
	em.mu.Lock()
	em.closed = true
	em.mu.Unlock()
	return em.Flush(ctx)
}

// DeliveryStats reports successful and exhausted sink deliveries.
func (em *Emitter) DeliveryStats() (delivered, failed int64) {
	return em.delivered.Load(), em.failed.Load()
}
