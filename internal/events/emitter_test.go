package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"github.com/kalambet/genie/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a Sink that keeps every delivered event per job.
type recorder struct {
	mu     sync.Mutex
	byJob  map[string][]Event
	failFn func(Event) error
}

func newRecorder() *recorder {
	return &recorder{byJob: make(map[string][]Event)}
}

func (r *recorder) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFn != nil {
		if err := r.failFn(e); err != nil {
			return err
		}
	}
	r.byJob[e.JobID] = append(r.byJob[e.JobID], e)
	return nil
}

func (r *recorder) events(jobID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.byJob[jobID]...)
}

var ignoreStamps = cmpopts.IgnoreFields(Event{}, "ID", "At")

func flush(t *testing.T, em *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := em.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestEmitter_PerJobOrder(t *testing.T) {
	rec := newRecorder()
	em := NewEmitter(1, rec)

	const jobs = 20
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			em.Publish(Event{JobID: id, From: "", To: "queued"})
			em.Publish(Event{JobID: id, From: "queued", To: "running"})
			em.Publish(Event{JobID: id, From: "running", To: "done", Metadata: map[string]string{MetaResult: "4"}})
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()
	flush(t, em)

	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		want := []Event{
			{JobID: id, Seq: 1, From: "", To: "queued"},
			{JobID: id, Seq: 2, From: "queued", To: "running"},
			{JobID: id, Seq: 3, From: "running", To: "done", Metadata: map[string]string{MetaResult: "4"}},
		}
		if diff := cmp.Diff(want, rec.events(id), ignoreStamps); diff != "" {
			t.Errorf("%s events mismatch (-want +got):\n%s", id, diff)
		}
	}

	em.mu.Lock()
	leftover := len(em.seqs) + len(em.queues)
	em.mu.Unlock()
	if leftover != 0 {
		t.Errorf("%d per-job entries left after terminal events", leftover)
	}
}

func TestEmitter_SlowSinkBlocksOnlyItsJob(t *testing.T) {
	release := make(chan struct{})
	rec := newRecorder()
	slow := SinkFunc(func(ctx context.Context, e Event) error {
		if e.JobID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return rec.Deliver(ctx, e)
	})
	em := NewEmitter(1, slow)

	em.Publish(Event{JobID: "slow", To: "queued"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := em.Emit(ctx, Event{JobID: "fast", To: "queued"}); err != nil {
		t.Fatalf("fast job blocked behind slow job: %v", err)
	}
	if got := rec.events("slow"); len(got) != 0 {
		t.Errorf("slow job delivered before release")
	}

	close(release)
	flush(t, em)
	if got := rec.events("slow"); len(got) != 1 {
		t.Errorf("slow job delivered %d events, want 1", len(got))
	}
}

func TestEmitter_RetriesFailedDelivery(t *testing.T) {
	var calls int
	rec := newRecorder()
	rec.failFn = func(Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}
	em := NewEmitter(3, rec)
	em.backoff = time.Millisecond

	em.Publish(Event{JobID: "j", To: "queued"})
	flush(t, em)

	if calls != 3 {
		t.Errorf("delivery attempts = %d, want 3", calls)
	}
	if got := rec.events("j"); len(got) != 1 {
		t.Errorf("delivered %d events, want 1", len(got))
	}
	if delivered, failed := em.DeliveryStats(); delivered != 1 || failed != 0 {
		t.Errorf("stats = %d delivered, %d failed", delivered, failed)
	}
}

func TestEmitter_BrokenSinkDoesNotStopOthers(t *testing.T) {
	broken := SinkFunc(func(context.Context, Event) error { return errors.New("disk full") })
	rec := newRecorder()
	em := NewEmitter(2, broken, rec)
	em.backoff = time.Millisecond

	em.Publish(Event{JobID: "j", To: "queued"})
	em.Publish(Event{JobID: "j", From: "queued", To: "dead", Metadata: map[string]string{MetaErrorKind: "execution_error"}})
	flush(t, em)

	want := []Event{
		{JobID: "j", Seq: 1, To: "queued"},
		{JobID: "j", Seq: 2, From: "queued", To: "dead", Metadata: map[string]string{MetaErrorKind: "execution_error"}},
	}
	if diff := cmp.Diff(want, rec.events("j"), ignoreStamps); diff != "" {
		t.Errorf("healthy sink events mismatch (-want +got):\n%s", diff)
	}
	if _, failed := em.DeliveryStats(); failed != 2 {
		t.Errorf("failed deliveries = %d, want 2", failed)
	}
}

func TestEmitter_EmitWaitsAndCloseRejects(t *testing.T) {
	rec := newRecorder()
	em := NewEmitter(1, rec)

	e, err := em.Emit(context.Background(), Event{JobID: "j", To: "queued"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if e.ID == "" || e.At.IsZero() || e.Seq != 1 {
		t.Errorf("Emit did not stamp the event: %+v", e)
	}
	if len(rec.events("j")) != 1 {
		t.Error("Emit returned before delivery")
	}

	if err := em.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := em.Emit(context.Background(), Event{JobID: "j", To: "done"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit after Close err = %v, want ErrClosed", err)
	}
}

func TestLogSink_IdempotentHistory(t *testing.T) {
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	sink := NewLogSink(st)
	em := NewEmitter(1, sink)

	em.Publish(Event{JobID: "j", To: "queued"})
	em.Publish(Event{JobID: "j", From: "queued", To: "running"})
	last := em.Publish(Event{JobID: "j", From: "running", To: "done", Metadata: map[string]string{MetaSnapshotID: "s1", MetaTier: "vector"}})
	flush(t, em)

	// Redelivery after a crash between sink write and acknowledgement.
	if err := sink.Deliver(context.Background(), last); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	got, err := sink.History(context.Background(), "j")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []Event{
		{JobID: "j", Seq: 1, To: "queued"},
		{JobID: "j", Seq: 2, From: "queued", To: "running"},
		{JobID: "j", Seq: 3, From: "running", To: "done", Metadata: map[string]string{MetaSnapshotID: "s1", MetaTier: "vector"}},
	}
	if diff := cmp.Diff(want, got, ignoreStamps); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if got[2].ID != last.ID {
		t.Errorf("persisted id %s, want %s", got[2].ID, last.ID)
	}
}

func TestEmitter_SuppliedSeqContinuesHistory(t *testing.T) {
	rec := newRecorder()
	em := NewEmitter(1, rec)

	em.Publish(Event{JobID: "j", Seq: 2, From: "queued", To: "running"})
	em.Publish(Event{JobID: "j", From: "running", To: "dead", Metadata: map[string]string{MetaErrorKind: "interrupted"}})
	flush(t, em)

	want := []Event{
		{JobID: "j", Seq: 2, From: "queued", To: "running"},
		{JobID: "j", Seq: 3, From: "running", To: "dead", Metadata: map[string]string{MetaErrorKind: "interrupted"}},
	}
	if diff := cmp.Diff(want, rec.events("j"), ignoreStamps); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
