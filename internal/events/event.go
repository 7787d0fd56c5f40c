// Package events delivers job lifecycle events to sinks. Events of one job
// are delivered strictly in the order they were published; events of
// different jobs are independent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/genie/internal/storage"
)

// Metadata keys set by the job manager.
const (
	MetaTier       = "tier"
	MetaScore      = "score"
	MetaSnapshotID = "snapshot_id"
	MetaAgentKind  = "agent_kind"
	MetaResult     = "result"
	MetaErrorKind  = "error_kind"
	MetaError      = "error"
	MetaPartial    = "partial"
	MetaDurationMS = "duration_ms"
)

// Event is one state transition of a job.
type Event struct {
	ID       string            `json:"id"`
	JobID    string            `json:"job_id"`
	ClientID string            `json:"client_id,omitempty"`
	Seq      int               `json:"seq"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Terminal reports whether the event moves its job into a final state.
func (e Event) Terminal() bool {
	return e.To == "done" || e.To == "dead"
}

// Sink receives events. Deliver may be retried with the same event, so it
// must be idempotent on Event.ID.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

func toRecord(e Event) (storage.EventRecord, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("encoding metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	return storage.EventRecord{
		ID:        e.ID,
		JobID:     e.JobID,
		Seq:       e.Seq,
		From:      e.From,
		To:        e.To,
		Metadata:  string(meta),
		EmittedAt: e.At,
	}, nil
}

func fromRecord(r storage.EventRecord) (Event, error) {
	e := Event{ID: r.ID, JobID: r.JobID, Seq: r.Seq, From: r.From, To: r.To, At: r.EmittedAt}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("decoding metadata of %s: %w", r.ID, err)
		}
	}
	return e, nil
}
