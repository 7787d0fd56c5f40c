package events

import (
	"context"

	"github.com/kalambet/genie/internal/storage"
)

// LogSink persists events to the job_events table so late subscribers can
// replay a job's history.
type LogSink struct {
	store *storage.Store
}

func NewLogSink(store *storage.Store) *LogSink {
	return &LogSink{store: store}
}

// Deliver appends e. Redelivery of the same event is a no-op.
func (l *LogSink) Deliver(ctx context.Context, e Event) error {
	rec, err := toRecord(e)
	if err != nil {
		return err
	}
	return l.store.AppendEvent(ctx, rec)
}

// History returns every persisted event of jobID in sequence order.
func (l *LogSink) History(ctx context.Context, jobID string) ([]Event, error) {
	recs, err := l.store.ListEvents(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(recs))
	for _, r := range recs {
		e, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
