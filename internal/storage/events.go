package storage

import (
	"context"
	"fmt"
)

// AppendEvent persists a lifecycle event. Re-delivery of the same event id
// is a no-op so at-least-once senders can retry freely.
func (s *Store) AppendEvent(ctx context.Context, e EventRecord) error {
	metadata := e.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, seq, from_state, to_state, metadata, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.ID, e.JobID, e.Seq, e.From, e.To, metadata, toMicros(e.EmittedAt),
	)
	if err != nil {
		return fmt.Errorf("appending event %s: %w", e.ID, err)
	}
	return nil
}

// ListEvents returns every persisted event for a job in emission order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, seq, from_state, to_state, metadata, emitted_at
		FROM job_events WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var emittedAt int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.From, &e.To, &e.Metadata, &emittedAt); err != nil {
			return nil, err
		}
		e.EmittedAt = fromMicros(emittedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
