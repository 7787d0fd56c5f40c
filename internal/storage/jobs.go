package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveJob inserts or replaces the journal row for a job.
func (s *Store) SaveJob(ctx context.Context, j JobRecord) error {
	transitions, err := json.Marshal(j.Transitions)
	if err != nil {
		return fmt.Errorf("encoding transitions: %w", err)
	}
	if j.Transitions == nil {
		transitions = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, client_id, request_text, state, agent_kind, snapshot_id, tier, score, result, error_kind, error_message, transitions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			agent_kind = excluded.agent_kind,
			snapshot_id = excluded.snapshot_id,
			tier = excluded.tier,
			score = excluded.score,
			result = excluded.result,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			transitions = excluded.transitions,
			updated_at = excluded.updated_at`,
		j.ID, j.ClientID, j.RequestText, j.State, j.AgentKind, j.SnapshotID, j.Tier, j.Score,
		j.Result, j.ErrorKind, j.ErrorMessage, string(transitions), toMicros(j.CreatedAt), toMicros(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", j.ID, err)
	}
	return nil
}

const jobColumns = `id, client_id, request_text, state, agent_kind, snapshot_id, tier, score, result, error_kind, error_message, transitions, created_at, updated_at`

// GetJob returns the journaled job with the given id.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns the most recently created jobs, optionally filtered by state.
func (s *Store) ListJobs(ctx context.Context, state string, limit int) ([]JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (JobRecord, error) {
	var j JobRecord
	var transitions string
	var createdAt, updatedAt int64
	err := r.Scan(&j.ID, &j.ClientID, &j.RequestText, &j.State, &j.AgentKind, &j.SnapshotID, &j.Tier, &j.Score,
		&j.Result, &j.ErrorKind, &j.ErrorMessage, &transitions, &createdAt, &updatedAt)
	if err != nil {
		return JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(transitions), &j.Transitions); err != nil {
		return JobRecord{}, fmt.Errorf("decoding transitions for job %s: %w", j.ID, err)
	}
	j.CreatedAt = fromMicros(createdAt)
	j.UpdatedAt = fromMicros(updatedAt)
	return j, nil
}
