package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/genie/internal/retrieval"
	"github.com/kalambet/genie/internal/storage"
)

// Repository is the persistence the Cache needs. Finders return
// storage.ErrNotFound on a miss; any other error is a backend failure.
type Repository interface {
	Get(ctx context.Context, id string) (*Snapshot, error)
	FindByVerbatim(ctx context.Context, verbatim string) (*Snapshot, error)
	FindBySynonym(ctx context.Context, verbatim string) (*Snapshot, error)
	FindByNormalized(ctx context.Context, normalized string) (*Snapshot, error)
	FindByGist(ctx context.Context, gist string) (*Snapshot, error)
	Nearest(ctx context.Context, vector []float32, topK int) ([]retrieval.Scored, error)

	// Insert writes a new snapshot and its synonyms atomically. It returns
	// ErrDuplicate when the verbatim question already exists.
	Insert(ctx context.Context, s *Snapshot) error
	// Update rewrites an existing snapshot and upserts its synonyms atomically.
	Update(ctx context.Context, s *Snapshot) error
	UpsertSynonym(ctx context.Context, id, synonym string, score float64, at time.Time) error
	IncrementRunCount(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*Snapshot, error)
	Count(ctx context.Context) (int, error)
}

// SQLiteRepository stores snapshots in the snapshots and snapshot_synonyms
// tables. Vector search is delegated to a retrieval.VectorIndex reading the
// same rows.
type SQLiteRepository struct {
	db    *sql.DB
	index retrieval.VectorIndex
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, index: retrieval.NewSQLiteIndex(db)}
}

const snapshotColumns = `id, question_verbatim, question_normalized, gist, gist_embedding, computed_artifact, agent_kind, run_count, created_at, updated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Snapshot, error) {
	return r.findOne(ctx, `WHERE id = ?`, id)
}

func (r *SQLiteRepository) FindByVerbatim(ctx context.Context, verbatim string) (*Snapshot, error) {
	return r.findOne(ctx, `WHERE question_verbatim = ?`, verbatim)
}

func (r *SQLiteRepository) FindByNormalized(ctx context.Context, normalized string) (*Snapshot, error) {
	return r.findOne(ctx, `WHERE question_normalized = ? ORDER BY updated_at DESC LIMIT 1`, normalized)
}

func (r *SQLiteRepository) FindByGist(ctx context.Context, gist string) (*Snapshot, error) {
	if gist == "" {
		return nil, storage.ErrNotFound
	}
	return r.findOne(ctx, `WHERE gist = ? ORDER BY updated_at DESC LIMIT 1`, gist)
}

func (r *SQLiteRepository) FindBySynonym(ctx context.Context, verbatim string) (*Snapshot, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT snapshot_id FROM snapshot_synonyms
		WHERE synonym = ? ORDER BY score DESC, updated_at DESC LIMIT 1`, verbatim).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding synonym: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *SQLiteRepository) Nearest(ctx context.Context, vector []float32, topK int) ([]retrieval.Scored, error) {
	return r.index.Search(ctx, vector, topK)
}

func (r *SQLiteRepository) findOne(ctx context.Context, where string, args ...any) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots `+where, args...)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.Synonyms, err = loadSynonyms(ctx, r.db, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var s Snapshot
	var embedding []byte
	var createdAt, updatedAt int64
	err := row.Scan(&s.ID, &s.QuestionVerbatim, &s.QuestionNormalized, &s.Gist, &embedding,
		&s.Artifact, &s.AgentKind, &s.RunCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		if s.GistEmbedding, err = retrieval.DecodeVector(embedding); err != nil {
			return nil, fmt.Errorf("decoding embedding of %s: %w", s.ID, err)
		}
	}
	s.CreatedAt = time.UnixMicro(createdAt).UTC()
	s.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &s, nil
}

func loadSynonyms(ctx context.Context, q querier, id string) (map[string]float64, error) {
	rows, err := q.QueryContext(ctx, `SELECT synonym, score FROM snapshot_synonyms WHERE snapshot_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading synonyms: %w", err)
	}
	defer rows.Close()

	syn := make(map[string]float64)
	for rows.Next() {
		var text string
		var score float64
		if err := rows.Scan(&text, &score); err != nil {
			return nil, fmt.Errorf("scanning synonym: %w", err)
		}
		syn[text] = score
	}
	return syn, rows.Err()
}

func (r *SQLiteRepository) Insert(ctx context.Context, s *Snapshot) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.QuestionVerbatim, s.QuestionNormalized, s.Gist, encodeEmbedding(s.GistEmbedding),
			nonNil(s.Artifact), s.AgentKind, s.RunCount, s.CreatedAt.UTC().UnixMicro(), s.UpdatedAt.UTC().UnixMicro())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		return upsertSynonyms(ctx, tx, s)
	})
}

func (r *SQLiteRepository) Update(ctx context.Context, s *Snapshot) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE snapshots SET question_normalized = ?, gist = ?, gist_embedding = ?, computed_artifact = ?,
				agent_kind = ?, run_count = ?, updated_at = ?
			WHERE id = ?`,
			s.QuestionNormalized, s.Gist, encodeEmbedding(s.GistEmbedding), nonNil(s.Artifact),
			s.AgentKind, s.RunCount, s.UpdatedAt.UTC().UnixMicro(), s.ID)
		if err != nil {
			return fmt.Errorf("updating snapshot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return upsertSynonyms(ctx, tx, s)
	})
}

func upsertSynonyms(ctx context.Context, tx *sql.Tx, s *Snapshot) error {
	for text, score := range s.Synonyms {
		if err := upsertSynonym(ctx, tx, s.ID, text, score, s.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func upsertSynonym(ctx context.Context, q querier, id, text string, score float64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO snapshot_synonyms (snapshot_id, synonym, score, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(snapshot_id, synonym) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		id, text, score, at.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("upserting synonym: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertSynonym(ctx context.Context, id, synonym string, score float64, at time.Time) error {
	return upsertSynonym(ctx, r.db, id, synonym, score, at)
}

func (r *SQLiteRepository) IncrementRunCount(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE snapshots SET run_count = run_count + 1, updated_at = ? WHERE id = ?`,
		at.UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("incrementing run count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting snapshot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_synonyms WHERE snapshot_id = ?`, id); err != nil {
			return fmt.Errorf("deleting synonyms: %w", err)
		}
		return nil
	})
}

// List returns the most recently updated snapshots.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Synonyms are loaded after the scan: the pool holds a single connection.
	for _, s := range out {
		if s.Synonyms, err = loadSynonyms(ctx, r.db, s.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting snapshots: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func encodeEmbedding(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return retrieval.EncodeVector(v)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
