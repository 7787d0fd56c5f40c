package gist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/genie/internal/retrieval"
	"github.com/kalambet/genie/internal/storage"
)

// Entry is one cached summarization.
type Entry struct {
	Verbatim   string
	Normalized string
	Gist       string
	Embedding  []float32
	CreatedAt  time.Time
}

// Store persists summarizations. Both getters return storage.ErrNotFound on
// a miss.
type Store interface {
	Get(ctx context.Context, verbatim string) (Entry, error)
	GetByNormalized(ctx context.Context, normalized string) (Entry, error)
	Put(ctx context.Context, e Entry) error
}

// SQLiteStore keeps summarizations in the gist_cache table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, verbatim string) (Entry, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT verbatim, normalized, gist, embedding, created_at FROM gist_cache WHERE verbatim = ?`, verbatim))
}

func (s *SQLiteStore) GetByNormalized(ctx context.Context, normalized string) (Entry, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT verbatim, normalized, gist, embedding, created_at FROM gist_cache
		 WHERE normalized = ? ORDER BY created_at DESC LIMIT 1`, normalized))
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gist_cache (verbatim, normalized, gist, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(verbatim) DO UPDATE SET
			normalized = excluded.normalized,
			gist = excluded.gist,
			embedding = excluded.embedding,
			created_at = excluded.created_at`,
		e.Verbatim, e.Normalized, e.Gist, retrieval.EncodeVector(e.Embedding), e.CreatedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("caching gist: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scan(row *sql.Row) (Entry, error) {
	var e Entry
	var blob []byte
	var createdAt int64
	err := row.Scan(&e.Verbatim, &e.Normalized, &e.Gist, &blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading gist cache: %w", err)
	}
	if e.Embedding, err = retrieval.DecodeVector(blob); err != nil {
		return Entry{}, fmt.Errorf("reading gist cache: %w", err)
	}
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	return e, nil
}
