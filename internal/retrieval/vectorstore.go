package retrieval

import (
	"context"
	"time"
)

// VectorIndex ranks stored embeddings by cosine similarity to a query.
//
// The SQLite implementation scans every stored vector.
type VectorIndex interface {
	// Search returns up to topK entries ordered by Score descending. Entries
	// with equal scores are ordered by UpdatedAt descending so the most
	// recently refreshed record wins a tie.
	Search(ctx context.Context, vector []float32, topK int) ([]Scored, error)

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)
}

// Scored is one ranked search hit.
type Scored struct {
	ID        string
	Score     float32
	UpdatedAt time.Time
}

// better reports whether a ranks ahead of b.
func better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
