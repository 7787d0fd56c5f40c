// Package snapshot is the hierarchical similarity cache of computed answers.
//
// A lookup walks four tiers in order and stops at the first hit:
//
//	verbatim    exact folded text, or an exact recorded synonym
//	normalized  exact normalized text
//	gist        exact gist produced by the summarizer
//	vector      cosine nearest neighbour over gist embeddings
//
// Tiers three and four record the resolving text as a synonym of the
// matched snapshot. Writes are check-then-insert under one injected lock.
package snapshot

import (
	"errors"
	"time"

	"github.com/kalambet/genie/internal/gist"
	"github.com/kalambet/genie/internal/normalize"
)

var (
	// ErrCacheBackendUnavailable wraps every storage failure. A failed lookup
	// is never reported as a miss.
	ErrCacheBackendUnavailable = errors.New("cache backend unavailable")
	// ErrEmptyQuestion is returned when saving a snapshot whose question
	// normalizes to nothing.
	ErrEmptyQuestion = errors.New("empty question")
	// ErrDuplicate is returned by Repository.Insert when the verbatim question
	// already has a row.
	ErrDuplicate = errors.New("duplicate snapshot")
)

// Tier names the lookup stage that produced a match.
type Tier string

const (
	TierNone       Tier = ""
	TierVerbatim   Tier = "verbatim"
	TierNormalized Tier = "normalized"
	TierGist       Tier = "gist"
	TierVector     Tier = "vector"
)

// Snapshot is a stored solution. Artifact is opaque to the cache.
type Snapshot struct {
	ID                 string             `json:"id"`
	QuestionVerbatim   string             `json:"question_verbatim"`
	QuestionNormalized string             `json:"question_normalized"`
	Gist               string             `json:"gist,omitempty"`
	GistEmbedding      []float32          `json:"-"`
	Artifact           []byte             `json:"-"`
	AgentKind          string             `json:"agent_kind,omitempty"`
	RunCount           int                `json:"run_count"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Synonyms           map[string]float64 `json:"synonyms,omitempty"`
}

// Match is the outcome of a lookup. A miss has a nil Snapshot.
type Match struct {
	Snapshot       *Snapshot
	Tier           Tier
	Score          float64
	BelowThreshold bool

	// Key and Summary are what the lookup derived from the text, so a later
	// Save of the same request does not recompute them. Summary is zero when
	// the lookup stopped before the gist tier or the summarizer failed.
	Key     normalize.Key
	Summary gist.Summary
}

// Hit reports whether the match cleared the threshold.
func (m Match) Hit() bool {
	return m.Snapshot != nil && !m.BelowThreshold
}

// LookupOptions tunes a single lookup. Threshold is a cosine similarity in
// [0, 1] applied to the vector tier; the exact tiers always score 1.
type LookupOptions struct {
	Threshold       float64
	EnsureTopResult bool
	RecordSynonyms  bool
}
