package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/genie/internal/gist"
	"github.com/kalambet/genie/internal/normalize"
	"github.com/kalambet/genie/internal/storage"
)

// Summarizer produces the gist and embedding for the last two tiers.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (gist.Summary, error)
}

// Config holds the configurable thresholds.
type Config struct {
	Threshold       float64
	AdminThreshold  float64
	EnsureTopResult bool
}

// Stats counts lookup outcomes since start.
type Stats struct {
	Verbatim       int64 `json:"verbatim"`
	Normalized     int64 `json:"normalized"`
	Gist           int64 `json:"gist"`
	Vector         int64 `json:"vector"`
	BelowThreshold int64 `json:"below_threshold"`
	Misses         int64 `json:"misses"`
	Snapshots      int   `json:"snapshots"`
}

type counters struct {
	verbatim, normalized, gist, vector, below, misses atomic.Int64
}

// Cache is the similarity cache. It is safe for concurrent use; the only
// serialized section is the check-then-insert inside Save.
type Cache struct {
	repo       Repository
	summarizer Summarizer
	lock       sync.Locker
	ids        *IDGenerator
	now        func() time.Time
	cfg        Config
	counts     counters
	logger     *slog.Logger
}

// NewCache creates a Cache over repo. summarizer may be nil, in which case
// only the verbatim and normalized tiers are consulted. lock guards
// check-then-insert; nil means a private mutex.
func NewCache(repo Repository, summarizer Summarizer, lock sync.Locker, cfg Config) *Cache {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Cache{
		repo:       repo,
		summarizer: summarizer,
		lock:       lock,
		ids:        NewIDGenerator(),
		now:        time.Now,
		cfg:        cfg,
		logger:     slog.Default(),
	}
}

// DefaultLookup is the options programmatic callers use.
func (c *Cache) DefaultLookup() LookupOptions {
	return LookupOptions{Threshold: c.cfg.Threshold, EnsureTopResult: c.cfg.EnsureTopResult, RecordSynonyms: true}
}

// AdminLookup is the looser discovery lookup. It never records synonyms.
func (c *Cache) AdminLookup() LookupOptions {
	return LookupOptions{Threshold: c.cfg.AdminThreshold, EnsureTopResult: true}
}

// Lookup resolves text against the cache.
func (c *Cache) Lookup(ctx context.Context, text string, opts LookupOptions) (Match, error) {
	key := normalize.Normalize(text)
	m := Match{Key: key}
	if key.Verbatim == "" {
		c.counts.misses.Add(1)
		return m, nil
	}

	s, err := c.find(ctx, c.repo.FindByVerbatim, key.Verbatim)
	if err == nil && s == nil {
		s, err = c.find(ctx, c.repo.FindBySynonym, key.Verbatim)
	}
	if err != nil {
		return m, err
	}
	if s != nil {
		c.counts.verbatim.Add(1)
		return c.hit(m, s, TierVerbatim, 1), nil
	}

	if s, err = c.find(ctx, c.repo.FindByNormalized, key.Normalized); err != nil {
		return m, err
	}
	if s != nil {
		c.counts.normalized.Add(1)
		return c.hit(m, s, TierNormalized, 1), nil
	}

	if c.summarizer == nil {
		c.counts.misses.Add(1)
		return m, nil
	}
	sum, err := c.summarizer.Summarize(ctx, text)
	if err != nil {
		c.logger.Warn("summarizer unavailable, lookup limited to exact tiers", "error", err)
		c.counts.misses.Add(1)
		return m, nil
	}
	m.Summary = sum

	if s, err = c.find(ctx, c.repo.FindByGist, sum.Gist); err != nil {
		return m, err
	}
	if s != nil {
		c.counts.gist.Add(1)
		c.recordLookupSynonym(ctx, s, key.Verbatim, 1, opts)
		return c.hit(m, s, TierGist, 1), nil
	}

	return c.nearest(ctx, m, opts)
}

func (c *Cache) nearest(ctx context.Context, m Match, opts LookupOptions) (Match, error) {
	if len(m.Summary.Embedding) == 0 {
		c.counts.misses.Add(1)
		return m, nil
	}
	scored, err := c.repo.Nearest(ctx, m.Summary.Embedding, 1)
	if err != nil {
		return m, fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	if len(scored) == 0 {
		c.counts.misses.Add(1)
		return m, nil
	}
	top := scored[0]
	s, err := c.find(ctx, c.repo.Get, top.ID)
	if err != nil {
		return m, err
	}
	if s == nil {
		// Invalidated between the scan and the read.
		c.counts.misses.Add(1)
		return m, nil
	}

	score := float64(top.Score)
	if score >= opts.Threshold {
		c.counts.vector.Add(1)
		c.recordLookupSynonym(ctx, s, m.Key.Verbatim, score, opts)
		return c.hit(m, s, TierVector, score), nil
	}
	if opts.EnsureTopResult {
		c.counts.below.Add(1)
		m = c.hit(m, s, TierVector, score)
		m.BelowThreshold = true
		return m, nil
	}
	c.counts.misses.Add(1)
	return m, nil
}

func (c *Cache) hit(m Match, s *Snapshot, tier Tier, score float64) Match {
	m.Snapshot, m.Tier, m.Score = s, tier, score
	return m
}

// find adapts a repository finder: a miss is (nil, nil) and any other
// failure is ErrCacheBackendUnavailable.
func (c *Cache) find(ctx context.Context, fn func(context.Context, string) (*Snapshot, error), arg string) (*Snapshot, error) {
	s, err := fn(ctx, arg)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	return s, nil
}

func (c *Cache) recordLookupSynonym(ctx context.Context, s *Snapshot, verbatim string, score float64, opts LookupOptions) {
	if !opts.RecordSynonyms || verbatim == s.QuestionVerbatim {
		return
	}
	if err := c.repo.UpsertSynonym(ctx, s.ID, verbatim, score, c.now()); err != nil {
		c.logger.Warn("recording synonym failed", "snapshot_id", s.ID, "error", err)
		return
	}
	if s.Synonyms == nil {
		s.Synonyms = make(map[string]float64)
	}
	s.Synonyms[verbatim] = score
}

// Save upserts a snapshot by id or verbatim question. An existing row has
// its run count incremented, updated_at refreshed, synonyms merged and, when
// in carries one, its artifact replaced. A new row starts with run count 1.
func (c *Cache) Save(ctx context.Context, in Snapshot) (Snapshot, error) {
	key := normalize.Normalize(in.QuestionVerbatim)
	if key.Verbatim == "" {
		return Snapshot{}, ErrEmptyQuestion
	}
	in.QuestionVerbatim, in.QuestionNormalized = key.Verbatim, key.Normalized
	in.Synonyms = foldSynonyms(in.Synonyms, key.Verbatim)

	if in.Gist == "" && c.summarizer != nil {
		sum, err := c.summarizer.Summarize(ctx, key.Verbatim)
		if err != nil {
			c.logger.Warn("storing snapshot without gist", "error", err)
		} else {
			in.Gist, in.GistEmbedding = sum.Gist, sum.Embedding
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.now().UTC()
	cur, err := c.existing(ctx, in)
	if err != nil {
		return Snapshot{}, err
	}
	if cur != nil {
		return c.merge(ctx, cur, in, now)
	}

	if in.ID == "" {
		in.ID = c.ids.New(key.Verbatim)
	}
	in.RunCount = 1
	in.CreatedAt, in.UpdatedAt = now, now
	err = c.repo.Insert(ctx, &in)
	if errors.Is(err, ErrDuplicate) {
		// Another writer sharing the database got there first.
		if cur, err = c.find(ctx, c.repo.FindByVerbatim, key.Verbatim); err != nil {
			return Snapshot{}, err
		}
		if cur == nil {
			return Snapshot{}, fmt.Errorf("%w: duplicate %q vanished", ErrCacheBackendUnavailable, key.Verbatim)
		}
		return c.merge(ctx, cur, in, now)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	return in, nil
}

func (c *Cache) existing(ctx context.Context, in Snapshot) (*Snapshot, error) {
	if in.ID != "" {
		cur, err := c.find(ctx, c.repo.Get, in.ID)
		if cur != nil || err != nil {
			return cur, err
		}
	}
	return c.find(ctx, c.repo.FindByVerbatim, in.QuestionVerbatim)
}

func (c *Cache) merge(ctx context.Context, cur *Snapshot, in Snapshot, now time.Time) (Snapshot, error) {
	cur.RunCount++
	cur.UpdatedAt = now
	if len(in.Artifact) > 0 {
		cur.Artifact = in.Artifact
	}
	if in.AgentKind != "" {
		cur.AgentKind = in.AgentKind
	}
	if cur.Gist == "" && in.Gist != "" {
		cur.Gist, cur.GistEmbedding = in.Gist, in.GistEmbedding
	}
	if cur.Synonyms == nil {
		cur.Synonyms = make(map[string]float64)
	}
	for text, score := range in.Synonyms {
		if text != cur.QuestionVerbatim {
			cur.Synonyms[text] = score
		}
	}
	if err := c.repo.Update(ctx, cur); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	return *cur, nil
}

// foldSynonyms returns a copy of syn keyed by verbatim form, without the
// snapshot's own question.
func foldSynonyms(syn map[string]float64, own string) map[string]float64 {
	out := make(map[string]float64, len(syn))
	for text, score := range syn {
		if v := normalize.Verbatim(text); v != "" && v != own {
			out[v] = score
		}
	}
	return out
}

// RecordSynonym records text as resolving to snapshot id. Repeats update the
// score. The snapshot's own question is never recorded.
func (c *Cache) RecordSynonym(ctx context.Context, id, text string, score float64) error {
	verbatim := normalize.Verbatim(text)
	if verbatim == "" {
		return ErrEmptyQuestion
	}
	s, err := c.find(ctx, c.repo.Get, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("snapshot %s: %w", id, storage.ErrNotFound)
	}
	if verbatim == s.QuestionVerbatim {
		return nil
	}
	if err := c.repo.UpsertSynonym(ctx, id, verbatim, score, c.now()); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	return nil
}

// MarkHit counts a replay of snapshot id.
func (c *Cache) MarkHit(ctx context.Context, id string) error {
	return c.backendErr(id, c.repo.IncrementRunCount(ctx, id, c.now()))
}

// Invalidate removes snapshot id and its synonyms.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	return c.backendErr(id, c.repo.Delete(ctx, id))
}

func (c *Cache) backendErr(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("snapshot %s: %w", id, storage.ErrNotFound)
	default:
		return fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
}

// Get returns snapshot id.
func (c *Cache) Get(ctx context.Context, id string) (*Snapshot, error) {
	s, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, c.backendErr(id, err)
	}
	return s, nil
}

// List returns up to limit snapshots, most recently updated first.
func (c *Cache) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	out, err := c.repo.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	return out, nil
}

// Stats reports lookup counters and the number of stored snapshots.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	n, err := c.repo.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrCacheBackendUnavailable, err)
	}
	return Stats{
		Verbatim:       c.counts.verbatim.Load(),
		Normalized:     c.counts.normalized.Load(),
		Gist:           c.counts.gist.Load(),
		Vector:         c.counts.vector.Load(),
		BelowThreshold: c.counts.below.Load(),
		Misses:         c.counts.misses.Load(),
		Snapshots:      n,
	}, nil
}
