// Package gist reduces requests to a short canonical gist and its embedding,
// the keys behind the similarity cache's gist and vector tiers.
package gist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/genie/internal/normalize"
	"github.com/kalambet/genie/internal/ollama"
	"github.com/kalambet/genie/internal/storage"
)

const summarizeTimeout = 10 * time.Second

var (
	// ErrSummarizationUnavailable means the collaborator could not produce a
	// gist or embedding. Nothing is cached when it is returned.
	ErrSummarizationUnavailable = errors.New("summarization unavailable")
	// ErrEmptyInput is returned for text that normalizes to nothing.
	ErrEmptyInput = errors.New("empty input")
)

// Summary is the gist of a request and the embedding of that gist.
type Summary struct {
	Gist      string
	Embedding []float32
}

// Chatter is the chat completion capability used to produce gists.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Embedder turns a gist into a vector. *retrieval.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer produces gists through a chat model, consulting its own cache
// first by verbatim text and then by normalized text. Concurrent requests
// for the same normalized text share one collaborator call.
type Summarizer struct {
	client   Chatter
	model    string
	embedder Embedder
	store    Store
	minWords int
	group    singleflight.Group
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer. Gists with fewer than minWords words are
// replaced by the normalized request text, or by the verbatim text when the
// normalized form is itself too short.
func NewSummarizer(client Chatter, model string, embedder Embedder, store Store, minWords int) *Summarizer {
	if minWords < 1 {
		minWords = 1
	}
	return &Summarizer{
		client:   client,
		model:    model,
		embedder: embedder,
		store:    store,
		minWords: minWords,
		logger:   slog.Default(),
	}
}

// Summarize returns the gist and embedding for text.
func (s *Summarizer) Summarize(ctx context.Context, text string) (Summary, error) {
	key := normalize.Normalize(text)
	if key.Verbatim == "" {
		return Summary{}, ErrEmptyInput
	}

	if sum, ok := s.cached(ctx, key); ok {
		return sum, nil
	}

	// The flight is shared, so it must outlive the caller that started it.
	v, err, _ := s.group.Do(key.Normalized, func() (any, error) {
		return s.compute(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return Summary{}, err
	}
	sum := v.(Summary)

	// Callers that joined the flight cache under their own verbatim text too.
	if err := s.store.Put(ctx, Entry{Verbatim: key.Verbatim, Normalized: key.Normalized, Gist: sum.Gist, Embedding: sum.Embedding, CreatedAt: time.Now().UTC()}); err != nil {
		s.logger.Warn("caching gist failed", "error", err)
	}
	return sum, nil
}

func (s *Summarizer) cached(ctx context.Context, key normalize.Key) (Summary, bool) {
	e, err := s.store.Get(ctx, key.Verbatim)
	if err == nil {
		return Summary{Gist: e.Gist, Embedding: e.Embedding}, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("gist cache lookup failed", "tier", "verbatim", "error", err)
	}

	e, err = s.store.GetByNormalized(ctx, key.Normalized)
	if err == nil {
		if err := s.store.Put(ctx, Entry{Verbatim: key.Verbatim, Normalized: key.Normalized, Gist: e.Gist, Embedding: e.Embedding, CreatedAt: time.Now().UTC()}); err != nil {
			s.logger.Warn("caching gist failed", "error", err)
		}
		return Summary{Gist: e.Gist, Embedding: e.Embedding}, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("gist cache lookup failed", "tier", "normalized", "error", err)
	}
	return Summary{}, false
}

func (s *Summarizer) compute(ctx context.Context, key normalize.Key) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	raw, err := s.client.Chat(ctx, s.model, buildPrompt(key.Verbatim), gistSchema())
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrSummarizationUnavailable, err)
	}
	var out struct {
		Gist string `json:"gist"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Summary{}, fmt.Errorf("%w: malformed gist response: %w", ErrSummarizationUnavailable, err)
	}

	gist := normalize.Normalize(out.Gist).Normalized
	if len(strings.Fields(gist)) < s.minWords {
		s.logger.Debug("gist too short, using request text", "gist", gist)
		gist = key.Normalized
		if len(strings.Fields(gist)) < s.minWords {
			gist = key.Verbatim
		}
	}

	vec, err := s.embedder.Embed(ctx, gist)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrSummarizationUnavailable, err)
	}
	return Summary{Gist: gist, Embedding: vec}, nil
}

const systemPrompt = `You reduce a user's request to its gist: the shortest canonical phrase that says what is being asked.
Rules:
- 2 to 8 words, lower case, no trailing punctuation.
- Write numbers as digits and operations as words, e.g. "square root of 144", "sum of 2 and 2".
- Two requests asking the same thing must get the same gist, however they are worded.
Respond with JSON: {"gist": "..."}`

func buildPrompt(text string) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}
}

func gistSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"gist": {Type: "string", Description: "Canonical 2-8 word phrase of the request"},
		},
		Required: []string{"gist"},
	}
}
