// Package agent defines the executor contract every specialized computation
// implements and the Dispatcher that picks and runs one for a request.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/genie/internal/normalize"
)

// ClientContext is the optional prior context a caller attaches to a request.
type ClientContext struct {
	ClientID     string `json:"client_id,omitempty"`
	LastQuestion string `json:"last_question,omitempty"`
}

// Request is an accepted, immutable request.
type Request struct {
	Text      string
	Key       normalize.Key
	ArrivedAt time.Time
	Context   ClientContext
}

// NewRequest stamps and normalizes text.
func NewRequest(text string, cc ClientContext) Request {
	return Request{
		Text:      text,
		Key:       normalize.Normalize(text),
		ArrivedAt: time.Now().UTC(),
		Context:   cc,
	}
}

// Normalized returns the normalized key, deriving it if the request was built
// by hand.
func (r Request) Normalized() string {
	if r.Key.Normalized != "" || r.Text == "" {
		return r.Key.Normalized
	}
	return normalize.Normalize(r.Text).Normalized
}

// Artifact is the output of an agent. The zero value is the empty artifact.
type Artifact struct {
	Answer      string            `json:"answer,omitempty"`
	Code        string            `json:"code,omitempty"`
	Explanation string            `json:"explanation,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether the artifact carries no output at all.
func (a Artifact) IsEmpty() bool {
	return strings.TrimSpace(a.Answer) == "" &&
		strings.TrimSpace(a.Code) == "" &&
		strings.TrimSpace(a.Explanation) == "" &&
		len(a.Extra) == 0
}

// Encode serializes the artifact for storage.
func (a Artifact) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeArtifact parses an artifact previously produced by Encode.
func DecodeArtifact(b []byte) (Artifact, error) {
	var a Artifact
	if len(b) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return Artifact{}, fmt.Errorf("decoding artifact: %w", err)
	}
	return a, nil
}

// Agent is one specialized executor, registered under its Kind.
type Agent interface {
	Kind() string
	Accepts(req Request) bool
	Execute(ctx context.Context, req Request) (Artifact, error)
}

// Formatter is an optional capability: agents implementing it shape a stored
// artifact before it is replayed for a new request.
type Formatter interface {
	Format(stored Artifact, req Request) (Artifact, error)
}

// Result is a successful execution.
type Result struct {
	Artifact  Artifact
	AgentKind string
	Duration  time.Duration
}
