package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobRecord is the journaled view of a job. The in-memory queue manager is
// authoritative while a job is live; the journal outlives it.
type JobRecord struct {
	ID           string
	ClientID     string
	RequestText  string
	State        string
	AgentKind    string
	SnapshotID   string
	Tier         string
	Score        float64
	Result       string
	ErrorKind    string
	ErrorMessage string
	Transitions  []TransitionRecord
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransitionRecord is one state change in a job's history.
type TransitionRecord struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// EventRecord is a persisted lifecycle event. Metadata is stored as JSON.
type EventRecord struct {
	ID        string
	JobID     string
	Seq       int
	From      string
	To        string
	Metadata  string
	EmittedAt time.Time
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
