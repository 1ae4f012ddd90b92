package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"powersched/internal/schedule"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON rules document + jsonl fire history
//   - "sqlite": SQLite database file
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	PollInterval time.Duration // sqlite change detection; 0 means 2s
}

// Store is the persistence API used by the rule set and the engine.
type Store interface {
	// LoadRules returns the persisted rules in order. A missing store yields
	// an empty result. Records that fail validation are reported in
	// Loaded.Invalid instead of failing the whole load.
	LoadRules(ctx context.Context) (Loaded, error)
	// SaveRules replaces the persisted rules atomically. Records that a load
	// would skip as invalid stay in the store at their positions.
	SaveRules(ctx context.Context, rules []schedule.Schedule) error
	AppendFire(ctx context.Context, f FireRecord) error
	// RecentFires returns up to limit records, newest first.
	RecentFires(ctx context.Context, limit int) ([]FireRecord, error)
	Close() error
}

// Watcher is implemented by stores that can report external changes.
// Watch blocks until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type Loaded struct {
	Rules   []schedule.Schedule
	Invalid []InvalidRecord
}

// InvalidRecord describes a persisted rule that was skipped.
type InvalidRecord struct {
	Index int
	Raw   string
	Err   error
}

func (r InvalidRecord) Error() string {
	return fmt.Sprintf("rule #%d: %v", r.Index+1, r.Err)
}

// FireRecord is one dispatch attempt.
type FireRecord struct {
	At         time.Time `json:"at"`
	RuleID     string    `json:"rule_id"`
	Action     string    `json:"action"`
	Minute     string    `json:"minute"` // HH:MM
	Stamp      string    `json:"stamp"`  // YYYYMMDDHHMM
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func (f FireRecord) OK() bool { return f.Error == "" }

// decodeRules decodes each raw record on its own so one bad record does not
// hide the rest.
func decodeRules(raws []json.RawMessage) Loaded {
	out := Loaded{Rules: make([]schedule.Schedule, 0, len(raws))}
	for i, raw := range raws {
		var s schedule.Schedule
		err := json.Unmarshal(raw, &s)
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			out.Invalid = append(out.Invalid, InvalidRecord{Index: i, Raw: string(raw), Err: err})
			continue
		}
		out.Rules = append(out.Rules, s)
	}
	return out
}

// withSkipped encodes rules and puts the invalid records found in the
// current store back at their original positions.
func withSkipped(rules []schedule.Schedule, skipped []InvalidRecord) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rules)+len(skipped))
	next := 0
	for _, r := range rules {
		for next < len(skipped) && skipped[next].Index <= len(out) {
			out = append(out, json.RawMessage(skipped[next].Raw))
			next++
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	for ; next < len(skipped); next++ {
		out = append(out, json.RawMessage(skipped[next].Raw))
	}
	return out, nil
}
