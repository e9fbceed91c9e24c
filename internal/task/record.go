// Package task models one work item: a frontmatter metadata block plus a
// free-form body. The engine relocates and hashes the body but never parses it.
package task

import (
	"fmt"
	"strings"
	"time"
)

// HistoryEntry records one transition in a task's life.
type HistoryEntry struct {
	State State     `yaml:"state"`
	At    time.Time `yaml:"at"`
	Actor string    `yaml:"actor"`
}

// Record is the in-memory form of one task file.
type Record struct {
	ID         string
	State      State
	Priority   int
	CreatedAt  time.Time
	ModifiedAt time.Time
	RetryCount int
	History    []HistoryEntry
	Body       string
}

// New builds a fresh record in the entry state with a single history entry.
func New(id string, priority int, body string, actor string, now time.Time) Record {
	now = now.UTC()
	return Record{
		ID:         id,
		State:      StateEntry,
		Priority:   priority,
		CreatedAt:  now,
		ModifiedAt: now,
		History:    []HistoryEntry{{State: StateEntry, At: now, Actor: actor}},
		Body:       body,
	}
}

// Validate checks the structural invariants every persisted record must hold.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("task: id is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("task: unknown state %q", r.State)
	}
	if len(r.History) == 0 {
		return fmt.Errorf("task %s: state history is empty", r.ID)
	}
	var prev time.Time
	for i, entry := range r.History {
		if !entry.State.Valid() {
			return fmt.Errorf("task %s: history[%d] has unknown state %q", r.ID, i, entry.State)
		}
		if entry.At.Before(prev) {
			return fmt.Errorf("task %s: history[%d] timestamp moves backwards", r.ID, i)
		}
		prev = entry.At
	}
	if last := r.History[len(r.History)-1].State; last != r.State {
		return fmt.Errorf("task %s: state %s does not match last history entry %s", r.ID, r.State, last)
	}
	return nil
}

// Advanced returns a copy of the record moved to the target state, with the
// history extended by exactly one entry. It does not consult the transition
// graph; that is the engine's job.
func (r Record) Advanced(to State, actor string, now time.Time) Record {
	now = now.UTC()
	next := r.Clone()
	next.State = to
	next.ModifiedAt = now
	next.History = append(next.History, HistoryEntry{State: to, At: now, Actor: actor})
	return next
}

// Clone returns a deep copy so callers can mutate without aliasing history.
func (r Record) Clone() Record {
	out := r
	out.History = make([]HistoryEntry, len(r.History))
	copy(out.History, r.History)
	return out
}

// FileName returns the canonical on-disk name for the record.
func (r Record) FileName() string {
	return r.ID + ".md"
}
