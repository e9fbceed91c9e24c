// Package auditlog appends one immutable JSON record per transition attempt
// to a per-day file. Entries are written for rejected attempts too; a refused
// transition is itself a security-relevant event.
package auditlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Outcome values recorded per entry.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Entry is one self-contained audit record.
type Entry struct {
	TS      time.Time `json:"ts"`
	Event   string    `json:"event"`
	Task    string    `json:"task"`
	State   string    `json:"state,omitempty"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	Outcome string    `json:"outcome"`
}

// Logger appends entries under <dir>/YYYY-MM-DD.jsonl. Each append is a
// single write of one full line, so concurrent processes can share a day
// file without interleaving partial records.
type Logger struct {
	dir    string
	now    func() time.Time
	onFail func(error)
}

// Option customizes the logger.
type Option func(*Logger)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithFailureHandler routes append failures to a secondary channel. Logging
// failures must never block a transition that otherwise succeeded.
func WithFailureHandler(fn func(error)) Option {
	return func(l *Logger) {
		if fn != nil {
			l.onFail = fn
		}
	}
}

// New creates a logger writing into the given audit directory.
func New(dir string, opts ...Option) *Logger {
	l := &Logger{
		dir:    dir,
		now:    time.Now,
		onFail: func(error) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one entry. It never returns an error; failures go to the
// failure handler so the transition outcome is not held hostage by the log.
func (l *Logger) Record(e Entry) {
	if l == nil {
		return
	}
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	} else {
		e.TS = e.TS.UTC()
	}
	if err := l.append(e); err != nil {
		l.onFail(fmt.Errorf("auditlog: %w", err))
	}
}

// PathFor returns the day file an entry with the given timestamp lands in.
func (l *Logger) PathFor(ts time.Time) string {
	return filepath.Join(l.dir, ts.UTC().Format("2006-01-02")+".jsonl")
}

func (l *Logger) append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	f, err := os.OpenFile(l.PathFor(e.TS), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	// One write call per entry keeps concurrent appenders line-atomic.
	if _, err := f.Write(line); err != nil {
		return err
	}
	return nil
}

// Read returns the entries of the day file for ts, oldest first. Consumers
// read this stream; nothing in the engine ever rewrites it.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: read %s: %w", path, err)
	}
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("auditlog: parse %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
