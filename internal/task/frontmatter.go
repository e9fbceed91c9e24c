package task

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the file did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("task: missing frontmatter")
	// ErrMalformedFrontMatter indicates the metadata block could not be parsed.
	ErrMalformedFrontMatter = errors.New("task: malformed frontmatter")
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Decode parses a task file into a Record. Unknown frontmatter keys are
// rejected rather than ignored; the file read is the trust boundary.
func Decode(content []byte) (Record, error) {
	metaBytes, body, err := splitFrontMatter(content)
	if err != nil {
		return Record{}, err
	}
	var env taskEnvelope
	dec := yaml.NewDecoder(bytes.NewReader(metaBytes))
	dec.KnownFields(true)
	if err := dec.Decode(&env); err != nil {
		return Record{}, fmt.Errorf("task: parse frontmatter: %w", err)
	}
	record, err := env.toRecord(string(body))
	if err != nil {
		return Record{}, err
	}
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Encode renders the record as frontmatter fences plus the body.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var env taskEnvelope
	env.fromRecord(r)
	data, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("task: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n")
	buf.WriteString(r.Body)
	return buf.Bytes(), nil
}

func splitFrontMatter(content []byte) ([]byte, []byte, error) {
	if len(content) == 0 {
		return nil, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, nil, ErrMalformedFrontMatter
	}
	return parts[0], parts[1], nil
}

type historyEnvelope struct {
	State string `yaml:"state"`
	At    string `yaml:"at"`
	Actor string `yaml:"actor"`
}

type taskEnvelope struct {
	TaskID     string            `yaml:"task_id"`
	State      string            `yaml:"state"`
	Priority   int               `yaml:"priority"`
	CreatedAt  string            `yaml:"created_at"`
	ModifiedAt string            `yaml:"modified_at"`
	RetryCount int               `yaml:"retry_count"`
	History    []historyEnvelope `yaml:"state_history"`
}

func (e taskEnvelope) toRecord(body string) (Record, error) {
	if e.TaskID == "" {
		return Record{}, fmt.Errorf("%w: task_id is required", ErrMalformedFrontMatter)
	}
	state, err := ParseState(e.State)
	if err != nil {
		return Record{}, err
	}
	created, err := parseTime(e.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("task %s: created_at: %w", e.TaskID, err)
	}
	modified, err := parseTime(e.ModifiedAt)
	if err != nil {
		return Record{}, fmt.Errorf("task %s: modified_at: %w", e.TaskID, err)
	}
	history := make([]HistoryEntry, 0, len(e.History))
	for i, h := range e.History {
		hs, err := ParseState(h.State)
		if err != nil {
			return Record{}, fmt.Errorf("task %s: history[%d]: %w", e.TaskID, i, err)
		}
		at, err := parseTime(h.At)
		if err != nil {
			return Record{}, fmt.Errorf("task %s: history[%d]: %w", e.TaskID, i, err)
		}
		history = append(history, HistoryEntry{State: hs, At: at, Actor: h.Actor})
	}
	return Record{
		ID:         e.TaskID,
		State:      state,
		Priority:   e.Priority,
		CreatedAt:  created,
		ModifiedAt: modified,
		RetryCount: e.RetryCount,
		History:    history,
		Body:       body,
	}, nil
}

func (e *taskEnvelope) fromRecord(r Record) {
	e.TaskID = r.ID
	e.State = string(r.State)
	e.Priority = r.Priority
	e.CreatedAt = r.CreatedAt.UTC().Format(timeLayout)
	e.ModifiedAt = r.ModifiedAt.UTC().Format(timeLayout)
	e.RetryCount = r.RetryCount
	e.History = make([]historyEnvelope, 0, len(r.History))
	for _, h := range r.History {
		e.History = append(e.History, historyEnvelope{
			State: string(h.State),
			At:    h.At.UTC().Format(timeLayout),
			Actor: h.Actor,
		})
	}
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
