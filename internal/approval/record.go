// Package approval implements the human sign-off gate: single-use anti-replay
// nonces, content integrity hashes, and the pending/approved/rejected/expired
// record lifecycle. Approval files live in the approvals directory next to
// the tasks awaiting them, under a distinct *.approval.md suffix.
package approval

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kereth/taskvault/internal/task"
)

// Status is the closed set of approval lifecycle states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// FileSuffix distinguishes approval records from task files in the shared
// approvals directory.
const FileSuffix = ".approval.md"

// Record is the on-disk approval request: a frozen copy of the task body plus
// the evidence needed to detect tampering or replay.
type Record struct {
	ApprovalID      string
	TaskID          string
	Nonce           string
	IntegrityHash   string
	Status          Status
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ReviewedAt      time.Time
	ReviewedBy      string
	RejectionReason string
	// ConsumedAt is stamped when the approved decision authorizes its one
	// gated move; a consumed approval never authorizes another.
	ConsumedAt time.Time
	Body       string
}

// FileName returns the canonical on-disk name for the record.
func (r Record) FileName() string {
	return r.ApprovalID + FileSuffix
}

// IsApprovalFile reports whether a directory entry is an approval record.
func IsApprovalFile(name string) bool {
	return strings.HasSuffix(name, FileSuffix)
}

// HashBody computes the content digest used for integrity checks.
func HashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Validate checks structural invariants of a persisted record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ApprovalID) == "" {
		return fmt.Errorf("approval: approval_id is required")
	}
	if strings.TrimSpace(r.TaskID) == "" {
		return fmt.Errorf("approval %s: parent_task is required", r.ApprovalID)
	}
	switch r.Status {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
	default:
		return fmt.Errorf("approval %s: unknown status %q", r.ApprovalID, r.Status)
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("approval %s: expires_at is required", r.ApprovalID)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

type approvalEnvelope struct {
	ApprovalID      string `yaml:"approval_id"`
	ParentTask      string `yaml:"parent_task"`
	Nonce           string `yaml:"nonce"`
	IntegrityHash   string `yaml:"integrity_hash"`
	ApprovalStatus  string `yaml:"approval_status"`
	CreatedAt       string `yaml:"created_at"`
	ExpiresAt       string `yaml:"expires_at"`
	ReviewedAt      string `yaml:"reviewed_at,omitempty"`
	ReviewedBy      string `yaml:"reviewed_by,omitempty"`
	RejectionReason string `yaml:"rejection_reason,omitempty"`
	ConsumedAt      string `yaml:"consumed_at,omitempty"`
}

// Decode parses an approval file. Unknown keys are rejected at the trust
// boundary, same as task files.
func Decode(content []byte) (Record, error) {
	metaBytes, body, err := splitFrontMatter(content)
	if err != nil {
		return Record{}, err
	}
	var env approvalEnvelope
	dec := yaml.NewDecoder(bytes.NewReader(metaBytes))
	dec.KnownFields(true)
	if err := dec.Decode(&env); err != nil {
		return Record{}, fmt.Errorf("approval: parse frontmatter: %w", err)
	}
	created, err := parseTime(env.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("approval %s: created_at: %w", env.ApprovalID, err)
	}
	expires, err := parseTime(env.ExpiresAt)
	if err != nil {
		return Record{}, fmt.Errorf("approval %s: expires_at: %w", env.ApprovalID, err)
	}
	reviewed := time.Time{}
	if strings.TrimSpace(env.ReviewedAt) != "" {
		reviewed, err = parseTime(env.ReviewedAt)
		if err != nil {
			return Record{}, fmt.Errorf("approval %s: reviewed_at: %w", env.ApprovalID, err)
		}
	}
	consumed := time.Time{}
	if strings.TrimSpace(env.ConsumedAt) != "" {
		consumed, err = parseTime(env.ConsumedAt)
		if err != nil {
			return Record{}, fmt.Errorf("approval %s: consumed_at: %w", env.ApprovalID, err)
		}
	}
	r := Record{
		ApprovalID:      env.ApprovalID,
		TaskID:          env.ParentTask,
		Nonce:           env.Nonce,
		IntegrityHash:   env.IntegrityHash,
		Status:          Status(env.ApprovalStatus),
		CreatedAt:       created,
		ExpiresAt:       expires,
		ReviewedAt:      reviewed,
		ReviewedBy:      env.ReviewedBy,
		RejectionReason: env.RejectionReason,
		ConsumedAt:      consumed,
		Body:            string(body),
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Encode renders the record as frontmatter fences plus the frozen body.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	env := approvalEnvelope{
		ApprovalID:      r.ApprovalID,
		ParentTask:      r.TaskID,
		Nonce:           r.Nonce,
		IntegrityHash:   r.IntegrityHash,
		ApprovalStatus:  string(r.Status),
		CreatedAt:       r.CreatedAt.UTC().Format(timeLayout),
		ExpiresAt:       r.ExpiresAt.UTC().Format(timeLayout),
		ReviewedBy:      r.ReviewedBy,
		RejectionReason: r.RejectionReason,
	}
	if !r.ReviewedAt.IsZero() {
		env.ReviewedAt = r.ReviewedAt.UTC().Format(timeLayout)
	}
	if !r.ConsumedAt.IsZero() {
		env.ConsumedAt = r.ConsumedAt.UTC().Format(timeLayout)
	}
	data, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("approval: encode frontmatter: %w", err)
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
		return nil, nil, task.ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, task.ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, nil, task.ErrMalformedFrontMatter
	}
	return parts[0], parts[1], nil
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
