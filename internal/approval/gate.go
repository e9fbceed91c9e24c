package approval

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

// Failure kinds, checked in precondition order by Decide. The security
// failures are never auto-retried; they may indicate tampering.
var (
	// ErrAlreadyDecided: the record is not pending. A no-op warning for
	// batch callers, not an abort.
	ErrAlreadyDecided = errors.New("approval: already decided")
	// ErrExpired: decision attempted past expires_at.
	ErrExpired = errors.New("approval: expired")
	// ErrBadNonce: the anti-replay token is malformed. Security failure.
	ErrBadNonce = errors.New("approval: malformed nonce")
	// ErrIntegrityMismatch: the body was altered after issuance.
	ErrIntegrityMismatch = errors.New("approval: integrity hash mismatch")
	// ErrNotFound: no approval record exists at the expected location.
	ErrNotFound = errors.New("approval: record not found")
)

// Gate issues and decides approval records stored in the vault's approvals
// directory.
type Gate struct {
	vault *vault.Vault
	audit *auditlog.Logger
	clock func() time.Time
	ttl   time.Duration
}

// Option customizes the gate.
type Option func(*Gate)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithTTL sets how long issued approvals stay decidable.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// NewGate wires a gate to a vault and audit logger.
func NewGate(v *vault.Vault, audit *auditlog.Logger, opts ...Option) (*Gate, error) {
	if v == nil {
		return nil, fmt.Errorf("approval: vault is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("approval: audit logger is required")
	}
	g := &Gate{
		vault: v,
		audit: audit,
		clock: time.Now,
		ttl:   24 * time.Hour,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Issue creates a pending approval for a task: fresh nonce, integrity hash of
// the body frozen at issuance, and an expiry per the gate TTL.
func (g *Gate) Issue(taskID, body, actor string) (Record, error) {
	now := g.clock().UTC()
	rec := Record{
		ApprovalID:    uuid.NewString(),
		TaskID:        taskID,
		Nonce:         uuid.NewString(),
		IntegrityHash: HashBody(body),
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(g.ttl),
		Body:          body,
	}
	if err := g.save(rec); err != nil {
		return Record{}, err
	}
	g.audit.Record(auditlog.Entry{
		Event:   "approval.issued",
		Task:    taskID,
		State:   string(StatusPending),
		Actor:   actor,
		Reason:  "approval " + rec.ApprovalID,
		Outcome: auditlog.OutcomeOK,
	})
	return rec, nil
}

// Load reads one approval record by ID.
func (g *Gate) Load(approvalID string) (Record, error) {
	path := g.path(approvalID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
		}
		return Record{}, fmt.Errorf("approval: read %s: %w", path, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("approval: %s: %w", path, err)
	}
	return rec, nil
}

// Pending lists all pending approval records, oldest first.
func (g *Gate) Pending() ([]Record, error) {
	records, err := g.All()
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All lists every approval record in the approvals directory.
func (g *Gate) All() ([]Record, error) {
	names, err := g.vault.Snapshot(transition.DirApprovals)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, name := range names {
		if !IsApprovalFile(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.vault.Dir(transition.DirApprovals), name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // vanished between listing and read
			}
			return nil, fmt.Errorf("approval: read %s: %w", name, err)
		}
		rec, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("approval: %s: %w", name, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Approved reports whether an unconsumed approved decision exists for the
// task. This is the lookup the engine consults before the gated edge.
func (g *Gate) Approved(taskID string) (bool, error) {
	records, err := g.All()
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.TaskID == taskID && rec.Status == StatusApproved && rec.ConsumedAt.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

// Consume stamps the approved decision that just authorized a gated move.
// Each verdict authorizes exactly one transition; a task that re-enters
// pending-approval needs a fresh one.
func (g *Gate) Consume(taskID string) error {
	records, err := g.All()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.TaskID != taskID || rec.Status != StatusApproved || !rec.ConsumedAt.IsZero() {
			continue
		}
		rec.ConsumedAt = g.clock().UTC()
		if err := g.save(rec); err != nil {
			return err
		}
		g.audit.Record(auditlog.Entry{
			Event:   "approval.consumed",
			Task:    taskID,
			State:   string(rec.Status),
			Actor:   rec.ReviewedBy,
			Reason:  "approval " + rec.ApprovalID,
			Outcome: auditlog.OutcomeOK,
		})
		return nil
	}
	return fmt.Errorf("%w: unconsumed approved record for task %s", ErrNotFound, taskID)
}

// Decide applies a human verdict to a pending approval. Preconditions run in
// order, each with its own failure kind: pending status, unexpired, nonce
// shape, integrity hash. Only when all pass is the decision stamped.
func (g *Gate) Decide(approvalID string, decision Decision, actor, reason string) (Record, error) {
	rec, err := g.Load(approvalID)
	if err != nil {
		return Record{}, err
	}
	now := g.clock().UTC()

	if rec.Status != StatusPending {
		// No second audit entry: deciding twice is a no-op, not an event.
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, approvalID, rec.Status)
	}

	// expires_at must still be in the future at decision time; a verdict at
	// the exact expiry instant is already too late.
	if !now.Before(rec.ExpiresAt) {
		rec.Status = StatusExpired
		if err := g.save(rec); err != nil {
			return Record{}, err
		}
		g.recordSecurity(rec, actor, fmt.Sprintf("decision after expiry (%s)", rec.ExpiresAt.Format(time.RFC3339)))
		return rec, fmt.Errorf("%w: %s expired at %s", ErrExpired, approvalID, rec.ExpiresAt.Format(time.RFC3339))
	}

	if _, err := uuid.Parse(rec.Nonce); err != nil {
		g.recordSecurity(rec, actor, "malformed nonce")
		return rec, fmt.Errorf("%w: %s", ErrBadNonce, approvalID)
	}

	if rec.IntegrityHash != "" && HashBody(rec.Body) != rec.IntegrityHash {
		g.recordSecurity(rec, actor, "body altered after issuance")
		return rec, fmt.Errorf("%w: %s", ErrIntegrityMismatch, approvalID)
	}

	switch decision {
	case DecisionApprove:
		rec.Status = StatusApproved
	case DecisionReject:
		rec.Status = StatusRejected
		rec.RejectionReason = reason
	default:
		return rec, fmt.Errorf("approval: unknown decision %q", decision)
	}
	rec.ReviewedAt = now
	rec.ReviewedBy = actor
	if err := g.save(rec); err != nil {
		return Record{}, err
	}
	g.audit.Record(auditlog.Entry{
		Event:   "approval.decided",
		Task:    rec.TaskID,
		State:   string(rec.Status),
		Actor:   actor,
		Reason:  reason,
		Outcome: auditlog.OutcomeOK,
	})
	return rec, nil
}

func (g *Gate) recordSecurity(rec Record, actor, reason string) {
	// Elevated severity: these may indicate tampering.
	g.audit.Record(auditlog.Entry{
		Event:   "approval.security",
		Task:    rec.TaskID,
		State:   string(rec.Status),
		Actor:   actor,
		Reason:  reason,
		Outcome: auditlog.OutcomeRejected,
	})
}

func (g *Gate) path(approvalID string) string {
	return filepath.Join(g.vault.Dir(transition.DirApprovals), approvalID+FileSuffix)
}

// save writes the record through a hidden temp file and a single rename, so a
// concurrent reader never observes a partially written approval.
func (g *Gate) save(rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	dir := g.vault.Dir(transition.DirApprovals)
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%s-%d", rec.FileName(), g.clock().UnixNano()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("approval: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, g.path(rec.ApprovalID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("approval: rename %s: %w", rec.ApprovalID, err)
	}
	return nil
}
