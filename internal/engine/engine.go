// Package engine implements the atomic relocation primitive. A transition
// first claims the source file by renaming it to a hidden name, then surfaces
// the updated task file in the destination directory via one rename. No lock
// manager exists; the source-side rename is the arbitration point between
// concurrent processes, and the loser fails with nothing to undo.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/logging"
	"github.com/kereth/taskvault/internal/task"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

// ApprovalCheck reports whether an approved decision is on record for the
// task. Wired from the approval store; nil disables gated edges entirely.
type ApprovalCheck func(taskID string) (bool, error)

// ApprovalConsume marks the approved decision spent once the gated move it
// authorized has committed. Each decision authorizes exactly one transition.
type ApprovalConsume func(taskID string) error

// Engine performs validated, audited, atomic task relocations.
type Engine struct {
	vault        *vault.Vault
	audit        *auditlog.Logger
	ops          *logging.Logger
	approved     ApprovalCheck
	consume      ApprovalConsume
	clock        func() time.Time
	maxRetries   int
	enforceRetry bool
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithOpsLogger routes warnings and secondary-channel failures to a file log.
func WithOpsLogger(ops *logging.Logger) Option {
	return func(e *Engine) {
		e.ops = ops
	}
}

// WithApprovalCheck wires the approval gate lookup for gated edges.
func WithApprovalCheck(check ApprovalCheck) Option {
	return func(e *Engine) {
		e.approved = check
	}
}

// WithApprovalConsumer wires the single-use stamp applied after a gated move
// commits. Without it an approval would keep authorizing moves forever.
func WithApprovalConsumer(consume ApprovalConsume) Option {
	return func(e *Engine) {
		e.consume = consume
	}
}

// WithRetryPolicy sets the retry budget and whether the engine refuses a
// move to failed before the budget is spent (versus only warning).
func WithRetryPolicy(maxRetries int, enforce bool) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.enforceRetry = enforce
	}
}

// New wires an engine to a vault and an audit logger.
func New(v *vault.Vault, audit *auditlog.Logger, opts ...Option) (*Engine, error) {
	if v == nil {
		return nil, fmt.Errorf("engine: vault is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("engine: audit logger is required")
	}
	e := &Engine{
		vault:      v,
		audit:      audit,
		clock:      time.Now,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MoveRequest describes one requested transition.
type MoveRequest struct {
	To     task.State
	Reason string
	Actor  string
	// Dir overrides the destination directory. Empty means the target
	// state's primary directory. A dir not licensed for the target state is
	// refused even when the edge itself is legal.
	Dir string
}

// Move relocates a task to a new state. On success the source file is gone
// and the destination file carries the state history extended by exactly one
// entry. On failure the source is untouched and no destination file exists.
func (e *Engine) Move(loc vault.Located, req MoveRequest) (vault.Located, error) {
	rec := loc.Record
	actor := req.Actor
	if actor == "" {
		actor = "system"
	}

	if !transition.IsAllowed(rec.State, req.To) {
		return e.reject(&Error{
			Kind:   KindInvalidTransition,
			Task:   rec.ID,
			From:   rec.State,
			To:     req.To,
			Reason: fmt.Sprintf("edge %s -> %s is not in the transition graph", rec.State, req.To),
		}, actor, req.Reason)
	}

	destDir := req.Dir
	if destDir == "" {
		destDir = transition.PrimaryFolder(req.To)
	}
	if !transition.Licensed(req.To, destDir) {
		return e.reject(&Error{
			Kind:   KindFolderMismatch,
			Task:   rec.ID,
			From:   rec.State,
			To:     req.To,
			Dir:    destDir,
			Reason: fmt.Sprintf("directory %s is not licensed for state %s", destDir, req.To),
		}, actor, req.Reason)
	}

	if req.To == task.StateFailed && rec.RetryCount < e.maxRetries {
		reason := fmt.Sprintf("retry budget not exhausted (%d of %d)", rec.RetryCount, e.maxRetries)
		if e.enforceRetry {
			return e.reject(&Error{
				Kind:   KindInvalidTransition,
				Task:   rec.ID,
				From:   rec.State,
				To:     req.To,
				Reason: reason,
			}, actor, req.Reason)
		}
		e.ops.Warnf("task %s moved to failed with %s", rec.ID, reason)
	}

	gated := rec.State == task.StatePendingApproval && req.To == task.StateInProgress
	if gated {
		if err := e.requireApproval(rec.ID); err != nil {
			if secErr, ok := err.(*Error); ok {
				return e.reject(secErr, actor, req.Reason)
			}
			return vault.Located{}, err
		}
	}

	next := rec.Advanced(req.To, actor, e.clock())
	if rec.State == task.StateErrorQueue && req.To == task.StateNeedsAction {
		// Going back for another attempt costs one retry.
		next.RetryCount++
	}
	data, err := task.Encode(next)
	if err != nil {
		return vault.Located{}, err
	}

	srcPath := loc.Path(e.vault)
	finalPath := filepath.Join(e.vault.Dir(destDir), next.FileName())
	claimPath := filepath.Join(filepath.Dir(srcPath), fmt.Sprintf(".claim-%s-%d", rec.FileName(), e.clock().UnixNano()))

	// Claiming the source is the arbitration point: of any processes racing
	// the same task, exactly one wins this rename. The loser has written
	// nothing yet, so a committed move by the winner stays untouched.
	if err := os.Rename(srcPath, claimPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.ops.Printf("task %s: lost relocation race for %s", rec.ID, srcPath)
			return vault.Located{}, fmt.Errorf("%w: %s", ErrVanished, srcPath)
		}
		return e.fail(rec, req, actor, destDir, fmt.Errorf("claim source: %w", err))
	}

	tmpPath := filepath.Join(e.vault.Dir(destDir), fmt.Sprintf(".tmp-%s-%d", next.FileName(), e.clock().UnixNano()))
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		e.restore(rec.ID, claimPath, srcPath)
		return e.fail(rec, req, actor, destDir, fmt.Errorf("write temp: %w", err))
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		e.restore(rec.ID, claimPath, srcPath)
		return e.fail(rec, req, actor, destDir, fmt.Errorf("rename into place: %w", err))
	}
	if err := os.Remove(claimPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// The move is committed and the leftover is hidden from snapshots.
		e.ops.Warnf("task %s: leftover claim file %s: %v", rec.ID, claimPath, err)
	}

	if gated && e.consume != nil {
		if err := e.consume(rec.ID); err != nil {
			e.ops.Errorf("task %s: consume approval: %v", rec.ID, err)
		}
	}

	e.audit.Record(auditlog.Entry{
		Event:   "task.moved",
		Task:    rec.ID,
		State:   string(req.To),
		Actor:   actor,
		Reason:  req.Reason,
		Outcome: auditlog.OutcomeOK,
	})
	return vault.Located{Record: next, Dir: destDir}, nil
}

// restore puts the claimed source file back after a failed relocation, so
// the caller may retry verbatim.
func (e *Engine) restore(id, claimPath, srcPath string) {
	if err := os.Rename(claimPath, srcPath); err != nil {
		e.ops.Errorf("task %s: restore source %s: %v", id, srcPath, err)
	}
}

func (e *Engine) requireApproval(taskID string) error {
	if e.approved == nil {
		return &Error{
			Kind:   KindApprovalSecurity,
			Task:   taskID,
			From:   task.StatePendingApproval,
			To:     task.StateInProgress,
			Reason: "no approval gate configured for a gated edge",
		}
	}
	ok, err := e.approved(taskID)
	if err != nil {
		return fmt.Errorf("engine: approval lookup for %s: %w", taskID, err)
	}
	if !ok {
		return &Error{
			Kind:   KindApprovalSecurity,
			Task:   taskID,
			From:   task.StatePendingApproval,
			To:     task.StateInProgress,
			Reason: "no approved decision on record",
		}
	}
	return nil
}

// reject audits a refused transition and returns the typed error. Refusals
// are auditable events, not just caller feedback.
func (e *Engine) reject(engErr *Error, actor, reason string) (vault.Located, error) {
	if reason == "" {
		reason = engErr.Reason
	} else {
		reason = reason + "; " + engErr.Reason
	}
	e.audit.Record(auditlog.Entry{
		Event:   "task.move.rejected",
		Task:    engErr.Task,
		State:   string(engErr.To),
		Actor:   actor,
		Reason:  reason,
		Outcome: auditlog.OutcomeRejected,
	})
	return vault.Located{}, engErr
}

// fail audits an infrastructure failure. The move contract guarantees the
// source is intact at this point, so the caller may retry verbatim.
func (e *Engine) fail(rec task.Record, req MoveRequest, actor, destDir string, err error) (vault.Located, error) {
	engErr := &Error{
		Kind: KindFileOp,
		Task: rec.ID,
		From: rec.State,
		To:   req.To,
		Dir:  destDir,
		Err:  err,
	}
	e.audit.Record(auditlog.Entry{
		Event:   "task.move.failed",
		Task:    rec.ID,
		State:   string(req.To),
		Actor:   actor,
		Reason:  err.Error(),
		Outcome: auditlog.OutcomeError,
	})
	return vault.Located{}, engErr
}
