package engine

import (
	"errors"
	"fmt"

	"github.com/kereth/taskvault/internal/task"
)

// Kind classifies a refused or failed transition. Callers branch on this to
// decide retryability; only file-operation failures are safe to retry
// verbatim, because a failed move leaves the source intact.
type Kind string

const (
	// KindInvalidTransition: the requested edge is not in the graph.
	KindInvalidTransition Kind = "invalid-transition"
	// KindFolderMismatch: graph-legal edge, but the destination directory is
	// not licensed for the target state.
	KindFolderMismatch Kind = "folder-mismatch"
	// KindFileOp: the underlying write/rename/remove failed. Retryable.
	KindFileOp Kind = "file-operation"
	// KindApprovalSecurity: an approval-gated edge was attempted without a
	// stamped approval. Fail closed, never auto-retried.
	KindApprovalSecurity Kind = "approval-security"
)

// ErrVanished reports that the source file disappeared before or during the
// move. Another process already relocated it; sweepers treat this as benign.
var ErrVanished = errors.New("engine: task vanished, already handled elsewhere")

// Error is a refused or failed transition with enough context for the
// operator to see which rule was violated.
type Error struct {
	Kind   Kind
	Task   string
	From   task.State
	To     task.State
	Dir    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("engine: %s: task %s: %s -> %s", e.Kind, e.Task, e.From, e.To)
	if e.Dir != "" {
		msg += fmt.Sprintf(" (dir %s)", e.Dir)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the identical call.
func (e *Error) Retryable() bool {
	return e.Kind == KindFileOp
}

// KindOf extracts the Kind from an error chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
