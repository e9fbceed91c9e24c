// Package auditor re-checks a vault against the canonical transition table.
// It is advisory and read-only: it catches drift introduced by manual edits
// or bugs elsewhere, off the transition hot path. It never mutates files.
package auditor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kereth/taskvault/internal/approval"
	"github.com/kereth/taskvault/internal/task"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

// Rules an offending file can break.
const (
	RuleUnparseable    = "unparseable"
	RuleDirMismatch    = "directory-state-mismatch"
	RuleHistoryOrder   = "history-out-of-order"
	RuleHistoryTail    = "history-tail-disagrees"
	RuleIllegalEdge    = "illegal-recorded-edge"
	RuleRetryShortfall = "failed-without-exhausted-retries"
	RuleStaleApproval  = "pending-approval-past-expiry"
)

// Violation names one offending file and the specific rule it broke.
type Violation struct {
	File   string
	Rule   string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.File, v.Rule, v.Detail)
}

// Report is the outcome of one full vault walk.
type Report struct {
	Scanned    int
	Violations []Violation
}

// Clean reports whether the walk found nothing wrong.
func (r Report) Clean() bool {
	return len(r.Violations) == 0
}

// Auditor walks a vault with its own copy of the transition table.
type Auditor struct {
	vault      *vault.Vault
	edges      map[task.State]map[task.State]bool
	maxRetries int
	now        func() time.Time
}

// Option customizes the auditor.
type Option func(*Auditor)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(a *Auditor) {
		if clock != nil {
			a.now = clock
		}
	}
}

// New builds an auditor over a vault. maxRetries mirrors the engine's retry
// budget so the failed-state invariant is checked against the same number.
func New(v *vault.Vault, maxRetries int, opts ...Option) *Auditor {
	// Re-derive the allowed-edge sets from the one canonical table. The
	// auditor never calls the engine's validator at check time.
	edges := make(map[task.State]map[task.State]bool)
	for from, tos := range transition.Edges() {
		set := make(map[task.State]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		edges[from] = set
	}
	a := &Auditor{vault: v, edges: edges, maxRetries: maxRetries, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run walks every state directory and returns the violations found.
func (a *Auditor) Run() (Report, error) {
	var report Report
	for _, dir := range transition.StateDirs() {
		names, err := a.vault.Snapshot(dir)
		if err != nil {
			return Report{}, err
		}
		for _, name := range names {
			rel := filepath.Join(dir, name)
			data, err := os.ReadFile(filepath.Join(a.vault.Dir(dir), name))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue // relocated between listing and read
				}
				return Report{}, fmt.Errorf("auditor: read %s: %w", rel, err)
			}
			report.Scanned++
			if dir == transition.DirApprovals && approval.IsApprovalFile(name) {
				report.Violations = append(report.Violations, a.checkApproval(rel, data)...)
				continue
			}
			report.Violations = append(report.Violations, a.checkTask(rel, dir, data)...)
		}
	}
	return report, nil
}

func (a *Auditor) checkTask(rel, dir string, data []byte) []Violation {
	rec, err := task.Decode(data)
	if err != nil {
		// Decode also enforces history ordering and the declared-state/tail
		// agreement; report those under their own rules when we can tell.
		return []Violation{classifyDecodeError(rel, err)}
	}
	var out []Violation
	if !transition.Licensed(rec.State, dir) {
		out = append(out, Violation{
			File:   rel,
			Rule:   RuleDirMismatch,
			Detail: fmt.Sprintf("declares state %s but resides in %s (licensed: %s)", rec.State, dir, strings.Join(transition.FoldersFor(rec.State), ", ")),
		})
	}
	for i := 1; i < len(rec.History); i++ {
		from, to := rec.History[i-1].State, rec.History[i].State
		if !a.edges[from][to] {
			out = append(out, Violation{
				File:   rel,
				Rule:   RuleIllegalEdge,
				Detail: fmt.Sprintf("history records %s -> %s, not a legal edge", from, to),
			})
		}
	}
	if rec.State == task.StateFailed && rec.RetryCount < a.maxRetries {
		out = append(out, Violation{
			File:   rel,
			Rule:   RuleRetryShortfall,
			Detail: fmt.Sprintf("failed with retry_count %d, budget is %d", rec.RetryCount, a.maxRetries),
		})
	}
	return out
}

func (a *Auditor) checkApproval(rel string, data []byte) []Violation {
	rec, err := approval.Decode(data)
	if err != nil {
		return []Violation{{File: rel, Rule: RuleUnparseable, Detail: err.Error()}}
	}
	if rec.Status == approval.StatusPending && !a.now().Before(rec.ExpiresAt) {
		return []Violation{{
			File:   rel,
			Rule:   RuleStaleApproval,
			Detail: fmt.Sprintf("still pending, expired at %s", rec.ExpiresAt.Format(time.RFC3339)),
		}}
	}
	return nil
}

func classifyDecodeError(rel string, err error) Violation {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timestamp moves backwards"):
		return Violation{File: rel, Rule: RuleHistoryOrder, Detail: msg}
	case strings.Contains(msg, "does not match last history entry"):
		return Violation{File: rel, Rule: RuleHistoryTail, Detail: msg}
	default:
		return Violation{File: rel, Rule: RuleUnparseable, Detail: msg}
	}
}
