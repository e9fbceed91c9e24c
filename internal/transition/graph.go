// Package transition holds the canonical state graph: which lifecycle edges
// are legal, and which vault directories each state is licensed to occupy.
// Both the engine and the stand-alone auditor consult this one table; neither
// carries a private copy.
package transition

import "github.com/kereth/taskvault/internal/task"

// Well-known state directory names inside a vault. The engine never creates
// or deletes these; vault initialization owns the layout.
const (
	DirEntry       = "entry"
	DirNeedsAction = "needs-action"
	DirInProgress  = "in-progress"
	DirDone        = "done"
	DirApprovals   = "approvals"
	DirErrors      = "errors"
)

// edges is the single source of truth for legal lifecycle transitions.
// Terminal states carry an explicit empty set so "not listed" and "terminal"
// stay distinguishable from a table bug.
var edges = map[task.State][]task.State{
	task.StateEntry:           {task.StateNeedsAction, task.StatePendingApproval},
	task.StateNeedsAction:     {task.StateInProgress, task.StatePendingApproval, task.StateErrorQueue},
	task.StateInProgress:      {task.StateDone, task.StatePendingApproval, task.StateErrorQueue},
	task.StatePendingApproval: {task.StateInProgress, task.StateRejected},
	task.StateErrorQueue:      {task.StateNeedsAction, task.StateFailed},
	task.StateApproved:        {},
	task.StateDone:            {},
	task.StateRejected:        {},
	task.StateFailed:          {},
}

// folders licenses each state to one or more directories. error-queue files
// are valid both in the errors area and left in place under needs-action.
var folders = map[task.State][]string{
	task.StateEntry:           {DirEntry},
	task.StateNeedsAction:     {DirNeedsAction},
	task.StateInProgress:      {DirInProgress},
	task.StatePendingApproval: {DirApprovals},
	task.StateApproved:        {DirApprovals},
	task.StateRejected:        {DirApprovals},
	task.StateDone:            {DirDone},
	task.StateErrorQueue:      {DirErrors, DirNeedsAction},
	task.StateFailed:          {DirErrors},
}

// IsAllowed reports whether from -> to is a legal edge. Self transitions and
// anything involving an unrecognized state are always refused.
func IsAllowed(from, to task.State) bool {
	if from == to {
		return false
	}
	if !from.Valid() || !to.Valid() {
		return false
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Targets returns the allowed next states for a given state.
func Targets(from task.State) []task.State {
	out := make([]task.State, len(edges[from]))
	copy(out, edges[from])
	return out
}

// FoldersFor returns the directories a state may physically occupy.
func FoldersFor(state task.State) []string {
	out := make([]string, len(folders[state]))
	copy(out, folders[state])
	return out
}

// Licensed reports whether a state may reside in the named directory.
func Licensed(state task.State, dir string) bool {
	for _, d := range folders[state] {
		if d == dir {
			return true
		}
	}
	return false
}

// PrimaryFolder returns the directory a state is relocated into. The first
// licensed directory is canonical; secondary entries only legitimize files
// found in place.
func PrimaryFolder(state task.State) string {
	if f := folders[state]; len(f) > 0 {
		return f[0]
	}
	return ""
}

// StateDirs returns every distinct state directory name.
func StateDirs() []string {
	return []string{DirEntry, DirNeedsAction, DirInProgress, DirDone, DirApprovals, DirErrors}
}

// Edges exposes a copy of the full table so auditors and tests can verify
// they run against the same graph the engine enforces.
func Edges() map[task.State][]task.State {
	out := make(map[task.State][]task.State, len(edges))
	for from, tos := range edges {
		cp := make([]task.State, len(tos))
		copy(cp, tos)
		out[from] = cp
	}
	return out
}
