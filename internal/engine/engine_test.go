package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/task"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

type fixture struct {
	vault *vault.Vault
	audit *auditlog.Logger
	eng   *Engine
	clock time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	v, err := vault.Init(t.TempDir())
	if err != nil {
		t.Fatalf("init vault: %v", err)
	}
	f := &fixture{
		vault: v,
		clock: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	f.audit = auditlog.New(filepath.Join(v.Root(), vault.AuditDir), auditlog.WithClock(func() time.Time { return f.clock }))
	opts = append([]Option{WithClock(func() time.Time { return f.clock })}, opts...)
	f.eng, err = New(v, f.audit, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return f
}

func (f *fixture) seed(t *testing.T, id string, state task.State) vault.Located {
	t.Helper()
	rec := task.New(id, 1, "do the thing\n", "system", f.clock.Add(-time.Hour))
	// Walk the history forward so the record is structurally valid in any state.
	if state != task.StateEntry {
		rec = rec.Advanced(state, "system", f.clock.Add(-time.Minute))
	}
	loc, err := f.vault.Create(rec)
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return loc
}

func TestMoveSuccess(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateEntry)
	srcPath := loc.Path(f.vault)

	moved, err := f.eng.Move(loc, MoveRequest{To: task.StateNeedsAction, Actor: "system", Reason: "intake"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(srcPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source still present after move")
	}
	destPath := moved.Path(f.vault)
	if _, err := os.Stat(destPath); err != nil {
		t.Fatalf("destination missing: %v", err)
	}

	reloaded, err := f.vault.Load(transition.DirNeedsAction, "t-1.md")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, want := len(reloaded.Record.History), len(loc.Record.History)+1; got != want {
		t.Fatalf("history length = %d, want %d", got, want)
	}
	last := reloaded.Record.History[len(reloaded.Record.History)-1]
	if last.State != task.StateNeedsAction {
		t.Fatalf("last history state = %s, want needs-action", last.State)
	}

	entries, err := auditlog.Read(f.audit.PathFor(f.clock))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != auditlog.OutcomeOK {
		t.Fatalf("expected one ok audit entry, got %+v", entries)
	}
}

func TestMoveRefusesIllegalEdge(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateEntry)

	_, err := f.eng.Move(loc, MoveRequest{To: task.StateDone, Actor: "system"})
	if KindOf(err) != KindInvalidTransition {
		t.Fatalf("kind = %q, want invalid-transition (err=%v)", KindOf(err), err)
	}
	// The source is untouched and the refusal is on the audit trail.
	if _, statErr := os.Stat(loc.Path(f.vault)); statErr != nil {
		t.Fatalf("source disturbed by refused move: %v", statErr)
	}
	entries, readErr := auditlog.Read(f.audit.PathFor(f.clock))
	if readErr != nil {
		t.Fatalf("read audit: %v", readErr)
	}
	if len(entries) != 1 || entries[0].Outcome != auditlog.OutcomeRejected {
		t.Fatalf("expected one rejected audit entry, got %+v", entries)
	}
}

func TestMoveRefusesUnlicensedDirectory(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateNeedsAction)

	// in-progress is graph-legal from needs-action, but not in the entry dir.
	_, err := f.eng.Move(loc, MoveRequest{To: task.StateInProgress, Dir: transition.DirEntry, Actor: "system"})
	if KindOf(err) != KindFolderMismatch {
		t.Fatalf("kind = %q, want folder-mismatch (err=%v)", KindOf(err), err)
	}
}

func TestMoveFailureLeavesSourceIntact(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission-based failure injection does not work as root")
	}
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateEntry)
	srcPath := loc.Path(f.vault)
	before, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}

	destDir := f.vault.Dir(transition.DirNeedsAction)
	if err := os.Chmod(destDir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(destDir, 0o755) })

	_, err = f.eng.Move(loc, MoveRequest{To: task.StateNeedsAction, Actor: "system"})
	if KindOf(err) != KindFileOp {
		t.Fatalf("kind = %q, want file-operation (err=%v)", KindOf(err), err)
	}
	var engErr *Error
	if !errors.As(err, &engErr) || !engErr.Retryable() {
		t.Fatalf("file-operation failures must be retryable: %v", err)
	}

	after, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("source missing after failed move: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("source changed by failed move")
	}
	if _, err := os.Stat(filepath.Join(destDir, "t-1.md")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("destination file exists after failed move")
	}
}

func TestMoveFailsWhenSourceCannotBeClaimed(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission-based failure injection does not work as root")
	}
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateEntry)
	srcDir := f.vault.Dir(transition.DirEntry)
	srcPath := loc.Path(f.vault)
	before, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}

	// A read-only source directory fails the claim rename before anything
	// is written anywhere.
	if err := os.Chmod(srcDir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(srcDir, 0o755) })

	_, err = f.eng.Move(loc, MoveRequest{To: task.StateNeedsAction, Actor: "system"})
	if KindOf(err) != KindFileOp {
		t.Fatalf("kind = %q, want file-operation (err=%v)", KindOf(err), err)
	}

	after, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("source missing after failed claim: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("source changed by failed move")
	}
	if _, err := os.Stat(filepath.Join(f.vault.Dir(transition.DirNeedsAction), "t-1.md")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("destination file exists after failed move")
	}
}

func TestMoveVanishedSourceIsBenign(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateNeedsAction)

	// Another process got there first.
	if err := os.Remove(loc.Path(f.vault)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err := f.eng.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "system"})
	if !errors.Is(err, ErrVanished) {
		t.Fatalf("err = %v, want ErrVanished", err)
	}
}

// Two processes race the same task to the same destination. The loser must
// come away empty-handed without disturbing the winner's committed move.
func TestLosingRacerLeavesWinnerIntact(t *testing.T) {
	v, err := vault.Init(t.TempDir())
	if err != nil {
		t.Fatalf("init vault: %v", err)
	}
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	audit := auditlog.New(filepath.Join(v.Root(), vault.AuditDir), auditlog.WithClock(func() time.Time { return base }))
	winner, err := New(v, audit, WithClock(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("new winner: %v", err)
	}

	rec := task.New("t-1", 1, "do the thing\n", "system", base.Add(-time.Hour))
	rec = rec.Advanced(task.StateNeedsAction, "system", base.Add(-time.Minute))
	loc, err := v.Create(rec)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The loser's clock callback slips the winner's entire move in after the
	// loser has validated the edge but before it touches the filesystem.
	raced := false
	loser, err := New(v, audit, WithClock(func() time.Time {
		if !raced {
			raced = true
			if _, err := winner.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "winner"}); err != nil {
				t.Fatalf("winner move: %v", err)
			}
		}
		return base
	}))
	if err != nil {
		t.Fatalf("new loser: %v", err)
	}

	_, err = loser.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "loser"})
	if !errors.Is(err, ErrVanished) {
		t.Fatalf("err = %v, want ErrVanished", err)
	}

	// The task is in exactly one place: the winner's destination.
	if _, err := os.Stat(loc.Path(v)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source resurrected by losing racer")
	}
	reloaded, err := v.Load(transition.DirInProgress, "t-1.md")
	if err != nil {
		t.Fatalf("winner's destination file destroyed by losing racer: %v", err)
	}
	last := reloaded.Record.History[len(reloaded.Record.History)-1]
	if last.Actor != "winner" {
		t.Fatalf("destination carries actor %q, want the winner's entry", last.Actor)
	}
}

func TestGatedEdgeRequiresApproval(t *testing.T) {
	approved := false
	f := newFixture(t, WithApprovalCheck(func(string) (bool, error) { return approved, nil }))
	loc := f.seed(t, "t-1", task.StatePendingApproval)

	_, err := f.eng.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "casey"})
	if KindOf(err) != KindApprovalSecurity {
		t.Fatalf("kind = %q, want approval-security (err=%v)", KindOf(err), err)
	}

	approved = true
	if _, err := f.eng.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "casey"}); err != nil {
		t.Fatalf("approved move: %v", err)
	}
}

func TestGatedMoveConsumesApproval(t *testing.T) {
	grants := 1
	f := newFixture(t,
		WithApprovalCheck(func(string) (bool, error) { return grants > 0, nil }),
		WithApprovalConsumer(func(string) error { grants--; return nil }),
	)
	loc := f.seed(t, "t-1", task.StatePendingApproval)

	moved, err := f.eng.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "casey"})
	if err != nil {
		t.Fatalf("approved move: %v", err)
	}

	// Around the loop once more: the spent verdict must not authorize a
	// second gated move.
	back, err := f.eng.Move(moved, MoveRequest{To: task.StatePendingApproval, Actor: "casey"})
	if err != nil {
		t.Fatalf("re-gate: %v", err)
	}
	_, err = f.eng.Move(back, MoveRequest{To: task.StateInProgress, Actor: "casey"})
	if KindOf(err) != KindApprovalSecurity {
		t.Fatalf("kind = %q, want approval-security (err=%v)", KindOf(err), err)
	}
}

func TestGatedEdgeWithoutGateFailsClosed(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StatePendingApproval)
	_, err := f.eng.Move(loc, MoveRequest{To: task.StateInProgress, Actor: "casey"})
	if KindOf(err) != KindApprovalSecurity {
		t.Fatalf("kind = %q, want approval-security (err=%v)", KindOf(err), err)
	}
}

func TestRetryPolicyEnforced(t *testing.T) {
	f := newFixture(t, WithRetryPolicy(3, true))
	loc := f.seed(t, "t-1", task.StateErrorQueue)

	_, err := f.eng.Move(loc, MoveRequest{To: task.StateFailed, Actor: "system"})
	if KindOf(err) != KindInvalidTransition {
		t.Fatalf("kind = %q, want invalid-transition (err=%v)", KindOf(err), err)
	}

	loc.Record.RetryCount = 3
	if _, err := f.eng.Move(loc, MoveRequest{To: task.StateFailed, Actor: "system"}); err != nil {
		t.Fatalf("exhausted move to failed: %v", err)
	}
}

func TestRetryCountBumpsOnRequeue(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateErrorQueue)

	moved, err := f.eng.Move(loc, MoveRequest{To: task.StateNeedsAction, Actor: "system"})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved.Record.RetryCount != loc.Record.RetryCount+1 {
		t.Fatalf("retry count = %d, want %d", moved.Record.RetryCount, loc.Record.RetryCount+1)
	}
}

func TestErrorQueueMayStayInNeedsActionDir(t *testing.T) {
	f := newFixture(t)
	loc := f.seed(t, "t-1", task.StateNeedsAction)

	// error-queue is dual-licensed; leaving the file in place is legal.
	moved, err := f.eng.Move(loc, MoveRequest{To: task.StateErrorQueue, Dir: transition.DirNeedsAction, Actor: "system"})
	if err != nil {
		t.Fatalf("in-place move: %v", err)
	}
	if moved.Dir != transition.DirNeedsAction {
		t.Fatalf("dir = %s, want needs-action", moved.Dir)
	}
	reloaded, err := f.vault.Load(transition.DirNeedsAction, "t-1.md")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Record.State != task.StateErrorQueue {
		t.Fatalf("state = %s, want error-queue", reloaded.Record.State)
	}
}
