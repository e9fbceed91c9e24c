package approval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

func newTestGate(t *testing.T, clock *time.Time) (*Gate, *vault.Vault, *auditlog.Logger) {
	t.Helper()
	v, err := vault.Init(t.TempDir())
	require.NoError(t, err)
	log := auditlog.New(filepath.Join(v.Root(), vault.AuditDir), auditlog.WithClock(func() time.Time { return *clock }))
	gate, err := NewGate(v, log, WithClock(func() time.Time { return *clock }), WithTTL(time.Hour))
	require.NoError(t, err)
	return gate, v, log
}

func TestIssueThenApprove(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, _, _ := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "deploy the thing\n", "system")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, issued.Status)
	assert.Equal(t, HashBody("deploy the thing\n"), issued.IntegrityHash)

	now = now.Add(10 * time.Minute)
	decided, err := gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "looks good")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
	assert.Equal(t, "casey", decided.ReviewedBy)
	assert.Equal(t, now, decided.ReviewedAt)

	ok, err := gate.Approved("task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Approved("task-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectRecordsReason(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, _, _ := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "delete production\n", "system")
	require.NoError(t, err)

	decided, err := gate.Decide(issued.ApprovalID, DecisionReject, "casey", "absolutely not")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, decided.Status)
	assert.Equal(t, "absolutely not", decided.RejectionReason)

	ok, err := gate.Approved("task-1")
	require.NoError(t, err)
	assert.False(t, ok, "rejected approval must not authorize the gated edge")
}

func TestTamperedBodyAlwaysRefused(t *testing.T) {
	for _, decision := range []Decision{DecisionApprove, DecisionReject} {
		t.Run(string(decision), func(t *testing.T) {
			now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
			gate, v, _ := newTestGate(t, &now)

			issued, err := gate.Issue("task-1", "original body\n", "system")
			require.NoError(t, err)

			// Mutate the body on disk after issuance.
			path := filepath.Join(v.Dir(transition.DirApprovals), issued.FileName())
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			tampered := strings.Replace(string(data), "original body", "altered body", 1)
			require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

			_, err = gate.Decide(issued.ApprovalID, decision, "casey", "")
			require.ErrorIs(t, err, ErrIntegrityMismatch)

			// Still pending on disk: the refused decision stamped nothing.
			reloaded, err := gate.Load(issued.ApprovalID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, reloaded.Status)
		})
	}
}

func TestExpiredByOneSecondRefused(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, _, _ := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "body\n", "system")
	require.NoError(t, err)

	// Nonce and hash are pristine; one second past expiry still refuses.
	now = issued.ExpiresAt.Add(time.Second)
	_, err = gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "")
	require.ErrorIs(t, err, ErrExpired)

	reloaded, err := gate.Load(issued.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, reloaded.Status)

	// A later decision on the expired record is the no-op kind.
	_, err = gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "")
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDecisionAtExactExpiryRefused(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, _, _ := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "body\n", "system")
	require.NoError(t, err)

	// The expiry must still be in the future when the verdict lands.
	now = issued.ExpiresAt
	_, err = gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "")
	require.ErrorIs(t, err, ErrExpired)

	reloaded, err := gate.Load(issued.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, reloaded.Status)
}

func TestApprovalIsSingleUse(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, _, _ := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "body\n", "system")
	require.NoError(t, err)
	_, err = gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "")
	require.NoError(t, err)

	ok, err := gate.Approved("task-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, gate.Consume("task-1"))
	ok, err = gate.Approved("task-1")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed approval must not authorize another gated move")

	// Nothing left to spend.
	require.ErrorIs(t, gate.Consume("task-1"), ErrNotFound)

	// The consumed stamp survives the round trip to disk.
	reloaded, err := gate.Load(issued.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, reloaded.Status)
	assert.False(t, reloaded.ConsumedAt.IsZero())

	// A task re-entering the gate needs a fresh verdict.
	second, err := gate.Issue("task-1", "body\n", "system")
	require.NoError(t, err)
	_, err = gate.Decide(second.ApprovalID, DecisionApprove, "casey", "")
	require.NoError(t, err)
	ok, err = gate.Approved("task-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMalformedNonceIsSecurityFailure(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, v, _ := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "body\n", "system")
	require.NoError(t, err)

	path := filepath.Join(v.Dir(transition.DirApprovals), issued.FileName())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	broken := strings.Replace(string(data), issued.Nonce, "not-a-uuid", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))

	_, err = gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "")
	require.ErrorIs(t, err, ErrBadNonce)
}

func TestDecideTwiceIsNoOp(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	gate, _, log := newTestGate(t, &now)

	issued, err := gate.Issue("task-1", "body\n", "system")
	require.NoError(t, err)
	_, err = gate.Decide(issued.ApprovalID, DecisionApprove, "casey", "yes")
	require.NoError(t, err)

	entriesBefore, err := auditlog.Read(log.PathFor(now))
	require.NoError(t, err)

	// The nonce is consumed: the second verdict, even the opposite one,
	// changes nothing and writes no new audit entry.
	_, err = gate.Decide(issued.ApprovalID, DecisionReject, "casey", "changed my mind")
	require.ErrorIs(t, err, ErrAlreadyDecided)

	reloaded, err := gate.Load(issued.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, reloaded.Status)

	entriesAfter, err := auditlog.Read(log.PathFor(now))
	require.NoError(t, err)
	assert.Len(t, entriesAfter, len(entriesBefore))
}

func TestRoundTripApprovalFile(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	rec := Record{
		ApprovalID:    "a-1",
		TaskID:        "task-1",
		Nonce:         "3d1f0a48-9a3e-4f6c-b2c1-5d8e7f6a5b4c",
		IntegrityHash: HashBody("payload\n"),
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		Body:          "payload\n",
	}
	data, err := Encode(rec)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}
