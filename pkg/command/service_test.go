package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/audit"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
	"github.com/hashsentry/hashsentry/pkg/types"
)

func seed(t *testing.T) (*memstore.Store, *types.EdgeDevice) {
	t.Helper()
	store := memstore.New()
	device := &types.EdgeDevice{
		ID:         "D1",
		SiteID:     "S1",
		TenantID:   "T1",
		Name:       "rack-agent",
		HMACSecret: []byte("device shared secret"),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Transact(context.Background(), func(tx storage.Tx) error {
		return tx.InsertEdgeDevice(device)
	}))
	return store, device
}

func createParams() CreateParams {
	return CreateParams{
		TenantID:    "T1",
		SiteID:      "S1",
		RequesterID: "op-1",
		Type:        types.CommandReboot,
		Scope:       types.ScopeMiner,
		TargetIDs:   []string{"M-A", "M-B"},
		Payload:     json.RawMessage(`{"delay":0}`),
		TTL:         5 * time.Minute,
	}
}

func TestCreateSignsAndQueues(t *testing.T) {
	store, device := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	cmd, err := svc.Create(ctx, createParams())
	require.NoError(t, err)

	assert.Equal(t, types.CommandQueued, cmd.Status)
	assert.NotEmpty(t, cmd.DispatchNonce)
	assert.Len(t, cmd.Signature, 64)
	assert.True(t, Verify(DeriveSigningKey(device.HMACSecret), cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload, cmd.Signature))

	// Creation is audit-chained and appends an outbox event.
	report, err := audit.Verify(ctx, store, "T1")
	require.NoError(t, err)
	assert.True(t, report.VerifyOK)
	assert.Equal(t, 1, report.Events)

	events, err := store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ops.command_created", events[0].Kind)
}

func TestCreateIdempotency(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.IdempotencyKey = "retry-safe"

	first, err := svc.Create(ctx, p)
	require.NoError(t, err)
	second, err := svc.Create(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "identical idempotency triple returns the same command")

	// A different requester with the same key gets a fresh row.
	p.RequesterID = "op-2"
	third, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateCanonicalizesSynonyms(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.Type = "restart"
	cmd, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, types.CommandReboot, cmd.CommandType)

	p.Type = "self_destruct"
	_, err = svc.Create(ctx, p)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestApprovalFlow(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.RequireApproval = true
	cmd, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, types.CommandPendingApproval, cmd.Status)

	// Unapproved commands are invisible to the edge.
	fetched, err := svc.Fetch(ctx, "S1", "D1", 0)
	require.NoError(t, err)
	assert.Empty(t, fetched)

	approved, err := svc.Approve(ctx, cmd.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandQueued, approved.Status)
	assert.Equal(t, "admin-1", approved.ApprovedBy)

	_, err = svc.Approve(ctx, cmd.ID, "admin-1")
	assert.ErrorIs(t, err, ErrBadState, "approval is not repeatable")
}

func TestCommandRoundTripAggregation(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	cmd, err := svc.Create(ctx, createParams())
	require.NoError(t, err)

	fetched, err := svc.Fetch(ctx, "S1", "D1", 0)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, types.CommandRunning, fetched[0].Status)
	assert.Equal(t, "D1", fetched[0].FetchedBy)

	// Miner A succeeds.
	after, err := svc.ReportResult(ctx, cmd.ID, "D1", ResultReport{
		DispatchNonce: cmd.DispatchNonce,
		MinerID:       "M-A",
		Status:        types.ResultSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, types.CommandRunning, after.Status, "half-reported command stays running")

	// Miner B fails; the aggregate fails.
	after, err = svc.ReportResult(ctx, cmd.ID, "D1", ResultReport{
		DispatchNonce: cmd.DispatchNonce,
		MinerID:       "M-B",
		Status:        types.ResultFailed,
		Message:       "device rejected restart",
	})
	require.NoError(t, err)
	assert.Equal(t, types.CommandFailed, after.Status)

	results, err := store.ResultsForCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Audit chain holds create and complete, and verifies.
	report, err := audit.Verify(ctx, store, "T1")
	require.NoError(t, err)
	assert.True(t, report.VerifyOK)
	assert.Equal(t, 2, report.Events)
}

func TestReportResultRejectsReplayAndBadNonce(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.TargetIDs = []string{"M-A"}
	cmd, err := svc.Create(ctx, p)
	require.NoError(t, err)

	_, err = svc.Fetch(ctx, "S1", "D1", 0)
	require.NoError(t, err)

	_, err = svc.ReportResult(ctx, cmd.ID, "D1", ResultReport{
		DispatchNonce: "forged-nonce",
		MinerID:       "M-A",
		Status:        types.ResultSucceeded,
	})
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = svc.ReportResult(ctx, cmd.ID, "D1", ResultReport{
		DispatchNonce: cmd.DispatchNonce,
		MinerID:       "M-A",
		Status:        types.ResultSucceeded,
	})
	require.NoError(t, err)

	// The nonce is now terminal; echoing it again is a replay.
	_, err = svc.ReportResult(ctx, cmd.ID, "D1", ResultReport{
		DispatchNonce: cmd.DispatchNonce,
		MinerID:       "M-A",
		Status:        types.ResultSucceeded,
	})
	assert.ErrorIs(t, err, ErrReplay)
}

func TestFetchSkipsExpiredAndForeignSites(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.TTL = time.Millisecond
	_, err := svc.Create(ctx, p)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fetched, err := svc.Fetch(ctx, "S1", "D1", 0)
	require.NoError(t, err)
	assert.Empty(t, fetched, "expired commands are never dispatched")

	fetched, err = svc.Fetch(ctx, "S2", "D1", 0)
	require.NoError(t, err)
	assert.Empty(t, fetched, "other sites see nothing")
}

func TestSweeperExpiresOverdueCommands(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.TTL = time.Millisecond
	cmd, err := svc.Create(ctx, p)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	NewSweeper(store, time.Minute).Sweep()

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CommandExpired, got.Status)
}

func TestSweeperRevertsStaleRunning(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	p := createParams()
	p.TTL = 10 * time.Millisecond
	cmd, err := svc.Create(ctx, p)
	require.NoError(t, err)

	fetched, err := svc.Fetch(ctx, "S1", "D1", 0)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	// Wait past RUNNING_TIMEOUT = 5×TTL, then run only the revert step. The
	// command is also past expiry, so a full Sweep would expire it right
	// after the revert; this test checks the revert alone.
	time.Sleep(60 * time.Millisecond)
	_, err = store.RevertStaleRunning(ctx, time.Now().UTC(), MaxRefetch)
	require.NoError(t, err)

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CommandQueued, got.Status)
	assert.Equal(t, 1, got.RefetchCount)
	assert.Empty(t, got.FetchedBy)
}

func TestCancelOnlyBeforeRunning(t *testing.T) {
	store, _ := seed(t)
	svc := NewService(store, 0)
	ctx := context.Background()

	cmd, err := svc.Create(ctx, createParams())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, cmd.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, cmd.ID, "op-1")
	assert.ErrorIs(t, err, ErrBadState, "terminal states are frozen")
}
