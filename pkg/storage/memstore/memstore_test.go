package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

func TestTransactRollbackRestoresEverything(t *testing.T) {
	store := New()
	ctx := context.Background()
	boom := errors.New("abort")

	err := store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.InsertOutbox(&types.OutboxEvent{ID: "E1", Kind: "miner.added", TenantID: "T1", CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.InsertInbox(&types.InboxRecord{ConsumerName: "c", EventID: "E1", ConsumedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.IncrementPortfolio("T1", 1, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, _ := store.UnpublishedOutbox(ctx, 10)
	assert.Empty(t, events)
	_, err = store.GetInbox(ctx, "c", "E1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetPortfolio(ctx, "T1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInboxPrimaryKey(t *testing.T) {
	store := New()
	ctx := context.Background()

	insert := func() error {
		return store.Transact(ctx, func(tx storage.Tx) error {
			return tx.InsertInbox(&types.InboxRecord{ConsumerName: "c", EventID: "E1", ConsumedAt: time.Now()})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), storage.ErrDuplicateKey)

	// A different consumer can record the same event.
	err := store.Transact(ctx, func(tx storage.Tx) error {
		return tx.InsertInbox(&types.InboxRecord{ConsumerName: "other", EventID: "E1", ConsumedAt: time.Now()})
	})
	require.NoError(t, err)
}

func TestUnpublishedOutboxOrdering(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, store.Transact(ctx, func(tx storage.Tx) error {
		offsets := map[string]int{"E1": 0, "E2": 1, "E3": 2}
		for _, id := range []string{"E3", "E1", "E2"} {
			if err := tx.InsertOutbox(&types.OutboxEvent{
				ID: id, Kind: "miner.added", TenantID: "T1",
				CreatedAt: base.Add(time.Duration(offsets[id]) * time.Second),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "E1", events[0].ID)
	assert.Equal(t, "E2", events[1].ID)
	assert.Equal(t, "E3", events[2].ID)

	require.NoError(t, store.MarkPublished(ctx, []string{"E1"}, time.Now()))
	events, err = store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPruneOutboxKeepsUnpublished(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.Transact(ctx, func(tx storage.Tx) error {
		_ = tx.InsertOutbox(&types.OutboxEvent{ID: "old", Kind: "k.x", TenantID: "T", CreatedAt: time.Now()})
		_ = tx.InsertOutbox(&types.OutboxEvent{ID: "new", Kind: "k.x", TenantID: "T", CreatedAt: time.Now()})
		return nil
	}))
	require.NoError(t, store.MarkPublished(ctx, []string{"old"}, time.Now().Add(-8*24*time.Hour)))

	n, err := store.PruneOutbox(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	events, err := store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ID)
}

func TestCommandUniqueConstraints(t *testing.T) {
	store := New()
	ctx := context.Background()

	base := &types.Command{
		ID: "C1", TenantID: "T1", SiteID: "S1", RequesterID: "op",
		CommandType: types.CommandReboot, Status: types.CommandQueued,
		IdempotencyKey: "k1", DispatchNonce: "n1",
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}
	require.NoError(t, store.Transact(ctx, func(tx storage.Tx) error {
		return tx.InsertCommand(base)
	}))

	dupIdem := *base
	dupIdem.ID = "C2"
	dupIdem.DispatchNonce = "n2"
	err := store.Transact(ctx, func(tx storage.Tx) error {
		return tx.InsertCommand(&dupIdem)
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey, "idempotency triple is unique")

	dupNonce := *base
	dupNonce.ID = "C3"
	dupNonce.IdempotencyKey = "k3"
	err = store.Transact(ctx, func(tx storage.Tx) error {
		return tx.InsertCommand(&dupNonce)
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey, "dispatch nonce is unique")
}

func TestFetchQueuedCommandsClaimsAtomically(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Transact(ctx, func(tx storage.Tx) error {
		for _, c := range []*types.Command{
			{ID: "C1", SiteID: "S1", Status: types.CommandQueued, Priority: 1, DispatchNonce: "n1", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
			{ID: "C2", SiteID: "S1", Status: types.CommandQueued, Priority: 5, DispatchNonce: "n2", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
			{ID: "C3", SiteID: "S2", Status: types.CommandQueued, Priority: 9, DispatchNonce: "n3", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		} {
			if err := tx.InsertCommand(c); err != nil {
				return err
			}
		}
		return nil
	}))

	fetched, err := store.FetchQueuedCommands(ctx, "S1", "D1", 10, now)
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, "C2", fetched[0].ID, "higher priority first")
	assert.Equal(t, types.CommandRunning, fetched[0].Status)

	again, err := store.FetchQueuedCommands(ctx, "S1", "D2", 10, now)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed commands are not handed out twice")
}

func TestTelemetryLiveUpsert(t *testing.T) {
	store := New()
	ctx := context.Background()

	write := func(hashrate float64) error {
		return store.Transact(ctx, func(tx storage.Tx) error {
			return tx.UpsertTelemetryLive(&types.TelemetryLive{
				SiteID: "S1", MinerID: "M1",
				Record:    types.TelemetryRecord{MinerID: "M1", Online: true, HashrateGHS: &hashrate},
				UpdatedAt: time.Now(),
			})
		})
	}
	require.NoError(t, write(100))
	require.NoError(t, write(200))

	live, err := store.GetTelemetryLive(ctx, "S1", "M1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, *live.Record.HashrateGHS, "upsert replaces the snapshot")
}
