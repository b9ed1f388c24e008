package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
	"github.com/hashsentry/hashsentry/pkg/types"
)

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		BackoffBase:     time.Millisecond,
		LockTTL:         time.Second,
		HandlerDeadline: 5 * time.Second,
	}
}

func envelope(id, kind, tenant, entity string, payload string) *types.Envelope {
	return &types.Envelope{
		EventID:   id,
		Kind:      kind,
		TenantID:  tenant,
		EntityID:  entity,
		CreatedAt: time.Now().UTC(),
		Payload:   json.RawMessage(payload),
	}
}

func TestExactlyOnceSideEffects(t *testing.T) {
	store := memstore.New()
	rt := NewRuntime("portfolio", store, NewMemoryLocker(), testConfig())
	RegisterPortfolioHandlers(rt)
	ctx := context.Background()

	env := envelope("E1", KindMinerAdded, "T1", "M7", `{"ip":"10.0.0.7"}`)
	for i := 0; i < 5; i++ {
		require.NoError(t, rt.HandleMessage(ctx, env))
	}

	count, err := store.CountInbox(ctx, "portfolio")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "inbox must hold exactly one row regardless of deliveries")

	p, err := store.GetPortfolio(ctx, "T1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.MinerCount, "side effects must equal a single delivery")
}

func TestHandlerSideEffectsRollBackWithInbox(t *testing.T) {
	store := memstore.New()
	rt := NewRuntime("portfolio", store, NewMemoryLocker(), testConfig())

	calls := 0
	rt.On("miner.added", func(ctx context.Context, tx storage.Tx, env *types.Envelope) error {
		calls++
		if err := tx.IncrementPortfolio(env.TenantID, 1, time.Now()); err != nil {
			return err
		}
		if calls < 3 {
			return types.Transient(errors.New("flaky dependency"))
		}
		return nil
	})
	ctx := context.Background()

	require.NoError(t, rt.HandleMessage(ctx, envelope("E2", "miner.added", "T1", "M1", `{}`)))

	assert.Equal(t, 3, calls)
	p, err := store.GetPortfolio(ctx, "T1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.MinerCount, "failed attempts must roll back their increments")

	count, err := store.CountInbox(ctx, "portfolio")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestTransientFailuresDeadLetterAfterMaxRetries(t *testing.T) {
	store := memstore.New()
	rt := NewRuntime("portfolio", store, NewMemoryLocker(), testConfig())

	attempts := 0
	rt.On("miner.added", func(ctx context.Context, tx storage.Tx, env *types.Envelope) error {
		attempts++
		return types.Transient(errors.New("always down"))
	})
	ctx := context.Background()

	require.NoError(t, rt.HandleMessage(ctx, envelope("E3", "miner.added", "T1", "M1", `{}`)))

	assert.Equal(t, 4, attempts, "initial attempt plus MaxRetries retries")

	entries, err := store.ListDLQ(ctx, storage.DLQFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ErrKindTransient, entries[0].ErrorKind)
	assert.Equal(t, "E3", entries[0].EventID)
	assert.Equal(t, "T1", entries[0].TenantID)

	count, err := store.CountInbox(ctx, "portfolio")
	require.NoError(t, err)
	assert.Zero(t, count, "dead-lettered event must leave no inbox row")
}

func TestPoisonEventDeadLettersPermanently(t *testing.T) {
	store := memstore.New()
	rt := NewRuntime("portfolio", store, NewMemoryLocker(), testConfig())
	RegisterPortfolioHandlers(rt)
	ctx := context.Background()

	// Schema violation: ip as integer.
	env := envelope("E4", KindMinerAdded, "T1", "M1", `{"ip": 7}`)
	for i := 0; i < 4; i++ {
		require.NoError(t, rt.HandleMessage(ctx, env))
	}

	entries, err := store.ListDLQ(ctx, storage.DLQFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "repeated deliveries must not duplicate the DLQ row")
	assert.Equal(t, types.ErrKindPermanent, entries[0].ErrorKind)
}

func TestUnknownKindDeadLetters(t *testing.T) {
	store := memstore.New()
	rt := NewRuntime("portfolio", store, NewMemoryLocker(), testConfig())
	ctx := context.Background()

	require.NoError(t, rt.HandleMessage(ctx, envelope("E5", "miner.exploded", "T1", "M1", `{}`)))

	entries, err := store.ListDLQ(ctx, storage.DLQFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ErrKindValidation, entries[0].ErrorKind)
}

func TestLockHeldRequestsRedelivery(t *testing.T) {
	store := memstore.New()
	locker := NewMemoryLocker()
	rt := NewRuntime("portfolio", store, locker, testConfig())
	RegisterPortfolioHandlers(rt)
	ctx := context.Background()

	held, err := locker.TryLock(ctx, "T1:M7", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	err = rt.HandleMessage(ctx, envelope("E6", KindMinerAdded, "T1", "M7", `{"ip":"10.0.0.7"}`))
	assert.ErrorIs(t, err, ErrLockHeld)

	locker.Unlock(ctx, "T1:M7")
	require.NoError(t, rt.HandleMessage(ctx, envelope("E6", KindMinerAdded, "T1", "M7", `{"ip":"10.0.0.7"}`)))
}

func TestPerPartitionOrderPreserved(t *testing.T) {
	store := memstore.New()
	rt := NewRuntime("ordered", store, NewMemoryLocker(), testConfig())

	var seen []string
	rt.On("miner.added", func(ctx context.Context, tx storage.Tx, env *types.Envelope) error {
		seen = append(seen, env.EventID)
		return nil
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env := envelope(fmt.Sprintf("E%02d", i), "miner.added", "T1", "M7", `{}`)
		require.NoError(t, rt.HandleMessage(ctx, env))
	}

	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i], "same-key events must process in order")
	}
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	ok, err := locker.TryLock(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locker.TryLock(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = locker.TryLock(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}
