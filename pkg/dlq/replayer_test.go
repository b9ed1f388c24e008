package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/consumer"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
	"github.com/hashsentry/hashsentry/pkg/transport"
	"github.com/hashsentry/hashsentry/pkg/types"
)

func seedDLQ(t *testing.T, store *memstore.Store, id, kind, consumerName string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.InsertDLQ(context.Background(), &types.DLQEntry{
		ID:            consumerName + ":" + id,
		ConsumerName:  consumerName,
		EventID:       id,
		EventKind:     kind,
		TenantID:      "T1",
		EntityID:      "M7",
		Payload:       json.RawMessage(`{"ip":"10.0.0.7"}`),
		ErrorKind:     types.ErrKindTransient,
		ErrorDetail:   "db down",
		RetryCount:    4,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}))
}

func TestStatsAndListFilter(t *testing.T) {
	store := memstore.New()
	seedDLQ(t, store, "E1", "miner.added", "portfolio")
	seedDLQ(t, store, "E2", "miner.added", "portfolio")
	seedDLQ(t, store, "E3", "treasury.payout", "billing")

	r := NewReplayer(store, transport.NewMemoryBroker())
	ctx := context.Background()

	stats, err := r.Stats(ctx, storage.DLQFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 2, stats.Breakdown["portfolio/miner.added"])

	entries, err := r.List(ctx, storage.DLQFilter{ConsumerName: "billing"}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "E3", entries[0].EventID)
}

func TestReplayDryRunHasNoSideEffects(t *testing.T) {
	store := memstore.New()
	seedDLQ(t, store, "E1", "miner.added", "portfolio")

	r := NewReplayer(store, transport.NewMemoryBroker())
	outcome, err := r.Replay(context.Background(), storage.DLQFilter{}, 0, true)
	require.NoError(t, err)

	assert.True(t, outcome.DryRun)
	assert.Equal(t, 1, outcome.Matched)
	assert.Zero(t, outcome.Replayed)

	entry, err := store.GetDLQ(context.Background(), "portfolio:E1")
	require.NoError(t, err)
	assert.False(t, entry.Replayed)
}

// Replay restores processing: once the cause is fixed, the inbox row
// appears and the entry is marked replayed but kept for audit.
func TestReplayRestoresProcessing(t *testing.T) {
	store := memstore.New()
	broker := transport.NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedDLQ(t, store, "E1", consumer.KindMinerAdded, "portfolio")

	rt := consumer.NewRuntime("portfolio", store, consumer.NewMemoryLocker(), consumer.Config{
		BackoffBase: time.Millisecond,
	})
	consumer.RegisterPortfolioHandlers(rt)
	go func() { _ = rt.Subscribe(ctx, broker, []string{transport.TopicMiner}) }()

	r := NewReplayer(store, broker)
	outcome, err := r.Replay(ctx, storage.DLQFilter{}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Replayed)

	require.Eventually(t, func() bool {
		n, err := store.CountInbox(ctx, "portfolio")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond, "replayed event must be processed")

	entry, err := store.GetDLQ(ctx, "portfolio:E1")
	require.NoError(t, err)
	assert.True(t, entry.Replayed)
	assert.NotNil(t, entry.ReplayedAt)

	// No new DLQ row appeared.
	stats, err := store.StatsDLQ(ctx, storage.DLQFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total)

	// Replaying again matches nothing: the filter excludes replayed rows.
	outcome, err = r.Replay(ctx, storage.DLQFilter{}, 0, false)
	require.NoError(t, err)
	assert.Zero(t, outcome.Matched)
}
