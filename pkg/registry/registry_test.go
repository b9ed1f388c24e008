package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/audit"
	"github.com/hashsentry/hashsentry/pkg/consumer"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/outbox"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
	"github.com/hashsentry/hashsentry/pkg/transport"
	"github.com/hashsentry/hashsentry/pkg/types"
)

func TestCreateCollectorKeyPersistsHashOnly(t *testing.T) {
	store := memstore.New()
	svc := NewService(store)
	ctx := context.Background()

	plaintext, key, err := svc.CreateCollectorKey(ctx, "T1", "S1", "op")
	require.NoError(t, err)

	assert.True(t, len(plaintext) > len(ingest.KeyPrefix))
	assert.Equal(t, ingest.KeyPrefix, plaintext[:len(ingest.KeyPrefix)])
	assert.Equal(t, ingest.HashKey(plaintext), key.KeyHash)
	assert.NotContains(t, key.KeyHash, plaintext[len(ingest.KeyPrefix):])

	stored, err := store.GetCollectorKeyByHash(ctx, ingest.HashKey(plaintext))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)
	assert.False(t, stored.Revoked())

	report, err := audit.Verify(ctx, store, "T1")
	require.NoError(t, err)
	assert.True(t, report.VerifyOK)
	assert.Equal(t, 1, report.Events)
}

func TestRevokeCollectorKey(t *testing.T) {
	store := memstore.New()
	svc := NewService(store)
	ctx := context.Background()

	_, key, err := svc.CreateCollectorKey(ctx, "T1", "S1", "op")
	require.NoError(t, err)
	require.NoError(t, svc.RevokeCollectorKey(ctx, "T1", key.ID, "op"))

	stored, err := store.GetCollectorKey(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, stored.Revoked())

	report, err := audit.Verify(ctx, store, "T1")
	require.NoError(t, err)
	assert.True(t, report.VerifyOK)
	assert.Equal(t, 2, report.Events)
}

// End-to-end backbone: business write with outbox append, poller publish,
// transport delivery, inbox-deduplicated handling, derived view update.
func TestMinerRegistrationReachesPortfolio(t *testing.T) {
	store := memstore.New()
	broker := transport.NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := consumer.NewRuntime("portfolio", store, consumer.NewMemoryLocker(), consumer.Config{
		BackoffBase: time.Millisecond,
	})
	consumer.RegisterPortfolioHandlers(rt)
	go func() {
		_ = rt.Subscribe(ctx, broker, []string{transport.TopicMiner})
	}()

	svc := NewService(store)
	require.NoError(t, svc.RegisterMiner(ctx, &types.Miner{
		ID:       "M7",
		SiteID:   "S1",
		TenantID: "T1",
		Address:  "10.0.0.7:4028",
	}, "op"))

	pub := outbox.NewPublisher(store, broker, outbox.PublisherConfig{PollInterval: 10 * time.Millisecond})
	pub.Cycle()

	require.Eventually(t, func() bool {
		p, err := store.GetPortfolio(ctx, "T1")
		return err == nil && p.MinerCount == 1
	}, 3*time.Second, 10*time.Millisecond, "derived miner count must update within the SLO")

	count, err := store.CountInbox(ctx, "portfolio")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	events, err := store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "published_at must be set after the cycle")

	miners, err := store.MinerIDsBySite(ctx, "S1")
	require.NoError(t, err)
	assert.Contains(t, miners, "M7")
}

func TestRegisterMinerDuplicateRollsBackOutbox(t *testing.T) {
	store := memstore.New()
	svc := NewService(store)
	ctx := context.Background()

	m := &types.Miner{ID: "M1", SiteID: "S1", TenantID: "T1"}
	require.NoError(t, svc.RegisterMiner(ctx, m, "op"))
	require.Error(t, svc.RegisterMiner(ctx, m, "op"), "duplicate registration must fail")

	events, err := store.UnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "failed transaction must not append a second event")
}
