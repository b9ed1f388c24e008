package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/types"
)

func env(id, key string) *types.Envelope {
	return &types.Envelope{EventID: id, Kind: "miner.added", TenantID: key, CreatedAt: time.Now()}
}

func TestMemoryBrokerPreservesPerKeyOrder(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	perKey := map[string][]string{}
	handler := func(ctx context.Context, e *types.Envelope) error {
		mu.Lock()
		perKey[e.TenantID] = append(perKey[e.TenantID], e.EventID)
		mu.Unlock()
		return nil
	}
	go func() { _ = broker.Subscribe(ctx, "g1", []string{TopicMiner}, handler) }()

	// Interleave three keys; per-key order must survive whatever the
	// partitioning does.
	for i := 0; i < 30; i++ {
		key := []string{"A", "B", "C"}[i%3]
		id := string(rune('a' + i/3))
		require.NoError(t, broker.Publish(ctx, TopicMiner, key, env(key+id, key)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(perKey["A"])+len(perKey["B"])+len(perKey["C"]) == 30
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"A", "B", "C"} {
		ids := perKey[key]
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i], "key %s delivered out of order", key)
		}
	}
}

func TestMemoryBrokerRedeliversOnError(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts sync.Map
	done := make(chan struct{})
	handler := func(ctx context.Context, e *types.Envelope) error {
		n, _ := attempts.LoadOrStore(e.EventID, 0)
		attempts.Store(e.EventID, n.(int)+1)
		if n.(int) < 2 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	}
	go func() { _ = broker.Subscribe(ctx, "g1", []string{TopicMiner}, handler) }()

	require.NoError(t, broker.Publish(ctx, TopicMiner, "K", env("E1", "K")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered to success")
	}
	n, _ := attempts.Load("E1")
	assert.Equal(t, 3, n)
}

func TestMemoryBrokerCloseIsIdempotent(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())

	err := broker.Publish(context.Background(), TopicMiner, "K", env("E1", "K"))
	assert.Error(t, err, "publishing after close must fail")
}
