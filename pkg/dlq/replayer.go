// Package dlq provides the operator surface over dead-lettered events:
// stats, listing, and replay back onto the original topics.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/transport"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Replayer re-injects dead-lettered events.
type Replayer struct {
	store  storage.Store
	pub    transport.Publisher
	logger zerolog.Logger
}

// NewReplayer creates a replayer over the given store and transport.
func NewReplayer(store storage.Store, pub transport.Publisher) *Replayer {
	return &Replayer{
		store:  store,
		pub:    pub,
		logger: log.WithComponent("dlq-replayer"),
	}
}

// Stats returns the total and per-(consumer, kind) breakdown of matching
// entries.
func (r *Replayer) Stats(ctx context.Context, f storage.DLQFilter) (*storage.DLQStats, error) {
	return r.store.StatsDLQ(ctx, f)
}

// List returns up to limit matching entries in failure order.
func (r *Replayer) List(ctx context.Context, f storage.DLQFilter, limit int) ([]*types.DLQEntry, error) {
	return r.store.ListDLQ(ctx, f, limit)
}

// Outcome summarizes one replay run.
type Outcome struct {
	Matched   int
	Replayed  int
	DryRun    bool
	Breakdown map[string]int64
}

// Replay re-publishes the envelope of each matching entry to its original
// topic with replayed metadata, marks the entry replayed, and leaves it in
// place for audit. With dryRun set it only reports what would happen.
func (r *Replayer) Replay(ctx context.Context, f storage.DLQFilter, limit int, dryRun bool) (*Outcome, error) {
	f.Unreplayed = true
	entries, err := r.store.ListDLQ(ctx, f, limit)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Matched: len(entries), DryRun: dryRun, Breakdown: map[string]int64{}}
	for _, e := range entries {
		out.Breakdown[e.ConsumerName+"/"+e.EventKind]++
	}
	if dryRun {
		return out, nil
	}

	for _, e := range entries {
		env := &types.Envelope{
			EventID:   e.EventID,
			Kind:      e.EventKind,
			TenantID:  e.TenantID,
			EntityID:  e.EntityID,
			CreatedAt: e.FirstFailedAt,
			Payload:   e.Payload,
			Replayed:  true,
		}
		topic := topicOf(e.EventKind)
		if err := r.pub.Publish(ctx, topic, env.PartitionKey(), env); err != nil {
			return out, fmt.Errorf("replay %s: %w", e.ID, err)
		}
		if err := r.store.MarkReplayed(ctx, e.ID, time.Now().UTC()); err != nil {
			return out, fmt.Errorf("mark replayed %s: %w", e.ID, err)
		}
		out.Replayed++
		r.logger.Info().
			Str("dlq_id", e.ID).
			Str("event_id", e.EventID).
			Str("topic", topic).
			Msg("replayed dead-lettered event")
	}
	return out, nil
}

func topicOf(kind string) string {
	if i := strings.Index(kind, "."); i > 0 {
		return "events." + kind[:i]
	}
	return transport.TopicDLQ
}
