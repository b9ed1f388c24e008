package transport

import (
	"context"

	"github.com/hashsentry/hashsentry/pkg/types"
)

// Topics carried by the event backbone.
const (
	TopicMiner    = "events.miner"
	TopicTreasury = "events.treasury"
	TopicOps      = "events.ops"
	TopicCRM      = "events.crm"
	TopicDLQ      = "events.dlq"
)

// Handler processes one delivered envelope. Returning a non-nil error makes
// the transport redeliver the message after a bounded delay; messages with
// the same key are never delivered out of order or concurrently.
type Handler func(ctx context.Context, env *types.Envelope) error

// Publisher sends envelopes to a topic. Publish returns only after the
// transport has acknowledged the message; messages with equal keys land on
// the same partition in publish order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, env *types.Envelope) error
	Close() error
}

// Subscriber attaches a consumer group to one or more topics. Subscribe
// blocks until ctx is cancelled or a fatal transport error occurs.
type Subscriber interface {
	Subscribe(ctx context.Context, group string, topics []string, h Handler) error
	Close() error
}
