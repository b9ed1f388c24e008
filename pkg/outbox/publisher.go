package outbox

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/transport"
)

// PublisherConfig tunes the poller-mode CDC publisher.
type PublisherConfig struct {
	PollInterval time.Duration // default 5s
	Batch        int           // default 100
	Retention    time.Duration // published-row retention, default 7d
}

func (c *PublisherConfig) withDefaults() PublisherConfig {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.Batch <= 0 {
		out.Batch = 100
	}
	if out.Retention <= 0 {
		out.Retention = 7 * 24 * time.Hour
	}
	return out
}

// Publisher tails the outbox table and streams rows onto the transport in
// created_at order. It never drops: transient transport errors back off
// exponentially without advancing, and permanent errors open a circuit that
// only a successful probe closes.
type Publisher struct {
	store  storage.Store
	pub    transport.Publisher
	cfg    PublisherConfig
	logger zerolog.Logger

	failures    int
	circuitOpen bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPublisher creates a poller publisher.
func NewPublisher(store storage.Store, pub transport.Publisher, cfg PublisherConfig) *Publisher {
	return &Publisher{
		store:  store,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("outbox-publisher"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Publisher) Start() {
	go p.run()
}

// Stop halts the loop and waits for the current cycle to finish. Idempotent.
func (p *Publisher) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	p.logger.Info().
		Dur("interval", p.cfg.PollInterval).
		Int("batch", p.cfg.Batch).
		Msg("outbox publisher started")

	for {
		select {
		case <-ticker.C:
			p.cycle()
		case <-pruneTicker.C:
			p.prune()
		case <-p.stopCh:
			p.logger.Info().Msg("outbox publisher stopped")
			return
		}
	}
}

// Cycle publishes one batch; exported for tests that drive the publisher
// without the ticker.
func (p *Publisher) Cycle() { p.cycle() }

func (p *Publisher) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PollInterval*4)
	defer cancel()

	p.observeBacklog(ctx)

	if p.circuitOpen {
		if !p.probe(ctx) {
			return
		}
		p.circuitOpen = false
		p.failures = 0
		p.logger.Info().Msg("circuit closed, resuming publish")
	}

	events, err := p.store.UnpublishedOutbox(ctx, p.cfg.Batch)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read outbox")
		return
	}
	if len(events) == 0 {
		return
	}

	var published []string
	for _, ev := range events {
		err := p.pub.Publish(ctx, ev.Topic(), ev.PartitionKey(), Envelope(ev))
		if err != nil {
			metrics.PublishErrors.Inc()
			p.onPublishError(ev.Topic(), err)
			break // never advance past a failed row
		}
		published = append(published, ev.ID)
		metrics.EventsPublished.WithLabelValues(ev.Topic()).Inc()
	}

	if len(published) > 0 {
		if err := p.store.MarkPublished(ctx, published, time.Now().UTC()); err != nil {
			// Rows stay unpublished and will be re-sent; consumers
			// dedupe via the inbox.
			p.logger.Error().Err(err).Int("count", len(published)).Msg("failed to mark published")
			return
		}
		p.failures = 0
	}
}

func (p *Publisher) onPublishError(topic string, err error) {
	p.failures++
	if permanentPublishError(err) {
		p.circuitOpen = true
		p.logger.Error().Err(err).Str("topic", topic).Msg("permanent transport error, circuit open")
		return
	}

	backoff := p.cfg.PollInterval * (1 << min(p.failures, 6))
	var jitter time.Duration
	if span := int64(backoff) / 5; span > 0 {
		jitter = time.Duration(rand.Int63n(span))
	}
	p.logger.Warn().Err(err).
		Int("failures", p.failures).
		Dur("backoff", backoff+jitter).
		Msg("transient transport error, backing off")

	select {
	case <-time.After(backoff + jitter):
	case <-p.stopCh:
	}
}

// probe re-sends the oldest unpublished row once; success marks it published
// and closes the circuit. An empty outbox also counts as success.
func (p *Publisher) probe(ctx context.Context) bool {
	events, err := p.store.UnpublishedOutbox(ctx, 1)
	if err != nil || len(events) == 0 {
		return err == nil && len(events) == 0
	}
	ev := events[0]
	if err := p.pub.Publish(ctx, ev.Topic(), ev.PartitionKey(), Envelope(ev)); err != nil {
		return false
	}
	_ = p.store.MarkPublished(ctx, []string{ev.ID}, time.Now().UTC())
	metrics.EventsPublished.WithLabelValues(ev.Topic()).Inc()
	return true
}

func permanentPublishError(err error) bool {
	return errors.Is(err, sarama.ErrUnknownTopicOrPartition) ||
		errors.Is(err, sarama.ErrTopicAuthorizationFailed) ||
		errors.Is(err, sarama.ErrInvalidTopic)
}

func (p *Publisher) observeBacklog(ctx context.Context) {
	count, oldest, err := p.store.OutboxBacklog(ctx)
	if err != nil {
		return
	}
	metrics.OutboxBacklog.Set(float64(count))
	if count > 0 {
		metrics.OutboxOldestAge.Set(time.Since(oldest).Seconds())
	} else {
		metrics.OutboxOldestAge.Set(0)
	}
}

func (p *Publisher) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := p.store.PruneOutbox(ctx, time.Now().UTC().Add(-p.cfg.Retention))
	if err != nil {
		p.logger.Error().Err(err).Msg("outbox prune failed")
		return
	}
	if n > 0 {
		p.logger.Info().Int64("rows", n).Msg("pruned published outbox rows")
	}
}
