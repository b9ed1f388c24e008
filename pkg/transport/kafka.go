package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// KafkaConfig holds broker settings for the Kafka transport.
type KafkaConfig struct {
	Brokers    []string
	Partitions int32
	Replicas   int16
}

// DefaultKafkaConfig returns the settings used in production: three
// partitions per topic so per-entity order survives consumer scaling.
func DefaultKafkaConfig(brokers []string) *KafkaConfig {
	return &KafkaConfig{Brokers: brokers, Partitions: 3, Replicas: 1}
}

// KafkaPublisher publishes envelopes through a synchronous sarama producer.
// Publish returns only after the broker acknowledges, which is what lets
// the outbox poller mark rows published.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	cfg      *KafkaConfig
	logger   zerolog.Logger
	known    map[string]bool
}

// NewKafkaPublisher connects the producer and cluster admin.
func NewKafkaPublisher(cfg *KafkaConfig) (*KafkaPublisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to start producer: %w", err)
	}

	admin, err := sarama.NewClusterAdmin(cfg.Brokers, sc)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to start cluster admin: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		admin:    admin,
		cfg:      cfg,
		logger:   log.WithComponent("kafka-publisher"),
		known:    map[string]bool{},
	}, nil
}

func (p *KafkaPublisher) ensureTopic(topic string) {
	if p.known[topic] {
		return
	}
	err := p.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     p.cfg.Partitions,
		ReplicationFactor: p.cfg.Replicas,
	}, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		err = nil
	}
	if err != nil {
		// Topic creation is best-effort; the publish below reports the
		// authoritative error.
		p.logger.Debug().Err(err).Str("topic", topic).Msg("create topic")
	}
	p.known[topic] = true
}

// Publish sends one envelope keyed for per-entity partition order.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, env *types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.ensureTopic(topic)

	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *KafkaPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return err
	}
	return p.admin.Close()
}

// KafkaSubscriber consumes topics through a sarama consumer group. Within
// one partition claims are processed serially; a failing handler is retried
// in place so partition order is never violated.
type KafkaSubscriber struct {
	cfg    *KafkaConfig
	logger zerolog.Logger
	group  sarama.ConsumerGroup
}

// NewKafkaSubscriber creates a subscriber for one consumer group.
func NewKafkaSubscriber(cfg *KafkaConfig, groupID string) (*KafkaSubscriber, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Group.Session.Timeout = 6 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 2 * time.Second
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.ClientID = fmt.Sprintf("%s-%s", groupID, uuid.NewString())

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to join consumer group: %w", err)
	}

	return &KafkaSubscriber{
		cfg:    cfg,
		logger: log.WithComponent("kafka-subscriber"),
		group:  group,
	}, nil
}

// Subscribe blocks, rejoining the group across rebalances until ctx ends.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, groupID string, topics []string, h Handler) error {
	ch := &claimHandler{handler: h, logger: s.logger}
	for {
		if err := s.group.Consume(ctx, topics, ch); err != nil {
			s.logger.Error().Err(err).Msg("consume session ended")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.group.Close()
}

type claimHandler struct {
	handler Handler
	logger  zerolog.Logger
}

func (c *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	c.logger.Info().Str("member", sess.MemberID()).Msg("consumer session started")
	return nil
}

func (c *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	c.logger.Info().Str("member", sess.MemberID()).Msg("consumer session cleaned up")
	return nil
}

func (c *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var env types.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			// Undecodable messages cannot be retried; skip past them.
			c.logger.Error().Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("dropping undecodable message")
			sess.MarkMessage(msg, "")
			continue
		}
		for {
			if err := c.handler(sess.Context(), &env); err == nil {
				break
			}
			select {
			case <-time.After(time.Second):
			case <-sess.Context().Done():
				return nil
			}
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
