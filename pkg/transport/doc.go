/*
Package transport abstracts the ordered, partitioned, at-least-once pub/sub
layer between the CDC publisher and consumer groups.

Two implementations satisfy the contract:

  - KafkaPublisher / KafkaSubscriber: sarama-backed, hash-partitioned by
    message key, snappy-compressed, acknowledged publishes.
  - MemoryBroker: an in-process broker with the same per-key ordering and
    redelivery semantics, used by unit tests and the single-binary dev mode.

Duplicates are expected — a publisher crash between acknowledgement and the
outbox update replays the tail — so deduplication belongs to the consumer
inbox, never the transport.
*/
package transport
