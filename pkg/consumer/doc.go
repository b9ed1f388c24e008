/*
Package consumer runs per-group event handlers with exactly-once side
effects on top of the at-least-once transport.

Per delivered envelope the runtime:

 1. takes the TTL-bounded per-entity lock (skip and redeliver when held),
 2. opens a handler transaction,
 3. inserts the inbox row — a unique-violation aborts as a duplicate no-op,
 4. runs the kind's handler, which may read and write arbitrary rows in the
    same transaction, including the outbox for event chaining,
 5. commits and releases the lock.

Failures are classified through pkg/types: transient errors retry with
exponentially backed-off, jittered delays up to MaxRetries; everything else
dead-letters immediately. A dead-lettered event never blocks its partition.

Within one partition messages are serialized by the transport; across
partitions handlers run concurrently. The transport's prefetch buffer
(sarama ChannelBufferSize, 32 by default) bounds in-flight messages per
claim.
*/
package consumer
