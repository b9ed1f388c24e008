/*
Package outbox implements the transactional outbox pattern: AppendEvent
writes a pending domain event inside the caller's business transaction, and
Publisher tails unpublished rows onto the transport in created_at order.

Routing is derived from the event kind — the segment before the first '.'
selects the topic (miner.added publishes to events.miner) — and the message
key is tenant:entity, which pins per-entity order to one partition.

Delivery is at-least-once: a crash between transport acknowledgement and
the published_at update replays the tail. Consumers deduplicate through
their inbox.
*/
package outbox
