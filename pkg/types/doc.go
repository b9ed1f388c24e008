/*
Package types defines the durable entities and shared enumerations of the
HashSentry core: the outbox/inbox/DLQ event pipeline rows, miner commands and
their results, collector telemetry, the tenant audit chain, and the error
taxonomy used across HTTP surfaces and the consumer runtime.

All persistence and transport packages exchange these types; none of them
carry behavior beyond derivation helpers (routing keys, status predicates,
error classification). Stores own the rows, consumers own derived read-model
rows, and the edge collector holds no durable state beyond its credentials,
its journal of reported dispatch nonces, and the last-seen command id.
*/
package types
