/*
Package ingest implements the collector upload API: authenticated,
rate-limited, size-capped, schema-validated telemetry batch ingestion.

The middleware chain runs key authentication (SHA-256 lookup of the
X-Collector-Key header), then the per-key sliding-window rate limit with
advisory X-RateLimit headers, then the handler: gzip decode, decompressed
size cap, whole-batch schema validation with field paths, and site scoping
against the miner registry.

Acceptance is all-or-nothing. An accepted batch upserts telemetry_live and
appends telemetry_history inside one transaction — the live snapshot is
never observed ahead of history — and records an upload-log row before the
response. A rejected batch writes nothing.
*/
package ingest
