/*
Package edge is the on-prem collector agent. It polls CGMiner-compatible
devices over their TCP API, normalizes the responses into the ingest
telemetry schema, and uploads gzip-compressed batches to the cloud under
the site's collector key.

# Polling

A worker pool of 20 executes one miner per job. The scheduling loop runs
every 60s with ±10s jitter and coalesces: a tick is skipped while the
previous cycle still runs, and a per-cycle deadline of five intervals
terminates stragglers. Each request gets 2s/1s/2s connect/send/receive
timeouts, three attempts with jittered exponential backoff, a 1 MiB
response cap, and {timeout, connection, dns, parse} classification — only
the first two classes retry.

# Commands

In parallel the agent long-polls the pending-command endpoint. Every
fetched command is HMAC-verified against the device's shared secret before
anything touches a miner; an unverifiable command is reported failed with
reason=signature and never executed. Results echo the dispatch nonce, and
a bbolt journal of reported nonces plus the last-seen command id is the
only durable state the agent keeps.

# Upload resilience

Batches over 16 KiB are gzipped. A 429 waits out Retry-After with jitter
for up to three attempts; a validation rejection bisects the batch down to
singletons so one poisoned record cannot sink the cycle.
*/
package edge
