/*
Package command implements the cloud-to-edge command queue: durable,
tenant-scoped, idempotent dispatch of miner commands with HMAC-signed
payloads and anti-replay nonces.

Lifecycle:

	pending_approval ─approve─► queued ─fetch─► running ─report─► succeeded | failed
	        (creation goes straight to queued without approval)
	queued ─cancel─► cancelled        queued/running ─sweeper─► expired

Transitions are forward only and terminal states are frozen. Each command
carries a fresh dispatch nonce and a signature over
(id, nonce, expires_at, SHA-256(payload)) under a key derived from the
site device's shared secret; the edge refuses unverifiable commands and
the server refuses results whose nonce already reached a terminal row.

Per-target results aggregate onto the parent: every target succeeded means
succeeded, any failure means failed, and targets still unreported past the
running timeout are re-queued a bounded number of times before the command
fails.
*/
package command
