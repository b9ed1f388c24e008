package types

import "time"

// AuditEventType enumerates the sensitive actions that are hash-chained.
type AuditEventType string

const (
	AuditKeyCreated        AuditEventType = "collector_key.created"
	AuditKeyRevoked        AuditEventType = "collector_key.revoked"
	AuditDeviceRegistered  AuditEventType = "edge_device.registered"
	AuditDeviceRevoked     AuditEventType = "edge_device.revoked"
	AuditCommandCreated    AuditEventType = "command.created"
	AuditCommandApproved   AuditEventType = "command.approved"
	AuditCommandCompleted  AuditEventType = "command.completed"
	AuditDLQReplayed       AuditEventType = "dlq.replayed"
	AuditCredentialReveal  AuditEventType = "credential.revealed"
	AuditModeChanged       AuditEventType = "mode.changed"
	AuditSecretRotated     AuditEventType = "secret.rotated"
)

// AuditEvent is one link in a tenant's hash chain:
//
//	self_hash = SHA-256(previous_hash || payload_digest || created_at || actor_id)
//
// PreviousHash of row N equals SelfHash of row N-1; genesis links to 32 zero
// bytes. Hashes are stored hex-encoded.
type AuditEvent struct {
	ID            string
	TenantID      string
	ActorID       string
	EventType     AuditEventType
	TargetType    string
	TargetID      string
	PreviousHash  string
	PayloadDigest string
	SelfHash      string
	CreatedAt     time.Time
}
