package command

import (
	"encoding/json"
	"time"

	"github.com/hashsentry/hashsentry/pkg/types"
)

// Wire is the JSON form of a command handed to the edge over the long-poll.
// It carries exactly the fields the signature covers plus the targets.
type Wire struct {
	ID            string          `json:"id"`
	Type          types.CommandType `json:"type"`
	TargetScope   types.TargetScope `json:"target_scope"`
	TargetIDs     []string        `json:"target_ids"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DispatchNonce string          `json:"dispatch_nonce"`
	Signature     string          `json:"signature"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Priority      int             `json:"priority"`
}

// ToWire converts a stored command for dispatch.
func ToWire(cmd *types.Command) *Wire {
	return &Wire{
		ID:            cmd.ID,
		Type:          cmd.CommandType,
		TargetScope:   cmd.TargetScope,
		TargetIDs:     cmd.TargetIDs,
		Payload:       cmd.Payload,
		DispatchNonce: cmd.DispatchNonce,
		Signature:     cmd.Signature,
		ExpiresAt:     cmd.ExpiresAt,
		Priority:      cmd.Priority,
	}
}

// VerifyWire checks a dispatched command against the device signing key.
// ExpiresAt is hashed as unix seconds, so the JSON round-trip is lossless.
func VerifyWire(deviceSecret []byte, w *Wire) bool {
	key := DeriveSigningKey(deviceSecret)
	return Verify(key, w.ID, w.DispatchNonce, w.ExpiresAt, w.Payload, w.Signature)
}
