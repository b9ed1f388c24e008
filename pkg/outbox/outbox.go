package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// AppendEvent inserts an outbox row inside the caller's in-progress
// transaction. The business commit is the publish commit; this function
// performs no network I/O and never opens its own transaction.
//
// A colliding idempotency key returns storage.ErrDuplicateKey; the caller
// decides whether to treat the retry as idempotent or propagate.
func AppendEvent(tx storage.Tx, kind, tenantID, entityID string, payload any, idempotencyKey string) (*types.OutboxEvent, error) {
	if kind == "" {
		return nil, fmt.Errorf("outbox: empty event kind")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("outbox: empty tenant id")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode payload: %w", err)
	}

	ev := &types.OutboxEvent{
		ID:             uuid.NewString(),
		Kind:           kind,
		TenantID:       tenantID,
		EntityID:       entityID,
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.InsertOutbox(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Envelope builds the wire envelope for an outbox event.
func Envelope(ev *types.OutboxEvent) *types.Envelope {
	return &types.Envelope{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		TenantID:  ev.TenantID,
		EntityID:  ev.EntityID,
		CreatedAt: ev.CreatedAt,
		Payload:   ev.Payload,
	}
}
