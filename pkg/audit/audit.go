// Package audit maintains the per-tenant append-only hash chain over
// sensitive actions and verifies its integrity.
//
// For tenant T and event N:
//
//	payload_digest_N = SHA-256(canonical_json(event payload))
//	previous_hash_N  = self_hash_{N-1}   (zeros for N=0)
//	self_hash_N      = SHA-256(previous_hash_N || payload_digest_N || created_at || actor_id)
//
// created_at enters the hash as its UnixMilli decimal form and rows are
// stored at millisecond precision, so recomputation after a database
// round-trip is byte-identical.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// GenesisHash is the previous_hash of each tenant's first event.
var GenesisHash = hex.EncodeToString(make([]byte, 32))

// Append links a new audit event onto the tenant's chain inside the
// caller's transaction. The read of the previous head and the insert share
// the transaction, so concurrent appends for one tenant serialize on the
// store's row locks.
func Append(tx storage.Tx, tenantID, actorID string, eventType types.AuditEventType, targetType, targetID string, payload any) (*types.AuditEvent, error) {
	digest, err := PayloadDigest(payload)
	if err != nil {
		return nil, err
	}

	prev := GenesisHash
	if last, err := tx.LastAuditEvent(tenantID); err == nil {
		prev = last.SelfHash
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := &types.AuditEvent{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ActorID:       actorID,
		EventType:     eventType,
		TargetType:    targetType,
		TargetID:      targetID,
		PreviousHash:  prev,
		PayloadDigest: digest,
		CreatedAt:     now,
	}
	ev.SelfHash = SelfHash(ev)

	if err := tx.InsertAuditEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// SelfHash computes the chain hash of one event from its stored fields.
func SelfHash(ev *types.AuditEvent) string {
	h := sha256.New()
	prev, _ := hex.DecodeString(ev.PreviousHash)
	digest, _ := hex.DecodeString(ev.PayloadDigest)
	h.Write(prev)
	h.Write(digest)
	h.Write([]byte(strconv.FormatInt(ev.CreatedAt.UnixMilli(), 10)))
	h.Write([]byte(ev.ActorID))
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest hashes the canonical JSON form of the payload: object keys
// sorted recursively, no insignificant whitespace.
func PayloadDigest(payload any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return marshalCanonical(decoded)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			vb, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// Report is the result of a chain verification walk.
type Report struct {
	VerifyOK           bool   `json:"verify_ok"`
	FirstBrokenEventID string `json:"first_broken_event_id,omitempty"`
	Events             int    `json:"events"`
}

// Verify walks a tenant's chain in insertion order, recomputing linkage and
// self hashes. The first mismatching event id is reported.
func Verify(ctx context.Context, store storage.Store, tenantID string) (*Report, error) {
	chain, err := store.AuditChain(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	prev := GenesisHash
	for _, ev := range chain {
		if ev.PreviousHash != prev || SelfHash(ev) != ev.SelfHash {
			return &Report{VerifyOK: false, FirstBrokenEventID: ev.ID, Events: len(chain)}, nil
		}
		prev = ev.SelfHash
	}
	return &Report{VerifyOK: true, Events: len(chain)}, nil
}
