package types

import (
	"encoding/json"
	"strings"
	"time"
)

// OutboxEvent is a pending domain event written inside a business transaction.
// Rows are never mutated after insert except PublishedAt.
type OutboxEvent struct {
	ID             string
	Kind           string // routing key, e.g. "miner.added"
	TenantID       string
	EntityID       string // optional; empty when the event is tenant-scoped
	Payload        json.RawMessage
	IdempotencyKey string // optional; unique when set
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// Domain returns everything up to the first '.' of Kind.
func (e *OutboxEvent) Domain() string {
	if i := strings.Index(e.Kind, "."); i > 0 {
		return e.Kind[:i]
	}
	return e.Kind
}

// Topic returns the transport topic this event routes to.
func (e *OutboxEvent) Topic() string {
	return "events." + e.Domain()
}

// PartitionKey returns "tenant:entity", falling back to the tenant alone,
// giving per-entity order preservation on the transport.
func (e *OutboxEvent) PartitionKey() string {
	if e.EntityID == "" {
		return e.TenantID
	}
	return e.TenantID + ":" + e.EntityID
}

// Envelope is the wire form of an event on the transport.
type Envelope struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	TenantID  string          `json:"tenant_id"`
	EntityID  string          `json:"entity_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
	Replayed  bool            `json:"replayed,omitempty"`
}

// PartitionKey mirrors OutboxEvent.PartitionKey for consumers.
func (e *Envelope) PartitionKey() string {
	if e.EntityID == "" {
		return e.TenantID
	}
	return e.TenantID + ":" + e.EntityID
}

// InboxRecord marks an event as processed by a consumer. The insert is the
// commit point that makes a handler's side effects non-replayable.
type InboxRecord struct {
	ConsumerName         string
	EventID              string
	EventKind            string
	ConsumedAt           time.Time
	ProcessingDurationMS int64
	PayloadDigest        string
}

// DLQEntry holds a terminally failed event for inspection and replay.
type DLQEntry struct {
	ID            string
	ConsumerName  string
	EventID       string
	EventKind     string
	TenantID      string
	EntityID      string
	Payload       json.RawMessage
	ErrorKind     ErrorKind
	ErrorDetail   string
	RetryCount    int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	Replayed      bool
	ReplayedAt    *time.Time
}

// CollectorKey authenticates an edge site. Only the SHA-256 of the plaintext
// "hsc_<token>" is ever persisted.
type CollectorKey struct {
	ID        string
	SiteID    string
	KeyHash   string // hex SHA-256 of the full header value
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the key has been revoked as of now.
func (k *CollectorKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Miner is the registry row binding a miner to its site and tenant. Upload
// scoping checks records against this registry.
type Miner struct {
	ID        string // operator-assigned, not necessarily numeric
	SiteID    string
	TenantID  string
	Model     string
	Address   string // host:port of the CGMiner API
	CreatedAt time.Time
}

// EdgeDevice is a registered on-prem collector. HMACSecret is the shared
// secret command signatures are derived from.
type EdgeDevice struct {
	ID         string
	SiteID     string
	TenantID   string
	Name       string
	HMACSecret []byte
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastSeenAt *time.Time
}

// CollectorUploadLog records one upload attempt, accepted or rejected.
type CollectorUploadLog struct {
	ID               string
	SiteID           string
	KeyID            string
	ReceivedAt       time.Time
	MinerCount       int
	OnlineCount      int
	OfflineCount     int
	ProcessingTimeMS int64
	PayloadSizeBytes int64
	Compression      string // "none" | "gzip"
	ClientIP         string
	Outcome          string // "accepted" | "rejected"
	RejectReason     string
}

// PortfolioCount is the derived read-model row maintained by the portfolio
// consumer: miners per tenant, rebuildable by replay.
type PortfolioCount struct {
	TenantID   string
	MinerCount int64
	UpdatedAt  time.Time
}
