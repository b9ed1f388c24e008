package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hashsentry/hashsentry/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateKey is returned when an insert violates a unique
	// constraint (outbox idempotency key, inbox primary key, command
	// idempotency triple, dispatch nonce).
	ErrDuplicateKey = errors.New("storage: duplicate key")
)

// DLQFilter narrows DLQ listings and replay batches. Zero values match all.
type DLQFilter struct {
	ConsumerName string
	EventKind    string
	TenantID     string
	Since        time.Time
	Until        time.Time
	Unreplayed   bool
}

// DLQStats is the per-(consumer, kind) breakdown of dead-lettered events.
type DLQStats struct {
	Total     int64
	Breakdown map[string]int64 // "consumer/kind" -> count
}

// Tx is the transactional subset of the store. A Tx handle is only valid
// inside the Transact callback that produced it.
type Tx interface {
	// Outbox. InsertOutbox is the only writer; it never opens its own
	// transaction and fails with ErrDuplicateKey on idempotency collision.
	InsertOutbox(ev *types.OutboxEvent) error

	// Inbox. Insert is the exactly-once commit point.
	InsertInbox(rec *types.InboxRecord) error

	// Telemetry. Upsert and append happen in one transaction so the live
	// snapshot is never observed ahead of history.
	UpsertTelemetryLive(live *types.TelemetryLive) error
	AppendTelemetryHistory(h *types.TelemetryHistory) error

	// Audit chain. LastAuditEvent returns ErrNotFound for an empty chain.
	LastAuditEvent(tenantID string) (*types.AuditEvent, error)
	InsertAuditEvent(ev *types.AuditEvent) error

	// Commands.
	InsertCommand(cmd *types.Command) error
	UpdateCommand(cmd *types.Command) error
	GetCommand(id string) (*types.Command, error)
	InsertCommandResult(res *types.CommandResult) error
	ResultsForCommand(commandID string) ([]*types.CommandResult, error)

	// Registry rows.
	InsertMiner(m *types.Miner) error
	InsertCollectorKey(k *types.CollectorKey) error
	InsertEdgeDevice(d *types.EdgeDevice) error

	// Derived read model (owned by consumers, rebuildable by replay).
	IncrementPortfolio(tenantID string, delta int64, at time.Time) error
}

// Store is the durable relational store holding all rows of the core.
type Store interface {
	// Transact runs fn inside one transaction; any error rolls back.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	// Outbox publisher path.
	UnpublishedOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	OutboxBacklog(ctx context.Context) (count int64, oldest time.Time, err error)
	PruneOutbox(ctx context.Context, publishedBefore time.Time) (int64, error)

	// Inbox.
	GetInbox(ctx context.Context, consumer, eventID string) (*types.InboxRecord, error)
	CountInbox(ctx context.Context, consumer string) (int64, error)
	PruneInbox(ctx context.Context, consumedBefore time.Time) (int64, error)

	// DLQ.
	InsertDLQ(ctx context.Context, entry *types.DLQEntry) error
	GetDLQ(ctx context.Context, id string) (*types.DLQEntry, error)
	ListDLQ(ctx context.Context, f DLQFilter, limit int) ([]*types.DLQEntry, error)
	StatsDLQ(ctx context.Context, f DLQFilter) (*DLQStats, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error

	// Collector keys and upload scoping.
	GetCollectorKeyByHash(ctx context.Context, keyHash string) (*types.CollectorKey, error)
	GetCollectorKey(ctx context.Context, id string) (*types.CollectorKey, error)
	RevokeCollectorKey(ctx context.Context, id string, at time.Time) error
	MinerIDsBySite(ctx context.Context, siteID string) (map[string]struct{}, error)
	InsertUploadLog(ctx context.Context, l *types.CollectorUploadLog) error

	// Telemetry reads.
	GetTelemetryLive(ctx context.Context, siteID, minerID string) (*types.TelemetryLive, error)
	CountTelemetryHistory(ctx context.Context, siteID string) (int64, error)
	PruneTelemetryHistory(ctx context.Context, before time.Time) (int64, error)

	// Commands.
	GetCommand(ctx context.Context, id string) (*types.Command, error)
	GetCommandByIdempotency(ctx context.Context, tenantID, requesterID, key string) (*types.Command, error)
	FetchQueuedCommands(ctx context.Context, siteID, deviceID string, limit int, now time.Time) ([]*types.Command, error)
	ResultsForCommand(ctx context.Context, commandID string) ([]*types.CommandResult, error)
	ExpireCommands(ctx context.Context, now time.Time) (int64, error)
	RevertStaleRunning(ctx context.Context, now time.Time, maxRefetch int) (int64, error)

	// Edge devices.
	GetEdgeDevice(ctx context.Context, id string) (*types.EdgeDevice, error)
	ActiveEdgeDeviceBySite(ctx context.Context, siteID string) (*types.EdgeDevice, error)
	RevokeEdgeDevice(ctx context.Context, id string, at time.Time) error

	// Miners.
	GetMiner(ctx context.Context, id string) (*types.Miner, error)

	// Audit chain.
	AuditChain(ctx context.Context, tenantID string) ([]*types.AuditEvent, error)

	// Derived read model.
	GetPortfolio(ctx context.Context, tenantID string) (*types.PortfolioCount, error)

	// Ping verifies connectivity and returns the round-trip time.
	Ping(ctx context.Context) (time.Duration, error)

	Close() error
}
