package gormstore

import (
	"encoding/json"
	"time"

	"github.com/hashsentry/hashsentry/pkg/types"
)

// Row types map 1:1 onto the tables of the core schema. Payload-shaped
// fields are stored as JSON columns; the typed form lives in pkg/types.

type outboxRow struct {
	ID             string  `gorm:"primaryKey;size:64"`
	Kind           string  `gorm:"size:128;index"`
	TenantID       string  `gorm:"size:64;index"`
	EntityID       string  `gorm:"size:64"`
	Payload        []byte  `gorm:"type:json"`
	IdempotencyKey *string `gorm:"size:191;uniqueIndex"`
	CreatedAt      time.Time  `gorm:"index"`
	PublishedAt    *time.Time `gorm:"index"`
}

func (outboxRow) TableName() string { return "outbox" }

type inboxRow struct {
	ConsumerName         string `gorm:"primaryKey;size:64"`
	EventID              string `gorm:"primaryKey;size:64"`
	EventKind            string `gorm:"size:128"`
	ConsumedAt           time.Time `gorm:"index"`
	ProcessingDurationMS int64
	PayloadDigest        string `gorm:"size:64"`
}

func (inboxRow) TableName() string { return "inbox" }

type dlqRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	ConsumerName  string `gorm:"size:64;index"`
	EventID       string `gorm:"size:64;index"`
	EventKind     string `gorm:"size:128;index"`
	TenantID      string `gorm:"size:64;index"`
	EntityID      string `gorm:"size:64"`
	Payload       []byte `gorm:"type:json"`
	ErrorKind     string `gorm:"size:32"`
	ErrorDetail   string `gorm:"type:text"`
	RetryCount    int
	FirstFailedAt time.Time
	LastFailedAt  time.Time `gorm:"index"`
	Replayed      bool
	ReplayedAt    *time.Time
}

func (dlqRow) TableName() string { return "dlq" }

type collectorKeyRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	SiteID    string `gorm:"size:64;index"`
	KeyHash   string `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
	RevokedAt *time.Time
}

func (collectorKeyRow) TableName() string { return "collector_keys" }

type minerRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	SiteID    string `gorm:"size:64;index"`
	TenantID  string `gorm:"size:64;index"`
	Model     string `gorm:"size:128"`
	Address   string `gorm:"size:255"`
	CreatedAt time.Time
}

func (minerRow) TableName() string { return "miners" }

type edgeDeviceRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	SiteID     string `gorm:"size:64;index"`
	TenantID   string `gorm:"size:64;index"`
	Name       string `gorm:"size:128"`
	HMACSecret []byte `gorm:"size:64"`
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastSeenAt *time.Time
}

func (edgeDeviceRow) TableName() string { return "edge_devices" }

type telemetryLiveRow struct {
	SiteID    string `gorm:"primaryKey;size:64"`
	MinerID   string `gorm:"primaryKey;size:128"`
	Online    bool
	Record    []byte `gorm:"type:json"`
	UpdatedAt time.Time
}

func (telemetryLiveRow) TableName() string { return "telemetry_live" }

type telemetryHistoryRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	SiteID    string    `gorm:"size:64;index:idx_hist_site_ts,priority:1"`
	MinerID   string    `gorm:"size:128;index:idx_hist_miner_ts,priority:1"`
	Timestamp time.Time `gorm:"index:idx_hist_site_ts,priority:2;index:idx_hist_miner_ts,priority:2"`
	Record    []byte    `gorm:"type:json"`
}

func (telemetryHistoryRow) TableName() string { return "telemetry_history" }

type uploadLogRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	SiteID           string `gorm:"size:64;index"`
	KeyID            string `gorm:"size:64"`
	ReceivedAt       time.Time `gorm:"index"`
	MinerCount       int
	OnlineCount      int
	OfflineCount     int
	ProcessingTimeMS int64
	PayloadSizeBytes int64
	Compression      string `gorm:"size:8"`
	ClientIP         string `gorm:"size:64"`
	Outcome          string `gorm:"size:16"`
	RejectReason     string `gorm:"size:255"`
}

func (uploadLogRow) TableName() string { return "collector_upload_log" }

type commandRow struct {
	ID              string  `gorm:"primaryKey;size:64"`
	TenantID        string  `gorm:"size:64;index;uniqueIndex:idx_cmd_idem,priority:1"`
	SiteID          string  `gorm:"size:64;index"`
	RequesterID     string  `gorm:"size:64;uniqueIndex:idx_cmd_idem,priority:2"`
	TargetScope     string  `gorm:"size:16"`
	TargetIDs       []byte  `gorm:"type:json"`
	CommandType     string  `gorm:"size:32"`
	Payload         []byte  `gorm:"type:json"`
	Status          string  `gorm:"size:24;index"`
	Priority        int
	RequireApproval bool
	ApprovedBy      string  `gorm:"size:64"`
	ApprovedAt      *time.Time
	IdempotencyKey  *string `gorm:"size:128;uniqueIndex:idx_cmd_idem,priority:3"`
	DispatchNonce   string  `gorm:"size:64;uniqueIndex"`
	Signature       string  `gorm:"size:128"`
	FetchedBy       string  `gorm:"size:64"`
	FetchedAt       *time.Time
	RefetchCount    int
	ExpiresAt       time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (commandRow) TableName() string { return "commands" }

type commandResultRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	CommandID     string `gorm:"size:64;index"`
	EdgeDeviceID  string `gorm:"size:64"`
	MinerID       string `gorm:"size:128"`
	StartedAt     *time.Time
	FinishedAt    *time.Time
	ResultStatus  string `gorm:"size:16"`
	ResultMessage string `gorm:"type:text"`
	Metrics       []byte `gorm:"type:json"`
}

func (commandResultRow) TableName() string { return "remote_command_result" }

type auditRow struct {
	Seq           int64  `gorm:"primaryKey;autoIncrement"`
	ID            string `gorm:"size:64;uniqueIndex"`
	TenantID      string `gorm:"size:64;index"`
	ActorID       string `gorm:"size:64"`
	EventType     string `gorm:"size:64"`
	TargetType    string `gorm:"size:64"`
	TargetID      string `gorm:"size:128"`
	PreviousHash  string `gorm:"size:64"`
	PayloadDigest string `gorm:"size:64"`
	SelfHash      string `gorm:"size:64"`
	CreatedAt     time.Time
}

func (auditRow) TableName() string { return "audit" }

type portfolioRow struct {
	TenantID   string `gorm:"primaryKey;size:64"`
	MinerCount int64
	UpdatedAt  time.Time
}

func (portfolioRow) TableName() string { return "portfolio_counts" }

// allModels is the migration set, in dependency order.
func allModels() []any {
	return []any{
		&outboxRow{}, &inboxRow{}, &dlqRow{},
		&collectorKeyRow{}, &minerRow{}, &edgeDeviceRow{},
		&telemetryLiveRow{}, &telemetryHistoryRow{}, &uploadLogRow{},
		&commandRow{}, &commandResultRow{},
		&auditRow{}, &portfolioRow{},
	}
}

// ---- conversions ----

func outboxToRow(ev *types.OutboxEvent) *outboxRow {
	r := &outboxRow{
		ID:          ev.ID,
		Kind:        ev.Kind,
		TenantID:    ev.TenantID,
		EntityID:    ev.EntityID,
		Payload:     ev.Payload,
		CreatedAt:   ev.CreatedAt,
		PublishedAt: ev.PublishedAt,
	}
	if ev.IdempotencyKey != "" {
		k := ev.IdempotencyKey
		r.IdempotencyKey = &k
	}
	return r
}

func rowToOutbox(r *outboxRow) *types.OutboxEvent {
	ev := &types.OutboxEvent{
		ID:          r.ID,
		Kind:        r.Kind,
		TenantID:    r.TenantID,
		EntityID:    r.EntityID,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		PublishedAt: r.PublishedAt,
	}
	if r.IdempotencyKey != nil {
		ev.IdempotencyKey = *r.IdempotencyKey
	}
	return ev
}

func commandToRow(cmd *types.Command) (*commandRow, error) {
	targets, err := json.Marshal(cmd.TargetIDs)
	if err != nil {
		return nil, err
	}
	r := &commandRow{
		ID:              cmd.ID,
		TenantID:        cmd.TenantID,
		SiteID:          cmd.SiteID,
		RequesterID:     cmd.RequesterID,
		TargetScope:     string(cmd.TargetScope),
		TargetIDs:       targets,
		CommandType:     string(cmd.CommandType),
		Payload:         cmd.Payload,
		Status:          string(cmd.Status),
		Priority:        cmd.Priority,
		RequireApproval: cmd.RequireApproval,
		ApprovedBy:      cmd.ApprovedBy,
		ApprovedAt:      cmd.ApprovedAt,
		DispatchNonce:   cmd.DispatchNonce,
		Signature:       cmd.Signature,
		FetchedBy:       cmd.FetchedBy,
		FetchedAt:       cmd.FetchedAt,
		RefetchCount:    cmd.RefetchCount,
		ExpiresAt:       cmd.ExpiresAt,
		CreatedAt:       cmd.CreatedAt,
		UpdatedAt:       cmd.UpdatedAt,
	}
	if cmd.IdempotencyKey != "" {
		k := cmd.IdempotencyKey
		r.IdempotencyKey = &k
	}
	return r, nil
}

func rowToCommand(r *commandRow) (*types.Command, error) {
	var targets []string
	if len(r.TargetIDs) > 0 {
		if err := json.Unmarshal(r.TargetIDs, &targets); err != nil {
			return nil, err
		}
	}
	cmd := &types.Command{
		ID:              r.ID,
		TenantID:        r.TenantID,
		SiteID:          r.SiteID,
		RequesterID:     r.RequesterID,
		TargetScope:     types.TargetScope(r.TargetScope),
		TargetIDs:       targets,
		CommandType:     types.CommandType(r.CommandType),
		Payload:         r.Payload,
		Status:          types.CommandStatus(r.Status),
		Priority:        r.Priority,
		RequireApproval: r.RequireApproval,
		ApprovedBy:      r.ApprovedBy,
		ApprovedAt:      r.ApprovedAt,
		DispatchNonce:   r.DispatchNonce,
		Signature:       r.Signature,
		FetchedBy:       r.FetchedBy,
		FetchedAt:       r.FetchedAt,
		RefetchCount:    r.RefetchCount,
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.IdempotencyKey != nil {
		cmd.IdempotencyKey = *r.IdempotencyKey
	}
	return cmd, nil
}

func liveToRow(l *types.TelemetryLive) (*telemetryLiveRow, error) {
	rec, err := json.Marshal(l.Record)
	if err != nil {
		return nil, err
	}
	return &telemetryLiveRow{
		SiteID:    l.SiteID,
		MinerID:   l.MinerID,
		Online:    l.Record.Online,
		Record:    rec,
		UpdatedAt: l.UpdatedAt,
	}, nil
}

func rowToLive(r *telemetryLiveRow) (*types.TelemetryLive, error) {
	l := &types.TelemetryLive{
		SiteID:    r.SiteID,
		MinerID:   r.MinerID,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Record, &l.Record); err != nil {
		return nil, err
	}
	return l, nil
}
