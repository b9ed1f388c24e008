// Package gormstore implements storage.Store on MySQL through GORM.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Store is the MySQL-backed storage.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to the database. The pool recycles connections after five
// minutes so stale server-side kills never surface as query errors.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access pool: %w", err)
	}
	sqlDB.SetConnMaxLifetime(300 * time.Second)
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetMaxIdleConns(8)

	return &Store{db: db}, nil
}

// Migrate creates or updates the schema for all core tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(allModels()...)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrDuplicateKey
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	}
	return err
}

// Transact runs fn in one database transaction.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&gormTx{db: g})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) InsertOutbox(ev *types.OutboxEvent) error {
	return translate(t.db.Create(outboxToRow(ev)).Error)
}

func (t *gormTx) InsertInbox(rec *types.InboxRecord) error {
	return translate(t.db.Create(&inboxRow{
		ConsumerName:         rec.ConsumerName,
		EventID:              rec.EventID,
		EventKind:            rec.EventKind,
		ConsumedAt:           rec.ConsumedAt,
		ProcessingDurationMS: rec.ProcessingDurationMS,
		PayloadDigest:        rec.PayloadDigest,
	}).Error)
}

func (t *gormTx) UpsertTelemetryLive(live *types.TelemetryLive) error {
	row, err := liveToRow(live)
	if err != nil {
		return err
	}
	return translate(t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "site_id"}, {Name: "miner_id"}},
		UpdateAll: true,
	}).Create(row).Error)
}

func (t *gormTx) AppendTelemetryHistory(h *types.TelemetryHistory) error {
	rec, err := json.Marshal(h.Record)
	if err != nil {
		return err
	}
	return translate(t.db.Create(&telemetryHistoryRow{
		ID:        h.ID,
		SiteID:    h.SiteID,
		MinerID:   h.MinerID,
		Timestamp: h.Timestamp,
		Record:    rec,
	}).Error)
}

func (t *gormTx) LastAuditEvent(tenantID string) (*types.AuditEvent, error) {
	var row auditRow
	err := t.db.Where("tenant_id = ?", tenantID).Order("seq DESC").First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return rowToAudit(&row), nil
}

func (t *gormTx) InsertAuditEvent(ev *types.AuditEvent) error {
	return translate(t.db.Create(&auditRow{
		ID:            ev.ID,
		TenantID:      ev.TenantID,
		ActorID:       ev.ActorID,
		EventType:     string(ev.EventType),
		TargetType:    ev.TargetType,
		TargetID:      ev.TargetID,
		PreviousHash:  ev.PreviousHash,
		PayloadDigest: ev.PayloadDigest,
		SelfHash:      ev.SelfHash,
		CreatedAt:     ev.CreatedAt,
	}).Error)
}

func rowToAudit(r *auditRow) *types.AuditEvent {
	return &types.AuditEvent{
		ID:            r.ID,
		TenantID:      r.TenantID,
		ActorID:       r.ActorID,
		EventType:     types.AuditEventType(r.EventType),
		TargetType:    r.TargetType,
		TargetID:      r.TargetID,
		PreviousHash:  r.PreviousHash,
		PayloadDigest: r.PayloadDigest,
		SelfHash:      r.SelfHash,
		CreatedAt:     r.CreatedAt,
	}
}

func (t *gormTx) InsertCommand(cmd *types.Command) error {
	row, err := commandToRow(cmd)
	if err != nil {
		return err
	}
	return translate(t.db.Create(row).Error)
}

func (t *gormTx) UpdateCommand(cmd *types.Command) error {
	row, err := commandToRow(cmd)
	if err != nil {
		return err
	}
	res := t.db.Model(&commandRow{}).Where("id = ?", cmd.ID).Updates(row)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *gormTx) GetCommand(id string) (*types.Command, error) {
	var row commandRow
	if err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return rowToCommand(&row)
}

func (t *gormTx) InsertCommandResult(res *types.CommandResult) error {
	return translate(t.db.Create(&commandResultRow{
		ID:            res.ID,
		CommandID:     res.CommandID,
		EdgeDeviceID:  res.EdgeDeviceID,
		MinerID:       res.MinerID,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
		ResultStatus:  string(res.ResultStatus),
		ResultMessage: res.ResultMessage,
		Metrics:       res.Metrics,
	}).Error)
}

func (t *gormTx) ResultsForCommand(commandID string) ([]*types.CommandResult, error) {
	var rows []commandResultRow
	if err := t.db.Where("command_id = ?", commandID).Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	return resultRows(rows), nil
}

func resultRows(rows []commandResultRow) []*types.CommandResult {
	out := make([]*types.CommandResult, len(rows))
	for i, r := range rows {
		out[i] = &types.CommandResult{
			ID:            r.ID,
			CommandID:     r.CommandID,
			EdgeDeviceID:  r.EdgeDeviceID,
			MinerID:       r.MinerID,
			StartedAt:     r.StartedAt,
			FinishedAt:    r.FinishedAt,
			ResultStatus:  types.ResultStatus(r.ResultStatus),
			ResultMessage: r.ResultMessage,
			Metrics:       r.Metrics,
		}
	}
	return out
}

func (t *gormTx) InsertMiner(m *types.Miner) error {
	return translate(t.db.Create(&minerRow{
		ID:        m.ID,
		SiteID:    m.SiteID,
		TenantID:  m.TenantID,
		Model:     m.Model,
		Address:   m.Address,
		CreatedAt: m.CreatedAt,
	}).Error)
}

func (t *gormTx) InsertCollectorKey(k *types.CollectorKey) error {
	return translate(t.db.Create(&collectorKeyRow{
		ID:        k.ID,
		SiteID:    k.SiteID,
		KeyHash:   k.KeyHash,
		CreatedAt: k.CreatedAt,
		RevokedAt: k.RevokedAt,
	}).Error)
}

func (t *gormTx) InsertEdgeDevice(d *types.EdgeDevice) error {
	return translate(t.db.Create(&edgeDeviceRow{
		ID:         d.ID,
		SiteID:     d.SiteID,
		TenantID:   d.TenantID,
		Name:       d.Name,
		HMACSecret: d.HMACSecret,
		CreatedAt:  d.CreatedAt,
		RevokedAt:  d.RevokedAt,
		LastSeenAt: d.LastSeenAt,
	}).Error)
}

func (t *gormTx) IncrementPortfolio(tenantID string, delta int64, at time.Time) error {
	return translate(t.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"miner_count": gorm.Expr("miner_count + ?", delta),
			"updated_at":  at,
		}),
	}).Create(&portfolioRow{TenantID: tenantID, MinerCount: delta, UpdatedAt: at}).Error)
}

// ---- non-transactional methods ----

func (s *Store) UnpublishedOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	var rows []outboxRow
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]*types.OutboxEvent, len(rows))
	for i := range rows {
		out[i] = rowToOutbox(&rows[i])
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return translate(s.db.WithContext(ctx).
		Model(&outboxRow{}).
		Where("id IN ? AND published_at IS NULL", ids).
		Update("published_at", at).Error)
}

func (s *Store) OutboxBacklog(ctx context.Context) (int64, time.Time, error) {
	var count int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&outboxRow{}).Where("published_at IS NULL").Count(&count).Error; err != nil {
		return 0, time.Time{}, translate(err)
	}
	var oldest time.Time
	if count > 0 {
		var row outboxRow
		if err := db.Where("published_at IS NULL").Order("created_at").First(&row).Error; err == nil {
			oldest = row.CreatedAt
		}
	}
	return count, oldest, nil
}

func (s *Store) PruneOutbox(ctx context.Context, publishedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", publishedBefore).
		Delete(&outboxRow{})
	return res.RowsAffected, translate(res.Error)
}

func (s *Store) GetInbox(ctx context.Context, consumer, eventID string) (*types.InboxRecord, error) {
	var row inboxRow
	err := s.db.WithContext(ctx).
		Where("consumer_name = ? AND event_id = ?", consumer, eventID).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return &types.InboxRecord{
		ConsumerName:         row.ConsumerName,
		EventID:              row.EventID,
		EventKind:            row.EventKind,
		ConsumedAt:           row.ConsumedAt,
		ProcessingDurationMS: row.ProcessingDurationMS,
		PayloadDigest:        row.PayloadDigest,
	}, nil
}

func (s *Store) CountInbox(ctx context.Context, consumer string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&inboxRow{}).
		Where("consumer_name = ?", consumer).Count(&n).Error
	return n, translate(err)
}

func (s *Store) PruneInbox(ctx context.Context, consumedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("consumed_at < ?", consumedBefore).
		Delete(&inboxRow{})
	return res.RowsAffected, translate(res.Error)
}

func (s *Store) InsertDLQ(ctx context.Context, entry *types.DLQEntry) error {
	return translate(s.db.WithContext(ctx).Create(&dlqRow{
		ID:            entry.ID,
		ConsumerName:  entry.ConsumerName,
		EventID:       entry.EventID,
		EventKind:     entry.EventKind,
		TenantID:      entry.TenantID,
		EntityID:      entry.EntityID,
		Payload:       entry.Payload,
		ErrorKind:     string(entry.ErrorKind),
		ErrorDetail:   entry.ErrorDetail,
		RetryCount:    entry.RetryCount,
		FirstFailedAt: entry.FirstFailedAt,
		LastFailedAt:  entry.LastFailedAt,
		Replayed:      entry.Replayed,
		ReplayedAt:    entry.ReplayedAt,
	}).Error)
}

func rowToDLQ(r *dlqRow) *types.DLQEntry {
	return &types.DLQEntry{
		ID:            r.ID,
		ConsumerName:  r.ConsumerName,
		EventID:       r.EventID,
		EventKind:     r.EventKind,
		TenantID:      r.TenantID,
		EntityID:      r.EntityID,
		Payload:       r.Payload,
		ErrorKind:     types.ErrorKind(r.ErrorKind),
		ErrorDetail:   r.ErrorDetail,
		RetryCount:    r.RetryCount,
		FirstFailedAt: r.FirstFailedAt,
		LastFailedAt:  r.LastFailedAt,
		Replayed:      r.Replayed,
		ReplayedAt:    r.ReplayedAt,
	}
}

func (s *Store) GetDLQ(ctx context.Context, id string) (*types.DLQEntry, error) {
	var row dlqRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return rowToDLQ(&row), nil
}

func (s *Store) dlqQuery(ctx context.Context, f storage.DLQFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&dlqRow{})
	if f.ConsumerName != "" {
		q = q.Where("consumer_name = ?", f.ConsumerName)
	}
	if f.EventKind != "" {
		q = q.Where("event_kind = ?", f.EventKind)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if !f.Since.IsZero() {
		q = q.Where("last_failed_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("last_failed_at <= ?", f.Until)
	}
	if f.Unreplayed {
		q = q.Where("replayed = false")
	}
	return q
}

func (s *Store) ListDLQ(ctx context.Context, f storage.DLQFilter, limit int) ([]*types.DLQEntry, error) {
	var rows []dlqRow
	q := s.dlqQuery(ctx, f).Order("first_failed_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	out := make([]*types.DLQEntry, len(rows))
	for i := range rows {
		out[i] = rowToDLQ(&rows[i])
	}
	return out, nil
}

func (s *Store) StatsDLQ(ctx context.Context, f storage.DLQFilter) (*storage.DLQStats, error) {
	type bucket struct {
		ConsumerName string
		EventKind    string
		N            int64
	}
	var buckets []bucket
	err := s.dlqQuery(ctx, f).
		Select("consumer_name, event_kind, COUNT(*) AS n").
		Group("consumer_name, event_kind").
		Scan(&buckets).Error
	if err != nil {
		return nil, translate(err)
	}
	stats := &storage.DLQStats{Breakdown: map[string]int64{}}
	for _, b := range buckets {
		stats.Total += b.N
		stats.Breakdown[b.ConsumerName+"/"+b.EventKind] = b.N
	}
	return stats, nil
}

func (s *Store) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&dlqRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"replayed": true, "replayed_at": at})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetCollectorKeyByHash(ctx context.Context, keyHash string) (*types.CollectorKey, error) {
	var row collectorKeyRow
	if err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return rowToKey(&row), nil
}

func (s *Store) GetCollectorKey(ctx context.Context, id string) (*types.CollectorKey, error) {
	var row collectorKeyRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return rowToKey(&row), nil
}

func rowToKey(r *collectorKeyRow) *types.CollectorKey {
	return &types.CollectorKey{
		ID:        r.ID,
		SiteID:    r.SiteID,
		KeyHash:   r.KeyHash,
		CreatedAt: r.CreatedAt,
		RevokedAt: r.RevokedAt,
	}
}

func (s *Store) RevokeCollectorKey(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&collectorKeyRow{}).
		Where("id = ?", id).Update("revoked_at", at)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MinerIDsBySite(ctx context.Context, siteID string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&minerRow{}).
		Where("site_id = ?", siteID).Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) InsertUploadLog(ctx context.Context, l *types.CollectorUploadLog) error {
	return translate(s.db.WithContext(ctx).Create(&uploadLogRow{
		ID:               l.ID,
		SiteID:           l.SiteID,
		KeyID:            l.KeyID,
		ReceivedAt:       l.ReceivedAt,
		MinerCount:       l.MinerCount,
		OnlineCount:      l.OnlineCount,
		OfflineCount:     l.OfflineCount,
		ProcessingTimeMS: l.ProcessingTimeMS,
		PayloadSizeBytes: l.PayloadSizeBytes,
		Compression:      l.Compression,
		ClientIP:         l.ClientIP,
		Outcome:          l.Outcome,
		RejectReason:     l.RejectReason,
	}).Error)
}

func (s *Store) GetTelemetryLive(ctx context.Context, siteID, minerID string) (*types.TelemetryLive, error) {
	var row telemetryLiveRow
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND miner_id = ?", siteID, minerID).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return rowToLive(&row)
}

func (s *Store) CountTelemetryHistory(ctx context.Context, siteID string) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&telemetryHistoryRow{})
	if siteID != "" {
		q = q.Where("site_id = ?", siteID)
	}
	err := q.Count(&n).Error
	return n, translate(err)
}

func (s *Store) PruneTelemetryHistory(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&telemetryHistoryRow{})
	return res.RowsAffected, translate(res.Error)
}

func (s *Store) GetCommand(ctx context.Context, id string) (*types.Command, error) {
	var row commandRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return rowToCommand(&row)
}

func (s *Store) GetCommandByIdempotency(ctx context.Context, tenantID, requesterID, key string) (*types.Command, error) {
	var row commandRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND requester_id = ? AND idempotency_key = ?", tenantID, requesterID, key).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return rowToCommand(&row)
}

// FetchQueuedCommands atomically claims up to limit queued, unexpired
// commands for one site and transitions them to running.
func (s *Store) FetchQueuedCommands(ctx context.Context, siteID, deviceID string, limit int, now time.Time) ([]*types.Command, error) {
	var out []*types.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []commandRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND site_id = ? AND expires_at > ?", string(types.CommandQueued), siteID, now).
			Order("priority DESC, created_at").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].Status = string(types.CommandRunning)
			rows[i].FetchedBy = deviceID
			t := now
			rows[i].FetchedAt = &t
			rows[i].UpdatedAt = now
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
			cmd, err := rowToCommand(&rows[i])
			if err != nil {
				return err
			}
			out = append(out, cmd)
		}
		return nil
	})
	return out, translate(err)
}

func (s *Store) ResultsForCommand(ctx context.Context, commandID string) ([]*types.CommandResult, error) {
	var rows []commandResultRow
	err := s.db.WithContext(ctx).Where("command_id = ?", commandID).Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return resultRows(rows), nil
}

func (s *Store) ExpireCommands(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&commandRow{}).
		Where("status IN ? AND expires_at <= ?",
			[]string{string(types.CommandQueued), string(types.CommandRunning)}, now).
		Updates(map[string]any{"status": string(types.CommandExpired), "updated_at": now})
	return res.RowsAffected, translate(res.Error)
}

func (s *Store) RevertStaleRunning(ctx context.Context, now time.Time, maxRefetch int) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []commandRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND fetched_at IS NOT NULL", string(types.CommandRunning)).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			ttl := rows[i].ExpiresAt.Sub(rows[i].CreatedAt)
			if now.Sub(*rows[i].FetchedAt) < 5*ttl {
				continue
			}
			if rows[i].RefetchCount+1 > maxRefetch {
				rows[i].Status = string(types.CommandFailed)
			} else {
				rows[i].Status = string(types.CommandQueued)
				rows[i].RefetchCount++
				rows[i].FetchedBy = ""
				rows[i].FetchedAt = nil
			}
			rows[i].UpdatedAt = now
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, translate(err)
}

func (s *Store) GetEdgeDevice(ctx context.Context, id string) (*types.EdgeDevice, error) {
	var row edgeDeviceRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &types.EdgeDevice{
		ID:         row.ID,
		SiteID:     row.SiteID,
		TenantID:   row.TenantID,
		Name:       row.Name,
		HMACSecret: row.HMACSecret,
		CreatedAt:  row.CreatedAt,
		RevokedAt:  row.RevokedAt,
		LastSeenAt: row.LastSeenAt,
	}, nil
}

func (s *Store) ActiveEdgeDeviceBySite(ctx context.Context, siteID string) (*types.EdgeDevice, error) {
	var row edgeDeviceRow
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND revoked_at IS NULL", siteID).
		Order("created_at").
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return &types.EdgeDevice{
		ID:         row.ID,
		SiteID:     row.SiteID,
		TenantID:   row.TenantID,
		Name:       row.Name,
		HMACSecret: row.HMACSecret,
		CreatedAt:  row.CreatedAt,
		RevokedAt:  row.RevokedAt,
		LastSeenAt: row.LastSeenAt,
	}, nil
}

func (s *Store) RevokeEdgeDevice(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&edgeDeviceRow{}).
		Where("id = ?", id).Update("revoked_at", at)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetMiner(ctx context.Context, id string) (*types.Miner, error) {
	var row minerRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &types.Miner{
		ID:        row.ID,
		SiteID:    row.SiteID,
		TenantID:  row.TenantID,
		Model:     row.Model,
		Address:   row.Address,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (s *Store) AuditChain(ctx context.Context, tenantID string) ([]*types.AuditEvent, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]*types.AuditEvent, len(rows))
	for i := range rows {
		out[i] = rowToAudit(&rows[i])
	}
	return out, nil
}

func (s *Store) GetPortfolio(ctx context.Context, tenantID string) (*types.PortfolioCount, error) {
	var row portfolioRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &types.PortfolioCount{
		TenantID:   row.TenantID,
		MinerCount: row.MinerCount,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := sqlDB.PingContext(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
