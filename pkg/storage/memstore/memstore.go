// Package memstore implements storage.Store in process memory. It mirrors
// the unique-key semantics of the SQL backend and backs unit tests and the
// single-binary dev mode.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Store holds all rows in maps guarded by one mutex. Stored structs are
// treated as immutable: writes replace, reads return copies.
type Store struct {
	mu  sync.Mutex
	seq int64

	outbox       map[string]*types.OutboxEvent
	outboxSeq    map[string]int64
	outboxByIdem map[string]string

	inbox map[string]*types.InboxRecord // consumer|event

	dlq      map[string]*types.DLQEntry
	dlqOrder []string

	keys       map[string]*types.CollectorKey
	keysByHash map[string]string

	miners  map[string]*types.Miner
	devices map[string]*types.EdgeDevice

	live       map[string]*types.TelemetryLive // site|miner
	history    []*types.TelemetryHistory
	uploadLogs []*types.CollectorUploadLog

	commands  map[string]*types.Command
	cmdByIdem map[string]string // tenant|requester|key
	nonces    map[string]string // dispatch nonce -> command id
	results   map[string][]*types.CommandResult

	audit map[string][]*types.AuditEvent // per tenant, insertion order

	portfolio map[string]*types.PortfolioCount
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		outbox:       map[string]*types.OutboxEvent{},
		outboxSeq:    map[string]int64{},
		outboxByIdem: map[string]string{},
		inbox:        map[string]*types.InboxRecord{},
		dlq:          map[string]*types.DLQEntry{},
		keys:         map[string]*types.CollectorKey{},
		keysByHash:   map[string]string{},
		miners:       map[string]*types.Miner{},
		devices:      map[string]*types.EdgeDevice{},
		live:         map[string]*types.TelemetryLive{},
		commands:     map[string]*types.Command{},
		cmdByIdem:    map[string]string{},
		nonces:       map[string]string{},
		results:      map[string][]*types.CommandResult{},
		audit:        map[string][]*types.AuditEvent{},
		portfolio:    map[string]*types.PortfolioCount{},
	}
}

func key2(a, b string) string { return a + "|" + b }
func key3(a, b, c string) string { return a + "|" + b + "|" + c }

// snapshot captures the map headers. Stored values are never mutated in
// place, so sharing pointers across the snapshot is safe.
type snapshot struct {
	seq          int64
	outbox       map[string]*types.OutboxEvent
	outboxSeq    map[string]int64
	outboxByIdem map[string]string
	inbox        map[string]*types.InboxRecord
	dlq          map[string]*types.DLQEntry
	dlqOrder     []string
	keys         map[string]*types.CollectorKey
	keysByHash   map[string]string
	miners       map[string]*types.Miner
	devices      map[string]*types.EdgeDevice
	live         map[string]*types.TelemetryLive
	history      []*types.TelemetryHistory
	uploadLogs   []*types.CollectorUploadLog
	commands     map[string]*types.Command
	cmdByIdem    map[string]string
	nonces       map[string]string
	results      map[string][]*types.CommandResult
	audit        map[string][]*types.AuditEvent
	portfolio    map[string]*types.PortfolioCount
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) take() *snapshot {
	return &snapshot{
		seq:          s.seq,
		outbox:       copyMap(s.outbox),
		outboxSeq:    copyMap(s.outboxSeq),
		outboxByIdem: copyMap(s.outboxByIdem),
		inbox:        copyMap(s.inbox),
		dlq:          copyMap(s.dlq),
		dlqOrder:     append([]string(nil), s.dlqOrder...),
		keys:         copyMap(s.keys),
		keysByHash:   copyMap(s.keysByHash),
		miners:       copyMap(s.miners),
		devices:      copyMap(s.devices),
		live:         copyMap(s.live),
		history:      append([]*types.TelemetryHistory(nil), s.history...),
		uploadLogs:   append([]*types.CollectorUploadLog(nil), s.uploadLogs...),
		commands:     copyMap(s.commands),
		cmdByIdem:    copyMap(s.cmdByIdem),
		nonces:       copyMap(s.nonces),
		results:      copyMapSlices(s.results),
		audit:        copyMapSlices(s.audit),
		portfolio:    copyMap(s.portfolio),
	}
}

func copyMapSlices[V any](m map[string][]V) map[string][]V {
	out := make(map[string][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}

func (s *Store) restore(sn *snapshot) {
	s.seq = sn.seq
	s.outbox = sn.outbox
	s.outboxSeq = sn.outboxSeq
	s.outboxByIdem = sn.outboxByIdem
	s.inbox = sn.inbox
	s.dlq = sn.dlq
	s.dlqOrder = sn.dlqOrder
	s.keys = sn.keys
	s.keysByHash = sn.keysByHash
	s.miners = sn.miners
	s.devices = sn.devices
	s.live = sn.live
	s.history = sn.history
	s.uploadLogs = sn.uploadLogs
	s.commands = sn.commands
	s.cmdByIdem = sn.cmdByIdem
	s.nonces = sn.nonces
	s.results = sn.results
	s.audit = sn.audit
	s.portfolio = sn.portfolio
}

// Transact runs fn under the store lock; any error restores the pre-tx state.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sn := s.take()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(sn)
		return err
	}
	return nil
}

type memTx struct {
	s *Store
}

func (t *memTx) InsertOutbox(ev *types.OutboxEvent) error {
	s := t.s
	if ev.IdempotencyKey != "" {
		if _, ok := s.outboxByIdem[ev.IdempotencyKey]; ok {
			return storage.ErrDuplicateKey
		}
	}
	if _, ok := s.outbox[ev.ID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *ev
	s.seq++
	s.outbox[cp.ID] = &cp
	s.outboxSeq[cp.ID] = s.seq
	if cp.IdempotencyKey != "" {
		s.outboxByIdem[cp.IdempotencyKey] = cp.ID
	}
	return nil
}

func (t *memTx) InsertInbox(rec *types.InboxRecord) error {
	k := key2(rec.ConsumerName, rec.EventID)
	if _, ok := t.s.inbox[k]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *rec
	t.s.inbox[k] = &cp
	return nil
}

func (t *memTx) UpsertTelemetryLive(live *types.TelemetryLive) error {
	cp := *live
	t.s.live[key2(live.SiteID, live.MinerID)] = &cp
	return nil
}

func (t *memTx) AppendTelemetryHistory(h *types.TelemetryHistory) error {
	cp := *h
	t.s.history = append(t.s.history, &cp)
	return nil
}

func (t *memTx) LastAuditEvent(tenantID string) (*types.AuditEvent, error) {
	chain := t.s.audit[tenantID]
	if len(chain) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (t *memTx) InsertAuditEvent(ev *types.AuditEvent) error {
	cp := *ev
	t.s.audit[ev.TenantID] = append(t.s.audit[ev.TenantID], &cp)
	return nil
}

func (t *memTx) InsertCommand(cmd *types.Command) error {
	s := t.s
	if _, ok := s.commands[cmd.ID]; ok {
		return storage.ErrDuplicateKey
	}
	if cmd.IdempotencyKey != "" {
		k := key3(cmd.TenantID, cmd.RequesterID, cmd.IdempotencyKey)
		if _, ok := s.cmdByIdem[k]; ok {
			return storage.ErrDuplicateKey
		}
		s.cmdByIdem[k] = cmd.ID
	}
	if cmd.DispatchNonce != "" {
		if _, ok := s.nonces[cmd.DispatchNonce]; ok {
			return storage.ErrDuplicateKey
		}
		s.nonces[cmd.DispatchNonce] = cmd.ID
	}
	cp := cloneCommand(cmd)
	s.commands[cmd.ID] = cp
	return nil
}

func (t *memTx) UpdateCommand(cmd *types.Command) error {
	if _, ok := t.s.commands[cmd.ID]; !ok {
		return storage.ErrNotFound
	}
	t.s.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (t *memTx) GetCommand(id string) (*types.Command, error) {
	cmd, ok := t.s.commands[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCommand(cmd), nil
}

func (t *memTx) InsertCommandResult(res *types.CommandResult) error {
	cp := *res
	t.s.results[res.CommandID] = append(t.s.results[res.CommandID], &cp)
	return nil
}

func (t *memTx) ResultsForCommand(commandID string) ([]*types.CommandResult, error) {
	return cloneResults(t.s.results[commandID]), nil
}

func (t *memTx) InsertMiner(m *types.Miner) error {
	if _, ok := t.s.miners[m.ID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *m
	t.s.miners[m.ID] = &cp
	return nil
}

func (t *memTx) InsertCollectorKey(k *types.CollectorKey) error {
	if _, ok := t.s.keysByHash[k.KeyHash]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *k
	t.s.keys[k.ID] = &cp
	t.s.keysByHash[k.KeyHash] = k.ID
	return nil
}

func (t *memTx) InsertEdgeDevice(d *types.EdgeDevice) error {
	if _, ok := t.s.devices[d.ID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *d
	cp.HMACSecret = append([]byte(nil), d.HMACSecret...)
	t.s.devices[d.ID] = &cp
	return nil
}

func (t *memTx) IncrementPortfolio(tenantID string, delta int64, at time.Time) error {
	cur := t.s.portfolio[tenantID]
	next := &types.PortfolioCount{TenantID: tenantID, UpdatedAt: at}
	if cur != nil {
		next.MinerCount = cur.MinerCount
	}
	next.MinerCount += delta
	t.s.portfolio[tenantID] = next
	return nil
}

func cloneCommand(cmd *types.Command) *types.Command {
	cp := *cmd
	cp.TargetIDs = append([]string(nil), cmd.TargetIDs...)
	return &cp
}

func cloneResults(in []*types.CommandResult) []*types.CommandResult {
	out := make([]*types.CommandResult, len(in))
	for i, r := range in {
		cp := *r
		out[i] = &cp
	}
	return out
}

// ---- non-transactional Store methods ----

func (s *Store) UnpublishedOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.OutboxEvent
	for _, ev := range s.outbox {
		if ev.PublishedAt == nil {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return s.outboxSeq[out[i].ID] < s.outboxSeq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]*types.OutboxEvent, len(out))
	for i, ev := range out {
		cp := *ev
		res[i] = &cp
	}
	return res, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		ev, ok := s.outbox[id]
		if !ok {
			continue
		}
		cp := *ev
		t := at
		cp.PublishedAt = &t
		s.outbox[id] = &cp
	}
	return nil
}

func (s *Store) OutboxBacklog(ctx context.Context) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	var oldest time.Time
	for _, ev := range s.outbox {
		if ev.PublishedAt != nil {
			continue
		}
		count++
		if oldest.IsZero() || ev.CreatedAt.Before(oldest) {
			oldest = ev.CreatedAt
		}
	}
	return count, oldest, nil
}

func (s *Store) PruneOutbox(ctx context.Context, publishedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ev := range s.outbox {
		if ev.PublishedAt != nil && ev.PublishedAt.Before(publishedBefore) {
			delete(s.outbox, id)
			delete(s.outboxSeq, id)
			if ev.IdempotencyKey != "" {
				delete(s.outboxByIdem, ev.IdempotencyKey)
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) GetInbox(ctx context.Context, consumer, eventID string) (*types.InboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inbox[key2(consumer, eventID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) CountInbox(ctx context.Context, consumer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.inbox {
		if strings.HasPrefix(k, consumer+"|") {
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneInbox(ctx context.Context, consumedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.inbox {
		if rec.ConsumedAt.Before(consumedBefore) {
			delete(s.inbox, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertDLQ(ctx context.Context, entry *types.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dlq[entry.ID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *entry
	s.dlq[entry.ID] = &cp
	s.dlqOrder = append(s.dlqOrder, entry.ID)
	return nil
}

func (s *Store) GetDLQ(ctx context.Context, id string) (*types.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlq[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func matchDLQ(e *types.DLQEntry, f storage.DLQFilter) bool {
	if f.ConsumerName != "" && e.ConsumerName != f.ConsumerName {
		return false
	}
	if f.EventKind != "" && e.EventKind != f.EventKind {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if !f.Since.IsZero() && e.LastFailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.LastFailedAt.After(f.Until) {
		return false
	}
	if f.Unreplayed && e.Replayed {
		return false
	}
	return true
}

func (s *Store) ListDLQ(ctx context.Context, f storage.DLQFilter, limit int) ([]*types.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.DLQEntry
	for _, id := range s.dlqOrder {
		e, ok := s.dlq[id]
		if !ok || !matchDLQ(e, f) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) StatsDLQ(ctx context.Context, f storage.DLQFilter) (*storage.DLQStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &storage.DLQStats{Breakdown: map[string]int64{}}
	for _, e := range s.dlq {
		if !matchDLQ(e, f) {
			continue
		}
		stats.Total++
		stats.Breakdown[e.ConsumerName+"/"+e.EventKind]++
	}
	return stats, nil
}

func (s *Store) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlq[id]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *e
	cp.Replayed = true
	t := at
	cp.ReplayedAt = &t
	s.dlq[id] = &cp
	return nil
}

func (s *Store) GetCollectorKeyByHash(ctx context.Context, keyHash string) (*types.CollectorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keysByHash[keyHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.keys[id]
	return &cp, nil
}

func (s *Store) GetCollectorKey(ctx context.Context, id string) (*types.CollectorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *Store) RevokeCollectorKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *k
	t := at
	cp.RevokedAt = &t
	s.keys[id] = &cp
	return nil
}

func (s *Store) MinerIDsBySite(ctx context.Context, siteID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]struct{}{}
	for id, m := range s.miners {
		if m.SiteID == siteID {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) InsertUploadLog(ctx context.Context, l *types.CollectorUploadLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	s.uploadLogs = append(s.uploadLogs, &cp)
	return nil
}

// UploadLogs returns all upload log rows; test helper.
func (s *Store) UploadLogs() []*types.CollectorUploadLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.CollectorUploadLog, len(s.uploadLogs))
	for i, l := range s.uploadLogs {
		cp := *l
		out[i] = &cp
	}
	return out
}

func (s *Store) GetTelemetryLive(ctx context.Context, siteID, minerID string) (*types.TelemetryLive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.live[key2(siteID, minerID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) CountTelemetryHistory(ctx context.Context, siteID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, h := range s.history {
		if siteID == "" || h.SiteID == siteID {
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneTelemetryHistory(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0]
	var n int64
	for _, h := range s.history {
		if h.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept
	return n, nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*types.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCommand(cmd), nil
}

func (s *Store) GetCommandByIdempotency(ctx context.Context, tenantID, requesterID, key string) (*types.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.cmdByIdem[key3(tenantID, requesterID, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCommand(s.commands[id]), nil
}

func (s *Store) FetchQueuedCommands(ctx context.Context, siteID, deviceID string, limit int, now time.Time) ([]*types.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*types.Command
	for _, cmd := range s.commands {
		if cmd.Status == types.CommandQueued && cmd.SiteID == siteID && cmd.ExpiresAt.After(now) {
			queued = append(queued, cmd)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}

	out := make([]*types.Command, 0, len(queued))
	for _, cmd := range queued {
		cp := cloneCommand(cmd)
		cp.Status = types.CommandRunning
		cp.FetchedBy = deviceID
		t := now
		cp.FetchedAt = &t
		cp.UpdatedAt = now
		s.commands[cmd.ID] = cp
		out = append(out, cloneCommand(cp))
	}
	return out, nil
}

func (s *Store) ResultsForCommand(ctx context.Context, commandID string) ([]*types.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneResults(s.results[commandID]), nil
}

func (s *Store) ExpireCommands(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, cmd := range s.commands {
		if (cmd.Status == types.CommandQueued || cmd.Status == types.CommandRunning) && !cmd.ExpiresAt.After(now) {
			cp := cloneCommand(cmd)
			cp.Status = types.CommandExpired
			cp.UpdatedAt = now
			s.commands[id] = cp
			n++
		}
	}
	return n, nil
}

func (s *Store) RevertStaleRunning(ctx context.Context, now time.Time, maxRefetch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, cmd := range s.commands {
		if cmd.Status != types.CommandRunning || cmd.FetchedAt == nil {
			continue
		}
		ttl := cmd.ExpiresAt.Sub(cmd.CreatedAt)
		if now.Sub(*cmd.FetchedAt) < 5*ttl {
			continue
		}
		cp := cloneCommand(cmd)
		if cp.RefetchCount+1 > maxRefetch {
			cp.Status = types.CommandFailed
		} else {
			cp.Status = types.CommandQueued
			cp.RefetchCount++
			cp.FetchedBy = ""
			cp.FetchedAt = nil
		}
		cp.UpdatedAt = now
		s.commands[id] = cp
		n++
	}
	return n, nil
}

func (s *Store) GetEdgeDevice(ctx context.Context, id string) (*types.EdgeDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	cp.HMACSecret = append([]byte(nil), d.HMACSecret...)
	return &cp, nil
}

func (s *Store) ActiveEdgeDeviceBySite(ctx context.Context, siteID string) (*types.EdgeDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *types.EdgeDevice
	for _, d := range s.devices {
		if d.SiteID != siteID || d.RevokedAt != nil {
			continue
		}
		if best == nil || d.CreatedAt.Before(best.CreatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cp := *best
	cp.HMACSecret = append([]byte(nil), best.HMACSecret...)
	return &cp, nil
}

func (s *Store) RevokeEdgeDevice(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *d
	t := at
	cp.RevokedAt = &t
	s.devices[id] = &cp
	return nil
}

func (s *Store) GetMiner(ctx context.Context, id string) (*types.Miner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.miners[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) AuditChain(ctx context.Context, tenantID string) ([]*types.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.audit[tenantID]
	out := make([]*types.AuditEvent, len(chain))
	for i, ev := range chain {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// TamperAudit overwrites one stored audit row in place; test helper for
// chain verification.
func (s *Store) TamperAudit(tenantID string, index int, mutate func(ev *types.AuditEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.audit[tenantID]
	if index < 0 || index >= len(chain) {
		return
	}
	cp := *chain[index]
	mutate(&cp)
	chain[index] = &cp
}

func (s *Store) GetPortfolio(ctx context.Context, tenantID string) (*types.PortfolioCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolio[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(start), nil
}

func (s *Store) Close() error { return nil }
