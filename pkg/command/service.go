package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/audit"
	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/outbox"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

var (
	// ErrUnknownType rejects a command type outside the whitelist.
	ErrUnknownType = errors.New("command: unknown command type")

	// ErrReplay rejects a result whose dispatch nonce already reached a
	// terminal command.
	ErrReplay = errors.New("command: dispatch nonce already terminal")

	// ErrBadSignature rejects a result that fails signature verification.
	ErrBadSignature = errors.New("command: signature verification failed")

	// ErrBadState rejects a transition the state machine does not allow.
	ErrBadState = errors.New("command: invalid state transition")

	// ErrNoDevice means the target site has no active edge device to sign
	// for.
	ErrNoDevice = errors.New("command: no active edge device for site")
)

// Defaults bounding dispatch.
const (
	DefaultTTL        = 30 * time.Minute
	DefaultFetchLimit = 32
	MaxRefetch        = 3
)

// Service owns the command lifecycle: creation, approval, long-poll
// dispatch, result reconciliation, and expiry.
type Service struct {
	store  storage.Store
	logger zerolog.Logger

	fetchLimit int
}

// NewService creates the command service.
func NewService(store storage.Store, fetchLimit int) *Service {
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	return &Service{
		store:      store,
		logger:     log.WithComponent("command-queue"),
		fetchLimit: fetchLimit,
	}
}

// CreateParams carries one command creation request.
type CreateParams struct {
	TenantID        string
	SiteID          string
	RequesterID     string
	Type            types.CommandType
	Scope           types.TargetScope
	TargetIDs       []string
	Payload         json.RawMessage
	Priority        int
	RequireApproval bool
	IdempotencyKey  string
	TTL             time.Duration
}

// Create inserts a signed command. A duplicate idempotency key returns the
// existing row instead of a new one.
func (s *Service) Create(ctx context.Context, p CreateParams) (*types.Command, error) {
	canonical, known := types.CanonicalCommandType(p.Type)
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if p.TenantID == "" || p.SiteID == "" || p.RequesterID == "" {
		return nil, fmt.Errorf("command: tenant, site, and requester are required")
	}
	if len(p.TargetIDs) == 0 {
		return nil, fmt.Errorf("command: at least one target is required")
	}

	if p.IdempotencyKey != "" {
		existing, err := s.store.GetCommandByIdempotency(ctx, p.TenantID, p.RequesterID, p.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	device, err := s.store.ActiveEdgeDeviceBySite(ctx, p.SiteID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoDevice
	}
	if err != nil {
		return nil, err
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()

	cmd := &types.Command{
		ID:              uuid.NewString(),
		TenantID:        p.TenantID,
		SiteID:          p.SiteID,
		RequesterID:     p.RequesterID,
		TargetScope:     p.Scope,
		TargetIDs:       p.TargetIDs,
		CommandType:     canonical,
		Payload:         p.Payload,
		Status:          types.CommandQueued,
		Priority:        p.Priority,
		RequireApproval: p.RequireApproval,
		IdempotencyKey:  p.IdempotencyKey,
		DispatchNonce:   uuid.NewString(),
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.RequireApproval {
		cmd.Status = types.CommandPendingApproval
	}
	cmd.Signature = Sign(DeriveSigningKey(device.HMACSecret), cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload)

	err = s.store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.InsertCommand(cmd); err != nil {
			return err
		}
		if _, err := audit.Append(tx, cmd.TenantID, cmd.RequesterID, types.AuditCommandCreated, "command", cmd.ID, map[string]any{
			"type":    string(cmd.CommandType),
			"site_id": cmd.SiteID,
			"targets": cmd.TargetIDs,
		}); err != nil {
			return err
		}
		_, err := outbox.AppendEvent(tx, "ops.command_created", cmd.TenantID, cmd.ID, map[string]any{
			"command_id": cmd.ID,
			"type":       string(cmd.CommandType),
			"site_id":    cmd.SiteID,
		}, "")
		return err
	})
	if errors.Is(err, storage.ErrDuplicateKey) && p.IdempotencyKey != "" {
		// Lost a creation race; the winner's row is the answer.
		return s.store.GetCommandByIdempotency(ctx, p.TenantID, p.RequesterID, p.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	metrics.CommandTransitions.WithLabelValues(string(cmd.Status)).Inc()
	s.logger.Info().
		Str("command_id", cmd.ID).
		Str("type", string(cmd.CommandType)).
		Str("site_id", cmd.SiteID).
		Int("targets", len(cmd.TargetIDs)).
		Msg("command created")
	return cmd, nil
}

// Approve moves a pending_approval command to queued.
func (s *Service) Approve(ctx context.Context, commandID, approverID string) (*types.Command, error) {
	var out *types.Command
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		cmd, err := tx.GetCommand(commandID)
		if err != nil {
			return err
		}
		if cmd.Status != types.CommandPendingApproval {
			return ErrBadState
		}
		now := time.Now().UTC()
		cmd.Status = types.CommandQueued
		cmd.ApprovedBy = approverID
		cmd.ApprovedAt = &now
		cmd.UpdatedAt = now
		if err := tx.UpdateCommand(cmd); err != nil {
			return err
		}
		if _, err := audit.Append(tx, cmd.TenantID, approverID, types.AuditCommandApproved, "command", cmd.ID, map[string]any{
			"type": string(cmd.CommandType),
		}); err != nil {
			return err
		}
		out = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CommandTransitions.WithLabelValues(string(types.CommandQueued)).Inc()
	return out, nil
}

// Cancel freezes a command that has not started running.
func (s *Service) Cancel(ctx context.Context, commandID, actorID string) (*types.Command, error) {
	var out *types.Command
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		cmd, err := tx.GetCommand(commandID)
		if err != nil {
			return err
		}
		switch cmd.Status {
		case types.CommandPending, types.CommandPendingApproval, types.CommandQueued:
		default:
			return ErrBadState
		}
		cmd.Status = types.CommandCancelled
		cmd.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateCommand(cmd); err != nil {
			return err
		}
		out = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CommandTransitions.WithLabelValues(string(types.CommandCancelled)).Inc()
	return out, nil
}

// Get returns one command.
func (s *Service) Get(ctx context.Context, commandID string) (*types.Command, error) {
	return s.store.GetCommand(ctx, commandID)
}

// Fetch serves the edge long-poll: it returns up to the fetch limit of
// queued, unexpired commands for the site, transitioning them to running,
// and blocks up to wait when none are immediately available.
func (s *Service) Fetch(ctx context.Context, siteID, deviceID string, wait time.Duration) ([]*types.Command, error) {
	deadline := time.Now().Add(wait)
	for {
		cmds, err := s.store.FetchQueuedCommands(ctx, siteID, deviceID, s.fetchLimit, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if len(cmds) > 0 {
			metrics.CommandsFetched.Add(float64(len(cmds)))
			metrics.CommandTransitions.WithLabelValues(string(types.CommandRunning)).Add(float64(len(cmds)))
			return cmds, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ResultReport is one per-target outcome posted by the edge.
type ResultReport struct {
	DispatchNonce string          `json:"dispatch_nonce"`
	MinerID       string          `json:"miner_id"`
	Status        types.ResultStatus `json:"status"`
	Message       string          `json:"message,omitempty"`
	Metrics       json.RawMessage `json:"metrics,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// ReportResult records one target's outcome and reconciles the parent:
// all-success completes as succeeded, any failure as failed. The edge must
// echo the dispatch nonce; a nonce on a terminal command is a replay.
func (s *Service) ReportResult(ctx context.Context, commandID, deviceID string, rep ResultReport) (*types.Command, error) {
	var out *types.Command
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		cmd, err := tx.GetCommand(commandID)
		if err != nil {
			return err
		}
		if rep.DispatchNonce != cmd.DispatchNonce {
			return ErrBadSignature
		}
		if cmd.Status.Terminal() {
			return ErrReplay
		}
		if cmd.Status != types.CommandRunning {
			return ErrBadState
		}

		if err := tx.InsertCommandResult(&types.CommandResult{
			ID:            uuid.NewString(),
			CommandID:     cmd.ID,
			EdgeDeviceID:  deviceID,
			MinerID:       rep.MinerID,
			StartedAt:     rep.StartedAt,
			FinishedAt:    rep.FinishedAt,
			ResultStatus:  rep.Status,
			ResultMessage: rep.Message,
			Metrics:       rep.Metrics,
		}); err != nil {
			return err
		}

		results, err := tx.ResultsForCommand(cmd.ID)
		if err != nil {
			return err
		}
		done, failed := tally(results)
		now := time.Now().UTC()
		if done >= len(cmd.TargetIDs) {
			if failed > 0 {
				cmd.Status = types.CommandFailed
			} else {
				cmd.Status = types.CommandSucceeded
			}
			cmd.UpdatedAt = now
			if err := tx.UpdateCommand(cmd); err != nil {
				return err
			}
			if _, err := audit.Append(tx, cmd.TenantID, deviceID, types.AuditCommandCompleted, "command", cmd.ID, map[string]any{
				"status":  string(cmd.Status),
				"targets": len(cmd.TargetIDs),
				"failed":  failed,
			}); err != nil {
				return err
			}
		}
		out = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status.Terminal() {
		metrics.CommandTransitions.WithLabelValues(string(out.Status)).Inc()
		s.logger.Info().
			Str("command_id", out.ID).
			Str("status", string(out.Status)).
			Msg("command completed")
	}
	return out, nil
}

func tally(results []*types.CommandResult) (done, failed int) {
	perMiner := map[string]types.ResultStatus{}
	for _, r := range results {
		perMiner[r.MinerID] = r.ResultStatus
	}
	for _, st := range perMiner {
		switch st {
		case types.ResultSucceeded, types.ResultSkipped:
			done++
		case types.ResultFailed:
			done++
			failed++
		}
	}
	return done, failed
}
