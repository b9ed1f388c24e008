package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hashsentry/hashsentry/pkg/audit"
	"github.com/hashsentry/hashsentry/pkg/authz"
	"github.com/hashsentry/hashsentry/pkg/command"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

type actorContextKey struct{}

// operatorAuth trusts the identity headers stamped by the fronting session
// layer; session management itself is outside the core.
func operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := authz.Actor{
			ID:       r.Header.Get("X-Actor-ID"),
			TenantID: r.Header.Get("X-Tenant-ID"),
			Admin:    r.Header.Get("X-Actor-Admin") == "true",
		}
		if actor.ID == "" {
			ingest.WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "operator identity required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorContextKey{}, actor)))
	})
}

func actorFrom(r *http.Request) authz.Actor {
	a, _ := r.Context().Value(actorContextKey{}).(authz.Actor)
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- collector command endpoints ----

func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	key := ingest.KeyFromContext(r.Context())
	if key == nil {
		ingest.WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "collector key required")
		return
	}

	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		device, err := s.store.ActiveEdgeDeviceBySite(r.Context(), key.SiteID)
		if err != nil {
			ingest.WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "no active device for site")
			return
		}
		deviceID = device.ID
	}

	cmds, err := s.commands.Fetch(r.Context(), key.SiteID, deviceID, s.cfg.LongPollWait)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "fetch failed")
		return
	}

	wires := make([]*command.Wire, len(cmds))
	for i, cmd := range cmds {
		wires[i] = command.ToWire(cmd)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": wires, "count": len(wires)})
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	key := ingest.KeyFromContext(r.Context())
	if key == nil {
		ingest.WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "collector key required")
		return
	}
	commandID := chi.URLParam(r, "id")

	var rep command.ResultReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rep); err != nil {
		ingest.WriteError(w, http.StatusBadRequest, types.ErrKindValidation, "malformed result body")
		return
	}

	deviceID := r.URL.Query().Get("device")
	cmd, err := s.commands.ReportResult(r.Context(), commandID, deviceID, rep)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ingest.WriteError(w, http.StatusNotFound, types.ErrKindValidation, "unknown command")
	case errors.Is(err, command.ErrReplay):
		ingest.WriteError(w, http.StatusConflict, types.ErrKindConflict, "dispatch nonce already terminal")
	case errors.Is(err, command.ErrBadSignature):
		ingest.WriteError(w, http.StatusConflict, types.ErrKindConflict, "dispatch nonce mismatch")
	case errors.Is(err, command.ErrBadState):
		ingest.WriteError(w, http.StatusConflict, types.ErrKindConflict, "command not running")
	case err != nil:
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "result persistence failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": cmd.Status})
	}
}

// ---- operator command endpoints ----

type createCommandRequest struct {
	TenantID        string            `json:"tenant_id"`
	SiteID          string            `json:"site_id"`
	Type            types.CommandType `json:"type"`
	TargetScope     types.TargetScope `json:"target_scope"`
	TargetIDs       []string          `json:"target_ids"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Priority        int               `json:"priority"`
	RequireApproval bool              `json:"require_approval"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	TTLMinutes      int               `json:"ttl_minutes,omitempty"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	var req createCommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		ingest.WriteError(w, http.StatusBadRequest, types.ErrKindValidation, "malformed command body")
		return
	}
	if req.TenantID == "" {
		req.TenantID = actor.TenantID
	}
	if err := s.authz.Authorize(actor, authz.ActionCommandCreate, req.TenantID); err != nil {
		ingest.WriteError(w, http.StatusForbidden, types.ErrKindForbidden, "not allowed")
		return
	}

	cmd, err := s.commands.Create(r.Context(), command.CreateParams{
		TenantID:        req.TenantID,
		SiteID:          req.SiteID,
		RequesterID:     actor.ID,
		Type:            req.Type,
		Scope:           req.TargetScope,
		TargetIDs:       req.TargetIDs,
		Payload:         req.Payload,
		Priority:        req.Priority,
		RequireApproval: req.RequireApproval,
		IdempotencyKey:  req.IdempotencyKey,
		TTL:             time.Duration(req.TTLMinutes) * time.Minute,
	})
	switch {
	case errors.Is(err, command.ErrUnknownType):
		ingest.WriteError(w, http.StatusBadRequest, types.ErrKindValidation, err.Error())
	case errors.Is(err, command.ErrNoDevice):
		ingest.WriteError(w, http.StatusBadRequest, types.ErrKindValidation, "site has no active edge device")
	case err != nil:
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "command creation failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": cmd.ID, "status": cmd.Status})
	}
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	cmd, err := s.commands.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		ingest.WriteError(w, http.StatusNotFound, types.ErrKindValidation, "unknown command")
		return
	}
	if err != nil {
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "lookup failed")
		return
	}
	if err := s.authz.Authorize(actor, authz.ActionCommandCreate, cmd.TenantID); err != nil {
		ingest.WriteError(w, http.StatusForbidden, types.ErrKindForbidden, "not allowed")
		return
	}

	results, err := s.store.ResultsForCommand(r.Context(), cmd.ID)
	if err != nil {
		results = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": cmd, "results": results})
}

func (s *Server) handleApproveCommand(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "id")

	existing, err := s.commands.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		ingest.WriteError(w, http.StatusNotFound, types.ErrKindValidation, "unknown command")
		return
	}
	if err == nil {
		err = s.authz.Authorize(actor, authz.ActionCommandApprove, existing.TenantID)
	}
	if err != nil {
		ingest.WriteError(w, http.StatusForbidden, types.ErrKindForbidden, "not allowed")
		return
	}

	cmd, err := s.commands.Approve(r.Context(), id, actor.ID)
	switch {
	case errors.Is(err, command.ErrBadState):
		ingest.WriteError(w, http.StatusConflict, types.ErrKindConflict, "command not awaiting approval")
	case err != nil:
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "approval failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": cmd.ID, "status": cmd.Status})
	}
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "id")

	existing, err := s.commands.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		ingest.WriteError(w, http.StatusNotFound, types.ErrKindValidation, "unknown command")
		return
	}
	if err == nil {
		err = s.authz.Authorize(actor, authz.ActionCommandCreate, existing.TenantID)
	}
	if err != nil {
		ingest.WriteError(w, http.StatusForbidden, types.ErrKindForbidden, "not allowed")
		return
	}

	cmd, err := s.commands.Cancel(r.Context(), id, actor.ID)
	switch {
	case errors.Is(err, command.ErrBadState):
		ingest.WriteError(w, http.StatusConflict, types.ErrKindConflict, "command already running or terminal")
	case err != nil:
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "cancel failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": cmd.ID, "status": cmd.Status})
	}
}

// ---- audit ----

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = actor.TenantID
	}
	if err := s.authz.Authorize(actor, authz.ActionAuditVerify, tenant); err != nil {
		ingest.WriteError(w, http.StatusForbidden, types.ErrKindForbidden, "not allowed")
		return
	}

	report, err := audit.Verify(r.Context(), s.store, tenant)
	if err != nil {
		ingest.WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
