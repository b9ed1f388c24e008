package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/command"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// longPollTimeout is the client-side read window for the pending-commands
// long-poll. The server's default hold is also 25s; the HTTP client allows
// five seconds more on top of it.
const longPollTimeout = 25 * time.Second

// commandWire maps command types onto CGMiner API commands. Types without
// a wire mapping are reported as skipped.
var commandWire = map[types.CommandType]string{
	types.CommandReboot:     "restart",
	types.CommandChangePool: "switchpool",
	types.CommandEnable:     "enablepool",
	types.CommandDisable:    "disablepool",
}

// CommandRunner long-polls the command queue, verifies signatures,
// executes against miners, and reports per-target results.
type CommandRunner struct {
	client     *http.Client
	cgminer    *CGMinerClient
	state      *State
	serverURL  string
	key        string
	deviceID   string
	hmacSecret []byte
	miners     map[string]string // miner id -> address
	logger     zerolog.Logger
}

// NewCommandRunner creates a runner for the configured device.
func NewCommandRunner(cfg *Config, cg *CGMinerClient, state *State) *CommandRunner {
	miners := make(map[string]string, len(cfg.Miners))
	for _, m := range cfg.Miners {
		miners[m.ID] = m.Address
	}
	return &CommandRunner{
		client:     &http.Client{Timeout: longPollTimeout + 5*time.Second},
		cgminer:    cg,
		state:      state,
		serverURL:  cfg.ServerURL,
		key:        cfg.CollectorKey,
		deviceID:   cfg.DeviceID,
		hmacSecret: []byte(cfg.HMACSecret),
		miners:     miners,
		logger:     log.WithComponent("edge-commands"),
	}
}

// Run long-polls until ctx ends.
func (r *CommandRunner) Run(ctx context.Context) {
	r.logger.Info().Msg("command runner started")
	for {
		if ctx.Err() != nil {
			r.logger.Info().Msg("command runner stopped")
			return
		}
		cmds, err := r.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Msg("command fetch failed")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			continue
		}
		for _, wire := range cmds {
			r.handle(ctx, wire)
		}
	}
}

type pendingResponse struct {
	Commands []*command.Wire `json:"commands"`
	Count    int             `json:"count"`
}

func (r *CommandRunner) fetch(ctx context.Context) ([]*command.Wire, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.serverURL+"/collector/commands/pending", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(ingest.HeaderCollectorKey, r.key)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pending fetch returned %d", resp.StatusCode)
	}
	var out pendingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

func (r *CommandRunner) handle(ctx context.Context, wire *command.Wire) {
	reported, err := r.state.AlreadyReported(wire.DispatchNonce)
	if err == nil && reported {
		r.logger.Debug().Str("command_id", wire.ID).Msg("nonce already reported, skipping")
		return
	}

	// An unverifiable command is never executed.
	if !command.VerifyWire(r.hmacSecret, wire) {
		r.logger.Error().Str("command_id", wire.ID).Msg("command signature verification failed")
		r.report(ctx, wire, &command.ResultReport{
			DispatchNonce: wire.DispatchNonce,
			Status:        types.ResultFailed,
			Message:       "reason=signature",
		})
		return
	}

	for _, minerID := range wire.TargetIDs {
		rep := r.execute(ctx, wire, minerID)
		r.report(ctx, wire, rep)
	}

	_ = r.state.SetLastCommandID(wire.ID)
}

func (r *CommandRunner) execute(ctx context.Context, wire *command.Wire, minerID string) *command.ResultReport {
	started := time.Now().UTC()
	rep := &command.ResultReport{
		DispatchNonce: wire.DispatchNonce,
		MinerID:       minerID,
		StartedAt:     &started,
	}
	finish := func(status types.ResultStatus, msg string) *command.ResultReport {
		done := time.Now().UTC()
		rep.FinishedAt = &done
		rep.Status = status
		rep.Message = msg
		return rep
	}

	addr, ok := r.miners[minerID]
	if !ok {
		return finish(types.ResultSkipped, "miner not managed by this device")
	}
	wireCmd, ok := commandWire[wire.Type]
	if !ok {
		return finish(types.ResultSkipped, fmt.Sprintf("command type %s has no wire mapping", wire.Type))
	}

	if _, err := r.cgminer.Call(ctx, addr, wireCmd); err != nil {
		r.logger.Error().Err(err).
			Str("command_id", wire.ID).
			Str("miner_id", minerID).
			Msg("command execution failed")
		return finish(types.ResultFailed, err.Error())
	}

	r.logger.Info().
		Str("command_id", wire.ID).
		Str("miner_id", minerID).
		Str("type", string(wire.Type)).
		Msg("command executed")
	return finish(types.ResultSucceeded, "")
}

func (r *CommandRunner) report(ctx context.Context, wire *command.Wire, rep *command.ResultReport) {
	payload, err := json.Marshal(rep)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode result")
		return
	}

	url := fmt.Sprintf("%s/collector/commands/%s/result", r.serverURL, wire.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ingest.HeaderCollectorKey, r.key)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error().Err(err).Str("command_id", wire.ID).Msg("result report failed")
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		// Conflict means the server already holds a terminal result for
		// this nonce; either way the journal entry stops re-reports.
		_ = r.state.MarkReported(wire.DispatchNonce)
	default:
		r.logger.Warn().
			Int("status", resp.StatusCode).
			Str("command_id", wire.ID).
			Msg("result report rejected")
	}
}
