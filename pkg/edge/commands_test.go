package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/command"
	"github.com/hashsentry/hashsentry/pkg/types"
)

const deviceSecret = "device shared secret"

func signedWire(t *testing.T, id, nonce string, targets []string) *command.Wire {
	t.Helper()
	w := &command.Wire{
		ID:            id,
		Type:          types.CommandReboot,
		TargetScope:   types.ScopeMiner,
		TargetIDs:     targets,
		Payload:       json.RawMessage(`{"delay":0}`),
		DispatchNonce: nonce,
		ExpiresAt:     time.Now().Add(10 * time.Minute).UTC(),
	}
	key := command.DeriveSigningKey([]byte(deviceSecret))
	w.Signature = command.Sign(key, w.ID, w.DispatchNonce, w.ExpiresAt, w.Payload)
	return w
}

// commandServer records result reports and serves one batch of pending
// commands.
type commandServer struct {
	mu      sync.Mutex
	pending []*command.Wire
	results []command.ResultReport
	srv     *httptest.Server
}

func newCommandServer(t *testing.T, pending []*command.Wire) *commandServer {
	cs := &commandServer{pending: pending}
	mux := http.NewServeMux()
	mux.HandleFunc("/collector/commands/pending", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		batch := cs.pending
		cs.pending = nil
		cs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"commands": batch, "count": len(batch)})
	})
	mux.HandleFunc("/collector/commands/", func(w http.ResponseWriter, r *http.Request) {
		var rep command.ResultReport
		_ = json.NewDecoder(r.Body).Decode(&rep)
		cs.mu.Lock()
		cs.results = append(cs.results, rep)
		cs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *commandServer) reported() []command.ResultReport {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]command.ResultReport(nil), cs.results...)
}

func runnerFor(t *testing.T, serverURL string, minerAddr string) *CommandRunner {
	t.Helper()
	state, err := OpenState(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	cfg := &Config{
		ServerURL:    serverURL,
		CollectorKey: "hsc_key",
		DeviceID:     "D1",
		HMACSecret:   deviceSecret,
		Miners:       []MinerTarget{{ID: "M1", Address: minerAddr}},
	}
	return NewCommandRunner(cfg, NewCGMinerClient(), state)
}

func TestRunnerExecutesVerifiedCommand(t *testing.T) {
	minerAddr := fakeMiner(t, []byte(`{"STATUS":[{"STATUS":"S"}]}`), true)
	wire := signedWire(t, "C1", "N1", []string{"M1"})
	cs := newCommandServer(t, []*command.Wire{wire})

	runner := runnerFor(t, cs.srv.URL, minerAddr)
	cmds, err := runner.fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	runner.handle(context.Background(), cmds[0])

	reports := cs.reported()
	require.Len(t, reports, 1)
	assert.Equal(t, types.ResultSucceeded, reports[0].Status)
	assert.Equal(t, "N1", reports[0].DispatchNonce)
	assert.Equal(t, "M1", reports[0].MinerID)

	last, err := runner.state.LastCommandID()
	require.NoError(t, err)
	assert.Equal(t, "C1", last)
}

func TestRunnerRefusesTamperedCommand(t *testing.T) {
	minerAddr := fakeMiner(t, []byte(`{"STATUS":[{"STATUS":"S"}]}`), true)
	wire := signedWire(t, "C1", "N1", []string{"M1"})
	wire.Payload = json.RawMessage(`{"delay":9999}`) // tampered in flight
	cs := newCommandServer(t, nil)

	runner := runnerFor(t, cs.srv.URL, minerAddr)
	runner.handle(context.Background(), wire)

	reports := cs.reported()
	require.Len(t, reports, 1)
	assert.Equal(t, types.ResultFailed, reports[0].Status)
	assert.Contains(t, reports[0].Message, "signature")
	assert.Empty(t, reports[0].MinerID, "a tampered command is never executed against a miner")
}

func TestRunnerSkipsAlreadyReportedNonce(t *testing.T) {
	minerAddr := fakeMiner(t, []byte(`{"STATUS":[{"STATUS":"S"}]}`), true)
	wire := signedWire(t, "C1", "N1", []string{"M1"})
	cs := newCommandServer(t, nil)

	runner := runnerFor(t, cs.srv.URL, minerAddr)
	require.NoError(t, runner.state.MarkReported("N1"))

	runner.handle(context.Background(), wire)
	assert.Empty(t, cs.reported(), "journaled nonces are not re-executed or re-reported")
}

func TestRunnerReportsUnknownMinerAsSkipped(t *testing.T) {
	wire := signedWire(t, "C1", "N1", []string{"M-unknown"})
	cs := newCommandServer(t, nil)

	runner := runnerFor(t, cs.srv.URL, "127.0.0.1:1")
	runner.handle(context.Background(), wire)

	reports := cs.reported()
	require.Len(t, reports, 1)
	assert.Equal(t, types.ResultSkipped, reports[0].Status)
}

func TestStateJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	state, err := OpenState(dir)
	require.NoError(t, err)
	require.NoError(t, state.MarkReported("N1"))
	require.NoError(t, state.SetLastCommandID("C9"))
	require.NoError(t, state.Close())

	state, err = OpenState(dir)
	require.NoError(t, err)
	defer state.Close()

	ok, err := state.AlreadyReported("N1")
	require.NoError(t, err)
	assert.True(t, ok)

	last, err := state.LastCommandID()
	require.NoError(t, err)
	assert.Equal(t, "C9", last)
}
