package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/authz"
	"github.com/hashsentry/hashsentry/pkg/command"
	"github.com/hashsentry/hashsentry/pkg/health"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
	"github.com/hashsentry/hashsentry/pkg/types"
)

const testKey = "hsc_routertest"

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()

	err := store.Transact(context.Background(), func(tx storage.Tx) error {
		if err := tx.InsertCollectorKey(&types.CollectorKey{
			ID: "K1", SiteID: "S1", KeyHash: ingest.HashKey(testKey), CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.InsertEdgeDevice(&types.EdgeDevice{
			ID: "D1", SiteID: "S1", TenantID: "T1", Name: "agent",
			HMACSecret: []byte("shared secret"), CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return tx.InsertMiner(&types.Miner{ID: "M1", SiteID: "S1", TenantID: "T1"})
	})
	require.NoError(t, err)

	limiter := ingest.NewMemoryRateLimiter(1000)
	t.Cleanup(limiter.Stop)

	srv := New(Config{
		Addr:         ":0",
		LongPollWait: 10 * time.Millisecond,
	}, store, command.NewService(store, 0), limiter, health.NewServer(store, nil, nil, ""), authz.TenantScoped{})

	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, store
}

func operatorReq(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Actor-ID", "op-1")
	req.Header.Set("X-Tenant-ID", "T1")
	return req
}

func TestCommandLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()

	// Create.
	resp, err := client.Do(operatorReq(t, http.MethodPost, ts.URL+"/commands/", map[string]any{
		"site_id":      "S1",
		"type":         "reboot",
		"target_scope": "miner",
		"target_ids":   []string{"M1"},
		"ttl_minutes":  5,
	}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "queued", created.Status)

	// Edge long-poll.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/collector/commands/pending", nil)
	req.Header.Set(ingest.HeaderCollectorKey, testKey)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pending struct {
		Commands []*command.Wire `json:"commands"`
		Count    int             `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Equal(t, 1, pending.Count)
	wire := pending.Commands[0]
	assert.Equal(t, created.ID, wire.ID)
	assert.True(t, command.VerifyWire([]byte("shared secret"), wire))

	// Result report.
	result := command.ResultReport{
		DispatchNonce: wire.DispatchNonce,
		MinerID:       "M1",
		Status:        types.ResultSucceeded,
	}
	raw, _ := json.Marshal(result)
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/collector/commands/"+wire.ID+"/result?device=D1", bytes.NewReader(raw))
	req.Header.Set(ingest.HeaderCollectorKey, testKey)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Replayed nonce is refused with 409.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/collector/commands/"+wire.ID+"/result?device=D1", bytes.NewReader(raw))
	req.Header.Set(ingest.HeaderCollectorKey, testKey)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Final state visible to the operator.
	resp, err = client.Do(operatorReq(t, http.MethodGet, ts.URL+"/commands/"+wire.ID, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Command *types.Command `json:"command"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, types.CommandSucceeded, got.Command.Status)
}

func TestOperatorRoutesRequireIdentity(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/commands/", bytes.NewReader([]byte(`{}`)))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuditVerifyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// Creating a command appends to T1's chain.
	resp, err := ts.Client().Do(operatorReq(t, http.MethodPost, ts.URL+"/commands/", map[string]any{
		"site_id":      "S1",
		"type":         "reboot",
		"target_scope": "miner",
		"target_ids":   []string{"M1"},
	}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Client().Do(operatorReq(t, http.MethodGet, ts.URL+"/audit/verify?tenant=T1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		VerifyOK bool `json:"verify_ok"`
		Events   int  `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.VerifyOK)
	assert.Equal(t, 1, report.Events)

	// Cross-tenant verification is forbidden for non-admins.
	resp, err = ts.Client().Do(operatorReq(t, http.MethodGet, ts.URL+"/audit/verify?tenant=OTHER", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, health.StatusOK, body.Status)
	assert.Contains(t, body.Checks, "database")
	assert.Contains(t, body.Checks, "outbox_backlog")
	assert.Contains(t, body.Checks, "dlq")
	assert.Contains(t, body.Checks, "write_to_visible_p95")
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
