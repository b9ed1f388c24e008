package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
)

type staticLag struct {
	lags map[string]int64
}

func (s staticLag) Lag(ctx context.Context) (map[string]int64, error) {
	return s.lags, nil
}

func serve(t *testing.T, s *Server) Response {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestConsumerLagGrading(t *testing.T) {
	tests := []struct {
		name string
		lags map[string]int64
		want Status
	}{
		{"idle", map[string]int64{"portfolio": 0}, StatusOK},
		{"warn over 1k", map[string]int64{"portfolio": 1500}, StatusWarn},
		{"critical over 10k", map[string]int64{"portfolio": 9000, "billing": 6000}, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(memstore.New(), staticLag{lags: tt.lags}, nil, "")
			resp := serve(t, s)

			check, ok := resp.Checks["consumer_lag"]
			require.True(t, ok)
			assert.Equal(t, tt.want, check.Status)
		})
	}
}

func TestWriteToVisibleP95Check(t *testing.T) {
	s := NewServer(memstore.New(), nil, nil, "")

	// Before any event is consumed the check reports ok with no samples.
	resp := serve(t, s)
	check, ok := resp.Checks["write_to_visible_p95"]
	require.True(t, ok)
	assert.Equal(t, StatusOK, check.Status)

	// A healthy tail of fast samples stays inside the 3s SLO.
	for i := 0; i < 100; i++ {
		metrics.ObserveWriteToVisible(0.2)
	}
	resp = serve(t, s)
	check = resp.Checks["write_to_visible_p95"]
	assert.Equal(t, StatusOK, check.Status)
	assert.Less(t, check.Value, 3.0)

	// Enough slow samples push the p95 past the SLO and grade warn.
	for i := 0; i < 100; i++ {
		metrics.ObserveWriteToVisible(5)
	}
	resp = serve(t, s)
	check = resp.Checks["write_to_visible_p95"]
	assert.Equal(t, StatusWarn, check.Status)
	assert.GreaterOrEqual(t, check.Value, 3.0)
}
