package edge

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/types"
)

func telemetry(minerID string) types.TelemetryRecord {
	return types.TelemetryRecord{MinerID: minerID, Timestamp: time.Now().UTC(), Online: true}
}

func decodeUpload(t *testing.T, r *http.Request) []types.TelemetryRecord {
	t.Helper()
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		reader = gz
	}
	var records []types.TelemetryRecord
	require.NoError(t, json.NewDecoder(reader).Decode(&records))
	return records
}

func TestUploadSendsBatch(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collector/upload", r.URL.Path)
		require.Equal(t, "hsc_key", r.Header.Get(ingest.HeaderCollectorKey))
		records := decodeUpload(t, r)
		got.Store(int32(len(records)))
		_ = json.NewEncoder(w).Encode(ingest.UploadResponse{Processed: len(records)})
	}))
	defer srv.Close()

	u := NewUploader(srv.URL, "hsc_key")
	accepted, err := u.Upload(context.Background(), []types.TelemetryRecord{telemetry("M1"), telemetry("M2")})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.EqualValues(t, 2, got.Load())
}

func TestUploadCompressesLargeBatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		records := decodeUpload(t, r)
		_ = json.NewEncoder(w).Encode(ingest.UploadResponse{Processed: len(records)})
	}))
	defer srv.Close()

	// Enough chip temperatures to push the serialized batch past 16 KiB.
	var records []types.TelemetryRecord
	for i := 0; i < 100; i++ {
		rec := telemetry("M" + string(rune('A'+i%26)) + string(rune('0'+i/26)))
		rec.TemperatureChips = make([]float64, types.MaxChipTemps)
		records = append(records, rec)
	}

	u := NewUploader(srv.URL, "hsc_key")
	accepted, err := u.Upload(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, len(records), accepted)
}

func TestUploadHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(ingest.UploadResponse{Processed: 1})
	}))
	defer srv.Close()

	u := NewUploader(srv.URL, "hsc_key")
	start := time.Now()
	accepted, err := u.Upload(context.Background(), []types.TelemetryRecord{telemetry("M1")})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.EqualValues(t, 2, calls.Load())
}

func TestUploadSplitsOnValidationFailure(t *testing.T) {
	// The server rejects any batch containing the poisoned miner.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := decodeUpload(t, r)
		for _, rec := range records {
			if rec.MinerID == "POISON" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"success":false,"error":"validation"}`))
				return
			}
		}
		_ = json.NewEncoder(w).Encode(ingest.UploadResponse{Processed: len(records)})
	}))
	defer srv.Close()

	batch := []types.TelemetryRecord{
		telemetry("M1"), telemetry("M2"), telemetry("POISON"), telemetry("M4"),
	}

	u := NewUploader(srv.URL, "hsc_key")
	accepted, err := u.Upload(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, accepted, "healthy records survive, the poisoned singleton is dropped")
}
