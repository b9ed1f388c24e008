package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// gzipThreshold is the serialized batch size above which uploads are
// compressed.
const gzipThreshold = 16 << 10

// Uploader posts telemetry batches to the collector API, backing off on
// rate limits and bisecting batches that fail validation so one poisoned
// record never sinks a cycle's worth of telemetry.
type Uploader struct {
	client       *http.Client
	serverURL    string
	collectorKey string
	logger       zerolog.Logger
}

// NewUploader creates an uploader for the given server and key.
func NewUploader(serverURL, collectorKey string) *Uploader {
	return &Uploader{
		client:       &http.Client{Timeout: 30 * time.Second},
		serverURL:    serverURL,
		collectorKey: collectorKey,
		logger:       log.WithComponent("edge-uploader"),
	}
}

// Upload sends a batch, splitting on validation failures. It returns the
// number of records accepted.
func (u *Uploader) Upload(ctx context.Context, records []types.TelemetryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	return u.upload(ctx, records)
}

func (u *Uploader) upload(ctx context.Context, records []types.TelemetryRecord) (int, error) {
	status, body, err := u.post(ctx, records)
	if err != nil {
		return 0, err
	}

	switch status {
	case http.StatusOK:
		return len(records), nil

	case http.StatusBadRequest, http.StatusForbidden:
		// Poison isolation: bisect down to singletons; a singleton that
		// still fails is dropped and logged.
		if len(records) == 1 {
			u.logger.Error().
				Str("miner_id", records[0].MinerID).
				Str("response", truncate(body, 256)).
				Msg("dropping record rejected by server")
			return 0, nil
		}
		mid := len(records) / 2
		left, err := u.upload(ctx, records[:mid])
		if err != nil {
			return left, err
		}
		right, err := u.upload(ctx, records[mid:])
		return left + right, err

	default:
		return 0, fmt.Errorf("upload failed with status %d: %s", status, truncate(body, 256))
	}
}

// post performs the HTTP request, honoring Retry-After on 429 for up to
// three attempts.
func (u *Uploader) post(ctx context.Context, records []types.TelemetryRecord) (int, string, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return 0, "", err
	}

	compressed := false
	body := payload
	if len(payload) > gzipThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return 0, "", err
		}
		if err := gz.Close(); err != nil {
			return 0, "", err
		}
		body = buf.Bytes()
		compressed = true
	}

	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.serverURL+"/collector/upload", bytes.NewReader(body))
		if err != nil {
			return 0, "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ingest.HeaderCollectorKey, u.collectorKey)
		if compressed {
			req.Header.Set("Content-Encoding", "gzip")
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return 0, "", err
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp.StatusCode, string(respBody), nil
		}

		retryAfter := 5 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		retryAfter += time.Duration(rand.Int63n(int64(2 * time.Second)))
		u.logger.Warn().
			Dur("retry_after", retryAfter).
			Int("attempt", attempt+1).
			Msg("rate limited, backing off")
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return 0, "", ctx.Err()
		}
	}
	return http.StatusTooManyRequests, "", fmt.Errorf("rate limited after retries")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
