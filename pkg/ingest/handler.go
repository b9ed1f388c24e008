package ingest

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// UploadResponse is the success body of /collector/upload.
type UploadResponse struct {
	Processed        int   `json:"processed"`
	Online           int   `json:"online"`
	Offline          int   `json:"offline"`
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// ErrorResponse is the uniform error body of every collector endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError emits the structured error body with the given status.
func WriteError(w http.ResponseWriter, status int, kind types.ErrorKind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: string(kind), Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Config bounds a single upload.
type Config struct {
	MaxPayloadSize     int64 // decompressed bytes, default 10 MiB
	MaxMinersPerUpload int   // default 5000
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = types.DefaultMaxPayload
	}
	if out.MaxMinersPerUpload <= 0 {
		out.MaxMinersPerUpload = types.DefaultMaxMiners
	}
	return out
}

// UploadHandler accepts validated telemetry batches and persists them.
type UploadHandler struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger
}

// NewUploadHandler creates the /collector/upload handler.
func NewUploadHandler(store storage.Store, cfg Config) *UploadHandler {
	return &UploadHandler{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("collector-ingest"),
	}
}

// ServeHTTP handles one upload. The whole batch is accepted or rejected;
// accepted batches upsert telemetry_live and append telemetry_history in a
// single transaction, then log the upload before responding.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := KeyFromContext(r.Context())
	if key == nil {
		WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "collector key required")
		return
	}

	compression := "none"
	reader := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		compression = "gzip"
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			h.reject(w, r, key, compression, 0, http.StatusBadRequest, types.ErrKindValidation, "malformed gzip body")
			return
		}
		defer gz.Close()
		reader = gz
	}

	// The cap applies to the decompressed size; reading one byte past it
	// is the violation.
	body, err := io.ReadAll(io.LimitReader(reader, h.cfg.MaxPayloadSize+1))
	if err != nil {
		h.reject(w, r, key, compression, 0, http.StatusBadRequest, types.ErrKindValidation, "unreadable body")
		return
	}
	if int64(len(body)) > h.cfg.MaxPayloadSize {
		h.reject(w, r, key, compression, int64(len(body)), http.StatusRequestEntityTooLarge, types.ErrKindPayloadTooLarge, "decompressed payload exceeds limit")
		return
	}

	records, verr := DecodeBatch(body)
	if verr == nil && len(records) > h.cfg.MaxMinersPerUpload {
		h.reject(w, r, key, compression, int64(len(body)), http.StatusRequestEntityTooLarge, types.ErrKindPayloadTooLarge, verrText(invalid("$", "too many records")))
		return
	}
	var siteMiners map[string]struct{}
	if verr == nil {
		siteMiners, err = h.store.MinerIDsBySite(r.Context(), key.SiteID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "registry lookup failed")
			return
		}
		verr = ValidateBatch(records, h.cfg.MaxMinersPerUpload, siteMiners)
	}
	if verr != nil {
		status := http.StatusBadRequest
		kind := types.ErrKindValidation
		if IsForeignMiner(verr) {
			status = http.StatusForbidden
			kind = types.ErrKindForbidden
		}
		h.reject(w, r, key, compression, int64(len(body)), status, kind, verrText(verr))
		return
	}

	online, offline := 0, 0
	now := time.Now().UTC()
	err = h.store.Transact(r.Context(), func(tx storage.Tx) error {
		for i := range records {
			rec := records[i]
			if rec.Timestamp.IsZero() {
				rec.Timestamp = now
			}
			if rec.Online {
				online++
			} else {
				offline++
			}
			if err := tx.UpsertTelemetryLive(&types.TelemetryLive{
				SiteID:    key.SiteID,
				MinerID:   rec.MinerID,
				Record:    rec,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.AppendTelemetryHistory(&types.TelemetryHistory{
				ID:        uuid.NewString(),
				SiteID:    key.SiteID,
				MinerID:   rec.MinerID,
				Timestamp: rec.Timestamp,
				Record:    rec,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.logger.Error().Err(err).Str("site_id", key.SiteID).Msg("telemetry persistence failed")
		WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "persistence failed")
		return
	}

	elapsed := time.Since(start)
	h.logUpload(r, key, &types.CollectorUploadLog{
		MinerCount:       len(records),
		OnlineCount:      online,
		OfflineCount:     offline,
		ProcessingTimeMS: elapsed.Milliseconds(),
		PayloadSizeBytes: int64(len(body)),
		Compression:      compression,
		Outcome:          "accepted",
	})

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadRecords.Add(float64(len(records)))
	metrics.UploadDuration.Observe(elapsed.Seconds())

	writeJSON(w, http.StatusOK, UploadResponse{
		Processed:        len(records),
		Online:           online,
		Offline:          offline,
		ProcessingTimeMS: elapsed.Milliseconds(),
	})
}

func verrText(e *ValidationError) string { return e.Error() }

// reject refuses the whole batch. No telemetry or upload-log rows are
// written for a rejected batch; rejections are observable through metrics,
// the structured log line, and the response body.
func (h *UploadHandler) reject(w http.ResponseWriter, r *http.Request, key *types.CollectorKey, compression string, size int64, status int, kind types.ErrorKind, detail string) {
	h.logger.Warn().
		Str("site_id", key.SiteID).
		Str("error", string(kind)).
		Str("detail", detail).
		Int64("payload_bytes", size).
		Str("compression", compression).
		Str("client_ip", clientIP(r)).
		Msg("upload rejected")
	metrics.UploadsTotal.WithLabelValues("rejected").Inc()
	WriteError(w, status, kind, detail)
}

func (h *UploadHandler) logUpload(r *http.Request, key *types.CollectorKey, l *types.CollectorUploadLog) {
	l.ID = uuid.NewString()
	l.SiteID = key.SiteID
	l.KeyID = key.ID
	l.ReceivedAt = time.Now().UTC()
	l.ClientIP = clientIP(r)
	if err := h.store.InsertUploadLog(r.Context(), l); err != nil {
		h.logger.Error().Err(err).Msg("failed to write upload log")
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
