package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// HeaderCollectorKey carries the site credential on every collector call.
const HeaderCollectorKey = "X-Collector-Key"

// KeyPrefix is the plaintext token prefix issued to collectors.
const KeyPrefix = "hsc_"

type contextKey string

const collectorKeyContext contextKey = "collector_key"

// HashKey returns the hex SHA-256 of a collector key header value. This is
// the only form ever persisted.
func HashKey(header string) string {
	sum := sha256.Sum256([]byte(header))
	return hex.EncodeToString(sum[:])
}

// KeyFromContext returns the authenticated collector key, or nil.
func KeyFromContext(ctx context.Context) *types.CollectorKey {
	k, _ := ctx.Value(collectorKeyContext).(*types.CollectorKey)
	return k
}

// Authenticate validates the collector key header against the store and
// attaches the key to the request context. Missing, unknown, or revoked
// keys reject with 401.
func Authenticate(store storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(HeaderCollectorKey)
			if header == "" || !strings.HasPrefix(header, KeyPrefix) {
				WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "collector key required")
				return
			}

			key, err := store.GetCollectorKeyByHash(r.Context(), HashKey(header))
			if errors.Is(err, storage.ErrNotFound) {
				WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "unknown collector key")
				return
			}
			if err != nil {
				WriteError(w, http.StatusInternalServerError, types.ErrKindTransient, "key lookup failed")
				return
			}
			if key.Revoked() {
				WriteError(w, http.StatusUnauthorized, types.ErrKindUnauthorized, "collector key revoked")
				return
			}

			ctx := context.WithValue(r.Context(), collectorKeyContext, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
