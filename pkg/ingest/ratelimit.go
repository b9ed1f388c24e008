package ingest

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// RateLimiter decides whether one more upload is admitted for a key within
// the current 60-second sliding window.
type RateLimiter interface {
	// Allow returns whether the request is admitted, how many requests
	// remain in the window, and when the window resets.
	Allow(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time, err error)
	Limit() int
}

const rateWindow = time.Minute

// MemoryRateLimiter is the in-process sliding window limiter. In a
// multi-worker deployment each worker enforces the limit independently
// unless the redis limiter is configured.
type MemoryRateLimiter struct {
	limit   int
	mu      sync.Mutex
	windows map[string]*slidingWindow
	stopCh  chan struct{}
}

type slidingWindow struct {
	stamps []time.Time
}

// NewMemoryRateLimiter creates a limiter admitting limit requests per key
// per minute and starts the stale-window sweeper.
func NewMemoryRateLimiter(limit int) *MemoryRateLimiter {
	rl := &MemoryRateLimiter{
		limit:   limit,
		windows: map[string]*slidingWindow{},
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *MemoryRateLimiter) Limit() int { return rl.limit }

func (rl *MemoryRateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rateWindow)

	sw, ok := rl.windows[key]
	if !ok {
		sw = &slidingWindow{}
		rl.windows[key] = sw
	}

	// Drop expired stamps.
	valid := sw.stamps[:0]
	for _, t := range sw.stamps {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	sw.stamps = valid

	if len(sw.stamps) >= rl.limit {
		resetAt := sw.stamps[0].Add(rateWindow)
		return false, 0, resetAt, nil
	}

	sw.stamps = append(sw.stamps, now)
	remaining := rl.limit - len(sw.stamps)
	resetAt := sw.stamps[0].Add(rateWindow)
	return true, remaining, resetAt, nil
}

// sweep removes idle windows so per-key state never grows without bound.
func (rl *MemoryRateLimiter) sweep() {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * rateWindow)
			rl.mu.Lock()
			for key, sw := range rl.windows {
				if len(sw.stamps) == 0 || sw.stamps[len(sw.stamps)-1].Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop halts the sweeper.
func (rl *MemoryRateLimiter) Stop() {
	close(rl.stopCh)
}

// RedisRateLimiter shares sliding-window state across workers through a
// sorted set per key.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
}

// NewRedisRateLimiter creates a shared limiter.
func NewRedisRateLimiter(client *redis.Client, limit int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit}
}

func (rl *RedisRateLimiter) Limit() int { return rl.limit }

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	now := time.Now()
	windowStart := now.Add(-rateWindow)
	rkey := "hashsentry:rate:" + key

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, now.Add(rateWindow), err
	}

	count := int(countCmd.Val())
	if count >= rl.limit {
		oldest, err := rl.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
		resetAt := now.Add(rateWindow)
		if err == nil && len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(rateWindow)
		}
		return false, 0, resetAt, nil
	}

	pipe = rl.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, rkey, 2*rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, now.Add(rateWindow), err
	}
	return true, rl.limit - count - 1, now.Add(rateWindow), nil
}

// RateLimit is the middleware enforcing the per-key limit with advisory
// headers. Limiter errors fail open: an unreachable redis never blocks
// telemetry.
func RateLimit(rl RateLimiter) func(http.Handler) http.Handler {
	logger := log.WithComponent("rate-limit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := KeyFromContext(r.Context())
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetAt, err := rl.Allow(r.Context(), key.ID)
			if err != nil {
				logger.Warn().Err(err).Msg("rate limiter unavailable, admitting request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(resetAt).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				if retryAfter > 60 {
					retryAfter = 60
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				metrics.RateLimited.Inc()
				WriteError(w, http.StatusTooManyRequests, types.ErrKindRateLimited, "upload rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
