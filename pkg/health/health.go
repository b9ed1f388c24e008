// Package health exposes the observability surface of the core: database
// round-trip, outbox backlog, consumer lag, DLQ pressure, sampled
// write-to-visible p95, cache hit rate, and derived-view freshness on one
// endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage"
)

// Status grades one check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarn     Status = "warn"
	StatusCritical Status = "critical"
)

// Check is one graded measurement.
type Check struct {
	Status Status  `json:"status"`
	Value  float64 `json:"value"`
	Detail string  `json:"detail,omitempty"`
}

// Response is the /health body.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// LagReporter supplies per-group consumer lag; the Kafka deployment reads
// it from the broker admin API. Dev mode passes no reporter and the
// consumer_lag check is left out.
type LagReporter interface {
	Lag(ctx context.Context) (map[string]int64, error)
}

// HitRater reports a cache hit fraction in [0, 1].
type HitRater interface {
	HitRate() float64
}

// Server evaluates the checks against the store.
type Server struct {
	store        storage.Store
	lag          LagReporter
	cache        HitRater
	sampleTenant string // tenant whose derived view grades freshness
}

// NewServer creates the health handler. lag, cache, and sampleTenant are
// optional.
func NewServer(store storage.Store, lag LagReporter, cache HitRater, sampleTenant string) *Server {
	return &Server{store: store, lag: lag, cache: cache, sampleTenant: sampleTenant}
}

// ServeHTTP implements the /health endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := Response{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]Check{},
	}
	worst := func(st Status) {
		if st == StatusCritical || (st == StatusWarn && resp.Status == StatusOK) {
			resp.Status = st
		}
	}

	// Database round-trip.
	rtt, err := s.store.Ping(ctx)
	switch {
	case err != nil:
		resp.Checks["database"] = Check{Status: StatusCritical, Detail: err.Error()}
		worst(StatusCritical)
	case rtt > 500*time.Millisecond:
		resp.Checks["database"] = Check{Status: StatusCritical, Value: float64(rtt.Milliseconds())}
		worst(StatusCritical)
	case rtt > 100*time.Millisecond:
		resp.Checks["database"] = Check{Status: StatusWarn, Value: float64(rtt.Milliseconds())}
		worst(StatusWarn)
	default:
		resp.Checks["database"] = Check{Status: StatusOK, Value: float64(rtt.Milliseconds())}
	}

	// Outbox backlog: count and age of oldest unpublished row.
	count, oldest, err := s.store.OutboxBacklog(ctx)
	if err == nil {
		st := StatusOK
		detail := ""
		if count > 1000 {
			st = StatusWarn
			detail = "backlog over 1000"
		}
		if count > 0 && time.Since(oldest) > 5*time.Minute {
			st = StatusWarn
			detail = "oldest unpublished row over 5m"
		}
		resp.Checks["outbox_backlog"] = Check{Status: st, Value: float64(count), Detail: detail}
		worst(st)
	}

	// Consumer lag.
	if s.lag != nil {
		if lags, err := s.lag.Lag(ctx); err == nil {
			var total int64
			for _, l := range lags {
				total += l
			}
			st := StatusOK
			switch {
			case total > 10000:
				st = StatusCritical
			case total > 1000:
				st = StatusWarn
			}
			resp.Checks["consumer_lag"] = Check{Status: st, Value: float64(total)}
			worst(st)
		}
	}

	// DLQ pressure.
	if stats, err := s.store.StatsDLQ(ctx, storage.DLQFilter{Unreplayed: true}); err == nil {
		st := StatusOK
		if stats.Total > 10 {
			st = StatusWarn
		}
		detail, _ := json.Marshal(stats.Breakdown)
		resp.Checks["dlq"] = Check{Status: st, Value: float64(stats.Total), Detail: string(detail)}
		worst(st)
	}

	// Sampled write-to-visible p95: outbox created_at to derived view
	// update, fed by the consumer runtime. SLO < 3s.
	if p95, ok := metrics.WriteToVisibleSamples.P95(); ok {
		st := StatusOK
		if p95 >= 3 {
			st = StatusWarn
		}
		resp.Checks["write_to_visible_p95"] = Check{Status: st, Value: p95}
		worst(st)
	} else {
		resp.Checks["write_to_visible_p95"] = Check{Status: StatusOK, Detail: "no samples yet"}
	}

	// Cache hit rate.
	if s.cache != nil {
		rate := s.cache.HitRate()
		st := StatusOK
		if rate < 0.8 {
			st = StatusWarn
		}
		resp.Checks["cache_hit_rate"] = Check{Status: st, Value: rate}
		worst(st)
	}

	// Derived-view freshness for the sampled tenant.
	if s.sampleTenant != "" {
		p, err := s.store.GetPortfolio(ctx, s.sampleTenant)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			resp.Checks["view_freshness"] = Check{Status: StatusOK, Detail: "no derived rows yet"}
		case err == nil:
			age := time.Since(p.UpdatedAt)
			st := StatusOK
			if age > time.Hour {
				st = StatusWarn
			}
			resp.Checks["view_freshness"] = Check{Status: st, Value: age.Seconds()}
			worst(st)
		}
	}

	code := http.StatusOK
	if resp.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
