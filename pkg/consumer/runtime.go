package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/transport"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// ErrLockHeld tells the transport another instance is processing this
// entity; the message comes back after a bounded delay.
var ErrLockHeld = errors.New("consumer: entity lock held")

// Handler processes one event inside the supplied transaction. Side effects
// written through tx commit together with the inbox row; a returned error
// rolls everything back. Handlers classify failures via types.Transient,
// types.Permanent, or types.Reject instead of propagating arbitrary errors.
type Handler func(ctx context.Context, tx storage.Tx, env *types.Envelope) error

// Config tunes a consumer runtime.
type Config struct {
	MaxRetries      int           // default 3
	BackoffBase     time.Duration // default 1s
	LockTTL         time.Duration // default 60s
	HandlerDeadline time.Duration // upper bound per event, default 30s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.LockTTL <= 0 {
		out.LockTTL = 60 * time.Second
	}
	if out.HandlerDeadline <= 0 {
		out.HandlerDeadline = 30 * time.Second
	}
	return out
}

// Runtime executes handlers for one consumer group with inbox idempotency,
// per-entity locks, bounded retries, and DLQ on terminal failure.
type Runtime struct {
	name   string
	store  storage.Store
	locker EntityLocker
	cfg    Config
	logger zerolog.Logger

	handlers map[string]Handler

	mu      sync.Mutex
	retries map[string]int // event id -> failures so far
}

// NewRuntime creates a runtime for the named consumer group.
func NewRuntime(name string, store storage.Store, locker EntityLocker, cfg Config) *Runtime {
	return &Runtime{
		name:     name,
		store:    store,
		locker:   locker,
		cfg:      cfg.withDefaults(),
		logger:   log.WithConsumer(name),
		handlers: map[string]Handler{},
		retries:  map[string]int{},
	}
}

// On registers the handler for an event kind. Events with no registered
// kind are logged and dead-lettered.
func (r *Runtime) On(kind string, h Handler) {
	r.handlers[kind] = h
}

// Subscribe attaches the runtime to the transport and blocks until ctx
// ends.
func (r *Runtime) Subscribe(ctx context.Context, sub transport.Subscriber, topics []string) error {
	return sub.Subscribe(ctx, r.name, topics, r.HandleMessage)
}

// HandleMessage is the transport entry point for one delivered envelope.
// It returns ErrLockHeld to request redelivery; every other outcome —
// processed, duplicate, dead-lettered — consumes the message so the
// partition keeps advancing.
func (r *Runtime) HandleMessage(ctx context.Context, env *types.Envelope) error {
	key := env.PartitionKey()
	ok, err := r.locker.TryLock(ctx, key, r.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("entity lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	defer r.locker.Unlock(ctx, key)

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerDeadline)
	defer cancel()

	for {
		outcome, err := r.processOnce(hctx, env)
		if err == nil {
			r.clearRetries(env.EventID)
			metrics.EventsConsumed.WithLabelValues(r.name, outcome).Inc()
			return nil
		}

		kind := types.Classify(err)
		n := r.bumpRetries(env.EventID)
		if kind.Retryable() && n <= r.cfg.MaxRetries {
			delay := jittered(r.cfg.BackoffBase * (1 << (n - 1)))
			r.logger.Warn().Err(err).
				Str("event_id", env.EventID).
				Int("attempt", n).
				Dur("backoff", delay).
				Msg("handler failed, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		r.deadLetter(ctx, env, kind, err, n)
		r.clearRetries(env.EventID)
		metrics.EventsConsumed.WithLabelValues(r.name, "dead_lettered").Inc()
		return nil
	}
}

// processOnce runs one attempt in one transaction. The inbox insert is the
// idempotency gate: a duplicate aborts the attempt as a no-op.
func (r *Runtime) processOnce(ctx context.Context, env *types.Envelope) (string, error) {
	handler, known := r.handlers[env.Kind]
	if !known {
		r.logger.Error().
			Str("event_id", env.EventID).
			Str("kind", env.Kind).
			Msg("no handler registered for event kind")
		return "", types.Reject(types.ErrKindValidation, fmt.Errorf("unknown event kind %q", env.Kind))
	}

	start := time.Now()
	duplicate := false

	err := r.store.Transact(ctx, func(tx storage.Tx) error {
		digest := sha256.Sum256(env.Payload)
		insErr := tx.InsertInbox(&types.InboxRecord{
			ConsumerName:  r.name,
			EventID:       env.EventID,
			EventKind:     env.Kind,
			ConsumedAt:    time.Now().UTC(),
			PayloadDigest: hex.EncodeToString(digest[:]),
		})
		if errors.Is(insErr, storage.ErrDuplicateKey) {
			duplicate = true
			return errAlreadyProcessed
		}
		if insErr != nil {
			return types.Transient(insErr)
		}
		return handler(ctx, tx, env)
	})

	metrics.HandlerDuration.WithLabelValues(r.name, env.Kind).Observe(time.Since(start).Seconds())

	if duplicate {
		metrics.DuplicateDeliveries.WithLabelValues(r.name).Inc()
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}

	// Sampled write-to-visible latency for the SLO surface.
	metrics.ObserveWriteToVisible(time.Since(env.CreatedAt).Seconds())
	return "processed", nil
}

var errAlreadyProcessed = errors.New("consumer: event already processed")

func (r *Runtime) deadLetter(ctx context.Context, env *types.Envelope, kind types.ErrorKind, cause error, retries int) {
	now := time.Now().UTC()
	entry := &types.DLQEntry{
		// Deterministic id: at most one DLQ row per (consumer, event).
		ID:            r.name + ":" + env.EventID,
		ConsumerName:  r.name,
		EventID:       env.EventID,
		EventKind:     env.Kind,
		TenantID:      env.TenantID,
		EntityID:      env.EntityID,
		Payload:       env.Payload,
		ErrorKind:     kind,
		ErrorDetail:   cause.Error(),
		RetryCount:    retries,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	err := r.store.InsertDLQ(ctx, entry)
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		// Already dead-lettered on a previous delivery.
	case err != nil:
		r.logger.Error().Err(err).Str("event_id", env.EventID).Msg("failed to write DLQ entry")
	default:
		metrics.DLQEntries.WithLabelValues(r.name, string(kind)).Inc()
		r.logger.Error().
			Str("event_id", env.EventID).
			Str("kind", env.Kind).
			Str("error_kind", string(kind)).
			Int("retries", retries).
			Msg("event dead-lettered")
	}
}

func (r *Runtime) bumpRetries(eventID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[eventID]++
	return r.retries[eventID]
}

func (r *Runtime) clearRetries(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, eventID)
}

// jittered spreads a backoff by ±20%.
func jittered(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
