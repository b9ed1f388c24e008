package command

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Sweeper is the background task promoting overdue commands: queued or
// running rows past their expiry become expired, and running rows unreported
// past the running timeout go back to queued (bounded by MaxRefetch, then
// failed).
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper running every interval (default 1m).
func NewSweeper(store storage.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   log.WithComponent("command-sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop. Idempotent.
func (s *Sweeper) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("command sweeper started")
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			s.logger.Info().Msg("command sweeper stopped")
			return
		}
	}
}

// Sweep performs one pass; exported for tests.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	now := time.Now().UTC()
	if n, err := s.store.RevertStaleRunning(ctx, now, MaxRefetch); err != nil {
		s.logger.Error().Err(err).Msg("stale running revert failed")
	} else if n > 0 {
		s.logger.Warn().Int64("commands", n).Msg("reverted unreported running commands")
	}

	if n, err := s.store.ExpireCommands(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
	} else if n > 0 {
		metrics.CommandTransitions.WithLabelValues(string(types.CommandExpired)).Add(float64(n))
		s.logger.Info().Int64("commands", n).Msg("expired overdue commands")
	}
}
