package edge

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Agent is the on-prem collector: it polls every configured miner on a
// jittered schedule, normalizes responses, uploads batches, and runs the
// command long-poll in parallel.
type Agent struct {
	cfg      *Config
	cgminer  *CGMinerClient
	uploader *Uploader
	runner   *CommandRunner
	state    *State
	logger   zerolog.Logger

	cycleRunning atomic.Bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewAgent wires an agent from its configuration.
func NewAgent(cfg *Config) (*Agent, error) {
	state, err := OpenState(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	cg := NewCGMinerClient()
	return &Agent{
		cfg:      cfg,
		cgminer:  cg,
		uploader: NewUploader(cfg.ServerURL, cfg.CollectorKey),
		runner:   NewCommandRunner(cfg, cg, state),
		state:    state,
		logger:   log.WithComponent("edge-agent"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the polling loop and the command runner.
func (a *Agent) Start(ctx context.Context) {
	go a.runner.Run(ctx)
	go a.run(ctx)
}

// Stop halts the polling loop and closes state. Idempotent.
func (a *Agent) Stop() error {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.doneCh
	return a.state.Close()
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.doneCh)

	a.logger.Info().
		Int("miners", len(a.cfg.Miners)).
		Int("workers", a.cfg.Workers).
		Dur("interval", a.cfg.PollInterval()).
		Msg("edge agent started")

	for {
		// Jitter spreads fleet cycles so sites never stampede the ingest
		// API in lockstep.
		wait := a.cfg.PollInterval() + time.Duration(rand.Int63n(int64(2*a.cfg.Jitter()))) - a.cfg.Jitter()
		select {
		case <-time.After(wait):
			a.cycle(ctx)
		case <-ctx.Done():
			a.logger.Info().Msg("edge agent stopped")
			return
		case <-a.stopCh:
			a.logger.Info().Msg("edge agent stopped")
			return
		}
	}
}

// cycle polls every miner once through the worker pool and uploads the
// batch. Cycles coalesce: if the previous one is still running, this tick
// is skipped rather than stacked.
func (a *Agent) cycle(ctx context.Context) {
	if !a.cycleRunning.CompareAndSwap(false, true) {
		a.logger.Warn().Msg("previous poll cycle still running, skipping tick")
		return
	}
	defer a.cycleRunning.Store(false)

	deadline := 5 * a.cfg.PollInterval()
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	records := a.pollAll(cctx)

	accepted, err := a.uploader.Upload(cctx, records)
	if err != nil {
		a.logger.Error().Err(err).Int("records", len(records)).Msg("batch upload failed")
		return
	}

	a.logger.Info().
		Int("polled", len(records)).
		Int("accepted", accepted).
		Dur("elapsed", time.Since(start)).
		Msg("poll cycle complete")
}

// pollAll fans the miner list across the worker pool, one miner per job.
func (a *Agent) pollAll(ctx context.Context) []types.TelemetryRecord {
	jobs := make(chan MinerTarget)
	results := make(chan types.TelemetryRecord, len(a.cfg.Miners))

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range jobs {
				results <- a.pollOne(ctx, target)
			}
		}()
	}

	for _, m := range a.cfg.Miners {
		select {
		case jobs <- m:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	records := make([]types.TelemetryRecord, 0, len(a.cfg.Miners))
	for rec := range results {
		records = append(records, rec)
	}
	return records
}

// pollOne merges summary, stats, and pools for one miner. A summary
// failure marks the miner offline; stats and pools degrade gracefully.
func (a *Agent) pollOne(ctx context.Context, target MinerTarget) types.TelemetryRecord {
	now := time.Now()

	summary, err := a.cgminer.Call(ctx, target.Address, "summary")
	if err != nil {
		metrics.MinerPolls.WithLabelValues("offline").Inc()
		a.logger.Debug().Err(err).Str("miner_id", target.ID).Msg("miner unreachable")
		return Offline(target.ID, now, err)
	}

	stats, err := a.cgminer.Call(ctx, target.Address, "stats")
	if err != nil {
		stats = nil
	}
	pools, err := a.cgminer.Call(ctx, target.Address, "pools")
	if err != nil {
		pools = nil
	}

	metrics.MinerPolls.WithLabelValues("ok").Inc()
	return Normalize(target.ID, summary, stats, pools, now)
}
