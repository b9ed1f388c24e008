package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hashsentry/hashsentry/pkg/authz"
	"github.com/hashsentry/hashsentry/pkg/cache"
	"github.com/hashsentry/hashsentry/pkg/command"
	"github.com/hashsentry/hashsentry/pkg/config"
	"github.com/hashsentry/hashsentry/pkg/consumer"
	"github.com/hashsentry/hashsentry/pkg/health"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/outbox"
	"github.com/hashsentry/hashsentry/pkg/server"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/storage/gormstore"
	"github.com/hashsentry/hashsentry/pkg/storage/memstore"
	"github.com/hashsentry/hashsentry/pkg/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the cloud control plane",
	Long: `Runs the control plane: the collector ingest API, the command
queue, the outbox publisher, the portfolio consumer, and the health and
metrics endpoints. Without DATABASE_URL and KAFKA_BROKERS it runs the
single-binary dev mode on the in-memory store and broker.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := log.WithComponent("server")

	// Store: MySQL in production, in-memory for dev mode.
	var store storage.Store
	if cfg.DatabaseURL != "" {
		gs, err := gormstore.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		store = gs
		logger.Info().Msg("connected to database")
	} else {
		store = memstore.New()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store (dev mode)")
	}
	defer store.Close()

	// Redis backs entity locks and shared rate-limit state when present.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis ping failed, falling back to in-process state")
			redisClient = nil
		} else {
			logger.Info().Msg("redis connected")
		}
	}

	// Transport: Kafka in production, in-memory broker for dev mode.
	var pub transport.Publisher
	var sub transport.Subscriber
	var lag health.LagReporter
	if len(cfg.KafkaBrokers) > 0 {
		kcfg := transport.DefaultKafkaConfig(cfg.KafkaBrokers)
		kp, err := transport.NewKafkaPublisher(kcfg)
		if err != nil {
			return fmt.Errorf("failed to start kafka publisher: %w", err)
		}
		pub = kp
		ks, err := transport.NewKafkaSubscriber(kcfg, "portfolio")
		if err != nil {
			return fmt.Errorf("failed to start kafka subscriber: %w", err)
		}
		sub = ks
		lagReporter, err := transport.NewKafkaLagReporter(kcfg, map[string][]string{
			"portfolio": {transport.TopicMiner},
		})
		if err != nil {
			return fmt.Errorf("failed to start kafka lag reporter: %w", err)
		}
		defer lagReporter.Close()
		lag = lagReporter
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Msg("kafka transport ready")
	} else {
		broker := transport.NewMemoryBroker()
		pub = broker
		sub = broker
		logger.Warn().Msg("KAFKA_BROKERS not set, using in-memory transport (dev mode)")
	}
	defer pub.Close()

	// CDC publisher.
	publisher := outbox.NewPublisher(store, pub, outbox.PublisherConfig{
		PollInterval: cfg.OutboxPollInterval,
		Batch:        cfg.OutboxBatch,
		Retention:    cfg.OutboxRetention,
	})
	publisher.Start()
	defer publisher.Stop()

	// Portfolio consumer group.
	var locker consumer.EntityLocker
	if redisClient != nil {
		locker = consumer.NewRedisLocker(redisClient)
	} else {
		locker = consumer.NewMemoryLocker()
	}
	portfolio := consumer.NewRuntime("portfolio", store, locker, consumer.Config{
		MaxRetries:  cfg.ConsumerMaxRetries,
		BackoffBase: cfg.ConsumerBackoffBase,
		LockTTL:     cfg.EntityLockTTL,
	})
	consumer.RegisterPortfolioHandlers(portfolio)

	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	go func() {
		if err := portfolio.Subscribe(consumerCtx, sub, []string{transport.TopicMiner}); err != nil && consumerCtx.Err() == nil {
			logger.Error().Err(err).Msg("portfolio consumer exited")
		}
	}()

	// Command queue and its sweeper.
	commands := command.NewService(store, cfg.CommandFetchLimit)
	sweeper := command.NewSweeper(store, time.Minute)
	sweeper.Start()
	defer sweeper.Stop()

	// Retention pruning for inbox and telemetry history.
	go pruneLoop(consumerCtx, store, cfg)

	// Rate limiter: shared through redis when available.
	var limiter ingest.RateLimiter
	if redisClient != nil {
		limiter = ingest.NewRedisRateLimiter(redisClient, cfg.MaxRequestRate)
	} else {
		mem := ingest.NewMemoryRateLimiter(cfg.MaxRequestRate)
		defer mem.Stop()
		limiter = mem
	}

	// Portfolio read cache feeds the health hit-rate check.
	portfolioCache := cache.New(30*time.Second, func(ctx context.Context, tenant string) (any, error) {
		return store.GetPortfolio(ctx, tenant)
	})
	hs := health.NewServer(store, lag, portfolioCache, os.Getenv("HEALTH_SAMPLE_TENANT"))

	srv := server.New(server.Config{
		Addr:               cfg.ListenAddr,
		MaxPayloadSize:     cfg.MaxPayloadSize,
		MaxMinersPerUpload: cfg.MaxMinersPerUpload,
	}, store, commands, limiter, hs, authz.TenantScoped{})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	logger.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped gracefully")
	return nil
}

// pruneLoop enforces row retention: inbox 30d, telemetry history chunks by
// operator policy (default 30d).
func pruneLoop(ctx context.Context, store storage.Store, cfg *config.Config) {
	logger := log.WithComponent("retention")
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if n, err := store.PruneInbox(pctx, time.Now().UTC().Add(-cfg.InboxRetention)); err == nil && n > 0 {
				logger.Info().Int64("rows", n).Msg("pruned inbox")
			}
			if n, err := store.PruneTelemetryHistory(pctx, time.Now().UTC().Add(-30*24*time.Hour)); err == nil && n > 0 {
				logger.Info().Int64("rows", n).Msg("pruned telemetry history")
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
