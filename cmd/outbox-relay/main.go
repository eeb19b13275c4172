// Package main provides the outbox relay: it publishes committed ledger
// events from the outbox table to Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/config"
	"github.com/hospharm/medcore/internal/infrastructure/postgres"
	"github.com/hospharm/medcore/internal/infrastructure/redpanda"
	"github.com/hospharm/medcore/internal/observability/logging"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/internal/observability/tracing"
)

const serviceName = "outbox-relay"

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Relay committed ledger events to Redpanda",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateMessaging(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "topics",
		Short: "Create the ledger topics and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateMessaging(); err != nil {
				return err
			}
			logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return ensureTopics(cmd.Context(), cfg, logger)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func ensureTopics(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return admin.EnsureTopics(ctx, cfg.KafkaReplicationFactor)
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := ensureTopics(ctx, cfg, logger); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outbox := postgres.NewOutbox(pool, producer, m, outboxCfg, logger)

	jobs, err := scheduleMaintenance(ctx, outbox, m, cfg.OutboxRetention, logger)
	if err != nil {
		return err
	}
	jobs.StartAsync()
	defer jobs.Stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metricsMux(reg, producer.Ping),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	outbox.Start()
	logger.Info("outbox relay started",
		zap.Duration("poll_interval", outboxCfg.PollInterval),
		zap.Int("batch_size", outboxCfg.BatchSize))

	<-ctx.Done()

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
	return nil
}

// scheduleMaintenance registers the dead letter sweep, retention cleanup and
// backlog gauges.
func scheduleMaintenance(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, retention time.Duration, logger *zap.Logger) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if _, err := s.Every(time.Minute).Do(func() {
		n, err := outbox.MoveToDeadLetter(ctx)
		if err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Warn("outbox entries dead lettered", zap.Int64("count", n))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule dead letter sweep: %w", err)
	}

	if _, err := s.Every(time.Hour).Do(func() {
		n, err := outbox.CleanupProcessed(ctx, retention)
		if err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
			return
		}
		logger.Info("outbox cleanup", zap.Int64("removed", n), zap.Duration("retention", retention))
	}); err != nil {
		return nil, fmt.Errorf("schedule outbox cleanup: %w", err)
	}

	if _, err := s.Every(15 * time.Second).Do(func() {
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
			return
		}
		m.SetOutboxBacklog(stats.Pending, stats.Failed)
	}); err != nil {
		return nil, fmt.Errorf("schedule outbox stats: %w", err)
	}

	return s, nil
}

func metricsMux(g prometheus.Gatherer, ping func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return mux
}
