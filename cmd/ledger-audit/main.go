// Package main provides the ledger audit consumer: it reads dose and
// override events from Redpanda and writes them to the audit log exactly once.
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

	"github.com/hospharm/medcore/internal/audit"
	"github.com/hospharm/medcore/internal/config"
	"github.com/hospharm/medcore/internal/infrastructure/postgres"
	"github.com/hospharm/medcore/internal/infrastructure/redpanda"
	"github.com/hospharm/medcore/internal/observability/logging"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/internal/observability/tracing"
	"github.com/hospharm/medcore/pkg/idempotency"
)

const serviceName = "ledger-audit"

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Audit dose administrations and safety overrides",
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

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	inbox := idempotency.NewInbox(pool, idempotency.InboxConfig{}, logger)
	auditor := audit.NewAuditor(cfg.ConsumerGroup, inbox, m, logger)

	consumerCfg := redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, cfg.ConsumerGroup,
		redpanda.TopicAdministrationEvents, redpanda.TopicSafetyOverrides)
	consumerCfg.Pool.Workers = cfg.AuditWorkers
	consumerCfg.Pool.Retryable = func(err error) bool { return !idempotency.IsTerminal(err) }

	consumer, err := redpanda.NewConsumer(consumerCfg, auditor.Handle, logger)
	if err != nil {
		return err
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	jobs, err := scheduleMaintenance(ctx, inbox, admin, cfg.ConsumerGroup, m, logger)
	if err != nil {
		return err
	}
	jobs.StartAsync()
	defer jobs.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("ledger audit started",
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("workers", cfg.AuditWorkers))

	<-ctx.Done()

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("ledger audit stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return nil
}

// scheduleMaintenance registers inbox cleanup, stale entry recovery and the
// consumer lag gauge.
func scheduleMaintenance(ctx context.Context, inbox *idempotency.Inbox, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if _, err := s.Every(time.Hour).Do(func() {
		n, err := inbox.Cleanup(ctx)
		if err != nil {
			logger.Error("inbox cleanup failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("inbox cleanup", zap.Int64("removed", n))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule inbox cleanup: %w", err)
	}

	if _, err := s.Every(time.Minute).Do(func() {
		n, err := inbox.RecoverStaleEntries(ctx)
		if err != nil {
			logger.Error("inbox recovery failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Warn("recovered stale inbox entries", zap.Int64("count", n))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule inbox recovery: %w", err)
	}

	if _, err := s.Every(30 * time.Second).Do(func() {
		lag, err := admin.ConsumerGroupLag(ctx, group)
		if err != nil {
			logger.Warn("consumer lag failed", zap.Error(err))
			return
		}
		m.SetConsumerLag(lag)
	}); err != nil {
		return nil, fmt.Errorf("schedule consumer lag: %w", err)
	}

	return s, nil
}
