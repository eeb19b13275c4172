// Package main provides the pharmacy API entry point: the medication safety
// checks and the nursing administration queue over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/api/handlers"
	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/config"
	"github.com/hospharm/medcore/internal/domain/access"
	"github.com/hospharm/medcore/internal/domain/administration"
	"github.com/hospharm/medcore/internal/domain/safety"
	"github.com/hospharm/medcore/internal/infrastructure/postgres"
	"github.com/hospharm/medcore/internal/infrastructure/redpanda"
	"github.com/hospharm/medcore/internal/observability/logging"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/internal/observability/tracing"
	"github.com/hospharm/medcore/pkg/circuitbreaker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Medication safety checks and dose administration API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateAPI(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
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
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
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

	store := postgres.NewStore(pool, redpanda.TopicFor, logger)

	breakers := circuitbreaker.NewManager(logger)
	breakerCfg := circuitbreaker.DefaultConfig("postgres")
	breakerCfg.IsSuccessful = postgres.DomainOutcome
	breaker, err := breakers.GetOrCreate("postgres", breakerCfg)
	if err != nil {
		return fmt.Errorf("create circuit breaker: %w", err)
	}
	guarded := postgres.NewGuardedStore(store, breaker)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	engine := safety.NewEngine(guarded, safety.Config{LookbackMonths: cfg.LookbackMonths}, logger)
	overrides := safety.NewOverrideLog(engine, guarded, logger)
	scheduler := administration.NewScheduler(guarded, administration.Config{
		ReadyGrace: cfg.ReadyGrace,
		Location:   loc,
	}, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	jobs := gocron.NewScheduler(time.UTC)
	if _, err := jobs.Every(5 * time.Minute).Do(func() {
		if n := limiter.Sweep(); n > 0 {
			logger.Debug("rate limit buckets swept", zap.Int("removed", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule limiter sweep: %w", err)
	}
	if _, err := jobs.Every(15 * time.Second).Do(func() {
		m.SetBreakerStates(breakers.GetHealthStatus())
	}); err != nil {
		return fmt.Errorf("schedule breaker gauges: %w", err)
	}
	jobs.StartAsync()
	defer jobs.Stop()

	router := newRouter(routerDeps{
		Safety:         handlers.NewSafetyHandler(engine, overrides, m, handlers.SystemClock, logger),
		Administration: handlers.NewAdministrationHandler(scheduler, m, handlers.SystemClock, logger),
		Auth: middleware.AuthConfig{
			SigningKey: []byte(cfg.JWTSecret),
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
		},
		Limiter:  limiter,
		Metrics:  m,
		Gatherer: reg,
		Ready:    store.Ping,
		Breakers: breakers,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting pharmacy API", zap.String("port", cfg.Port), zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-8s %-32s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.AppliedAt != nil {
						status, appliedAt = "applied", s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "%-8d %-32s %-8s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *postgres.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DatabaseURL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, postgres.NewMigrator(pool, postgres.Migrations(), logger))
}

func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <staff-id>",
		Short: "Issue a signed staff token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			staffID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || staffID <= 0 {
				return fmt.Errorf("staff id must be a positive integer: %q", args[0])
			}
			r, err := access.ParseRole(role)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}

			tok, err := middleware.IssueToken([]byte(cfg.JWTSecret), middleware.Principal{StaffID: staffID, Role: r}, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(access.RoleNurse), "pharmacist, nurse, physician or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
