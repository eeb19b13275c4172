package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/api/handlers"
	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/pkg/circuitbreaker"
)

const serviceName = "pharmacy-api"

// version is set at build time.
var version = "dev"

// routerDeps are the components the HTTP surface is assembled from.
type routerDeps struct {
	Safety         *handlers.SafetyHandler
	Administration *handlers.AdministrationHandler
	Auth           middleware.AuthConfig
	Limiter        *middleware.RateLimiter
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Ready          func(ctx context.Context) error
	Breakers       *circuitbreaker.Manager
	Logger         *zap.Logger
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Instrument(d.Metrics))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(d.Ready, d.Breakers))
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.StaffAuth(d.Auth))
		r.Use(d.Limiter.Handler)
		r.Mount("/safety", d.Safety.Routes())
		r.Mount("/patients", d.Safety.PatientRoutes())
		r.Mount("/administration", d.Administration.Routes())
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": version,
	})
}

type readiness struct {
	Status   string                        `json:"status"`
	Database string                        `json:"database"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

// readyHandler reports 503 when the database is unreachable. An open breaker
// is reported but does not fail readiness; the ping decides.
func readyHandler(ping func(ctx context.Context) error, breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := readiness{Status: "ready", Database: "ok"}
		if breakers != nil {
			body.Breakers = breakers.GetHealthStatus()
		}

		code := http.StatusOK
		if err := ping(r.Context()); err != nil {
			body.Status = "not ready"
			body.Database = err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	}
}
