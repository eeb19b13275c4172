package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/api/handlers"
	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/domain/access"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/pkg/circuitbreaker"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testRouter(ping func(context.Context) error) http.Handler {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	breakers := circuitbreaker.NewManager(nil)
	breakers.GetOrCreate("postgres", circuitbreaker.DefaultConfig("postgres"))

	return newRouter(routerDeps{
		Safety:         handlers.NewSafetyHandler(nil, nil, m, nil, nil),
		Administration: handlers.NewAdministrationHandler(nil, m, nil, nil),
		Auth:           middleware.AuthConfig{SigningKey: testKey},
		Limiter:        middleware.NewRateLimiter(100, 100),
		Metrics:        m,
		Gatherer:       reg,
		Ready:          ping,
		Breakers:       breakers,
		Logger:         zap.NewNop(),
	})
}

func okPing(context.Context) error { return nil }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(okPing).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"pharmacy-api"`)
}

func TestReady(t *testing.T) {
	t.Run("database reachable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		testRouter(okPing).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body readiness
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ready", body.Status)
		require.Len(t, body.Breakers, 1)
		assert.Equal(t, "postgres", body.Breakers[0].Name)
	})

	t.Run("database down", func(t *testing.T) {
		ping := func(context.Context) error { return errors.New("connection refused") }
		rec := httptest.NewRecorder()
		testRouter(ping).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	router := testRouter(okPing)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}

func TestAPIRequiresToken(t *testing.T) {
	router := testRouter(okPing)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/administration/queue", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a valid token for a role without the capability reaches the handler's
	// capability check rather than the service
	tok, err := middleware.IssueToken(testKey, middleware.Principal{StaffID: 3, Role: access.RolePhysician}, time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/administration/doses", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
