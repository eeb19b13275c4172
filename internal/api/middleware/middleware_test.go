package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospharm/medcore/internal/domain/access"
)

var testKey = []byte("test-signing-key")

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"staff_id": p.StaffID, "role": p.Role})
	})
}

func bearer(t *testing.T, p Principal, ttl time.Duration) string {
	t.Helper()
	tok, err := IssueToken(testKey, p, ttl, time.Now())
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestStaffAuth(t *testing.T) {
	h := StaffAuth(AuthConfig{SigningKey: testKey})(principalEcho())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid nurse", bearer(t, Principal{StaffID: 7, Role: access.RoleNurse}, time.Hour), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"expired", bearer(t, Principal{StaffID: 7, Role: access.RoleNurse}, -time.Minute), http.StatusUnauthorized},
		{"unknown role", bearer(t, Principal{StaffID: 7, Role: access.Role("janitor")}, time.Hour), http.StatusUnauthorized},
		{"bad subject", bearer(t, Principal{StaffID: 0, Role: access.RoleNurse}, time.Hour), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStaffAuth_WrongKey(t *testing.T) {
	tok, err := IssueToken([]byte("other-key"), Principal{StaffID: 7, Role: access.RoleNurse}, time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	StaffAuth(AuthConfig{SigningKey: testKey})(principalEcho()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStaffAuth_SetsPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer(t, Principal{StaffID: 42, Role: access.RolePharmacist}, time.Hour))
	rec := httptest.NewRecorder()
	StaffAuth(AuthConfig{SigningKey: testKey})(principalEcho()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(42), body["staff_id"])
	assert.Equal(t, "pharmacist", body["role"])
}

func TestRequireCapability(t *testing.T) {
	h := RequireCapability(access.CapAdministerDose)(principalEcho())

	serve := func(p *Principal) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if p != nil {
			req = req.WithContext(WithPrincipal(req.Context(), *p))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve(&Principal{StaffID: 1, Role: access.RoleNurse}))
	assert.Equal(t, http.StatusForbidden, serve(&Principal{StaffID: 2, Role: access.RolePharmacist}))
	assert.Equal(t, http.StatusUnauthorized, serve(nil))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusOK, serve("10.0.0.1:5001").Code)
	limited := serve("10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))

	// other clients have their own bucket
	assert.Equal(t, http.StatusOK, serve("10.0.0.2:5000").Code)

	assert.Equal(t, 0, rl.Sweep(), "drained buckets are kept")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc", seen)
}
