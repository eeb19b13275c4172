// Package handlers provides HTTP handlers for the pharmacy API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/pkg/circuitbreaker"
)

// Clock returns the current time. Handlers pass it to the core as now.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, errorResponse{Error: message})
}

// writeDomainError maps core errors to status codes. Operational errors are
// logged and reported with a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var ve *ledger.ValidationError
	var ce *ledger.ConsistencyError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.As(err, &ce):
		jsonError(w, ce.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrValidation):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrConsistency):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrForbidden):
		jsonError(w, "forbidden", http.StatusForbidden)
	case circuitbreaker.IsRejected(err):
		jsonError(w, "service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ledger.NewValidationError("body", "invalid request body")
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, ledger.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

// principal returns the authenticated staff member. Routes are mounted
// behind StaffAuth, so a missing principal is a wiring fault.
func principal(r *http.Request) (middleware.Principal, error) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return middleware.Principal{}, ledger.ErrForbidden
	}
	return p, nil
}
