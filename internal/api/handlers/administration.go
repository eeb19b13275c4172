package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/domain/access"
	"github.com/hospharm/medcore/internal/domain/administration"
	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/observability/metrics"
)

// AdministrationService computes the nursing queues and records doses.
type AdministrationService interface {
	ComputeQueues(ctx context.Context, filter administration.Filter, now time.Time) (*administration.Queues, error)
	AdministerDose(ctx context.Context, cmd administration.AdministerCommand, now time.Time) (*ledger.AdministrationRecord, error)
	ItemStatus(ctx context.Context, itemID int64, now time.Time) (*administration.ItemStatus, error)
}

// AdministrationHandler serves the nursing work queue.
type AdministrationHandler struct {
	service AdministrationService
	metrics *metrics.Metrics
	clock   Clock
	logger  *zap.Logger
}

// NewAdministrationHandler creates a handler. m may be nil.
func NewAdministrationHandler(service AdministrationService, m *metrics.Metrics, clock Clock, logger *zap.Logger) *AdministrationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &AdministrationHandler{service: service, metrics: m, clock: clock, logger: logger}
}

// Routes returns the /administration routes.
func (h *AdministrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireCapability(access.CapViewQueue))
		r.Get("/queue", h.Queue)
		r.Get("/items/{id}", h.Item)
	})
	r.With(middleware.RequireCapability(access.CapAdministerDose)).Post("/doses", h.Administer)
	return r
}

// QueueResponse wraps the three queues.
type QueueResponse struct {
	Success bool `json:"success"`
	*administration.Queues
}

// Queue handles GET /administration/queue?q=
func (h *AdministrationHandler) Queue(w http.ResponseWriter, r *http.Request) {
	filter := administration.Filter{Query: r.URL.Query().Get("q")}

	queues, err := h.service.ComputeQueues(r.Context(), filter, h.clock())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if filter.Query == "" {
		h.metrics.ObserveQueues(len(queues.Ready), len(queues.Scheduled), len(queues.PendingPharmacy))
	}

	writeJSON(w, http.StatusOK, QueueResponse{Success: true, Queues: queues})
}

// Item handles GET /administration/items/{id}
func (h *AdministrationHandler) Item(w http.ResponseWriter, r *http.Request) {
	itemID, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	status, err := h.service.ItemStatus(r.Context(), itemID, h.clock())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "item": status})
}

// AdministerRequest is the body of POST /administration/doses. The acting
// nurse is the authenticated principal.
type AdministerRequest struct {
	DispensingID int64  `json:"dispensing_id"`
	Quantity     int    `json:"quantity"`
	Note         string `json:"note"`
}

// AdministerResponse returns the created ledger row.
type AdministerResponse struct {
	Success        bool                         `json:"success"`
	Administration *ledger.AdministrationRecord `json:"administration"`
}

// Administer handles POST /administration/doses
func (h *AdministrationHandler) Administer(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	var req AdministerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	rec, err := h.service.AdministerDose(r.Context(), administration.AdministerCommand{
		DispensingID:  req.DispensingID,
		Quantity:      req.Quantity,
		StaffID:       p.StaffID,
		Note:          req.Note,
		CorrelationID: middleware.GetRequestID(r.Context()),
	}, h.clock())
	if err != nil {
		h.metrics.ObserveAdministration(rejectReason(err))
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.metrics.ObserveAdministration("")

	writeJSON(w, http.StatusCreated, AdministerResponse{Success: true, Administration: rec})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return "validation"
	case errors.Is(err, ledger.ErrConsistency):
		return "consistency"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
