package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/domain/access"
	"github.com/hospharm/medcore/internal/domain/safety"
	"github.com/hospharm/medcore/internal/observability/metrics"
)

// SafetyChecker runs prescribing checks and history reviews.
type SafetyChecker interface {
	Check(ctx context.Context, patientID int64, candidates []int64, now time.Time) (*safety.Report, error)
	ReviewPatient(ctx context.Context, patientID int64, now time.Time) (*safety.Report, error)
}

// OverrideRecorder audits clinician overrides.
type OverrideRecorder interface {
	RecordOverride(ctx context.Context, cmd safety.OverrideCommand, now time.Time) (*safety.OverrideRecord, error)
}

// SafetyHandler serves the interaction and allergy checks.
type SafetyHandler struct {
	checker   SafetyChecker
	overrides OverrideRecorder
	metrics   *metrics.Metrics
	clock     Clock
	logger    *zap.Logger
}

// NewSafetyHandler creates a handler. m may be nil.
func NewSafetyHandler(checker SafetyChecker, overrides OverrideRecorder, m *metrics.Metrics, clock Clock, logger *zap.Logger) *SafetyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &SafetyHandler{checker: checker, overrides: overrides, metrics: m, clock: clock, logger: logger}
}

// Routes returns the /safety routes.
func (h *SafetyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireCapability(access.CapCheckSafety)).Post("/check", h.Check)
	r.With(middleware.RequireCapability(access.CapOverrideSafety)).Post("/overrides", h.Override)
	return r
}

// PatientRoutes returns the /patients routes.
func (h *SafetyHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireCapability(access.CapReviewHistory)).Get("/{id}/safety-review", h.Review)
	return r
}

// CheckRequest is the body of POST /safety/check.
type CheckRequest struct {
	PatientID int64   `json:"patient_id"`
	DrugIDs   []int64 `json:"drug_ids"`
}

// InteractionView is the wire form of an interaction finding.
type InteractionView struct {
	DrugAID        int64  `json:"drugAId"`
	DrugA          string `json:"drugA"`
	DrugBID        int64  `json:"drugBId"`
	DrugB          string `json:"drugB"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// AllergyView is the wire form of an allergy finding.
type AllergyView struct {
	DrugID           int64  `json:"drugId"`
	DrugName         string `json:"drugName"`
	ActivePrinciple  string `json:"activePrinciple"`
	AllergenName     string `json:"allergenName"`
	AllergenCategory string `json:"allergenCategory"`
	Severity         string `json:"severity"`
	Reaction         string `json:"reaction"`
	Notes            string `json:"notes"`
}

// CheckResponse is the envelope returned by the check and review endpoints.
type CheckResponse struct {
	Success      bool              `json:"success"`
	Policy       string            `json:"policy"`
	Interactions []InteractionView `json:"interactions"`
	Allergies    []AllergyView     `json:"allergies"`
}

func newCheckResponse(r *safety.Report) CheckResponse {
	resp := CheckResponse{
		Success:      true,
		Policy:       r.Policy,
		Interactions: make([]InteractionView, 0, len(r.Interactions)),
		Allergies:    make([]AllergyView, 0, len(r.Allergies)),
	}
	for _, f := range r.Interactions {
		resp.Interactions = append(resp.Interactions, InteractionView{
			DrugAID:        f.DrugAID,
			DrugA:          f.DrugA,
			DrugBID:        f.DrugBID,
			DrugB:          f.DrugB,
			Severity:       string(f.Severity),
			Description:    f.Description,
			Recommendation: f.Recommendation,
		})
	}
	for _, f := range r.Allergies {
		resp.Allergies = append(resp.Allergies, AllergyView{
			DrugID:           f.DrugID,
			DrugName:         f.DrugName,
			ActivePrinciple:  f.ActivePrinciple,
			AllergenName:     f.AllergenName,
			AllergenCategory: f.AllergenCategory,
			Severity:         string(f.Severity),
			Reaction:         f.Reaction,
			Notes:            f.Notes,
		})
	}
	return resp
}

func (h *SafetyHandler) observe(policy string, report *safety.Report, err error) {
	if report == nil {
		h.metrics.ObserveCheck(policy, err, nil, nil)
		return
	}
	interactions := make(map[string]int)
	for _, f := range report.Interactions {
		interactions[string(f.Severity)]++
	}
	allergies := make(map[string]int)
	for _, f := range report.Allergies {
		allergies[string(f.Severity)]++
	}
	h.metrics.ObserveCheck(policy, err, interactions, allergies)
}

// Check handles POST /safety/check
func (h *SafetyHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	report, err := h.checker.Check(r.Context(), req.PatientID, req.DrugIDs, h.clock())
	h.observe(safety.PrescribingPolicy.Name, report, err)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, newCheckResponse(report))
}

// Review handles GET /patients/{id}/safety-review
func (h *SafetyHandler) Review(w http.ResponseWriter, r *http.Request) {
	patientID, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	report, err := h.checker.ReviewPatient(r.Context(), patientID, h.clock())
	h.observe(safety.ReviewPolicy.Name, report, err)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, newCheckResponse(report))
}

// OverrideRequest is the body of POST /safety/overrides.
type OverrideRequest struct {
	PatientID int64   `json:"patient_id"`
	DrugIDs   []int64 `json:"drug_ids"`
	Reason    string  `json:"reason"`
}

// OverrideResponse acknowledges a recorded override.
type OverrideResponse struct {
	Success bool          `json:"success"`
	EventID string        `json:"event_id"`
	Report  CheckResponse `json:"report"`
}

// Override handles POST /safety/overrides
func (h *SafetyHandler) Override(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	var req OverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	rec, err := h.overrides.RecordOverride(r.Context(), safety.OverrideCommand{
		PatientID:     req.PatientID,
		DrugIDs:       req.DrugIDs,
		StaffID:       p.StaffID,
		Reason:        req.Reason,
		CorrelationID: middleware.GetRequestID(r.Context()),
	}, h.clock())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.metrics.ObserveOverride()

	writeJSON(w, http.StatusCreated, OverrideResponse{
		Success: true,
		EventID: rec.EventID,
		Report:  newCheckResponse(rec.Report),
	})
}
