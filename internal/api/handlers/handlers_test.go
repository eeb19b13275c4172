package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospharm/medcore/internal/api/middleware"
	"github.com/hospharm/medcore/internal/domain/access"
	"github.com/hospharm/medcore/internal/domain/administration"
	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/domain/safety"
	"github.com/hospharm/medcore/internal/observability/metrics"
)

var fixedNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type stubChecker struct {
	report     *safety.Report
	err        error
	gotPatient int64
	gotDrugs   []int64
	gotNow     time.Time
}

func (s *stubChecker) Check(_ context.Context, patientID int64, candidates []int64, now time.Time) (*safety.Report, error) {
	s.gotPatient, s.gotDrugs, s.gotNow = patientID, candidates, now
	return s.report, s.err
}

func (s *stubChecker) ReviewPatient(_ context.Context, patientID int64, now time.Time) (*safety.Report, error) {
	s.gotPatient, s.gotNow = patientID, now
	return s.report, s.err
}

type stubOverrides struct {
	rec *safety.OverrideRecord
	err error
	got safety.OverrideCommand
}

func (s *stubOverrides) RecordOverride(_ context.Context, cmd safety.OverrideCommand, _ time.Time) (*safety.OverrideRecord, error) {
	s.got = cmd
	return s.rec, s.err
}

type stubAdministration struct {
	queues *administration.Queues
	status *administration.ItemStatus
	rec    *ledger.AdministrationRecord
	err    error

	gotFilter administration.Filter
	gotCmd    administration.AdministerCommand
	gotItem   int64
}

func (s *stubAdministration) ComputeQueues(_ context.Context, filter administration.Filter, _ time.Time) (*administration.Queues, error) {
	s.gotFilter = filter
	return s.queues, s.err
}

func (s *stubAdministration) AdministerDose(_ context.Context, cmd administration.AdministerCommand, _ time.Time) (*ledger.AdministrationRecord, error) {
	s.gotCmd = cmd
	return s.rec, s.err
}

func (s *stubAdministration) ItemStatus(_ context.Context, itemID int64, _ time.Time) (*administration.ItemStatus, error) {
	s.gotItem = itemID
	return s.status, s.err
}

type fixture struct {
	checker   *stubChecker
	overrides *stubOverrides
	admin     *stubAdministration
	metrics   *metrics.Metrics
	router    chi.Router
}

func newFixture() *fixture {
	f := &fixture{
		checker:   &stubChecker{},
		overrides: &stubOverrides{},
		admin:     &stubAdministration{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	safetyHandler := NewSafetyHandler(f.checker, f.overrides, f.metrics, fixedClock, nil)
	adminHandler := NewAdministrationHandler(f.admin, f.metrics, fixedClock, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Mount("/api/v1/safety", safetyHandler.Routes())
	r.Mount("/api/v1/patients", safetyHandler.PatientRoutes())
	r.Mount("/api/v1/administration", adminHandler.Routes())
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, role access.Role, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Request-ID", "req-1")
	if role != "" {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{StaffID: 11, Role: role}))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func warfarinAspirin() *safety.Report {
	return &safety.Report{
		PatientID: 1,
		Policy:    safety.PrescribingPolicy.Name,
		Interactions: []safety.InteractionFinding{{
			DrugAID: 3, DrugA: "Warfarin", DrugBID: 9, DrugB: "Aspirin",
			Severity: ledger.SeverityHigh, Description: "bleeding risk", Recommendation: "avoid",
		}},
		Allergies: []safety.AllergyFinding{},
	}
}

func TestSafetyCheck(t *testing.T) {
	f := newFixture()
	f.checker.report = warfarinAspirin()

	rec := f.do(t, access.RolePhysician, http.MethodPost, "/api/v1/safety/check",
		CheckRequest{PatientID: 1, DrugIDs: []int64{9}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), f.checker.gotPatient)
	assert.Equal(t, []int64{9}, f.checker.gotDrugs)
	assert.Equal(t, fixedNow, f.checker.gotNow)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	interactions := body["interactions"].([]interface{})
	require.Len(t, interactions, 1)
	first := interactions[0].(map[string]interface{})
	assert.Equal(t, "Warfarin", first["drugA"])
	assert.Equal(t, "Aspirin", first["drugB"])
	assert.Equal(t, "high", first["severity"])
	assert.Empty(t, body["allergies"])

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SafetyFindings.WithLabelValues("interaction", "high")))
}

func TestSafetyCheck_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   interface{}
		want   int
		errMsg string
	}{
		{"validation", ledger.NewValidationError("drug_ids", "must not be empty"), CheckRequest{PatientID: 1}, http.StatusBadRequest, "drug_ids: must not be empty"},
		{"unknown patient", fmt.Errorf("load patient: %w", ledger.ErrNotFound), CheckRequest{PatientID: 99, DrugIDs: []int64{1}}, http.StatusNotFound, ""},
		{"breaker open", fmt.Errorf("load history: %w", gobreaker.ErrOpenState), CheckRequest{PatientID: 1, DrugIDs: []int64{1}}, http.StatusServiceUnavailable, "service temporarily unavailable"},
		{"database down", errors.New("connection refused"), CheckRequest{PatientID: 1, DrugIDs: []int64{1}}, http.StatusInternalServerError, "internal error"},
		{"malformed body", nil, `{"patient_id": "x"}`, http.StatusBadRequest, "body: invalid request body"},
		{"unknown field", nil, `{"patient_id": 1, "drugs": [1]}`, http.StatusBadRequest, "body: invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.checker.err = tt.err

			rec := f.do(t, access.RolePharmacist, http.MethodPost, "/api/v1/safety/check", tt.body)

			assert.Equal(t, tt.want, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, body["error"])
			}
		})
	}
}

func TestSafetyCheck_ValidationField(t *testing.T) {
	f := newFixture()
	f.checker.err = ledger.NewValidationError("patient_id", "must be positive")

	rec := f.do(t, access.RolePhysician, http.MethodPost, "/api/v1/safety/check", CheckRequest{DrugIDs: []int64{1}})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "patient_id", decodeBody(t, rec)["field"])
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name   string
		role   access.Role
		method string
		path   string
		want   int
	}{
		{"nurse cannot check", access.RoleNurse, http.MethodPost, "/api/v1/safety/check", http.StatusForbidden},
		{"pharmacist cannot override", access.RolePharmacist, http.MethodPost, "/api/v1/safety/overrides", http.StatusForbidden},
		{"physician cannot administer", access.RolePhysician, http.MethodPost, "/api/v1/administration/doses", http.StatusForbidden},
		{"pharmacist cannot administer", access.RolePharmacist, http.MethodPost, "/api/v1/administration/doses", http.StatusForbidden},
		{"anonymous queue", "", http.MethodGet, "/api/v1/administration/queue", http.StatusUnauthorized},
		{"nurse views queue", access.RoleNurse, http.MethodGet, "/api/v1/administration/queue", http.StatusOK},
		{"nurse reviews history", access.RoleNurse, http.MethodGet, "/api/v1/patients/1/safety-review", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.checker.report = &safety.Report{Policy: safety.ReviewPolicy.Name}
			f.admin.queues = &administration.Queues{}

			rec := f.do(t, tt.role, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSafetyReview(t *testing.T) {
	f := newFixture()
	f.checker.report = &safety.Report{PatientID: 5, Policy: safety.ReviewPolicy.Name}

	rec := f.do(t, access.RolePharmacist, http.MethodGet, "/api/v1/patients/5/safety-review", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), f.checker.gotPatient)
	body := decodeBody(t, rec)
	assert.Equal(t, safety.ReviewPolicy.Name, body["policy"])
	assert.Equal(t, []interface{}{}, body["interactions"])

	rec = f.do(t, access.RolePharmacist, http.MethodGet, "/api/v1/patients/abc/safety-review", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSafetyOverride(t *testing.T) {
	f := newFixture()
	f.overrides.rec = &safety.OverrideRecord{EventID: "evt-1", Report: warfarinAspirin()}

	rec := f.do(t, access.RolePhysician, http.MethodPost, "/api/v1/safety/overrides",
		OverrideRequest{PatientID: 1, DrugIDs: []int64{9}, Reason: "benefit outweighs risk"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(11), f.overrides.got.StaffID)
	assert.Equal(t, "req-1", f.overrides.got.CorrelationID)
	assert.Equal(t, "benefit outweighs risk", f.overrides.got.Reason)

	body := decodeBody(t, rec)
	assert.Equal(t, "evt-1", body["event_id"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SafetyOverrides))
}

func TestAdministrationQueue(t *testing.T) {
	f := newFixture()
	f.admin.queues = &administration.Queues{
		Ready:           []administration.ScheduleEntry{{ItemID: 1, DueNow: true, DueLabel: administration.DueNowLabel}},
		Scheduled:       []administration.ScheduleEntry{},
		PendingPharmacy: []administration.PendingEntry{{ItemID: 2}},
	}

	rec := f.do(t, access.RoleNurse, http.MethodGet, "/api/v1/administration/queue", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["ready"], 1)
	assert.Len(t, body["pending_pharmacy"], 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueueSize.WithLabelValues("ready")))

	f.do(t, access.RoleNurse, http.MethodGet, "/api/v1/administration/queue?q=warf", nil)
	assert.Equal(t, "warf", f.admin.gotFilter.Query)
}

func TestAdministerDose(t *testing.T) {
	f := newFixture()
	f.admin.rec = &ledger.AdministrationRecord{ID: 70, DispensingID: 4, Quantity: 1, StaffID: 11, AdministeredAt: fixedNow}

	rec := f.do(t, access.RoleNurse, http.MethodPost, "/api/v1/administration/doses",
		AdministerRequest{DispensingID: 4, Quantity: 1, Note: "left arm"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, administration.AdministerCommand{
		DispensingID:  4,
		Quantity:      1,
		StaffID:       11,
		Note:          "left arm",
		CorrelationID: "req-1",
	}, f.admin.gotCmd)

	body := decodeBody(t, rec)
	adm := body["administration"].(map[string]interface{})
	assert.Equal(t, float64(70), adm["id"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AdministrationsRecorded))
}

func TestAdministerDose_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   int
		reason string
	}{
		{"over remaining", &ledger.ConsistencyError{Requested: 3, Remaining: 1}, http.StatusConflict, "consistency"},
		{"zero quantity", ledger.NewValidationError("quantity", "must be greater than zero"), http.StatusBadRequest, "validation"},
		{"unknown dispensing", fmt.Errorf("dispensing 4: %w", ledger.ErrNotFound), http.StatusNotFound, "not_found"},
		{"storage failure", errors.New("tx aborted"), http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.admin.err = tt.err

			rec := f.do(t, access.RoleNurse, http.MethodPost, "/api/v1/administration/doses",
				AdministerRequest{DispensingID: 4, Quantity: 3})

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AdministrationsRejected.WithLabelValues(tt.reason)))
			assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.AdministrationsRecorded))
		})
	}
}

func TestItemStatus(t *testing.T) {
	f := newFixture()
	f.admin.status = &administration.ItemStatus{
		ItemID: 8,
		State:  administration.StateFullyAdministered,
		Totals: ledger.ItemTotals{Dispensed: 2, Administered: 2, DispenseCount: 1},
	}

	rec := f.do(t, access.RolePharmacist, http.MethodGet, "/api/v1/administration/items/8", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(8), f.admin.gotItem)
	item := decodeBody(t, rec)["item"].(map[string]interface{})
	assert.Equal(t, "fully_administered", item["state"])

	f.admin.err = ledger.ErrNotFound
	rec = f.do(t, access.RolePharmacist, http.MethodGet, "/api/v1/administration/items/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
