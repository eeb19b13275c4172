package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/domain/safety"
	"github.com/hospharm/medcore/internal/fhir/mapper"
	fhir "github.com/hospharm/medcore/internal/fhir/r5"
	"github.com/hospharm/medcore/internal/infrastructure/redpanda"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/pkg/idempotency"
)

var at = time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)

// memInbox mimics the inbox states in memory.
type memInbox struct {
	finished map[string]json.RawMessage
	failed   map[string]bool
	err      error
	calls    int
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if res, ok := m.finished[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	if m.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	m.calls++
	res, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsTerminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func doseEvent(t *testing.T) *ledger.Event {
	t.Helper()
	item := ledger.ItemLedger{
		Item:    ledger.PrescriptionItem{ID: 31, PrescriptionID: 5, DrugID: 3, Dose: "5 mg", Frequency: "every 12 hours"},
		Patient: ledger.Patient{ID: 7, FullName: "Ana Pérez", Identifier: "MRN-7"},
		Drug:    ledger.Drug{ID: 3, Name: "Warfarin"},
	}
	rec := ledger.AdministrationRecord{ID: 90, DispensingID: 12, PrescriptionItemID: 31, Quantity: 1, AdministeredAt: at, StaffID: 44}
	ev, err := ledger.NewEvent("PrescriptionItem", 31, ledger.EventDoseAdministered,
		mapper.ToMedicationAdministration(item, rec, false), at)
	require.NoError(t, err)
	return ev.WithAuditInfo(44, 7, "req-9")
}

func overrideEvent(t *testing.T) *ledger.Event {
	t.Helper()
	ev, err := ledger.NewEvent(safety.OverrideAggregateType, 7, ledger.EventSafetyOverridden, safety.OverridePayload{
		PatientID: 7,
		DrugIDs:   []int64{9},
		StaffID:   2,
		Reason:    "benefit outweighs risk",
		Issues: []*fhir.DetectedIssue{
			{Severity: fhir.IssueSeverityModerate},
			{Severity: fhir.IssueSeverityHigh},
		},
	}, at)
	require.NoError(t, err)
	return ev.WithAuditInfo(2, 7, "req-3")
}

func message(t *testing.T, ev *ledger.Event) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(ev)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicFor(ev.EventType),
		Value:   value,
		Headers: map[string]string{redpanda.HeaderEventType: string(ev.EventType)},
	}
}

func consumed(m *metrics.Metrics, eventType ledger.EventType, outcome string) float64 {
	return testutil.ToFloat64(m.MessagesConsumed.WithLabelValues(string(eventType), outcome))
}

func TestAudit_DoseAdministered(t *testing.T) {
	a := NewAuditor("ledger-audit", newMemInbox(), nil, nil)

	entry, err := a.Audit(doseEvent(t))
	require.NoError(t, err)

	assert.Equal(t, int64(7), entry.PatientID)
	assert.Equal(t, int64(44), entry.StaffID)
	assert.Equal(t, int64(31), entry.ItemID)
	assert.Equal(t, int64(12), entry.DispensingID)
	assert.Equal(t, 1, entry.Quantity)
	assert.Equal(t, "Warfarin", entry.DrugName)
	assert.Equal(t, "req-9", entry.CorrelationID)
}

func TestAudit_SafetyOverridden(t *testing.T) {
	a := NewAuditor("ledger-audit", newMemInbox(), nil, nil)

	entry, err := a.Audit(overrideEvent(t))
	require.NoError(t, err)

	assert.Equal(t, int64(2), entry.StaffID)
	assert.Equal(t, 2, entry.Issues)
	assert.Equal(t, fhir.IssueSeverityHigh, entry.Severity)
	assert.Equal(t, "benefit outweighs risk", entry.Reason)
}

func TestAudit_UnknownEventIsTerminal(t *testing.T) {
	a := NewAuditor("ledger-audit", newMemInbox(), nil, nil)

	_, err := a.Audit(&ledger.Event{ID: "x", EventType: "PrescriptionVoided"})
	assert.True(t, idempotency.IsTerminal(err))
}

func TestHandle_ProcessesOnce(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	inbox := newMemInbox()
	a := NewAuditor("ledger-audit", inbox, m, nil)
	msg := message(t, doseEvent(t))

	require.NoError(t, a.Handle(context.Background(), msg))
	require.NoError(t, a.Handle(context.Background(), msg))

	assert.Equal(t, 1, inbox.calls)
	assert.Equal(t, float64(1), consumed(m, ledger.EventDoseAdministered, OutcomeProcessed))
	assert.Equal(t, float64(1), consumed(m, ledger.EventDoseAdministered, OutcomeDuplicate))
}

func TestHandle_MalformedIsSkipped(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := NewAuditor("ledger-audit", newMemInbox(), m, nil)

	msg := &redpanda.ConsumedMessage{
		Value:   []byte("{not json"),
		Headers: map[string]string{redpanda.HeaderEventType: string(ledger.EventSafetyOverridden)},
	}
	assert.NoError(t, a.Handle(context.Background(), msg))
	assert.Equal(t, float64(1), consumed(m, ledger.EventSafetyOverridden, OutcomeMalformed))
}

func TestHandle_TerminalPayloadIsRecordedAndSkipped(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := NewAuditor("ledger-audit", newMemInbox(), m, nil)

	ev := overrideEvent(t)
	ev.EventData = json.RawMessage(`"not an object"`)

	assert.NoError(t, a.Handle(context.Background(), message(t, ev)))
	assert.Equal(t, float64(1), consumed(m, ledger.EventSafetyOverridden, OutcomeFailed))
}

func TestHandle_TransientErrorIsReturned(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"store unavailable", errors.New("check inbox: connection refused"), OutcomeRetry},
		{"in progress", idempotency.ErrMessageInProgress, OutcomeInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New(prometheus.NewRegistry())
			inbox := newMemInbox()
			inbox.err = tt.err
			a := NewAuditor("ledger-audit", inbox, m, nil)

			err := a.Handle(context.Background(), message(t, overrideEvent(t)))
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, float64(1), consumed(m, ledger.EventSafetyOverridden, tt.outcome))
		})
	}
}

func TestHandle_ConcurrentDuplicate(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	inbox := newMemInbox()
	inbox.err = idempotency.ErrDuplicateMessage
	a := NewAuditor("ledger-audit", inbox, m, nil)

	assert.NoError(t, a.Handle(context.Background(), message(t, doseEvent(t))))
	assert.Equal(t, float64(1), consumed(m, ledger.EventDoseAdministered, OutcomeDuplicate))
}
