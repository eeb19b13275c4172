// Package audit consumes relayed ledger events and writes an audit trail.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/domain/safety"
	"github.com/hospharm/medcore/internal/fhir/mapper"
	fhir "github.com/hospharm/medcore/internal/fhir/r5"
	"github.com/hospharm/medcore/internal/infrastructure/redpanda"
	"github.com/hospharm/medcore/internal/observability/metrics"
	"github.com/hospharm/medcore/pkg/idempotency"
)

// Consumed outcomes reported to metrics.
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeMalformed  = "malformed"
	OutcomeFailed     = "failed"
	OutcomeInProgress = "in_progress"
	OutcomeRetry      = "retry"
)

// Deduper runs a handler at most once per key.
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Entry is the audit record produced for one event.
type Entry struct {
	EventID       string           `json:"event_id"`
	EventType     ledger.EventType `json:"event_type"`
	PatientID     int64            `json:"patient_id"`
	StaffID       int64            `json:"staff_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`

	ItemID       int64  `json:"item_id,omitempty"`
	DispensingID int64  `json:"dispensing_id,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	DrugName     string `json:"drug_name,omitempty"`

	Reason   string `json:"reason,omitempty"`
	Issues   int    `json:"issues,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// Auditor handles consumed ledger events.
type Auditor struct {
	name    string
	inbox   Deduper
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAuditor creates an auditor. name scopes the idempotency keys and is
// normally the consumer group.
func NewAuditor(name string, inbox Deduper, m *metrics.Metrics, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{name: name, inbox: inbox, metrics: m, logger: logger}
}

// Handle is a redpanda.MessageHandler. It returns an error only when the
// message should be retried; terminal failures are recorded and skipped.
func (a *Auditor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	event, err := msg.Event()
	if err != nil {
		a.metrics.ObserveConsumed(string(msg.EventType()), OutcomeMalformed)
		a.logger.Error("undecodable ledger event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	eventType := string(event.EventType)

	key := idempotency.GenerateKey(a.name, event.ID)
	res, err := a.inbox.Process(ctx, key, a.name, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		entry, err := a.Audit(event)
		if err != nil {
			return nil, err
		}
		return json.Marshal(entry)
	})

	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		a.metrics.ObserveConsumed(eventType, OutcomeDuplicate)
		return nil
	case errors.Is(err, idempotency.ErrMessageInProgress):
		a.metrics.ObserveConsumed(eventType, OutcomeInProgress)
		return err
	case err != nil && idempotency.IsTerminal(err):
		a.metrics.ObserveConsumed(eventType, OutcomeFailed)
		a.logger.Error("ledger event rejected",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
		return nil
	case err != nil:
		a.metrics.ObserveConsumed(eventType, OutcomeRetry)
		return err
	case !res.IsNew && !res.WasRecovered:
		a.metrics.ObserveConsumed(eventType, OutcomeDuplicate)
		return nil
	}

	a.metrics.ObserveConsumed(eventType, OutcomeProcessed)
	return nil
}

// Audit builds and logs the audit entry for event.
func (a *Auditor) Audit(event *ledger.Event) (*Entry, error) {
	entry := &Entry{
		EventID:       event.ID,
		EventType:     event.EventType,
		PatientID:     event.PatientID,
		StaffID:       event.StaffID,
		CorrelationID: event.CorrelationID,
	}

	switch event.EventType {
	case ledger.EventDoseAdministered:
		var ma fhir.MedicationAdministration
		if err := json.Unmarshal(event.EventData, &ma); err != nil {
			return nil, idempotency.Terminal(fmt.Errorf("decode MedicationAdministration: %w", err))
		}
		summary, err := mapper.FromMedicationAdministration(&ma)
		if err != nil {
			return nil, idempotency.Terminal(err)
		}
		entry.PatientID = summary.PatientID
		entry.StaffID = summary.StaffID
		entry.ItemID = summary.PrescriptionItemID
		entry.DispensingID = summary.DispensingID
		entry.Quantity = summary.Quantity
		entry.DrugName = summary.DrugName

		a.logger.Info("dose administered",
			zap.String("event_id", entry.EventID),
			zap.Int64("patient_id", entry.PatientID),
			zap.Int64("item_id", entry.ItemID),
			zap.Int64("dispensing_id", entry.DispensingID),
			zap.Int("quantity", entry.Quantity),
			zap.String("drug", entry.DrugName),
			zap.Int64("staff_id", entry.StaffID),
			zap.String("correlation_id", entry.CorrelationID))

	case ledger.EventSafetyOverridden:
		var payload safety.OverridePayload
		if err := json.Unmarshal(event.EventData, &payload); err != nil {
			return nil, idempotency.Terminal(fmt.Errorf("decode override: %w", err))
		}
		entry.PatientID = payload.PatientID
		entry.StaffID = payload.StaffID
		entry.Reason = payload.Reason
		entry.Issues = len(payload.Issues)
		entry.Severity = highestIssueSeverity(payload.Issues)

		a.logger.Warn("safety findings overridden",
			zap.String("event_id", entry.EventID),
			zap.Int64("patient_id", entry.PatientID),
			zap.Int64s("drug_ids", payload.DrugIDs),
			zap.Int("issues", entry.Issues),
			zap.String("severity", entry.Severity),
			zap.Int64("staff_id", entry.StaffID),
			zap.String("reason", entry.Reason),
			zap.String("correlation_id", entry.CorrelationID))

	default:
		return nil, idempotency.Terminal(fmt.Errorf("unknown event type %q", event.EventType))
	}

	return entry, nil
}

var issueRank = map[string]int{
	fhir.IssueSeverityLow:      1,
	fhir.IssueSeverityModerate: 2,
	fhir.IssueSeverityHigh:     3,
}

func highestIssueSeverity(issues []*fhir.DetectedIssue) string {
	highest := ""
	for _, is := range issues {
		if issueRank[is.Severity] > issueRank[highest] {
			highest = is.Severity
		}
	}
	return highest
}
