package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/fhir/mapper"
	fhir "github.com/hospharm/medcore/internal/fhir/r5"
)

// OverrideAggregateType identifies override events in the outbox.
const OverrideAggregateType = "Patient"

// EventPublisher persists an audit event for relay.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *ledger.Event) error
}

// OverrideCommand is a clinician's decision to proceed despite findings.
type OverrideCommand struct {
	PatientID     int64
	DrugIDs       []int64
	StaffID       int64
	Reason        string
	CorrelationID string
}

// OverridePayload is the event body of a safety override.
type OverridePayload struct {
	PatientID int64                 `json:"patient_id"`
	DrugIDs   []int64               `json:"drug_ids"`
	StaffID   int64                 `json:"staff_id"`
	Reason    string                `json:"reason"`
	Issues    []*fhir.DetectedIssue `json:"issues"`
}

// OverrideRecord is the result of RecordOverride.
type OverrideRecord struct {
	EventID string                `json:"event_id"`
	Report  *Report               `json:"report"`
	Issues  []*fhir.DetectedIssue `json:"issues"`
}

// OverrideLog audits safety overrides. The findings are recomputed server
// side so the audit trail reflects what the engine reported at that time.
type OverrideLog struct {
	engine    *Engine
	publisher EventPublisher
	logger    *zap.Logger
}

// NewOverrideLog creates an override log.
func NewOverrideLog(engine *Engine, publisher EventPublisher, logger *zap.Logger) *OverrideLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OverrideLog{engine: engine, publisher: publisher, logger: logger}
}

// RecordOverride re-runs the prescribing check and publishes a
// SafetyOverridden event carrying every finding as a DetectedIssue. A request
// with no findings is rejected; there is nothing to override.
func (l *OverrideLog) RecordOverride(ctx context.Context, cmd OverrideCommand, now time.Time) (*OverrideRecord, error) {
	if cmd.StaffID <= 0 {
		return nil, ledger.NewValidationError("staff_id", "is required")
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return nil, ledger.NewValidationError("reason", "is required")
	}

	ctx, span := l.engine.tracer.Start(ctx, "safety_override",
		trace.WithAttributes(
			attribute.Int64("patient_id", cmd.PatientID),
			attribute.Int64("staff_id", cmd.StaffID),
		))
	defer span.End()

	report, err := l.engine.Check(ctx, cmd.PatientID, cmd.DrugIDs, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !report.HasFindings() {
		return nil, ledger.NewValidationError("drug_ids", "no safety findings to override")
	}

	issues := detectedIssues(report, now)
	for _, issue := range issues {
		mapper.WithOverride(issue, cmd.StaffID, reason, now)
	}

	event, err := ledger.NewEvent(OverrideAggregateType, cmd.PatientID, ledger.EventSafetyOverridden, OverridePayload{
		PatientID: cmd.PatientID,
		DrugIDs:   uniqueIDs(cmd.DrugIDs),
		StaffID:   cmd.StaffID,
		Reason:    reason,
		Issues:    issues,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("build override event: %w", err)
	}
	event.WithAuditInfo(cmd.StaffID, cmd.PatientID, cmd.CorrelationID)

	if err := l.publisher.PublishEvent(ctx, event); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("publish override: %w", err)
	}

	l.logger.Info("safety override recorded",
		zap.Int64("patient_id", cmd.PatientID),
		zap.Int64("staff_id", cmd.StaffID),
		zap.String("highest_severity", string(report.HighestSeverity())),
		zap.Int("issues", len(issues)),
		zap.String("event_id", event.ID))

	return &OverrideRecord{EventID: event.ID, Report: report, Issues: issues}, nil
}

func detectedIssues(r *Report, at time.Time) []*fhir.DetectedIssue {
	issues := make([]*fhir.DetectedIssue, 0, len(r.Interactions)+len(r.Allergies))
	for _, f := range r.Interactions {
		rule := ledger.InteractionRule{
			Pair:           ledger.NewDrugPair(f.DrugAID, f.DrugBID),
			Severity:       f.Severity,
			Description:    f.Description,
			Recommendation: f.Recommendation,
		}
		issues = append(issues, mapper.InteractionIssue(r.PatientID,
			ledger.Drug{ID: f.DrugAID, Name: f.DrugA},
			ledger.Drug{ID: f.DrugBID, Name: f.DrugB},
			rule, at))
	}
	for _, f := range r.Allergies {
		allergy := ledger.PatientAllergy{
			PatientID: r.PatientID,
			Allergen:  ledger.Allergen{ID: f.AllergenID, Name: f.AllergenName, Category: f.AllergenCategory},
			Severity:  f.Severity,
			Reaction:  f.Reaction,
			Notes:     f.Notes,
		}
		issues = append(issues, mapper.AllergyIssue(r.PatientID,
			ledger.Drug{ID: f.DrugID, Name: f.DrugName, ActivePrinciple: f.ActivePrinciple},
			allergy, at))
	}
	return issues
}
