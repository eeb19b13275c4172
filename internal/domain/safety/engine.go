// Package safety implements prescribing-time medication safety checks:
// pairwise drug interactions and allergy conflicts.
package safety

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// HistoryReader returns the drugs a patient was prescribed since a point in time.
type HistoryReader interface {
	RecentDrugIDs(ctx context.Context, patientID int64, since time.Time) ([]int64, error)
}

// InteractionRegistry looks up rules for unordered drug pairs. Returned rules
// must carry canonical pairs.
type InteractionRegistry interface {
	FindInteractions(ctx context.Context, pairs []ledger.DrugPair) ([]ledger.InteractionRule, error)
}

// AllergyRegistry exposes drug→allergen links and patient sensitivities.
type AllergyRegistry interface {
	PatientAllergies(ctx context.Context, patientID int64) ([]ledger.PatientAllergy, error)
	DrugAllergens(ctx context.Context, drugIDs []int64) (map[int64][]int64, error)
}

// DrugCatalog resolves drug reference data.
type DrugCatalog interface {
	Drugs(ctx context.Context, ids []int64) (map[int64]ledger.Drug, error)
}

// Store is everything the engine reads.
type Store interface {
	HistoryReader
	InteractionRegistry
	AllergyRegistry
	DrugCatalog
}

// Config holds engine settings.
type Config struct {
	// LookbackMonths bounds the recent-active drug set.
	LookbackMonths int
}

// DefaultConfig returns the six month lookback.
func DefaultConfig() Config {
	return Config{LookbackMonths: 6}
}

// Engine runs interaction and allergy checks. It never writes.
type Engine struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a safety engine.
func NewEngine(store Store, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LookbackMonths <= 0 {
		cfg.LookbackMonths = DefaultConfig().LookbackMonths
	}
	return &Engine{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("safety-engine"),
	}
}

// LookbackStart returns the beginning of the recent-active window ending at now.
func (e *Engine) LookbackStart(now time.Time) time.Time {
	return now.AddDate(0, -e.config.LookbackMonths, 0)
}

// Check runs both checks for a prescribing request using PrescribingPolicy.
func (e *Engine) Check(ctx context.Context, patientID int64, candidates []int64, now time.Time) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "safety_check",
		trace.WithAttributes(
			attribute.Int64("patient_id", patientID),
			attribute.Int("candidates", len(candidates)),
		))
	defer span.End()

	interactions, err := e.CheckInteractions(ctx, patientID, candidates, PrescribingPolicy, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	allergies, err := e.CheckAllergies(ctx, patientID, candidates)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &Report{
		PatientID:    patientID,
		Policy:       PrescribingPolicy.Name,
		Interactions: interactions,
		Allergies:    allergies,
	}
	span.SetAttributes(
		attribute.Int("interaction_findings", len(interactions)),
		attribute.Int("allergy_findings", len(allergies)),
	)
	return report, nil
}

// CheckInteractions compares candidates against the patient's recent-active
// drugs and against each other, reporting rules admitted by policy.
func (e *Engine) CheckInteractions(ctx context.Context, patientID int64, candidates []int64, policy Policy, now time.Time) ([]InteractionFinding, error) {
	if err := validateRequest(patientID, candidates); err != nil {
		return nil, err
	}
	candidates = uniqueIDs(candidates)

	recent, err := e.store.RecentDrugIDs(ctx, patientID, e.LookbackStart(now))
	if err != nil {
		return nil, fmt.Errorf("load prescription history: %w", err)
	}

	return e.interactions(ctx, candidates, activeSet(recent, candidates), policy)
}

// CheckAllergies reports every candidate drug linked to one of the patient's
// registered allergens. No severity filter is applied.
func (e *Engine) CheckAllergies(ctx context.Context, patientID int64, candidates []int64) ([]AllergyFinding, error) {
	if err := validateRequest(patientID, candidates); err != nil {
		return nil, err
	}
	return e.allergies(ctx, patientID, uniqueIDs(candidates))
}

// ReviewPatient checks the patient's own recent-active drugs against each
// other and against their allergies, using ReviewPolicy.
func (e *Engine) ReviewPatient(ctx context.Context, patientID int64, now time.Time) (*Report, error) {
	if patientID <= 0 {
		return nil, ledger.NewValidationError("patient_id", "is required")
	}
	ctx, span := e.tracer.Start(ctx, "safety_review",
		trace.WithAttributes(attribute.Int64("patient_id", patientID)))
	defer span.End()

	recent, err := e.store.RecentDrugIDs(ctx, patientID, e.LookbackStart(now))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescription history: %w", err)
	}
	active := uniqueIDs(recent)

	report := &Report{PatientID: patientID, Policy: ReviewPolicy.Name}
	if len(active) == 0 {
		return report, nil
	}

	if report.Interactions, err = e.interactions(ctx, active, nil, ReviewPolicy); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if report.Allergies, err = e.allergies(ctx, patientID, active); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return report, nil
}

func (e *Engine) interactions(ctx context.Context, candidates, active []int64, policy Policy) ([]InteractionFinding, error) {
	discovered := generatePairs(candidates, active)
	if len(discovered) == 0 {
		return []InteractionFinding{}, nil
	}

	pairs := make([]ledger.DrugPair, len(discovered))
	for i, d := range discovered {
		pairs[i] = d.pair
	}

	rules, err := e.store.FindInteractions(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("lookup interaction rules: %w", err)
	}
	byPair := make(map[ledger.DrugPair]ledger.InteractionRule, len(rules))
	for _, r := range rules {
		byPair[ledger.NewDrugPair(r.Pair.Low, r.Pair.High)] = r
	}

	var matched []discoveredPair
	drugIDs := make([]int64, 0)
	for _, d := range discovered {
		rule, ok := byPair[d.pair]
		if !ok || !policy.Admits(rule.Severity) {
			continue
		}
		matched = append(matched, d)
		drugIDs = append(drugIDs, d.pair.Low, d.pair.High)
	}
	if len(matched) == 0 {
		return []InteractionFinding{}, nil
	}

	drugs, err := e.store.Drugs(ctx, uniqueIDs(drugIDs))
	if err != nil {
		return nil, fmt.Errorf("load drugs: %w", err)
	}

	findings := make([]InteractionFinding, 0, len(matched))
	for _, d := range matched {
		rule := byPair[d.pair]
		findings = append(findings, InteractionFinding{
			DrugAID:        d.pair.Low,
			DrugA:          drugs[d.pair.Low].Name,
			DrugBID:        d.pair.High,
			DrugB:          drugs[d.pair.High].Name,
			Severity:       rule.Severity,
			Description:    rule.Description,
			Recommendation: rule.Recommendation,
			Origin:         d.origin,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() > findings[j].Severity.Rank()
	})

	e.logger.Debug("interaction check completed",
		zap.String("policy", policy.Name),
		zap.Int("pairs", len(discovered)),
		zap.Int("findings", len(findings)))

	return findings, nil
}

func (e *Engine) allergies(ctx context.Context, patientID int64, candidates []int64) ([]AllergyFinding, error) {
	allergies, err := e.store.PatientAllergies(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient allergies: %w", err)
	}
	if len(allergies) == 0 {
		return []AllergyFinding{}, nil
	}

	links, err := e.store.DrugAllergens(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("load drug allergens: %w", err)
	}

	drugs, err := e.store.Drugs(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("load drugs: %w", err)
	}

	findings := make([]AllergyFinding, 0)
	for _, drugID := range candidates {
		allergens := make(map[int64]struct{}, len(links[drugID]))
		for _, a := range links[drugID] {
			allergens[a] = struct{}{}
		}
		for _, allergy := range allergies {
			if _, ok := allergens[allergy.Allergen.ID]; !ok {
				continue
			}
			drug := drugs[drugID]
			findings = append(findings, AllergyFinding{
				DrugID:           drugID,
				DrugName:         drug.Name,
				ActivePrinciple:  drug.ActivePrinciple,
				AllergenID:       allergy.Allergen.ID,
				AllergenName:     allergy.Allergen.Name,
				AllergenCategory: allergy.Allergen.Category,
				Severity:         allergy.Severity,
				Reaction:         allergy.Reaction,
				Notes:            allergy.Notes,
			})
		}
	}
	return findings, nil
}

func validateRequest(patientID int64, candidates []int64) error {
	if patientID <= 0 {
		return ledger.NewValidationError("patient_id", "is required")
	}
	if len(candidates) == 0 {
		return ledger.NewValidationError("drug_ids", "at least one candidate drug is required")
	}
	for _, id := range candidates {
		if id <= 0 {
			return ledger.NewValidationError("drug_ids", fmt.Sprintf("invalid drug id %d", id))
		}
	}
	return nil
}
