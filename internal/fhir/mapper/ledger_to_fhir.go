// Package mapper transforms ledger records into FHIR R5 resources and back.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hospharm/medcore/internal/domain/ledger"
	fhir "github.com/hospharm/medcore/internal/fhir/r5"
)

// ToMedicationAdministration maps an administered dose and the ledger of its
// prescription item to a MedicationAdministration. frequencyAssumed marks
// items whose dosing interval was defaulted.
func ToMedicationAdministration(item ledger.ItemLedger, rec ledger.AdministrationRecord, frequencyAssumed bool) *fhir.MedicationAdministration {
	ma := &fhir.MedicationAdministration{
		ResourceType: "MedicationAdministration",
		Status:       fhir.StatusCompleted,
		Medication: fhir.CodeableReference{
			Concept: medicationConcept(item.Drug),
		},
		Subject:           fhir.NewReference("Patient", item.Patient.ID, item.Patient.FullName),
		OccurenceDateTime: rec.AdministeredAt.UTC(),
		Recorded:          rec.AdministeredAt.UTC(),
		Performer: []fhir.MedicationAdministrationPerformer{
			{Actor: fhir.CodeableReference{Reference: staffReference(rec.StaffID)}},
		},
		Dosage: &fhir.AdministrationDosage{
			Text: strings.TrimSpace(item.Item.Dose + " " + item.Item.Frequency),
			Dose: &fhir.Quantity{Value: float64(rec.Quantity), Unit: "unit"},
		},
	}

	if rec.ID > 0 {
		ma.ID = strconv.FormatInt(rec.ID, 10)
	}

	request := fhir.NewReference("MedicationRequest", item.Item.ID, item.Drug.Name)
	ma.Request = &request

	ma.Device = []fhir.CodeableReference{
		{Reference: ptr(fhir.NewReference("MedicationDispense", rec.DispensingID, ""))},
	}

	if item.Diagnosis != "" {
		ma.Reason = []fhir.CodeableReference{
			{Concept: &fhir.CodeableConcept{Text: item.Diagnosis}},
		}
	}

	if item.Drug.Route != "" {
		ma.Dosage.Route = &fhir.CodeableConcept{Text: item.Drug.Route}
	}

	if rec.Note != "" {
		ma.Note = []fhir.Annotation{{
			AuthorReference: staffReference(rec.StaffID),
			Time:            rec.AdministeredAt.UTC(),
			Text:            rec.Note,
		}}
	}

	if frequencyAssumed {
		ma.Extension = append(ma.Extension, fhir.Extension{
			URL:          fhir.ExtFrequencyAssumed,
			ValueBoolean: &frequencyAssumed,
		})
	}

	return ma
}

// InteractionIssue maps an interaction rule between two drugs to a DetectedIssue.
func InteractionIssue(patientID int64, drugA, drugB ledger.Drug, rule ledger.InteractionRule, at time.Time) *fhir.DetectedIssue {
	issue := &fhir.DetectedIssue{
		ResourceType: "DetectedIssue",
		Status:       fhir.IssueStatusFinal,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  fhir.SystemIssueCategory,
				Code:    fhir.IssueDrugInteraction,
				Display: "Drug Interaction Alert",
			}},
		}},
		Severity: issueSeverity(rule.Severity),
		Subject:  ptr(fhir.NewReference("Patient", patientID, "")),
		Implicated: []fhir.Reference{
			fhir.NewReference("Medication", drugA.ID, drugA.Name),
			fhir.NewReference("Medication", drugB.ID, drugB.Name),
		},
		IdentifiedDateTime: at.UTC(),
		Detail:             rule.Description,
	}
	if rule.Recommendation != "" {
		issue.Extension = append(issue.Extension, fhir.Extension{
			URL:         fhir.ExtRecommendation,
			ValueString: rule.Recommendation,
		})
	}
	return issue
}

// AllergyIssue maps a drug linked to one of the patient's allergens to a DetectedIssue.
func AllergyIssue(patientID int64, drug ledger.Drug, allergy ledger.PatientAllergy, at time.Time) *fhir.DetectedIssue {
	detail := fmt.Sprintf("%s contains allergen %s", drug.Name, allergy.Allergen.Name)
	if allergy.Reaction != "" {
		detail += ": " + allergy.Reaction
	}
	return &fhir.DetectedIssue{
		ResourceType: "DetectedIssue",
		Status:       fhir.IssueStatusFinal,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  fhir.SystemIssueCategory,
				Code:    fhir.IssueAllergy,
				Display: "Allergy Alert",
			}},
		}},
		Code: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  fhir.SystemAllergenCatalog,
				Code:    strconv.FormatInt(allergy.Allergen.ID, 10),
				Display: allergy.Allergen.Name,
			}},
			Text: allergy.Allergen.Category,
		},
		Severity:           issueSeverity(allergy.Severity),
		Subject:            ptr(fhir.NewReference("Patient", patientID, "")),
		Implicated:         []fhir.Reference{fhir.NewReference("Medication", drug.ID, drug.Name)},
		IdentifiedDateTime: at.UTC(),
		Detail:             detail,
	}
}

// WithOverride records that a clinician acknowledged the issue and proceeded.
func WithOverride(issue *fhir.DetectedIssue, staffID int64, reason string, at time.Time) *fhir.DetectedIssue {
	m := fhir.DetectedIssueMitigation{
		Action: fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  fhir.SystemIssueCategory,
				Code:    "OVERRIDE",
				Display: "Override acknowledged",
			}},
		},
		Date:   at.UTC(),
		Author: staffReference(staffID),
	}
	if reason != "" {
		m.Note = []fhir.Annotation{{Text: reason, Time: at.UTC()}}
	}
	issue.Mitigation = append(issue.Mitigation, m)
	return issue
}

// AdministrationSummary is the ledger view recovered from a MedicationAdministration.
type AdministrationSummary struct {
	AdministrationID   int64
	PatientID          int64
	PrescriptionItemID int64
	DispensingID       int64
	StaffID            int64
	Quantity           int
	AdministeredAt     time.Time
	DrugName           string
}

// FromMedicationAdministration recovers the ledger identities carried by a
// MedicationAdministration produced by ToMedicationAdministration.
func FromMedicationAdministration(ma *fhir.MedicationAdministration) (*AdministrationSummary, error) {
	if ma.ResourceType != "MedicationAdministration" {
		return nil, fmt.Errorf("unexpected resource type %q", ma.ResourceType)
	}

	s := &AdministrationSummary{
		Quantity:       int(ma.GetQuantity()),
		AdministeredAt: ma.OccurenceDateTime,
		DrugName:       ma.GetMedicationDisplay(),
	}

	var err error
	if s.PatientID, err = parseID(ma.GetPatientID()); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if s.PrescriptionItemID, err = parseID(ma.GetRequestID()); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if ma.ID != "" {
		if s.AdministrationID, err = parseID(ma.ID); err != nil {
			return nil, fmt.Errorf("id: %w", err)
		}
	}
	for _, d := range ma.Device {
		if d.Reference != nil && d.Reference.Type == "MedicationDispense" {
			if s.DispensingID, err = parseID(idFromReference(d.Reference.Reference)); err != nil {
				return nil, fmt.Errorf("device: %w", err)
			}
		}
	}
	for _, p := range ma.Performer {
		if p.Actor.Reference != nil && p.Actor.Reference.Identifier != nil {
			if s.StaffID, err = parseID(p.Actor.Reference.Identifier.Value); err != nil {
				return nil, fmt.Errorf("performer: %w", err)
			}
		}
	}
	return s, nil
}

func medicationConcept(d ledger.Drug) *fhir.CodeableConcept {
	c := &fhir.CodeableConcept{Text: d.Name}
	if d.ATCCode != "" {
		c.Coding = append(c.Coding, fhir.Coding{
			System:  fhir.SystemATC,
			Code:    d.ATCCode,
			Display: d.ActivePrinciple,
		})
	}
	return c
}

func staffReference(staffID int64) *fhir.Reference {
	return &fhir.Reference{
		Type: "Practitioner",
		Identifier: &fhir.Identifier{
			System: fhir.SystemStaff,
			Value:  strconv.FormatInt(staffID, 10),
		},
	}
}

func issueSeverity(s ledger.Severity) string {
	switch s {
	case ledger.SeverityHigh:
		return fhir.IssueSeverityHigh
	case ledger.SeverityModerate:
		return fhir.IssueSeverityModerate
	default:
		return fhir.IssueSeverityLow
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func idFromReference(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func ptr[T any](v T) *T {
	return &v
}
