// Package r5 provides the FHIR R5 resources emitted by the medication ledger.
package r5

import (
	"strconv"
	"time"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorReference *Reference `json:"authorReference,omitempty"`
	Time            time.Time  `json:"time,omitempty"`
	Text            string     `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL          string `json:"url"`
	ValueString  string `json:"valueString,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
}

// Code systems
const (
	SystemATC             = "http://www.whocc.no/atc"
	SystemUCUM            = "http://unitsofmeasure.org"
	SystemPatientID       = "urn:hospharm:patient-identifier"
	SystemStaff           = "urn:hospharm:staff"
	SystemIssueCategory   = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemAllergenCatalog = "urn:hospharm:allergen"
)

// Extension URLs
const (
	ExtFrequencyAssumed = "urn:hospharm:fhir:frequency-assumed"
	ExtInteractionDrug  = "urn:hospharm:fhir:interaction-drug"
	ExtRecommendation   = "urn:hospharm:fhir:recommendation"
)

// MedicationAdministration statuses
const (
	StatusCompleted      = "completed"
	StatusInProgress     = "in-progress"
	StatusNotDone        = "not-done"
	StatusEnteredInError = "entered-in-error"
)

// DetectedIssue statuses and severities
const (
	IssueStatusFinal       = "final"
	IssueStatusPreliminary = "preliminary"

	IssueSeverityHigh     = "high"
	IssueSeverityModerate = "moderate"
	IssueSeverityLow      = "low"
)

// ActCode categories for detected issues
const (
	IssueDrugInteraction = "DRG"
	IssueAllergy         = "ALGY"
)

// NewReference builds a literal reference such as "Patient/42".
func NewReference(resourceType string, id int64, display string) Reference {
	return Reference{
		Reference: resourceType + "/" + strconv.FormatInt(id, 10),
		Type:      resourceType,
		Display:   display,
	}
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
