package r5

import "time"

// DetectedIssue represents a FHIR R5 DetectedIssue resource: a clinical
// problem with an action for a patient, such as a drug interaction.
type DetectedIssue struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Status   string            `json:"status"` // preliminary | final | entered-in-error | mitigated
	Category []CodeableConcept `json:"category,omitempty"`
	Code     *CodeableConcept  `json:"code,omitempty"`
	Severity string            `json:"severity,omitempty"` // high | moderate | low

	Subject *Reference `json:"subject,omitempty"`

	IdentifiedDateTime time.Time `json:"identifiedDateTime,omitempty"`

	Author *Reference `json:"author,omitempty"`

	// Problem resource(s), here the drugs involved
	Implicated []Reference `json:"implicated,omitempty"`

	Detail     string                    `json:"detail,omitempty"`
	Mitigation []DetectedIssueMitigation `json:"mitigation,omitempty"`
	Extension  []Extension               `json:"extension,omitempty"`
}

// DetectedIssueMitigation is a step taken to address the issue.
type DetectedIssueMitigation struct {
	Action CodeableConcept `json:"action"`
	Date   time.Time       `json:"date,omitempty"`
	Author *Reference      `json:"author,omitempty"`
	Note   []Annotation    `json:"note,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (d *DetectedIssue) GetPatientID() string {
	if d.Subject == nil {
		return ""
	}
	return extractIDFromReference(d.Subject.Reference)
}

// IsInteraction reports whether the issue is a drug-drug interaction.
func (d *DetectedIssue) IsInteraction() bool {
	return d.hasCategory(IssueDrugInteraction)
}

// IsAllergy reports whether the issue is an allergy conflict.
func (d *DetectedIssue) IsAllergy() bool {
	return d.hasCategory(IssueAllergy)
}

func (d *DetectedIssue) hasCategory(code string) bool {
	for _, c := range d.Category {
		for _, coding := range c.Coding {
			if coding.Code == code {
				return true
			}
		}
	}
	return false
}
