package r5

import (
	"encoding/json"
	"time"
)

// MedicationAdministration represents a FHIR R5 MedicationAdministration resource.
// It describes a dose actually given to a patient.
type MedicationAdministration struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// Plan or request this administration fulfils
	BasedOn []Reference `json:"basedOn,omitempty"`

	// Status of the administration
	Status string `json:"status"` // in-progress | not-done | on-hold | completed | entered-in-error | stopped | unknown

	// Medication administered (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Patient who received the medication
	Subject Reference `json:"subject"`

	// When the dose was given
	OccurenceDateTime time.Time `json:"occurenceDateTime"`

	// When the administration was recorded
	Recorded time.Time `json:"recorded,omitempty"`

	// Who administered the medication
	Performer []MedicationAdministrationPerformer `json:"performer,omitempty"`

	// Reason for administration
	Reason []CodeableReference `json:"reason,omitempty"`

	// Request that was fulfilled
	Request *Reference `json:"request,omitempty"`

	// Dispense the medication came from
	Device []CodeableReference `json:"device,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	Dosage *AdministrationDosage `json:"dosage,omitempty"`

	Extension []Extension `json:"extension,omitempty"`
}

// MedicationAdministrationPerformer identifies who administered the dose.
type MedicationAdministrationPerformer struct {
	Function *CodeableConcept  `json:"function,omitempty"`
	Actor    CodeableReference `json:"actor"`
}

// AdministrationDosage details how the medication was administered.
type AdministrationDosage struct {
	Text  string           `json:"text,omitempty"`
	Route *CodeableConcept `json:"route,omitempty"`
	Dose  *Quantity        `json:"dose,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationAdministration) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	return ""
}

// GetRequestID extracts the prescription item ID from the Request reference.
func (m *MedicationAdministration) GetRequestID() string {
	if m.Request == nil {
		return ""
	}
	return extractIDFromReference(m.Request.Reference)
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationAdministration) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil && len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].Display
	}
	return ""
}

// GetQuantity returns the administered quantity.
func (m *MedicationAdministration) GetQuantity() float64 {
	if m.Dosage == nil || m.Dosage.Dose == nil {
		return 0
	}
	return m.Dosage.Dose.Value
}

// FrequencyAssumed reports whether the dosing interval was defaulted.
func (m *MedicationAdministration) FrequencyAssumed() bool {
	for _, ext := range m.Extension {
		if ext.URL == ExtFrequencyAssumed && ext.ValueBoolean != nil {
			return *ext.ValueBoolean
		}
	}
	return false
}

// ToJSON serializes the MedicationAdministration to JSON.
func (m *MedicationAdministration) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationAdministration from JSON.
func (m *MedicationAdministration) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
