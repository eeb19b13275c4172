// Package ledger holds the clinical reference data and the append-only
// prescription → dispensing → administration ledger shared by the safety
// engine and the administration scheduler.
package ledger

import "time"

// Drug is immutable reference data.
type Drug struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	ActivePrinciple       string `json:"active_principle"`
	ATCCode               string `json:"atc_code,omitempty"`
	Route                 string `json:"route,omitempty"`
	StandardConcentration string `json:"standard_concentration,omitempty"`
}

// Patient is the identity portion of a patient record.
type Patient struct {
	ID         int64  `json:"id"`
	FullName   string `json:"full_name"`
	Identifier string `json:"identifier"` // national id / MRN
}

// Allergen is a substance a patient may be sensitive to.
type Allergen struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// PatientAllergy is a registered sensitivity of a patient.
type PatientAllergy struct {
	PatientID int64    `json:"patient_id"`
	Allergen  Allergen `json:"allergen"`
	Severity  Severity `json:"severity"`
	Reaction  string   `json:"reaction,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// InteractionRule describes the clinical risk of combining two drugs.
// Pair is always stored in canonical order.
type InteractionRule struct {
	Pair           DrugPair `json:"pair"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
}

// DrugPair is an unordered pair of drug identities kept in canonical
// (min, max) order so that it can be used as a map key.
type DrugPair struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

// NewDrugPair returns the canonical pair for a and b in either order.
func NewDrugPair(a, b int64) DrugPair {
	if a > b {
		a, b = b, a
	}
	return DrugPair{Low: a, High: b}
}

// Contains reports whether id is one side of the pair.
func (p DrugPair) Contains(id int64) bool {
	return p.Low == id || p.High == id
}

// Prescription is a prescribing event for one patient.
type Prescription struct {
	ID           int64              `json:"id"`
	PatientID    int64              `json:"patient_id"`
	PrescriberID int64              `json:"prescriber_id"`
	DiagnosisID  *int64             `json:"diagnosis_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	Indications  string             `json:"indications,omitempty"`
	Items        []PrescriptionItem `json:"items"`
}

// PrescriptionItem is one drug line of a prescription. Immutable once created.
// IntervalHours, when set, is the structured dosing interval and takes
// precedence over the free-text Frequency.
type PrescriptionItem struct {
	ID             int64  `json:"id"`
	PrescriptionID int64  `json:"prescription_id"`
	DrugID         int64  `json:"drug_id"`
	Dose           string `json:"dose"`
	Frequency      string `json:"frequency"`
	Duration       string `json:"duration"`
	IntervalHours  *int   `json:"interval_hours,omitempty"`
}

// DispensingRecord is a (possibly partial) release of stock against an item.
type DispensingRecord struct {
	ID                 int64     `json:"id"`
	PrescriptionItemID int64     `json:"prescription_item_id"`
	Quantity           int       `json:"quantity"`
	DispensedAt        time.Time `json:"dispensed_at"`
	StaffID            int64     `json:"staff_id"`
	StorageID          int64     `json:"storage_id"`
}

// AdministrationRecord is a dose actually given to the patient.
type AdministrationRecord struct {
	ID                 int64     `json:"id"`
	DispensingID       int64     `json:"dispensing_id"`
	PrescriptionItemID int64     `json:"prescription_item_id"`
	Quantity           int       `json:"quantity"`
	AdministeredAt     time.Time `json:"administered_at"`
	StaffID            int64     `json:"staff_id"`
	Note               string    `json:"note,omitempty"`
}

// ItemLedger is the aggregated ledger view of a single prescription item,
// joined with the descriptive fields the nursing queue displays.
type ItemLedger struct {
	Item               PrescriptionItem
	Patient            Patient
	Drug               Drug
	Diagnosis          string
	PrescribedAt       time.Time
	Totals             ItemTotals
	LastAdministeredAt *time.Time
	LatestDispensingID int64
}

// ItemTotals are the summed quantities of an item's ledger.
type ItemTotals struct {
	Dispensed     int `json:"dispensed"`
	Administered  int `json:"administered"`
	DispenseCount int `json:"dispense_count"`
}

// Remaining is totalDispensed − totalAdministered.
func (t ItemTotals) Remaining() int {
	return t.Dispensed - t.Administered
}

// Admit checks that quantity more units may be administered without driving
// remaining below zero.
func (t ItemTotals) Admit(quantity int) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "must be greater than zero")
	}
	if quantity > t.Remaining() {
		return &ConsistencyError{Requested: quantity, Remaining: t.Remaining()}
	}
	return nil
}
