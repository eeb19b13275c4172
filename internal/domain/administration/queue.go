package administration

import (
	"time"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// DueNowLabel is shown for entries in the ready queue.
const DueNowLabel = "due now"

// DueTimeLayout renders the next due time of scheduled entries.
const DueTimeLayout = "2006-01-02 15:04"

// State is the derived administration state of a prescription item.
type State string

const (
	StatePendingPharmacy   State = "pending_pharmacy"
	StateReady             State = "ready"
	StateScheduled         State = "scheduled"
	StateFullyAdministered State = "fully_administered"
)

// ScheduleEntry is a dispensed item with stock remaining.
type ScheduleEntry struct {
	ItemID            int64  `json:"item_id"`
	PrescriptionID    int64  `json:"prescription_id"`
	DispensingID      int64  `json:"dispensing_id"`
	PatientID         int64  `json:"patient_id"`
	PatientName       string `json:"patient_name"`
	PatientIdentifier string `json:"patient_identifier"`
	DrugID            int64  `json:"drug_id"`
	DrugName          string `json:"drug_name"`
	Dose              string `json:"dose"`
	Frequency         string `json:"frequency"`
	Duration          string `json:"duration"`
	Diagnosis         string `json:"diagnosis,omitempty"`
	Remaining         int    `json:"remaining"`
	IntervalHours     int    `json:"interval_hours"`
	FrequencyAssumed  bool   `json:"frequency_assumed"`

	FirstDose          bool       `json:"first_dose"`
	DueNow             bool       `json:"due_now"`
	DueLabel           string     `json:"due_label"`
	LastAdministeredAt *time.Time `json:"last_administered_at,omitempty"`
	NextDue            *time.Time `json:"next_due,omitempty"`
}

// PendingEntry is a prescribed item the pharmacy has not dispensed yet.
type PendingEntry struct {
	ItemID            int64     `json:"item_id"`
	PrescriptionID    int64     `json:"prescription_id"`
	PatientID         int64     `json:"patient_id"`
	PatientName       string    `json:"patient_name"`
	PatientIdentifier string    `json:"patient_identifier"`
	DrugID            int64     `json:"drug_id"`
	DrugName          string    `json:"drug_name"`
	Dose              string    `json:"dose"`
	Frequency         string    `json:"frequency"`
	Duration          string    `json:"duration"`
	Diagnosis         string    `json:"diagnosis,omitempty"`
	PrescribedAt      time.Time `json:"prescribed_at"`
}

// Queues is the nursing work list.
type Queues struct {
	Ready           []ScheduleEntry `json:"ready"`
	Scheduled       []ScheduleEntry `json:"scheduled"`
	PendingPharmacy []PendingEntry  `json:"pending_pharmacy"`
}

// ItemStatus is the derived state of one item.
type ItemStatus struct {
	ItemID int64             `json:"item_id"`
	State  State             `json:"state"`
	Totals ledger.ItemTotals `json:"totals"`
	Entry  *ScheduleEntry    `json:"entry,omitempty"`
}
