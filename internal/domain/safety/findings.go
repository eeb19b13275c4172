package safety

import "github.com/hospharm/medcore/internal/domain/ledger"

// InteractionFinding is a registered interaction between two drugs, with
// DrugA/DrugB in canonical (lower id first) order.
type InteractionFinding struct {
	DrugAID        int64           `json:"drug_a_id"`
	DrugA          string          `json:"drug_a"`
	DrugBID        int64           `json:"drug_b_id"`
	DrugB          string          `json:"drug_b"`
	Severity       ledger.Severity `json:"severity"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation"`
	Origin         Origin          `json:"origin"`
}

// AllergyFinding is a candidate drug linked to one of the patient's allergens.
type AllergyFinding struct {
	DrugID           int64           `json:"drug_id"`
	DrugName         string          `json:"drug_name"`
	ActivePrinciple  string          `json:"active_principle"`
	AllergenID       int64           `json:"allergen_id"`
	AllergenName     string          `json:"allergen_name"`
	AllergenCategory string          `json:"allergen_category"`
	Severity         ledger.Severity `json:"severity"`
	Reaction         string          `json:"reaction,omitempty"`
	Notes            string          `json:"notes,omitempty"`
}

// Report bundles both kinds of findings for one request.
type Report struct {
	PatientID    int64                `json:"patient_id"`
	Policy       string               `json:"policy"`
	Interactions []InteractionFinding `json:"interactions"`
	Allergies    []AllergyFinding     `json:"allergies"`
}

// HasFindings reports whether the clinician must be warned.
func (r *Report) HasFindings() bool {
	return len(r.Interactions) > 0 || len(r.Allergies) > 0
}

// HighestSeverity returns the most severe finding across both lists,
// SeverityNone when there are no findings.
func (r *Report) HighestSeverity() ledger.Severity {
	highest := ledger.SeverityNone
	for _, f := range r.Interactions {
		if f.Severity.Rank() > highest.Rank() {
			highest = f.Severity
		}
	}
	for _, f := range r.Allergies {
		if f.Severity.Rank() > highest.Rank() {
			highest = f.Severity
		}
	}
	return highest
}
