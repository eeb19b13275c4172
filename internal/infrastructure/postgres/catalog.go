package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// RecentDrugIDs returns the distinct drugs prescribed to the patient since the
// given time.
func (s *Store) RecentDrugIDs(ctx context.Context, patientID int64, since time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT pi.drug_id
		FROM prescription_items pi
		JOIN prescriptions p ON p.id = pi.prescription_id
		WHERE p.patient_id = $1
		  AND p.created_at >= $2
		ORDER BY pi.drug_id
	`

	rows, err := s.pool.Query(ctx, query, patientID, since)
	if err != nil {
		return nil, fmt.Errorf("query recent drugs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan drug id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindInteractions looks up the registered rules for a batch of canonical
// pairs in a single round trip.
func (s *Store) FindInteractions(ctx context.Context, pairs []ledger.DrugPair) ([]ledger.InteractionRule, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	lows := make([]int64, len(pairs))
	highs := make([]int64, len(pairs))
	for i, p := range pairs {
		p = ledger.NewDrugPair(p.Low, p.High)
		lows[i], highs[i] = p.Low, p.High
	}

	query := `
		SELECT i.drug_a_id, i.drug_b_id, i.severity, i.description, i.recommendation
		FROM drug_interactions i
		JOIN unnest($1::bigint[], $2::bigint[]) AS q(a, b)
		  ON i.drug_a_id = q.a AND i.drug_b_id = q.b
	`

	rows, err := s.pool.Query(ctx, query, lows, highs)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var rules []ledger.InteractionRule
	for rows.Next() {
		var (
			r        ledger.InteractionRule
			severity string
		)
		if err := rows.Scan(&r.Pair.Low, &r.Pair.High, &severity, &r.Description, &r.Recommendation); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if r.Severity, err = ledger.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("interaction %d/%d: %w", r.Pair.Low, r.Pair.High, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// PatientAllergies returns the patient's registered allergies.
func (s *Store) PatientAllergies(ctx context.Context, patientID int64) ([]ledger.PatientAllergy, error) {
	query := `
		SELECT pa.patient_id, a.id, a.name, a.category, pa.severity, pa.reaction, pa.notes
		FROM patient_allergies pa
		JOIN allergens a ON a.id = pa.allergen_id
		WHERE pa.patient_id = $1
		ORDER BY a.id
	`

	rows, err := s.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient allergies: %w", err)
	}
	defer rows.Close()

	var allergies []ledger.PatientAllergy
	for rows.Next() {
		var (
			pa       ledger.PatientAllergy
			severity string
		)
		if err := rows.Scan(&pa.PatientID, &pa.Allergen.ID, &pa.Allergen.Name, &pa.Allergen.Category,
			&severity, &pa.Reaction, &pa.Notes); err != nil {
			return nil, fmt.Errorf("scan patient allergy: %w", err)
		}
		if pa.Severity, err = ledger.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("allergy %d: %w", pa.Allergen.ID, err)
		}
		allergies = append(allergies, pa)
	}
	return allergies, rows.Err()
}

// DrugAllergens returns the allergen ids linked to each of the drugs.
func (s *Store) DrugAllergens(ctx context.Context, drugIDs []int64) (map[int64][]int64, error) {
	links := make(map[int64][]int64)
	if len(drugIDs) == 0 {
		return links, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT drug_id, allergen_id FROM drug_allergens WHERE drug_id = ANY($1) ORDER BY drug_id, allergen_id`,
		drugIDs)
	if err != nil {
		return nil, fmt.Errorf("query drug allergens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var drugID, allergenID int64
		if err := rows.Scan(&drugID, &allergenID); err != nil {
			return nil, fmt.Errorf("scan drug allergen: %w", err)
		}
		links[drugID] = append(links[drugID], allergenID)
	}
	return links, rows.Err()
}

// Drugs loads reference data for the given ids.
func (s *Store) Drugs(ctx context.Context, ids []int64) (map[int64]ledger.Drug, error) {
	drugs := make(map[int64]ledger.Drug, len(ids))
	if len(ids) == 0 {
		return drugs, nil
	}

	query := `
		SELECT id, name, active_principle, atc_code, route, standard_concentration
		FROM drugs
		WHERE id = ANY($1)
	`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query drugs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d ledger.Drug
		if err := rows.Scan(&d.ID, &d.Name, &d.ActivePrinciple, &d.ATCCode, &d.Route, &d.StandardConcentration); err != nil {
			return nil, fmt.Errorf("scan drug: %w", err)
		}
		drugs[d.ID] = d
	}
	return drugs, rows.Err()
}
