package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// itemLedgerQuery aggregates dispensing and administration totals per item.
// Administrations are attributed through their dispensing record.
// Callers append a WHERE clause.
const itemLedgerQuery = `
	WITH disp AS (
		SELECT prescription_item_id,
		       SUM(quantity) AS dispensed,
		       COUNT(*)      AS dispense_count,
		       MAX(id)       AS latest_id
		FROM dispensings
		GROUP BY prescription_item_id
	), adm AS (
		SELECT ds.prescription_item_id,
		       SUM(a.quantity)        AS administered,
		       MAX(a.administered_at) AS last_at
		FROM administrations a
		JOIN dispensings ds ON ds.id = a.dispensing_id
		GROUP BY ds.prescription_item_id
	)
	SELECT pi.id, pi.prescription_id, pi.drug_id, pi.dose, pi.frequency, pi.duration, pi.interval_hours,
	       pt.id, pt.full_name, pt.identifier,
	       d.id, d.name, d.active_principle, d.atc_code, d.route, d.standard_concentration,
	       COALESCE(dg.description, ''), p.created_at,
	       COALESCE(disp.dispensed, 0), COALESCE(adm.administered, 0), COALESCE(disp.dispense_count, 0),
	       adm.last_at, COALESCE(disp.latest_id, 0)
	FROM prescription_items pi
	JOIN prescriptions p ON p.id = pi.prescription_id
	JOIN patients pt ON pt.id = p.patient_id
	JOIN drugs d ON d.id = pi.drug_id
	LEFT JOIN diagnoses dg ON dg.id = p.diagnosis_id
	LEFT JOIN disp ON disp.prescription_item_id = pi.id
	LEFT JOIN adm ON adm.prescription_item_id = pi.id
`

func scanItemLedger(row pgx.Row) (ledger.ItemLedger, error) {
	var l ledger.ItemLedger
	err := row.Scan(
		&l.Item.ID, &l.Item.PrescriptionID, &l.Item.DrugID, &l.Item.Dose, &l.Item.Frequency,
		&l.Item.Duration, &l.Item.IntervalHours,
		&l.Patient.ID, &l.Patient.FullName, &l.Patient.Identifier,
		&l.Drug.ID, &l.Drug.Name, &l.Drug.ActivePrinciple, &l.Drug.ATCCode, &l.Drug.Route,
		&l.Drug.StandardConcentration,
		&l.Diagnosis, &l.PrescribedAt,
		&l.Totals.Dispensed, &l.Totals.Administered, &l.Totals.DispenseCount,
		&l.LastAdministeredAt, &l.LatestDispensingID,
	)
	return l, err
}

func (s *Store) queryItemLedgers(ctx context.Context, where string, args ...interface{}) ([]ledger.ItemLedger, error) {
	rows, err := s.pool.Query(ctx, itemLedgerQuery+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query item ledgers: %w", err)
	}
	defer rows.Close()

	var items []ledger.ItemLedger
	for rows.Next() {
		l, err := scanItemLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item ledger: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// DispensedItems returns items with stock still on the ward.
func (s *Store) DispensedItems(ctx context.Context) ([]ledger.ItemLedger, error) {
	ctx, span := s.tracer.Start(ctx, "DispensedItems")
	defer span.End()

	items, err := s.queryItemLedgers(ctx, `
	WHERE disp.prescription_item_id IS NOT NULL
	  AND disp.dispensed > COALESCE(adm.administered, 0)`)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

// UndispensedItems returns items the pharmacy has not released yet.
func (s *Store) UndispensedItems(ctx context.Context) ([]ledger.ItemLedger, error) {
	ctx, span := s.tracer.Start(ctx, "UndispensedItems")
	defer span.End()

	items, err := s.queryItemLedgers(ctx, `
	WHERE disp.prescription_item_id IS NULL`)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

// Item returns the ledger of one prescription item.
func (s *Store) Item(ctx context.Context, itemID int64) (*ledger.ItemLedger, error) {
	ctx, span := s.tracer.Start(ctx, "Item",
		trace.WithAttributes(attribute.Int64("item_id", itemID)))
	defer span.End()

	l, err := scanItemLedger(s.pool.QueryRow(ctx, itemLedgerQuery+` WHERE pi.id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription item %d: %w", itemID, ledger.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescription item %d: %w", itemID, err)
	}
	return &l, nil
}
