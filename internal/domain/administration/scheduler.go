// Package administration derives the nursing work queues from the dispensing
// and administration ledger and records administered doses.
package administration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/fhir/mapper"
)

// AggregateType identifies administration events in the outbox.
const AggregateType = "PrescriptionItem"

// LedgerReader returns aggregated item ledgers.
type LedgerReader interface {
	// DispensedItems returns every item with at least one dispensing record.
	DispensedItems(ctx context.Context) ([]ledger.ItemLedger, error)
	// UndispensedItems returns every item with no dispensing record.
	UndispensedItems(ctx context.Context) ([]ledger.ItemLedger, error)
	// Item returns a single item ledger or ledger.ErrNotFound.
	Item(ctx context.Context, itemID int64) (*ledger.ItemLedger, error)
}

// ItemTx is the view of an item while its ledger is locked.
type ItemTx interface {
	Item() ledger.ItemLedger
	InsertAdministration(ctx context.Context, rec *ledger.AdministrationRecord) error
	Publish(ctx context.Context, event *ledger.Event) error
}

// Recorder serializes writes per prescription item.
type Recorder interface {
	// WithItemLock runs fn in a transaction that holds the lock of the item
	// owning dispensingID. If fn returns an error nothing is persisted.
	WithItemLock(ctx context.Context, dispensingID int64, fn func(tx ItemTx) error) error
}

// Store is the full persistence dependency of the scheduler.
type Store interface {
	LedgerReader
	Recorder
}

// Config holds scheduler settings.
type Config struct {
	// ReadyGrace is how early before its due time a dose becomes ready.
	ReadyGrace time.Duration
	// Location is used to render due times.
	Location *time.Location
}

// DefaultConfig returns a one hour grace in UTC.
func DefaultConfig() Config {
	return Config{ReadyGrace: time.Hour, Location: time.UTC}
}

// Scheduler computes queues and records administrations.
type Scheduler struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadyGrace < 0 {
		cfg.ReadyGrace = DefaultConfig().ReadyGrace
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("administration-scheduler"),
	}
}

// ComputeQueues classifies every open item into ready, scheduled and
// pending-pharmacy. It is read-only; the same ledger and now always yield
// the same queues.
func (s *Scheduler) ComputeQueues(ctx context.Context, filter Filter, now time.Time) (*Queues, error) {
	ctx, span := s.tracer.Start(ctx, "compute_queues")
	defer span.End()

	dispensed, err := s.store.DispensedItems(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load dispensed items: %w", err)
	}
	undispensed, err := s.store.UndispensedItems(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load undispensed items: %w", err)
	}

	match := filter.matcher()
	q := &Queues{
		Ready:           []ScheduleEntry{},
		Scheduled:       []ScheduleEntry{},
		PendingPharmacy: []PendingEntry{},
	}

	for _, item := range dispensed {
		if !match(item.Patient) {
			continue
		}
		state, entry := s.classify(item, now)
		switch state {
		case StateReady:
			q.Ready = append(q.Ready, entry)
		case StateScheduled:
			q.Scheduled = append(q.Scheduled, entry)
		}
	}
	for _, item := range undispensed {
		if !match(item.Patient) {
			continue
		}
		q.PendingPharmacy = append(q.PendingPharmacy, newPendingEntry(item))
	}

	sortQueues(q)

	span.SetAttributes(
		attribute.Int("ready", len(q.Ready)),
		attribute.Int("scheduled", len(q.Scheduled)),
		attribute.Int("pending_pharmacy", len(q.PendingPharmacy)),
	)
	s.logger.Debug("queues computed",
		zap.Int("ready", len(q.Ready)),
		zap.Int("scheduled", len(q.Scheduled)),
		zap.Int("pending_pharmacy", len(q.PendingPharmacy)))

	return q, nil
}

// ItemStatus classifies a single item.
func (s *Scheduler) ItemStatus(ctx context.Context, itemID int64, now time.Time) (*ItemStatus, error) {
	if itemID <= 0 {
		return nil, ledger.NewValidationError("item_id", "is required")
	}
	item, err := s.store.Item(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("load item %d: %w", itemID, err)
	}

	status := &ItemStatus{ItemID: itemID, Totals: item.Totals}
	if item.Totals.DispenseCount == 0 {
		status.State = StatePendingPharmacy
		return status, nil
	}
	state, entry := s.classify(*item, now)
	status.State = state
	if state != StateFullyAdministered {
		status.Entry = &entry
	}
	return status, nil
}

// AdministerCommand is a request to record an administered dose.
type AdministerCommand struct {
	DispensingID  int64
	Quantity      int
	StaffID       int64
	Note          string
	CorrelationID string
}

func (c AdministerCommand) validate() error {
	if c.DispensingID <= 0 {
		return ledger.NewValidationError("dispensing_id", "is required")
	}
	if c.StaffID <= 0 {
		return ledger.NewValidationError("staff_id", "is required")
	}
	if c.Quantity <= 0 {
		return ledger.NewValidationError("quantity", "must be greater than zero")
	}
	return nil
}

// AdministerDose appends an administration record against a dispensing
// record. The remaining-quantity check and the insert happen under the item
// lock, so concurrent calls can never drive remaining below zero.
func (s *Scheduler) AdministerDose(ctx context.Context, cmd AdministerCommand, now time.Time) (*ledger.AdministrationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "administer_dose",
		trace.WithAttributes(
			attribute.Int64("dispensing_id", cmd.DispensingID),
			attribute.Int("quantity", cmd.Quantity),
		))
	defer span.End()

	if err := cmd.validate(); err != nil {
		return nil, err
	}

	var recorded ledger.AdministrationRecord
	err := s.store.WithItemLock(ctx, cmd.DispensingID, func(tx ItemTx) error {
		item := tx.Item()
		if err := item.Totals.Admit(cmd.Quantity); err != nil {
			return err
		}

		rec := &ledger.AdministrationRecord{
			DispensingID:       cmd.DispensingID,
			PrescriptionItemID: item.Item.ID,
			Quantity:           cmd.Quantity,
			AdministeredAt:     now,
			StaffID:            cmd.StaffID,
			Note:               cmd.Note,
		}
		if err := tx.InsertAdministration(ctx, rec); err != nil {
			return fmt.Errorf("insert administration: %w", err)
		}

		event, err := ledger.NewEvent(AggregateType, item.Item.ID, ledger.EventDoseAdministered,
			mapper.ToMedicationAdministration(item, *rec, ResolveInterval(item.Item).Assumed), now)
		if err != nil {
			return fmt.Errorf("build event: %w", err)
		}
		event.WithAuditInfo(cmd.StaffID, item.Patient.ID, cmd.CorrelationID)
		if err := tx.Publish(ctx, event); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}

		recorded = *rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		var ce *ledger.ConsistencyError
		if errors.As(err, &ce) {
			s.logger.Warn("administration rejected",
				zap.Int64("dispensing_id", cmd.DispensingID),
				zap.Int("requested", ce.Requested),
				zap.Int("remaining", ce.Remaining))
		}
		return nil, err
	}

	s.logger.Info("dose administered",
		zap.Int64("administration_id", recorded.ID),
		zap.Int64("dispensing_id", recorded.DispensingID),
		zap.Int64("item_id", recorded.PrescriptionItemID),
		zap.Int("quantity", recorded.Quantity),
		zap.Int64("staff_id", recorded.StaffID))

	return &recorded, nil
}

func (s *Scheduler) classify(item ledger.ItemLedger, now time.Time) (State, ScheduleEntry) {
	remaining := item.Totals.Remaining()
	if remaining <= 0 {
		return StateFullyAdministered, ScheduleEntry{}
	}

	interval := ResolveInterval(item.Item)
	entry := ScheduleEntry{
		ItemID:             item.Item.ID,
		PrescriptionID:     item.Item.PrescriptionID,
		DispensingID:       item.LatestDispensingID,
		PatientID:          item.Patient.ID,
		PatientName:        item.Patient.FullName,
		PatientIdentifier:  item.Patient.Identifier,
		DrugID:             item.Drug.ID,
		DrugName:           item.Drug.Name,
		Dose:               item.Item.Dose,
		Frequency:          item.Item.Frequency,
		Duration:           item.Item.Duration,
		Diagnosis:          item.Diagnosis,
		Remaining:          remaining,
		IntervalHours:      int(interval.Every / time.Hour),
		FrequencyAssumed:   interval.Assumed,
		LastAdministeredAt: item.LastAdministeredAt,
	}

	if item.LastAdministeredAt == nil {
		entry.FirstDose = true
		entry.DueNow = true
		entry.DueLabel = DueNowLabel
		return StateReady, entry
	}

	next := item.LastAdministeredAt.Add(interval.Every)
	entry.NextDue = &next
	if !now.Before(next.Add(-s.config.ReadyGrace)) {
		entry.DueNow = true
		entry.DueLabel = DueNowLabel
		return StateReady, entry
	}
	entry.DueLabel = next.In(s.config.Location).Format(DueTimeLayout)
	return StateScheduled, entry
}

func newPendingEntry(item ledger.ItemLedger) PendingEntry {
	return PendingEntry{
		ItemID:            item.Item.ID,
		PrescriptionID:    item.Item.PrescriptionID,
		PatientID:         item.Patient.ID,
		PatientName:       item.Patient.FullName,
		PatientIdentifier: item.Patient.Identifier,
		DrugID:            item.Drug.ID,
		DrugName:          item.Drug.Name,
		Dose:              item.Item.Dose,
		Frequency:         item.Item.Frequency,
		Duration:          item.Item.Duration,
		Diagnosis:         item.Diagnosis,
		PrescribedAt:      item.PrescribedAt,
	}
}

// sortQueues orders the ready queue with first doses ahead of the rest, then
// by due time; scheduled by due time; pending by prescription time. Item id
// breaks every tie.
func sortQueues(q *Queues) {
	sort.SliceStable(q.Ready, func(i, j int) bool {
		a, b := q.Ready[i], q.Ready[j]
		if a.FirstDose != b.FirstDose {
			return a.FirstDose
		}
		if !a.FirstDose && !a.NextDue.Equal(*b.NextDue) {
			return a.NextDue.Before(*b.NextDue)
		}
		return a.ItemID < b.ItemID
	})
	sort.SliceStable(q.Scheduled, func(i, j int) bool {
		a, b := q.Scheduled[i], q.Scheduled[j]
		if !a.NextDue.Equal(*b.NextDue) {
			return a.NextDue.Before(*b.NextDue)
		}
		return a.ItemID < b.ItemID
	})
	sort.SliceStable(q.PendingPharmacy, func(i, j int) bool {
		a, b := q.PendingPharmacy[i], q.PendingPharmacy[j]
		if !a.PrescribedAt.Equal(b.PrescribedAt) {
			return a.PrescribedAt.Before(b.PrescribedAt)
		}
		return a.ItemID < b.ItemID
	})
}
