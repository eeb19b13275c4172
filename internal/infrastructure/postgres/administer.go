package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/administration"
	"github.com/hospharm/medcore/internal/domain/ledger"
)

const sqlStateSerializationFailure = "40001"

// WithItemLock runs fn in a serializable transaction holding the row lock of
// the prescription item that owns dispensingID. The item ledger handed to fn
// is read after the lock is taken. A transaction that loses a serialization
// race is retried from scratch.
func (s *Store) WithItemLock(ctx context.Context, dispensingID int64, fn func(tx administration.ItemTx) error) error {
	ctx, span := s.tracer.Start(ctx, "WithItemLock",
		trace.WithAttributes(attribute.Int64("dispensing_id", dispensingID)))
	defer span.End()

	err := retrySerializable(s.serializationAttempts, func(attempt int) error {
		err := s.lockedAttempt(ctx, dispensingID, fn)
		if isSerializationFailure(err) {
			s.logger.Debug("administration transaction serialization conflict",
				zap.Int64("dispensing_id", dispensingID),
				zap.Int("attempt", attempt))
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// retrySerializable calls fn at most attempts times, stopping at the first
// result that is not a serialization failure.
func retrySerializable(attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) lockedAttempt(ctx context.Context, dispensingID int64, fn func(tx administration.ItemTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var itemID int64
	err = tx.QueryRow(ctx, `
		SELECT pi.id
		FROM dispensings d
		JOIN prescription_items pi ON pi.id = d.prescription_item_id
		WHERE d.id = $1
		FOR UPDATE OF pi
	`, dispensingID).Scan(&itemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("dispensing %d: %w", dispensingID, ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock prescription item: %w", err)
	}

	item, err := scanItemLedger(tx.QueryRow(ctx, itemLedgerQuery+` WHERE pi.id = $1`, itemID))
	if err != nil {
		return fmt.Errorf("load locked item %d: %w", itemID, err)
	}

	if err := fn(&itemTx{tx: tx, item: item, router: s.router}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit administration: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateSerializationFailure
}

// itemTx implements administration.ItemTx over a pgx transaction.
type itemTx struct {
	tx     pgx.Tx
	item   ledger.ItemLedger
	router TopicRouter
}

func (t *itemTx) Item() ledger.ItemLedger {
	return t.item
}

func (t *itemTx) InsertAdministration(ctx context.Context, rec *ledger.AdministrationRecord) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO administrations (dispensing_id, prescription_item_id, quantity, administered_at, staff_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, rec.DispensingID, rec.PrescriptionItemID, rec.Quantity, rec.AdministeredAt, rec.StaffID, rec.Note,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert administration: %w", err)
	}
	return nil
}

func (t *itemTx) Publish(ctx context.Context, event *ledger.Event) error {
	entry, err := EntryFromEvent(event, t.router(event.EventType))
	if err != nil {
		return err
	}
	return WriteEntry(ctx, t.tx, entry)
}

// PublishEvent writes a standalone event to the outbox.
func (s *Store) PublishEvent(ctx context.Context, event *ledger.Event) error {
	ctx, span := s.tracer.Start(ctx, "PublishEvent",
		trace.WithAttributes(attribute.String("event_type", string(event.EventType))))
	defer span.End()

	entry, err := EntryFromEvent(event, s.router(event.EventType))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := WriteEntry(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return err
	}
	return tx.Commit(ctx)
}
