package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/hospharm/medcore/internal/domain/administration"
	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/pkg/circuitbreaker"
)

// DomainOutcome reports whether err is a normal business outcome rather than
// a database fault. Breakers use it so that rejected administrations or
// unknown ids do not trip the circuit.
func DomainOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, ledger.ErrNotFound) ||
		errors.Is(err, ledger.ErrValidation) ||
		errors.Is(err, ledger.ErrConsistency) ||
		errors.Is(err, ledger.ErrForbidden)
}

// GuardedStore routes every store call through a circuit breaker.
type GuardedStore struct {
	store   *Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps store. The breaker should be configured with
// DomainOutcome as its success classifier.
func NewGuardedStore(store *Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: breaker}
}

func (g *GuardedStore) RecentDrugIDs(ctx context.Context, patientID int64, since time.Time) ([]int64, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() ([]int64, error) {
		return g.store.RecentDrugIDs(ctx, patientID, since)
	})
}

func (g *GuardedStore) FindInteractions(ctx context.Context, pairs []ledger.DrugPair) ([]ledger.InteractionRule, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() ([]ledger.InteractionRule, error) {
		return g.store.FindInteractions(ctx, pairs)
	})
}

func (g *GuardedStore) PatientAllergies(ctx context.Context, patientID int64) ([]ledger.PatientAllergy, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() ([]ledger.PatientAllergy, error) {
		return g.store.PatientAllergies(ctx, patientID)
	})
}

func (g *GuardedStore) DrugAllergens(ctx context.Context, drugIDs []int64) (map[int64][]int64, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() (map[int64][]int64, error) {
		return g.store.DrugAllergens(ctx, drugIDs)
	})
}

func (g *GuardedStore) Drugs(ctx context.Context, ids []int64) (map[int64]ledger.Drug, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() (map[int64]ledger.Drug, error) {
		return g.store.Drugs(ctx, ids)
	})
}

func (g *GuardedStore) DispensedItems(ctx context.Context) ([]ledger.ItemLedger, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() ([]ledger.ItemLedger, error) {
		return g.store.DispensedItems(ctx)
	})
}

func (g *GuardedStore) UndispensedItems(ctx context.Context) ([]ledger.ItemLedger, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() ([]ledger.ItemLedger, error) {
		return g.store.UndispensedItems(ctx)
	})
}

func (g *GuardedStore) Item(ctx context.Context, itemID int64) (*ledger.ItemLedger, error) {
	return circuitbreaker.Do(ctx, g.breaker, func() (*ledger.ItemLedger, error) {
		return g.store.Item(ctx, itemID)
	})
}

func (g *GuardedStore) WithItemLock(ctx context.Context, dispensingID int64, fn func(tx administration.ItemTx) error) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.store.WithItemLock(ctx, dispensingID, fn)
	})
	return err
}

func (g *GuardedStore) PublishEvent(ctx context.Context, event *ledger.Event) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.store.PublishEvent(ctx, event)
	})
	return err
}
