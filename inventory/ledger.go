/*
ledger.go - FIFO reservation and consumption

PURPOSE:
  The Ledger is the single writer for lot state. Reservation and
  consumption happen as ONE atomic step per call: compute the FIFO takes
  and apply them while holding the product locks. There is deliberately
  no public "reserve now, consume later" split - two reservations for the
  same product could otherwise interleave and over-allocate the same
  remaining quantity.

CRITICAL INVARIANTS:
  1. FIFO: no unit of a younger lot is consumed while an older lot of the
     same product still has remaining quantity
  2. All-or-nothing: a failed reservation mutates no lot
  3. Non-negativity: remaining counts never go below zero; a negative
     remaining is a programming defect and panics, it is never clamped

LOCKING:
  One mutex per product, created lazily. Batch consumption acquires the
  locks of all touched products in sorted ProductID order, so concurrent
  multi-product approvals cannot deadlock.

SEE ALSO:
  - lot.go:        Types and the Store interface
  - projection.go: Read-only stock summaries
*/
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store

	mu    sync.Mutex
	locks map[market.ProductID]*sync.Mutex
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[market.ProductID]*sync.Mutex),
	}
}

func (l *Ledger) productLock(id market.ProductID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[id] = lk
	}
	return lk
}

// =============================================================================
// MATERIALIZATION - Called only on incoming-document approval
// =============================================================================

// MaterializeLot creates one lot from one incoming-delivery line.
// Remaining counts start equal to the originals. No side effects beyond
// persisting the lot.
func (l *Ledger) MaterializeLot(
	ctx context.Context,
	documentID market.DocumentID,
	documentDate time.Time,
	productID market.ProductID,
	containerTypeID market.ContainerTypeID,
	quantity market.Quantity,
	containers int,
	unitPrice *market.Amount,
) (Lot, error) {
	if !quantity.IsPositive() {
		return Lot{}, &market.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if containers < 0 {
		return Lot{}, &market.ValidationError{Field: "containers", Reason: "must not be negative"}
	}

	seq, err := l.store.NextLotSequence(ctx)
	if err != nil {
		return Lot{}, fmt.Errorf("failed to allocate lot sequence: %w", err)
	}

	lot := Lot{
		ID:                  market.LotID(uuid.NewString()),
		ProductID:           productID,
		ContainerTypeID:     containerTypeID,
		DocumentID:          documentID,
		DocumentDate:        documentDate,
		CreatedSequence:     seq,
		OriginalQuantity:    quantity,
		OriginalContainers:  containers,
		RemainingQuantity:   quantity,
		RemainingContainers: containers,
		UnitPrice:           unitPrice,
		Meta:                market.NewRecordMeta(time.Now()),
	}

	if err := l.store.InsertLot(ctx, lot); err != nil {
		return Lot{}, fmt.Errorf("failed to persist lot: %w", err)
	}
	return lot, nil
}

// SetUnitPrice fixes a lot's unit price after intake. Prices already
// captured by past allocations are unaffected.
func (l *Ledger) SetUnitPrice(ctx context.Context, lotID market.LotID, price market.Amount) error {
	lot, err := l.store.LotByID(ctx, lotID)
	if err != nil {
		return err
	}
	lk := l.productLock(lot.ProductID)
	lk.Lock()
	defer lk.Unlock()

	lot, err = l.store.LotByID(ctx, lotID)
	if err != nil {
		return err
	}
	lot.UnitPrice = &price
	lot.Meta.Touch(time.Now())
	return l.store.UpdateLot(ctx, lot)
}

// =============================================================================
// RESERVE + CONSUME - One atomic step
// =============================================================================

// ReserveAndConsume draws the requested quantity from one product's FIFO
// pool. Fails with market.InsufficientStockError and mutates nothing if
// the pool cannot cover the request.
func (l *Ledger) ReserveAndConsume(ctx context.Context, productID market.ProductID, requested market.Quantity, ref string) ([]Allocation, error) {
	return l.ReserveAndConsumeBatch(ctx, []Demand{{ProductID: productID, Quantity: requested}}, ref)
}

// ReserveAndConsumeBatch draws several products' demands as one atomic
// unit: either every demand is satisfied and applied, or nothing is
// mutated. Product locks are acquired in sorted order.
func (l *Ledger) ReserveAndConsumeBatch(ctx context.Context, demands []Demand, ref string) ([]Allocation, error) {
	if len(demands) == 0 {
		return nil, nil
	}

	merged := make(map[market.ProductID]market.Quantity, len(demands))
	for _, d := range demands {
		if !d.Quantity.IsPositive() {
			return nil, &market.ValidationError{Field: "quantity", Reason: "must be positive"}
		}
		merged[d.ProductID] = merged[d.ProductID].Add(d.Quantity)
	}

	products := make([]market.ProductID, 0, len(merged))
	for id := range merged {
		products = append(products, id)
	}
	sort.Slice(products, func(i, j int) bool { return products[i] < products[j] })

	for _, id := range products {
		lk := l.productLock(id)
		lk.Lock()
		defer lk.Unlock()
	}

	// Phase 1: compute every take without mutating anything.
	var allocations []Allocation
	touched := make(map[market.LotID]Lot)
	for _, productID := range products {
		lots, err := l.store.LotsByProduct(ctx, productID)
		if err != nil {
			return nil, fmt.Errorf("failed to load lots: %w", err)
		}

		needed := merged[productID]
		available := market.ZeroQuantity()
		for _, lot := range lots {
			available = available.Add(lot.RemainingQuantity)
		}
		if available.LessThan(needed) {
			return nil, &market.InsufficientStockError{
				ProductID: productID,
				Requested: needed,
				Available: available,
				Shortfall: needed.Sub(available),
			}
		}

		still := needed
		for _, lot := range lots {
			if still.IsZero() {
				break
			}
			if lot.RemainingQuantity.IsZero() {
				continue
			}
			take := lot.RemainingQuantity.Min(still)
			containers := containersForTake(lot, take)

			lot.RemainingQuantity = lot.RemainingQuantity.Sub(take)
			lot.RemainingContainers -= containers
			assertLotNonNegative(lot)
			lot.Meta.Touch(time.Now())

			touched[lot.ID] = lot
			allocations = append(allocations, Allocation{
				LotID:      lot.ID,
				ProductID:  productID,
				Quantity:   take,
				Containers: containers,
				UnitPrice:  lot.UnitPrice,
			})
			still = still.Sub(take)
		}
	}

	// Phase 2: apply under the held locks, atomically when the store can.
	apply := func(s Store) error {
		for _, lot := range touched {
			if err := s.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if tx, ok := l.store.(TxStore); ok {
		err = tx.WithTx(ctx, apply)
	} else {
		err = apply(l.store)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply consumption %s: %w", ref, err)
	}
	return allocations, nil
}

// containersForTake distributes a lot's container count proportionally to
// the quantity taken, rounded, clamped so the remainder never goes
// negative. A take that exhausts the lot takes every remaining container.
func containersForTake(lot Lot, take market.Quantity) int {
	if lot.OriginalContainers == 0 || lot.OriginalQuantity.IsZero() {
		return 0
	}
	if lot.RemainingQuantity.Equal(take) {
		return lot.RemainingContainers
	}
	ratio := take.Div(lot.OriginalQuantity)
	n := int(decimal.NewFromInt(int64(lot.OriginalContainers)).Mul(ratio).Round(0).IntPart())
	if n > lot.RemainingContainers {
		n = lot.RemainingContainers
	}
	if n < 0 {
		n = 0
	}
	return n
}

// assertLotNonNegative guards the core invariant. Reaching a negative
// remaining count means the reservation math is broken; clamping here
// would silently corrupt the FIFO pool.
func assertLotNonNegative(lot Lot) {
	if lot.RemainingQuantity.IsNegative() || lot.RemainingContainers < 0 {
		panic(fmt.Sprintf("lot %s: remaining went negative (qty=%s containers=%d)",
			lot.ID, lot.RemainingQuantity, lot.RemainingContainers))
	}
}

// =============================================================================
// RELEASE - Cancellation of an incoming document before consumption
// =============================================================================

// ReleaseLots deactivates the lots materialized by a cancelled incoming
// document. Refuses if any of them has already been consumed, partially
// or fully - consumed inventory is only recovered by an explicit
// re-intake, never by an implicit undo.
func (l *Ledger) ReleaseLots(ctx context.Context, documentID market.DocumentID) error {
	lots, err := l.store.LotsByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if len(lots) == 0 {
		return nil
	}

	products := make(map[market.ProductID]bool)
	for _, lot := range lots {
		products[lot.ProductID] = true
	}
	ids := make([]market.ProductID, 0, len(products))
	for id := range products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		lk := l.productLock(id)
		lk.Lock()
		defer lk.Unlock()
	}

	// Re-read under the locks; a sale may have consumed in between.
	lots, err = l.store.LotsByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	for _, lot := range lots {
		if lot.Consumed() {
			return &market.ValidationError{
				Field:  "document",
				Reason: fmt.Sprintf("lot %s already partially consumed", lot.ID),
			}
		}
	}

	now := time.Now()
	for _, lot := range lots {
		lot.Meta.Deactivate(now)
		if err := l.store.UpdateLot(ctx, lot); err != nil {
			return fmt.Errorf("failed to release lot %s: %w", lot.ID, err)
		}
	}
	return nil
}
