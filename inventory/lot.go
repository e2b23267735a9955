/*
Package inventory provides the FIFO lot-inventory ledger.

PURPOSE:
  Every approved incoming delivery materializes one Lot per line item.
  Sales consume lots strictly oldest-first. This package guarantees that
  total consumption across all sales never exceeds what was received.

KEY CONCEPTS IN THIS FILE (lot.go):
  - Lot: One received batch, the unit of FIFO inventory
  - Allocation: How much one sale took from one lot
  - Store: Persistence interface (sqlite in production, memory in tests)

LIFECYCLE OF A LOT:
  1. Created when an incoming document transitions Draft -> Approved
  2. Mutated only by consumption through the ledger
  3. Never physically deleted, only exhausted (remaining = 0)
  4. Deactivated only if its document is cancelled before any consumption

FIFO ORDER:
  Lots are consumed ordered by (DocumentDate, CreatedSequence) ascending.
  CreatedSequence breaks ties between lots received on the same day.

SEE ALSO:
  - ledger.go: Reservation, consumption, and projections
  - workflow:  The only caller of MaterializeLot
*/
package inventory

import (
	"context"
	"time"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// LOT - One received batch of a product
// =============================================================================

type Lot struct {
	ID              market.LotID
	ProductID       market.ProductID
	ContainerTypeID market.ContainerTypeID

	// Originating incoming document. DocumentDate is the FIFO sort key;
	// CreatedSequence breaks ties for lots received on the same date.
	DocumentID      market.DocumentID
	DocumentDate    time.Time
	CreatedSequence uint64

	OriginalQuantity    market.Quantity
	OriginalContainers  int
	RemainingQuantity   market.Quantity
	RemainingContainers int

	// UnitPrice may be unset at intake and fixed later, once the producer's
	// price is negotiated.
	UnitPrice *market.Amount

	Meta market.RecordMeta
}

// Exhausted reports whether the lot has been fully consumed.
func (l Lot) Exhausted() bool { return l.RemainingQuantity.IsZero() }

// Consumed reports whether any quantity has been taken from the lot.
func (l Lot) Consumed() bool { return l.RemainingQuantity.LessThan(l.OriginalQuantity) }

// ConsumedQuantity returns how much has been taken so far.
func (l Lot) ConsumedQuantity() market.Quantity {
	return l.OriginalQuantity.Sub(l.RemainingQuantity)
}

// =============================================================================
// ALLOCATION - One (lot, quantity) slice of a reservation
// =============================================================================

// Allocation records how much a single consumption took from a single lot,
// oldest lot first. The unit price is the lot's price at consumption time,
// kept so sales costing does not depend on later price edits.
type Allocation struct {
	LotID      market.LotID
	ProductID  market.ProductID
	Quantity   market.Quantity
	Containers int
	UnitPrice  *market.Amount
}

// Demand is one product's requested quantity inside a batch reservation.
type Demand struct {
	ProductID market.ProductID
	Quantity  market.Quantity
}

// =============================================================================
// STORE - Persistence interface
// =============================================================================

// Store persists lots. Implementations must return lots ordered by
// (DocumentDate, CreatedSequence) ascending from LotsByProduct and keep
// that order stable; the FIFO guarantee rests on it.
type Store interface {
	// InsertLot persists a freshly materialized lot.
	InsertLot(ctx context.Context, lot Lot) error

	// LotByID returns one lot or market.NotFoundError.
	LotByID(ctx context.Context, id market.LotID) (Lot, error)

	// LotsByProduct returns the active lots of one product in FIFO order.
	LotsByProduct(ctx context.Context, productID market.ProductID) ([]Lot, error)

	// LotsByDocument returns the lots materialized by one document.
	LotsByDocument(ctx context.Context, documentID market.DocumentID) ([]Lot, error)

	// Lots returns all active lots, FIFO order within each product.
	Lots(ctx context.Context) ([]Lot, error)

	// UpdateLot overwrites a lot's mutable fields (remaining counts,
	// unit price, meta). Identity fields never change.
	UpdateLot(ctx context.Context, lot Lot) error

	// NextLotSequence allocates the next CreatedSequence value.
	NextLotSequence(ctx context.Context) (uint64, error)
}

// TxStore is an optional extension for stores that can run a function
// atomically. The ledger uses it, when available, to make multi-lot
// consumption all-or-nothing at the persistence level as well.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
