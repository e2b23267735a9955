/*
projection.go - Read-only stock views

PURPOSE:
  UI-facing projections over the lot pool. No side effects: these read
  whatever the store currently holds and aggregate it. They are safe to
  call concurrently with consumption; a view taken mid-approval simply
  reflects one consistent committed state or the other.

SEE ALSO:
  - ledger.go: The single writer these views observe
*/
package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// STOCK SUMMARY - Per-product aggregate
// =============================================================================

// ProductSummary aggregates the open lots of one product.
type ProductSummary struct {
	ProductID           market.ProductID
	RemainingQuantity   market.Quantity
	RemainingContainers int
	LotCount            int
	OldestLotDate       time.Time

	// AveragePrice is the volume-weighted average over priced lots with
	// remaining quantity. Nil when no open lot carries a price.
	AveragePrice *market.Amount
}

// StockSummary aggregates open lots per product. With a product id it
// returns at most one entry; with nil it covers every product that still
// has remaining stock.
func (l *Ledger) StockSummary(ctx context.Context, productID *market.ProductID) ([]ProductSummary, error) {
	var lots []Lot
	var err error
	if productID != nil {
		lots, err = l.store.LotsByProduct(ctx, *productID)
	} else {
		lots, err = l.store.Lots(ctx)
	}
	if err != nil {
		return nil, err
	}

	type acc struct {
		summary  ProductSummary
		weighted decimal.Decimal
		priced   market.Quantity
	}
	byProduct := make(map[market.ProductID]*acc)
	var order []market.ProductID

	for _, lot := range lots {
		if lot.RemainingQuantity.IsZero() {
			continue
		}
		a, ok := byProduct[lot.ProductID]
		if !ok {
			a = &acc{summary: ProductSummary{ProductID: lot.ProductID, OldestLotDate: lot.DocumentDate}}
			byProduct[lot.ProductID] = a
			order = append(order, lot.ProductID)
		}
		a.summary.RemainingQuantity = a.summary.RemainingQuantity.Add(lot.RemainingQuantity)
		a.summary.RemainingContainers += lot.RemainingContainers
		a.summary.LotCount++
		if lot.DocumentDate.Before(a.summary.OldestLotDate) {
			a.summary.OldestLotDate = lot.DocumentDate
		}
		if lot.UnitPrice != nil {
			a.weighted = a.weighted.Add(lot.UnitPrice.Value.Mul(lot.RemainingQuantity.Value))
			a.priced = a.priced.Add(lot.RemainingQuantity)
		}
	}

	summaries := make([]ProductSummary, 0, len(order))
	for _, id := range order {
		a := byProduct[id]
		if a.priced.IsPositive() {
			avg := market.NewAmountFromDecimal(a.weighted.Div(a.priced.Value))
			a.summary.AveragePrice = &avg
		}
		summaries = append(summaries, a.summary)
	}
	return summaries, nil
}

// =============================================================================
// LOT DETAIL - The FIFO audit trail
// =============================================================================

// LotDetail returns one product's lots oldest-first, including exhausted
// ones, so the consumption order can be audited end to end.
func (l *Ledger) LotDetail(ctx context.Context, productID market.ProductID) ([]Lot, error) {
	return l.store.LotsByProduct(ctx, productID)
}
