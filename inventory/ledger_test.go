package inventory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*inventory.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return inventory.NewLedger(store), store
}

func materialize(t *testing.T, ledger *inventory.Ledger, doc string, date time.Time, product string, kg string, containers int, price string) inventory.Lot {
	t.Helper()
	var unitPrice *market.Amount
	if price != "" {
		p := market.MustParseAmount(price)
		unitPrice = &p
	}
	lot, err := ledger.MaterializeLot(context.Background(),
		market.DocumentID(doc), date,
		market.ProductID(product), "crate-plastic",
		market.MustParseQuantity(kg), containers, unitPrice)
	require.NoError(t, err)
	return lot
}

var (
	day1 = time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2026, time.March, 12, 0, 0, 0, 0, time.UTC)
)

// =============================================================================
// FIFO CONSUMPTION TESTS
// =============================================================================

func TestLedger_Consume_DrainsOldestLotFirst(t *testing.T) {
	// GIVEN: Lot L1 (100kg, older) and lot L2 (50kg, newer) of the same product
	// WHEN: Consuming 120kg
	// THEN: L1 is drained fully, L2 provides the remaining 20kg

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	l1 := materialize(t, ledger, "doc-1", day1, "tomato", "100", 8, "90")
	l2 := materialize(t, ledger, "doc-2", day2, "tomato", "50", 4, "95")

	allocs, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("120"), "sale-1")
	require.NoError(t, err)

	require.Len(t, allocs, 2)
	assert.Equal(t, l1.ID, allocs[0].LotID)
	assert.True(t, allocs[0].Quantity.Equal(market.MustParseQuantity("100")))
	assert.Equal(t, l2.ID, allocs[1].LotID)
	assert.True(t, allocs[1].Quantity.Equal(market.MustParseQuantity("20")))

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.True(t, lots[0].RemainingQuantity.IsZero(), "older lot should be exhausted")
	assert.True(t, lots[1].RemainingQuantity.Equal(market.MustParseQuantity("30")))
}

func TestLedger_Consume_NeverSkipsOlderLot(t *testing.T) {
	// GIVEN: Three lots of increasing age
	// WHEN: Consuming in several small steps
	// THEN: No younger lot loses a unit while an older lot still has stock

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "30", 3, "90")
	materialize(t, ledger, "doc-2", day2, "tomato", "30", 3, "92")
	materialize(t, ledger, "doc-3", day3, "tomato", "30", 3, "94")

	for i := 0; i < 6; i++ {
		_, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("10"), fmt.Sprintf("sale-%d", i))
		require.NoError(t, err)

		lots, err := ledger.LotDetail(ctx, "tomato")
		require.NoError(t, err)
		seenRemaining := false
		for _, lot := range lots {
			if seenRemaining {
				assert.True(t, lot.RemainingQuantity.Equal(lot.OriginalQuantity),
					"younger lot touched while older lot %s still open", lot.ID)
			}
			if lot.RemainingQuantity.IsPositive() {
				seenRemaining = true
			}
		}
	}
}

func TestLedger_Consume_SameDateOrderedByIntakeSequence(t *testing.T) {
	// GIVEN: Two lots with the same document date
	// WHEN: Consuming less than the first lot's quantity
	// THEN: The earlier-materialized lot is drained first

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first := materialize(t, ledger, "doc-1", day1, "tomato", "40", 0, "")
	materialize(t, ledger, "doc-2", day1, "tomato", "40", 0, "")

	allocs, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("10"), "sale-1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, first.ID, allocs[0].LotID)
}

func TestLedger_Consume_InsufficientStock_MutatesNothing(t *testing.T) {
	// GIVEN: 150kg total across two lots
	// WHEN: Requesting 1000kg
	// THEN: InsufficientStockError with 850kg shortfall, both lots untouched

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 8, "90")
	materialize(t, ledger, "doc-2", day2, "tomato", "50", 4, "95")

	_, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("1000"), "sale-1")
	require.Error(t, err)

	var stockErr *market.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.True(t, stockErr.Shortfall.Equal(market.MustParseQuantity("850")))
	assert.True(t, stockErr.Available.Equal(market.MustParseQuantity("150")))

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	for _, lot := range lots {
		assert.True(t, lot.RemainingQuantity.Equal(lot.OriginalQuantity), "failed reservation must not mutate lots")
	}
}

func TestLedger_ConsumeBatch_AllOrNothing(t *testing.T) {
	// GIVEN: Tomatoes in stock, no cucumbers at all
	// WHEN: A batch demands both
	// THEN: The whole batch fails and the tomato lots are untouched

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 8, "90")

	_, err := ledger.ReserveAndConsumeBatch(ctx, []inventory.Demand{
		{ProductID: "tomato", Quantity: market.MustParseQuantity("10")},
		{ProductID: "cucumber", Quantity: market.MustParseQuantity("10")},
	}, "sale-1")
	require.Error(t, err)
	assert.True(t, market.IsClientError(err))

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].RemainingQuantity.Equal(market.MustParseQuantity("100")))
}

func TestLedger_ConsumeBatch_MergesDemandsPerProduct(t *testing.T) {
	// GIVEN: One 100kg lot
	// WHEN: Two demands of 60kg each for the same product in one batch
	// THEN: The merged 120kg demand fails as a whole

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 0, "")

	_, err := ledger.ReserveAndConsumeBatch(ctx, []inventory.Demand{
		{ProductID: "tomato", Quantity: market.MustParseQuantity("60")},
		{ProductID: "tomato", Quantity: market.MustParseQuantity("60")},
	}, "sale-1")

	var stockErr *market.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.True(t, stockErr.Requested.Equal(market.MustParseQuantity("120")))
}

func TestLedger_Consume_RejectsNonPositiveQuantity(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 0, "")

	_, err := ledger.ReserveAndConsume(ctx, "tomato", market.ZeroQuantity(), "sale-1")
	assert.Error(t, err)
	_, err = ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("-5"), "sale-2")
	assert.Error(t, err)
}

// =============================================================================
// CONTAINER PRORATION TESTS
// =============================================================================

func TestLedger_Consume_ContainersFollowQuantityProportionally(t *testing.T) {
	// GIVEN: A lot of 100kg in 10 containers
	// WHEN: Consuming half the quantity
	// THEN: Half the containers go with it

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 10, "90")

	allocs, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("50"), "sale-1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, 5, allocs[0].Containers)

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.Equal(t, 5, lots[0].RemainingContainers)
}

func TestLedger_Consume_ExhaustionTakesAllRemainingContainers(t *testing.T) {
	// GIVEN: A lot whose container count does not divide evenly
	// WHEN: Consuming it across uneven takes until empty
	// THEN: Rounding never strands a container on an empty lot

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 7, "90")

	_, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("33"), "sale-1")
	require.NoError(t, err)
	_, err = ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("67"), "sale-2")
	require.NoError(t, err)

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].RemainingQuantity.IsZero())
	assert.Equal(t, 0, lots[0].RemainingContainers, "exhausted lot must not strand containers")
}

// =============================================================================
// RELEASE TESTS
// =============================================================================

func TestLedger_ReleaseLots_DeactivatesUnconsumed(t *testing.T) {
	// GIVEN: A document materialized two untouched lots
	// WHEN: Releasing the document
	// THEN: Its lots disappear from the FIFO pool

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 8, "90")
	materialize(t, ledger, "doc-1", day1, "cucumber", "40", 4, "70")

	require.NoError(t, ledger.ReleaseLots(ctx, "doc-1"))

	summaries, err := ledger.StockSummary(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestLedger_ReleaseLots_RefusesConsumedLot(t *testing.T) {
	// GIVEN: A sale already consumed part of the document's lot
	// WHEN: Releasing the document
	// THEN: Release fails; consumed stock is never implicitly undone

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 8, "90")
	_, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("10"), "sale-1")
	require.NoError(t, err)

	err = ledger.ReleaseLots(ctx, "doc-1")
	require.Error(t, err)
	assert.True(t, market.IsClientError(err))

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	require.Len(t, lots, 1, "lot must survive the refused release")
}

// =============================================================================
// PROJECTION TESTS
// =============================================================================

func TestLedger_StockSummary_WeightedAveragePrice(t *testing.T) {
	// GIVEN: 100kg at 90 and 50kg at 96 remaining
	// THEN: Average price is volume-weighted, (100*90 + 50*96) / 150 = 92

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 8, "90")
	materialize(t, ledger, "doc-2", day2, "tomato", "50", 4, "96")

	productID := market.ProductID("tomato")
	summaries, err := ledger.StockSummary(ctx, &productID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.True(t, s.RemainingQuantity.Equal(market.MustParseQuantity("150")))
	assert.Equal(t, 12, s.RemainingContainers)
	assert.Equal(t, 2, s.LotCount)
	assert.Equal(t, day1, s.OldestLotDate)
	require.NotNil(t, s.AveragePrice)
	assert.True(t, s.AveragePrice.Equal(market.MustParseAmount("92")))
}

func TestLedger_StockSummary_UnpricedLotsExcludedFromAverage(t *testing.T) {
	// GIVEN: One priced and one unpriced open lot
	// THEN: Quantity counts both, average covers only the priced one

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 0, "90")
	materialize(t, ledger, "doc-2", day2, "tomato", "50", 0, "")

	productID := market.ProductID("tomato")
	summaries, err := ledger.StockSummary(ctx, &productID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].RemainingQuantity.Equal(market.MustParseQuantity("150")))
	require.NotNil(t, summaries[0].AveragePrice)
	assert.True(t, summaries[0].AveragePrice.Equal(market.MustParseAmount("90")))
}

func TestLedger_SetUnitPrice_DoesNotRewritePastAllocations(t *testing.T) {
	// GIVEN: An unpriced lot already partially consumed
	// WHEN: The price is fixed afterwards
	// THEN: The earlier allocation still carries no price

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	lot := materialize(t, ledger, "doc-1", day1, "tomato", "100", 0, "")
	allocs, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("10"), "sale-1")
	require.NoError(t, err)
	assert.Nil(t, allocs[0].UnitPrice)

	require.NoError(t, ledger.SetUnitPrice(ctx, lot.ID, market.MustParseAmount("99")))

	allocs, err = ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("10"), "sale-2")
	require.NoError(t, err)
	require.NotNil(t, allocs[0].UnitPrice)
	assert.True(t, allocs[0].UnitPrice.Equal(market.MustParseAmount("99")))
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestLedger_ConcurrentConsumption_NeverOversells(t *testing.T) {
	// GIVEN: Exactly 100kg in stock
	// WHEN: 20 goroutines each try to take 10kg
	// THEN: Exactly 10 succeed and the pool ends at zero, never negative

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "tomato", "100", 10, "90")

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.ReserveAndConsume(ctx, "tomato", market.MustParseQuantity("10"), fmt.Sprintf("sale-%d", n))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			var stockErr *market.InsufficientStockError
			assert.ErrorAs(t, err, &stockErr)
		}
	}
	assert.Equal(t, 10, succeeded)

	lots, err := ledger.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.True(t, lots[0].RemainingQuantity.IsZero())
	assert.False(t, lots[0].RemainingQuantity.IsNegative())
}

func TestLedger_ConcurrentMultiProductBatches_NoDeadlock(t *testing.T) {
	// GIVEN: Two products with plenty of stock
	// WHEN: Opposite-order batches run concurrently
	// THEN: Sorted lock acquisition means both complete

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	materialize(t, ledger, "doc-1", day1, "apple", "1000", 0, "")
	materialize(t, ledger, "doc-2", day1, "banana", "1000", 0, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.ReserveAndConsumeBatch(ctx, []inventory.Demand{
				{ProductID: "apple", Quantity: market.MustParseQuantity("1")},
				{ProductID: "banana", Quantity: market.MustParseQuantity("1")},
			}, fmt.Sprintf("ab-%d", n))
			assert.NoError(t, err)
		}(i)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.ReserveAndConsumeBatch(ctx, []inventory.Demand{
				{ProductID: "banana", Quantity: market.MustParseQuantity("1")},
				{ProductID: "apple", Quantity: market.MustParseQuantity("1")},
			}, fmt.Sprintf("ba-%d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
