package exposure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/exposure"
	"github.com/verdant/market-engine/factory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestGuard(t *testing.T) (*exposure.Guard, *memory.Store, *deposit.Ledger, *factory.Catalog) {
	t.Helper()
	store := memory.New()
	catalog, err := factory.ParseConfig([]byte(`{
		"container_types": [
			{"id": "plastic", "name": "Plastic crate", "tare_kg": "1.8", "deposit_price": "50"}
		]
	}`))
	require.NoError(t, err)
	deposits := deposit.NewLedger(store, catalog)
	return exposure.NewGuard(store, deposits, catalog), store, deposits, catalog
}

var checkDate = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// EXPOSURE FORMULA TESTS
// =============================================================================

func TestGuard_Check_CompositeExposureAgainstLimit(t *testing.T) {
	// GIVEN: balance=2000, deposit liability=500, limit=3000
	// WHEN: Checking proposed amounts of 600 and 400
	// THEN: 3100 exceeds the limit, 2900 does not

	guard, store, deposits, catalog := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, store.Post(ctx, "acct-1", market.Debit, market.NewAmount(2000), checkDate, "invoice-1"))
	_, err := deposits.ChargeDeposit(ctx, "acct-1", "plastic", 10)
	require.NoError(t, err)
	require.NoError(t, catalog.SetExposureLimit("acct-1", market.NewAmount(3000)))

	over, err := guard.Check(ctx, "acct-1", market.NewAmount(600))
	require.NoError(t, err)
	assert.True(t, over.Exposure.Equal(market.NewAmount(3100)))
	assert.True(t, over.Exceeded)

	under, err := guard.Check(ctx, "acct-1", market.NewAmount(400))
	require.NoError(t, err)
	assert.True(t, under.Exposure.Equal(market.NewAmount(2900)))
	assert.False(t, under.Exceeded)
}

func TestGuard_Check_ZeroLimitIsUnlimited(t *testing.T) {
	// GIVEN: Arbitrarily large balance and no configured limit
	// THEN: The guard never trips

	guard, store, _, _ := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, store.Post(ctx, "acct-1", market.Debit, market.NewAmount(10000000), checkDate, "invoice-1"))

	snapshot, err := guard.Check(ctx, "acct-1", market.NewAmount(500000))
	require.NoError(t, err)
	assert.False(t, snapshot.Exceeded)
	assert.True(t, snapshot.Limit.IsZero())
}

func TestGuard_Check_ExactlyAtLimitPasses(t *testing.T) {
	// Exposure equal to the limit is allowed; only strictly greater trips.

	guard, store, _, catalog := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, catalog.SetExposureLimit("acct-1", market.NewAmount(1000)))
	require.NoError(t, store.Post(ctx, "acct-1", market.Debit, market.NewAmount(600), checkDate, "invoice-1"))

	snapshot, err := guard.Check(ctx, "acct-1", market.NewAmount(400))
	require.NoError(t, err)
	assert.True(t, snapshot.Exposure.Equal(market.NewAmount(1000)))
	assert.False(t, snapshot.Exceeded)
}

func TestGuard_Check_CreditsLowerExposure(t *testing.T) {
	// GIVEN: 2000 debt and a 1500 payment received
	// THEN: The balance component is the 500 net

	guard, store, _, catalog := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, catalog.SetExposureLimit("acct-1", market.NewAmount(1000)))
	require.NoError(t, store.Post(ctx, "acct-1", market.Debit, market.NewAmount(2000), checkDate, "invoice-1"))
	require.NoError(t, store.Post(ctx, "acct-1", market.Credit, market.NewAmount(1500), checkDate, "payment-1"))

	snapshot, err := guard.Check(ctx, "acct-1", market.NewAmount(100))
	require.NoError(t, err)
	assert.True(t, snapshot.CashBalance.Equal(market.NewAmount(500)))
	assert.True(t, snapshot.Exposure.Equal(market.NewAmount(600)))
	assert.False(t, snapshot.Exceeded)
}

func TestGuard_Check_FreshAccountIsAllZeroes(t *testing.T) {
	guard, _, _, _ := newTestGuard(t)

	snapshot, err := guard.Check(context.Background(), "nobody", market.NewAmount(100))
	require.NoError(t, err)
	assert.True(t, snapshot.CashBalance.IsZero())
	assert.True(t, snapshot.DepositLiability.IsZero())
	assert.True(t, snapshot.Exposure.Equal(market.NewAmount(100)))
	assert.False(t, snapshot.Exceeded)
}
