package workflow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/exposure"
	"github.com/verdant/market-engine/factory"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/store/memory"
	"github.com/verdant/market-engine/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	store     *memory.Store
	catalog   *factory.Catalog
	inventory *inventory.Ledger
	deposits  *deposit.Ledger
	guard     *exposure.Guard
	workflow  *workflow.Workflow
	notifier  *recordingNotifier
}

type recordingNotifier struct {
	enqueued []market.DocumentID
}

func (n *recordingNotifier) Enqueue(documentID market.DocumentID, documentKind string) {
	n.enqueued = append(n.enqueued, documentID)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	catalog, err := factory.ParseConfig([]byte(`{
		"container_types": [
			{"id": "plastic", "name": "Plastic crate", "tare_kg": "1.8", "deposit_price": "50"}
		]
	}`))
	require.NoError(t, err)

	inv := inventory.NewLedger(store)
	dep := deposit.NewLedger(store, catalog)
	guard := exposure.NewGuard(store, dep, catalog)
	notifier := &recordingNotifier{}
	wf := workflow.New(store, inv, dep, guard, catalog, store, notifier, nil)

	return &testEnv{
		store:     store,
		catalog:   catalog,
		inventory: inv,
		deposits:  dep,
		guard:     guard,
		workflow:  wf,
		notifier:  notifier,
	}
}

var marchFirst = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// line builds a valid line. Gross = net + full tare of the containers.
func line(product string, containers int, netKg, price string) workflow.Line {
	net := market.MustParseQuantity(netKg)
	tare := market.MustParseQuantity("1.8").MulInt(containers)
	return workflow.Line{
		ProductID:       market.ProductID(product),
		ContainerTypeID: "plastic",
		ContainerCount:  containers,
		GrossWeight:     net.Add(tare),
		TareWeight:      tare,
		NetWeight:       net,
		UnitPrice:       market.MustParseAmount(price),
	}
}

// deliver creates and approves an incoming delivery for the producer.
func (e *testEnv) deliver(t *testing.T, producer string, lines ...workflow.Line) workflow.Document {
	t.Helper()
	doc, err := e.workflow.Create(context.Background(), workflow.IncomingDelivery, market.AccountID(producer), marchFirst, lines)
	require.NoError(t, err)
	approved, err := e.workflow.ApproveIncoming(context.Background(), doc.ID)
	require.NoError(t, err)
	return approved
}

// saleOf creates a Draft sales invoice backed by the oldest lot.
func (e *testEnv) saleOf(t *testing.T, buyer, product string, containers int, netKg, price string) workflow.Document {
	t.Helper()
	lots, err := e.inventory.LotDetail(context.Background(), market.ProductID(product))
	require.NoError(t, err)
	require.NotEmpty(t, lots)

	ln := line(product, containers, netKg, price)
	ln.SourceLotID = &lots[0].ID
	doc, err := e.workflow.Create(context.Background(), workflow.SalesInvoice, market.AccountID(buyer), marchFirst, []workflow.Line{ln})
	require.NoError(t, err)
	return doc
}

// =============================================================================
// DRAFT TESTS
// =============================================================================

func TestWorkflow_Create_AssignsNumberAndTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.workflow.Create(ctx, workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{
		line("tomato", 10, "100", "90"),
		line("cucumber", 5, "60", "70"),
	})
	require.NoError(t, err)

	assert.Equal(t, workflow.Draft, doc.Status)
	assert.Equal(t, "IN-2026-00001", doc.Number)
	assert.Equal(t, 15, doc.TotalContainers)
	assert.True(t, doc.TotalNetWeight.Equal(market.MustParseQuantity("160")))
	assert.True(t, doc.TotalAmount.Equal(market.MustParseAmount("13200")), "100*90 + 60*70")
}

func TestWorkflow_Create_NumbersPerKindAndYear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in1, err := env.workflow.Create(ctx, workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{line("tomato", 1, "10", "90")})
	require.NoError(t, err)
	in2, err := env.workflow.Create(ctx, workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{line("tomato", 1, "10", "90")})
	require.NoError(t, err)
	si, err := env.workflow.Create(ctx, workflow.SalesInvoice, "buyer-1", marchFirst, []workflow.Line{line("tomato", 1, "10", "120")})
	require.NoError(t, err)

	assert.Equal(t, "IN-2026-00001", in1.Number)
	assert.Equal(t, "IN-2026-00002", in2.Number)
	assert.Equal(t, "SI-2026-00001", si.Number, "sales invoices number independently")
}

func TestWorkflow_Create_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		kind  workflow.Kind
		lines []workflow.Line
	}{
		{"no lines", workflow.IncomingDelivery, nil},
		{"zero net weight", workflow.IncomingDelivery, []workflow.Line{{
			ProductID: "tomato", ContainerTypeID: "plastic",
			GrossWeight: market.MustParseQuantity("10"),
		}}},
		{"net exceeds gross", workflow.IncomingDelivery, []workflow.Line{{
			ProductID: "tomato", ContainerTypeID: "plastic",
			GrossWeight: market.MustParseQuantity("10"),
			NetWeight:   market.MustParseQuantity("12"),
		}}},
		{"negative containers", workflow.IncomingDelivery, []workflow.Line{{
			ProductID: "tomato", ContainerTypeID: "plastic", ContainerCount: -1,
			NetWeight: market.MustParseQuantity("10"),
		}}},
		{"negative price", workflow.IncomingDelivery, []workflow.Line{{
			ProductID: "tomato", ContainerTypeID: "plastic",
			NetWeight: market.MustParseQuantity("10"),
			UnitPrice: market.MustParseAmount("-1"),
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.workflow.Create(ctx, tc.kind, "producer-1", marchFirst, tc.lines)
			require.Error(t, err)
			assert.True(t, market.IsClientError(err))
		})
	}
}

func TestWorkflow_Create_RejectsUnknownContainerType(t *testing.T) {
	env := newTestEnv(t)

	ln := line("tomato", 5, "50", "90")
	ln.ContainerTypeID = "glass"
	_, err := env.workflow.Create(context.Background(), workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{ln})
	assert.ErrorIs(t, err, market.ErrUnknownContainerType)
}

func TestWorkflow_Create_RejectsSourceLotOnIncoming(t *testing.T) {
	env := newTestEnv(t)

	lotID := market.LotID("some-lot")
	ln := line("tomato", 5, "50", "90")
	ln.SourceLotID = &lotID
	_, err := env.workflow.Create(context.Background(), workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{ln})
	require.Error(t, err)
	assert.True(t, market.IsClientError(err))
}

func TestWorkflow_Edit_DraftOnly(t *testing.T) {
	// GIVEN: One Draft and one Approved document
	// WHEN: Editing each
	// THEN: The Draft takes new lines and totals; the Approved refuses

	env := newTestEnv(t)
	ctx := context.Background()

	draft, err := env.workflow.Create(ctx, workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{line("tomato", 5, "50", "90")})
	require.NoError(t, err)

	edited, err := env.workflow.Edit(ctx, draft.ID, []workflow.Line{line("tomato", 8, "80", "95")})
	require.NoError(t, err)
	assert.True(t, edited.TotalAmount.Equal(market.MustParseAmount("7600")))

	approved := env.deliver(t, "producer-2", line("cucumber", 4, "40", "70"))
	_, err = env.workflow.Edit(ctx, approved.ID, []workflow.Line{line("cucumber", 2, "20", "70")})
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

// =============================================================================
// INCOMING APPROVAL TESTS
// =============================================================================

func TestWorkflow_ApproveIncoming_MaterializesLotsAndPostsContainers(t *testing.T) {
	// GIVEN: A two-line draft delivery
	// WHEN: Approving it
	// THEN: One lot per line exists and the producer's full count equals
	//       the delivered containers

	env := newTestEnv(t)
	ctx := context.Background()

	doc := env.deliver(t, "producer-1",
		line("tomato", 10, "100", "90"),
		line("cucumber", 5, "60", "70"),
	)
	assert.Equal(t, workflow.Approved, doc.Status)
	require.NotNil(t, doc.ApprovedAt)

	tomatoLots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	require.Len(t, tomatoLots, 1)
	assert.Equal(t, doc.ID, tomatoLots[0].DocumentID)
	assert.True(t, tomatoLots[0].RemainingQuantity.Equal(market.MustParseQuantity("100")))
	require.NotNil(t, tomatoLots[0].UnitPrice)
	assert.True(t, tomatoLots[0].UnitPrice.Equal(market.MustParseAmount("90")))

	account, err := env.deposits.AccountState(ctx, "producer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 15, account.FullCount)
}

func TestWorkflow_ApproveIncoming_NotifiesBureau(t *testing.T) {
	env := newTestEnv(t)
	doc := env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	assert.Equal(t, []market.DocumentID{doc.ID}, env.notifier.enqueued)
}

func TestWorkflow_ApproveIncoming_DuplicateApprovalRejected(t *testing.T) {
	// GIVEN: An already approved delivery
	// WHEN: Approving it a second time
	// THEN: InvalidTransition, and no second lot or container posting

	env := newTestEnv(t)
	ctx := context.Background()

	doc := env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))

	_, err := env.workflow.ApproveIncoming(ctx, doc.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.Len(t, lots, 1)

	account, err := env.deposits.AccountState(ctx, "producer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 10, account.FullCount)
}

func TestWorkflow_ApproveIncoming_WrongKindRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sale, err := env.workflow.Create(ctx, workflow.SalesInvoice, "buyer-1", marchFirst, []workflow.Line{line("tomato", 1, "10", "120")})
	require.NoError(t, err)

	_, err = env.workflow.ApproveIncoming(ctx, sale.ID)
	require.Error(t, err)
	assert.True(t, market.IsClientError(err))
}

// =============================================================================
// SALES APPROVAL TESTS
// =============================================================================

func TestWorkflow_ApproveSales_ConsumesStockAndPostsContainers(t *testing.T) {
	// GIVEN: 100kg of tomatoes in stock
	// WHEN: Approving a 60kg stock-backed sale
	// THEN: The FIFO pool drops to 40kg and the buyer owes the crates

	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	sale := env.saleOf(t, "buyer-1", "tomato", 6, "60", "120")

	approved, allocations, err := env.workflow.ApproveSales(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Approved, approved.Status)

	require.Len(t, allocations, 1)
	assert.True(t, allocations[0].Quantity.Equal(market.MustParseQuantity("60")))

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.True(t, lots[0].RemainingQuantity.Equal(market.MustParseQuantity("40")))

	buyer, err := env.deposits.AccountState(ctx, "buyer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 6, buyer.FullCount)
}

func TestWorkflow_ApproveSales_PassThroughLinesSkipLotPool(t *testing.T) {
	// GIVEN: Stock in the pool and a sale line WITHOUT a source lot
	// WHEN: Approving
	// THEN: Nothing is consumed; the line is a pass-through sale

	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))

	sale, err := env.workflow.Create(ctx, workflow.SalesInvoice, "buyer-1", marchFirst, []workflow.Line{line("tomato", 6, "60", "120")})
	require.NoError(t, err)

	_, allocations, err := env.workflow.ApproveSales(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, allocations)

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.True(t, lots[0].RemainingQuantity.Equal(market.MustParseQuantity("100")))
}

func TestWorkflow_ApproveSales_InsufficientStockLeavesDocumentDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	sale := env.saleOf(t, "buyer-1", "tomato", 20, "200", "120")

	_, _, err := env.workflow.ApproveSales(ctx, sale.ID)
	var stockErr *market.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)

	reloaded, err := env.workflow.Get(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Draft, reloaded.Status, "failed approval must leave the document editable")

	buyer, err := env.deposits.AccountState(ctx, "buyer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 0, buyer.FullCount, "no container posting on failed approval")
}

func TestWorkflow_ApproveSales_RiskLimitVeto(t *testing.T) {
	// GIVEN: A buyer with 2000 cash debt, 500 deposit liability, 3000 limit
	// WHEN: Approving a 600 sale
	// THEN: Exposure 3100 > 3000 vetoes the approval before any posting

	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))

	require.NoError(t, env.catalog.SetExposureLimit("buyer-1", market.NewAmount(3000)))
	require.NoError(t, env.store.Post(ctx, "buyer-1", market.Debit, market.NewAmount(2000), marchFirst, "opening-debt"))
	_, err := env.deposits.ChargeDeposit(ctx, "buyer-1", "plastic", 10)
	require.NoError(t, err)

	sale := env.saleOf(t, "buyer-1", "tomato", 0, "5", "120")

	_, _, err = env.workflow.ApproveSales(ctx, sale.ID)
	var riskErr *market.RiskLimitExceededError
	require.ErrorAs(t, err, &riskErr)
	assert.True(t, riskErr.Exposure.Equal(market.NewAmount(3100)))
	assert.True(t, riskErr.Limit.Equal(market.NewAmount(3000)))

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.True(t, lots[0].RemainingQuantity.Equal(market.MustParseQuantity("100")), "vetoed sale must not consume")
}

func TestWorkflow_ApproveSales_ZeroLimitMeansUnlimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	require.NoError(t, env.store.Post(ctx, "buyer-1", market.Debit, market.NewAmount(1000000), marchFirst, "opening-debt"))

	sale := env.saleOf(t, "buyer-1", "tomato", 1, "10", "120")
	_, _, err := env.workflow.ApproveSales(ctx, sale.ID)
	assert.NoError(t, err, "limit 0 disables the guard")
}

func TestWorkflow_ApproveSales_DoubleApproval(t *testing.T) {
	// GIVEN: A sale approved once
	// WHEN: Approving it again
	// THEN: InvalidTransition; stock and containers unchanged by the
	//       second call

	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	sale := env.saleOf(t, "buyer-1", "tomato", 6, "60", "120")

	_, _, err := env.workflow.ApproveSales(ctx, sale.ID)
	require.NoError(t, err)

	_, _, err = env.workflow.ApproveSales(ctx, sale.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.True(t, lots[0].RemainingQuantity.Equal(market.MustParseQuantity("40")), "second call must not consume again")

	buyer, err := env.deposits.AccountState(ctx, "buyer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 6, buyer.FullCount)
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestWorkflow_Cancel_Draft_NoPostings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.workflow.Create(ctx, workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{line("tomato", 10, "100", "90")})
	require.NoError(t, err)

	cancelled, err := env.workflow.Cancel(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Cancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestWorkflow_Cancel_ApprovedIncoming_ReleasesLotsAndNetsContainers(t *testing.T) {
	// GIVEN: An approved, untouched delivery
	// WHEN: Cancelling it
	// THEN: Lots leave the pool and the producer's full count nets to zero

	env := newTestEnv(t)
	ctx := context.Background()

	doc := env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))

	_, err := env.workflow.Cancel(ctx, doc.ID)
	require.NoError(t, err)

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.Empty(t, lots)

	account, err := env.deposits.AccountState(ctx, "producer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 0, account.FullCount)
	assert.True(t, account.DepositLiability.IsZero())
}

func TestWorkflow_Cancel_ApprovedIncoming_RefusedOnceConsumed(t *testing.T) {
	// GIVEN: A delivery whose lot a sale already drew from
	// WHEN: Cancelling the delivery
	// THEN: Cancel fails and the document stays Approved

	env := newTestEnv(t)
	ctx := context.Background()

	doc := env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	sale := env.saleOf(t, "buyer-1", "tomato", 1, "10", "120")
	_, _, err := env.workflow.ApproveSales(ctx, sale.ID)
	require.NoError(t, err)

	_, err = env.workflow.Cancel(ctx, doc.ID)
	require.Error(t, err)

	reloaded, err := env.workflow.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Approved, reloaded.Status)
}

func TestWorkflow_Cancel_ApprovedSales_ContainersBackButStockStaysConsumed(t *testing.T) {
	// GIVEN: An approved 60kg sale
	// WHEN: Cancelling it
	// THEN: The buyer's crates net back to zero but the consumed 60kg is
	//       NOT returned to the pool

	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	sale := env.saleOf(t, "buyer-1", "tomato", 6, "60", "120")
	_, _, err := env.workflow.ApproveSales(ctx, sale.ID)
	require.NoError(t, err)

	_, err = env.workflow.Cancel(ctx, sale.ID)
	require.NoError(t, err)

	buyer, err := env.deposits.AccountState(ctx, "buyer-1", "plastic")
	require.NoError(t, err)
	assert.Equal(t, 0, buyer.FullCount)

	lots, err := env.inventory.LotDetail(ctx, "tomato")
	require.NoError(t, err)
	assert.True(t, lots[0].RemainingQuantity.Equal(market.MustParseQuantity("40")),
		"physically departed produce only comes back via explicit re-intake")
}

func TestWorkflow_Cancel_CancelledDocumentRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.workflow.Create(ctx, workflow.IncomingDelivery, "producer-1", marchFirst, []workflow.Line{line("tomato", 1, "10", "90")})
	require.NoError(t, err)
	_, err = env.workflow.Cancel(ctx, doc.ID)
	require.NoError(t, err)

	_, err = env.workflow.Cancel(ctx, doc.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestWorkflow_List_FiltersByKindAndStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, "producer-1", line("tomato", 10, "100", "90"))
	for i := 0; i < 2; i++ {
		_, err := env.workflow.Create(ctx, workflow.SalesInvoice, "buyer-1", marchFirst,
			[]workflow.Line{line("tomato", 1, "10", "120")})
		require.NoError(t, err, fmt.Sprintf("sale %d", i))
	}

	incoming := workflow.IncomingDelivery
	docs, err := env.workflow.List(ctx, &incoming, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	draft := workflow.Draft
	docs, err = env.workflow.List(ctx, nil, &draft)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = env.workflow.List(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}
