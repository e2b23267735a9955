/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	market data for testing and demos. Each scenario creates documents,
	lots, container movements, and deposits that demonstrate specific
	features.

AVAILABLE SCENARIOS:

	opening-stock:      Two producers deliver, lots materialized
	trading-day:        Deliveries plus a sale consuming stock oldest-first
	deposit-settlement: Container returns, deposit charge and refund receipts
	credit-limit:       Buyer trading close to a configured credit limit

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create draft documents via the workflow
 3. Approve them (materializes lots, posts container movements)
 4. Optionally post deposits, returns, cash entries

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "trading-day"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	Container type IDs match factory.DefaultConfigJSON.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/config.go: DefaultConfigJSON
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/workflow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "opening-stock",
		Name:        "Opening Stock",
		Description: "Two producers deliver tomatoes and cucumbers; lots and container credits posted",
		Category:    "inventory",
	},
	{
		ID:          "trading-day",
		Name:        "Trading Day",
		Description: "Deliveries plus a sale that consumes stock oldest-first across producers",
		Category:    "inventory",
	},
	{
		ID:          "deposit-settlement",
		Name:        "Deposit Settlement",
		Description: "Container returns, deposit charge and refund receipts",
		Category:    "deposits",
	},
	{
		ID:          "credit-limit",
		Name:        "Credit Limit",
		Description: "Buyer with a credit limit trading close to the exposure ceiling",
		Category:    "risk",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "opening-stock":
		err = h.loadOpeningStockScenario(ctx)
	case "trading-day":
		err = h.loadTradingDayScenario(ctx)
	case "deposit-settlement":
		err = h.loadDepositSettlementScenario(ctx)
	case "credit-limit":
		err = h.loadCreditLimitScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoLine builds a line where the gross weight is net plus the full
// tare of the counted containers, matching how goods are weighed in.
func demoLine(product, containerType string, count int, netKg, unitPrice string) workflow.Line {
	net := market.MustParseQuantity(netKg)
	tare := market.MustParseQuantity("1.8").MulInt(count)
	return workflow.Line{
		ProductID:       market.ProductID(product),
		ContainerTypeID: market.ContainerTypeID(containerType),
		ContainerCount:  count,
		GrossWeight:     net.Add(tare),
		TareWeight:      tare,
		NetWeight:       net,
		UnitPrice:       market.MustParseAmount(unitPrice),
	}
}

// approveIncoming creates and immediately approves a delivery.
func (h *Handler) approveIncoming(ctx context.Context, producer string, date time.Time, lines []workflow.Line) (workflow.Document, error) {
	doc, err := h.Workflow.Create(ctx, workflow.IncomingDelivery, market.AccountID(producer), date, lines)
	if err != nil {
		return workflow.Document{}, err
	}
	return h.Workflow.ApproveIncoming(ctx, doc.ID)
}

func (h *Handler) loadOpeningStockScenario(ctx context.Context) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	// Producer 1: tomatoes and cucumbers, delivered yesterday
	_, err := h.approveIncoming(ctx, "producer-petrov", today.AddDate(0, 0, -1), []workflow.Line{
		demoLine("tomato", "crate-plastic", 40, "500", "90"),
		demoLine("cucumber", "crate-plastic", 20, "260", "70"),
	})
	if err != nil {
		return err
	}

	// Producer 2: tomatoes at a higher price, delivered today
	_, err = h.approveIncoming(ctx, "producer-ivanova", today, []workflow.Line{
		demoLine("tomato", "crate-plastic", 24, "300", "95"),
	})
	return err
}

func (h *Handler) loadTradingDayScenario(ctx context.Context) error {
	if err := h.loadOpeningStockScenario(ctx); err != nil {
		return err
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)

	// Oldest tomato lot backs the sale; consumption still drains lots
	// oldest-first regardless of which lot the line names.
	lots, err := h.Inventory.LotDetail(ctx, "tomato")
	if err != nil {
		return err
	}
	if len(lots) == 0 {
		return fmt.Errorf("no tomato lots after opening stock")
	}
	oldest := lots[0].ID

	// Buyer takes 600 kg of tomatoes, spanning both producers' lots.
	saleLine := demoLine("tomato", "crate-plastic", 48, "600", "120")
	saleLine.SourceLotID = &oldest

	doc, err := h.Workflow.Create(ctx, workflow.SalesInvoice, "buyer-restaurant-sofia", today, []workflow.Line{saleLine})
	if err != nil {
		return err
	}
	approved, _, err := h.Workflow.ApproveSales(ctx, doc.ID)
	if err != nil {
		return err
	}

	// Buyer pays nothing yet: full invoice amount becomes cash debt.
	return h.Accounts.Post(ctx, "buyer-restaurant-sofia", market.Debit, approved.TotalAmount, today, string(approved.ID))
}

func (h *Handler) loadDepositSettlementScenario(ctx context.Context) error {
	if err := h.loadTradingDayScenario(ctx); err != nil {
		return err
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	buyer := market.AccountID("buyer-restaurant-sofia")

	// Buyer returns 30 empties from the 48 crates taken.
	if err := h.Deposits.PostEmptyIn(ctx, buyer, "crate-plastic", 30, "return/demo"); err != nil {
		return err
	}

	// The remaining 18 crates are charged as a deposit.
	charge, err := h.Deposits.ChargeDeposit(ctx, buyer, "crate-plastic", 18)
	if err != nil {
		return err
	}
	// Buyer pays the deposit in cash.
	if err := h.Accounts.Post(ctx, buyer, market.Debit, charge.TotalAmount, today, string(charge.ID)); err != nil {
		return err
	}
	if _, err := h.Deposits.SettleReceipt(ctx, charge.ID); err != nil {
		return err
	}

	// A week later 10 crates come back and the deposit is refunded.
	if err := h.Deposits.PostEmptyIn(ctx, buyer, "crate-plastic", 10, "return/demo-late"); err != nil {
		return err
	}
	_, err = h.Deposits.RefundDeposit(ctx, buyer, "crate-plastic", 10)
	return err
}

func (h *Handler) loadCreditLimitScenario(ctx context.Context) error {
	if err := h.loadOpeningStockScenario(ctx); err != nil {
		return err
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	buyer := market.AccountID("buyer-kiosk-plovdiv")

	// Small buyer on a 50,000 limit.
	if err := h.Catalog.SetExposureLimit(buyer, market.NewAmount(50000)); err != nil {
		return err
	}

	// First sale on credit: 300 kg x 120 = 36,000 debt.
	line := demoLine("tomato", "crate-plastic", 24, "300", "120")
	lots, err := h.Inventory.LotDetail(ctx, "tomato")
	if err != nil {
		return err
	}
	if len(lots) == 0 {
		return fmt.Errorf("no tomato lots after opening stock")
	}
	line.SourceLotID = &lots[0].ID

	doc, err := h.Workflow.Create(ctx, workflow.SalesInvoice, buyer, today, []workflow.Line{line})
	if err != nil {
		return err
	}
	approved, _, err := h.Workflow.ApproveSales(ctx, doc.ID)
	if err != nil {
		return err
	}
	if err := h.Accounts.Post(ctx, buyer, market.Debit, approved.TotalAmount, today, string(approved.ID)); err != nil {
		return err
	}

	// Unreturned crates add deposit liability on top of the cash debt,
	// leaving little headroom: the next large sale trips the guard.
	_, err = h.Deposits.ChargeDeposit(ctx, buyer, "crate-plastic", 24)
	return err
}
