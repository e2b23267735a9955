/*
handlers.go - HTTP API handlers for the market back office

PURPOSE:
  Exposes the bookkeeping core via REST. Handles HTTP request/response,
  JSON serialization, input validation, and delegates to domain logic.

ENDPOINTS:
  Documents:
    POST   /api/documents                      Create (Draft)
    GET    /api/documents                      List (?kind=&status=)
    GET    /api/documents/{id}                 Get one
    PUT    /api/documents/{id}/lines           Edit lines (Draft only)
    POST   /api/documents/{id}/approve         Approve (posts ledgers)
    POST   /api/documents/{id}/cancel          Cancel / reverse

  Stock:
    GET    /api/stock                          Summary (?product_id=)
    GET    /api/stock/{productID}/lots         FIFO audit trail

  Containers and deposits:
    GET    /api/accounts/{id}/containers               All pairs
    GET    /api/accounts/{id}/containers/{type}        One pair
    GET    /api/accounts/{id}/movements                History
    GET    /api/accounts/{id}/receipts                 Deposit receipts
    POST   /api/accounts/{id}/deposits/charge          Charge deposit
    POST   /api/accounts/{id}/deposits/refund          Refund deposit
    POST   /api/receipts/{id}/settle                   Settle receipt

  Risk:
    GET    /api/accounts/{id}/exposure?amount=X        Exposure check
    PUT    /api/accounts/{id}/limit                    Set credit limit

  Configuration:
    GET    /api/container-types                        Catalog
    PUT    /api/container-types/{id}/price             Change price

ERROR HANDLING:
  Typed domain errors map to HTTP statuses:
  - 400: validation, insufficient stock, risk limit exceeded
  - 404: not found
  - 409: invalid transition, concurrency conflict
  - 500: everything else

SEE ALSO:
  - dto.go:       Request/response data structures
  - server.go:    Router setup and middleware
  - scenarios.go: Demo data loaders
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/exposure"
	"github.com/verdant/market-engine/factory"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears every record in the backing store. Scenario loads
// reset first so each demo starts from a clean slate.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Workflow  *workflow.Workflow
	Inventory *inventory.Ledger
	Deposits  *deposit.Ledger
	Guard     *exposure.Guard
	Catalog   *factory.Catalog
	Accounts  market.AccountLedger
	Store     Resetter
	Log       *logrus.Logger

	validate *validator.Validate

	// Track currently loaded demo scenario.
	currentScenario string
}

func NewHandler(
	wf *workflow.Workflow,
	inv *inventory.Ledger,
	dep *deposit.Ledger,
	guard *exposure.Guard,
	catalog *factory.Catalog,
	accounts market.AccountLedger,
	store Resetter,
	log *logrus.Logger,
) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		Workflow:  wf,
		Inventory: inv,
		Deposits:  dep,
		Guard:     guard,
		Catalog:   catalog,
		Accounts:  accounts,
		Store:     store,
		Log:       log,
		validate:  validator.New(),
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// CreateDocument creates a Draft document.
// POST /api/documents
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lines, err := toLines(req.Lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	doc, err := h.Workflow.Create(r.Context(), workflow.Kind(req.Kind), market.AccountID(req.AccountID), date, lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

func toLines(reqs []LineRequest) ([]workflow.Line, error) {
	lines := make([]workflow.Line, 0, len(reqs))
	for _, lr := range reqs {
		ln, err := lr.toLine()
		if err != nil {
			return nil, err
		}
		lines = append(lines, ln)
	}
	return lines, nil
}

// ListDocuments returns documents filtered by kind and status.
// GET /api/documents?kind=&status=
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	var kind *workflow.Kind
	var status *workflow.Status
	if k := r.URL.Query().Get("kind"); k != "" {
		kv := workflow.Kind(k)
		kind = &kv
	}
	if s := r.URL.Query().Get("status"); s != "" {
		sv := workflow.Status(s)
		status = &sv
	}

	docs, err := h.Workflow.List(r.Context(), kind, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]DocumentDTO, 0, len(docs))
	for _, d := range docs {
		dtos = append(dtos, toDocumentDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDocument returns a single document.
// GET /api/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := market.DocumentID(chi.URLParam(r, "id"))
	doc, err := h.Workflow.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// EditDocument replaces a Draft document's lines.
// PUT /api/documents/{id}/lines
func (h *Handler) EditDocument(w http.ResponseWriter, r *http.Request) {
	id := market.DocumentID(chi.URLParam(r, "id"))
	var req EditDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines, err := toLines(req.Lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	doc, err := h.Workflow.Edit(r.Context(), id, lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// ApproveDocument approves a document, dispatching on its kind.
// POST /api/documents/{id}/approve
func (h *Handler) ApproveDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := market.DocumentID(chi.URLParam(r, "id"))

	doc, err := h.Workflow.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch doc.Kind {
	case workflow.IncomingDelivery:
		approved, err := h.Workflow.ApproveIncoming(ctx, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDocumentDTO(approved))

	case workflow.SalesInvoice:
		approved, allocations, err := h.Workflow.ApproveSales(ctx, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ApproveSalesResponse{
			Document:    toDocumentDTO(approved),
			Allocations: toAllocationDTOs(allocations),
		})

	default:
		writeError(w, http.StatusBadRequest, "Unknown document kind", nil)
	}
}

// CancelDocument cancels a document, compensating posted effects.
// POST /api/documents/{id}/cancel
func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	id := market.DocumentID(chi.URLParam(r, "id"))
	doc, err := h.Workflow.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// GetStockSummary returns per-product aggregates.
// GET /api/stock?product_id=
func (h *Handler) GetStockSummary(w http.ResponseWriter, r *http.Request) {
	var productID *market.ProductID
	if p := r.URL.Query().Get("product_id"); p != "" {
		pv := market.ProductID(p)
		productID = &pv
	}

	summaries, err := h.Inventory.StockSummary(r.Context(), productID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]StockSummaryDTO, 0, len(summaries))
	for _, s := range summaries {
		dtos = append(dtos, toStockSummaryDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLotDetail returns one product's lots oldest-first.
// GET /api/stock/{productID}/lots
func (h *Handler) GetLotDetail(w http.ResponseWriter, r *http.Request) {
	productID := market.ProductID(chi.URLParam(r, "productID"))
	lots, err := h.Inventory.LotDetail(r.Context(), productID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		dtos = append(dtos, toLotDTO(l))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CONTAINER / DEPOSIT HANDLERS
// =============================================================================

// ListContainerAccounts returns every container-type pair of an account.
// GET /api/accounts/{id}/containers
func (h *Handler) ListContainerAccounts(w http.ResponseWriter, r *http.Request) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	accounts, err := h.Deposits.Accounts(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ContainerAccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, toContainerAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetContainerAccount returns one (account, containerType) snapshot.
// GET /api/accounts/{id}/containers/{type}
func (h *Handler) GetContainerAccount(w http.ResponseWriter, r *http.Request) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	typeID := market.ContainerTypeID(chi.URLParam(r, "type"))
	account, err := h.Deposits.AccountState(r.Context(), accountID, typeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContainerAccountDTO(account))
}

// GetMovementHistory returns an account's container movements.
// GET /api/accounts/{id}/movements?container_type=&from=&to=
func (h *Handler) GetMovementHistory(w http.ResponseWriter, r *http.Request) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	var filter deposit.HistoryFilter
	if t := r.URL.Query().Get("container_type"); t != "" {
		tv := market.ContainerTypeID(t)
		filter.ContainerTypeID = &tv
	}
	if f := r.URL.Query().Get("from"); f != "" {
		from, err := parseDate(f)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filter.From = &from
	}
	if t := r.URL.Query().Get("to"); t != "" {
		to, err := parseDate(t)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		end := to.Add(24*time.Hour - time.Nanosecond)
		filter.To = &end
	}

	entries, err := h.Deposits.MovementHistory(r.Context(), accountID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]MovementDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toMovementDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListReceipts returns an account's deposit receipts.
// GET /api/accounts/{id}/receipts
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	receipts, err := h.Deposits.Receipts(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReceiptDTO, 0, len(receipts))
	for _, rc := range receipts {
		dtos = append(dtos, toReceiptDTO(rc))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ChargeDeposit issues a deposit charge receipt.
// POST /api/accounts/{id}/deposits/charge
func (h *Handler) ChargeDeposit(w http.ResponseWriter, r *http.Request) {
	h.postDeposit(w, r, deposit.Charge)
}

// RefundDeposit issues a deposit refund receipt.
// POST /api/accounts/{id}/deposits/refund
func (h *Handler) RefundDeposit(w http.ResponseWriter, r *http.Request) {
	h.postDeposit(w, r, deposit.Refund)
}

func (h *Handler) postDeposit(w http.ResponseWriter, r *http.Request, direction deposit.Direction) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	typeID := market.ContainerTypeID(req.ContainerTypeID)

	var receipt deposit.Receipt
	var err error
	if direction == deposit.Charge {
		receipt, err = h.Deposits.ChargeDeposit(r.Context(), accountID, typeID, req.Count)
	} else {
		receipt, err = h.Deposits.RefundDeposit(r.Context(), accountID, typeID, req.Count)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

// SettleReceipt marks a charge receipt settled.
// POST /api/receipts/{id}/settle
func (h *Handler) SettleReceipt(w http.ResponseWriter, r *http.Request) {
	id := market.ReceiptID(chi.URLParam(r, "id"))
	receipt, err := h.Deposits.SettleReceipt(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// =============================================================================
// RISK HANDLERS
// =============================================================================

// CheckExposure runs the exposure guard speculatively.
// GET /api/accounts/{id}/exposure?amount=X
func (h *Handler) CheckExposure(w http.ResponseWriter, r *http.Request) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	amount, err := market.ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	snapshot, err := h.Guard.Check(r.Context(), accountID, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExposureDTO(snapshot))
}

// SetLimit configures an account's credit limit.
// PUT /api/accounts/{id}/limit
func (h *Handler) SetLimit(w http.ResponseWriter, r *http.Request) {
	accountID := market.AccountID(chi.URLParam(r, "id"))
	var req SetLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	limit, err := market.ParseAmount(req.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Catalog.SetExposureLimit(accountID, limit); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account_id": string(accountID), "limit": req.Limit})
}

// =============================================================================
// CONFIGURATION HANDLERS
// =============================================================================

// ListContainerTypes returns the catalog.
// GET /api/container-types
func (h *Handler) ListContainerTypes(w http.ResponseWriter, r *http.Request) {
	types := h.Catalog.ContainerTypes()
	dtos := make([]ContainerTypeDTO, 0, len(types))
	for _, ct := range types {
		dtos = append(dtos, ContainerTypeDTO{
			ID:           string(ct.ID),
			Name:         ct.Name,
			TareKg:       ct.TareWeight.Value.String(),
			DepositPrice: ct.DepositPrice.Value.String(),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetDepositPrice changes a container type's deposit price. Issued
// receipts keep their original price.
// PUT /api/container-types/{id}/price
func (h *Handler) SetDepositPrice(w http.ResponseWriter, r *http.Request) {
	id := market.ContainerTypeID(chi.URLParam(r, "id"))
	var req SetDepositPriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	price, err := market.ParseAmount(req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Catalog.UpdateDepositPrice(id, price); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "deposit_price": req.Price})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps typed domain errors to HTTP statuses. The typed
// message is surfaced verbatim; callers need the shortfall/limit detail.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case market.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, market.ErrInvalidTransition), errors.Is(err, market.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Conflict", err)
	case market.IsClientError(err), errors.Is(err, market.ErrUnknownContainerType):
		writeError(w, http.StatusBadRequest, "Request rejected", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
