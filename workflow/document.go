/*
Package workflow provides the document state machine for the market core.

PURPOSE:
  Incoming delivery notes and sales invoices share one lifecycle:

      Draft ──▶ Approved ──▶ Cancelled   (explicit reversing action)
        │
        └─────▶ Cancelled               (nothing was ever posted)

  Transitions are one-directional; Approved never returns to Draft.
  Approval is the single trigger that posts to the lot and container
  ledgers, and it must post exactly once.

KEY CONCEPTS IN THIS FILE (document.go):
  - Document/Line: header plus ordered line items
  - Status/Kind:   the state machine vocabulary
  - DocumentStore: persistence with a compare-and-set status update

TOTALS:
  Net weight, container count and monetary total are always the sum of
  the current lines - recomputed on every edit while Draft, frozen once
  Approved.

SEE ALSO:
  - workflow.go: The transitions and their ledger side effects
*/
package workflow

import (
	"context"
	"time"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// KINDS AND STATUSES
// =============================================================================

type Kind string

const (
	IncomingDelivery Kind = "incoming_delivery"
	SalesInvoice     Kind = "sales_invoice"
)

type Status string

const (
	Draft     Status = "draft"
	Approved  Status = "approved"
	Cancelled Status = "cancelled"
)

// =============================================================================
// DOCUMENT
// =============================================================================

type Line struct {
	ProductID       market.ProductID
	ContainerTypeID market.ContainerTypeID
	ContainerCount  int
	GrossWeight     market.Quantity
	TareWeight      market.Quantity
	NetWeight       market.Quantity
	UnitPrice       market.Amount

	// SourceLotID marks a sales line as stock-backed: approval consumes
	// its net weight from the product's FIFO pool. Lines without it are
	// pass-through sales that never touch the lot ledger.
	SourceLotID *market.LotID
}

// Total returns the line's monetary value.
func (ln Line) Total() market.Amount { return ln.UnitPrice.MulQuantity(ln.NetWeight) }

type Document struct {
	ID        market.DocumentID
	Number    string
	Kind      Kind
	Date      time.Time
	AccountID market.AccountID
	Status    Status
	Lines     []Line

	// Totals, derived from Lines. Frozen once the document leaves Draft.
	TotalNetWeight  market.Quantity
	TotalContainers int
	TotalAmount     market.Amount

	// Notes is free text; the notification outbox appends delivery
	// failures here.
	Notes string

	ApprovedAt  *time.Time
	CancelledAt *time.Time

	Meta market.RecordMeta
}

// RecomputeTotals rebuilds the derived totals from the current lines.
func (d *Document) RecomputeTotals() {
	d.TotalNetWeight = market.ZeroQuantity()
	d.TotalContainers = 0
	d.TotalAmount = market.ZeroAmount()
	for _, ln := range d.Lines {
		d.TotalNetWeight = d.TotalNetWeight.Add(ln.NetWeight)
		d.TotalContainers += ln.ContainerCount
		d.TotalAmount = d.TotalAmount.Add(ln.Total())
	}
}

// =============================================================================
// DOCUMENT STORE
// =============================================================================

// DocumentStore persists documents. UpdateStatus is a compare-and-set:
// together with the workflow's per-document lock it guarantees a
// duplicate approval can never double-post.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc Document) error

	// DocumentByID returns one document or market.NotFoundError.
	DocumentByID(ctx context.Context, id market.DocumentID) (Document, error)

	// UpdateDocument overwrites lines, totals, and metadata. Callers only
	// invoke it while the document is Draft.
	UpdateDocument(ctx context.Context, doc Document) error

	// UpdateStatus transitions id from expected to next, stamping at.
	// Returns market.ErrConcurrencyConflict if the stored status no
	// longer matches expected.
	UpdateStatus(ctx context.Context, id market.DocumentID, expected, next Status, at time.Time) error

	// Documents lists documents, optionally filtered by kind and status.
	Documents(ctx context.Context, kind *Kind, status *Status) ([]Document, error)

	// AppendNote appends a line to the document's free-text notes.
	AppendNote(ctx context.Context, id market.DocumentID, note string) error
}
