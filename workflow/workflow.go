/*
workflow.go - Document transitions and their ledger side effects

PURPOSE:
  The Workflow is the single authority for status transitions and for
  the postings approval must trigger exactly once:

  ApproveIncoming:  one Lot per line + PostFullIn per line
  ApproveSales:     exposure check, FIFO consumption, PostFullOut
  Cancel:           compensating container entries; consumed lots are
                    NOT reversed (see Cancel doc comment)

EXACTLY-ONCE GUARD:
  Each document has its own mutex; the status is re-read under the lock
  and finally advanced with a compare-and-set in the store. A duplicate
  approval call therefore observes Approved and fails with
  InvalidTransition before any posting.

FAILURE HANDLING:
  Lines are validated up front so ledger calls cannot fail on client
  input mid-flight. If a posting still fails (storage error), the
  already-posted effects of the same document are compensated and the
  document stays Draft.

NOTIFICATION:
  After a successful approval the document is handed to the regulatory
  outbox. Enqueue never blocks and its failure never reverses approval.

SEE ALSO:
  - document.go: Types and DocumentStore
  - inventory, deposit, exposure: The orchestrated ledgers
*/
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/exposure"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
)

// =============================================================================
// WORKFLOW
// =============================================================================

// ApprovalNotifier receives approved documents for regulatory reporting.
// Implemented by notify.Outbox; fire-and-forget by contract.
type ApprovalNotifier interface {
	Enqueue(documentID market.DocumentID, documentKind string)
}

type Workflow struct {
	docs      DocumentStore
	inventory *inventory.Ledger
	deposits  *deposit.Ledger
	guard     *exposure.Guard
	catalog   market.ContainerTypeCatalog
	numbers   market.DocumentNumberGenerator
	notifier  ApprovalNotifier // optional
	log       *logrus.Logger

	mu    sync.Mutex
	locks map[market.DocumentID]*sync.Mutex
}

func New(
	docs DocumentStore,
	inv *inventory.Ledger,
	deposits *deposit.Ledger,
	guard *exposure.Guard,
	catalog market.ContainerTypeCatalog,
	numbers market.DocumentNumberGenerator,
	notifier ApprovalNotifier,
	log *logrus.Logger,
) *Workflow {
	if log == nil {
		log = logrus.New()
	}
	return &Workflow{
		docs:      docs,
		inventory: inv,
		deposits:  deposits,
		guard:     guard,
		catalog:   catalog,
		numbers:   numbers,
		notifier:  notifier,
		log:       log,
		locks:     make(map[market.DocumentID]*sync.Mutex),
	}
}

func (w *Workflow) docLock(id market.DocumentID) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lk, ok := w.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		w.locks[id] = lk
	}
	return lk
}

// =============================================================================
// DRAFT OPERATIONS
// =============================================================================

// Create persists a new Draft document with an allocated number and
// computed totals.
func (w *Workflow) Create(ctx context.Context, kind Kind, accountID market.AccountID, date time.Time, lines []Line) (Document, error) {
	if accountID == "" {
		return Document{}, &market.ValidationError{Field: "account", Reason: "required"}
	}
	if err := w.validateLines(kind, lines); err != nil {
		return Document{}, err
	}

	number, err := w.numbers.Next(ctx, string(kind), date)
	if err != nil {
		return Document{}, fmt.Errorf("failed to allocate document number: %w", err)
	}

	doc := Document{
		ID:        market.DocumentID(uuid.NewString()),
		Number:    number,
		Kind:      kind,
		Date:      date,
		AccountID: accountID,
		Status:    Draft,
		Lines:     lines,
		Meta:      market.NewRecordMeta(time.Now()),
	}
	doc.RecomputeTotals()

	if err := w.docs.InsertDocument(ctx, doc); err != nil {
		return Document{}, fmt.Errorf("failed to persist document: %w", err)
	}
	w.log.WithFields(logrus.Fields{"document": doc.ID, "number": doc.Number, "kind": kind}).
		Info("document created")
	return doc, nil
}

// Edit replaces a Draft document's lines and recomputes totals. Illegal
// on any other status.
func (w *Workflow) Edit(ctx context.Context, id market.DocumentID, lines []Line) (Document, error) {
	lk := w.docLock(id)
	lk.Lock()
	defer lk.Unlock()

	doc, err := w.docs.DocumentByID(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if doc.Status != Draft {
		return Document{}, &market.InvalidTransitionError{DocumentID: id, From: string(doc.Status), To: string(Draft)}
	}
	if err := w.validateLines(doc.Kind, lines); err != nil {
		return Document{}, err
	}

	doc.Lines = lines
	doc.RecomputeTotals()
	doc.Meta.Touch(time.Now())
	if err := w.docs.UpdateDocument(ctx, doc); err != nil {
		return Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	return doc, nil
}

func (w *Workflow) validateLines(kind Kind, lines []Line) error {
	if len(lines) == 0 {
		return &market.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for i, ln := range lines {
		if ln.ContainerCount < 0 {
			return &market.ValidationError{Field: fmt.Sprintf("lines[%d].containerCount", i), Reason: "must not be negative"}
		}
		if !ln.NetWeight.IsPositive() {
			return &market.ValidationError{Field: fmt.Sprintf("lines[%d].netWeight", i), Reason: "must be positive"}
		}
		if ln.GrossWeight.IsPositive() && ln.NetWeight.GreaterThan(ln.GrossWeight) {
			return &market.ValidationError{Field: fmt.Sprintf("lines[%d].netWeight", i), Reason: "exceeds gross weight"}
		}
		if ln.UnitPrice.IsNegative() {
			return &market.ValidationError{Field: fmt.Sprintf("lines[%d].unitPrice", i), Reason: "must not be negative"}
		}
		if ln.ContainerCount > 0 && !w.catalog.Known(ln.ContainerTypeID) {
			return fmt.Errorf("%w: %s", market.ErrUnknownContainerType, ln.ContainerTypeID)
		}
		if kind == IncomingDelivery && ln.SourceLotID != nil {
			return &market.ValidationError{Field: fmt.Sprintf("lines[%d].sourceLot", i), Reason: "only sales lines reference lots"}
		}
	}
	return nil
}

// =============================================================================
// APPROVAL - Incoming delivery
// =============================================================================

// ApproveIncoming materializes one lot per line and posts the delivered
// full containers against the producer's account, then advances the
// status. A duplicate call fails with InvalidTransition before posting.
func (w *Workflow) ApproveIncoming(ctx context.Context, id market.DocumentID) (Document, error) {
	lk := w.docLock(id)
	lk.Lock()
	defer lk.Unlock()

	doc, err := w.docs.DocumentByID(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if doc.Kind != IncomingDelivery {
		return Document{}, &market.ValidationError{Field: "document", Reason: "not an incoming delivery"}
	}
	if doc.Status != Draft {
		return Document{}, &market.InvalidTransitionError{DocumentID: id, From: string(doc.Status), To: string(Approved)}
	}

	for _, ln := range doc.Lines {
		var price *market.Amount
		if ln.UnitPrice.IsPositive() {
			p := ln.UnitPrice
			price = &p
		}
		_, err := w.inventory.MaterializeLot(ctx, doc.ID, doc.Date, ln.ProductID, ln.ContainerTypeID, ln.NetWeight, ln.ContainerCount, price)
		if err != nil {
			w.compensateIncoming(ctx, doc, nil)
			return Document{}, fmt.Errorf("failed to materialize lot: %w", err)
		}
	}
	var posted []Line
	for _, ln := range doc.Lines {
		if ln.ContainerCount == 0 {
			continue
		}
		if err := w.deposits.PostFullIn(ctx, doc.AccountID, ln.ContainerTypeID, ln.ContainerCount, string(doc.ID)); err != nil {
			w.compensateIncoming(ctx, doc, posted)
			return Document{}, fmt.Errorf("failed to post container movement: %w", err)
		}
		posted = append(posted, ln)
	}

	return w.finishApproval(ctx, doc)
}

// compensateIncoming undoes the partial effects of a failed incoming
// approval: releases the lots and nets back any posted full-in entries.
// Best effort; residue is logged loudly rather than hidden.
func (w *Workflow) compensateIncoming(ctx context.Context, doc Document, posted []Line) {
	if err := w.inventory.ReleaseLots(ctx, doc.ID); err != nil {
		w.log.WithError(err).WithField("document", doc.ID).
			Error("compensation failed: lots left behind after aborted approval")
	}
	for _, ln := range posted {
		if err := w.deposits.PostEmptyIn(ctx, doc.AccountID, ln.ContainerTypeID, ln.ContainerCount, string(doc.ID)+"/abort"); err != nil {
			w.log.WithError(err).WithField("document", doc.ID).
				Error("compensation failed: container movement left behind after aborted approval")
		}
	}
}

// =============================================================================
// APPROVAL - Sales invoice
// =============================================================================

// ApproveSales gates the document through the exposure guard, consumes
// the stock-backed lines from the FIFO pool as one atomic unit, posts
// the outgoing full containers, and advances the status.
//
// The guard check and the commit are deliberately not linearized: the
// account balance may change in the window between them. The race is
// accepted domain behavior.
func (w *Workflow) ApproveSales(ctx context.Context, id market.DocumentID) (Document, []inventory.Allocation, error) {
	lk := w.docLock(id)
	lk.Lock()
	defer lk.Unlock()

	doc, err := w.docs.DocumentByID(ctx, id)
	if err != nil {
		return Document{}, nil, err
	}
	if doc.Kind != SalesInvoice {
		return Document{}, nil, &market.ValidationError{Field: "document", Reason: "not a sales invoice"}
	}
	if doc.Status != Draft {
		return Document{}, nil, &market.InvalidTransitionError{DocumentID: id, From: string(doc.Status), To: string(Approved)}
	}

	snapshot, err := w.guard.Check(ctx, doc.AccountID, doc.TotalAmount)
	if err != nil {
		return Document{}, nil, fmt.Errorf("exposure check failed: %w", err)
	}
	if snapshot.Exceeded {
		return Document{}, nil, &market.RiskLimitExceededError{
			AccountID: doc.AccountID,
			Exposure:  snapshot.Exposure,
			Limit:     snapshot.Limit,
		}
	}

	var demands []inventory.Demand
	for _, ln := range doc.Lines {
		if ln.SourceLotID == nil {
			continue
		}
		demands = append(demands, inventory.Demand{ProductID: ln.ProductID, Quantity: ln.NetWeight})
	}
	allocations, err := w.inventory.ReserveAndConsumeBatch(ctx, demands, string(doc.ID))
	if err != nil {
		return Document{}, nil, err
	}

	for _, ln := range doc.Lines {
		if ln.ContainerCount == 0 {
			continue
		}
		if err := w.deposits.PostFullOut(ctx, doc.AccountID, ln.ContainerTypeID, ln.ContainerCount, string(doc.ID)); err != nil {
			// Consumed stock stays consumed; only the container side can
			// be netted back here. Flag the residue.
			w.log.WithError(err).WithField("document", doc.ID).
				Error("container posting failed after stock consumption; manual re-intake required")
			return Document{}, nil, fmt.Errorf("failed to post container movement: %w", err)
		}
	}

	approved, err := w.finishApproval(ctx, doc)
	if err != nil {
		return Document{}, nil, err
	}
	return approved, allocations, nil
}

func (w *Workflow) finishApproval(ctx context.Context, doc Document) (Document, error) {
	now := time.Now()
	if err := w.docs.UpdateStatus(ctx, doc.ID, Draft, Approved, now); err != nil {
		return Document{}, err
	}
	doc.Status = Approved
	doc.ApprovedAt = &now
	doc.Meta.Touch(now)

	w.log.WithFields(logrus.Fields{"document": doc.ID, "number": doc.Number, "kind": doc.Kind}).
		Info("document approved")
	if w.notifier != nil {
		w.notifier.Enqueue(doc.ID, string(doc.Kind))
	}
	return doc, nil
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel marks a document Cancelled. A Draft cancels with no postings.
// An Approved document gets compensating container entries first; lot
// consumption of a sales document is NOT automatically reversed - once
// produce has physically left the market, inventory recovery requires
// an explicit re-intake, not an implicit undo. An approved incoming
// delivery only cancels while its lots are still untouched.
func (w *Workflow) Cancel(ctx context.Context, id market.DocumentID) (Document, error) {
	lk := w.docLock(id)
	lk.Lock()
	defer lk.Unlock()

	doc, err := w.docs.DocumentByID(ctx, id)
	if err != nil {
		return Document{}, err
	}

	switch doc.Status {
	case Draft:
		// Nothing was posted; just mark.

	case Approved:
		if doc.Kind == IncomingDelivery {
			if err := w.inventory.ReleaseLots(ctx, doc.ID); err != nil {
				return Document{}, err
			}
			for _, ln := range doc.Lines {
				if ln.ContainerCount == 0 {
					continue
				}
				if err := w.deposits.PostEmptyIn(ctx, doc.AccountID, ln.ContainerTypeID, ln.ContainerCount, string(doc.ID)+"/cancel"); err != nil {
					return Document{}, fmt.Errorf("failed to post compensating movement: %w", err)
				}
			}
		} else {
			for _, ln := range doc.Lines {
				if ln.ContainerCount == 0 {
					continue
				}
				if err := w.deposits.PostEmptyOut(ctx, doc.AccountID, ln.ContainerTypeID, ln.ContainerCount, string(doc.ID)+"/cancel"); err != nil {
					return Document{}, fmt.Errorf("failed to post compensating movement: %w", err)
				}
			}
		}

	default:
		return Document{}, &market.InvalidTransitionError{DocumentID: id, From: string(doc.Status), To: string(Cancelled)}
	}

	now := time.Now()
	if err := w.docs.UpdateStatus(ctx, doc.ID, doc.Status, Cancelled, now); err != nil {
		return Document{}, err
	}
	prior := doc.Status
	doc.Status = Cancelled
	doc.CancelledAt = &now
	doc.Meta.Touch(now)

	w.log.WithFields(logrus.Fields{"document": doc.ID, "from": prior}).Info("document cancelled")
	return doc, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns one document.
func (w *Workflow) Get(ctx context.Context, id market.DocumentID) (Document, error) {
	return w.docs.DocumentByID(ctx, id)
}

// List returns documents filtered by kind and status; nil matches all.
func (w *Workflow) List(ctx context.Context, kind *Kind, status *Status) ([]Document, error) {
	return w.docs.Documents(ctx, kind, status)
}
