/*
collaborators.go - Interfaces to subsystems outside the bookkeeping core

PURPOSE:
  The core consumes a handful of external services: the cash account
  ledger, the container-type catalog, the document number sequence, and
  the regulatory notifier. They are defined here as interfaces so the
  core never depends on a concrete persistence or transport choice.

CALL DIRECTION:
  workflow -> inventory/deposit ledgers -> these interfaces.
  Nothing here ever calls back into the core.

IMPLEMENTATIONS:
  - store/sqlite: AccountLedger, DocumentNumberGenerator
  - store/memory: the same, for tests and dev mode
  - factory:      ContainerTypeCatalog from JSON configuration
  - notify:       RegulatoryNotifier outbox

SEE ALSO:
  - exposure: consumes AccountLedger.Balance
  - deposit:  consumes ContainerTypeCatalog.UnitDepositPrice
*/
package market

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT LEDGER - Cash debit/credit entries per account
// =============================================================================

type EntryKind string

const (
	Debit  EntryKind = "debit"
	Credit EntryKind = "credit"
)

// AccountLedger is the append-only cash ledger. The core posts settlement
// entries to it and reads balances for exposure checks; it never iterates
// or mutates entries directly.
type AccountLedger interface {
	// Post appends one debit/credit entry. Reference ties the entry back to
	// the originating document or receipt.
	Post(ctx context.Context, accountID AccountID, kind EntryKind, amount Amount, date time.Time, reference string) error

	// Balance returns the current net balance (debits positive).
	Balance(ctx context.Context, accountID AccountID) (Amount, error)
}

// =============================================================================
// CONTAINER TYPE CATALOG - Static configuration lookup
// =============================================================================

// ContainerTypeCatalog resolves per-type deposit prices and tare weights.
// Rates are external configuration consumed by the core, never computed.
type ContainerTypeCatalog interface {
	// UnitDepositPrice returns the current deposit price for one container.
	UnitDepositPrice(id ContainerTypeID) (Amount, error)

	// TareWeight returns the empty weight of one container.
	TareWeight(id ContainerTypeID) (Quantity, error)

	// Known reports whether the catalog knows the container type at all.
	Known(id ContainerTypeID) bool
}

// =============================================================================
// DOCUMENT NUMBERS - Sequence allocation
// =============================================================================

// DocumentNumberGenerator allocates unique, human-readable document numbers.
type DocumentNumberGenerator interface {
	Next(ctx context.Context, kind string, date time.Time) (string, error)
}

// =============================================================================
// REGULATORY NOTIFIER - Opaque remote registration bureau
// =============================================================================

// RegulatoryNotifier reports an approved document to the registration
// bureau. Its failure must never block or reverse an approval; callers
// hand notifications to an outbox rather than awaiting this directly.
type RegulatoryNotifier interface {
	Notify(ctx context.Context, documentID DocumentID, documentKind string) error
}
