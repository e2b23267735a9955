/*
Package deposit provides the returnable-container deposit ledger.

PURPOSE:
  Tracks, per (account, container type), two linked but separately
  triggered sub-ledgers:
  - a PHYSICAL ledger: how many containers are currently out with the
    account (who holds which crates - needed for loss audits)
  - a MONETARY ledger: what deposit is owed for them (needed for cash
    reconciliation)
  They move together in the common case but are deliberately separable:
  a crate can be physically returned before its deposit is settled, or
  the deposit settled while the crate is still out.

KEY CONCEPTS IN THIS FILE (types.go):
  - MovementKind: the six ledger operations
  - Entry: one immutable, append-only movement record (authoritative)
  - Account: the (account, containerType) snapshot cache
  - Receipt: a monetary deposit instrument with its price frozen at issue

SOURCE OF TRUTH:
  Entries are authoritative; the Account snapshot is a materialized cache
  rebuilt atomically with every append. A snapshot can always be
  re-derived by replaying entries.

SEE ALSO:
  - ledger.go: The movement and deposit operations
*/
package deposit

import (
	"context"
	"time"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// MOVEMENT KINDS
// =============================================================================

type MovementKind string

const (
	// Physical movements. FullIn and FullOut both increase the
	// counterparty's outstanding full count - they record containers
	// entering that account's custody through either door. EmptyIn and
	// EmptyOut net it back down.
	FullIn   MovementKind = "full_in"
	FullOut  MovementKind = "full_out"
	EmptyIn  MovementKind = "empty_in"
	EmptyOut MovementKind = "empty_out"

	// Monetary operations, independent of the physical counters.
	DepositCharge MovementKind = "deposit_charge"
	DepositRefund MovementKind = "deposit_refund"
)

// =============================================================================
// ENTRY - Append-only audit record (authoritative)
// =============================================================================

type Entry struct {
	ID              string
	AccountID       market.AccountID
	ContainerTypeID market.ContainerTypeID
	Kind            MovementKind
	Count           int

	// RequestedCount is the caller's original count before clamping.
	// Differs from Count only for over-returns of empties.
	RequestedCount int

	// Amount is zero for physical movements and the charged/refunded
	// total for monetary operations.
	Amount market.Amount

	// Originating document or receipt.
	ReferenceKind string
	ReferenceID   string

	OccurredAt time.Time
}

// =============================================================================
// ACCOUNT - (account, containerType) snapshot cache
// =============================================================================

type Account struct {
	AccountID       market.AccountID
	ContainerTypeID market.ContainerTypeID
	FullCount       int
	EmptyCount      int

	// DepositLiability is recomputed after every mutation as
	// (FullCount+EmptyCount) * unitDepositPrice, then adjusted by the
	// monetary charge/refund operations. Never drifted incrementally.
	DepositLiability market.Amount

	Meta market.RecordMeta
}

// =============================================================================
// RECEIPT - Monetary deposit instrument
// =============================================================================

type Direction string

const (
	Charge Direction = "charge"
	Refund Direction = "refund"
)

// Receipt freezes the unit price at issue time: later catalog price
// changes never alter an issued receipt.
type Receipt struct {
	ID              market.ReceiptID
	Number          string
	Date            time.Time
	AccountID       market.AccountID
	ContainerTypeID market.ContainerTypeID
	Direction       Direction
	ContainerCount  int
	UnitPrice       market.Amount
	TotalAmount     market.Amount

	Settled        bool
	SettlementDate *time.Time

	Meta market.RecordMeta
}

// =============================================================================
// STORE - Persistence interface
// =============================================================================

// HistoryFilter narrows MovementHistory queries. Nil fields match all.
type HistoryFilter struct {
	ContainerTypeID *market.ContainerTypeID
	From            *time.Time
	To              *time.Time
}

type Store interface {
	// Account returns the snapshot for one pair, or market.NotFoundError
	// if no movement has ever touched it.
	Account(ctx context.Context, accountID market.AccountID, containerTypeID market.ContainerTypeID) (Account, error)

	// AccountsByOwner returns every container-type snapshot of one account.
	AccountsByOwner(ctx context.Context, accountID market.AccountID) ([]Account, error)

	// SaveAccount upserts a snapshot.
	SaveAccount(ctx context.Context, account Account) error

	// AppendEntry appends one immutable movement record.
	AppendEntry(ctx context.Context, entry Entry) error

	// Entries returns an account's movements ordered by OccurredAt.
	Entries(ctx context.Context, accountID market.AccountID, filter HistoryFilter) ([]Entry, error)

	// InsertReceipt persists a deposit receipt.
	InsertReceipt(ctx context.Context, receipt Receipt) error

	// ReceiptByID returns one receipt or market.NotFoundError.
	ReceiptByID(ctx context.Context, id market.ReceiptID) (Receipt, error)

	// UpdateReceipt overwrites the settled flag and settlement date.
	// Every other receipt field is immutable after issue.
	UpdateReceipt(ctx context.Context, receipt Receipt) error

	// Receipts returns an account's receipts ordered by Date.
	Receipts(ctx context.Context, accountID market.AccountID) ([]Receipt, error)

	// NextReceiptNumber allocates a human-readable receipt number.
	NextReceiptNumber(ctx context.Context, direction Direction, date time.Time) (string, error)
}
