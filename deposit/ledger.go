/*
ledger.go - Container movements and deposit operations

PURPOSE:
  The Ledger is the single writer for container accounts. Every mutation
  appends an immutable Entry and rebuilds the Account snapshot under the
  same lock, so the cache can never drift from the authoritative log.

PHYSICAL MOVEMENTS (4):
  PostFullIn    producer's full crates arrive into operator custody
  PostFullOut   buyer receives goods still in crates
  PostEmptyIn   a party returns emptied crates (netting)
  PostEmptyOut  operator returns emptied crates to a party (netting)

  All four recompute DepositLiability = (full+empty) * unitDepositPrice
  after mutation. Returning more empties than are owed is tolerated:
  counts clamp at zero and the over-return is recorded in the entry, not
  rejected - exact crate counts are hard to guarantee on a market floor.

MONETARY OPERATIONS (2):
  ChargeDeposit / RefundDeposit issue a Receipt with the unit price
  frozen at issue time and adjust DepositLiability directly. They do not
  touch the physical counters.

LOCKING:
  Each (account, containerType) pair is an independent serialization
  unit; movements on different pairs proceed in parallel.

SEE ALSO:
  - types.go:  Entry/Account/Receipt and the Store interface
  - exposure:  Consumes TotalLiability
*/
package deposit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store   Store
	catalog market.ContainerTypeCatalog

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

type pairKey struct {
	AccountID       market.AccountID
	ContainerTypeID market.ContainerTypeID
}

func NewLedger(store Store, catalog market.ContainerTypeCatalog) *Ledger {
	return &Ledger{
		store:   store,
		catalog: catalog,
		locks:   make(map[pairKey]*sync.Mutex),
	}
}

func (l *Ledger) pairLock(accountID market.AccountID, typeID market.ContainerTypeID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := pairKey{AccountID: accountID, ContainerTypeID: typeID}
	lk, ok := l.locks[k]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[k] = lk
	}
	return lk
}

// loadOrCreate returns the snapshot for a pair, creating a zeroed one
// lazily on first movement.
func (l *Ledger) loadOrCreate(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID) (Account, error) {
	account, err := l.store.Account(ctx, accountID, typeID)
	if err == nil {
		return account, nil
	}
	if !market.IsNotFound(err) {
		return Account{}, err
	}
	return Account{
		AccountID:       accountID,
		ContainerTypeID: typeID,
		Meta:            market.NewRecordMeta(time.Now()),
	}, nil
}

// =============================================================================
// PHYSICAL MOVEMENTS
// =============================================================================

// PostFullIn records full containers arriving into operator custody from
// the account's side (producer delivery received).
func (l *Ledger) PostFullIn(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, count int, ref string) error {
	return l.postMovement(ctx, accountID, typeID, FullIn, count, ref)
}

// PostFullOut records full containers handed to the account (buyer
// receives goods still in crates).
func (l *Ledger) PostFullOut(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, count int, ref string) error {
	return l.postMovement(ctx, accountID, typeID, FullOut, count, ref)
}

// PostEmptyIn records the account returning emptied containers.
func (l *Ledger) PostEmptyIn(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, count int, ref string) error {
	return l.postMovement(ctx, accountID, typeID, EmptyIn, count, ref)
}

// PostEmptyOut records the operator returning emptied containers to the
// account. Same netting effect as PostEmptyIn, seen from the other side.
func (l *Ledger) PostEmptyOut(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, count int, ref string) error {
	return l.postMovement(ctx, accountID, typeID, EmptyOut, count, ref)
}

func (l *Ledger) postMovement(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, kind MovementKind, count int, ref string) error {
	if count <= 0 {
		return &market.ValidationError{Field: "count", Reason: "must be positive"}
	}
	if !l.catalog.Known(typeID) {
		return fmt.Errorf("%w: %s", market.ErrUnknownContainerType, typeID)
	}

	lk := l.pairLock(accountID, typeID)
	lk.Lock()
	defer lk.Unlock()

	account, err := l.loadOrCreate(ctx, accountID, typeID)
	if err != nil {
		return err
	}

	applied := count
	switch kind {
	case FullIn, FullOut:
		account.FullCount += count
	case EmptyIn, EmptyOut:
		// Clamp: over-returns are tolerated, logged via RequestedCount.
		if applied > account.FullCount {
			applied = account.FullCount
		}
		account.FullCount -= applied
	default:
		return &market.ValidationError{Field: "kind", Reason: "not a physical movement"}
	}

	price, err := l.catalog.UnitDepositPrice(typeID)
	if err != nil {
		return err
	}
	account.DepositLiability = price.MulInt(account.FullCount + account.EmptyCount)
	account.Meta.Touch(time.Now())

	entry := Entry{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		ContainerTypeID: typeID,
		Kind:            kind,
		Count:           applied,
		RequestedCount:  count,
		ReferenceKind:   "document",
		ReferenceID:     ref,
		OccurredAt:      time.Now(),
	}
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to append movement: %w", err)
	}
	if err := l.store.SaveAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to save container account: %w", err)
	}
	return nil
}

// =============================================================================
// MONETARY OPERATIONS
// =============================================================================

// ChargeDeposit issues a deposit charge receipt and raises the account's
// liability by count * current unit price. The physical counters are
// untouched; holding a deposit and holding a crate are separate facts.
func (l *Ledger) ChargeDeposit(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, count int) (Receipt, error) {
	return l.postDeposit(ctx, accountID, typeID, Charge, count)
}

// RefundDeposit issues a refund receipt, settled immediately, and lowers
// the account's liability symmetrically.
func (l *Ledger) RefundDeposit(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, count int) (Receipt, error) {
	return l.postDeposit(ctx, accountID, typeID, Refund, count)
}

func (l *Ledger) postDeposit(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID, direction Direction, count int) (Receipt, error) {
	if count <= 0 {
		return Receipt{}, &market.ValidationError{Field: "count", Reason: "must be positive"}
	}
	if !l.catalog.Known(typeID) {
		return Receipt{}, fmt.Errorf("%w: %s", market.ErrUnknownContainerType, typeID)
	}

	lk := l.pairLock(accountID, typeID)
	lk.Lock()
	defer lk.Unlock()

	account, err := l.loadOrCreate(ctx, accountID, typeID)
	if err != nil {
		return Receipt{}, err
	}

	price, err := l.catalog.UnitDepositPrice(typeID)
	if err != nil {
		return Receipt{}, err
	}
	total := price.MulInt(count)

	now := time.Now()
	number, err := l.store.NextReceiptNumber(ctx, direction, now)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to allocate receipt number: %w", err)
	}

	receipt := Receipt{
		ID:              market.ReceiptID(uuid.NewString()),
		Number:          number,
		Date:            now,
		AccountID:       accountID,
		ContainerTypeID: typeID,
		Direction:       direction,
		ContainerCount:  count,
		UnitPrice:       price,
		TotalAmount:     total,
		Meta:            market.NewRecordMeta(now),
	}

	var kind MovementKind
	switch direction {
	case Charge:
		kind = DepositCharge
		account.DepositLiability = account.DepositLiability.Add(total)
	case Refund:
		kind = DepositRefund
		account.DepositLiability = account.DepositLiability.Sub(total)
		receipt.Settled = true
		receipt.SettlementDate = &now
	}
	account.Meta.Touch(now)

	entry := Entry{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		ContainerTypeID: typeID,
		Kind:            kind,
		Count:           count,
		RequestedCount:  count,
		Amount:          total,
		ReferenceKind:   "receipt",
		ReferenceID:     string(receipt.ID),
		OccurredAt:      now,
	}
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return Receipt{}, fmt.Errorf("failed to append deposit entry: %w", err)
	}
	if err := l.store.InsertReceipt(ctx, receipt); err != nil {
		return Receipt{}, fmt.Errorf("failed to persist receipt: %w", err)
	}
	if err := l.store.SaveAccount(ctx, account); err != nil {
		return Receipt{}, fmt.Errorf("failed to save container account: %w", err)
	}
	return receipt, nil
}

// SettleReceipt marks a charge receipt as settled once the cash has been
// collected. The settled flag is the only mutable receipt field.
func (l *Ledger) SettleReceipt(ctx context.Context, receiptID market.ReceiptID) (Receipt, error) {
	receipt, err := l.store.ReceiptByID(ctx, receiptID)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Settled {
		return Receipt{}, &market.ValidationError{Field: "receipt", Reason: "already settled"}
	}

	lk := l.pairLock(receipt.AccountID, receipt.ContainerTypeID)
	lk.Lock()
	defer lk.Unlock()

	now := time.Now()
	receipt.Settled = true
	receipt.SettlementDate = &now
	receipt.Meta.Touch(now)
	if err := l.store.UpdateReceipt(ctx, receipt); err != nil {
		return Receipt{}, fmt.Errorf("failed to settle receipt: %w", err)
	}
	return receipt, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// AccountState returns the snapshot for one pair. A pair no movement has
// ever touched reads as an all-zero account rather than an error.
func (l *Ledger) AccountState(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID) (Account, error) {
	account, err := l.store.Account(ctx, accountID, typeID)
	if market.IsNotFound(err) {
		return Account{AccountID: accountID, ContainerTypeID: typeID}, nil
	}
	return account, err
}

// Accounts returns every container-type snapshot held by one account.
func (l *Ledger) Accounts(ctx context.Context, accountID market.AccountID) ([]Account, error) {
	return l.store.AccountsByOwner(ctx, accountID)
}

// MovementHistory returns an account's entries ordered by occurrence.
func (l *Ledger) MovementHistory(ctx context.Context, accountID market.AccountID, filter HistoryFilter) ([]Entry, error) {
	return l.store.Entries(ctx, accountID, filter)
}

// Receipts returns an account's deposit receipts ordered by date.
func (l *Ledger) Receipts(ctx context.Context, accountID market.AccountID) ([]Receipt, error) {
	return l.store.Receipts(ctx, accountID)
}

// TotalLiability sums deposit liability across an account's container
// types. Consumed by the exposure guard.
func (l *Ledger) TotalLiability(ctx context.Context, accountID market.AccountID) (market.Amount, error) {
	accounts, err := l.store.AccountsByOwner(ctx, accountID)
	if err != nil {
		return market.Amount{}, err
	}
	total := market.ZeroAmount()
	for _, a := range accounts {
		total = total.Add(a.DepositLiability)
	}
	return total, nil
}
