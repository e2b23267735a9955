/*
Package memory provides the in-memory store (tests, dev mode).

PURPOSE:
  Implements every persistence interface of the core - inventory.Store,
  deposit.Store, workflow.DocumentStore, market.AccountLedger and
  market.DocumentNumberGenerator - against plain maps. The sqlite store
  is the production twin; both must satisfy the same ordering contracts
  (FIFO lot order, chronological entries).

CONCURRENCY:
  A single RWMutex guards all maps. Reads copy out so callers can never
  alias internal state.

SEE ALSO:
  - store/sqlite: The production implementation
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/workflow"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type pairKey struct {
	AccountID       market.AccountID
	ContainerTypeID market.ContainerTypeID
}

type accountEntry struct {
	Kind      market.EntryKind
	Amount    market.Amount
	Date      time.Time
	Reference string
}

type Store struct {
	mu sync.RWMutex

	lots   map[market.LotID]inventory.Lot
	lotSeq uint64

	containerAccounts map[pairKey]deposit.Account
	movements         []deposit.Entry
	receipts          map[market.ReceiptID]deposit.Receipt
	receiptOrder      []market.ReceiptID
	receiptSeq        map[string]int

	documents map[market.DocumentID]workflow.Document

	cashEntries map[market.AccountID][]accountEntry

	docSeq map[string]int
}

func New() *Store {
	return &Store{
		lots:              make(map[market.LotID]inventory.Lot),
		containerAccounts: make(map[pairKey]deposit.Account),
		receipts:          make(map[market.ReceiptID]deposit.Receipt),
		receiptSeq:        make(map[string]int),
		documents:         make(map[market.DocumentID]workflow.Document),
		cashEntries:       make(map[market.AccountID][]accountEntry),
		docSeq:            make(map[string]int),
	}
}

// Reset clears all data. Only for demo/dev environments.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots = make(map[market.LotID]inventory.Lot)
	s.lotSeq = 0
	s.containerAccounts = make(map[pairKey]deposit.Account)
	s.movements = nil
	s.receipts = make(map[market.ReceiptID]deposit.Receipt)
	s.receiptOrder = nil
	s.receiptSeq = make(map[string]int)
	s.documents = make(map[market.DocumentID]workflow.Document)
	s.cashEntries = make(map[market.AccountID][]accountEntry)
	s.docSeq = make(map[string]int)
	return nil
}

// =============================================================================
// inventory.Store
// =============================================================================

func (s *Store) InsertLot(_ context.Context, lot inventory.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lots[lot.ID]; exists {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	s.lots[lot.ID] = lot
	return nil
}

func (s *Store) LotByID(_ context.Context, id market.LotID) (inventory.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return inventory.Lot{}, &market.NotFoundError{Kind: "lot", ID: string(id)}
	}
	return lot, nil
}

func (s *Store) LotsByProduct(_ context.Context, productID market.ProductID) ([]inventory.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lots []inventory.Lot
	for _, lot := range s.lots {
		if lot.ProductID == productID && lot.Meta.Active {
			lots = append(lots, lot)
		}
	}
	sortFIFO(lots)
	return lots, nil
}

func (s *Store) LotsByDocument(_ context.Context, documentID market.DocumentID) ([]inventory.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lots []inventory.Lot
	for _, lot := range s.lots {
		if lot.DocumentID == documentID && lot.Meta.Active {
			lots = append(lots, lot)
		}
	}
	sortFIFO(lots)
	return lots, nil
}

func (s *Store) Lots(_ context.Context) ([]inventory.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lots := make([]inventory.Lot, 0, len(s.lots))
	for _, lot := range s.lots {
		if lot.Meta.Active {
			lots = append(lots, lot)
		}
	}
	sortFIFO(lots)
	return lots, nil
}

func (s *Store) UpdateLot(_ context.Context, lot inventory.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; !ok {
		return &market.NotFoundError{Kind: "lot", ID: string(lot.ID)}
	}
	s.lots[lot.ID] = lot
	return nil
}

func (s *Store) NextLotSequence(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lotSeq++
	return s.lotSeq, nil
}

func sortFIFO(lots []inventory.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].DocumentDate.Equal(lots[j].DocumentDate) {
			return lots[i].DocumentDate.Before(lots[j].DocumentDate)
		}
		return lots[i].CreatedSequence < lots[j].CreatedSequence
	})
}

// WithTx runs fn with snapshot/rollback semantics over the lot table.
// Matches the atomicity the sqlite store gets from real transactions.
func (s *Store) WithTx(_ context.Context, fn func(inventory.Store) error) error {
	s.mu.Lock()
	snapshot := make(map[market.LotID]inventory.Lot, len(s.lots))
	for k, v := range s.lots {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := fn(&txView{parent: s}); err != nil {
		s.mu.Lock()
		s.lots = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// txView routes the transactional calls back to the parent; rollback is
// handled by WithTx's snapshot.
type txView struct{ parent *Store }

func (v *txView) InsertLot(ctx context.Context, lot inventory.Lot) error { return v.parent.InsertLot(ctx, lot) }
func (v *txView) LotByID(ctx context.Context, id market.LotID) (inventory.Lot, error) {
	return v.parent.LotByID(ctx, id)
}
func (v *txView) LotsByProduct(ctx context.Context, p market.ProductID) ([]inventory.Lot, error) {
	return v.parent.LotsByProduct(ctx, p)
}
func (v *txView) LotsByDocument(ctx context.Context, d market.DocumentID) ([]inventory.Lot, error) {
	return v.parent.LotsByDocument(ctx, d)
}
func (v *txView) Lots(ctx context.Context) ([]inventory.Lot, error) { return v.parent.Lots(ctx) }
func (v *txView) UpdateLot(ctx context.Context, lot inventory.Lot) error {
	return v.parent.UpdateLot(ctx, lot)
}
func (v *txView) NextLotSequence(ctx context.Context) (uint64, error) {
	return v.parent.NextLotSequence(ctx)
}

// =============================================================================
// deposit.Store
// =============================================================================

func (s *Store) Account(_ context.Context, accountID market.AccountID, typeID market.ContainerTypeID) (deposit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.containerAccounts[pairKey{accountID, typeID}]
	if !ok {
		return deposit.Account{}, &market.NotFoundError{Kind: "container account", ID: string(accountID) + "/" + string(typeID)}
	}
	return account, nil
}

func (s *Store) AccountsByOwner(_ context.Context, accountID market.AccountID) ([]deposit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var accounts []deposit.Account
	for k, a := range s.containerAccounts {
		if k.AccountID == accountID {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ContainerTypeID < accounts[j].ContainerTypeID
	})
	return accounts, nil
}

func (s *Store) SaveAccount(_ context.Context, account deposit.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerAccounts[pairKey{account.AccountID, account.ContainerTypeID}] = account
	return nil
}

func (s *Store) AppendEntry(_ context.Context, entry deposit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, entry)
	return nil
}

func (s *Store) Entries(_ context.Context, accountID market.AccountID, filter deposit.HistoryFilter) ([]deposit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []deposit.Entry
	for _, e := range s.movements {
		if e.AccountID != accountID {
			continue
		}
		if filter.ContainerTypeID != nil && e.ContainerTypeID != *filter.ContainerTypeID {
			continue
		}
		if filter.From != nil && e.OccurredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.OccurredAt.After(*filter.To) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) InsertReceipt(_ context.Context, receipt deposit.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[receipt.ID]; exists {
		return fmt.Errorf("receipt %s already exists", receipt.ID)
	}
	s.receipts[receipt.ID] = receipt
	s.receiptOrder = append(s.receiptOrder, receipt.ID)
	return nil
}

func (s *Store) ReceiptByID(_ context.Context, id market.ReceiptID) (deposit.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	receipt, ok := s.receipts[id]
	if !ok {
		return deposit.Receipt{}, &market.NotFoundError{Kind: "receipt", ID: string(id)}
	}
	return receipt, nil
}

func (s *Store) UpdateReceipt(_ context.Context, receipt deposit.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[receipt.ID]; !ok {
		return &market.NotFoundError{Kind: "receipt", ID: string(receipt.ID)}
	}
	s.receipts[receipt.ID] = receipt
	return nil
}

func (s *Store) Receipts(_ context.Context, accountID market.AccountID) ([]deposit.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var receipts []deposit.Receipt
	for _, id := range s.receiptOrder {
		if r := s.receipts[id]; r.AccountID == accountID {
			receipts = append(receipts, r)
		}
	}
	return receipts, nil
}

func (s *Store) NextReceiptNumber(_ context.Context, direction deposit.Direction, date time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := "DEP"
	if direction == deposit.Refund {
		prefix = "REF"
	}
	key := fmt.Sprintf("%s-%d", prefix, date.Year())
	s.receiptSeq[key]++
	return fmt.Sprintf("%s-%04d", key, s.receiptSeq[key]), nil
}

// =============================================================================
// workflow.DocumentStore
// =============================================================================

func (s *Store) InsertDocument(_ context.Context, doc workflow.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *Store) DocumentByID(_ context.Context, id market.DocumentID) (workflow.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return workflow.Document{}, &market.NotFoundError{Kind: "document", ID: string(id)}
	}
	return cloneDocument(doc), nil
}

func (s *Store) UpdateDocument(_ context.Context, doc workflow.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; !ok {
		return &market.NotFoundError{Kind: "document", ID: string(doc.ID)}
	}
	s.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id market.DocumentID, expected, next workflow.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return &market.NotFoundError{Kind: "document", ID: string(id)}
	}
	if doc.Status != expected {
		return market.ErrConcurrencyConflict
	}
	doc.Status = next
	switch next {
	case workflow.Approved:
		doc.ApprovedAt = &at
	case workflow.Cancelled:
		doc.CancelledAt = &at
	}
	doc.Meta.Touch(at)
	s.documents[id] = doc
	return nil
}

func (s *Store) Documents(_ context.Context, kind *workflow.Kind, status *workflow.Status) ([]workflow.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []workflow.Document
	for _, doc := range s.documents {
		if kind != nil && doc.Kind != *kind {
			continue
		}
		if status != nil && doc.Status != *status {
			continue
		}
		docs = append(docs, cloneDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Number < docs[j].Number })
	return docs, nil
}

func (s *Store) AppendNote(_ context.Context, id market.DocumentID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return &market.NotFoundError{Kind: "document", ID: string(id)}
	}
	if doc.Notes != "" {
		doc.Notes += "\n"
	}
	doc.Notes += note
	s.documents[id] = doc
	return nil
}

func cloneDocument(doc workflow.Document) workflow.Document {
	out := doc
	out.Lines = append([]workflow.Line(nil), doc.Lines...)
	return out
}

// =============================================================================
// market.AccountLedger - cash debit/credit entries
// =============================================================================

// Post appends one cash entry. Debits raise the balance (receivable from
// the account), credits lower it.
func (s *Store) Post(_ context.Context, accountID market.AccountID, kind market.EntryKind, amount market.Amount, date time.Time, reference string) error {
	if amount.IsNegative() {
		return &market.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashEntries[accountID] = append(s.cashEntries[accountID], accountEntry{
		Kind: kind, Amount: amount, Date: date, Reference: reference,
	})
	return nil
}

func (s *Store) Balance(_ context.Context, accountID market.AccountID) (market.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance := market.ZeroAmount()
	for _, e := range s.cashEntries[accountID] {
		if e.Kind == market.Debit {
			balance = balance.Add(e.Amount)
		} else {
			balance = balance.Sub(e.Amount)
		}
	}
	return balance, nil
}

// =============================================================================
// market.DocumentNumberGenerator
// =============================================================================

var numberPrefixes = map[string]string{
	string(workflow.IncomingDelivery): "IN",
	string(workflow.SalesInvoice):     "SI",
}

func (s *Store) Next(_ context.Context, kind string, date time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix, ok := numberPrefixes[kind]
	if !ok {
		prefix = "DOC"
	}
	key := fmt.Sprintf("%s-%d", prefix, date.Year())
	s.docSeq[key]++
	return fmt.Sprintf("%s-%05d", key, s.docSeq[key]), nil
}
