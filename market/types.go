/*
Package market provides the shared kernel for the produce-market back office.

PURPOSE:
  This package contains the value types, identifiers, and collaborator
  interfaces shared by every ledger in the system. Whether the bookkeeping
  concerns crate deposits, lot inventory, or cash exposure, the same money
  and mass arithmetic applies.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary value (single currency by design)
  - Quantity: A mass in kilograms (net or gross produce weight)
  - Typed IDs: AccountID, ProductID, ContainerTypeID, LotID, DocumentID
  - RecordMeta: Audit fields attached by composition, not inheritance

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing account/product IDs
  3. Id-based references: Entities refer to each other by id, never by
     embedded pointer, so the document/lot/account graph stays acyclic

USAGE:
  price := market.NewAmount(50)
  weight := market.NewQuantityFromFloat(122.5)
  total := price.MulQuantity(weight)

SEE ALSO:
  - errors.go: Error taxonomy shared by all ledgers
  - collaborators.go: Interfaces to external subsystems
*/
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary value (single currency)
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount              { return Amount{Value: decimal.NewFromInt(value)} }
func NewAmountFromFloat(value float64) Amount   { return Amount{Value: decimal.NewFromFloat(value)} }
func NewAmountFromDecimal(d decimal.Decimal) Amount { return Amount{Value: d} }

// ParseAmount parses a decimal string, rejecting malformed input.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Reason: "not a valid decimal: " + s}
	}
	return Amount{Value: d}, nil
}

func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Value: decimal.Zero}
	}
	return Amount{Value: d}
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) MulInt(n int) Amount          { return Amount{Value: a.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (a Amount) MulQuantity(q Quantity) Amount { return Amount{Value: a.Value.Mul(q.Value)} }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(2) }

// =============================================================================
// QUANTITY - Mass in kilograms
// =============================================================================

type Quantity struct {
	Value decimal.Decimal
}

func NewQuantity(value int64) Quantity            { return Quantity{Value: decimal.NewFromInt(value)} }
func NewQuantityFromFloat(value float64) Quantity { return Quantity{Value: decimal.NewFromFloat(value)} }
func NewQuantityFromDecimal(d decimal.Decimal) Quantity { return Quantity{Value: d} }

func MustParseQuantity(s string) Quantity {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{Value: decimal.Zero}
	}
	return Quantity{Value: d}
}

func ZeroQuantity() Quantity { return Quantity{Value: decimal.Zero} }

func (q Quantity) Add(b Quantity) Quantity       { return Quantity{Value: q.Value.Add(b.Value)} }
func (q Quantity) Sub(b Quantity) Quantity       { return Quantity{Value: q.Value.Sub(b.Value)} }
func (q Quantity) Div(b Quantity) decimal.Decimal { return q.Value.Div(b.Value) }
func (q Quantity) IsZero() bool                  { return q.Value.IsZero() }
func (q Quantity) IsNegative() bool              { return q.Value.IsNegative() }
func (q Quantity) IsPositive() bool              { return q.Value.IsPositive() }
func (q Quantity) Equal(b Quantity) bool         { return q.Value.Equal(b.Value) }
func (q Quantity) GreaterThan(b Quantity) bool   { return q.Value.GreaterThan(b.Value) }
func (q Quantity) LessThan(b Quantity) bool      { return q.Value.LessThan(b.Value) }
func (q Quantity) MulInt(n int) Quantity         { return Quantity{Value: q.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (q Quantity) String() string                { return q.Value.StringFixed(3) + " kg" }

func (q Quantity) Min(b Quantity) Quantity {
	if q.LessThan(b) {
		return q
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type ProductID string
type ContainerTypeID string
type LotID string
type DocumentID string
type ReceiptID string

// =============================================================================
// RECORD METADATA - Audit fields attached by composition
// =============================================================================

// RecordMeta carries the audit fields every persisted entity shares.
// Active=false is a soft delete; rows are never physically removed.
type RecordMeta struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Active    bool
}

func NewRecordMeta(now time.Time) RecordMeta {
	return RecordMeta{CreatedAt: now, UpdatedAt: now, Active: true}
}

func (m *RecordMeta) Touch(now time.Time) { m.UpdatedAt = now }

func (m *RecordMeta) Deactivate(now time.Time) {
	m.Active = false
	m.UpdatedAt = now
}
