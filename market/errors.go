/*
errors.go - Centralized error taxonomy for the bookkeeping core

PURPOSE:
  All expected/recoverable error types in one place for consistency and
  discoverability. Ledger packages wrap these with additional context.

ERROR CATEGORIES:
  1. Stock errors        - FIFO pool cannot satisfy a reservation
  2. Workflow errors     - Illegal document state transitions
  3. Risk errors         - Exposure limit violations
  4. Validation errors   - Malformed input (negative quantities etc.)
  5. Concurrency errors  - Lock/version contention on a contended key

PROPAGATION POLICY:
  Every error here is a recoverable, expected outcome returned to the
  caller as a typed value. A violated internal invariant (a remaining
  count going negative despite guards) is NOT an error value - it is a
  programming defect and panics.

USAGE:
  if errors.Is(err, market.ErrInsufficientStock) {
      var stockErr *market.InsufficientStockError
      errors.As(err, &stockErr)
      // stockErr.Shortfall
  }

SEE ALSO:
  - inventory: returns InsufficientStockError
  - workflow:  returns InvalidTransitionError, RiskLimitExceededError
*/
package market

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientStock is returned when the FIFO pool cannot cover a
	// requested quantity. The caller may retry with a smaller quantity.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidTransition is returned for illegal document status changes,
	// including a duplicate approval of an already-approved document.
	ErrInvalidTransition = errors.New("invalid document transition")

	// ErrRiskLimitExceeded is returned when a proposed sales amount would
	// push an account past its configured exposure limit.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrencyConflict is returned when optimistic locking detects a
	// conflict on a contended key. Safe to retry a bounded number of times.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrUnknownContainerType is a configuration error: a movement referenced
	// a container type the catalog does not know. Not a client error.
	ErrUnknownContainerType = errors.New("unknown container type")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError reports how far short the FIFO pool fell.
type InsufficientStockError struct {
	ProductID ProductID
	Requested Quantity
	Available Quantity
	Shortfall Quantity
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s, shortfall %s",
		e.ProductID, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InvalidTransitionError reports an illegal document status change.
type InvalidTransitionError struct {
	DocumentID DocumentID
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("document %s: cannot transition %s -> %s", e.DocumentID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// RiskLimitExceededError reports a failed exposure check.
type RiskLimitExceededError struct {
	AccountID AccountID
	Exposure  Amount
	Limit     Amount
}

func (e *RiskLimitExceededError) Error() string {
	return fmt.Sprintf("account %s: exposure %s exceeds limit %s", e.AccountID, e.Exposure, e.Limit)
}

func (e *RiskLimitExceededError) Unwrap() error { return ErrRiskLimitExceeded }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "document", "lot", "account", "container type"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError identifies the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// InsufficientStock and RiskLimitExceeded are NOT retryable: they require
// a human decision, not another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRiskLimitExceeded) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
