/*
Package exposure provides the composite risk-exposure check gating sales.

PURPOSE:
  Before a sales document is approved, the account's combined position -
  cash balance, container deposit liability, and the proposed document
  amount - is compared against a configured credit limit. The check is a
  pure computation: it never mutates state and is safe to call
  speculatively from a UI.

THE FORMULA:
  exposure = balance(account) + totalLiability(account) + proposed
  exceeded = limit > 0 && exposure > limit

  A limit of exactly zero means "unlimited" - a long-standing domain
  convention preserved here.

KNOWN TOCTOU WINDOW:
  The guard check and the subsequent approval commit are not linearized.
  The balance can change between the two; the small race is accepted
  domain behavior, not silently tightened with extra locking.

SEE ALSO:
  - workflow: Calls Check before approving a sales document
*/
package exposure

import (
	"context"
	"fmt"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// SNAPSHOT - Derived, never persisted
// =============================================================================

type Snapshot struct {
	AccountID        market.AccountID
	CashBalance      market.Amount
	DepositLiability market.Amount
	ProposedAmount   market.Amount
	Limit            market.Amount
	Exposure         market.Amount
	Exceeded         bool
}

// =============================================================================
// LIMIT SOURCE - Configured per-account credit limits
// =============================================================================

// LimitSource supplies the configured exposure limit for an account.
// Zero means unlimited.
type LimitSource interface {
	ExposureLimit(accountID market.AccountID) market.Amount
}

// =============================================================================
// GUARD
// =============================================================================

// LiabilitySource is the slice of the deposit ledger the guard reads.
type LiabilitySource interface {
	TotalLiability(ctx context.Context, accountID market.AccountID) (market.Amount, error)
}

type Guard struct {
	Accounts    market.AccountLedger
	Liabilities LiabilitySource
	Limits      LimitSource
}

func NewGuard(accounts market.AccountLedger, liabilities LiabilitySource, limits LimitSource) *Guard {
	return &Guard{Accounts: accounts, Liabilities: liabilities, Limits: limits}
}

// Check computes the exposure snapshot for a proposed transaction amount.
// Read-only; returns the snapshot whether or not the limit is exceeded.
func (g *Guard) Check(ctx context.Context, accountID market.AccountID, proposed market.Amount) (Snapshot, error) {
	balance, err := g.Accounts.Balance(ctx, accountID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read balance: %w", err)
	}
	liability, err := g.Liabilities.TotalLiability(ctx, accountID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read deposit liability: %w", err)
	}

	limit := g.Limits.ExposureLimit(accountID)
	exposure := balance.Add(liability).Add(proposed)

	return Snapshot{
		AccountID:        accountID,
		CashBalance:      balance,
		DepositLiability: liability,
		ProposedAmount:   proposed,
		Limit:            limit,
		Exposure:         exposure,
		Exceeded:         limit.IsPositive() && exposure.GreaterThan(limit),
	}, nil
}
