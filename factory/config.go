/*
Package factory provides JSON to Go market-configuration conversion.

PURPOSE:
  Container types (tare weights, unit deposit prices) and per-account
  credit limits are operator configuration, not code. This factory
  parses a JSON configuration document into a Catalog the ledgers and
  the exposure guard consume. Rates are consumed, never computed.

JSON SCHEMA:
  {
    "container_types": [
      {"id": "plastic", "name": "Plastic crate", "tare_kg": "1.8", "deposit_price": "50"}
    ],
    "credit_limits": {
      "default": "0",
      "accounts": {"acct-42": "3000"}
    }
  }

  Tare weights, prices and limits are JSON strings parsed as decimals -
  a float in a config file is how deposit money drifts by a cent.
  A limit of "0" (or an absent account) means unlimited.

KEY FEATURES:
  - Validates ids, names, and non-negative rates
  - Catalog implements market.ContainerTypeCatalog and
    exposure.LimitSource
  - Later catalog price changes never affect issued receipts (prices
    are snapshotted at issue time by the deposit ledger)

USAGE:
  catalog, err := factory.ParseConfig(jsonBytes)
  ledger := deposit.NewLedger(store, catalog)
  guard  := exposure.NewGuard(accounts, ledger, catalog)

SEE ALSO:
  - market/collaborators.go: ContainerTypeCatalog interface
  - exposure/guard.go:       LimitSource interface
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type ConfigJSON struct {
	ContainerTypes []ContainerTypeJSON `json:"container_types"`
	CreditLimits   *CreditLimitsJSON   `json:"credit_limits,omitempty"`
}

type ContainerTypeJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TareKg       string `json:"tare_kg"`
	DepositPrice string `json:"deposit_price"`
}

type CreditLimitsJSON struct {
	Default  string            `json:"default,omitempty"`
	Accounts map[string]string `json:"accounts,omitempty"`
}

// DefaultConfigJSON is the demo configuration used when no config file
// is supplied: three common container types, no credit limits.
const DefaultConfigJSON = `{
  "container_types": [
    {"id": "crate-plastic", "name": "Plastic crate", "tare_kg": "1.8", "deposit_price": "50"},
    {"id": "box-wood", "name": "Wooden box", "tare_kg": "2.5", "deposit_price": "80"},
    {"id": "pallet", "name": "Euro pallet", "tare_kg": "22", "deposit_price": "400"}
  ],
  "credit_limits": {
    "default": "0"
  }
}`

// =============================================================================
// CATALOG
// =============================================================================

// ContainerType is the parsed, validated form of one catalog entry.
type ContainerType struct {
	ID           market.ContainerTypeID
	Name         string
	TareWeight   market.Quantity
	DepositPrice market.Amount
}

// Catalog holds the parsed configuration. Safe for concurrent reads;
// UpdateDepositPrice allows operator price changes at runtime.
type Catalog struct {
	mu           sync.RWMutex
	types        map[market.ContainerTypeID]ContainerType
	order        []market.ContainerTypeID
	defaultLimit market.Amount
	limits       map[market.AccountID]market.Amount
}

// ParseConfig parses and validates a JSON configuration document.
func ParseConfig(data []byte) (*Catalog, error) {
	var cfg ConfigJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration JSON: %w", err)
	}
	return NewCatalog(cfg)
}

// NewCatalog validates an already-decoded configuration.
func NewCatalog(cfg ConfigJSON) (*Catalog, error) {
	if len(cfg.ContainerTypes) == 0 {
		return nil, &market.ValidationError{Field: "container_types", Reason: "at least one required"}
	}

	c := &Catalog{
		types:  make(map[market.ContainerTypeID]ContainerType),
		limits: make(map[market.AccountID]market.Amount),
	}

	for i, ct := range cfg.ContainerTypes {
		if ct.ID == "" {
			return nil, &market.ValidationError{Field: fmt.Sprintf("container_types[%d].id", i), Reason: "required"}
		}
		id := market.ContainerTypeID(ct.ID)
		if _, dup := c.types[id]; dup {
			return nil, &market.ValidationError{Field: fmt.Sprintf("container_types[%d].id", i), Reason: "duplicate"}
		}
		tare, err := parseNonNegative(ct.TareKg)
		if err != nil {
			return nil, &market.ValidationError{Field: fmt.Sprintf("container_types[%d].tare_kg", i), Reason: err.Error()}
		}
		price, err := parseNonNegative(ct.DepositPrice)
		if err != nil {
			return nil, &market.ValidationError{Field: fmt.Sprintf("container_types[%d].deposit_price", i), Reason: err.Error()}
		}
		name := ct.Name
		if name == "" {
			name = ct.ID
		}
		c.types[id] = ContainerType{
			ID:           id,
			Name:         name,
			TareWeight:   market.NewQuantityFromDecimal(tare),
			DepositPrice: market.NewAmountFromDecimal(price),
		}
		c.order = append(c.order, id)
	}

	if cfg.CreditLimits != nil {
		if cfg.CreditLimits.Default != "" {
			d, err := parseNonNegative(cfg.CreditLimits.Default)
			if err != nil {
				return nil, &market.ValidationError{Field: "credit_limits.default", Reason: err.Error()}
			}
			c.defaultLimit = market.NewAmountFromDecimal(d)
		}
		for acct, raw := range cfg.CreditLimits.Accounts {
			d, err := parseNonNegative(raw)
			if err != nil {
				return nil, &market.ValidationError{Field: "credit_limits.accounts." + acct, Reason: err.Error()}
			}
			c.limits[market.AccountID(acct)] = market.NewAmountFromDecimal(d)
		}
	}

	return c, nil
}

func parseNonNegative(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a decimal: %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative: %q", s)
	}
	return d, nil
}

// =============================================================================
// market.ContainerTypeCatalog
// =============================================================================

func (c *Catalog) UnitDepositPrice(id market.ContainerTypeID) (market.Amount, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.types[id]
	if !ok {
		return market.Amount{}, fmt.Errorf("%w: %s", market.ErrUnknownContainerType, id)
	}
	return ct.DepositPrice, nil
}

func (c *Catalog) TareWeight(id market.ContainerTypeID) (market.Quantity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.types[id]
	if !ok {
		return market.Quantity{}, fmt.Errorf("%w: %s", market.ErrUnknownContainerType, id)
	}
	return ct.TareWeight, nil
}

func (c *Catalog) Known(id market.ContainerTypeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[id]
	return ok
}

// ContainerTypes returns the catalog entries in configuration order.
func (c *Catalog) ContainerTypes() []ContainerType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ContainerType, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.types[id])
	}
	return out
}

// UpdateDepositPrice changes a container type's deposit price. Receipts
// already issued keep their original price.
func (c *Catalog) UpdateDepositPrice(id market.ContainerTypeID, price market.Amount) error {
	if price.IsNegative() {
		return &market.ValidationError{Field: "deposit_price", Reason: "must not be negative"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.types[id]
	if !ok {
		return fmt.Errorf("%w: %s", market.ErrUnknownContainerType, id)
	}
	ct.DepositPrice = price
	c.types[id] = ct
	return nil
}

// =============================================================================
// exposure.LimitSource
// =============================================================================

func (c *Catalog) ExposureLimit(accountID market.AccountID) market.Amount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit, ok := c.limits[accountID]; ok {
		return limit
	}
	return c.defaultLimit
}

// SetExposureLimit configures an account's credit limit at runtime.
func (c *Catalog) SetExposureLimit(accountID market.AccountID, limit market.Amount) error {
	if limit.IsNegative() {
		return &market.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[accountID] = limit
	return nil
}
