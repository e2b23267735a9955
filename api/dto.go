/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 struct tags; handlers run them
  through the shared validator before touching domain logic. Weights,
  prices and amounts travel as JSON strings and are parsed as decimals -
  floats would corrupt deposit money.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/exposure"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/workflow"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type LineRequest struct {
	ProductID       string  `json:"product_id" validate:"required"`
	ContainerTypeID string  `json:"container_type_id"`
	ContainerCount  int     `json:"container_count" validate:"gte=0"`
	GrossWeight     string  `json:"gross_weight,omitempty"`
	TareWeight      string  `json:"tare_weight,omitempty"`
	NetWeight       string  `json:"net_weight" validate:"required"`
	UnitPrice       string  `json:"unit_price,omitempty"`
	SourceLotID     *string `json:"source_lot_id,omitempty"`
}

type CreateDocumentRequest struct {
	Kind      string        `json:"kind" validate:"required,oneof=incoming_delivery sales_invoice"`
	AccountID string        `json:"account_id" validate:"required"`
	Date      string        `json:"date" validate:"required"`
	Lines     []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type EditDocumentRequest struct {
	Lines []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type DepositRequest struct {
	ContainerTypeID string `json:"container_type_id" validate:"required"`
	Count           int    `json:"count" validate:"gt=0"`
}

type SetLimitRequest struct {
	Limit string `json:"limit" validate:"required"`
}

type SetDepositPriceRequest struct {
	Price string `json:"price" validate:"required"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

func (lr LineRequest) toLine() (workflow.Line, error) {
	ln := workflow.Line{
		ProductID:       market.ProductID(lr.ProductID),
		ContainerTypeID: market.ContainerTypeID(lr.ContainerTypeID),
		ContainerCount:  lr.ContainerCount,
	}
	var err error
	if ln.NetWeight, err = parseQuantity(lr.NetWeight, "net_weight"); err != nil {
		return workflow.Line{}, err
	}
	if ln.GrossWeight, err = parseQuantity(lr.GrossWeight, "gross_weight"); err != nil {
		return workflow.Line{}, err
	}
	if ln.TareWeight, err = parseQuantity(lr.TareWeight, "tare_weight"); err != nil {
		return workflow.Line{}, err
	}
	if lr.UnitPrice != "" {
		d, err := decimal.NewFromString(lr.UnitPrice)
		if err != nil {
			return workflow.Line{}, &market.ValidationError{Field: "unit_price", Reason: "not a decimal"}
		}
		ln.UnitPrice = market.NewAmountFromDecimal(d)
	}
	if lr.SourceLotID != nil {
		id := market.LotID(*lr.SourceLotID)
		ln.SourceLotID = &id
	}
	return ln, nil
}

func parseQuantity(s, field string) (market.Quantity, error) {
	if s == "" {
		return market.ZeroQuantity(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return market.Quantity{}, &market.ValidationError{Field: field, Reason: "not a decimal"}
	}
	return market.NewQuantityFromDecimal(d), nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type LineDTO struct {
	ProductID       string  `json:"product_id"`
	ContainerTypeID string  `json:"container_type_id,omitempty"`
	ContainerCount  int     `json:"container_count"`
	GrossWeight     string  `json:"gross_weight"`
	TareWeight      string  `json:"tare_weight"`
	NetWeight       string  `json:"net_weight"`
	UnitPrice       string  `json:"unit_price"`
	SourceLotID     *string `json:"source_lot_id,omitempty"`
}

type DocumentDTO struct {
	ID              string    `json:"id"`
	Number          string    `json:"number"`
	Kind            string    `json:"kind"`
	Date            string    `json:"date"`
	AccountID       string    `json:"account_id"`
	Status          string    `json:"status"`
	Lines           []LineDTO `json:"lines"`
	TotalNetWeight  string    `json:"total_net_weight"`
	TotalContainers int       `json:"total_containers"`
	TotalAmount     string    `json:"total_amount"`
	Notes           string    `json:"notes,omitempty"`
	ApprovedAt      *string   `json:"approved_at,omitempty"`
	CancelledAt     *string   `json:"cancelled_at,omitempty"`
}

func toDocumentDTO(d workflow.Document) DocumentDTO {
	dto := DocumentDTO{
		ID:              string(d.ID),
		Number:          d.Number,
		Kind:            string(d.Kind),
		Date:            d.Date.Format("2006-01-02"),
		AccountID:       string(d.AccountID),
		Status:          string(d.Status),
		Lines:           make([]LineDTO, 0, len(d.Lines)),
		TotalNetWeight:  d.TotalNetWeight.Value.String(),
		TotalContainers: d.TotalContainers,
		TotalAmount:     d.TotalAmount.Value.String(),
		Notes:           d.Notes,
	}
	for _, ln := range d.Lines {
		lineDTO := LineDTO{
			ProductID:       string(ln.ProductID),
			ContainerTypeID: string(ln.ContainerTypeID),
			ContainerCount:  ln.ContainerCount,
			GrossWeight:     ln.GrossWeight.Value.String(),
			TareWeight:      ln.TareWeight.Value.String(),
			NetWeight:       ln.NetWeight.Value.String(),
			UnitPrice:       ln.UnitPrice.Value.String(),
		}
		if ln.SourceLotID != nil {
			s := string(*ln.SourceLotID)
			lineDTO.SourceLotID = &s
		}
		dto.Lines = append(dto.Lines, lineDTO)
	}
	if d.ApprovedAt != nil {
		s := d.ApprovedAt.Format(time.RFC3339)
		dto.ApprovedAt = &s
	}
	if d.CancelledAt != nil {
		s := d.CancelledAt.Format(time.RFC3339)
		dto.CancelledAt = &s
	}
	return dto
}

type AllocationDTO struct {
	LotID     string `json:"lot_id"`
	ProductID string `json:"product_id"`
	Quantity  string `json:"quantity"`
	Containers int   `json:"containers"`
	UnitPrice *string `json:"unit_price,omitempty"`
}

type ApproveSalesResponse struct {
	Document    DocumentDTO     `json:"document"`
	Allocations []AllocationDTO `json:"allocations"`
}

func toAllocationDTOs(allocs []inventory.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, 0, len(allocs))
	for _, a := range allocs {
		dto := AllocationDTO{
			LotID:      string(a.LotID),
			ProductID:  string(a.ProductID),
			Quantity:   a.Quantity.Value.String(),
			Containers: a.Containers,
		}
		if a.UnitPrice != nil {
			s := a.UnitPrice.Value.String()
			dto.UnitPrice = &s
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

type StockSummaryDTO struct {
	ProductID           string  `json:"product_id"`
	RemainingQuantity   string  `json:"remaining_quantity"`
	RemainingContainers int     `json:"remaining_containers"`
	LotCount            int     `json:"lot_count"`
	OldestLotDate       string  `json:"oldest_lot_date"`
	AveragePrice        *string `json:"average_price,omitempty"`
}

func toStockSummaryDTO(s inventory.ProductSummary) StockSummaryDTO {
	dto := StockSummaryDTO{
		ProductID:           string(s.ProductID),
		RemainingQuantity:   s.RemainingQuantity.Value.String(),
		RemainingContainers: s.RemainingContainers,
		LotCount:            s.LotCount,
		OldestLotDate:       s.OldestLotDate.Format("2006-01-02"),
	}
	if s.AveragePrice != nil {
		p := s.AveragePrice.Value.String()
		dto.AveragePrice = &p
	}
	return dto
}

type LotDTO struct {
	ID                  string  `json:"id"`
	ProductID           string  `json:"product_id"`
	ContainerTypeID     string  `json:"container_type_id"`
	DocumentID          string  `json:"document_id"`
	DocumentDate        string  `json:"document_date"`
	OriginalQuantity    string  `json:"original_quantity"`
	OriginalContainers  int     `json:"original_containers"`
	ConsumedQuantity    string  `json:"consumed_quantity"`
	RemainingQuantity   string  `json:"remaining_quantity"`
	RemainingContainers int     `json:"remaining_containers"`
	UnitPrice           *string `json:"unit_price,omitempty"`
}

func toLotDTO(l inventory.Lot) LotDTO {
	dto := LotDTO{
		ID:                  string(l.ID),
		ProductID:           string(l.ProductID),
		ContainerTypeID:     string(l.ContainerTypeID),
		DocumentID:          string(l.DocumentID),
		DocumentDate:        l.DocumentDate.Format("2006-01-02"),
		OriginalQuantity:    l.OriginalQuantity.Value.String(),
		OriginalContainers:  l.OriginalContainers,
		ConsumedQuantity:    l.ConsumedQuantity().Value.String(),
		RemainingQuantity:   l.RemainingQuantity.Value.String(),
		RemainingContainers: l.RemainingContainers,
	}
	if l.UnitPrice != nil {
		p := l.UnitPrice.Value.String()
		dto.UnitPrice = &p
	}
	return dto
}

type ContainerAccountDTO struct {
	AccountID        string `json:"account_id"`
	ContainerTypeID  string `json:"container_type_id"`
	FullCount        int    `json:"full_count"`
	EmptyCount       int    `json:"empty_count"`
	DepositLiability string `json:"deposit_liability"`
}

func toContainerAccountDTO(a deposit.Account) ContainerAccountDTO {
	return ContainerAccountDTO{
		AccountID:        string(a.AccountID),
		ContainerTypeID:  string(a.ContainerTypeID),
		FullCount:        a.FullCount,
		EmptyCount:       a.EmptyCount,
		DepositLiability: a.DepositLiability.Value.String(),
	}
}

type MovementDTO struct {
	ID              string `json:"id"`
	ContainerTypeID string `json:"container_type_id"`
	Kind            string `json:"kind"`
	Count           int    `json:"count"`
	RequestedCount  int    `json:"requested_count"`
	Amount          string `json:"amount,omitempty"`
	ReferenceKind   string `json:"reference_kind"`
	ReferenceID     string `json:"reference_id"`
	OccurredAt      string `json:"occurred_at"`
}

func toMovementDTO(e deposit.Entry) MovementDTO {
	dto := MovementDTO{
		ID:              e.ID,
		ContainerTypeID: string(e.ContainerTypeID),
		Kind:            string(e.Kind),
		Count:           e.Count,
		RequestedCount:  e.RequestedCount,
		ReferenceKind:   e.ReferenceKind,
		ReferenceID:     e.ReferenceID,
		OccurredAt:      e.OccurredAt.Format(time.RFC3339),
	}
	if !e.Amount.IsZero() {
		dto.Amount = e.Amount.Value.String()
	}
	return dto
}

type ReceiptDTO struct {
	ID              string  `json:"id"`
	Number          string  `json:"number"`
	Date            string  `json:"date"`
	AccountID       string  `json:"account_id"`
	ContainerTypeID string  `json:"container_type_id"`
	Direction       string  `json:"direction"`
	ContainerCount  int     `json:"container_count"`
	UnitPrice       string  `json:"unit_price"`
	TotalAmount     string  `json:"total_amount"`
	Settled         bool    `json:"settled"`
	SettlementDate  *string `json:"settlement_date,omitempty"`
}

func toReceiptDTO(r deposit.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		ID:              string(r.ID),
		Number:          r.Number,
		Date:            r.Date.Format(time.RFC3339),
		AccountID:       string(r.AccountID),
		ContainerTypeID: string(r.ContainerTypeID),
		Direction:       string(r.Direction),
		ContainerCount:  r.ContainerCount,
		UnitPrice:       r.UnitPrice.Value.String(),
		TotalAmount:     r.TotalAmount.Value.String(),
		Settled:         r.Settled,
	}
	if r.SettlementDate != nil {
		s := r.SettlementDate.Format(time.RFC3339)
		dto.SettlementDate = &s
	}
	return dto
}

type ExposureDTO struct {
	AccountID        string `json:"account_id"`
	CashBalance      string `json:"cash_balance"`
	DepositLiability string `json:"deposit_liability"`
	ProposedAmount   string `json:"proposed_amount"`
	Limit            string `json:"limit"`
	Exposure         string `json:"exposure"`
	Exceeded         bool   `json:"exceeded"`
}

func toExposureDTO(s exposure.Snapshot) ExposureDTO {
	return ExposureDTO{
		AccountID:        string(s.AccountID),
		CashBalance:      s.CashBalance.Value.String(),
		DepositLiability: s.DepositLiability.Value.String(),
		ProposedAmount:   s.ProposedAmount.Value.String(),
		Limit:            s.Limit.Value.String(),
		Exposure:         s.Exposure.Value.String(),
		Exceeded:         s.Exceeded,
	}
}

type ContainerTypeDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TareKg       string `json:"tare_kg"`
	DepositPrice string `json:"deposit_price"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, &market.ValidationError{
			Field: "date", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return t, nil
}
