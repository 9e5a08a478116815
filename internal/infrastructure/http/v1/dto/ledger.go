package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/types"
	"kardex/internal/domain/ledger"
)

// --- Movement ---

// ApplyMovementRequest is the request body for applying one stock movement.
type ApplyMovementRequest struct {
	ProductID       string          `json:"productId" binding:"required"`
	WarehouseID     string          `json:"warehouseId" binding:"required"`
	Type            string          `json:"type" binding:"required"`
	Quantity        types.Quantity  `json:"quantity" binding:"required"`
	UnitCost        decimal.Decimal `json:"unitCost"`
	ReferenceType   string          `json:"referenceType" binding:"required"`
	ReferenceNumber string          `json:"referenceNumber" binding:"required"`
	MovementDate    *time.Time      `json:"movementDate"`
}

// ToDomain converts the request to a ledger movement request.
func (r *ApplyMovementRequest) ToDomain() (ledger.MovementRequest, error) {
	productID, err := id.Parse(r.ProductID)
	if err != nil {
		return ledger.MovementRequest{}, apperror.NewValidation("invalid productId format")
	}
	warehouseID, err := id.Parse(r.WarehouseID)
	if err != nil {
		return ledger.MovementRequest{}, apperror.NewValidation("invalid warehouseId format")
	}

	req := ledger.MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementType(r.Type),
		Quantity:        r.Quantity,
		UnitCost:        r.UnitCost,
		ReferenceType:   r.ReferenceType,
		ReferenceNumber: r.ReferenceNumber,
	}
	if r.MovementDate != nil {
		req.MovementDate = *r.MovementDate
	}
	return req, nil
}

// --- Transfer ---

// TransferLineRequest is one product line of a transfer.
type TransferLineRequest struct {
	ProductID string         `json:"productId" binding:"required"`
	Quantity  types.Quantity `json:"quantity" binding:"required"`
}

// TransferRequest is the request body for a multi-line warehouse transfer.
type TransferRequest struct {
	SourceID        string                `json:"sourceWarehouseId" binding:"required"`
	DestinationID   string                `json:"destinationWarehouseId" binding:"required"`
	ReferenceType   string                `json:"referenceType" binding:"required"`
	ReferenceNumber string                `json:"referenceNumber" binding:"required"`
	MovementDate    *time.Time            `json:"movementDate"`
	Lines           []TransferLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the request to a ledger transfer-lines request.
func (r *TransferRequest) ToDomain() (ledger.TransferLinesRequest, error) {
	sourceID, err := id.Parse(r.SourceID)
	if err != nil {
		return ledger.TransferLinesRequest{}, apperror.NewValidation("invalid sourceWarehouseId format")
	}
	destinationID, err := id.Parse(r.DestinationID)
	if err != nil {
		return ledger.TransferLinesRequest{}, apperror.NewValidation("invalid destinationWarehouseId format")
	}

	req := ledger.TransferLinesRequest{
		SourceID:        sourceID,
		DestinationID:   destinationID,
		ReferenceType:   r.ReferenceType,
		ReferenceNumber: r.ReferenceNumber,
	}
	if r.MovementDate != nil {
		req.MovementDate = *r.MovementDate
	}

	for _, line := range r.Lines {
		productID, err := id.Parse(line.ProductID)
		if err != nil {
			return ledger.TransferLinesRequest{}, apperror.NewValidation("invalid productId format").
				WithDetail("productId", line.ProductID)
		}
		req.Lines = append(req.Lines, ledger.TransferLine{
			ProductID: productID,
			Quantity:  line.Quantity,
		})
	}
	return req, nil
}

// TransferLineResponse reports one transfer line's outcome.
type TransferLineResponse struct {
	ProductID string          `json:"productId"`
	Quantity  types.Quantity  `json:"quantity"`
	Transfer  *ledger.Transfer `json:"transfer,omitempty"`
	Error     *ErrorBody       `json:"error,omitempty"`
}

// TransferResponse is the per-line result list of a transfer request.
type TransferResponse struct {
	Results []TransferLineResponse `json:"results"`
}

// FromTransferResults builds the response from domain per-line results.
func FromTransferResults(results []ledger.TransferLineResult) TransferResponse {
	out := TransferResponse{Results: make([]TransferLineResponse, 0, len(results))}
	for i := range results {
		r := results[i]
		line := TransferLineResponse{
			ProductID: r.Line.ProductID.String(),
			Quantity:  r.Line.Quantity,
		}
		if r.Err != nil {
			line.Error = errorBodyFrom(r.Err)
		} else {
			t := r.Transfer
			line.Transfer = &t
		}
		out.Results = append(out.Results, line)
	}
	return out
}

// ErrorBody is the embedded error shape for partial failures.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBodyFrom(err error) *ErrorBody {
	if appErr, ok := apperror.AsAppError(err); ok {
		return &ErrorBody{Code: appErr.Code, Message: appErr.Message}
	}
	return &ErrorBody{Code: "INTERNAL", Message: err.Error()}
}

// --- Reservation ---

// ReserveRequest is the request body for reserving stock.
type ReserveRequest struct {
	ProductID     string         `json:"productId" binding:"required"`
	WarehouseID   string         `json:"warehouseId" binding:"required"`
	Quantity      types.Quantity `json:"quantity" binding:"required"`
	CorrelationID string         `json:"correlationId" binding:"required"`
	ExpiresAt     *time.Time     `json:"expiresAt"`
}

// ToDomain converts the request to a ledger reserve request.
func (r *ReserveRequest) ToDomain() (ledger.ReserveRequest, error) {
	productID, err := id.Parse(r.ProductID)
	if err != nil {
		return ledger.ReserveRequest{}, apperror.NewValidation("invalid productId format")
	}
	warehouseID, err := id.Parse(r.WarehouseID)
	if err != nil {
		return ledger.ReserveRequest{}, apperror.NewValidation("invalid warehouseId format")
	}
	return ledger.ReserveRequest{
		ProductID:     productID,
		WarehouseID:   warehouseID,
		Quantity:      r.Quantity,
		CorrelationID: r.CorrelationID,
		ExpiresAt:     r.ExpiresAt,
	}, nil
}

// --- On-order ---

// AdjustOnOrderRequest moves the informational on-order quantity by delta.
type AdjustOnOrderRequest struct {
	ProductID   string         `json:"productId" binding:"required"`
	WarehouseID string         `json:"warehouseId" binding:"required"`
	Delta       types.Quantity `json:"delta" binding:"required"`
}

// --- Read views ---

// AvailabilityResponse sums a product's on-hand across warehouses.
type AvailabilityResponse struct {
	ProductID string         `json:"productId"`
	OnHand    types.Quantity `json:"onHand"`
}

// BalanceResponse is the journal-replayed balance as of a date.
type BalanceResponse struct {
	ProductID   string         `json:"productId"`
	WarehouseID string         `json:"warehouseId"`
	Date        time.Time      `json:"date"`
	OnHand      types.Quantity `json:"onHand"`
}

// VerifyResponse reports journal replay verification results.
type VerifyResponse struct {
	Consistent bool                   `json:"consistent"`
	Mismatches []ledger.LevelMismatch `json:"mismatches,omitempty"`
}
