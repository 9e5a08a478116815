package ledger

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/numerator"
	"kardex/internal/core/security"
	"kardex/internal/core/types"
	"kardex/pkg/logger"
)

// transferNumberConfig produces numbers like TRN-2026-00001.
var transferNumberConfig = numerator.DefaultConfig("TRN")

// TransferService composes two linked movements (outbound at the source,
// inbound at the destination) into one atomic unit.
type TransferService struct {
	service *Service
	numbers numerator.Generator
}

// NewTransferService creates a transfer orchestrator on top of the ledger service.
func NewTransferService(service *Service, numbers numerator.Generator) *TransferService {
	return &TransferService{
		service: service,
		numbers: numbers,
	}
}

// TransferRequest moves one product between two warehouses.
type TransferRequest struct {
	ProductID       id.ID
	SourceID        id.ID
	DestinationID   id.ID
	Quantity        types.Quantity
	ReferenceType   string
	ReferenceNumber string
	MovementDate    time.Time
}

func (r *TransferRequest) validate() error {
	if id.IsNil(r.ProductID) {
		return apperror.NewValidation("product_id is required").WithDetail("field", "productId")
	}
	if id.IsNil(r.SourceID) || id.IsNil(r.DestinationID) {
		return apperror.NewValidation("source and destination warehouses are required")
	}
	if r.SourceID == r.DestinationID {
		return apperror.NewInvalidTransfer("source and destination warehouses must differ").
			WithDetail("warehouse_id", r.SourceID.String())
	}
	if !r.Quantity.IsPositive() {
		return apperror.NewInvalidQuantity("quantity must be positive")
	}
	if r.ReferenceType == "" || r.ReferenceNumber == "" {
		return apperror.NewValidation("reference_type and reference_number are required")
	}
	return nil
}

// Transfer is the result view over the two journal legs plus metadata.
type Transfer struct {
	ID       id.ID               `json:"id"`
	Number   string              `json:"number"`
	Outbound entity.StockMovement `json:"outbound"`
	Inbound  entity.StockMovement `json:"inbound"`
}

// Transfer atomically relocates stock between two warehouses.
//
// Both level rows are locked in canonical key order before either leg is
// validated, so two transfers moving opposite directions between the same
// warehouses cannot deadlock. If the outbound leg fails validation, the
// inbound leg is never attempted and nothing is written.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if err := req.validate(); err != nil {
		return Transfer{}, err
	}

	date := req.MovementDate
	if date.IsZero() {
		date = time.Now().UTC()
	}

	var result Transfer
	var replayed bool

	err := s.service.runInTx(ctx, func(ctx context.Context) error {
		repo := s.service.repo

		source, destination, err := lockPair(ctx, repo, req.ProductID, req.SourceID, req.DestinationID)
		if err != nil {
			return err
		}

		// A retried transfer replays both legs from the journal.
		existingOut, err := repo.GetMovementByReference(ctx, req.ReferenceType, req.ReferenceNumber, entity.MovementTransferOut)
		if err != nil {
			return err
		}
		if existingOut != nil {
			if existingOut.TransferID == nil {
				return apperror.NewConflict("reference already used by a non-transfer movement").
					WithDetail("reference_number", req.ReferenceNumber)
			}
			legs, err := repo.GetMovementsByTransfer(ctx, *existingOut.TransferID)
			if err != nil {
				return err
			}
			result, err = assembleTransfer(*existingOut.TransferID, legs)
			if err != nil {
				return err
			}
			replayed = true
			return nil
		}

		newOnHand := source.OnHand - req.Quantity
		if newOnHand.IsNegative() {
			return apperror.NewInsufficientStock(
				req.ProductID.String(), req.SourceID.String(),
				req.Quantity.String(), source.OnHand.String(),
			)
		}

		transferID := id.New()
		number, err := s.numbers.GetNextNumber(ctx, transferNumberConfig, numerator.DefaultOptions(), date)
		if err != nil {
			return fmt.Errorf("generate transfer number: %w", err)
		}

		actor := security.GetUserID(ctx)

		outbound := entity.NewStockMovement(
			req.ProductID, req.SourceID,
			entity.MovementTransferOut, req.Quantity,
			req.ReferenceType, req.ReferenceNumber,
			date, actor,
		)
		outbound.TransferID = &transferID

		inbound := entity.NewStockMovement(
			req.ProductID, req.DestinationID,
			entity.MovementTransferIn, req.Quantity,
			req.ReferenceType, req.ReferenceNumber,
			date, actor,
		)
		inbound.TransferID = &transferID

		// The destination inherits the source's average cost for the
		// moved quantity.
		inbound.UnitCost = source.AverageCost

		if err := repo.CreateMovements(ctx, []entity.StockMovement{outbound, inbound}); err != nil {
			return fmt.Errorf("create transfer movements: %w", err)
		}

		now := time.Now().UTC()

		source.OnHand = newOnHand
		source.LastMovementAt = &outbound.CreatedAt
		source.UpdatedAt = now
		if err := repo.UpdateLevel(ctx, source); err != nil {
			return fmt.Errorf("update source level: %w", err)
		}

		if source.AverageCost.IsPositive() {
			destination.AverageCost = movingAverage(destination.OnHand, destination.AverageCost, req.Quantity, source.AverageCost)
		}
		destination.OnHand += req.Quantity
		destination.LastMovementAt = &inbound.CreatedAt
		destination.UpdatedAt = now
		if err := repo.UpdateLevel(ctx, destination); err != nil {
			return fmt.Errorf("update destination level: %w", err)
		}

		result = Transfer{
			ID:       transferID,
			Number:   number,
			Outbound: outbound,
			Inbound:  inbound,
		}

		return s.service.events.Publish(ctx, Event{
			AggregateType: AggregateTransfer,
			AggregateID:   transferID,
			Type:          EventTransferCompleted,
			Payload: TransferCompletedPayload{
				TransferID:      transferID,
				Number:          number,
				ProductID:       req.ProductID,
				SourceID:        req.SourceID,
				DestinationID:   req.DestinationID,
				Quantity:        req.Quantity,
				ReferenceType:   req.ReferenceType,
				ReferenceNumber: req.ReferenceNumber,
			},
		})
	})
	if err != nil {
		return Transfer{}, err
	}

	if !replayed {
		logger.Info(ctx, "transfer completed",
			"transfer_id", result.ID,
			"number", result.Number,
			"product_id", req.ProductID,
			"source_id", req.SourceID,
			"destination_id", req.DestinationID,
			"quantity", req.Quantity,
		)
	}
	return result, nil
}

// TransferLine is one product line of a multi-line transfer.
type TransferLine struct {
	ProductID id.ID
	Quantity  types.Quantity
}

// TransferLinesRequest moves several products between the same two
// warehouses. Lines are independent transfer operations.
type TransferLinesRequest struct {
	SourceID      id.ID
	DestinationID id.ID
	Lines         []TransferLine

	ReferenceType   string
	ReferenceNumber string
	MovementDate    time.Time
}

// TransferLineResult reports one line's outcome. Err is nil on success.
type TransferLineResult struct {
	Line     TransferLine
	Transfer Transfer
	Err      error
}

// TransferLines executes each line as an independent transfer and reports
// per-line results. Lines that already succeeded are not rolled back when a
// later line fails; the caller decides whether to compensate.
func (s *TransferService) TransferLines(ctx context.Context, req TransferLinesRequest) ([]TransferLineResult, error) {
	if len(req.Lines) == 0 {
		return nil, apperror.NewValidation("at least one transfer line is required")
	}

	results := make([]TransferLineResult, 0, len(req.Lines))
	for i, line := range req.Lines {
		transfer, err := s.Transfer(ctx, TransferRequest{
			ProductID:       line.ProductID,
			SourceID:        req.SourceID,
			DestinationID:   req.DestinationID,
			Quantity:        line.Quantity,
			ReferenceType:   req.ReferenceType,
			ReferenceNumber: fmt.Sprintf("%s/%d", req.ReferenceNumber, i+1),
			MovementDate:    req.MovementDate,
		})
		results = append(results, TransferLineResult{
			Line:     line,
			Transfer: transfer,
			Err:      err,
		})
	}
	return results, nil
}

// lockPair locks the source and destination level rows in canonical key
// order. The product is shared, so ordering by warehouse id is total.
func lockPair(ctx context.Context, repo Repository, productID, sourceID, destinationID id.ID) (source, destination entity.StockLevel, err error) {
	first, second := sourceID, destinationID
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}

	firstLevel, err := repo.GetLevelForUpdate(ctx, productID, first)
	if err != nil {
		return entity.StockLevel{}, entity.StockLevel{}, err
	}
	secondLevel, err := repo.GetLevelForUpdate(ctx, productID, second)
	if err != nil {
		return entity.StockLevel{}, entity.StockLevel{}, err
	}

	if first == sourceID {
		return firstLevel, secondLevel, nil
	}
	return secondLevel, firstLevel, nil
}

// assembleTransfer rebuilds a Transfer view from its journal legs.
func assembleTransfer(transferID id.ID, legs []entity.StockMovement) (Transfer, error) {
	t := Transfer{ID: transferID}
	for _, leg := range legs {
		switch leg.Type {
		case entity.MovementTransferOut:
			t.Outbound = leg
		case entity.MovementTransferIn:
			t.Inbound = leg
		}
	}
	if id.IsNil(t.Outbound.ID) || id.IsNil(t.Inbound.ID) {
		return Transfer{}, apperror.NewInternal(fmt.Errorf("transfer %s has incomplete journal legs", transferID))
	}
	return t, nil
}
