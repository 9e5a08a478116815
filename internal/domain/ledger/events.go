package ledger

import (
	"context"
	"time"

	"kardex/internal/core/id"
	"kardex/internal/core/types"
)

// Event types written to the transactional outbox alongside ledger writes.
const (
	EventMovementApplied     = "stock.movement.applied"
	EventTransferCompleted   = "stock.transfer.completed"
	EventReservationExpired  = "stock.reservation.expired"
	EventReservationReleased = "stock.reservation.released"
)

// Aggregate type names used in outbox records.
const (
	AggregateMovement    = "StockMovement"
	AggregateTransfer    = "StockTransfer"
	AggregateReservation = "StockReservation"
)

// Event is a domain event recorded in the same transaction as the write
// that caused it.
type Event struct {
	AggregateType string
	AggregateID   id.ID
	Type          string
	Payload       any
}

// Publisher records domain events transactionally (outbox pattern).
// Implementations live in the infrastructure layer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events. Used in tests and tooling.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }

// MovementAppliedPayload is the outbox payload for an applied movement.
type MovementAppliedPayload struct {
	MovementID      id.ID          `json:"movementId"`
	ProductID       id.ID          `json:"productId"`
	WarehouseID     id.ID          `json:"warehouseId"`
	Type            string         `json:"type"`
	Quantity        types.Quantity `json:"quantity"`
	OnHandAfter     types.Quantity `json:"onHandAfter"`
	ReferenceType   string         `json:"referenceType"`
	ReferenceNumber string         `json:"referenceNumber"`
	MovementDate    time.Time      `json:"movementDate"`
}

// TransferCompletedPayload is the outbox payload for a completed transfer.
type TransferCompletedPayload struct {
	TransferID      id.ID          `json:"transferId"`
	Number          string         `json:"number"`
	ProductID       id.ID          `json:"productId"`
	SourceID        id.ID          `json:"sourceWarehouseId"`
	DestinationID   id.ID          `json:"destinationWarehouseId"`
	Quantity        types.Quantity `json:"quantity"`
	ReferenceType   string         `json:"referenceType"`
	ReferenceNumber string         `json:"referenceNumber"`
}

// ReservationPayload is the outbox payload for reservation lifecycle events.
type ReservationPayload struct {
	ReservationID id.ID          `json:"reservationId"`
	ProductID     id.ID          `json:"productId"`
	WarehouseID   id.ID          `json:"warehouseId"`
	Quantity      types.Quantity `json:"quantity"`
	CorrelationID string         `json:"correlationId"`
}
