// Package entity provides core domain entities.
package entity

import (
	"time"

	"kardex/internal/core/id"
	"kardex/internal/core/types"
)

// Direction defines whether a movement increases or decreases on-hand stock.
type Direction string

const (
	// DirectionIn increases on-hand quantity
	DirectionIn Direction = "in"
	// DirectionOut decreases on-hand quantity
	DirectionOut Direction = "out"
)

// MovementType enumerates every stock-affecting event kind.
// The sign of a movement is derived from its type, never trusted from the caller.
type MovementType string

const (
	MovementPurchase       MovementType = "purchase"
	MovementSale           MovementType = "sale"
	MovementTransferOut    MovementType = "transfer_out"
	MovementTransferIn     MovementType = "transfer_in"
	MovementAdjustmentIn   MovementType = "adjustment_in"
	MovementAdjustmentOut  MovementType = "adjustment_out"
	MovementConsumption    MovementType = "consumption"
	MovementProduction     MovementType = "production"
	MovementSalesReturn    MovementType = "sales_return"
	MovementPurchaseReturn MovementType = "purchase_return"
)

var movementDirections = map[MovementType]Direction{
	MovementPurchase:       DirectionIn,
	MovementTransferIn:     DirectionIn,
	MovementAdjustmentIn:   DirectionIn,
	MovementProduction:     DirectionIn,
	MovementSalesReturn:    DirectionIn,
	MovementSale:           DirectionOut,
	MovementTransferOut:    DirectionOut,
	MovementAdjustmentOut:  DirectionOut,
	MovementConsumption:    DirectionOut,
	MovementPurchaseReturn: DirectionOut,
}

// Direction returns the direction for the movement type.
// The second result is false for unknown types.
func (t MovementType) Direction() (Direction, bool) {
	d, ok := movementDirections[t]
	return d, ok
}

// IsValid reports whether the movement type is one of the known kinds.
func (t MovementType) IsValid() bool {
	_, ok := movementDirections[t]
	return ok
}

// StockMovement is an immutable journal entry. Movements are never updated
// or deleted; corrections are recorded as new reversing movements.
type StockMovement struct {
	// ID is the primary key (UUIDv7)
	ID id.ID `db:"id" json:"id"`

	// Dimensions
	ProductID   id.ID `db:"product_id" json:"productId"`
	WarehouseID id.ID `db:"warehouse_id" json:"warehouseId"`

	// Type determines the sign applied to Quantity
	Type MovementType `db:"type" json:"type"`

	// Quantity is the unsigned magnitude, always positive
	Quantity types.Quantity `db:"quantity" json:"quantity"`

	// UnitCost is the per-unit cost carried by inbound movements.
	// Zero for outbound movements (cost is resolved from the level's average).
	UnitCost types.Money `db:"unit_cost" json:"unitCost"`

	// ReferenceType and ReferenceNumber link back to the causing document
	// (e.g. "SalesOrder" / "SO-1001"). Together with Type they form the
	// idempotency key for re-applied requests.
	ReferenceType   string `db:"reference_type" json:"referenceType"`
	ReferenceNumber string `db:"reference_number" json:"referenceNumber"`

	// TransferID correlates the two legs of a warehouse transfer (nullable)
	TransferID *id.ID `db:"transfer_id" json:"transferId,omitempty"`

	// MovementDate is the business date of the event
	MovementDate time.Time `db:"movement_date" json:"movementDate"`

	CreatedBy string    `db:"created_by" json:"createdBy"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// NewStockMovement creates a journal entry with a generated ID.
func NewStockMovement(
	productID, warehouseID id.ID,
	movementType MovementType,
	quantity types.Quantity,
	referenceType, referenceNumber string,
	movementDate time.Time,
	createdBy string,
) StockMovement {
	return StockMovement{
		ID:              id.New(),
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            movementType,
		Quantity:        quantity,
		UnitCost:        types.Zero(),
		ReferenceType:   referenceType,
		ReferenceNumber: referenceNumber,
		MovementDate:    movementDate,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
}

// SignedQuantity returns the quantity with the sign derived from the type.
func (m *StockMovement) SignedQuantity() types.Quantity {
	if d, _ := m.Type.Direction(); d == DirectionOut {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// StockLevel is the materialized quantity aggregate for one
// (product, warehouse) pair. It is created lazily on first movement and
// never deleted; zero is a valid, retained state.
type StockLevel struct {
	// Dimensions
	ProductID   id.ID `db:"product_id" json:"productId"`
	WarehouseID id.ID `db:"warehouse_id" json:"warehouseId"`

	// OnHand is the physically present quantity, never negative
	OnHand types.Quantity `db:"on_hand" json:"onHand"`

	// Reserved is promised to confirmed outbound demand, not yet shipped
	Reserved types.Quantity `db:"reserved" json:"reserved"`

	// OnOrder is expected from confirmed inbound supply, informational only
	OnOrder types.Quantity `db:"on_order" json:"onOrder"`

	// AverageCost is the moving average unit cost, recalculated on inbound
	// movements that carry a cost
	AverageCost types.Money `db:"average_cost" json:"averageCost"`

	// Metadata
	LastMovementAt *time.Time `db:"last_movement_at" json:"lastMovementAt,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// NewStockLevel returns a zeroed level for a key with no prior movements.
func NewStockLevel(productID, warehouseID id.ID) StockLevel {
	return StockLevel{
		ProductID:   productID,
		WarehouseID: warehouseID,
		AverageCost: types.Zero(),
		UpdatedAt:   time.Now().UTC(),
	}
}

// Available is on-hand minus reserved. Derived, never stored.
// On-order is informational and not subtracted.
func (l *StockLevel) Available() types.Quantity {
	return l.OnHand - l.Reserved
}

// ReservationStatus tracks the lifecycle of a reservation row.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation holds a promised portion of on-hand stock for one key.
// The correlation ID is owned by the caller (e.g. an order-line id) and
// makes reserve/release idempotent against retries.
type Reservation struct {
	ID id.ID `db:"id" json:"id"`

	ProductID   id.ID `db:"product_id" json:"productId"`
	WarehouseID id.ID `db:"warehouse_id" json:"warehouseId"`

	Quantity types.Quantity `db:"quantity" json:"quantity"`

	// CorrelationID is the caller-owned idempotency handle, unique per tenant
	CorrelationID string `db:"correlation_id" json:"correlationId"`

	Status ReservationStatus `db:"status" json:"status"`

	// ExpiresAt optionally bounds how long the reservation holds stock.
	// Expired reservations are swept by a background worker.
	ExpiresAt *time.Time `db:"expires_at" json:"expiresAt,omitempty"`

	CreatedBy  string     `db:"created_by" json:"createdBy"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	ReleasedAt *time.Time `db:"released_at" json:"releasedAt,omitempty"`
}

// NewReservation creates an active reservation with a generated ID.
func NewReservation(productID, warehouseID id.ID, quantity types.Quantity, correlationID, createdBy string, expiresAt *time.Time) Reservation {
	return Reservation{
		ID:            id.New(),
		ProductID:     productID,
		WarehouseID:   warehouseID,
		Quantity:      quantity,
		CorrelationID: correlationID,
		Status:        ReservationActive,
		ExpiresAt:     expiresAt,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
	}
}

// IsActive reports whether the reservation still holds stock.
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationActive
}
