// Package ledger provides the stock ledger: an immutable movement journal
// with materialized per-key quantity aggregates and reservations.
package ledger

import (
	"context"
	"time"

	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/types"
)

// Repository defines storage operations for the stock ledger.
//
// Mutating methods must be called inside a transaction (tx.Manager).
// GetLevelForUpdate is the serialization boundary: it holds a row lock on
// the (product, warehouse) key until the surrounding transaction ends.
type Repository interface {
	// Level operations

	// GetLevel returns the current level, or a zeroed non-persisted level
	// if the key has never seen a movement.
	GetLevel(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error)

	// GetLevelForUpdate ensures the level row exists and locks it for the
	// duration of the current transaction.
	GetLevelForUpdate(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error)

	// UpdateLevel persists a locked level's new quantities.
	UpdateLevel(ctx context.Context, level entity.StockLevel) error

	// ListLevels returns levels matching the filter.
	ListLevels(ctx context.Context, filter LevelFilter) ([]entity.StockLevel, error)

	// Movement operations

	// CreateMovement appends one journal entry. Journal rows are never
	// updated or deleted.
	CreateMovement(ctx context.Context, m entity.StockMovement) error

	// CreateMovements batch inserts journal entries (transfer legs).
	CreateMovements(ctx context.Context, movements []entity.StockMovement) error

	// GetMovementByReference finds a prior movement with the same
	// idempotency key (reference type + number + movement type).
	// Returns nil when no such movement exists.
	GetMovementByReference(ctx context.Context, referenceType, referenceNumber string, movementType entity.MovementType) (*entity.StockMovement, error)

	// GetMovementsByTransfer returns both legs of a transfer.
	GetMovementsByTransfer(ctx context.Context, transferID id.ID) ([]entity.StockMovement, error)

	// ListMovements returns journal entries matching the filter.
	ListMovements(ctx context.Context, filter MovementFilter) ([]entity.StockMovement, error)

	// Reservation operations

	CreateReservation(ctx context.Context, r entity.Reservation) error

	// GetReservationByCorrelation finds a reservation by its caller-owned
	// correlation id. Returns nil when none exists.
	GetReservationByCorrelation(ctx context.Context, correlationID string) (*entity.Reservation, error)

	UpdateReservation(ctx context.Context, r entity.Reservation) error

	// ListExpiredReservations returns active reservations whose expiry has
	// passed, oldest first.
	ListExpiredReservations(ctx context.Context, asOf time.Time, limit int) ([]entity.Reservation, error)

	// Reporting

	// SumMovements returns the signed sum of all journal entries for a key.
	// Used to verify the materialized level against the journal.
	SumMovements(ctx context.Context, productID, warehouseID id.ID) (types.Quantity, error)

	// VerifyLevels compares levels matching the filter against their signed
	// journal sums in a single statement, so levels and sums come from one
	// snapshot. Returns only the diverged keys.
	VerifyLevels(ctx context.Context, filter LevelFilter) ([]LevelMismatch, error)

	// GetBalanceAtDate replays the journal up to and including a date.
	GetBalanceAtDate(ctx context.Context, productID, warehouseID id.ID, date time.Time) (types.Quantity, error)

	// GetTurnover calculates inbound and outbound totals for a period.
	GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error)

	// GetProductOnHand sums on-hand quantity across all warehouses.
	GetProductOnHand(ctx context.Context, productID id.ID) (types.Quantity, error)
}

// LevelFilter narrows level queries.
type LevelFilter struct {
	ProductID   *id.ID
	WarehouseID *id.ID
	ExcludeZero bool
	Limit       int
	Offset      int
}

// MovementFilter narrows journal queries.
type MovementFilter struct {
	ProductID     *id.ID
	WarehouseID   *id.ID
	Type          *entity.MovementType
	ReferenceType string
	FromDate      *time.Time
	ToDate        *time.Time
	Limit         int
	Offset        int
}

// TurnoverFilter bounds a turnover report.
type TurnoverFilter struct {
	ProductID   *id.ID
	WarehouseID *id.ID
	FromDate    time.Time
	ToDate      time.Time
}

// Turnover is the inbound/outbound totals for a period, with opening and
// closing balances derived from the journal.
type Turnover struct {
	ProductID      *id.ID         `json:"productId,omitempty"`
	WarehouseID    *id.ID         `json:"warehouseId,omitempty"`
	OpeningBalance types.Quantity `json:"openingBalance"`
	Inbound        types.Quantity `json:"inbound"`
	Outbound       types.Quantity `json:"outbound"`
	ClosingBalance types.Quantity `json:"closingBalance"`
}
