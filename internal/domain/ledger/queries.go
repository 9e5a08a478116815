package ledger

import (
	"context"
	"fmt"
	"time"

	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/types"
)

// Queries is the read-only projection over the ledger. It never mutates
// state and takes no locks beyond snapshot-read isolation, so it is safe
// under arbitrary concurrency.
type Queries struct {
	repo Repository
}

// NewQueries creates the read surface.
func NewQueries(repo Repository) *Queries {
	return &Queries{repo: repo}
}

// Level returns the current level for a key. Callers must not assume the
// returned level was ever persisted; a zeroed level is returned for keys
// with no movement history.
func (q *Queries) Level(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	return q.repo.GetLevel(ctx, productID, warehouseID)
}

// Levels returns levels matching the filter.
func (q *Queries) Levels(ctx context.Context, filter LevelFilter) ([]entity.StockLevel, error) {
	return q.repo.ListLevels(ctx, filter)
}

// Movements returns journal entries matching the filter.
func (q *Queries) Movements(ctx context.Context, filter MovementFilter) ([]entity.StockMovement, error) {
	return q.repo.ListMovements(ctx, filter)
}

// TransferByID returns the two legs of a transfer as one view.
func (q *Queries) TransferByID(ctx context.Context, transferID id.ID) (Transfer, error) {
	legs, err := q.repo.GetMovementsByTransfer(ctx, transferID)
	if err != nil {
		return Transfer{}, err
	}
	return assembleTransfer(transferID, legs)
}

// Turnover calculates inbound/outbound totals and period balances.
func (q *Queries) Turnover(ctx context.Context, filter TurnoverFilter) (Turnover, error) {
	return q.repo.GetTurnover(ctx, filter)
}

// BalanceAtDate replays the journal to compute on-hand as of a date.
func (q *Queries) BalanceAtDate(ctx context.Context, productID, warehouseID id.ID, date time.Time) (types.Quantity, error) {
	return q.repo.GetBalanceAtDate(ctx, productID, warehouseID, date)
}

// ProductAvailability sums on-hand quantity for a product across all
// warehouses.
func (q *Queries) ProductAvailability(ctx context.Context, productID id.ID) (types.Quantity, error) {
	return q.repo.GetProductOnHand(ctx, productID)
}

// LevelMismatch reports a level whose materialized on-hand diverged from
// the signed sum of its journal entries.
type LevelMismatch struct {
	ProductID   id.ID          `json:"productId"`
	WarehouseID id.ID          `json:"warehouseId"`
	OnHand      types.Quantity `json:"onHand"`
	JournalSum  types.Quantity `json:"journalSum"`
}

// VerifyLevels checks every level matching the filter against a full
// journal replay. Levels and sums come from one snapshot, so a movement
// applied while the report runs cannot surface as a false mismatch.
// A healthy ledger returns no mismatches.
func (q *Queries) VerifyLevels(ctx context.Context, filter LevelFilter) ([]LevelMismatch, error) {
	mismatches, err := q.repo.VerifyLevels(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("verify levels: %w", err)
	}
	return mismatches, nil
}
