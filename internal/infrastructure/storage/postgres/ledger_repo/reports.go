package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"kardex/internal/core/id"
	"kardex/internal/core/types"
	"kardex/internal/domain/ledger"
)

// signedSumExpr folds the movement type into a signed quantity.
const signedSumExpr = `
	SUM(CASE WHEN type IN ('purchase', 'transfer_in', 'adjustment_in', 'production', 'sales_return')
		THEN quantity ELSE -quantity END)`

// SumMovements returns the signed journal sum for one key. Used to verify
// the materialized level.
func (r *LedgerRepo) SumMovements(ctx context.Context, productID, warehouseID id.ID) (types.Quantity, error) {
	sql := fmt.Sprintf(`
		SELECT COALESCE(%s, 0)
		FROM ldg_movements
		WHERE product_id = $1 AND warehouse_id = $2
	`, signedSumExpr)

	var sumScaled int64
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	err := querier.QueryRow(ctx, sql, productID, warehouseID).Scan(&sumScaled)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("sum movements: %w", err)
	}

	return types.NewQuantityFromInt64Scaled(sumScaled), nil
}

// VerifyLevels compares each level's on-hand to its signed journal sum in
// one statement. Running both sides in a single query is what makes the
// comparison consistent: separate statements would read the levels and the
// journal at different points in time.
func (r *LedgerRepo) VerifyLevels(ctx context.Context, filter ledger.LevelFilter) ([]ledger.LevelMismatch, error) {
	conditions := "TRUE"
	var args []any
	argIndex := 1

	if filter.ProductID != nil {
		conditions += fmt.Sprintf(" AND l.product_id = $%d", argIndex)
		args = append(args, *filter.ProductID)
		argIndex++
	}
	if filter.WarehouseID != nil {
		conditions += fmt.Sprintf(" AND l.warehouse_id = $%d", argIndex)
		args = append(args, *filter.WarehouseID)
		argIndex++
	}

	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	sql := fmt.Sprintf(`
		SELECT product_id, warehouse_id, on_hand, journal_sum
		FROM (
			SELECT l.product_id, l.warehouse_id, l.on_hand,
				COALESCE(SUM(CASE WHEN m.type IN ('purchase', 'transfer_in', 'adjustment_in', 'production', 'sales_return')
					THEN m.quantity ELSE -m.quantity END), 0) AS journal_sum
			FROM ldg_stock_levels l
			LEFT JOIN ldg_movements m
				ON m.product_id = l.product_id AND m.warehouse_id = l.warehouse_id
			WHERE %s
			GROUP BY l.product_id, l.warehouse_id, l.on_hand
		) v
		WHERE on_hand <> journal_sum
		ORDER BY product_id, warehouse_id%s
	`, conditions, limit)

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	rows, err := querier.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("verify levels: %w", err)
	}
	defer rows.Close()

	var mismatches []ledger.LevelMismatch
	for rows.Next() {
		var mismatch ledger.LevelMismatch
		var onHandScaled, journalScaled int64
		if err := rows.Scan(&mismatch.ProductID, &mismatch.WarehouseID, &onHandScaled, &journalScaled); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		mismatch.OnHand = types.NewQuantityFromInt64Scaled(onHandScaled)
		mismatch.JournalSum = types.NewQuantityFromInt64Scaled(journalScaled)
		mismatches = append(mismatches, mismatch)
	}
	return mismatches, rows.Err()
}

// GetBalanceAtDate replays the journal up to and including a date.
func (r *LedgerRepo) GetBalanceAtDate(ctx context.Context, productID, warehouseID id.ID, date time.Time) (types.Quantity, error) {
	sql := fmt.Sprintf(`
		SELECT COALESCE(%s, 0)
		FROM ldg_movements
		WHERE product_id = $1 AND warehouse_id = $2 AND movement_date <= $3
	`, signedSumExpr)

	var balanceScaled int64
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	err := querier.QueryRow(ctx, sql, productID, warehouseID, date).Scan(&balanceScaled)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("calculate balance at date: %w", err)
	}

	return types.NewQuantityFromInt64Scaled(balanceScaled), nil
}

// GetTurnover calculates inbound/outbound totals plus opening and closing
// balances for a period.
func (r *LedgerRepo) GetTurnover(ctx context.Context, filter ledger.TurnoverFilter) (ledger.Turnover, error) {
	result := ledger.Turnover{
		ProductID:   filter.ProductID,
		WarehouseID: filter.WarehouseID,
	}

	args := []any{filter.FromDate, filter.ToDate}
	conditions := "movement_date >= $1 AND movement_date <= $2"
	argIndex := 3

	if filter.ProductID != nil {
		conditions += fmt.Sprintf(" AND product_id = $%d", argIndex)
		args = append(args, *filter.ProductID)
		argIndex++
	}
	if filter.WarehouseID != nil {
		conditions += fmt.Sprintf(" AND warehouse_id = $%d", argIndex)
		args = append(args, *filter.WarehouseID)
		argIndex++
	}

	sql := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN type IN ('purchase', 'transfer_in', 'adjustment_in', 'production', 'sales_return')
				THEN quantity ELSE 0 END), 0) AS inbound,
			COALESCE(SUM(CASE WHEN type IN ('sale', 'transfer_out', 'adjustment_out', 'consumption', 'purchase_return')
				THEN quantity ELSE 0 END), 0) AS outbound
		FROM ldg_movements
		WHERE %s
	`, conditions)

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	var inboundScaled, outboundScaled int64
	err := querier.QueryRow(ctx, sql, args...).Scan(&inboundScaled, &outboundScaled)
	if err != nil && err != pgx.ErrNoRows {
		return result, fmt.Errorf("calculate turnover: %w", err)
	}
	result.Inbound = types.NewQuantityFromInt64Scaled(inboundScaled)
	result.Outbound = types.NewQuantityFromInt64Scaled(outboundScaled)

	openingArgs := []any{filter.FromDate}
	openingConditions := "movement_date < $1"
	argIndex = 2

	if filter.ProductID != nil {
		openingConditions += fmt.Sprintf(" AND product_id = $%d", argIndex)
		openingArgs = append(openingArgs, *filter.ProductID)
		argIndex++
	}
	if filter.WarehouseID != nil {
		openingConditions += fmt.Sprintf(" AND warehouse_id = $%d", argIndex)
		openingArgs = append(openingArgs, *filter.WarehouseID)
	}

	openingSQL := fmt.Sprintf(`
		SELECT COALESCE(%s, 0)
		FROM ldg_movements
		WHERE %s
	`, signedSumExpr, openingConditions)

	var openingScaled int64
	err = querier.QueryRow(ctx, openingSQL, openingArgs...).Scan(&openingScaled)
	if err != nil && err != pgx.ErrNoRows {
		return result, fmt.Errorf("calculate opening balance: %w", err)
	}
	result.OpeningBalance = types.NewQuantityFromInt64Scaled(openingScaled)
	result.ClosingBalance = result.OpeningBalance + result.Inbound - result.Outbound

	return result, nil
}

// GetProductOnHand sums on-hand quantity for a product across warehouses.
func (r *LedgerRepo) GetProductOnHand(ctx context.Context, productID id.ID) (types.Quantity, error) {
	sql := `
		SELECT COALESCE(SUM(on_hand), 0)
		FROM ldg_stock_levels
		WHERE product_id = $1
	`

	var totalScaled int64
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	err := querier.QueryRow(ctx, sql, productID).Scan(&totalScaled)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("sum product on-hand: %w", err)
	}

	return types.NewQuantityFromInt64Scaled(totalScaled), nil
}
