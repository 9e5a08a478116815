// Package ledger_repo provides the PostgreSQL implementation of the stock
// ledger repository. In Database-per-Tenant architecture, TxManager is
// obtained from context.
package ledger_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/domain/ledger"
	"kardex/internal/infrastructure/storage/postgres"
)

const (
	movementsTable    = "ldg_movements"
	levelsTable       = "ldg_stock_levels"
	reservationsTable = "ldg_reservations"
)

var movementColumns = []string{
	"id", "product_id", "warehouse_id", "type", "quantity", "unit_cost",
	"reference_type", "reference_number", "transfer_id",
	"movement_date", "created_by", "created_at",
}

var levelColumns = []string{
	"product_id", "warehouse_id", "on_hand", "reserved", "on_order",
	"average_cost", "last_movement_at", "updated_at",
}

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	builder squirrel.StatementBuilderType
}

// NewLedgerRepo creates a new ledger repository.
func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// getTxManager retrieves TxManager from context.
func (r *LedgerRepo) getTxManager(ctx context.Context) *postgres.TxManager {
	return postgres.MustGetTxManager(ctx)
}

// GetLevel returns the current level, or a zeroed level when the key has
// never seen a movement.
func (r *LedgerRepo) GetLevel(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	var level entity.StockLevel

	q := r.builder.Select(levelColumns...).
		From(levelsTable).
		Where(squirrel.Eq{
			"product_id":   productID,
			"warehouse_id": warehouseID,
		}).Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return level, fmt.Errorf("build query: %w", err)
	}

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &level, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.NewStockLevel(productID, warehouseID), nil
		}
		return level, fmt.Errorf("get level: %w", err)
	}

	return level, nil
}

// GetLevelForUpdate ensures the row exists and locks it until the current
// transaction ends. The lock is the serialization boundary for all
// mutations on this (product, warehouse) key.
func (r *LedgerRepo) GetLevelForUpdate(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	querier := r.getTxManager(ctx).GetQuerier(ctx)

	// Lazy row creation: losing the insert race is fine, the winner's row
	// is locked below either way.
	_, err := querier.Exec(ctx, `
		INSERT INTO ldg_stock_levels (product_id, warehouse_id, on_hand, reserved, on_order, average_cost, updated_at)
		VALUES ($1, $2, 0, 0, 0, 0, NOW())
		ON CONFLICT (product_id, warehouse_id) DO NOTHING
	`, productID, warehouseID)
	if err != nil {
		return entity.StockLevel{}, mapLockError(err, productID, warehouseID, "ensure level")
	}

	var level entity.StockLevel
	err = pgxscan.Get(ctx, querier, &level, `
		SELECT product_id, warehouse_id, on_hand, reserved, on_order,
		       average_cost, last_movement_at, updated_at
		FROM ldg_stock_levels
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`, productID, warehouseID)
	if err != nil {
		return entity.StockLevel{}, mapLockError(err, productID, warehouseID, "lock level")
	}

	return level, nil
}

// UpdateLevel persists new quantities for a locked level row.
func (r *LedgerRepo) UpdateLevel(ctx context.Context, level entity.StockLevel) error {
	q := r.builder.Update(levelsTable).
		Set("on_hand", level.OnHand).
		Set("reserved", level.Reserved).
		Set("on_order", level.OnOrder).
		Set("average_cost", level.AverageCost).
		Set("last_movement_at", level.LastMovementAt).
		Set("updated_at", level.UpdatedAt).
		Where(squirrel.Eq{
			"product_id":   level.ProductID,
			"warehouse_id": level.WarehouseID,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update level: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("level %s/%s not found for update", level.ProductID, level.WarehouseID)
	}

	return nil
}

// ListLevels returns levels matching the filter.
func (r *LedgerRepo) ListLevels(ctx context.Context, filter ledger.LevelFilter) ([]entity.StockLevel, error) {
	q := r.builder.Select(levelColumns...).From(levelsTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.WarehouseID != nil {
		q = q.Where(squirrel.Eq{"warehouse_id": *filter.WarehouseID})
	}
	if filter.ExcludeZero {
		q = q.Where(squirrel.NotEq{"on_hand": int64(0)})
	}

	q = q.OrderBy("product_id", "warehouse_id")

	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var levels []entity.StockLevel
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &levels, sql, args...); err != nil {
		return nil, fmt.Errorf("select levels: %w", err)
	}

	return levels, nil
}

// CreateMovement appends one journal entry.
func (r *LedgerRepo) CreateMovement(ctx context.Context, m entity.StockMovement) error {
	q := r.builder.Insert(movementsTable).
		Columns(movementColumns...).
		Values(
			m.ID, m.ProductID, m.WarehouseID, m.Type, m.Quantity, m.UnitCost,
			m.ReferenceType, m.ReferenceNumber, m.TransferID,
			m.MovementDate, m.CreatedBy, m.CreatedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return apperror.NewDuplicate("movement", "reference", m.ReferenceNumber).WithCause(err)
		}
		return fmt.Errorf("insert movement: %w", err)
	}

	return nil
}

// CreateMovements batch inserts journal entries. Uses COPY inside a
// transaction (transfer legs land together).
func (r *LedgerRepo) CreateMovements(ctx context.Context, movements []entity.StockMovement) error {
	if len(movements) == 0 {
		return nil
	}

	txm := r.getTxManager(ctx)
	if tx := txm.GetTx(ctx); tx != nil {
		inserter := postgres.NewBatchInserter(txm)
		rows := make([][]any, 0, len(movements))
		for _, m := range movements {
			rows = append(rows, []any{
				m.ID, m.ProductID, m.WarehouseID, m.Type, m.Quantity, m.UnitCost,
				m.ReferenceType, m.ReferenceNumber, m.TransferID,
				m.MovementDate, m.CreatedBy, m.CreatedAt,
			})
		}
		if _, err := inserter.CopyFromSlice(ctx, movementsTable, movementColumns, rows); err != nil {
			return fmt.Errorf("copy movements: %w", err)
		}
		return nil
	}

	for _, m := range movements {
		if err := r.CreateMovement(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// GetMovementByReference finds a prior movement for an idempotency key.
func (r *LedgerRepo) GetMovementByReference(ctx context.Context, referenceType, referenceNumber string, movementType entity.MovementType) (*entity.StockMovement, error) {
	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{
			"reference_type":   referenceType,
			"reference_number": referenceNumber,
			"type":             movementType,
		}).Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var m entity.StockMovement
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &m, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get movement by reference: %w", err)
	}

	return &m, nil
}

// GetMovementsByTransfer returns both legs of a transfer.
func (r *LedgerRepo) GetMovementsByTransfer(ctx context.Context, transferID id.ID) ([]entity.StockMovement, error) {
	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"transfer_id": transferID}).
		OrderBy("created_at")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []entity.StockMovement
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select transfer movements: %w", err)
	}

	return movements, nil
}

// ListMovements returns journal entries matching the filter, newest first.
func (r *LedgerRepo) ListMovements(ctx context.Context, filter ledger.MovementFilter) ([]entity.StockMovement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.WarehouseID != nil {
		q = q.Where(squirrel.Eq{"warehouse_id": *filter.WarehouseID})
	}
	if filter.Type != nil {
		q = q.Where(squirrel.Eq{"type": *filter.Type})
	}
	if filter.ReferenceType != "" {
		q = q.Where(squirrel.Eq{"reference_type": filter.ReferenceType})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"movement_date": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"movement_date": *filter.ToDate})
	}

	q = q.OrderBy("movement_date DESC", "created_at DESC")

	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []entity.StockMovement
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}

	return movements, nil
}

// mapLockError converts lock wait and cancellation failures into the
// retryable LOCK_TIMEOUT error; everything else is wrapped as-is.
func mapLockError(err error, productID, warehouseID id.ID, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"57014", // query_canceled (statement_timeout while waiting)
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return apperror.NewLockTimeout(productID.String(), warehouseID.String()).WithCause(err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports a 23505 unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Ensure interface compliance.
var _ ledger.Repository = (*LedgerRepo)(nil)
