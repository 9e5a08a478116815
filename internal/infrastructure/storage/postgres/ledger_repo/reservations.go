package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
)

var reservationColumns = []string{
	"id", "product_id", "warehouse_id", "quantity", "correlation_id",
	"status", "expires_at", "created_by", "created_at", "released_at",
}

// CreateReservation inserts an active reservation. The correlation id is
// unique per tenant database.
func (r *LedgerRepo) CreateReservation(ctx context.Context, res entity.Reservation) error {
	q := r.builder.Insert(reservationsTable).
		Columns(reservationColumns...).
		Values(
			res.ID, res.ProductID, res.WarehouseID, res.Quantity, res.CorrelationID,
			res.Status, res.ExpiresAt, res.CreatedBy, res.CreatedAt, res.ReleasedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return apperror.NewDuplicate("reservation", "correlation_id", res.CorrelationID).WithCause(err)
		}
		return fmt.Errorf("insert reservation: %w", err)
	}

	return nil
}

// GetReservationByCorrelation finds a reservation by its caller-owned
// correlation id. Returns nil when none exists.
func (r *LedgerRepo) GetReservationByCorrelation(ctx context.Context, correlationID string) (*entity.Reservation, error) {
	q := r.builder.Select(reservationColumns...).
		From(reservationsTable).
		Where(squirrel.Eq{"correlation_id": correlationID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var res entity.Reservation
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &res, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	return &res, nil
}

// UpdateReservation persists a reservation's status transition.
func (r *LedgerRepo) UpdateReservation(ctx context.Context, res entity.Reservation) error {
	q := r.builder.Update(reservationsTable).
		Set("status", res.Status).
		Set("released_at", res.ReleasedAt).
		Where(squirrel.Eq{"id": res.ID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.getTxManager(ctx).GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("reservation", res.ID)
	}

	return nil
}

// ListExpiredReservations returns active reservations whose expiry has
// passed, oldest first. Used by the background sweep.
func (r *LedgerRepo) ListExpiredReservations(ctx context.Context, asOf time.Time, limit int) ([]entity.Reservation, error) {
	q := r.builder.Select(reservationColumns...).
		From(reservationsTable).
		Where(squirrel.Eq{"status": entity.ReservationActive}).
		Where(squirrel.Lt{"expires_at": asOf}).
		OrderBy("expires_at").
		Limit(uint64(limit))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var reservations []entity.Reservation
	querier := r.getTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &reservations, sql, args...); err != nil {
		return nil, fmt.Errorf("select expired reservations: %w", err)
	}

	return reservations, nil
}
