package ledger

import (
	"context"
	"fmt"
	"time"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/security"
	"kardex/internal/core/tenant"
	"kardex/internal/core/tx"
	"kardex/internal/core/types"
	"kardex/pkg/logger"
)

// Service is the mutating side of the stock ledger: it applies movements,
// manages reservations and adjusts the on-order quantity.
//
// Every mutation follows the same shape: lock the (product, warehouse)
// level row, validate against it, then write the journal entry and the
// updated level in one transaction. The row lock is the serialization
// boundary; no two mutations for the same key overlap.
type Service struct {
	repo   Repository
	txm    tx.Manager
	events Publisher
}

// NewService creates a ledger service.
func NewService(repo Repository, txm tx.Manager, events Publisher) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{
		repo:   repo,
		txm:    txm,
		events: events,
	}
}

// runInTx runs fn inside a transaction. The manager comes from the
// constructor or, in Database-per-Tenant mode, from the context.
func (s *Service) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txm := s.txm
	if txm == nil {
		m, err := tenant.GetTxManager(ctx)
		if err != nil {
			return err
		}
		txm = m
	}
	return txm.RunInTransaction(ctx, fn)
}

// MovementRequest describes one stock-affecting event to apply.
// Quantity is unsigned; the sign is derived from Type.
type MovementRequest struct {
	ProductID   id.ID
	WarehouseID id.ID
	Type        entity.MovementType

	// Quantity must be strictly positive
	Quantity types.Quantity

	// UnitCost is optional; inbound movements that carry it update the
	// level's moving average cost
	UnitCost types.Money

	// ReferenceType + ReferenceNumber link to the causing document and,
	// together with Type, form the idempotency key
	ReferenceType   string
	ReferenceNumber string

	// MovementDate defaults to now when zero
	MovementDate time.Time
}

func (r *MovementRequest) validate() error {
	if id.IsNil(r.ProductID) {
		return apperror.NewValidation("product_id is required").WithDetail("field", "productId")
	}
	if id.IsNil(r.WarehouseID) {
		return apperror.NewValidation("warehouse_id is required").WithDetail("field", "warehouseId")
	}
	if !r.Type.IsValid() {
		return apperror.NewValidation(fmt.Sprintf("unknown movement type %q", r.Type)).
			WithDetail("field", "type")
	}
	if !r.Quantity.IsPositive() {
		return apperror.NewInvalidQuantity("quantity must be positive").
			WithDetail("quantity", r.Quantity.String())
	}
	if r.ReferenceType == "" || r.ReferenceNumber == "" {
		return apperror.NewValidation("reference_type and reference_number are required")
	}
	if r.UnitCost.IsNegative() {
		return apperror.NewValidation("unit_cost must not be negative").
			WithDetail("field", "unitCost")
	}
	return nil
}

// Apply validates and applies a single movement.
//
// Re-applying a request whose reference (type + number + movement type)
// already produced a movement is a no-op returning the original journal
// entry, so upstream retries never double-count.
func (s *Service) Apply(ctx context.Context, req MovementRequest) (entity.StockMovement, error) {
	if err := req.validate(); err != nil {
		return entity.StockMovement{}, err
	}

	var result entity.StockMovement
	var replayed bool

	err := s.runInTx(ctx, func(ctx context.Context) error {
		level, err := s.repo.GetLevelForUpdate(ctx, req.ProductID, req.WarehouseID)
		if err != nil {
			return err
		}

		// Idempotency check happens under the row lock so a concurrent
		// retry of the same reference serializes behind the first apply.
		existing, err := s.repo.GetMovementByReference(ctx, req.ReferenceType, req.ReferenceNumber, req.Type)
		if err != nil {
			return err
		}
		if existing != nil {
			result = *existing
			replayed = true
			return nil
		}

		movement, updated, err := applyToLevel(level, req)
		if err != nil {
			return err
		}
		movement.CreatedBy = security.GetUserID(ctx)

		if err := s.repo.CreateMovement(ctx, movement); err != nil {
			return fmt.Errorf("create movement: %w", err)
		}
		if err := s.repo.UpdateLevel(ctx, updated); err != nil {
			return fmt.Errorf("update level: %w", err)
		}

		result = movement
		return s.events.Publish(ctx, Event{
			AggregateType: AggregateMovement,
			AggregateID:   movement.ID,
			Type:          EventMovementApplied,
			Payload: MovementAppliedPayload{
				MovementID:      movement.ID,
				ProductID:       movement.ProductID,
				WarehouseID:     movement.WarehouseID,
				Type:            string(movement.Type),
				Quantity:        movement.Quantity,
				OnHandAfter:     updated.OnHand,
				ReferenceType:   movement.ReferenceType,
				ReferenceNumber: movement.ReferenceNumber,
				MovementDate:    movement.MovementDate,
			},
		})
	})
	if err != nil {
		// A racing request with the same reference but a different
		// (product, warehouse) key never serializes behind this key's row
		// lock, so the loser surfaces as a unique violation on the journal
		// instead of the replay above. The insert only errors once the
		// winner committed, so the original is visible now.
		if appErr, ok := apperror.AsAppError(err); ok && appErr.Code == apperror.CodeDuplicate {
			existing, rerr := s.repo.GetMovementByReference(ctx, req.ReferenceType, req.ReferenceNumber, req.Type)
			if rerr == nil && existing != nil {
				result = *existing
				replayed = true
				err = nil
			}
		}
	}
	if err != nil {
		return entity.StockMovement{}, err
	}

	if replayed {
		logger.Debug(ctx, "movement replayed from journal",
			"reference_type", req.ReferenceType,
			"reference_number", req.ReferenceNumber,
			"type", req.Type,
		)
	} else {
		logger.Info(ctx, "movement applied",
			"movement_id", result.ID,
			"product_id", req.ProductID,
			"warehouse_id", req.WarehouseID,
			"type", req.Type,
			"quantity", req.Quantity,
		)
	}

	return result, nil
}

// applyToLevel computes the journal entry and new level state for a request
// against a locked level. Pure function, no I/O.
func applyToLevel(level entity.StockLevel, req MovementRequest) (entity.StockMovement, entity.StockLevel, error) {
	date := req.MovementDate
	if date.IsZero() {
		date = time.Now().UTC()
	}

	movement := entity.NewStockMovement(
		req.ProductID, req.WarehouseID,
		req.Type, req.Quantity,
		req.ReferenceType, req.ReferenceNumber,
		date, "",
	)
	movement.UnitCost = req.UnitCost

	newOnHand := level.OnHand + movement.SignedQuantity()
	if newOnHand.IsNegative() {
		return entity.StockMovement{}, entity.StockLevel{}, apperror.NewInsufficientStock(
			req.ProductID.String(), req.WarehouseID.String(),
			req.Quantity.String(), level.OnHand.String(),
		)
	}

	if d, _ := req.Type.Direction(); d == entity.DirectionIn && req.UnitCost.IsPositive() {
		level.AverageCost = movingAverage(level.OnHand, level.AverageCost, req.Quantity, req.UnitCost)
	}

	level.OnHand = newOnHand
	level.LastMovementAt = &movement.CreatedAt
	level.UpdatedAt = movement.CreatedAt

	return movement, level, nil
}

// movingAverage blends an inbound lot into the current average unit cost:
// (onHand*avg + qty*cost) / (onHand + qty).
func movingAverage(onHand types.Quantity, avg types.Money, qty types.Quantity, cost types.Money) types.Money {
	total := onHand + qty
	if !total.IsPositive() {
		return cost
	}
	current := onHand.Decimal().Mul(avg)
	incoming := qty.Decimal().Mul(cost)
	return current.Add(incoming).DivRound(total.Decimal(), 4)
}

// ReserveRequest promises a portion of on-hand stock to outbound demand.
type ReserveRequest struct {
	ProductID   id.ID
	WarehouseID id.ID
	Quantity    types.Quantity

	// CorrelationID is owned by the caller (e.g. an order-line id) and
	// makes reserve and release idempotent under retries
	CorrelationID string

	// ExpiresAt optionally bounds the reservation; expired reservations
	// are released by the background worker
	ExpiresAt *time.Time
}

// Reserve increases the reserved quantity if enough stock is available.
// No journal entry is written: nothing physical moved.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (entity.StockLevel, error) {
	if id.IsNil(req.ProductID) || id.IsNil(req.WarehouseID) {
		return entity.StockLevel{}, apperror.NewValidation("product_id and warehouse_id are required")
	}
	if !req.Quantity.IsPositive() {
		return entity.StockLevel{}, apperror.NewInvalidQuantity("quantity must be positive")
	}
	if req.CorrelationID == "" {
		return entity.StockLevel{}, apperror.NewValidation("correlation_id is required")
	}

	var result entity.StockLevel
	err := s.runInTx(ctx, func(ctx context.Context) error {
		level, err := s.repo.GetLevelForUpdate(ctx, req.ProductID, req.WarehouseID)
		if err != nil {
			return err
		}

		existing, err := s.repo.GetReservationByCorrelation(ctx, req.CorrelationID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Retry of an already-placed reservation.
			result = level
			return nil
		}

		if level.Available() < req.Quantity {
			return apperror.NewInsufficientAvailability(
				req.ProductID.String(), req.WarehouseID.String(),
				req.Quantity.String(), level.Available().String(),
			)
		}

		reservation := entity.NewReservation(
			req.ProductID, req.WarehouseID, req.Quantity,
			req.CorrelationID, security.GetUserID(ctx), req.ExpiresAt,
		)
		if err := s.repo.CreateReservation(ctx, reservation); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}

		level.Reserved += req.Quantity
		level.UpdatedAt = time.Now().UTC()
		if err := s.repo.UpdateLevel(ctx, level); err != nil {
			return fmt.Errorf("update level: %w", err)
		}

		result = level
		return nil
	})
	if err != nil {
		return entity.StockLevel{}, err
	}

	logger.Info(ctx, "stock reserved",
		"product_id", req.ProductID,
		"warehouse_id", req.WarehouseID,
		"quantity", req.Quantity,
		"correlation_id", req.CorrelationID,
	)
	return result, nil
}

// Release returns a reservation's quantity to the available pool.
// Releasing an already-released or unknown correlation id is a no-op,
// so double-release caused by retries is harmless.
func (s *Service) Release(ctx context.Context, correlationID string) (entity.StockLevel, error) {
	if correlationID == "" {
		return entity.StockLevel{}, apperror.NewValidation("correlation_id is required")
	}

	var result entity.StockLevel
	err := s.runInTx(ctx, func(ctx context.Context) error {
		reservation, err := s.repo.GetReservationByCorrelation(ctx, correlationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return apperror.NewNotFound("reservation", correlationID)
		}

		level, err := s.repo.GetLevelForUpdate(ctx, reservation.ProductID, reservation.WarehouseID)
		if err != nil {
			return err
		}

		// Re-read under lock: a concurrent retry that held the lock first
		// may have completed this release already.
		reservation, err = s.repo.GetReservationByCorrelation(ctx, correlationID)
		if err != nil {
			return err
		}
		if reservation == nil || !reservation.IsActive() {
			// Retry of a completed release.
			result = level
			return nil
		}

		return s.releaseLocked(ctx, reservation, &level, entity.ReservationReleased, &result)
	})
	if err != nil {
		return entity.StockLevel{}, err
	}
	return result, nil
}

// releaseLocked finalizes a reservation against an already-locked level.
// Reserved quantity is clamped at zero to survive historical drift.
func (s *Service) releaseLocked(ctx context.Context, reservation *entity.Reservation, level *entity.StockLevel, status entity.ReservationStatus, result *entity.StockLevel) error {
	now := time.Now().UTC()
	reservation.Status = status
	reservation.ReleasedAt = &now
	if err := s.repo.UpdateReservation(ctx, *reservation); err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}

	level.Reserved -= reservation.Quantity
	if level.Reserved.IsNegative() {
		level.Reserved = 0
	}
	level.UpdatedAt = now
	if err := s.repo.UpdateLevel(ctx, *level); err != nil {
		return fmt.Errorf("update level: %w", err)
	}

	eventType := EventReservationReleased
	if status == entity.ReservationExpired {
		eventType = EventReservationExpired
	}
	if err := s.events.Publish(ctx, Event{
		AggregateType: AggregateReservation,
		AggregateID:   reservation.ID,
		Type:          eventType,
		Payload: ReservationPayload{
			ReservationID: reservation.ID,
			ProductID:     reservation.ProductID,
			WarehouseID:   reservation.WarehouseID,
			Quantity:      reservation.Quantity,
			CorrelationID: reservation.CorrelationID,
		},
	}); err != nil {
		return err
	}

	if result != nil {
		*result = *level
	}
	return nil
}

// ExpireReservations releases active reservations whose expiry has passed.
// Called periodically by the background worker. Returns the number swept.
func (s *Service) ExpireReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	expired, err := s.repo.ListExpiredReservations(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	swept := 0
	for i := range expired {
		reservation := expired[i]
		err := s.runInTx(ctx, func(ctx context.Context) error {
			level, err := s.repo.GetLevelForUpdate(ctx, reservation.ProductID, reservation.WarehouseID)
			if err != nil {
				return err
			}

			// Re-check under lock: a caller may have released it since.
			current, err := s.repo.GetReservationByCorrelation(ctx, reservation.CorrelationID)
			if err != nil {
				return err
			}
			if current == nil || !current.IsActive() {
				return nil
			}

			return s.releaseLocked(ctx, current, &level, entity.ReservationExpired, nil)
		})
		if err != nil {
			logger.Warn(ctx, "failed to expire reservation",
				"reservation_id", reservation.ID,
				"error", err,
			)
			continue
		}
		swept++
	}

	return swept, nil
}

// AdjustOnOrder moves the informational on-order quantity by delta,
// clamped at zero. Called by procurement flows on order confirmation and
// cancellation; goods receipt itself only changes on-hand via Apply.
func (s *Service) AdjustOnOrder(ctx context.Context, productID, warehouseID id.ID, delta types.Quantity) (entity.StockLevel, error) {
	if id.IsNil(productID) || id.IsNil(warehouseID) {
		return entity.StockLevel{}, apperror.NewValidation("product_id and warehouse_id are required")
	}
	if delta.IsZero() {
		return entity.StockLevel{}, apperror.NewInvalidQuantity("delta must not be zero")
	}

	var result entity.StockLevel
	err := s.runInTx(ctx, func(ctx context.Context) error {
		level, err := s.repo.GetLevelForUpdate(ctx, productID, warehouseID)
		if err != nil {
			return err
		}

		level.OnOrder += delta
		if level.OnOrder.IsNegative() {
			level.OnOrder = 0
		}
		level.UpdatedAt = time.Now().UTC()

		if err := s.repo.UpdateLevel(ctx, level); err != nil {
			return fmt.Errorf("update level: %w", err)
		}
		result = level
		return nil
	})
	if err != nil {
		return entity.StockLevel{}, err
	}
	return result, nil
}
