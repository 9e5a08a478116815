package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/types"
)

func TestApply_SignDerivedFromType(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	steps := []struct {
		movementType entity.MovementType
		quantity     types.Quantity
		wantOnHand   types.Quantity
	}{
		{entity.MovementPurchase, qty(100), qty(100)},
		{entity.MovementSale, qty(30), qty(70)},
		{entity.MovementProduction, qty(10), qty(80)},
		{entity.MovementConsumption, qty(5), qty(75)},
		{entity.MovementSalesReturn, qty(3), qty(78)},
		{entity.MovementPurchaseReturn, qty(8), qty(70)},
		{entity.MovementAdjustmentOut, qty(20), qty(50)},
		{entity.MovementAdjustmentIn, qty(0.5), qty(50.5)},
	}

	for i, step := range steps {
		_, err := f.service.Apply(ctx, MovementRequest{
			ProductID:       productID,
			WarehouseID:     warehouseID,
			Type:            step.movementType,
			Quantity:        step.quantity,
			ReferenceType:   "Test",
			ReferenceNumber: "T-" + string(rune('A'+i)),
		})
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, step.movementType, err)
		}

		level, err := f.queries.Level(ctx, productID, warehouseID)
		if err != nil {
			t.Fatalf("get level: %v", err)
		}
		if level.OnHand != step.wantOnHand {
			t.Errorf("step %d (%s): on_hand = %s, want %s", i, step.movementType, level.OnHand, step.wantOnHand)
		}
	}
}

func TestApply_ReplayInvariant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(500), "R-0")

	moves := []struct {
		movementType entity.MovementType
		quantity     types.Quantity
	}{
		{entity.MovementSale, qty(120)},
		{entity.MovementPurchase, qty(40.25)},
		{entity.MovementConsumption, qty(15.75)},
		{entity.MovementSalesReturn, qty(6)},
	}
	for i, m := range moves {
		if _, err := f.service.Apply(ctx, MovementRequest{
			ProductID:       productID,
			WarehouseID:     warehouseID,
			Type:            m.movementType,
			Quantity:        m.quantity,
			ReferenceType:   "Test",
			ReferenceNumber: "R-" + string(rune('1'+i)),
		}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	level, _ := f.queries.Level(ctx, productID, warehouseID)
	sum, err := f.repo.SumMovements(ctx, productID, warehouseID)
	if err != nil {
		t.Fatalf("sum movements: %v", err)
	}
	if level.OnHand != sum {
		t.Errorf("on_hand %s diverged from journal sum %s", level.OnHand, sum)
	}

	mismatches, err := f.queries.VerifyLevels(ctx, LevelFilter{})
	if err != nil {
		t.Fatalf("verify levels: %v", err)
	}
	if len(mismatches) != 0 {
		t.Errorf("expected no mismatches, got %v", mismatches)
	}
}

func TestApply_RejectsInvalidInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	tests := []struct {
		name     string
		req      MovementRequest
		wantCode string
	}{
		{
			name: "zero quantity",
			req: MovementRequest{
				ProductID: productID, WarehouseID: warehouseID,
				Type: entity.MovementPurchase, Quantity: 0,
				ReferenceType: "Test", ReferenceNumber: "Z-1",
			},
			wantCode: apperror.CodeInvalidQuantity,
		},
		{
			name: "negative quantity",
			req: MovementRequest{
				ProductID: productID, WarehouseID: warehouseID,
				Type: entity.MovementPurchase, Quantity: qty(-5),
				ReferenceType: "Test", ReferenceNumber: "Z-2",
			},
			wantCode: apperror.CodeInvalidQuantity,
		},
		{
			name: "unknown type",
			req: MovementRequest{
				ProductID: productID, WarehouseID: warehouseID,
				Type: "teleport", Quantity: qty(1),
				ReferenceType: "Test", ReferenceNumber: "Z-3",
			},
			wantCode: apperror.CodeValidation,
		},
		{
			name: "missing reference",
			req: MovementRequest{
				ProductID: productID, WarehouseID: warehouseID,
				Type: entity.MovementPurchase, Quantity: qty(1),
			},
			wantCode: apperror.CodeValidation,
		},
		{
			name: "nil product",
			req: MovementRequest{
				WarehouseID: warehouseID,
				Type:        entity.MovementPurchase, Quantity: qty(1),
				ReferenceType: "Test", ReferenceNumber: "Z-4",
			},
			wantCode: apperror.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Apply(ctx, tt.req)
			appErr, ok := apperror.AsAppError(err)
			if !ok {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", appErr.Code, tt.wantCode)
			}
		})
	}

	if len(f.repo.movements) != 0 {
		t.Errorf("rejected requests must not write journal entries, found %d", len(f.repo.movements))
	}
}

func TestApply_InsufficientStockLeavesStateUnchanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(10), "IS-0")

	_, err := f.service.Apply(ctx, MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementAdjustmentOut,
		Quantity:        qty(15),
		ReferenceType:   "Test",
		ReferenceNumber: "IS-1",
	})
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}

	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if level.OnHand != qty(10) {
		t.Errorf("on_hand = %s, want 10.0000", level.OnHand)
	}
	if len(f.repo.movements) != 1 {
		t.Errorf("journal grew on rejected movement: %d entries", len(f.repo.movements))
	}
}

func TestApply_IdempotentByReference(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	req := MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementPurchase,
		Quantity:        qty(25),
		ReferenceType:   "PurchaseOrder",
		ReferenceNumber: "PO-1001",
	}

	first, err := f.service.Apply(ctx, req)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := f.service.Apply(ctx, req)
	if err != nil {
		t.Fatalf("retry apply: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("retry returned a different movement: %s vs %s", first.ID, second.ID)
	}
	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if level.OnHand != qty(25) {
		t.Errorf("on_hand = %s, want 25.0000 (double-counted retry)", level.OnHand)
	}

	// Same reference with a different movement type is a distinct operation.
	reqReturn := req
	reqReturn.Type = entity.MovementPurchaseReturn
	reqReturn.Quantity = qty(5)
	if _, err := f.service.Apply(ctx, reqReturn); err != nil {
		t.Fatalf("apply return: %v", err)
	}
	level, _ = f.queries.Level(ctx, productID, warehouseID)
	if level.OnHand != qty(20) {
		t.Errorf("on_hand = %s, want 20.0000", level.OnHand)
	}
}

func TestApply_DuplicateReferenceAcrossKeysReplaysOriginal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID, otherWarehouse := id.New(), id.New(), id.New()

	first, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Type: entity.MovementPurchase, Quantity: qty(25),
		ReferenceType: "PurchaseOrder", ReferenceNumber: "PO-2002",
	})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// A concurrent retry against another warehouse locks a different level
	// row, so its reference check can miss the first insert and run into
	// the journal's unique index instead.
	f.repo.staleReferenceReads = 1
	second, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: otherWarehouse,
		Type: entity.MovementPurchase, Quantity: qty(25),
		ReferenceType: "PurchaseOrder", ReferenceNumber: "PO-2002",
	})
	if err != nil {
		t.Fatalf("duplicate reference must resolve as replay, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned a different movement: %s vs %s", second.ID, first.ID)
	}

	level, _ := f.queries.Level(ctx, productID, otherWarehouse)
	if !level.OnHand.IsZero() {
		t.Errorf("losing key's on_hand = %s, want 0.0000", level.OnHand)
	}
	if len(f.repo.movements) != 1 {
		t.Errorf("journal has %d entries, want 1", len(f.repo.movements))
	}
}

func TestApply_PersistenceFailureRollsBackFully(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(50), "PF-0")

	f.repo.failUpdateLevel = true
	_, err := f.service.Apply(ctx, MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementSale,
		Quantity:        qty(10),
		ReferenceType:   "Test",
		ReferenceNumber: "PF-1",
	})
	if err == nil {
		t.Fatal("expected persistence failure")
	}
	f.repo.failUpdateLevel = false

	// Neither the journal entry nor the level update may survive.
	if len(f.repo.movements) != 1 {
		t.Errorf("journal has %d entries, want 1 (seed only)", len(f.repo.movements))
	}
	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if level.OnHand != qty(50) {
		t.Errorf("on_hand = %s, want 50.0000", level.OnHand)
	}

	// The failed reference is reusable after rollback.
	if _, err := f.service.Apply(ctx, MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementSale,
		Quantity:        qty(10),
		ReferenceType:   "Test",
		ReferenceNumber: "PF-1",
	}); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestApply_MovingAverageCost(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	// 10 units @ 2.00, then 10 units @ 4.00 -> average 3.00
	if _, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Type: entity.MovementPurchase, Quantity: qty(10),
		UnitCost:      types.MustMoney("2.00"),
		ReferenceType: "PurchaseOrder", ReferenceNumber: "PO-C1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Type: entity.MovementPurchase, Quantity: qty(10),
		UnitCost:      types.MustMoney("4.00"),
		ReferenceType: "PurchaseOrder", ReferenceNumber: "PO-C2",
	}); err != nil {
		t.Fatal(err)
	}

	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if !level.AverageCost.Equal(types.MustMoney("3")) {
		t.Errorf("average_cost = %s, want 3", level.AverageCost)
	}

	// Outbound movements do not change the average.
	if _, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Type: entity.MovementSale, Quantity: qty(5),
		ReferenceType: "SalesOrder", ReferenceNumber: "SO-C1",
	}); err != nil {
		t.Fatal(err)
	}
	level, _ = f.queries.Level(ctx, productID, warehouseID)
	if !level.AverageCost.Equal(types.MustMoney("3")) {
		t.Errorf("average_cost after sale = %s, want 3", level.AverageCost)
	}
}

func TestReserve_ThenSellThenRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "RS-0")

	level, err := f.service.Reserve(ctx, ReserveRequest{
		ProductID:     productID,
		WarehouseID:   warehouseID,
		Quantity:      qty(30),
		CorrelationID: "order-line-1",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if level.Reserved != qty(30) || level.Available() != qty(70) {
		t.Errorf("after reserve: reserved=%s available=%s, want 30/70", level.Reserved, level.Available())
	}

	if _, err := f.service.Apply(ctx, MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementSale,
		Quantity:        qty(30),
		ReferenceType:   "SalesOrder",
		ReferenceNumber: "SO-1001",
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	level, _ = f.queries.Level(ctx, productID, warehouseID)
	if level.OnHand != qty(70) || level.Reserved != qty(30) {
		t.Errorf("after sale: on_hand=%s reserved=%s, want 70/30", level.OnHand, level.Reserved)
	}

	level, err = f.service.Release(ctx, "order-line-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if level.Reserved != qty(0) || level.Available() != qty(70) {
		t.Errorf("after release: reserved=%s available=%s, want 0/70", level.Reserved, level.Available())
	}
}

func TestReserve_InsufficientAvailability(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(50), "RA-0")

	if _, err := f.service.Reserve(ctx, ReserveRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Quantity: qty(40), CorrelationID: "line-1",
	}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	// Only 10 available now.
	_, err := f.service.Reserve(ctx, ReserveRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Quantity: qty(20), CorrelationID: "line-2",
	})
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeInsufficientAvailability {
		t.Fatalf("expected INSUFFICIENT_AVAILABILITY, got %v", err)
	}

	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if level.Reserved != qty(40) {
		t.Errorf("reserved = %s, want 40.0000 (failed reserve must not change state)", level.Reserved)
	}
}

func TestReserve_IdempotentByCorrelation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "RI-0")

	req := ReserveRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Quantity: qty(25), CorrelationID: "line-77",
	}
	if _, err := f.service.Reserve(ctx, req); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	level, err := f.service.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("retry reserve: %v", err)
	}
	if level.Reserved != qty(25) {
		t.Errorf("reserved = %s, want 25.0000 (retry double-reserved)", level.Reserved)
	}
}

func TestRelease_IdempotentAndClamped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "RL-0")

	if _, err := f.service.Reserve(ctx, ReserveRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Quantity: qty(30), CorrelationID: "line-9",
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := f.service.Release(ctx, "line-9"); err != nil {
		t.Fatalf("release: %v", err)
	}
	level, err := f.service.Release(ctx, "line-9")
	if err != nil {
		t.Fatalf("double release: %v", err)
	}
	if level.Reserved != qty(0) {
		t.Errorf("reserved = %s, want 0.0000", level.Reserved)
	}

	// Unknown correlation id is a caller error.
	_, err = f.service.Release(ctx, "line-missing")
	if !apperror.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown correlation id, got %v", err)
	}
}

func TestRelease_ConcurrentRetriesKeepOtherReservations(t *testing.T) {
	repo := newRowLockRepo()
	service := NewService(repo, &rowLockTxManager{}, nil)
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	if _, err := service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Type: entity.MovementAdjustmentIn, Quantity: qty(100),
		ReferenceType: "Seed", ReferenceNumber: "CR-0",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, line := range []struct {
		correlation string
		quantity    types.Quantity
	}{
		{"line-a", qty(30)},
		{"line-b", qty(20)},
	} {
		if _, err := service.Reserve(ctx, ReserveRequest{
			ProductID: productID, WarehouseID: warehouseID,
			Quantity: line.quantity, CorrelationID: line.correlation,
		}); err != nil {
			t.Fatalf("reserve %s: %v", line.correlation, err)
		}
	}

	// Hold both retries at the lock boundary until each has read the
	// reservation as active, then let them race for the row lock. The
	// loser must notice the completed release and leave Reserved alone.
	var atLock sync.WaitGroup
	atLock.Add(2)
	repo.beforeLevelLock = func() {
		atLock.Done()
		atLock.Wait()
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = service.Release(ctx, "line-a")
		}(i)
	}
	wg.Wait()

	for n, err := range errs {
		if err != nil {
			t.Fatalf("release %d: %v", n, err)
		}
	}

	level, err := repo.GetLevel(ctx, productID, warehouseID)
	if err != nil {
		t.Fatalf("get level: %v", err)
	}
	if level.Reserved != qty(20) {
		t.Errorf("reserved = %s, want 20.0000 (retried release must not touch other reservations)", level.Reserved)
	}
}

func TestExpireReservations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "EX-0")

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	for _, r := range []struct {
		correlation string
		expires     *time.Time
	}{
		{"expired-1", &past},
		{"alive-1", &future},
		{"open-ended", nil},
	} {
		if _, err := f.service.Reserve(ctx, ReserveRequest{
			ProductID: productID, WarehouseID: warehouseID,
			Quantity: qty(10), CorrelationID: r.correlation, ExpiresAt: r.expires,
		}); err != nil {
			t.Fatalf("reserve %s: %v", r.correlation, err)
		}
	}

	swept, err := f.service.ExpireReservations(ctx, 10)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if level.Reserved != qty(20) {
		t.Errorf("reserved = %s, want 20.0000", level.Reserved)
	}
	if got := f.events.byType(EventReservationExpired); len(got) != 1 {
		t.Errorf("expected 1 expiry event, got %d", len(got))
	}
}

func TestAdjustOnOrder_ClampedAtZero(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	level, err := f.service.AdjustOnOrder(ctx, productID, warehouseID, qty(40))
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if level.OnOrder != qty(40) {
		t.Errorf("on_order = %s, want 40.0000", level.OnOrder)
	}

	level, err = f.service.AdjustOnOrder(ctx, productID, warehouseID, qty(-60))
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if level.OnOrder != qty(0) {
		t.Errorf("on_order = %s, want 0.0000 (clamped)", level.OnOrder)
	}
}

func TestApply_ConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "CC-0")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = f.service.Apply(ctx, MovementRequest{
				ProductID:       productID,
				WarehouseID:     warehouseID,
				Type:            entity.MovementSale,
				Quantity:        qty(60),
				ReferenceType:   "SalesOrder",
				ReferenceNumber: "SO-CC-" + string(rune('1'+n)),
			})
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			appErr, ok := apperror.AsAppError(err)
			if !ok || appErr.Code != apperror.CodeInsufficientStock {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("exactly one concurrent sale must fail, got %d failures", failures)
	}

	level, _ := f.queries.Level(ctx, productID, warehouseID)
	if level.OnHand != qty(40) {
		t.Errorf("on_hand = %s, want 40.0000", level.OnHand)
	}
	if level.OnHand.IsNegative() {
		t.Error("on_hand went negative under concurrency")
	}
}
