package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kardex/internal/core/entity"
	"kardex/internal/core/id"
)

func TestQueries_MovementFilters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()
	otherWarehouse := id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "QF-0")
	f.seed(ctx, productID, otherWarehouse, qty(50), "QF-1")

	_, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: warehouseID,
		Type: entity.MovementSale, Quantity: qty(10),
		ReferenceType: "SalesOrder", ReferenceNumber: "SO-QF-1",
	})
	require.NoError(t, err)

	all, err := f.queries.Movements(ctx, MovementFilter{ProductID: &productID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byWarehouse, err := f.queries.Movements(ctx, MovementFilter{WarehouseID: &warehouseID})
	require.NoError(t, err)
	assert.Len(t, byWarehouse, 2)

	saleType := entity.MovementSale
	sales, err := f.queries.Movements(ctx, MovementFilter{Type: &saleType})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "SO-QF-1", sales[0].ReferenceNumber)

	byRef, err := f.queries.Movements(ctx, MovementFilter{ReferenceType: "SalesOrder"})
	require.NoError(t, err)
	assert.Len(t, byRef, 1)
}

func TestQueries_BalanceAtDate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	apply := func(movementType entity.MovementType, quantity float64, date time.Time, ref string) {
		t.Helper()
		_, err := f.service.Apply(ctx, MovementRequest{
			ProductID: productID, WarehouseID: warehouseID,
			Type: movementType, Quantity: qty(quantity),
			ReferenceType: "Test", ReferenceNumber: ref,
			MovementDate: date,
		})
		require.NoError(t, err)
	}

	apply(entity.MovementPurchase, 100, jan, "BA-1")
	apply(entity.MovementSale, 30, feb, "BA-2")
	apply(entity.MovementPurchase, 50, mar, "BA-3")

	endOfJan := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
	balance, err := f.queries.BalanceAtDate(ctx, productID, warehouseID, endOfJan)
	require.NoError(t, err)
	assert.Equal(t, qty(100), balance)

	endOfFeb := time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)
	balance, err = f.queries.BalanceAtDate(ctx, productID, warehouseID, endOfFeb)
	require.NoError(t, err)
	assert.Equal(t, qty(70), balance)

	balance, err = f.queries.BalanceAtDate(ctx, productID, warehouseID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, qty(120), balance)
}

func TestQueries_Turnover(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	dec := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	jan5 := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	jan20 := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)

	apply := func(movementType entity.MovementType, quantity float64, date time.Time, ref string) {
		t.Helper()
		_, err := f.service.Apply(ctx, MovementRequest{
			ProductID: productID, WarehouseID: warehouseID,
			Type: movementType, Quantity: qty(quantity),
			ReferenceType: "Test", ReferenceNumber: ref,
			MovementDate: date,
		})
		require.NoError(t, err)
	}

	apply(entity.MovementPurchase, 200, dec, "TO-1")
	apply(entity.MovementPurchase, 80, jan5, "TO-2")
	apply(entity.MovementSale, 50, jan20, "TO-3")

	report, err := f.queries.Turnover(ctx, TurnoverFilter{
		ProductID:   &productID,
		WarehouseID: &warehouseID,
		FromDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:      time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, qty(200), report.OpeningBalance)
	assert.Equal(t, qty(80), report.Inbound)
	assert.Equal(t, qty(50), report.Outbound)
	assert.Equal(t, qty(230), report.ClosingBalance)
}

func TestQueries_VerifyLevelsDetectsDrift(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseID := id.New(), id.New()

	f.seed(ctx, productID, warehouseID, qty(100), "VD-0")

	mismatches, err := f.queries.VerifyLevels(ctx, LevelFilter{})
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Corrupt the materialized level behind the journal's back.
	key := levelKey{productID, warehouseID}
	level := f.repo.levels[key]
	level.OnHand = qty(90)
	f.repo.levels[key] = level

	mismatches, err = f.queries.VerifyLevels(ctx, LevelFilter{})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, qty(90), mismatches[0].OnHand)
	assert.Equal(t, qty(100), mismatches[0].JournalSum)
}

func TestQueries_TransferByID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, source, destination := id.New(), id.New(), id.New()

	f.seed(ctx, productID, source, qty(40), "TQ-0")

	transfer, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID: productID, SourceID: source, DestinationID: destination,
		Quantity: qty(15), ReferenceType: "TransferOrder", ReferenceNumber: "TO-Q1",
	})
	require.NoError(t, err)

	view, err := f.queries.TransferByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.Outbound.ID, view.Outbound.ID)
	assert.Equal(t, transfer.Inbound.ID, view.Inbound.ID)
	assert.Equal(t, qty(15), view.Outbound.Quantity)
}

func TestQueries_LevelForUnknownKeyIsZeroed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	level, err := f.queries.Level(ctx, id.New(), id.New())
	require.NoError(t, err)
	assert.True(t, level.OnHand.IsZero())
	assert.True(t, level.Reserved.IsZero())
	assert.True(t, level.Available().IsZero())
}
