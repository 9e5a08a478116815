package ledger

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/types"
)

func TestTransfer_MovesStockAtomically(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, source, destination := id.New(), id.New(), id.New()

	f.seed(ctx, productID, source, qty(50), "TR-0")
	f.seed(ctx, productID, destination, qty(5), "TR-1")

	transfer, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID:       productID,
		SourceID:        source,
		DestinationID:   destination,
		Quantity:        qty(20),
		ReferenceType:   "TransferOrder",
		ReferenceNumber: "TO-1001",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	sourceLevel, _ := f.queries.Level(ctx, productID, source)
	destLevel, _ := f.queries.Level(ctx, productID, destination)
	if sourceLevel.OnHand != qty(30) {
		t.Errorf("source on_hand = %s, want 30.0000", sourceLevel.OnHand)
	}
	if destLevel.OnHand != qty(25) {
		t.Errorf("destination on_hand = %s, want 25.0000", destLevel.OnHand)
	}

	// Conservation: total on-hand for the product is unchanged.
	total, _ := f.queries.ProductAvailability(ctx, productID)
	if total != qty(55) {
		t.Errorf("total on_hand = %s, want 55.0000", total)
	}

	// Both legs share one transfer id.
	if transfer.Outbound.TransferID == nil || transfer.Inbound.TransferID == nil {
		t.Fatal("legs missing transfer id")
	}
	if *transfer.Outbound.TransferID != transfer.ID || *transfer.Inbound.TransferID != transfer.ID {
		t.Error("legs do not share the transfer id")
	}
	if transfer.Outbound.Type != entity.MovementTransferOut || transfer.Inbound.Type != entity.MovementTransferIn {
		t.Errorf("leg types = %s/%s", transfer.Outbound.Type, transfer.Inbound.Type)
	}
	if !strings.HasPrefix(transfer.Number, "TRN-") {
		t.Errorf("transfer number = %q, want TRN- prefix", transfer.Number)
	}
}

func TestTransfer_InsufficientSourceWritesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, source, destination := id.New(), id.New(), id.New()

	f.seed(ctx, productID, source, qty(10), "TF-0")

	journalBefore := len(f.repo.movements)
	_, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID:       productID,
		SourceID:        source,
		DestinationID:   destination,
		Quantity:        qty(25),
		ReferenceType:   "TransferOrder",
		ReferenceNumber: "TO-2001",
	})
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}

	sourceLevel, _ := f.queries.Level(ctx, productID, source)
	destLevel, _ := f.queries.Level(ctx, productID, destination)
	if sourceLevel.OnHand != qty(10) || !destLevel.OnHand.IsZero() {
		t.Errorf("levels changed on failed transfer: source=%s dest=%s", sourceLevel.OnHand, destLevel.OnHand)
	}
	if len(f.repo.movements) != journalBefore {
		t.Error("journal grew on failed transfer")
	}
}

func TestTransfer_RejectsSameWarehouse(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	warehouseID := id.New()

	_, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID:       id.New(),
		SourceID:        warehouseID,
		DestinationID:   warehouseID,
		Quantity:        qty(1),
		ReferenceType:   "TransferOrder",
		ReferenceNumber: "TO-3001",
	})
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeInvalidTransfer {
		t.Fatalf("expected INVALID_TRANSFER, got %v", err)
	}
}

func TestTransfer_IdempotentByReference(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, source, destination := id.New(), id.New(), id.New()

	f.seed(ctx, productID, source, qty(100), "TI-0")

	req := TransferRequest{
		ProductID:       productID,
		SourceID:        source,
		DestinationID:   destination,
		Quantity:        qty(40),
		ReferenceType:   "TransferOrder",
		ReferenceNumber: "TO-4001",
	}
	first, err := f.transfer.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	second, err := f.transfer.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("retry transfer: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("retry returned a different transfer: %s vs %s", first.ID, second.ID)
	}
	sourceLevel, _ := f.queries.Level(ctx, productID, source)
	if sourceLevel.OnHand != qty(60) {
		t.Errorf("source on_hand = %s, want 60.0000 (retry double-moved)", sourceLevel.OnHand)
	}
}

func TestTransfer_CanonicalLockOrdering(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseA, warehouseB := id.New(), id.New(), id.New()

	f.seed(ctx, productID, warehouseA, qty(100), "LO-0")
	f.seed(ctx, productID, warehouseB, qty(100), "LO-1")

	f.repo.lockOrder = nil

	// Two transfers in opposite directions between the same warehouses.
	if _, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID: productID, SourceID: warehouseA, DestinationID: warehouseB,
		Quantity: qty(10), ReferenceType: "TransferOrder", ReferenceNumber: "TO-5001",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID: productID, SourceID: warehouseB, DestinationID: warehouseA,
		Quantity: qty(10), ReferenceType: "TransferOrder", ReferenceNumber: "TO-5002",
	}); err != nil {
		t.Fatal(err)
	}

	if len(f.repo.lockOrder) != 4 {
		t.Fatalf("expected 4 lock acquisitions, got %d", len(f.repo.lockOrder))
	}
	firstPair := f.repo.lockOrder[:2]
	secondPair := f.repo.lockOrder[2:]
	for i := range firstPair {
		if firstPair[i] != secondPair[i] {
			t.Errorf("lock order differs between directions at %d: %v vs %v", i, firstPair[i], secondPair[i])
		}
	}
	a, b := firstPair[0].warehouseID, firstPair[1].warehouseID
	if bytes.Compare(a[:], b[:]) > 0 {
		t.Error("locks not acquired in canonical key order")
	}
}

func TestTransfer_CarriesAverageCost(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, source, destination := id.New(), id.New(), id.New()

	if _, err := f.service.Apply(ctx, MovementRequest{
		ProductID: productID, WarehouseID: source,
		Type: entity.MovementPurchase, Quantity: qty(10),
		UnitCost:      types.MustMoney("5.00"),
		ReferenceType: "PurchaseOrder", ReferenceNumber: "PO-TC-1",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.transfer.Transfer(ctx, TransferRequest{
		ProductID: productID, SourceID: source, DestinationID: destination,
		Quantity: qty(4), ReferenceType: "TransferOrder", ReferenceNumber: "TO-6001",
	}); err != nil {
		t.Fatal(err)
	}

	destLevel, _ := f.queries.Level(ctx, productID, destination)
	if !destLevel.AverageCost.Equal(types.MustMoney("5.00")) {
		t.Errorf("destination average_cost = %s, want 5.00", destLevel.AverageCost)
	}
}

func TestTransferLines_PartialFailureIsReportedPerLine(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productA, productB, productC := id.New(), id.New(), id.New()
	source, destination := id.New(), id.New()

	f.seed(ctx, productA, source, qty(50), "TL-0")
	// productB deliberately unstocked
	f.seed(ctx, productC, source, qty(30), "TL-1")

	results, err := f.transfer.TransferLines(ctx, TransferLinesRequest{
		SourceID:        source,
		DestinationID:   destination,
		ReferenceType:   "TransferOrder",
		ReferenceNumber: "TO-7001",
		Lines: []TransferLine{
			{ProductID: productA, Quantity: qty(20)},
			{ProductID: productB, Quantity: qty(10)},
			{ProductID: productC, Quantity: qty(15)},
		},
	})
	if err != nil {
		t.Fatalf("transfer lines: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if results[0].Err != nil {
		t.Errorf("line 1 failed: %v", results[0].Err)
	}
	appErr, ok := apperror.AsAppError(results[1].Err)
	if !ok || appErr.Code != apperror.CodeInsufficientStock {
		t.Errorf("line 2: expected INSUFFICIENT_STOCK, got %v", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("line 3 failed: %v", results[2].Err)
	}

	// Successful lines stay applied; the failed line wrote nothing.
	levelA, _ := f.queries.Level(ctx, productA, destination)
	levelB, _ := f.queries.Level(ctx, productB, destination)
	levelC, _ := f.queries.Level(ctx, productC, destination)
	if levelA.OnHand != qty(20) || !levelB.OnHand.IsZero() || levelC.OnHand != qty(15) {
		t.Errorf("destination levels = %s/%s/%s, want 20/0/15", levelA.OnHand, levelB.OnHand, levelC.OnHand)
	}
}

func TestTransfer_ConcurrentOppositeDirections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	productID, warehouseA, warehouseB := id.New(), id.New(), id.New()

	f.seed(ctx, productID, warehouseA, qty(100), "CO-0")
	f.seed(ctx, productID, warehouseB, qty(100), "CO-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	directions := []TransferRequest{
		{ProductID: productID, SourceID: warehouseA, DestinationID: warehouseB, Quantity: qty(30), ReferenceType: "TransferOrder", ReferenceNumber: "TO-8001"},
		{ProductID: productID, SourceID: warehouseB, DestinationID: warehouseA, Quantity: qty(10), ReferenceType: "TransferOrder", ReferenceNumber: "TO-8002"},
	}
	for i, req := range directions {
		wg.Add(1)
		go func(n int, req TransferRequest) {
			defer wg.Done()
			_, errs[n] = f.transfer.Transfer(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}

	levelA, _ := f.queries.Level(ctx, productID, warehouseA)
	levelB, _ := f.queries.Level(ctx, productID, warehouseB)
	if levelA.OnHand != qty(80) || levelB.OnHand != qty(120) {
		t.Errorf("levels = %s/%s, want 80/120", levelA.OnHand, levelB.OnHand)
	}
	total, _ := f.queries.ProductAvailability(ctx, productID)
	if total != qty(200) {
		t.Errorf("total = %s, want 200.0000 (conservation)", total)
	}
}
