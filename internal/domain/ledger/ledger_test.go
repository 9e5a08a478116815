package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/numerator"
	"kardex/internal/core/types"
)

// Test fixture: an in-memory repository with snapshot-based transactions.
// The tx manager serializes transactions with a mutex, which is the
// in-process equivalent of the row lock held by GetLevelForUpdate.

type levelKey struct {
	productID   id.ID
	warehouseID id.ID
}

type memoryRepo struct {
	levels       map[levelKey]entity.StockLevel
	movements    []entity.StockMovement
	reservations map[string]entity.Reservation

	// snapshot for rollback
	savedLevels       map[levelKey]entity.StockLevel
	savedMovements    []entity.StockMovement
	savedReservations map[string]entity.Reservation

	// fault injection
	failUpdateLevel    bool
	failCreateMovement bool

	// staleReferenceReads makes the next N reference lookups miss, the way
	// a statement snapshot misses a concurrent not-yet-visible insert
	staleReferenceReads int

	// records the order GetLevelForUpdate was called in (lock ordering tests)
	lockOrder []levelKey
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		levels:       make(map[levelKey]entity.StockLevel),
		reservations: make(map[string]entity.Reservation),
	}
}

func (r *memoryRepo) begin() {
	r.savedLevels = make(map[levelKey]entity.StockLevel, len(r.levels))
	for k, v := range r.levels {
		r.savedLevels[k] = v
	}
	r.savedMovements = append([]entity.StockMovement(nil), r.movements...)
	r.savedReservations = make(map[string]entity.Reservation, len(r.reservations))
	for k, v := range r.reservations {
		r.savedReservations[k] = v
	}
}

func (r *memoryRepo) rollback() {
	r.levels = r.savedLevels
	r.movements = r.savedMovements
	r.reservations = r.savedReservations
}

func (r *memoryRepo) GetLevel(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	if level, ok := r.levels[levelKey{productID, warehouseID}]; ok {
		return level, nil
	}
	return entity.NewStockLevel(productID, warehouseID), nil
}

func (r *memoryRepo) GetLevelForUpdate(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	key := levelKey{productID, warehouseID}
	r.lockOrder = append(r.lockOrder, key)
	if level, ok := r.levels[key]; ok {
		return level, nil
	}
	level := entity.NewStockLevel(productID, warehouseID)
	r.levels[key] = level
	return level, nil
}

func (r *memoryRepo) UpdateLevel(ctx context.Context, level entity.StockLevel) error {
	if r.failUpdateLevel {
		return errors.New("injected level write failure")
	}
	r.levels[levelKey{level.ProductID, level.WarehouseID}] = level
	return nil
}

func (r *memoryRepo) ListLevels(ctx context.Context, filter LevelFilter) ([]entity.StockLevel, error) {
	var out []entity.StockLevel
	for _, level := range r.levels {
		if filter.ProductID != nil && level.ProductID != *filter.ProductID {
			continue
		}
		if filter.WarehouseID != nil && level.WarehouseID != *filter.WarehouseID {
			continue
		}
		if filter.ExcludeZero && level.OnHand.IsZero() {
			continue
		}
		out = append(out, level)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID.String() < out[j].ProductID.String()
	})
	return out, nil
}

func (r *memoryRepo) CreateMovement(ctx context.Context, m entity.StockMovement) error {
	if r.failCreateMovement {
		return errors.New("injected journal write failure")
	}
	// Same unique index as the journal table.
	for i := range r.movements {
		existing := r.movements[i]
		if existing.ReferenceType == m.ReferenceType && existing.ReferenceNumber == m.ReferenceNumber && existing.Type == m.Type {
			return apperror.NewDuplicate("movement", "reference", m.ReferenceNumber)
		}
	}
	r.movements = append(r.movements, m)
	return nil
}

func (r *memoryRepo) CreateMovements(ctx context.Context, movements []entity.StockMovement) error {
	for _, m := range movements {
		if err := r.CreateMovement(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryRepo) GetMovementByReference(ctx context.Context, referenceType, referenceNumber string, movementType entity.MovementType) (*entity.StockMovement, error) {
	if r.staleReferenceReads > 0 {
		r.staleReferenceReads--
		return nil, nil
	}
	for i := range r.movements {
		m := r.movements[i]
		if m.ReferenceType == referenceType && m.ReferenceNumber == referenceNumber && m.Type == movementType {
			return &m, nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) GetMovementsByTransfer(ctx context.Context, transferID id.ID) ([]entity.StockMovement, error) {
	var out []entity.StockMovement
	for _, m := range r.movements {
		if m.TransferID != nil && *m.TransferID == transferID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]entity.StockMovement, error) {
	var out []entity.StockMovement
	for _, m := range r.movements {
		if filter.ProductID != nil && m.ProductID != *filter.ProductID {
			continue
		}
		if filter.WarehouseID != nil && m.WarehouseID != *filter.WarehouseID {
			continue
		}
		if filter.Type != nil && m.Type != *filter.Type {
			continue
		}
		if filter.ReferenceType != "" && m.ReferenceType != filter.ReferenceType {
			continue
		}
		if filter.FromDate != nil && m.MovementDate.Before(*filter.FromDate) {
			continue
		}
		if filter.ToDate != nil && m.MovementDate.After(*filter.ToDate) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *memoryRepo) CreateReservation(ctx context.Context, res entity.Reservation) error {
	r.reservations[res.CorrelationID] = res
	return nil
}

func (r *memoryRepo) GetReservationByCorrelation(ctx context.Context, correlationID string) (*entity.Reservation, error) {
	if res, ok := r.reservations[correlationID]; ok {
		return &res, nil
	}
	return nil, nil
}

func (r *memoryRepo) UpdateReservation(ctx context.Context, res entity.Reservation) error {
	r.reservations[res.CorrelationID] = res
	return nil
}

func (r *memoryRepo) ListExpiredReservations(ctx context.Context, asOf time.Time, limit int) ([]entity.Reservation, error) {
	var out []entity.Reservation
	for _, res := range r.reservations {
		if res.IsActive() && res.ExpiresAt != nil && res.ExpiresAt.Before(asOf) {
			out = append(out, res)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) SumMovements(ctx context.Context, productID, warehouseID id.ID) (types.Quantity, error) {
	var sum types.Quantity
	for i := range r.movements {
		m := r.movements[i]
		if m.ProductID == productID && m.WarehouseID == warehouseID {
			sum += m.SignedQuantity()
		}
	}
	return sum, nil
}

func (r *memoryRepo) VerifyLevels(ctx context.Context, filter LevelFilter) ([]LevelMismatch, error) {
	levels, err := r.ListLevels(ctx, filter)
	if err != nil {
		return nil, err
	}
	var mismatches []LevelMismatch
	for _, level := range levels {
		sum, err := r.SumMovements(ctx, level.ProductID, level.WarehouseID)
		if err != nil {
			return nil, err
		}
		if sum != level.OnHand {
			mismatches = append(mismatches, LevelMismatch{
				ProductID:   level.ProductID,
				WarehouseID: level.WarehouseID,
				OnHand:      level.OnHand,
				JournalSum:  sum,
			})
		}
	}
	return mismatches, nil
}

func (r *memoryRepo) GetBalanceAtDate(ctx context.Context, productID, warehouseID id.ID, date time.Time) (types.Quantity, error) {
	var sum types.Quantity
	for i := range r.movements {
		m := r.movements[i]
		if m.ProductID == productID && m.WarehouseID == warehouseID && !m.MovementDate.After(date) {
			sum += m.SignedQuantity()
		}
	}
	return sum, nil
}

func (r *memoryRepo) GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error) {
	t := Turnover{ProductID: filter.ProductID, WarehouseID: filter.WarehouseID}
	for i := range r.movements {
		m := r.movements[i]
		if filter.ProductID != nil && m.ProductID != *filter.ProductID {
			continue
		}
		if filter.WarehouseID != nil && m.WarehouseID != *filter.WarehouseID {
			continue
		}
		switch {
		case m.MovementDate.Before(filter.FromDate):
			t.OpeningBalance += m.SignedQuantity()
		case !m.MovementDate.After(filter.ToDate):
			if d, _ := m.Type.Direction(); d == entity.DirectionIn {
				t.Inbound += m.Quantity
			} else {
				t.Outbound += m.Quantity
			}
		}
	}
	t.ClosingBalance = t.OpeningBalance + t.Inbound - t.Outbound
	return t, nil
}

func (r *memoryRepo) GetProductOnHand(ctx context.Context, productID id.ID) (types.Quantity, error) {
	var sum types.Quantity
	for key, level := range r.levels {
		if key.productID == productID {
			sum += level.OnHand
		}
	}
	return sum, nil
}

var _ Repository = (*memoryRepo)(nil)

// serialTxManager emulates the database's per-key serialization with one
// process-wide mutex: transactions run one at a time and roll the
// repository back to its entry snapshot on error.
type serialTxManager struct {
	mu   sync.Mutex
	repo *memoryRepo
}

func (m *serialTxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.repo.begin()
	if err := fn(ctx); err != nil {
		m.repo.rollback()
		return err
	}
	return nil
}

// rowLockRepo wraps memoryRepo for concurrency tests that need the real
// lock boundary: plain reads never block, while GetLevelForUpdate takes a
// per-key lock that rowLockTxManager holds until the transaction ends.
// Only the methods these tests call concurrently are guarded.
type rowLockRepo struct {
	*memoryRepo
	mu  sync.Mutex // guards memoryRepo state
	row map[levelKey]*sync.Mutex

	// beforeLevelLock, when set, runs before the row lock is taken
	beforeLevelLock func()
}

func newRowLockRepo() *rowLockRepo {
	return &rowLockRepo{
		memoryRepo: newMemoryRepo(),
		row:        make(map[levelKey]*sync.Mutex),
	}
}

func (r *rowLockRepo) rowLock(key levelKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.row[key]
	if !ok {
		lock = &sync.Mutex{}
		r.row[key] = lock
	}
	return lock
}

type heldLocks struct {
	locks []*sync.Mutex
}

type heldLocksKey struct{}

func (r *rowLockRepo) GetLevelForUpdate(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	if r.beforeLevelLock != nil {
		r.beforeLevelLock()
	}
	lock := r.rowLock(levelKey{productID, warehouseID})
	lock.Lock()
	if held, ok := ctx.Value(heldLocksKey{}).(*heldLocks); ok {
		held.locks = append(held.locks, lock)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.GetLevelForUpdate(ctx, productID, warehouseID)
}

func (r *rowLockRepo) GetLevel(ctx context.Context, productID, warehouseID id.ID) (entity.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.GetLevel(ctx, productID, warehouseID)
}

func (r *rowLockRepo) UpdateLevel(ctx context.Context, level entity.StockLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.UpdateLevel(ctx, level)
}

func (r *rowLockRepo) CreateMovement(ctx context.Context, m entity.StockMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.CreateMovement(ctx, m)
}

func (r *rowLockRepo) GetMovementByReference(ctx context.Context, referenceType, referenceNumber string, movementType entity.MovementType) (*entity.StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.GetMovementByReference(ctx, referenceType, referenceNumber, movementType)
}

func (r *rowLockRepo) CreateReservation(ctx context.Context, res entity.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.CreateReservation(ctx, res)
}

func (r *rowLockRepo) GetReservationByCorrelation(ctx context.Context, correlationID string) (*entity.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.GetReservationByCorrelation(ctx, correlationID)
}

func (r *rowLockRepo) UpdateReservation(ctx context.Context, res entity.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memoryRepo.UpdateReservation(ctx, res)
}

// rowLockTxManager runs transactions concurrently: nothing blocks until
// rowLockRepo.GetLevelForUpdate takes its per-key lock, which stays held
// until the transaction ends. No rollback; tests using it stay on paths
// that commit.
type rowLockTxManager struct{}

func (m *rowLockTxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	held := &heldLocks{}
	err := fn(context.WithValue(ctx, heldLocksKey{}, held))
	for i := len(held.locks) - 1; i >= 0; i-- {
		held.locks[i].Unlock()
	}
	return err
}

// capturePublisher records events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) byType(eventType string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	repo     *memoryRepo
	service  *Service
	transfer *TransferService
	queries  *Queries
	events   *capturePublisher
}

func newFixture() *fixture {
	repo := newMemoryRepo()
	events := &capturePublisher{}
	service := NewService(repo, &serialTxManager{repo: repo}, events)

	seq := int64(0)
	numbers := &numerator.MockGenerator{
		GetNextNumberFunc: func(ctx context.Context, cfg numerator.Config, opts *numerator.Options, period time.Time) (string, error) {
			seq++
			return fmtTransferNumber(cfg.Prefix, period, seq), nil
		},
	}

	return &fixture{
		repo:     repo,
		service:  service,
		transfer: NewTransferService(service, numbers),
		queries:  NewQueries(repo),
		events:   events,
	}
}

func fmtTransferNumber(prefix string, period time.Time, seq int64) string {
	return prefix + "-" + period.Format("2006") + "-" + padNumber(seq)
}

func padNumber(n int64) string {
	s := ""
	for v := n; v > 0; v /= 10 {
		s = string(rune('0'+v%10)) + s
	}
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}

// qty builds a fixed-point quantity from a float for test readability.
func qty(f float64) types.Quantity {
	return types.NewQuantityFromFloat64(f)
}

// seed applies an initial adjustment so a key starts at the given on-hand.
func (f *fixture) seed(ctx context.Context, productID, warehouseID id.ID, onHand types.Quantity, ref string) {
	_, err := f.service.Apply(ctx, MovementRequest{
		ProductID:       productID,
		WarehouseID:     warehouseID,
		Type:            entity.MovementAdjustmentIn,
		Quantity:        onHand,
		ReferenceType:   "Seed",
		ReferenceNumber: ref,
	})
	if err != nil {
		panic(err)
	}
}
