package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/domain/catalogs/product"
	"kardex/internal/domain/ledger"
	"kardex/internal/infrastructure/http/v1/dto"
)

// LedgerHandler exposes the stock ledger: movements, transfers,
// reservations, levels and reports.
type LedgerHandler struct {
	*BaseHandler
	service   *ledger.Service
	transfers *ledger.TransferService
	queries   *ledger.Queries
	products  *product.Service
}

// NewLedgerHandler creates the ledger handler.
func NewLedgerHandler(
	base *BaseHandler,
	service *ledger.Service,
	transfers *ledger.TransferService,
	queries *ledger.Queries,
	products *product.Service,
) *LedgerHandler {
	return &LedgerHandler{
		BaseHandler: base,
		service:     service,
		transfers:   transfers,
		queries:     queries,
		products:    products,
	}
}

// ensureStockTracked rejects movements for products the ledger does not track.
func (h *LedgerHandler) ensureStockTracked(c *gin.Context, productID id.ID) bool {
	p, err := h.products.GetByID(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return false
	}
	if !p.StockTracked {
		h.Error(c, apperror.NewValidation("product is not stock tracked").
			WithDetail("productId", productID.String()))
		return false
	}
	return true
}

// ApplyMovement handles POST /ledger/movements.
func (h *LedgerHandler) ApplyMovement(c *gin.Context) {
	var req dto.ApplyMovementRequest
	if !h.BindJSON(c, &req) {
		return
	}

	domainReq, err := req.ToDomain()
	if err != nil {
		h.Error(c, err)
		return
	}

	if !h.ensureStockTracked(c, domainReq.ProductID) {
		return
	}

	movement, err := h.service.Apply(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.CompleteIdempotency(c, http.StatusCreated, "application/json", movement)
	c.JSON(http.StatusCreated, movement)
}

// ListMovements handles GET /ledger/movements.
func (h *LedgerHandler) ListMovements(c *gin.Context) {
	filter := ledger.MovementFilter{
		ReferenceType: c.Query("referenceType"),
		Limit:         h.ParseIntQuery(c, "limit", 50),
		Offset:        h.ParseIntQuery(c, "offset", 0),
	}

	if !h.parseIDQuery(c, "productId", &filter.ProductID) ||
		!h.parseIDQuery(c, "warehouseId", &filter.WarehouseID) {
		return
	}
	if t := c.Query("type"); t != "" {
		movementType := entity.MovementType(t)
		if !movementType.IsValid() {
			h.Error(c, apperror.NewValidation("unknown movement type").WithDetail("type", t))
			return
		}
		filter.Type = &movementType
	}
	if !h.parseTimeQuery(c, "from", &filter.FromDate) ||
		!h.parseTimeQuery(c, "to", &filter.ToDate) {
		return
	}

	movements, err := h.queries.Movements(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": movements})
}

// Transfer handles POST /ledger/transfers.
// Lines are independent: succeeded lines stay committed, failed lines are
// reported per line.
func (h *LedgerHandler) Transfer(c *gin.Context) {
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}

	domainReq, err := req.ToDomain()
	if err != nil {
		h.Error(c, err)
		return
	}

	for _, line := range domainReq.Lines {
		if !h.ensureStockTracked(c, line.ProductID) {
			return
		}
	}

	results, err := h.transfers.TransferLines(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}

	response := dto.FromTransferResults(results)
	h.CompleteIdempotency(c, http.StatusOK, "application/json", response)
	c.JSON(http.StatusOK, response)
}

// GetTransfer handles GET /ledger/transfers/:id.
func (h *LedgerHandler) GetTransfer(c *gin.Context) {
	transferID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid id format"))
		return
	}

	transfer, err := h.queries.TransferByID(c.Request.Context(), transferID)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

// Reserve handles POST /ledger/reservations.
func (h *LedgerHandler) Reserve(c *gin.Context) {
	var req dto.ReserveRequest
	if !h.BindJSON(c, &req) {
		return
	}

	domainReq, err := req.ToDomain()
	if err != nil {
		h.Error(c, err)
		return
	}

	level, err := h.service.Reserve(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.CompleteIdempotency(c, http.StatusCreated, "application/json", level)
	c.JSON(http.StatusCreated, level)
}

// ReleaseReservation handles POST /ledger/reservations/:correlationId/release.
func (h *LedgerHandler) ReleaseReservation(c *gin.Context) {
	correlationID := c.Param("correlationId")

	level, err := h.service.Release(c.Request.Context(), correlationID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, level)
}

// AdjustOnOrder handles POST /ledger/on-order.
func (h *LedgerHandler) AdjustOnOrder(c *gin.Context) {
	var req dto.AdjustOnOrderRequest
	if !h.BindJSON(c, &req) {
		return
	}

	productID, err := id.Parse(req.ProductID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}
	warehouseID, err := id.Parse(req.WarehouseID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid warehouseId format"))
		return
	}

	level, err := h.service.AdjustOnOrder(c.Request.Context(), productID, warehouseID, req.Delta)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, level)
}

// ListLevels handles GET /ledger/levels.
func (h *LedgerHandler) ListLevels(c *gin.Context) {
	filter := ledger.LevelFilter{
		ExcludeZero: c.Query("excludeZero") == "true",
		Limit:       h.ParseIntQuery(c, "limit", 50),
		Offset:      h.ParseIntQuery(c, "offset", 0),
	}

	if !h.parseIDQuery(c, "productId", &filter.ProductID) ||
		!h.parseIDQuery(c, "warehouseId", &filter.WarehouseID) {
		return
	}

	levels, err := h.queries.Levels(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": levels})
}

// GetAvailability handles GET /ledger/availability/:productId.
func (h *LedgerHandler) GetAvailability(c *gin.Context) {
	productID, err := id.Parse(c.Param("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	onHand, err := h.queries.ProductAvailability(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AvailabilityResponse{
		ProductID: productID.String(),
		OnHand:    onHand,
	})
}

// GetBalance handles GET /ledger/balances - journal-replayed balance at a date.
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	var productID, warehouseID *id.ID
	if !h.parseIDQuery(c, "productId", &productID) ||
		!h.parseIDQuery(c, "warehouseId", &warehouseID) {
		return
	}
	if productID == nil || warehouseID == nil {
		h.Error(c, apperror.NewValidation("productId and warehouseId are required"))
		return
	}

	date := time.Now().UTC()
	if d := c.Query("date"); d != "" {
		parsed, err := time.Parse(time.RFC3339, d)
		if err != nil {
			h.Error(c, apperror.NewValidation("invalid date format (RFC3339 expected)"))
			return
		}
		date = parsed
	}

	onHand, err := h.queries.BalanceAtDate(c.Request.Context(), *productID, *warehouseID, date)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.BalanceResponse{
		ProductID:   productID.String(),
		WarehouseID: warehouseID.String(),
		Date:        date,
		OnHand:      onHand,
	})
}

// GetTurnover handles GET /ledger/turnovers.
func (h *LedgerHandler) GetTurnover(c *gin.Context) {
	filter := ledger.TurnoverFilter{}

	if !h.parseIDQuery(c, "productId", &filter.ProductID) ||
		!h.parseIDQuery(c, "warehouseId", &filter.WarehouseID) {
		return
	}

	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		h.Error(c, apperror.NewValidation("from and to are required (RFC3339)"))
		return
	}
	var err error
	if filter.FromDate, err = time.Parse(time.RFC3339, from); err != nil {
		h.Error(c, apperror.NewValidation("invalid from date format (RFC3339 expected)"))
		return
	}
	if filter.ToDate, err = time.Parse(time.RFC3339, to); err != nil {
		h.Error(c, apperror.NewValidation("invalid to date format (RFC3339 expected)"))
		return
	}

	turnover, err := h.queries.Turnover(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, turnover)
}

// Verify handles POST /ledger/verify - journal replay verification.
func (h *LedgerHandler) Verify(c *gin.Context) {
	filter := ledger.LevelFilter{}
	if !h.parseIDQuery(c, "productId", &filter.ProductID) ||
		!h.parseIDQuery(c, "warehouseId", &filter.WarehouseID) {
		return
	}

	mismatches, err := h.queries.VerifyLevels(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.VerifyResponse{
		Consistent: len(mismatches) == 0,
		Mismatches: mismatches,
	})
}

// parseIDQuery parses an optional ID query parameter into dst.
// Returns false after writing an error response on malformed input.
func (h *LedgerHandler) parseIDQuery(c *gin.Context, key string, dst **id.ID) bool {
	val := c.Query(key)
	if val == "" {
		return true
	}
	parsed, err := id.Parse(val)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid "+key+" format"))
		return false
	}
	*dst = &parsed
	return true
}

// parseTimeQuery parses an optional RFC3339 query parameter into dst.
func (h *LedgerHandler) parseTimeQuery(c *gin.Context, key string, dst **time.Time) bool {
	val := c.Query(key)
	if val == "" {
		return true
	}
	parsed, err := time.Parse(time.RFC3339, val)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid "+key+" format (RFC3339 expected)"))
		return false
	}
	*dst = &parsed
	return true
}
