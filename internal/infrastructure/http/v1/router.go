// Package v1 provides HTTP API version 1.
package v1

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"kardex/internal/core/entity"
	"kardex/internal/core/id"
	"kardex/internal/core/numerator"
	"kardex/internal/core/tenant"
	"kardex/internal/domain"
	"kardex/internal/domain/catalogs/product"
	"kardex/internal/domain/catalogs/unit"
	"kardex/internal/domain/catalogs/warehouse"
	"kardex/internal/domain/ledger"
	"kardex/internal/infrastructure/http/v1/handlers"
	"kardex/internal/infrastructure/http/v1/middleware"
	"kardex/internal/infrastructure/storage/postgres"
	"kardex/internal/infrastructure/storage/postgres/catalog_repo"
	"kardex/internal/infrastructure/storage/postgres/ledger_repo"
	"kardex/pkg/logger"
)

// RouterConfig holds router configuration for multi-tenant architecture.
type RouterConfig struct {
	// TenantManager manages database connections for all tenants
	TenantManager *tenant.Manager

	// MetaPool is connection to meta-database (for health checks)
	MetaPool *pgxpool.Pool

	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// Numerator for reference number generation
	Numerator numerator.Generator

	// IdempotencyEnabled enables idempotency middleware
	IdempotencyEnabled bool
}

// NewRouter creates and configures the Gin router for multi-tenant architecture.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth, no tenant required)
	healthHandler := handlers.NewHealthHandlerMultiTenant(cfg.MetaPool, cfg.TenantManager)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
		health.GET("/tenants", healthHandler.TenantsStats) // Admin endpoint for tenant stats
	}

	// API v1
	v1 := router.Group("/api/v1")
	{
		// Protected endpoints - TenantDB runs first, then Auth
		protected := v1.Group("")
		protected.Use(middleware.TenantDB(cfg.TenantManager)) // 1. Resolve tenant, get DB pool
		protected.Use(middleware.Auth(cfg.JWTValidator))      // 2. Validate JWT
		protected.Use(middleware.UserContext())               // 3. Add UserID to context for domain layer

		// Apply idempotency middleware for mutating operations
		if cfg.IdempotencyEnabled {
			protected.Use(idempotencyMiddleware(10 * time.Minute))
		}

		products := registerCatalogRoutes(protected, cfg)
		registerLedgerRoutes(protected, cfg, products)
	}

	return router
}

// idempotencyMiddleware creates idempotency middleware that uses tenant pool + TxManager from context.
func idempotencyMiddleware(ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		pool := tenant.MustGetPool(ctx)
		txm := postgres.MustGetTxManager(ctx)
		store := postgres.NewIdempotencyStoreFromRawPool(pool, txm, ttl)
		middleware.Idempotency(store)(c)
	}
}

// registerAuditHooks records create/update/delete mutations of a catalog
// in the audit trail. After-hooks run once the mutation has committed, so
// a failed write never produces a phantom audit entry.
func registerAuditHooks[T entity.Validatable](
	hooks *domain.HookRegistry[T],
	auditSvc *postgres.AuditService,
	entityType string,
	describe func(T) (id.ID, map[string]any),
) {
	log := func(action postgres.AuditAction) domain.Hook[T] {
		return func(ctx context.Context, e T) error {
			entityID, changes := describe(e)
			return auditSvc.LogChange(ctx, entityType, entityID, action, changes)
		}
	}
	hooks.OnAfterCreate(log(postgres.AuditActionCreate))
	hooks.OnAfterUpdate(log(postgres.AuditActionUpdate))
	hooks.OnAfterDelete(log(postgres.AuditActionDelete))
}

// registerCatalogRoutes registers catalog endpoints. It returns the product
// service so ledger routes can reuse it for stock-tracking checks.
func registerCatalogRoutes(rg *gin.RouterGroup, cfg RouterConfig) *product.Service {
	catalogs := rg.Group("/catalog")
	baseHandler := handlers.NewBaseHandler()

	// Repos and services are created once; TxManager is obtained from
	// context per-request. The nil argument makes the audit service do
	// the same.
	auditSvc, err := postgres.NewAuditService(nil)
	if err != nil {
		panic(err)
	}

	// --- PRODUCTS ---
	productRepo := catalog_repo.NewProductRepo()
	productService := product.NewService(productRepo, cfg.Numerator)
	{
		registerAuditHooks(productService.Hooks(), auditSvc, "product",
			func(p *product.Product) (id.ID, map[string]any) {
				return p.ID, map[string]any{"code": p.Code, "name": p.Name, "sku": p.SKU}
			})
		handler := handlers.NewProductHandler(baseHandler, productService)
		group := catalogs.Group("/products")
		group.GET("/low-stock", handler.LowStock)
		RegisterCatalogRoutes(group, handler)
	}

	// --- WAREHOUSES ---
	{
		repo := catalog_repo.NewWarehouseRepo()
		service := warehouse.NewService(repo, cfg.Numerator)
		registerAuditHooks(service.Hooks(), auditSvc, "warehouse",
			func(w *warehouse.Warehouse) (id.ID, map[string]any) {
				return w.ID, map[string]any{"code": w.Code, "name": w.Name, "type": w.Type}
			})
		handler := handlers.NewWarehouseHandler(baseHandler, service)
		RegisterCatalogRoutes(catalogs.Group("/warehouses"), handler)
	}

	// --- UNITS ---
	{
		repo := catalog_repo.NewUnitRepo()
		service := unit.NewService(repo, cfg.Numerator)
		registerAuditHooks(service.Hooks(), auditSvc, "unit",
			func(u *unit.Unit) (id.ID, map[string]any) {
				return u.ID, map[string]any{"code": u.Code, "name": u.Name}
			})
		handler := handlers.NewUnitHandler(baseHandler, service)
		RegisterCatalogRoutes(catalogs.Group("/units"), handler)
	}

	return productService
}

// registerLedgerRoutes registers the stock ledger endpoints.
func registerLedgerRoutes(rg *gin.RouterGroup, cfg RouterConfig, products *product.Service) {
	baseHandler := handlers.NewBaseHandler()

	repo := ledger_repo.NewLedgerRepo()
	events := postgres.NewLedgerEventPublisher(postgres.NewOutboxPublisher(nil))

	service := ledger.NewService(repo, nil, events)
	transfers := ledger.NewTransferService(service, cfg.Numerator)
	queries := ledger.NewQueries(repo)

	handler := handlers.NewLedgerHandler(baseHandler, service, transfers, queries, products)

	ledgerGroup := rg.Group("/ledger")
	{
		ledgerGroup.POST("/movements", handler.ApplyMovement)
		ledgerGroup.GET("/movements", handler.ListMovements)

		ledgerGroup.POST("/transfers", handler.Transfer)
		ledgerGroup.GET("/transfers/:id", handler.GetTransfer)

		ledgerGroup.POST("/reservations", handler.Reserve)
		ledgerGroup.POST("/reservations/:correlationId/release", handler.ReleaseReservation)

		ledgerGroup.POST("/on-order", handler.AdjustOnOrder)

		ledgerGroup.GET("/levels", handler.ListLevels)
		ledgerGroup.GET("/availability/:productId", handler.GetAvailability)
		ledgerGroup.GET("/balances", handler.GetBalance)
		ledgerGroup.GET("/turnovers", handler.GetTurnover)
		ledgerGroup.POST("/verify", handler.Verify)
	}
}
