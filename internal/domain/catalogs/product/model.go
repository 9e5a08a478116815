// Package product provides the Product catalog.
// Products are the items whose stock the ledger tracks.
package product

import (
	"context"

	"github.com/shopspring/decimal"

	"kardex/internal/core/apperror"
	"kardex/internal/core/entity"
)

// ProductType defines the type of item.
type ProductType string

const (
	TypeGoods    ProductType = "goods"
	TypeMaterial ProductType = "material"
	TypeProduct  ProductType = "product"
	TypeService  ProductType = "service"
)

// Product represents an item that can be stored, moved and reserved.
type Product struct {
	entity.Catalog

	// Type defines item category
	Type ProductType `db:"type" json:"type"`

	// SKU is the item article/SKU
	SKU *string `db:"sku" json:"sku,omitempty"`

	// Barcode is the item barcode (EAN-13, etc.)
	Barcode *string `db:"barcode" json:"barcode,omitempty"`

	// UnitID is the reference to base unit of measure
	UnitID *string `db:"unit_id" json:"unitId,omitempty"`

	// StockTracked indicates whether the ledger maintains stock levels
	// for this item. Services are not tracked.
	StockTracked bool `db:"stock_tracked" json:"stockTracked"`

	// MinStock is the low-stock threshold in base units
	MinStock decimal.Decimal `db:"min_stock" json:"minStock"`

	// Weight in kg (for logistics)
	Weight decimal.Decimal `db:"weight" json:"weight"`

	// Description is a detailed description
	Description *string `db:"description" json:"description,omitempty"`
}

// NewProduct creates a new Product with required fields.
func NewProduct(code, name string, itemType ProductType) *Product {
	return &Product{
		Catalog:      entity.NewCatalog(code, name),
		Type:         itemType,
		StockTracked: itemType != TypeService,
		MinStock:     decimal.Zero,
		Weight:       decimal.Zero,
	}
}

// Validate implements entity.Validatable interface.
func (p *Product) Validate(ctx context.Context) error {
	if err := p.Catalog.Validate(ctx); err != nil {
		return err
	}

	if !isValidProductType(p.Type) {
		return apperror.NewValidation("invalid product type").
			WithDetail("field", "type").
			WithDetail("value", string(p.Type))
	}

	if p.MinStock.IsNegative() {
		return apperror.NewValidation("minimum stock cannot be negative").
			WithDetail("field", "minStock")
	}

	if p.Weight.IsNegative() {
		return apperror.NewValidation("weight cannot be negative").
			WithDetail("field", "weight")
	}

	// Services have no stock levels
	if p.Type == TypeService && p.StockTracked {
		return apperror.NewValidation("services cannot be stock tracked").
			WithDetail("field", "stockTracked")
	}

	return nil
}

// IsPhysical returns true if item has physical presence (not a service).
func (p *Product) IsPhysical() bool {
	return p.Type != TypeService
}

func isValidProductType(t ProductType) bool {
	switch t {
	case TypeGoods, TypeMaterial, TypeProduct, TypeService:
		return true
	}
	return false
}
