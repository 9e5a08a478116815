package dto

import (
	"github.com/shopspring/decimal"

	"kardex/internal/domain/catalogs/product"
)

// --- Request DTOs ---

// CreateProductRequest is the request body for creating a product.
type CreateProductRequest struct {
	Code         string              `json:"code"`
	Name         string              `json:"name" binding:"required"`
	Type         product.ProductType `json:"type" binding:"required"`
	SKU          *string             `json:"sku"`
	Barcode      *string             `json:"barcode"`
	UnitID       *string             `json:"unitId"`
	StockTracked *bool               `json:"stockTracked"`
	MinStock     decimal.Decimal     `json:"minStock"`
	Weight       decimal.Decimal     `json:"weight"`
	Description  *string             `json:"description"`
}

// ToEntity converts DTO to domain entity.
func (r *CreateProductRequest) ToEntity() *product.Product {
	p := product.NewProduct(r.Code, r.Name, r.Type)
	p.SKU = r.SKU
	p.Barcode = r.Barcode
	p.UnitID = r.UnitID
	if r.StockTracked != nil {
		p.StockTracked = *r.StockTracked
	}
	p.MinStock = r.MinStock
	p.Weight = r.Weight
	p.Description = r.Description
	return p
}

// UpdateProductRequest is the request body for updating a product.
type UpdateProductRequest struct {
	Code         string              `json:"code"`
	Name         string              `json:"name" binding:"required"`
	Type         product.ProductType `json:"type" binding:"required"`
	SKU          *string             `json:"sku"`
	Barcode      *string             `json:"barcode"`
	UnitID       *string             `json:"unitId"`
	StockTracked bool                `json:"stockTracked"`
	MinStock     decimal.Decimal     `json:"minStock"`
	Weight       decimal.Decimal     `json:"weight"`
	Description  *string             `json:"description"`
	Version      int                 `json:"version" binding:"required"`
}

// ApplyTo applies update DTO to existing entity.
func (r *UpdateProductRequest) ApplyTo(p *product.Product) {
	p.Code = r.Code
	p.Name = r.Name
	p.Type = r.Type
	p.SKU = r.SKU
	p.Barcode = r.Barcode
	p.UnitID = r.UnitID
	p.StockTracked = r.StockTracked
	p.MinStock = r.MinStock
	p.Weight = r.Weight
	p.Description = r.Description
	p.Version = r.Version
}

// --- Response DTOs ---

// ProductResponse is the response body for a product.
type ProductResponse struct {
	ID           string              `json:"id"`
	Code         string              `json:"code"`
	Name         string              `json:"name"`
	Type         product.ProductType `json:"type"`
	SKU          *string             `json:"sku,omitempty"`
	Barcode      *string             `json:"barcode,omitempty"`
	UnitID       *string             `json:"unitId,omitempty"`
	StockTracked bool                `json:"stockTracked"`
	MinStock     decimal.Decimal     `json:"minStock"`
	Weight       decimal.Decimal     `json:"weight"`
	Description  *string             `json:"description,omitempty"`
	DeletionMark bool                `json:"deletionMark"`
	Version      int                 `json:"version"`
}

// FromProduct creates response DTO from domain entity.
func FromProduct(p *product.Product) *ProductResponse {
	return &ProductResponse{
		ID:           p.ID.String(),
		Code:         p.Code,
		Name:         p.Name,
		Type:         p.Type,
		SKU:          p.SKU,
		Barcode:      p.Barcode,
		UnitID:       p.UnitID,
		StockTracked: p.StockTracked,
		MinStock:     p.MinStock,
		Weight:       p.Weight,
		Description:  p.Description,
		DeletionMark: p.DeletionMark,
		Version:      p.Version,
	}
}
