package product

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewProduct_Defaults(t *testing.T) {
	p := NewProduct("PRD-001", "Bolt M6", TypeGoods)

	if !p.StockTracked {
		t.Error("goods should be stock tracked by default")
	}
	if p.Code != "PRD-001" || p.Name != "Bolt M6" {
		t.Errorf("unexpected code/name: %s / %s", p.Code, p.Name)
	}
	if p.Version != 1 {
		t.Errorf("new product version = %d, want 1", p.Version)
	}

	svc := NewProduct("SVC-001", "Assembly", TypeService)
	if svc.StockTracked {
		t.Error("services must not be stock tracked")
	}
	if svc.IsPhysical() {
		t.Error("service reported as physical")
	}
}

func TestProduct_Validate(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(p *Product)
		wantErr bool
	}{
		{"valid goods", func(p *Product) {}, false},
		{"empty name", func(p *Product) { p.Name = "" }, true},
		{"unknown type", func(p *Product) { p.Type = "gadget" }, true},
		{"negative min stock", func(p *Product) { p.MinStock = decimal.NewFromInt(-1) }, true},
		{"negative weight", func(p *Product) { p.Weight = decimal.NewFromInt(-1) }, true},
		{"tracked service", func(p *Product) {
			p.Type = TypeService
			p.StockTracked = true
		}, true},
		{"untracked service", func(p *Product) {
			p.Type = TypeService
			p.StockTracked = false
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewProduct("PRD-001", "Bolt M6", TypeGoods)
			tc.mutate(p)

			err := p.Validate(ctx)
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
