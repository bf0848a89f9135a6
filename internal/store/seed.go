package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/internal/domain"
)

// SeedCredentials are the passwords given to the demo accounts.
type SeedCredentials struct {
	AdminPassword   string
	CashierPassword string
}

// DemoProducts is the catalog loaded by SeedDemo.
func DemoProducts() []domain.Product {
	d := decimal.RequireFromString
	return []domain.Product{
		{SKU: "8991001000011", Name: "Mie Goreng Instan", Category: "grocery", UnitPrice: d("3500"), UnitCost: d("2730"), TaxRatePercent: d("11"), OnHandQty: d("120"), ReorderThreshold: d("24"), UnitOfMeasure: "pcs", Warehouse: "main", Active: true},
		{SKU: "8991001000028", Name: "Telur 10 Butir", Category: "grocery", UnitPrice: d("26500"), UnitCost: d("23055"), TaxRatePercent: d("0"), OnHandQty: d("60"), ReorderThreshold: d("12"), UnitOfMeasure: "pack", Warehouse: "main", Active: true},
		{SKU: "8991001000035", Name: "Susu UHT 1L", Category: "dairy", UnitPrice: d("18900"), UnitCost: d("13608"), TaxRatePercent: d("11"), OnHandQty: d("48"), ReorderThreshold: d("12"), UnitOfMeasure: "pcs", Warehouse: "chiller", Active: true},
		{SKU: "8991001000042", Name: "Gula Pasir Curah", Category: "grocery", UnitPrice: d("17400"), UnitCost: d("15312"), TaxRatePercent: d("0"), OnHandQty: d("50.000"), ReorderThreshold: d("10"), UnitOfMeasure: "kg", Warehouse: "main", Active: true},
		{SKU: "8991001000059", Name: "Kopi Sachet", Category: "beverage", UnitPrice: d("2600"), UnitCost: d("1716"), TaxRatePercent: d("11"), OnHandQty: d("200"), ReorderThreshold: d("40"), UnitOfMeasure: "pcs", Warehouse: "main", Active: true},
		{SKU: "8991001000066", Name: "Minyak Goreng Curah", Category: "grocery", UnitPrice: d("15800"), UnitCost: d("14220"), TaxRatePercent: d("11"), OnHandQty: d("40.000"), ReorderThreshold: d("8"), UnitOfMeasure: "l", Warehouse: "main", Active: true},
		{SKU: "8991001000073", Name: "Sabun Mandi", Category: "household", UnitPrice: d("7400"), UnitCost: d("5032"), TaxRatePercent: d("11"), OnHandQty: d("90"), ReorderThreshold: d("15"), UnitOfMeasure: "pcs", Warehouse: "main", Active: true},
	}
}

// SeedDemo loads demo users and products. Rows that already exist are left alone,
// so it is safe to call on every start.
func SeedDemo(ctx context.Context, repo Repository, creds SeedCredentials) error {
	users := []struct {
		username string
		display  string
		password string
		role     string
	}{
		{"admin", "Store Admin", creds.AdminPassword, domain.RoleAdmin},
		{"cashier", "Front Cashier", creds.CashierPassword, domain.RoleCashier},
	}
	for _, u := range users {
		if _, err := repo.GetUserByUsername(ctx, u.username); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("seed user %s: %w", u.username, err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		_, err = repo.CreateUser(ctx, domain.User{
			Username:     u.username,
			DisplayName:  u.display,
			Role:         u.role,
			Active:       true,
			PasswordHash: string(hash),
		})
		if err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed user %s: %w", u.username, err)
		}
	}

	for _, p := range DemoProducts() {
		if _, err := repo.CreateProduct(ctx, p); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
	}
	return nil
}
