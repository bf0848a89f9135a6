package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

func TestMigrationURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/kasir?sslmode=disable", migrationURL("postgres://u:p@db:5432/kasir?sslmode=disable"))
	require.Equal(t, "pgx5://db/kasir", migrationURL("postgresql://db/kasir"))
	require.Equal(t, "pgx5://db/kasir", migrationURL("pgx5://db/kasir"))
}

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KASIRLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIRLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}
	s, err := New(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUnitOfWorkDecrementsAndRollsBack(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	product, err := s.CreateProduct(ctx, domain.Product{
		SKU:            fmt.Sprintf("SKU-IT-%d", stamp),
		Name:           "Produk Integrasi",
		Category:       "snack",
		UnitPrice:      decimal.RequireFromString("12000"),
		TaxRatePercent: decimal.RequireFromString("11"),
		OnHandQty:      decimal.RequireFromString("10"),
		Active:         true,
	})
	require.NoError(t, err)
	user, err := s.CreateUser(ctx, domain.User{Username: fmt.Sprintf("it-%d", stamp), Role: domain.RoleCashier, Active: true, PasswordHash: "x"})
	require.NoError(t, err)

	var saleID int64
	err = s.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		products, err := uow.ProductsForUpdate(ctx, []int64{product.ID})
		if err != nil {
			return err
		}
		require.Contains(t, products, product.ID)
		saleID, err = uow.InsertSale(ctx, domain.Sale{BuyerID: user.ID, Subtotal: decimal.NewFromInt(24000), Total: decimal.NewFromInt(26640), Tax: decimal.NewFromInt(2640)})
		if err != nil {
			return err
		}
		if _, err := uow.InsertSaleLine(ctx, domain.SaleLine{SaleID: saleID, ProductID: product.ID, Position: 1, Quantity: decimal.NewFromInt(2), UnitPrice: product.UnitPrice, Gross: decimal.NewFromInt(24000)}); err != nil {
			return err
		}
		if _, err := uow.InsertAuditEntry(ctx, domain.AuditEntry{ProductID: product.ID, SaleID: &saleID, Movement: domain.MovementSale, Quantity: decimal.NewFromInt(2)}); err != nil {
			return err
		}
		return uow.DecrementStock(ctx, product.ID, decimal.NewFromInt(2), time.Now().UTC())
	})
	require.NoError(t, err)

	sale, err := s.GetSale(ctx, saleID)
	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)

	boom := errors.New("abort")
	err = s.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.DecrementStock(ctx, product.ID, decimal.NewFromInt(5), time.Now().UTC()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	require.True(t, got.OnHandQty.Equal(decimal.NewFromInt(8)), got.OnHandQty.String())

	entries, err := s.ListAuditEntries(ctx, store.AuditFilter{ProductID: product.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = s.CreateProduct(ctx, domain.Product{SKU: product.SKU, Name: "dup"})
	require.ErrorIs(t, err, store.ErrConflict)
}
