package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func fixtures(t *testing.T, s *Store) (domain.Product, domain.User) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProduct(ctx, domain.Product{
		SKU:            "8990000000017",
		Name:           "Beras Curah",
		Category:       "grocery",
		UnitPrice:      decimal.RequireFromString("13250.50"),
		TaxRatePercent: decimal.RequireFromString("11"),
		OnHandQty:      decimal.RequireFromString("25.500"),
		UnitOfMeasure:  "kg",
		Active:         true,
	})
	require.NoError(t, err)
	u, err := s.CreateUser(ctx, domain.User{Username: "cashier", Role: domain.RoleCashier, Active: true, PasswordHash: "hash"})
	require.NoError(t, err)
	return *p, *u
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	s, path := openTestStore(t)
	p, _ := fixtures(t, s)
	require.NoError(t, s.Close())

	reopened, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetProductBySKU(context.Background(), p.SKU)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.True(t, got.UnitPrice.Equal(decimal.RequireFromString("13250.5")))
	require.True(t, got.OnHandQty.Equal(decimal.RequireFromString("25.5")))
	require.Equal(t, "kg", got.UnitOfMeasure)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestWithinTxCommit(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	p, u := fixtures(t, s)
	at := time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

	var saleID int64
	err := s.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		buyer, err := uow.UserByID(ctx, u.ID)
		if err != nil {
			return err
		}
		require.True(t, buyer.Active)

		products, err := uow.ProductsForUpdate(ctx, []int64{p.ID, 999})
		if err != nil {
			return err
		}
		require.Len(t, products, 1)

		saleID, err = uow.InsertSale(ctx, domain.Sale{
			BuyerID:    u.ID,
			TerminalID: "till-1",
			Subtotal:   decimal.RequireFromString("26501"),
			Total:      decimal.RequireFromString("29416.11"),
			Tax:        decimal.RequireFromString("2915.11"),
			Discount:   decimal.Zero,
			Payment:    domain.PaymentSplit{Cash: decimal.RequireFromString("30000")},
			CreatedAt:  at,
		})
		if err != nil {
			return err
		}
		for _, pos := range []int{2, 1} {
			if _, err := uow.InsertSaleLine(ctx, domain.SaleLine{
				SaleID: saleID, ProductID: p.ID, Position: pos,
				Quantity: decimal.NewFromInt(1), UnitPrice: p.UnitPrice, Gross: p.UnitPrice,
			}); err != nil {
				return err
			}
		}
		if _, err := uow.InsertAuditEntry(ctx, domain.AuditEntry{
			ProductID: p.ID, SaleID: &saleID, Movement: domain.MovementSale,
			Quantity: decimal.NewFromInt(2), Amount: decimal.RequireFromString("26501"), CreatedAt: at,
		}); err != nil {
			return err
		}
		return uow.DecrementStock(ctx, p.ID, decimal.RequireFromString("2.250"), at)
	})
	require.NoError(t, err)

	sale, err := s.GetSale(ctx, saleID)
	require.NoError(t, err)
	require.Equal(t, "till-1", sale.TerminalID)
	require.True(t, sale.Payment.Cash.Equal(decimal.NewFromInt(30000)))
	require.Equal(t, at, sale.CreatedAt)
	require.Len(t, sale.Lines, 2)
	require.Equal(t, 1, sale.Lines[0].Position)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, got.OnHandQty.Equal(decimal.RequireFromString("23.25")), got.OnHandQty.String())
	require.Equal(t, at, got.UpdatedAt)

	entries, err := s.ListAuditEntries(ctx, store.AuditFilter{ProductID: p.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].SaleID)
	require.Equal(t, saleID, *entries[0].SaleID)
}

func TestWithinTxRollback(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	p, u := fixtures(t, s)
	boom := errors.New("disk on fire")

	err := s.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		saleID, err := uow.InsertSale(ctx, domain.Sale{BuyerID: u.ID})
		if err != nil {
			return err
		}
		if _, err := uow.InsertSaleLine(ctx, domain.SaleLine{SaleID: saleID, ProductID: p.ID, Position: 1, Quantity: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		if err := uow.DecrementStock(ctx, p.ID, decimal.NewFromInt(1), time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetSale(ctx, 1)
	require.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, got.OnHandQty.Equal(p.OnHandQty))
}

func TestForeignKeysAreEnforced(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	_, u := fixtures(t, s)

	err := s.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		saleID, err := uow.InsertSale(ctx, domain.Sale{BuyerID: u.ID})
		if err != nil {
			return err
		}
		_, err = uow.InsertSaleLine(ctx, domain.SaleLine{SaleID: saleID, ProductID: 4242, Position: 1})
		return err
	})
	require.Error(t, err)
}

func TestUniqueViolationsMapToConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	p, u := fixtures(t, s)

	_, err := s.CreateProduct(ctx, domain.Product{SKU: p.SKU, Name: "again"})
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = s.CreateUser(ctx, domain.User{Username: "CASHIER", Role: domain.RoleCashier, PasswordHash: "h"})
	require.ErrorIs(t, err, store.ErrConflict)

	byName, err := s.GetUserByUsername(ctx, "Cashier")
	require.NoError(t, err)
	require.Equal(t, u.ID, byName.ID)
}

func TestSeedDemo(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	creds := store.SeedCredentials{AdminPassword: "admin-pass", CashierPassword: "cashier-pass"}
	require.NoError(t, store.SeedDemo(ctx, s, creds))
	require.NoError(t, store.SeedDemo(ctx, s, creds))

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, len(store.DemoProducts()))
	require.Equal(t, "beverage", products[0].Category)
}

func TestListAuditEntriesWindow(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	p, u := fixtures(t, s)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		at := day.Add(time.Duration(i*12) * time.Hour)
		err := s.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
			saleID, err := uow.InsertSale(ctx, domain.Sale{BuyerID: u.ID, CreatedAt: at})
			if err != nil {
				return err
			}
			_, err = uow.InsertAuditEntry(ctx, domain.AuditEntry{ProductID: p.ID, SaleID: &saleID, Movement: domain.MovementSale, CreatedAt: at})
			return err
		})
		require.NoError(t, err)
	}

	entries, err := s.ListAuditEntries(ctx, store.AuditFilter{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].CreatedAt.After(entries[1].CreatedAt))

	limited, err := s.ListAuditEntries(ctx, store.AuditFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, limited, 3)
}
