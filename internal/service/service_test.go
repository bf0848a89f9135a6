package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirledger/internal/cache"
	"kasirledger/internal/checkout"
	"kasirledger/internal/domain"
	"kasirledger/internal/store"
	"kasirledger/internal/store/memory"
)

var saleTime = time.Date(2024, 5, 2, 14, 5, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	repo    *memory.Store
	cashier domain.User
	rice    domain.Product
	tea     domain.Product
}

func newHarness(t *testing.T, sales cache.SaleCache) harness {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()

	cashier, err := repo.CreateUser(ctx, domain.User{Username: "siti", DisplayName: "Siti", Role: domain.RoleCashier, Active: true, PasswordHash: "h"})
	require.NoError(t, err)
	rice, err := repo.CreateProduct(ctx, domain.Product{
		SKU: "8991001", Name: "Beras Curah", Category: "grocery", UnitOfMeasure: "kg",
		UnitPrice: decimal.RequireFromString("14000"), TaxRatePercent: decimal.Zero,
		OnHandQty: decimal.RequireFromString("50"), Active: true,
	})
	require.NoError(t, err)
	tea, err := repo.CreateProduct(ctx, domain.Product{
		SKU: "8991002", Name: "Teh Botol", Category: "beverage", UnitOfMeasure: "pcs",
		UnitPrice: decimal.RequireFromString("5000"), TaxRatePercent: decimal.RequireFromString("11"),
		OnHandQty: decimal.RequireFromString("24"), Active: true,
	})
	require.NoError(t, err)

	coordinator := checkout.New(repo, checkout.Policy{}, checkout.WithClock(func() time.Time { return saleTime }))
	svc := New(repo, coordinator, Options{SaleCache: sales, Now: func() time.Time { return saleTime.Add(time.Hour) }})
	return harness{svc: svc, repo: repo, cashier: *cashier, rice: *rice, tea: *tea}
}

func (h harness) actorCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: h.cashier.ID, Username: h.cashier.Username, Role: domain.RoleCashier})
}

func (h harness) sell(t *testing.T) domain.CheckoutResult {
	t.Helper()
	res, err := h.svc.Checkout(h.actorCtx(), domain.CheckoutRequest{
		TerminalID:   "kasir-01",
		Discount:     decimal.RequireFromString("1000"),
		PaymentSplit: domain.PaymentSplit{Cash: decimal.RequireFromString("50000")},
		Items: []domain.CartItem{
			{ProductID: h.rice.ID, Quantity: decimal.RequireFromString("1.5")},
			{ProductID: h.tea.ID, Quantity: decimal.RequireFromString("2")},
		},
	})
	require.NoError(t, err)
	return res
}

func TestCheckoutTakesBuyerFromActor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := WithActor(context.Background(), domain.Actor{UserID: h.cashier.ID, Role: domain.RoleCashier})

	res, err := h.svc.Checkout(ctx, domain.CheckoutRequest{
		BuyerID: 9999,
		Items:   []domain.CartItem{{ProductID: h.tea.ID, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	sale, err := h.svc.GetSale(ctx, res.SaleID)
	require.NoError(t, err)
	require.Equal(t, h.cashier.ID, sale.BuyerID)
}

func TestCheckoutWithoutActorRequiresBuyer(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Checkout(context.Background(), domain.CheckoutRequest{
		Items: []domain.CartItem{{ProductID: h.tea.ID, Quantity: decimal.NewFromInt(1)}},
	})
	require.ErrorIs(t, err, domain.ErrUnauthorizedActor)
}

type countingCache struct {
	cache.SaleCache
	gets, hits, sets int
	failGet          bool
}

func (c *countingCache) Get(ctx context.Context, id int64) (*domain.Sale, bool, error) {
	c.gets++
	if c.failGet {
		return nil, false, errors.New("cache down")
	}
	sale, ok, err := c.SaleCache.Get(ctx, id)
	if ok {
		c.hits++
	}
	return sale, ok, err
}

func (c *countingCache) Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error {
	c.sets++
	return c.SaleCache.Set(ctx, sale, ttl)
}

func TestGetSaleReadsThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	counting := &countingCache{SaleCache: cache.NewRedisSaleCache(client)}

	h := newHarness(t, counting)
	res := h.sell(t)

	first, err := h.svc.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)
	second, err := h.svc.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)

	require.Equal(t, 2, counting.gets)
	require.Equal(t, 1, counting.hits)
	require.Equal(t, 1, counting.sets)
	require.Equal(t, first.ID, second.ID)
	require.True(t, first.Total.Equal(second.Total))
	require.Len(t, second.Lines, 2)
	require.True(t, mr.Exists("kasirledger:sale:1"))
}

func TestGetSaleSurvivesCacheFailure(t *testing.T) {
	counting := &countingCache{SaleCache: cache.NoopSaleCache{}, failGet: true}
	h := newHarness(t, counting)
	res := h.sell(t)

	sale, err := h.svc.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)
	require.Equal(t, res.SaleID, sale.ID)
}

func TestGetSaleErrors(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.GetSale(context.Background(), 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.svc.GetSale(context.Background(), 42)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceiptProjection(t *testing.T) {
	h := newHarness(t, nil)
	res := h.sell(t)

	receipt, err := h.svc.Receipt(context.Background(), res.SaleID)
	require.NoError(t, err)

	// 1.5 kg x 14000 = 21000, 2 x 5000 = 10000 taxed at 11% = 1100.
	require.Equal(t, "R20240502-000001", receipt.Number)
	require.Equal(t, "Siti", receipt.Cashier)
	require.Equal(t, "kasir-01", receipt.TerminalID)
	require.True(t, receipt.IssuedAt.Equal(saleTime))
	require.Len(t, receipt.Lines, 2)
	require.Equal(t, "Beras Curah", receipt.Lines[0].Name)
	require.Equal(t, "kg", receipt.Lines[0].Unit)
	require.True(t, receipt.Subtotal.Equal(decimal.NewFromInt(31000)))
	require.True(t, receipt.Tax.Equal(decimal.NewFromInt(1100)))
	require.True(t, receipt.Total.Equal(decimal.NewFromInt(31100)), receipt.Total.String())
	require.True(t, receipt.Tendered.Equal(decimal.NewFromInt(50000)))
	require.True(t, receipt.Change.Equal(decimal.NewFromInt(18900)), receipt.Change.String())

	discounts := receipt.Lines[0].Discount.Add(receipt.Lines[1].Discount)
	require.True(t, discounts.Equal(receipt.Discount))
}

func TestReceiptChangeNeverNegative(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Checkout(h.actorCtx(), domain.CheckoutRequest{
		PaymentSplit: domain.PaymentSplit{Card: decimal.NewFromInt(1000)},
		Items:        []domain.CartItem{{ProductID: h.rice.ID, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	receipt, err := h.svc.Receipt(context.Background(), res.SaleID)
	require.NoError(t, err)
	require.True(t, receipt.Change.IsZero())
}

func TestListAuditEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.sell(t)
	ctx := context.Background()

	all, err := h.svc.ListAuditEntries(ctx, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	rice, err := h.svc.ListAuditEntries(ctx, h.rice.ID, "2024-05-02", 10)
	require.NoError(t, err)
	require.Len(t, rice, 1)
	require.True(t, rice[0].Quantity.Equal(decimal.RequireFromString("1.5")))

	other, err := h.svc.ListAuditEntries(ctx, 0, "2024-05-03", 10)
	require.NoError(t, err)
	require.Empty(t, other)

	_, err = h.svc.ListAuditEntries(ctx, 0, "02/05/2024", 10)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.svc.ListAuditEntries(ctx, -1, "", 10)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestProductReads(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	products, err := h.svc.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)

	got, err := h.svc.GetProduct(ctx, h.tea.ID)
	require.NoError(t, err)
	require.Equal(t, "8991002", got.SKU)

	_, err = h.svc.GetProduct(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.svc.GetProduct(ctx, 777)
	require.ErrorIs(t, err, store.ErrNotFound)
}
