// Package checkout turns a cart into a persisted sale: priced lines, audit
// entries and stock decrements written in one unit of work.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kasirledger/internal/domain"
	"kasirledger/internal/lock"
	"kasirledger/internal/obs"
	"kasirledger/internal/pricing"
	"kasirledger/internal/store"
)

const defaultLockTTL = 30 * time.Second

// Policy holds the store-level switches a checkout is evaluated under.
type Policy struct {
	// AllowNegativeStock lets a sale take stock below zero.
	AllowNegativeStock bool
	// EnforcePaymentTotal rejects sales whose payment split does not add up
	// to the computed total. Off by default: the till reconciles payment.
	EnforcePaymentTotal bool
	// LockTTL bounds how long a crashed holder can block its till.
	LockTTL time.Duration
}

// Coordinator runs checkouts against a repository, one in flight per till.
type Coordinator struct {
	repo    store.Repository
	locker  lock.Locker
	policy  Policy
	logger  zerolog.Logger
	metrics *obs.CheckoutMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocker replaces the in-process till lock, e.g. with a RedisLocker.
func WithLocker(l lock.Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

// WithLogger sets the logger for checkout outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records checkout outcomes in m.
func WithMetrics(m *obs.CheckoutMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time stamped on sales and audit entries.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator with an in-process till lock and no-op logging
// unless opts say otherwise.
func New(repo store.Repository, policy Policy, opts ...Option) *Coordinator {
	if policy.LockTTL <= 0 {
		policy.LockTTL = defaultLockTTL
	}
	c := &Coordinator{
		repo:   repo,
		locker: lock.NewLocalLocker(),
		policy: policy,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("kasirledger/checkout"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkout validates req, prices it against stock read inside the unit of
// work, and persists the sale. Validation failures are returned with their
// domain kind; anything else comes back as CheckoutFailed after rollback.
func (c *Coordinator) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "checkout", trace.WithAttributes(
		attribute.Int64("buyer.id", req.BuyerID),
		attribute.String("terminal.id", req.TerminalID),
		attribute.Int("cart.lines", len(req.Items)),
	))
	defer span.End()

	result, err := c.checkout(ctx, req)
	c.record(span, req, result, err, time.Since(start))
	return result, err
}

func (c *Coordinator) checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	key := tillKey(req)
	release, err := c.locker.TryLock(ctx, key, c.policy.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return domain.CheckoutResult{}, domain.NewError(domain.KindCheckoutInProgress,
				fmt.Sprintf("another checkout is in progress on %s", key))
		}
		return domain.CheckoutResult{}, domain.CheckoutFailed(fmt.Errorf("acquire till lock: %w", err))
	}
	defer release()

	now := c.now().UTC()
	var result domain.CheckoutResult
	err = c.repo.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		buyer, err := uow.UserByID(ctx, req.BuyerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return unauthorized(req.BuyerID)
			}
			return fmt.Errorf("load buyer: %w", err)
		}
		if !buyer.Active {
			return unauthorized(req.BuyerID)
		}

		products, err := uow.ProductsForUpdate(ctx, productIDs(req.Items))
		if err != nil {
			return fmt.Errorf("load products: %w", err)
		}
		quote, err := pricing.Compute(lineRequests(req.Items), products, req.Discount,
			pricing.Policy{AllowNegativeStock: c.policy.AllowNegativeStock})
		if err != nil {
			return err
		}

		if c.policy.EnforcePaymentTotal {
			if paid := req.PaymentSplit.Total(); !paid.Equal(quote.Total) {
				return domain.NewError(domain.KindPaymentMismatch,
					fmt.Sprintf("payment %s does not match total %s", paid.StringFixed(pricing.MoneyScale), quote.Total.StringFixed(pricing.MoneyScale)))
			}
		}

		saleID, err := uow.InsertSale(ctx, domain.Sale{
			BuyerID:    req.BuyerID,
			TerminalID: req.TerminalID,
			Subtotal:   quote.Subtotal,
			Total:      quote.Total,
			Tax:        quote.Tax,
			Discount:   quote.Discount,
			Payment:    req.PaymentSplit,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}

		for i, line := range quote.Lines {
			if _, err := uow.InsertSaleLine(ctx, domain.SaleLine{
				SaleID:    saleID,
				ProductID: line.Product.ID,
				Position:  i + 1,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				Gross:     line.Gross,
				Tax:       line.Tax,
				Discount:  line.Discount,
			}); err != nil {
				return err
			}
			sid := saleID
			if _, err := uow.InsertAuditEntry(ctx, domain.AuditEntry{
				ProductID: line.Product.ID,
				SaleID:    &sid,
				Movement:  domain.MovementSale,
				Quantity:  line.Quantity,
				Amount:    line.Gross,
				Tax:       line.Tax,
				Discount:  line.Discount,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := uow.DecrementStock(ctx, line.Product.ID, line.Quantity, now); err != nil {
				return err
			}
		}

		result = domain.CheckoutResult{
			SaleID:      saleID,
			Subtotal:    quote.Subtotal,
			TotalAmount: quote.Total,
			Tax:         quote.Tax,
			Discount:    quote.Discount,
			CreatedAt:   now,
		}
		return nil
	})
	if err != nil {
		if domain.KindOf(err) != "" {
			return domain.CheckoutResult{}, err
		}
		return domain.CheckoutResult{}, domain.CheckoutFailed(err)
	}
	return result, nil
}

func (c *Coordinator) record(span trace.Span, req domain.CheckoutRequest, res domain.CheckoutResult, err error, d time.Duration) {
	if err == nil {
		span.SetAttributes(attribute.Int64("sale.id", res.SaleID))
		c.metrics.Observe("completed", len(req.Items), d)
		c.logger.Info().
			Int64("sale_id", res.SaleID).
			Int64("buyer_id", req.BuyerID).
			Str("terminal_id", req.TerminalID).
			Int("lines", len(req.Items)).
			Str("total", res.TotalAmount.StringFixed(pricing.MoneyScale)).
			Int64("duration_ms", d.Milliseconds()).
			Msg("checkout_completed")
		return
	}

	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindCheckoutFailed
	}
	c.metrics.Observe(string(kind), 0, d)
	span.SetAttributes(attribute.String("checkout.error_kind", string(kind)))

	if domain.IsValidation(err) {
		c.logger.Warn().
			Str("kind", string(kind)).
			Int64("buyer_id", req.BuyerID).
			Str("terminal_id", req.TerminalID).
			Str("reason", err.Error()).
			Int64("duration_ms", d.Milliseconds()).
			Msg("checkout_rejected")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	c.logger.Error().
		Err(err).
		Int64("buyer_id", req.BuyerID).
		Str("terminal_id", req.TerminalID).
		Int64("duration_ms", d.Milliseconds()).
		Msg("checkout_failed")
}

// normalizeRequest performs the checks that need no I/O and rounds payment
// amounts to money scale.
func normalizeRequest(req domain.CheckoutRequest) (domain.CheckoutRequest, error) {
	if len(req.Items) == 0 {
		return req, domain.ErrEmptyCart
	}
	for _, amount := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"cash", req.PaymentSplit.Cash},
		{"card", req.PaymentSplit.Card},
		{"other", req.PaymentSplit.Other},
	} {
		if amount.value.IsNegative() {
			return req, domain.NewError(domain.KindInvalidPayment,
				fmt.Sprintf("%s payment must not be negative", amount.name))
		}
	}
	if req.BuyerID <= 0 {
		return req, unauthorized(req.BuyerID)
	}

	req.TerminalID = strings.TrimSpace(req.TerminalID)
	req.PaymentSplit.Cash = pricing.Money(req.PaymentSplit.Cash)
	req.PaymentSplit.Card = pricing.Money(req.PaymentSplit.Card)
	req.PaymentSplit.Other = pricing.Money(req.PaymentSplit.Other)
	return req, nil
}

func unauthorized(buyerID int64) error {
	return domain.NewError(domain.KindUnauthorizedActor, fmt.Sprintf("buyer %d is not an active user", buyerID))
}

// tillKey identifies the till a checkout runs on. Requests without a
// terminal are serialized per buyer instead.
func tillKey(req domain.CheckoutRequest) string {
	if req.TerminalID != "" {
		return req.TerminalID
	}
	return "buyer:" + strconv.FormatInt(req.BuyerID, 10)
}

func productIDs(items []domain.CartItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

func lineRequests(items []domain.CartItem) []pricing.LineRequest {
	out := make([]pricing.LineRequest, len(items))
	for i, item := range items {
		out[i] = pricing.LineRequest{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return out
}
