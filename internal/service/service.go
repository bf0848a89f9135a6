package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kasirledger/internal/cache"
	"kasirledger/internal/checkout"
	"kasirledger/internal/domain"
	"kasirledger/internal/pricing"
	"kasirledger/internal/store"
)

// ErrInvalidArgument marks malformed caller input outside the checkout flow
// (ids, dates, filters).
var ErrInvalidArgument = errors.New("invalid argument")

const defaultSaleCacheTTL = 10 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	SaleCache    cache.SaleCache
	SaleCacheTTL time.Duration
	Logger       *zerolog.Logger
	Now          func() time.Time
}

type Service struct {
	repo         store.Repository
	coordinator  *checkout.Coordinator
	sales        cache.SaleCache
	saleCacheTTL time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

func New(repo store.Repository, coordinator *checkout.Coordinator, opts Options) *Service {
	if opts.SaleCache == nil {
		opts.SaleCache = cache.NoopSaleCache{}
	}
	if opts.SaleCacheTTL <= 0 {
		opts.SaleCacheTTL = defaultSaleCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Service{
		repo:         repo,
		coordinator:  coordinator,
		sales:        opts.SaleCache,
		saleCacheTTL: opts.SaleCacheTTL,
		logger:       logger,
		now:          opts.Now,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, fmt.Errorf("%w: product id must be positive", ErrInvalidArgument)
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// Checkout runs the cart through the coordinator. When the caller is
// authenticated the buyer is always the actor, whatever the request says.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	if actor, ok := ActorFromContext(ctx); ok {
		req.BuyerID = actor.UserID
	}
	return s.coordinator.Checkout(ctx, req)
}

// GetSale reads through the sale cache. Cache failures degrade to a store
// read; they never fail the request.
func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	if id <= 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale id must be positive", ErrInvalidArgument)
	}

	cached, ok, err := s.sales.Get(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("sale_id", id).Msg("sale cache read failed")
	}
	if ok {
		return *cached, nil
	}

	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := s.sales.Set(ctx, sale, s.saleCacheTTL); err != nil {
		s.logger.Warn().Err(err).Int64("sale_id", id).Msg("sale cache write failed")
	}
	return *sale, nil
}

// Receipt projects a stored sale into printable form. Nothing is persisted.
func (s *Service) Receipt(ctx context.Context, saleID int64) (domain.Receipt, error) {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return domain.Receipt{}, err
	}

	cashier := fmt.Sprintf("#%d", sale.BuyerID)
	if user, err := s.repo.GetUser(ctx, sale.BuyerID); err == nil {
		cashier = user.Username
		if user.DisplayName != "" {
			cashier = user.DisplayName
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Receipt{}, err
	}

	products := make(map[int64]*domain.Product, len(sale.Lines))
	lines := make([]domain.ReceiptLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			product, err = s.repo.GetProduct(ctx, line.ProductID)
			if err != nil {
				return domain.Receipt{}, fmt.Errorf("load product %d for receipt: %w", line.ProductID, err)
			}
			products[line.ProductID] = product
		}
		lines = append(lines, domain.ReceiptLine{
			SKU:       product.SKU,
			Name:      product.Name,
			Quantity:  line.Quantity,
			Unit:      product.UnitOfMeasure,
			UnitPrice: line.UnitPrice,
			Gross:     line.Gross,
			Discount:  line.Discount,
			Tax:       line.Tax,
		})
	}

	tendered := pricing.Money(sale.Payment.Total())
	change := decimal.Max(decimal.Zero, tendered.Sub(sale.Total))
	return domain.Receipt{
		SaleID:     sale.ID,
		Number:     ReceiptNumber(sale),
		IssuedAt:   sale.CreatedAt,
		TerminalID: sale.TerminalID,
		Cashier:    cashier,
		Lines:      lines,
		Subtotal:   sale.Subtotal,
		Discount:   sale.Discount,
		Tax:        sale.Tax,
		Total:      sale.Total,
		Payment:    sale.Payment,
		Tendered:   tendered,
		Change:     change,
	}, nil
}

// ReceiptNumber is R<yyyymmdd>-<sale id, six digits>, dated in UTC.
func ReceiptNumber(sale domain.Sale) string {
	return fmt.Sprintf("R%s-%06d", sale.CreatedAt.UTC().Format("20060102"), sale.ID)
}

// ListAuditEntries returns the audit trail for one UTC day (YYYY-MM-DD), or
// the last 24 hours when date is empty. productID 0 means every product.
func (s *Service) ListAuditEntries(ctx context.Context, productID int64, date string, limit int) ([]domain.AuditEntry, error) {
	if productID < 0 {
		return nil, fmt.Errorf("%w: product id must not be negative", ErrInvalidArgument)
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidArgument)
		}
		from = parsed.UTC()
	}

	return s.repo.ListAuditEntries(ctx, store.AuditFilter{
		ProductID: productID,
		From:      from,
		To:        from.Add(24 * time.Hour),
		Limit:     store.NormalizeAuditLimit(limit),
	})
}
