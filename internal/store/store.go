package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidRecord = errors.New("invalid record")
)

// UnitOfWork is the set of reads and writes a checkout performs atomically.
// Everything done through it is committed together or not at all.
type UnitOfWork interface {
	UserByID(ctx context.Context, id int64) (*domain.User, error)
	// ProductsForUpdate reads the given products and holds them against
	// concurrent checkouts until the unit of work ends. Missing ids are
	// simply absent from the map.
	ProductsForUpdate(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	InsertSale(ctx context.Context, sale domain.Sale) (int64, error)
	InsertSaleLine(ctx context.Context, line domain.SaleLine) (int64, error)
	InsertAuditEntry(ctx context.Context, entry domain.AuditEntry) (int64, error)
	DecrementStock(ctx context.Context, productID int64, qty decimal.Decimal, at time.Time) error
}

// AuditFilter narrows ListAuditEntries. Zero fields are ignored; To is exclusive.
type AuditFilter struct {
	ProductID int64
	SaleID    int64
	From      time.Time
	To        time.Time
	Limit     int
}

type Repository interface {
	// WithinTx runs fn in one atomic unit of work. A non-nil error from fn
	// rolls back every write made through the UnitOfWork and is returned as-is.
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error

	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)

	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error)

	Close() error
}

// DefaultAuditLimit caps audit listings when the caller gives no limit.
const DefaultAuditLimit = 200

// NormalizeAuditLimit applies DefaultAuditLimit and an upper bound.
func NormalizeAuditLimit(limit int) int {
	if limit <= 0 {
		return DefaultAuditLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// ValidateUser checks the fields every backend requires before insert.
func ValidateUser(u domain.User) error {
	if u.Username == "" || u.PasswordHash == "" {
		return ErrInvalidRecord
	}
	if u.Role != domain.RoleAdmin && u.Role != domain.RoleCashier {
		return ErrInvalidRecord
	}
	return nil
}

// ValidateProduct checks the fields every backend requires before insert.
func ValidateProduct(p domain.Product) error {
	if p.SKU == "" || p.Name == "" {
		return ErrInvalidRecord
	}
	if p.UnitPrice.IsNegative() || p.UnitCost.IsNegative() {
		return ErrInvalidRecord
	}
	if p.TaxRatePercent.IsNegative() || p.TaxRatePercent.GreaterThan(decimal.NewFromInt(100)) {
		return ErrInvalidRecord
	}
	return nil
}
