package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

// Store keeps the catalog and ledger in process memory. Units of work are
// serialized through writer and staged on copies, so a failed one leaves no trace.
type Store struct {
	writer chan struct{}

	mu            sync.RWMutex
	products      map[int64]domain.Product
	productBySKU  map[string]int64
	users         map[int64]domain.User
	userByName    map[string]int64
	sales         map[int64]domain.Sale
	linesBySale   map[int64][]domain.SaleLine
	auditEntries  []domain.AuditEntry
	nextProductID int64
	nextUserID    int64
	nextSaleID    int64
	nextLineID    int64
	nextAuditID   int64
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		writer:       make(chan struct{}, 1),
		products:     make(map[int64]domain.Product),
		productBySKU: make(map[string]int64),
		users:        make(map[int64]domain.User),
		userByName:   make(map[string]int64),
		sales:        make(map[int64]domain.Sale),
		linesBySale:  make(map[int64][]domain.SaleLine),
		auditEntries: make([]domain.AuditEntry, 0, 128),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	s.mu.RLock()
	uow := &unitOfWork{
		s:           s,
		staged:      make(map[int64]domain.Product),
		nextSaleID:  s.nextSaleID,
		nextLineID:  s.nextLineID,
		nextAuditID: s.nextAuditID,
	}
	s.mu.RUnlock()

	if err := fn(ctx, uow); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range uow.staged {
		s.products[id] = p
	}
	for _, sale := range uow.sales {
		s.sales[sale.ID] = sale
	}
	for _, line := range uow.lines {
		s.linesBySale[line.SaleID] = append(s.linesBySale[line.SaleID], line)
	}
	s.auditEntries = append(s.auditEntries, uow.audit...)
	s.nextSaleID = uow.nextSaleID
	s.nextLineID = uow.nextLineID
	s.nextAuditID = uow.nextAuditID
	return nil
}

type unitOfWork struct {
	s *Store

	staged      map[int64]domain.Product
	sales       []domain.Sale
	lines       []domain.SaleLine
	audit       []domain.AuditEntry
	nextSaleID  int64
	nextLineID  int64
	nextAuditID int64
}

func (u *unitOfWork) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	return u.s.GetUser(ctx, id)
}

func (u *unitOfWork) product(id int64) (domain.Product, bool) {
	if p, ok := u.staged[id]; ok {
		return p, true
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	p, ok := u.s.products[id]
	return p, ok
}

func (u *unitOfWork) ProductsForUpdate(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := u.product(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (u *unitOfWork) saleExists(id int64) bool {
	for _, sale := range u.sales {
		if sale.ID == id {
			return true
		}
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	_, ok := u.s.sales[id]
	return ok
}

func (u *unitOfWork) InsertSale(_ context.Context, sale domain.Sale) (int64, error) {
	if sale.BuyerID <= 0 {
		return 0, store.ErrInvalidRecord
	}
	u.nextSaleID++
	sale.ID = u.nextSaleID
	sale.Lines = nil
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	u.sales = append(u.sales, sale)
	return sale.ID, nil
}

func (u *unitOfWork) InsertSaleLine(_ context.Context, line domain.SaleLine) (int64, error) {
	if !u.saleExists(line.SaleID) {
		return 0, fmt.Errorf("sale %d: %w", line.SaleID, store.ErrNotFound)
	}
	if _, ok := u.product(line.ProductID); !ok {
		return 0, fmt.Errorf("product %d: %w", line.ProductID, store.ErrNotFound)
	}
	u.nextLineID++
	line.ID = u.nextLineID
	u.lines = append(u.lines, line)
	return line.ID, nil
}

func (u *unitOfWork) InsertAuditEntry(_ context.Context, entry domain.AuditEntry) (int64, error) {
	if _, ok := u.product(entry.ProductID); !ok {
		return 0, fmt.Errorf("product %d: %w", entry.ProductID, store.ErrNotFound)
	}
	if entry.SaleID != nil && !u.saleExists(*entry.SaleID) {
		return 0, fmt.Errorf("sale %d: %w", *entry.SaleID, store.ErrNotFound)
	}
	u.nextAuditID++
	entry.ID = u.nextAuditID
	entry.SaleID = cloneID(entry.SaleID)
	u.audit = append(u.audit, entry)
	return entry.ID, nil
}

func (u *unitOfWork) DecrementStock(_ context.Context, productID int64, qty decimal.Decimal, at time.Time) error {
	p, ok := u.product(productID)
	if !ok {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	p.OnHandQty = p.OnHandQty.Sub(qty)
	p.UpdatedAt = at
	u.staged[productID] = p
	return nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.productBySKU[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.productBySKU[product.SKU]; exists {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = product.CreatedAt
	}
	s.nextProductID++
	product.ID = s.nextProductID
	s.products[product.ID] = product
	s.productBySKU[product.SKU] = product.ID

	created := product
	return &created, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userByName[strings.ToLower(username)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if err := store.ValidateUser(user); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userByName[user.Username]; exists {
		return nil, store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.nextUserID++
	user.ID = s.nextUserID
	s.users[user.ID] = user
	s.userByName[user.Username] = user.ID

	created := user
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Lines = slices.Clone(s.linesBySale[id])
	slices.SortFunc(sale.Lines, func(a, b domain.SaleLine) int {
		return a.Position - b.Position
	})
	return &sale, nil
}

func (s *Store) ListAuditEntries(_ context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := store.NormalizeAuditLimit(filter.Limit)
	out := make([]domain.AuditEntry, 0, min(limit, len(s.auditEntries)))
	for i := len(s.auditEntries) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditEntries[i]
		if filter.ProductID > 0 && entry.ProductID != filter.ProductID {
			continue
		}
		if filter.SaleID > 0 && (entry.SaleID == nil || *entry.SaleID != filter.SaleID) {
			continue
		}
		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.CreatedAt.Before(filter.To) {
			continue
		}
		entry.SaleID = cloneID(entry.SaleID)
		out = append(out, entry)
	}
	return out, nil
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
