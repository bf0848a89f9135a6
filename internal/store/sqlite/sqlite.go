// Package sqlite persists the catalog and sale ledger in a single SQLite file.
// Every unit of work begins IMMEDIATE, so it owns the database write lock
// from the first statement until commit or rollback.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
	"kasirledger/internal/store/sqlite/migrations"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; readers queue behind it instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	// m.Close would close db as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// WithinTx runs fn in one IMMEDIATE transaction. Cancelling ctx after the
// transaction has begun does not abort it; it runs to commit or rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txCtx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(txCtx, &unitOfWork{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

type unitOfWork struct {
	tx *sql.Tx
}

func (u *unitOfWork) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	return getUser(ctx, u.tx, "id = ?", id)
}

func (u *unitOfWork) ProductsForUpdate(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := u.tx.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (u *unitOfWork) InsertSale(ctx context.Context, sale domain.Sale) (int64, error) {
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO sales (buyer_id, terminal_id, subtotal, total, tax, discount,
		                   payment_cash, payment_card, payment_other, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.BuyerID, sale.TerminalID, sale.Subtotal, sale.Total, sale.Tax, sale.Discount,
		sale.Payment.Cash, sale.Payment.Card, sale.Payment.Other, toMillis(sale.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}
	return res.LastInsertId()
}

func (u *unitOfWork) InsertSaleLine(ctx context.Context, line domain.SaleLine) (int64, error) {
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO sale_lines (sale_id, product_id, position, quantity, unit_price, gross, tax, discount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		line.SaleID, line.ProductID, line.Position, line.Quantity, line.UnitPrice, line.Gross, line.Tax, line.Discount,
	)
	if err != nil {
		return 0, fmt.Errorf("insert sale line: %w", err)
	}
	return res.LastInsertId()
}

func (u *unitOfWork) InsertAuditEntry(ctx context.Context, entry domain.AuditEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var saleID any
	if entry.SaleID != nil {
		saleID = *entry.SaleID
	}
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO audit_log (product_id, sale_id, movement, quantity, amount, tax, discount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ProductID, saleID, entry.Movement, entry.Quantity, entry.Amount, entry.Tax, entry.Discount, toMillis(entry.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return res.LastInsertId()
}

// DecrementStock does the arithmetic in Go; SQLite has no decimal type and
// the row is already covered by the transaction's write lock.
func (u *unitOfWork) DecrementStock(ctx context.Context, productID int64, qty decimal.Decimal, at time.Time) error {
	var onHand decimal.Decimal
	err := u.tx.QueryRowContext(ctx, `SELECT on_hand_qty FROM products WHERE id = ?`, productID).Scan(&onHand)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
		}
		return fmt.Errorf("read stock: %w", err)
	}
	_, err = u.tx.ExecContext(ctx, `UPDATE products SET on_hand_qty = ?, updated_at = ? WHERE id = ?`,
		onHand.Sub(qty), toMillis(at), productID)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	return nil
}

const productColumns = `id, sku, name, category, supplier, unit_price, unit_cost, tax_rate_percent,
	on_hand_qty, reorder_threshold, unit_of_measure, warehouse, description, active, created_at, updated_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Supplier, &p.UnitPrice, &p.UnitCost, &p.TaxRatePercent,
		&p.OnHandQty, &p.ReorderThreshold, &p.UnitOfMeasure, &p.Warehouse, &p.Description, &p.Active, &createdAt, &updatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

func getProduct(ctx context.Context, q querier, where string, arg any) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, s.db, "id = ?", id)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return getProduct(ctx, s.db, "sku = ?", sku)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE active = 1 ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = product.CreatedAt
	}
	if product.UnitOfMeasure == "" {
		product.UnitOfMeasure = "pcs"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, supplier, unit_price, unit_cost, tax_rate_percent,
		                      on_hand_qty, reorder_threshold, unit_of_measure, warehouse, description,
		                      active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		product.SKU, product.Name, product.Category, product.Supplier, product.UnitPrice, product.UnitCost,
		product.TaxRatePercent, product.OnHandQty, product.ReorderThreshold, product.UnitOfMeasure,
		product.Warehouse, product.Description, product.Active, toMillis(product.CreatedAt), toMillis(product.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("insert product: %w", err)
	}
	product.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	product.CreatedAt = fromMillis(toMillis(product.CreatedAt))
	product.UpdatedAt = fromMillis(toMillis(product.UpdatedAt))
	return &product, nil
}

const userColumns = `id, username, display_name, role, active, password_hash, created_at`

func getUser(ctx context.Context, q querier, where string, arg any) (*domain.User, error) {
	var u domain.User
	var createdAt int64
	err := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.Active, &u.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return getUser(ctx, s.db, "id = ?", id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return getUser(ctx, s.db, "username = ?", strings.ToLower(strings.TrimSpace(username)))
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if err := store.ValidateUser(user); err != nil {
		return nil, err
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, display_name, role, active, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.Username, user.DisplayName, user.Role, user.Active, user.PasswordHash, toMillis(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	user.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(toMillis(user.CreatedAt))
	return &user, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, terminal_id, subtotal, total, tax, discount,
		       payment_cash, payment_card, payment_other, created_at
		FROM sales
		WHERE id = ?`, id).
		Scan(&sale.ID, &sale.BuyerID, &sale.TerminalID, &sale.Subtotal, &sale.Total, &sale.Tax, &sale.Discount,
			&sale.Payment.Cash, &sale.Payment.Card, &sale.Payment.Other, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get sale: %w", err)
	}
	sale.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, position, quantity, unit_price, gross, tax, discount
		FROM sale_lines
		WHERE sale_id = ?
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get sale lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Position, &line.Quantity,
			&line.UnitPrice, &line.Gross, &line.Tax, &line.Discount); err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if filter.ProductID > 0 {
		clauses = append(clauses, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.SaleID > 0 {
		clauses = append(clauses, "sale_id = ?")
		args = append(args, filter.SaleID)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, toMillis(filter.From))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, toMillis(filter.To))
	}
	query := `SELECT id, product_id, sale_id, movement, quantity, amount, tax, discount, created_at FROM audit_log`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, store.NormalizeAuditLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, 64)
	for rows.Next() {
		var entry domain.AuditEntry
		var saleID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.ProductID, &saleID, &entry.Movement, &entry.Quantity,
			&entry.Amount, &entry.Tax, &entry.Discount, &createdAt); err != nil {
			return nil, err
		}
		if saleID.Valid {
			id := saleID.Int64
			entry.SaleID = &id
		}
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
