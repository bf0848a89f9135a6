package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
	"kasirledger/internal/store/postgres/migrations"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema using its own connection.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(databaseURL))
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// migrationURL points golang-migrate at its pgx/v5 driver.
func migrationURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// WithinTx runs fn in a serializable transaction. Serialization failures
// surface as ordinary errors; the caller decides whether to retry.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txCtx := context.WithoutCancel(ctx)
	pgTx, err := s.db.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(txCtx, &unitOfWork{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

type unitOfWork struct {
	tx *sql.Tx
}

func (u *unitOfWork) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	return getUser(ctx, u.tx, "id = $1", id)
}

// ProductsForUpdate locks rows in id order so concurrent checkouts over
// overlapping carts cannot deadlock.
func (u *unitOfWork) ProductsForUpdate(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := u.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
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
	var id int64
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO sales (buyer_id, terminal_id, subtotal, total, tax, discount,
		                   payment_cash, payment_card, payment_other, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, sale.BuyerID, sale.TerminalID, sale.Subtotal, sale.Total, sale.Tax, sale.Discount,
		sale.Payment.Cash, sale.Payment.Card, sale.Payment.Other, sale.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}
	return id, nil
}

func (u *unitOfWork) InsertSaleLine(ctx context.Context, line domain.SaleLine) (int64, error) {
	var id int64
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO sale_lines (sale_id, product_id, position, quantity, unit_price, gross, tax, discount)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, line.SaleID, line.ProductID, line.Position, line.Quantity, line.UnitPrice, line.Gross, line.Tax, line.Discount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert sale line: %w", err)
	}
	return id, nil
}

func (u *unitOfWork) InsertAuditEntry(ctx context.Context, entry domain.AuditEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (product_id, sale_id, movement, quantity, amount, tax, discount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, entry.ProductID, nullID(entry.SaleID), entry.Movement, entry.Quantity, entry.Amount, entry.Tax, entry.Discount, entry.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return id, nil
}

func (u *unitOfWork) DecrementStock(ctx context.Context, productID int64, qty decimal.Decimal, at time.Time) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET on_hand_qty = on_hand_qty - $1, updated_at = $2
		WHERE id = $3
	`, qty, at, productID)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	return nil
}

const productColumns = `id, sku, name, category, supplier, unit_price, unit_cost, tax_rate_percent,
	on_hand_qty, reorder_threshold, unit_of_measure, warehouse, description, active, created_at, updated_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Supplier, &p.UnitPrice, &p.UnitCost, &p.TaxRatePercent,
		&p.OnHandQty, &p.ReorderThreshold, &p.UnitOfMeasure, &p.Warehouse, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func getProduct(ctx context.Context, q querier, where string, arg any) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, s.db, "id = $1", id)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return getProduct(ctx, s.db, "sku = $1", sku)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}
	if product.UnitOfMeasure == "" {
		product.UnitOfMeasure = "pcs"
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (sku, name, category, supplier, unit_price, unit_cost, tax_rate_percent,
		                      on_hand_qty, reorder_threshold, unit_of_measure, warehouse, description,
		                      active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),now())
		RETURNING id, created_at, updated_at
	`, product.SKU, product.Name, product.Category, product.Supplier, product.UnitPrice, product.UnitCost,
		product.TaxRatePercent, product.OnHandQty, product.ReorderThreshold, product.UnitOfMeasure,
		product.Warehouse, product.Description, product.Active).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()
	return &product, nil
}

func getUser(ctx context.Context, q querier, where string, arg any) (*domain.User, error) {
	var u domain.User
	err := q.QueryRowContext(ctx, `
		SELECT id, username, display_name, role, active, password_hash, created_at
		FROM users
		WHERE `+where, arg).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.Active, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return getUser(ctx, s.db, "id = $1", id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return getUser(ctx, s.db, "username = $1", strings.ToLower(strings.TrimSpace(username)))
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if err := store.ValidateUser(user); err != nil {
		return nil, err
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, display_name, role, active, password_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id, created_at
	`, user.Username, user.DisplayName, user.Role, user.Active, user.PasswordHash).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, terminal_id, subtotal, total, tax, discount,
		       payment_cash, payment_card, payment_other, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.BuyerID, &sale.TerminalID, &sale.Subtotal, &sale.Total, &sale.Tax, &sale.Discount,
		&sale.Payment.Cash, &sale.Payment.Card, &sale.Payment.Other, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, position, quantity, unit_price, gross, tax, discount
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Lines = make([]domain.SaleLine, 0, 8)
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
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.ProductID > 0 {
		add("product_id = ?", filter.ProductID)
	}
	if filter.SaleID > 0 {
		add("sale_id = ?", filter.SaleID)
	}
	if !filter.From.IsZero() {
		add("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < ?", filter.To)
	}

	query := `SELECT id, product_id, sale_id, movement, quantity, amount, tax, discount, created_at FROM audit_log`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	limit := store.NormalizeAuditLimit(filter.Limit)
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, min(limit, 128))
	for rows.Next() {
		var entry domain.AuditEntry
		var saleID sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.ProductID, &saleID, &entry.Movement, &entry.Quantity,
			&entry.Amount, &entry.Tax, &entry.Discount, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if saleID.Valid {
			id := saleID.Int64
			entry.SaleID = &id
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullID(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}
