package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID               int64           `json:"id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Category         string          `json:"category"`
	Supplier         string          `json:"supplier,omitempty"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	TaxRatePercent   decimal.Decimal `json:"tax_rate_percent"`
	OnHandQty        decimal.Decimal `json:"on_hand_qty"`
	ReorderThreshold decimal.Decimal `json:"reorder_threshold"`
	UnitOfMeasure    string          `json:"unit_of_measure"`
	Warehouse        string          `json:"warehouse,omitempty"`
	Description      string          `json:"description,omitempty"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NeedsReorder reports whether on-hand stock has fallen to the reorder threshold.
func (p Product) NeedsReorder() bool {
	return p.ReorderThreshold.IsPositive() && p.OnHandQty.LessThanOrEqual(p.ReorderThreshold)
}

// User is the buyer/operator a sale is attributed to. Only Active matters to checkout.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Actor struct {
	UserID   int64
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// PaymentSplit is the tender breakdown of a sale. It is stored as three named columns.
type PaymentSplit struct {
	Cash  decimal.Decimal `json:"cash"`
	Card  decimal.Decimal `json:"card"`
	Other decimal.Decimal `json:"other"`
}

func (p PaymentSplit) Total() decimal.Decimal {
	return p.Cash.Add(p.Card).Add(p.Other)
}

type CartItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type CheckoutRequest struct {
	BuyerID      int64
	TerminalID   string
	Discount     decimal.Decimal
	PaymentSplit PaymentSplit
	Items        []CartItem
}

type CheckoutResult struct {
	SaleID      int64           `json:"sale_id"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Tax         decimal.Decimal `json:"tax"`
	Discount    decimal.Decimal `json:"discount"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Sale struct {
	ID         int64           `json:"id"`
	BuyerID    int64           `json:"buyer_id"`
	TerminalID string          `json:"terminal_id,omitempty"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Total      decimal.Decimal `json:"total"`
	Tax        decimal.Decimal `json:"tax"`
	Discount   decimal.Decimal `json:"discount"`
	Payment    PaymentSplit    `json:"payment"`
	CreatedAt  time.Time       `json:"created_at"`
	Lines      []SaleLine      `json:"lines"`
}

type SaleLine struct {
	ID        int64           `json:"id"`
	SaleID    int64           `json:"sale_id"`
	ProductID int64           `json:"product_id"`
	Position  int             `json:"position"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Gross     decimal.Decimal `json:"gross"`
	Tax       decimal.Decimal `json:"tax"`
	Discount  decimal.Decimal `json:"discount"`
}

const MovementSale = "sale"

type AuditEntry struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	SaleID    *int64          `json:"sale_id,omitempty"`
	Movement  string          `json:"movement"`
	Quantity  decimal.Decimal `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	Tax       decimal.Decimal `json:"tax"`
	Discount  decimal.Decimal `json:"discount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Receipt is a read-side projection of a sale for printing; it is never persisted.
type Receipt struct {
	SaleID     int64           `json:"sale_id"`
	Number     string          `json:"number"`
	IssuedAt   time.Time       `json:"issued_at"`
	TerminalID string          `json:"terminal_id,omitempty"`
	Cashier    string          `json:"cashier"`
	Lines      []ReceiptLine   `json:"lines"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	Payment    PaymentSplit    `json:"payment"`
	Tendered   decimal.Decimal `json:"tendered"`
	Change     decimal.Decimal `json:"change"`
}

type ReceiptLine struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Gross     decimal.Decimal `json:"gross"`
	Discount  decimal.Decimal `json:"discount"`
	Tax       decimal.Decimal `json:"tax"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
