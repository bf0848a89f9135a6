// Package pricing turns cart line requests into priced lines and bill totals.
// It performs no I/O; callers supply the product rows they read.
package pricing

import (
	"slices"

	"github.com/shopspring/decimal"

	"kasirledger/internal/domain"
)

const (
	// MoneyScale is the number of decimal places kept for every money amount.
	MoneyScale int32 = 2
	// QuantityScale is the finest quantity accepted (grams, millilitres).
	QuantityScale int32 = 3
)

var (
	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -MoneyScale)
)

// LineRequest is one cart entry as sent by the till.
type LineRequest struct {
	ProductID int64
	Quantity  decimal.Decimal
}

// Policy carries store-level switches that change validation.
type Policy struct {
	AllowNegativeStock bool
}

// Line is a priced cart entry.
type Line struct {
	Product   domain.Product
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Gross     decimal.Decimal
	Tax       decimal.Decimal
	Discount  decimal.Decimal
}

// Quote aggregates computed pricing components.
type Quote struct {
	Lines    []Line
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Money rounds an amount to MoneyScale places.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// Compute prices requests against products in caller order.
//
// Tax is charged on line gross, before the bill discount. The discount is
// clamped to [0, subtotal] and the total is floored at zero; neither is an error.
func Compute(requests []LineRequest, products map[int64]domain.Product, requestedDiscount decimal.Decimal, policy Policy) (Quote, error) {
	lines := make([]Line, 0, len(requests))
	requested := make(map[int64]decimal.Decimal, len(requests))
	subtotal := decimal.Zero
	tax := decimal.Zero

	for _, req := range requests {
		product, ok := products[req.ProductID]
		if !ok || !product.Active {
			return Quote{}, domain.ProductNotFound(req.ProductID)
		}
		if !req.Quantity.IsPositive() {
			return Quote{}, domain.InvalidQuantity(product, "must be greater than zero")
		}
		if !req.Quantity.Equal(req.Quantity.Truncate(QuantityScale)) {
			return Quote{}, domain.InvalidQuantity(product, "too many decimal places")
		}

		// Duplicate lines of one product draw from the same stock.
		cumulative := requested[product.ID].Add(req.Quantity)
		requested[product.ID] = cumulative
		if !policy.AllowNegativeStock && cumulative.GreaterThan(product.OnHandQty) {
			return Quote{}, domain.InsufficientStock(product)
		}

		gross := Money(product.UnitPrice.Mul(req.Quantity))
		lineTax := Money(gross.Mul(product.TaxRatePercent).Div(hundred))

		lines = append(lines, Line{
			Product:   product,
			Quantity:  req.Quantity,
			UnitPrice: product.UnitPrice,
			Gross:     gross,
			Tax:       lineTax,
		})
		subtotal = subtotal.Add(gross)
		tax = tax.Add(lineTax)
	}

	discount := ClampDiscount(requestedDiscount, subtotal)
	total := subtotal.Sub(discount).Add(tax)
	if total.IsNegative() {
		total = decimal.Zero
	}

	grosses := make([]decimal.Decimal, len(lines))
	for i, line := range lines {
		grosses[i] = line.Gross
	}
	for i, share := range Allocate(discount, grosses) {
		lines[i].Discount = share
	}

	return Quote{
		Lines:    lines,
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    total,
	}, nil
}

// ClampDiscount bounds a requested bill discount to [0, subtotal].
func ClampDiscount(requested, subtotal decimal.Decimal) decimal.Decimal {
	d := Money(requested)
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(subtotal) {
		return subtotal
	}
	return d
}

// Allocate splits discount across lines in proportion to their gross using a
// largest-remainder split: every share is first rounded down to MoneyScale,
// then the leftover cents go one at a time to the lines with the largest
// remainders (earlier lines win ties). Shares sum to discount and each stays
// within [0, gross] when discount is within [0, Σ gross].
func Allocate(discount decimal.Decimal, grosses []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(grosses))
	for i := range shares {
		shares[i] = decimal.Zero
	}

	total := decimal.Zero
	for _, g := range grosses {
		total = total.Add(g)
	}
	discount = Money(discount)
	if !total.IsPositive() || !discount.IsPositive() {
		return shares
	}

	// remainders are scaled by total so they stay exact.
	remainders := make([]decimal.Decimal, len(grosses))
	allocated := decimal.Zero
	for i, g := range grosses {
		exact := discount.Mul(g)
		share := exact.Div(total).Truncate(MoneyScale)
		if share.Mul(total).GreaterThan(exact) {
			share = share.Sub(cent)
		}
		shares[i] = share
		remainders[i] = exact.Sub(share.Mul(total))
		allocated = allocated.Add(share)
	}

	order := make([]int, len(grosses))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return remainders[b].Cmp(remainders[a])
	})

	leftover := discount.Sub(allocated)
	for _, i := range order {
		if !leftover.IsPositive() {
			break
		}
		if !remainders[i].IsPositive() {
			continue
		}
		shares[i] = shares[i].Add(cent)
		leftover = leftover.Sub(cent)
	}
	return shares
}
