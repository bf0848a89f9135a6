package domain

import (
	"errors"
	"fmt"
)

// Kind tags checkout failures so transports can map them without string matching.
type Kind string

const (
	KindProductNotFound    Kind = "product_not_found"
	KindInvalidQuantity    Kind = "invalid_quantity"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindEmptyCart          Kind = "empty_cart"
	KindUnauthorizedActor  Kind = "unauthorized_actor"
	KindInvalidPayment     Kind = "invalid_payment"
	KindPaymentMismatch    Kind = "payment_mismatch"
	KindCheckoutInProgress Kind = "checkout_in_progress"
	KindCheckoutFailed     Kind = "checkout_failed"
)

// Sentinels for errors.Is; matching is by Kind only.
var (
	ErrProductNotFound    = &Error{Kind: KindProductNotFound, Message: "product not found"}
	ErrInvalidQuantity    = &Error{Kind: KindInvalidQuantity, Message: "invalid quantity"}
	ErrInsufficientStock  = &Error{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrEmptyCart          = &Error{Kind: KindEmptyCart, Message: "cart is empty"}
	ErrUnauthorizedActor  = &Error{Kind: KindUnauthorizedActor, Message: "buyer is not an active user"}
	ErrInvalidPayment     = &Error{Kind: KindInvalidPayment, Message: "payment amounts must not be negative"}
	ErrPaymentMismatch    = &Error{Kind: KindPaymentMismatch, Message: "payment does not match total"}
	ErrCheckoutInProgress = &Error{Kind: KindCheckoutInProgress, Message: "another checkout is in progress"}
	ErrCheckoutFailed     = &Error{Kind: KindCheckoutFailed, Message: "checkout failed"}
)

// Error is a structured checkout error. Message is safe to show to an operator.
type Error struct {
	Kind        Kind
	Message     string
	ProductID   int64
	ProductName string
	Cause       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil && e.Kind == KindCheckoutFailed {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func ProductNotFound(productID int64) *Error {
	return &Error{
		Kind:      KindProductNotFound,
		Message:   fmt.Sprintf("product %d not found", productID),
		ProductID: productID,
	}
}

func InvalidQuantity(product Product, reason string) *Error {
	return &Error{
		Kind:        KindInvalidQuantity,
		Message:     fmt.Sprintf("invalid quantity for %s: %s", product.Name, reason),
		ProductID:   product.ID,
		ProductName: product.Name,
	}
}

func InsufficientStock(product Product) *Error {
	return &Error{
		Kind:        KindInsufficientStock,
		Message:     fmt.Sprintf("insufficient stock for %s (on hand %s)", product.Name, product.OnHandQty.String()),
		ProductID:   product.ID,
		ProductName: product.Name,
	}
}

// CheckoutFailed wraps a persistence failure. The unit of work has been rolled back.
func CheckoutFailed(cause error) *Error {
	return &Error{Kind: KindCheckoutFailed, Message: "checkout failed", Cause: cause}
}

// KindOf returns the Kind carried by err, or "" for untagged errors.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

// IsValidation reports whether err was raised before any write and must not be retried.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case "", KindCheckoutFailed:
		return false
	default:
		return true
	}
}
