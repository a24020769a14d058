package service

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable class of a business error.
type Kind string

const (
	KindValidation               Kind = "VALIDATION"
	KindForbidden                Kind = "FORBIDDEN"
	KindEmptyCart                Kind = "EMPTY_CART"
	KindProductUnavailable       Kind = "PRODUCT_UNAVAILABLE"
	KindInvalidQuantity          Kind = "INVALID_QUANTITY"
	KindVoucherNotFound          Kind = "VOUCHER_NOT_FOUND"
	KindVoucherInactiveOrExpired Kind = "VOUCHER_INACTIVE_OR_EXPIRED"
	KindOrderBelowMinimum        Kind = "ORDER_BELOW_MINIMUM"
	KindVoucherUsageLimitReached Kind = "VOUCHER_USAGE_LIMIT_REACHED"
	KindVoucherNotApplicable     Kind = "VOUCHER_NOT_APPLICABLE"
	KindInsufficientStock        Kind = "INSUFFICIENT_STOCK"
	KindOrderNotFound            Kind = "ORDER_NOT_FOUND"
	KindInvalidOrderTransition   Kind = "INVALID_ORDER_TRANSITION"
	KindConcurrentStatusConflict Kind = "CONCURRENT_STATUS_CONFLICT"
	KindPaymentNotFound          Kind = "PAYMENT_NOT_FOUND"
	KindInvalidPaymentTransition Kind = "INVALID_PAYMENT_TRANSITION"
	KindInvalidSignature         Kind = "INVALID_SIGNATURE"
	KindUnknownTransaction       Kind = "UNKNOWN_TRANSACTION"
	KindAmountMismatch           Kind = "AMOUNT_MISMATCH"
	KindInvalidCallback          Kind = "INVALID_CALLBACK"
)

// Error is a business-rule or validation failure reported to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is
var (
	ErrValidation               = &Error{Kind: KindValidation}
	ErrForbidden                = &Error{Kind: KindForbidden}
	ErrEmptyCart                = &Error{Kind: KindEmptyCart}
	ErrProductUnavailable       = &Error{Kind: KindProductUnavailable}
	ErrInvalidQuantity          = &Error{Kind: KindInvalidQuantity}
	ErrVoucherNotFound          = &Error{Kind: KindVoucherNotFound}
	ErrVoucherInactiveOrExpired = &Error{Kind: KindVoucherInactiveOrExpired}
	ErrOrderBelowMinimum        = &Error{Kind: KindOrderBelowMinimum}
	ErrVoucherUsageLimitReached = &Error{Kind: KindVoucherUsageLimitReached}
	ErrVoucherNotApplicable     = &Error{Kind: KindVoucherNotApplicable}
	ErrInsufficientStock        = &Error{Kind: KindInsufficientStock}
	ErrOrderNotFound            = &Error{Kind: KindOrderNotFound}
	ErrInvalidOrderTransition   = &Error{Kind: KindInvalidOrderTransition}
	ErrConcurrentStatusConflict = &Error{Kind: KindConcurrentStatusConflict}
	ErrPaymentNotFound          = &Error{Kind: KindPaymentNotFound}
	ErrInvalidPaymentTransition = &Error{Kind: KindInvalidPaymentTransition}
	ErrInvalidSignature         = &Error{Kind: KindInvalidSignature}
	ErrUnknownTransaction       = &Error{Kind: KindUnknownTransaction}
	ErrAmountMismatch           = &Error{Kind: KindAmountMismatch}
	ErrInvalidCallback          = &Error{Kind: KindInvalidCallback}
)

// KindOf returns the kind of a business error, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
