// Package apperr holds the typed errors shared by the checkout and payment flows.
// Handlers map a Kind to an HTTP status; everything else wraps with fmt.Errorf("...: %w").
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindEmptyCart            Kind = "empty_cart"
	KindOutOfStock           Kind = "out_of_stock"
	KindInsufficientStock    Kind = "insufficient_stock"
	KindValidation           Kind = "validation"
	KindUnauthorized         Kind = "unauthorized"
	KindGatewayUnavailable   Kind = "gateway_unavailable"
	KindUnrecognizedCallback Kind = "unrecognized_callback"
	KindOrderNotFound        Kind = "order_not_found"
	KindProductNotFound      Kind = "product_not_found"
	KindNotPayable           Kind = "not_payable"
	KindNotCancellable       Kind = "not_cancellable"
	KindConflict             Kind = "conflict"
	KindUnavailable          Kind = "unavailable" // retryable
	KindInternal             Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	// Fields is only set for KindValidation: field -> message.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

func OutOfStock(productName string) *Error {
	return &Error{Kind: KindOutOfStock, Message: fmt.Sprintf("Product %s out of stock", productName)}
}

// KindOf returns the Kind of the first *Error in the chain.
// Context deadlines count as KindUnavailable, anything unknown as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindInternal
}

func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// As is errors.As for *Error.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
