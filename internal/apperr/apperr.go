package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindExternal        Kind = "external"
	KindInvariant       Kind = "invariant"
	KindForbidden       Kind = "forbidden"
	KindUnauthenticated Kind = "unauthenticated"
	KindInternal        Kind = "internal"
)

// Code is a machine readable error cause.
type Code string

const (
	CodeEmptyCart         Code = "empty_cart"
	CodeProductMissing    Code = "product_missing"
	CodeInsufficientStock Code = "insufficient_stock"
	CodePaymentDeclined   Code = "payment_declined"
	CodePaymentFailed     Code = "payment_failed"
	CodeCheckoutConflict  Code = "checkout_conflict"
	CodeOrderNotFound     Code = "order_not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodeInvalidStatus     Code = "invalid_status"
	CodeNoChange          Code = "no_change"
	CodeInvalidInput      Code = "invalid_input"
	CodeForbidden         Code = "forbidden"
	CodeUnauthenticated   Code = "unauthenticated"
	CodeDuplicateRequest  Code = "duplicate_request"
	CodeConcurrentUpdate  Code = "concurrent_update"
)

// Error carries a kind, a code and an optional underlying cause.
type Error struct {
	Op      string
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs an Error without an underlying cause.
func New(op string, kind Kind, code Code, message string) *Error {
	return &Error{Op: op, Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error around err.
func Wrap(op string, kind Kind, code Code, message string, err error) *Error {
	return &Error{Op: op, Kind: kind, Code: code, Message: message, Err: err}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the code of err, or "" for foreign errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// PublicMessage returns the message safe to show to API callers.
func PublicMessage(err error) string {
	if e, ok := As(err); ok && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Code)
	}
	return "internal error"
}
