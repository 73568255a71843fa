// Package apperr holds the business errors returned by settlement and collection.
package apperr

import (
	"errors"
	"fmt"
)

type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassConflict
	ClassAccess
	ClassProvider
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassConflict:
		return "conflict"
	case ClassAccess:
		return "access"
	case ClassProvider:
		return "provider"
	case ClassNotFound:
		return "not_found"
	}
	return "internal"
}

// Error is a rejected operation. Two errors match under errors.Is when their codes match.
type Error struct {
	Code    string
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e carrying a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

func newError(class Class, code, msg string) *Error {
	return &Error{Code: code, Class: class, Message: msg}
}

var (
	ErrAmountExceedsOutstanding     = newError(ClassValidation, "amount_exceeds_outstanding", "amount is more than the remaining payable amount")
	ErrPercentageExceedsOutstanding = newError(ClassValidation, "percentage_exceeds_outstanding", "percentage is more than the remaining payable percentage")
	ErrCurrencyMismatch             = newError(ClassValidation, "currency_mismatch", "currency does not match the order currency")
	ErrInvalidAmount                = newError(ClassValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidStatus                = newError(ClassValidation, "invalid_status", "order status is not valid")

	ErrDuplicatePendingPayment = newError(ClassConflict, "duplicate_pending_payment", "payer already has a payment pending on this order")
	ErrOrderCancelled          = newError(ClassConflict, "order_cancelled", "transaction changes are restricted while the order is cancelled")
	ErrAlreadyCollected        = newError(ClassConflict, "already_collected", "order has already been collected")
	ErrOrderFullyPaid          = newError(ClassConflict, "order_fully_paid", "order has already been paid in full")
	ErrNoAmountOutstanding     = newError(ClassConflict, "no_amount_outstanding", "order has no amount outstanding")
	ErrOrderHasTransactions    = newError(ClassConflict, "order_has_transactions", "order has transactions and cannot be deleted")
	ErrTransactionNotPending   = newError(ClassConflict, "transaction_not_pending", "transaction is not pending payment")
	ErrNotOrderTransaction     = newError(ClassConflict, "not_order_transaction", "transaction does not belong to an order")

	ErrAccessDenied = newError(ClassAccess, "access_denied", "you do not have permission to collect this order")
	ErrInvalidCode  = newError(ClassAccess, "invalid_code", "collection code is incorrect")
	ErrCodeExpired  = newError(ClassAccess, "code_expired", "collection code has expired")

	ErrProvider = newError(ClassProvider, "provider_error", "payment provider request failed")

	ErrOrderNotFound       = newError(ClassNotFound, "order_not_found", "order not found")
	ErrTransactionNotFound = newError(ClassNotFound, "transaction_not_found", "transaction not found")
	ErrUserNotFound        = newError(ClassNotFound, "user_not_found", "user not found")
)

// ClassOf returns the class of err, or ClassInternal when it is not an *Error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}
