package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRateMissing       = errors.New("exchange rate missing")
	ErrRecalcInProgress  = errors.New("recalculation already running for budget")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrZeroAmount        = errors.New("amount must not be zero")
	ErrWrongSign         = errors.New("amount sign does not match operation kind")
	ErrYearOutOfBounds   = errors.New("year out of bounds")
	ErrInvalidMonth      = errors.New("invalid month")
	ErrInvalidKind       = errors.New("invalid operation kind")
	ErrInvalidTZOffset   = errors.New("invalid time zone offset")
	ErrDuplicateCategory = errors.New("duplicate category")
	ErrCategoryLevel     = errors.New("category at level 1 cannot carry amounts")
	ErrTotalMismatch     = errors.New("allocation total does not match operation amount")
	ErrTooManySplits     = errors.New("too many allocations")
	ErrLinkedTransfer    = errors.New("field is locked by transfer link")
	ErrNotPlannable      = errors.New("planned value is not editable")
	ErrCreditLimit       = errors.New("credit limit allowed only for credit accounts")
	ErrRequired          = errors.New("value required")
	ErrInvalidCurrency   = errors.New("invalid reporting currency")
)

// ValidationError reports user input that violates a declared constraint.
// Field names the offending input so callers can attach the message to it.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Field != "" {
		b.WriteString(" on ")
		b.WriteString(e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError for field wrapping the sentinel err.
func Invalid(field string, err error, reason string, args ...any) *ValidationError {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

// TotalMismatchError is the allocation-layer ValidationError that carries the required total.
func TotalMismatchError(required, got decimal.Decimal) *ValidationError {
	return Invalid("allocations", ErrTotalMismatch, "required total %s, got %s", required.StringFixed(2), got.StringFixed(2))
}

// ConflictError reports a referential violation, e.g. deleting a referenced account.
type ConflictError struct {
	Ref    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Ref, e.Reason)
}

// ConsistencyError reports an invariant that cannot be repaired online.
type ConsistencyError struct {
	Reason     string
	AccountIDs []int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error: %s (accounts %v)", e.Reason, e.AccountIDs)
}

// StoreError wraps a database failure; the surrounding atomic unit is aborted.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
