package shared

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target is a DomainError with the same code
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if !errors.As(target, &de) {
		return false
	}
	return de.Code == e.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists       = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrConcurrencyConflict = NewDomainError("CONCURRENCY_CONFLICT", "Resource was modified by another process")

	ErrInvalidRequest          = NewDomainError("INVALID_REQUEST", "Invalid allocation request")
	ErrInsufficientInventory   = NewDomainError("INSUFFICIENT_INVENTORY", "Insufficient inventory available")
	ErrInsufficientLotQuantity = NewDomainError("INSUFFICIENT_LOT_QUANTITY", "Insufficient quantity remaining in lot")
	ErrLotConflict             = NewDomainError("LOT_CONFLICT", "Lot quantity changed since allocation was planned")
	ErrMissingTaxRate          = NewDomainError("MISSING_TAX_RATE", "Tax rate is not configured for item")
	ErrInvalidTaxRate          = NewDomainError("INVALID_TAX_RATE", "Tax rate must not be negative")
)

// ErrorCode extracts the domain error code from err, or "" if err carries none
func ErrorCode(err error) string {
	var coded interface{ DomainCode() string }
	if errors.As(err, &coded) {
		return coded.DomainCode()
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// InvalidRequestError is returned for malformed input. It is never retried.
type InvalidRequestError struct {
	Field  string
	Reason string
}

// NewInvalidRequestError creates an InvalidRequestError
func NewInvalidRequestError(field, reason string) *InvalidRequestError {
	return &InvalidRequestError{Field: field, Reason: reason}
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// DomainCode returns the error code
func (e *InvalidRequestError) DomainCode() string { return ErrInvalidRequest.Code }

// Is matches ErrInvalidRequest
func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }

// InsufficientInventoryError reports that the available lots cannot cover a request.
type InsufficientInventoryError struct {
	ItemID     string
	LocationID string
	Requested  decimal.Decimal
	Available  decimal.Decimal
	Deficit    decimal.Decimal
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for item %s at %s: requested %s, available %s, short by %s",
		e.ItemID, e.LocationID, e.Requested.String(), e.Available.String(), e.Deficit.String())
}

// DomainCode returns the error code
func (e *InsufficientInventoryError) DomainCode() string { return ErrInsufficientInventory.Code }

// Is matches ErrInsufficientInventory
func (e *InsufficientInventoryError) Is(target error) bool { return target == ErrInsufficientInventory }

// InsufficientLotQuantityError reports a manual selection larger than the lot's remaining quantity.
type InsufficientLotQuantityError struct {
	LotID     string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

// Deficit returns how much the selection exceeds the lot
func (e *InsufficientLotQuantityError) Deficit() decimal.Decimal {
	return e.Requested.Sub(e.Remaining)
}

func (e *InsufficientLotQuantityError) Error() string {
	return fmt.Sprintf("lot %s has %s remaining, %s requested (short by %s)",
		e.LotID, e.Remaining.String(), e.Requested.String(), e.Deficit().String())
}

// DomainCode returns the error code
func (e *InsufficientLotQuantityError) DomainCode() string { return ErrInsufficientLotQuantity.Code }

// Is matches ErrInsufficientLotQuantity
func (e *InsufficientLotQuantityError) Is(target error) bool {
	return target == ErrInsufficientLotQuantity
}

// LotConflictError is returned by commit when a lot's remaining quantity dropped
// below the planned allocation between planning and commit.
type LotConflictError struct {
	LotID   string
	Planned decimal.Decimal
}

func (e *LotConflictError) Error() string {
	return fmt.Sprintf("lot %s no longer has %s remaining", e.LotID, e.Planned.String())
}

// DomainCode returns the error code
func (e *LotConflictError) DomainCode() string { return ErrLotConflict.Code }

// Is matches ErrLotConflict and ErrConcurrencyConflict
func (e *LotConflictError) Is(target error) bool {
	return target == ErrLotConflict || target == ErrConcurrencyConflict
}

// MissingTaxRateError is returned when no tax rate is configured for an item.
// An unconfigured rate is never treated as 0%.
type MissingTaxRateError struct {
	ItemID string
}

func (e *MissingTaxRateError) Error() string {
	return fmt.Sprintf("tax rate is not configured for item %s", e.ItemID)
}

// DomainCode returns the error code
func (e *MissingTaxRateError) DomainCode() string { return ErrMissingTaxRate.Code }

// Is matches ErrMissingTaxRate
func (e *MissingTaxRateError) Is(target error) bool { return target == ErrMissingTaxRate }

// InvalidTaxRateError is returned for a negative tax rate.
type InvalidTaxRateError struct {
	ItemID string
	Rate   decimal.Decimal
}

func (e *InvalidTaxRateError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("invalid tax rate %s%%", e.Rate.String())
	}
	return fmt.Sprintf("invalid tax rate %s%% for item %s", e.Rate.String(), e.ItemID)
}

// DomainCode returns the error code
func (e *InvalidTaxRateError) DomainCode() string { return ErrInvalidTaxRate.Code }

// Is matches ErrInvalidTaxRate
func (e *InvalidTaxRateError) Is(target error) bool { return target == ErrInvalidTaxRate }

// IsRetryable reports whether err may succeed after re-planning.
// Only lot conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLotConflict)
}
