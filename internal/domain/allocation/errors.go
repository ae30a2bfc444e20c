package allocation

import "github.com/erp/stockalloc/internal/domain/shared"

// Aliases so callers of this package can match failures without importing shared.
type (
	InvalidRequestError          = shared.InvalidRequestError
	InsufficientInventoryError   = shared.InsufficientInventoryError
	InsufficientLotQuantityError = shared.InsufficientLotQuantityError
	LotConflictError             = shared.LotConflictError
)

func newInvalid(field, reason string) error {
	return shared.NewInvalidRequestError(field, reason)
}
