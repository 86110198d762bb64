package rental

import (
	"errors"
	"fmt"
)

// Domain errors for rental transactions.
var (
	// ErrNotFound indicates the requested transaction was not found.
	ErrNotFound = errors.New("rental transaction not found")
	// ErrLineNotFound indicates a return referenced a line that does not
	// belong to the transaction.
	ErrLineNotFound = errors.New("transaction line not found")
	// ErrProductNotFound indicates an unknown product reference.
	ErrProductNotFound = errors.New("product not found")

	// Validation errors. All unwrap to ErrValidation and are raised before
	// any mutation is attempted.
	ErrValidation      = errors.New("invalid input")
	ErrEmptyLines      = fmt.Errorf("%w: at least one line is required", ErrValidation)
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	ErrInvalidPrice    = fmt.Errorf("%w: unit price must not be negative", ErrValidation)
	ErrInvalidDueDate  = fmt.Errorf("%w: due date must be after withdrawal", ErrValidation)

	// ErrInvalidState indicates the transaction's current status forbids the
	// attempted operation.
	ErrInvalidState = errors.New("operation not allowed in current status")

	// Stock errors. Raised as structured values below; these sentinels make
	// them matchable with errors.Is.
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrExceedsAvailable  = errors.New("return exceeds outstanding quantity")

	// ErrConflict signals the atomic unit lost a concurrency race and was
	// rolled back; the caller may retry.
	ErrConflict = errors.New("conflicting concurrent update")
)

// InsufficientStockError reports a reservation that exceeds available stock.
type InsufficientStockError struct {
	ProductID int64
	Name      string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): available %d, requested %d",
		e.ProductID, e.Name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ExceedsAvailableError reports a return larger than a line's outstanding
// quantity.
type ExceedsAvailableError struct {
	LineID    int64
	ProductID int64
	Pending   int64
	Requested int64
}

func (e *ExceedsAvailableError) Error() string {
	return fmt.Sprintf("line %d: return of %d exceeds outstanding %d",
		e.LineID, e.Requested, e.Pending)
}

func (e *ExceedsAvailableError) Unwrap() error { return ErrExceedsAvailable }
