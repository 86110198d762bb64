package rental

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// ValidateCreateRequest validates a create request before any mutation.
func ValidateCreateRequest(req CreateTransactionRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(req.Lines) == 0 {
		return ErrEmptyLines
	}
	for i, line := range req.Lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("line %d: %w", i+1, ErrInvalidQuantity)
		}
		if line.UnitPrice != nil && line.UnitPrice.IsNegative() {
			return fmt.Errorf("line %d: %w", i+1, ErrInvalidPrice)
		}
	}
	return validateIdempotencyKey(req.IdempotencyKey)
}

// ValidateReturnRequest validates a return request before any mutation.
func ValidateReturnRequest(req ReturnRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(req.Returns) == 0 {
		return ErrEmptyLines
	}
	for i, ret := range req.Returns {
		if ret.Quantity <= 0 {
			return fmt.Errorf("return %d: %w", i+1, ErrInvalidQuantity)
		}
	}
	return validateIdempotencyKey(req.IdempotencyKey)
}

// ValidateListRequest validates list filters.
func ValidateListRequest(req ListRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Status != nil && !req.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *req.Status)
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return fmt.Errorf("%w: date range end before start", ErrValidation)
	}
	return nil
}

func validateIdempotencyKey(key string) error {
	if key == "" {
		return nil
	}
	if _, err := uuid.Parse(key); err != nil {
		return fmt.Errorf("%w: idempotency key must be a UUID", ErrValidation)
	}
	return nil
}
