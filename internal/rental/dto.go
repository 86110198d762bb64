package rental

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentledger/rentledger/internal/shared"
)

// CreateTransactionRequest represents a request to open a rental transaction.
type CreateTransactionRequest struct {
	CustomerID int64     `json:"customer_id" validate:"required,gt=0"`
	OperatorID int64     `json:"operator_id" validate:"required,gt=0"`
	DueAt      time.Time `json:"due_at" validate:"required"`
	Notes      *string   `json:"notes,omitempty"`
	// IdempotencyKey deduplicates retried submissions when supplied. Must be
	// a UUID.
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Lines          []CreateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// CreateLineRequest represents one requested product line.
type CreateLineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
	// UnitPrice overrides the catalog price when set (negotiated price).
	// Nil means the product's current catalog price is frozen in.
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

// ReturnRequest represents a partial or full return against a transaction.
type ReturnRequest struct {
	TransactionID  int64               `json:"transaction_id" validate:"required,gt=0"`
	OperatorID     int64               `json:"operator_id" validate:"required,gt=0"`
	Notes          *string             `json:"notes,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Returns        []ReturnLineRequest `json:"returns" validate:"required,min=1,dive"`
}

// ReturnLineRequest represents returned quantity for one line.
type ReturnLineRequest struct {
	LineID   int64 `json:"line_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

// ListRequest represents filters for listing transactions.
type ListRequest struct {
	Status     *Status    `json:"status,omitempty"`
	CustomerID *int64     `json:"customer_id,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	// OverdueOnly selects transactions whose due date has passed and that
	// are not settled, whether or not the sweep has reclassified them yet.
	OverdueOnly bool `json:"overdue_only,omitempty"`
	Limit       int  `json:"limit" validate:"gte=0,lte=1000"`
	Offset      int  `json:"offset" validate:"gte=0"`
}

// ListResult is a page of transactions with pagination metadata.
type ListResult struct {
	Items      []ListItem        `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}
