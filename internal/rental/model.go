// Package rental implements the rental transaction lifecycle: stock
// reservation at withdrawal, partial and full returns, explicit completion,
// cancellation, and the overdue sweep. It is the only writer of product
// stock levels and keeps stock, lines and totals mutually consistent.
package rental

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a rental transaction.
type Status string

const (
	StatusActive    Status = "ACTIVE"    // Goods are out with the customer
	StatusOverdue   Status = "OVERDUE"   // Past due date, not yet settled
	StatusCompleted Status = "COMPLETED" // Fully returned or billed out
	StatusCancelled Status = "CANCELLED" // Voided, all stock credited back
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusOverdue, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further mutation.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanReturn checks if returns may still be applied.
func (s Status) CanReturn() bool {
	return s == StatusActive || s == StatusOverdue
}

// CanComplete checks if the transaction can be explicitly completed.
func (s Status) CanComplete() bool {
	return s == StatusActive || s == StatusOverdue
}

// CanCancel checks if the transaction can be cancelled.
func (s Status) CanCancel() bool {
	return s == StatusActive || s == StatusOverdue
}

// RentalTransaction represents a single customer withdrawal of goods.
type RentalTransaction struct {
	ID          int64             `json:"id" db:"id"`
	CustomerID  int64             `json:"customer_id" db:"customer_id"`
	OperatorID  int64             `json:"operator_id" db:"operator_id"`
	WithdrawnAt time.Time         `json:"withdrawn_at" db:"withdrawn_at"`
	DueAt       time.Time         `json:"due_at" db:"due_at"`
	Status      Status            `json:"status" db:"status"`
	AmountOwed  decimal.Decimal   `json:"amount_owed" db:"amount_owed"`
	Notes       *string           `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
	Lines       []TransactionLine `json:"lines,omitempty" db:"-"`
}

// TransactionLine represents one product entry within a transaction.
type TransactionLine struct {
	ID                int64 `json:"id" db:"id"`
	TransactionID     int64 `json:"transaction_id" db:"transaction_id"`
	ProductID         int64 `json:"product_id" db:"product_id"`
	QuantityWithdrawn int64 `json:"quantity_withdrawn" db:"quantity_withdrawn"`
	QuantityReturned  int64 `json:"quantity_returned" db:"quantity_returned"`
	// UnitPrice is frozen when the goods are withdrawn; later catalog price
	// changes never affect it.
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	LineOrder int             `json:"line_order" db:"line_order"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Outstanding returns the quantity still owed back to inventory.
func (l TransactionLine) Outstanding() int64 {
	return l.QuantityWithdrawn - l.QuantityReturned
}

// Product is the slice of the catalog record this package reads and whose
// stock level it owns. Descriptive fields belong to master-data CRUD.
type Product struct {
	ID           int64           `json:"id" db:"id"`
	SKU          string          `json:"sku" db:"sku"`
	Name         string          `json:"name" db:"name"`
	StockOnHand  int64           `json:"stock_on_hand" db:"stock_on_hand"`
	MinimumStock int64           `json:"minimum_stock" db:"minimum_stock"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// BelowMinimum reports whether stock has crossed the reorder threshold. The
// inclusive flag decides whether sitting exactly at the minimum counts.
func (p Product) BelowMinimum(inclusive bool) bool {
	if inclusive {
		return p.StockOnHand <= p.MinimumStock
	}
	return p.StockOnHand < p.MinimumStock
}

// AmountOwed computes the billed total from the current line set. Totals are
// always recomputed from scratch so a stored value can never drift.
func AmountOwed(lines []TransactionLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(l.Outstanding())))
	}
	return total
}

// FullyReturned reports whether every line has been returned in full.
func FullyReturned(lines []TransactionLine) bool {
	for _, l := range lines {
		if l.QuantityReturned < l.QuantityWithdrawn {
			return false
		}
	}
	return true
}

// ListItem is a transaction row enriched with line aggregates for listings.
type ListItem struct {
	RentalTransaction
	LineCount           int   `json:"line_count" db:"line_count"`
	OutstandingQuantity int64 `json:"outstanding_quantity" db:"outstanding_quantity"`
}
