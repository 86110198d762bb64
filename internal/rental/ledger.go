package rental

import (
	"context"
)

// Ledger owns the stock level mutations on products. Every method must run
// against the TxRepository of the atomic unit that also persists the rental
// mutation which triggered it, so a reservation can never outlive a failed
// transaction insert or vice versa.
type Ledger struct{}

// Reserve decrements stock for a withdrawal. The repository reads the
// product row with a row lock, so the check and the decrement are a single
// step to any concurrent transaction. Returns the product with the updated
// stock level.
func (Ledger) Reserve(ctx context.Context, tx TxRepository, productID, qty int64) (Product, error) {
	if qty <= 0 {
		return Product{}, ErrInvalidQuantity
	}
	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	if product.StockOnHand < qty {
		return Product{}, &InsufficientStockError{
			ProductID: product.ID,
			Name:      product.Name,
			Available: product.StockOnHand,
			Requested: qty,
		}
	}
	product.StockOnHand -= qty
	if err := tx.UpdateProductStock(ctx, product.ID, product.StockOnHand); err != nil {
		return Product{}, err
	}
	return product, nil
}

// Credit returns stock to inventory after a return or cancellation. A zero
// quantity is a no-op; negative quantities are rejected.
func (Ledger) Credit(ctx context.Context, tx TxRepository, productID, qty int64) (Product, error) {
	if qty < 0 {
		return Product{}, ErrInvalidQuantity
	}
	if qty == 0 {
		return Product{}, nil
	}
	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	product.StockOnHand += qty
	if err := tx.UpdateProductStock(ctx, product.ID, product.StockOnHand); err != nil {
		return Product{}, err
	}
	return product, nil
}
