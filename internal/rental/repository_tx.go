package rental

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// GetProductForUpdate locks the product row for the duration of the
// transaction. Every stock mutation goes through this lock, which is what
// keeps concurrent withdrawals from overselling.
func (r *txRepository) GetProductForUpdate(ctx context.Context, productID int64) (Product, error) {
	query := `
		SELECT id, sku, name, stock_on_hand, minimum_stock, unit_price
		FROM products
		WHERE id = $1
		FOR UPDATE
	`
	product, err := scanProduct(r.tx.QueryRow(ctx, query, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return product, nil
}

func (r *txRepository) UpdateProductStock(ctx context.Context, productID, stockOnHand int64) error {
	query := `
		UPDATE products
		SET stock_on_hand = $2, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query, productID, stockOnHand)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, txn RentalTransaction) (int64, error) {
	query := `
		INSERT INTO rental_transactions (
			customer_id, operator_id, withdrawn_at, due_at, status,
			amount_owed, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING id
	`
	var id int64
	err := r.tx.QueryRow(ctx, query,
		txn.CustomerID, txn.OperatorID, txn.WithdrawnAt, txn.DueAt, txn.Status,
		decimalToNumeric(txn.AmountOwed), txn.Notes,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertLine(ctx context.Context, line TransactionLine) (int64, error) {
	query := `
		INSERT INTO rental_transaction_lines (
			transaction_id, product_id, quantity_withdrawn, quantity_returned,
			unit_price, line_order, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING id
	`
	var id int64
	err := r.tx.QueryRow(ctx, query,
		line.TransactionID, line.ProductID, line.QuantityWithdrawn,
		line.QuantityReturned, decimalToNumeric(line.UnitPrice), line.LineOrder,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetTransactionForUpdate locks the transaction header and loads its lines.
// Returns, completion and cancellation all start here so concurrent
// lifecycle mutations serialize on the header row.
func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (*RentalTransaction, error) {
	txn, err := getTransaction(ctx, r.tx, id, true)
	if err != nil {
		return nil, err
	}
	lines, err := getLines(ctx, r.tx, id)
	if err != nil {
		return nil, err
	}
	txn.Lines = lines
	return txn, nil
}

func (r *txRepository) UpdateLineReturned(ctx context.Context, lineID, quantityReturned int64) error {
	query := `
		UPDATE rental_transaction_lines
		SET quantity_returned = $2, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query, lineID, quantityReturned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

// UpdateTransactionState writes the recomputed balance, the new status and
// the full notes value in one statement.
func (r *txRepository) UpdateTransactionState(ctx context.Context, id int64, amountOwed decimal.Decimal, status Status, notes *string) error {
	query := `
		UPDATE rental_transactions
		SET amount_owed = $2, status = $3, notes = $4, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query, id, decimalToNumeric(amountOwed), status, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
