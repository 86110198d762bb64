package rental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rentledger/rentledger/internal/platform/db"
)

// Repository defines the interface for rental transaction persistence.
type Repository interface {
	// Read operations
	GetByID(ctx context.Context, id int64) (*RentalTransaction, error)
	List(ctx context.Context, req ListRequest) ([]ListItem, int, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListLowStock(ctx context.Context, inclusive bool) ([]Product, error)

	// Write operations (transactional)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	// SweepOverdue reclassifies ACTIVE transactions past due in one guarded
	// statement and returns the affected ids.
	SweepOverdue(ctx context.Context, now time.Time) ([]int64, error)
}

// TxRepository exposes write operations inside one atomic unit.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, productID int64) (Product, error)
	UpdateProductStock(ctx context.Context, productID, stockOnHand int64) error
	InsertTransaction(ctx context.Context, txn RentalTransaction) (int64, error)
	InsertLine(ctx context.Context, line TransactionLine) (int64, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (*RentalTransaction, error)
	UpdateLineReturned(ctx context.Context, lineID, quantityReturned int64) error
	UpdateTransactionState(ctx context.Context, id int64, amountOwed decimal.Decimal, status Status, notes *string) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// repository implements Repository using pgxpool.
type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// txRepository implements TxRepository.
type txRepository struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction. Serialization
// failures and deadlocks surface as ErrConflict so callers know to retry.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		if db.IsSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if db.IsSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

// GetByID retrieves a transaction by ID with its lines.
func (r *repository) GetByID(ctx context.Context, id int64) (*RentalTransaction, error) {
	txn, err := getTransaction(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}
	lines, err := getLines(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	txn.Lines = lines
	return txn, nil
}

// GetProduct retrieves a product without locking it.
func (r *repository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	query := `
		SELECT id, sku, name, stock_on_hand, minimum_stock, unit_price
		FROM products
		WHERE id = $1
	`
	product, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &product, nil
}

// ListLowStock returns products at or below their minimum stock threshold.
// The boundary comparison is driven by configuration.
func (r *repository) ListLowStock(ctx context.Context, inclusive bool) ([]Product, error) {
	op := "<"
	if inclusive {
		op = "<="
	}
	query := fmt.Sprintf(`
		SELECT id, sku, name, stock_on_hand, minimum_stock, unit_price
		FROM products
		WHERE stock_on_hand %s minimum_stock
		ORDER BY stock_on_hand - minimum_stock, id
	`, op)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

// SweepOverdue flips ACTIVE transactions whose due date has passed. The
// status guard in the WHERE clause makes the re-read and the write a single
// atomic statement, so a concurrent completion or cancellation is never
// clobbered.
func (r *repository) SweepOverdue(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		UPDATE rental_transactions
		SET status = $1, updated_at = $2
		WHERE status = $3 AND due_at < $4
		RETURNING id
	`
	rows, err := r.pool.Query(ctx, query, StatusOverdue, now, StatusActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List retrieves transactions with filters and line aggregates.
func (r *repository) List(ctx context.Context, req ListRequest) ([]ListItem, int, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	if req.Status != nil {
		conditions = append(conditions, fmt.Sprintf("t.status = $%d", argPos))
		args = append(args, *req.Status)
		argPos++
	}

	if req.CustomerID != nil {
		conditions = append(conditions, fmt.Sprintf("t.customer_id = $%d", argPos))
		args = append(args, *req.CustomerID)
		argPos++
	}

	if req.From != nil {
		conditions = append(conditions, fmt.Sprintf("t.withdrawn_at >= $%d", argPos))
		args = append(args, *req.From)
		argPos++
	}

	if req.To != nil {
		conditions = append(conditions, fmt.Sprintf("t.withdrawn_at <= $%d", argPos))
		args = append(args, *req.To)
		argPos++
	}

	if req.OverdueOnly {
		conditions = append(conditions, fmt.Sprintf("t.due_at < now() AND t.status IN ($%d, $%d)", argPos, argPos+1))
		args = append(args, StatusActive, StatusOverdue)
		argPos += 2
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM rental_transactions t %s`, whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.customer_id, t.operator_id, t.withdrawn_at, t.due_at,
		       t.status, t.amount_owed, t.notes, t.created_at, t.updated_at,
		       COUNT(l.id) AS line_count,
		       COALESCE(SUM(l.quantity_withdrawn - l.quantity_returned), 0) AS outstanding_quantity
		FROM rental_transactions t
		LEFT JOIN rental_transaction_lines l ON l.transaction_id = t.id
		%s
		GROUP BY t.id, t.customer_id, t.operator_id, t.withdrawn_at, t.due_at,
		         t.status, t.amount_owed, t.notes, t.created_at, t.updated_at
		ORDER BY t.withdrawn_at DESC, t.id DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argPos, argPos+1)

	args = append(args, req.Limit, req.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []ListItem
	for rows.Next() {
		var item ListItem
		var amount pgtype.Numeric
		err := rows.Scan(
			&item.ID, &item.CustomerID, &item.OperatorID, &item.WithdrawnAt,
			&item.DueAt, &item.Status, &amount, &item.Notes, &item.CreatedAt,
			&item.UpdatedAt, &item.LineCount, &item.OutstandingQuantity,
		)
		if err != nil {
			return nil, 0, err
		}
		if item.AmountOwed, err = numericToDecimal(amount); err != nil {
			return nil, 0, err
		}
		results = append(results, item)
	}

	return results, total, rows.Err()
}

func getTransaction(ctx context.Context, q dbtx, id int64, forUpdate bool) (*RentalTransaction, error) {
	query := `
		SELECT id, customer_id, operator_id, withdrawn_at, due_at, status,
		       amount_owed, notes, created_at, updated_at
		FROM rental_transactions
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var txn RentalTransaction
	var amount pgtype.Numeric
	err := q.QueryRow(ctx, query, id).Scan(
		&txn.ID, &txn.CustomerID, &txn.OperatorID, &txn.WithdrawnAt, &txn.DueAt,
		&txn.Status, &amount, &txn.Notes, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if txn.AmountOwed, err = numericToDecimal(amount); err != nil {
		return nil, err
	}
	return &txn, nil
}

func getLines(ctx context.Context, q dbtx, transactionID int64) ([]TransactionLine, error) {
	query := `
		SELECT id, transaction_id, product_id, quantity_withdrawn,
		       quantity_returned, unit_price, line_order, created_at, updated_at
		FROM rental_transaction_lines
		WHERE transaction_id = $1
		ORDER BY line_order, id
	`
	rows, err := q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []TransactionLine
	for rows.Next() {
		var line TransactionLine
		var price pgtype.Numeric
		err := rows.Scan(
			&line.ID, &line.TransactionID, &line.ProductID, &line.QuantityWithdrawn,
			&line.QuantityReturned, &price, &line.LineOrder, &line.CreatedAt, &line.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if line.UnitPrice, err = numericToDecimal(price); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	return lines, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var product Product
	var price pgtype.Numeric
	err := row.Scan(
		&product.ID, &product.SKU, &product.Name, &product.StockOnHand,
		&product.MinimumStock, &price,
	)
	if err != nil {
		return Product{}, err
	}
	if product.UnitPrice, err = numericToDecimal(price); err != nil {
		return Product{}, err
	}
	return product, nil
}

func numericToDecimal(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Decimal{}, errors.New("rental: numeric value is not finite")
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
