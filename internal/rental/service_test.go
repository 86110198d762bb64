package rental

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type memoryRepo struct {
	mu           sync.Mutex
	products     map[int64]Product
	transactions map[int64]RentalTransaction
	lines        map[int64][]TransactionLine
	nextTxnID    int64
	nextLineID   int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		products:     make(map[int64]Product),
		transactions: make(map[int64]RentalTransaction),
		lines:        make(map[int64][]TransactionLine),
	}
}

func (r *memoryRepo) addProduct(id int64, stock, minimum int64, price string) {
	r.products[id] = Product{
		ID:           id,
		SKU:          "SKU-" + decimal.NewFromInt(id).String(),
		Name:         "Product " + decimal.NewFromInt(id).String(),
		StockOnHand:  stock,
		MinimumStock: minimum,
		UnitPrice:    decimal.RequireFromString(price),
	}
}

type memorySnapshot struct {
	products     map[int64]Product
	transactions map[int64]RentalTransaction
	lines        map[int64][]TransactionLine
}

func (r *memoryRepo) snapshot() memorySnapshot {
	snap := memorySnapshot{
		products:     make(map[int64]Product, len(r.products)),
		transactions: make(map[int64]RentalTransaction, len(r.transactions)),
		lines:        make(map[int64][]TransactionLine, len(r.lines)),
	}
	for id, p := range r.products {
		snap.products[id] = p
	}
	for id, t := range r.transactions {
		snap.transactions[id] = t
	}
	for id, ls := range r.lines {
		snap.lines[id] = append([]TransactionLine(nil), ls...)
	}
	return snap
}

// WithTx serializes callers and rolls the whole store back when fn fails,
// mirroring the all-or-nothing behaviour of the real transaction.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.products = snap.products
		r.transactions = snap.transactions
		r.lines = snap.lines
		return err
	}
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id int64) (*RentalTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getByID(id)
}

func (r *memoryRepo) getByID(id int64) (*RentalTransaction, error) {
	txn, ok := r.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	txn.Lines = append([]TransactionLine(nil), r.lines[id]...)
	sort.Slice(txn.Lines, func(i, j int) bool { return txn.Lines[i].LineOrder < txn.Lines[j].LineOrder })
	return &txn, nil
}

func (r *memoryRepo) List(ctx context.Context, req ListRequest) ([]ListItem, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []ListItem
	for id, txn := range r.transactions {
		if req.Status != nil && txn.Status != *req.Status {
			continue
		}
		if req.CustomerID != nil && txn.CustomerID != *req.CustomerID {
			continue
		}
		if req.From != nil && txn.WithdrawnAt.Before(*req.From) {
			continue
		}
		if req.To != nil && txn.WithdrawnAt.After(*req.To) {
			continue
		}
		if req.OverdueOnly {
			if !txn.DueAt.Before(time.Now()) || !txn.Status.CanReturn() {
				continue
			}
		}
		item := ListItem{RentalTransaction: txn}
		for _, l := range r.lines[id] {
			item.LineCount++
			item.OutstandingQuantity += l.Outstanding()
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].WithdrawnAt.Equal(matched[j].WithdrawnAt) {
			return matched[i].WithdrawnAt.After(matched[j].WithdrawnAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if req.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[req.Offset:]
	if req.Limit > 0 && req.Limit < len(matched) {
		matched = matched[:req.Limit]
	}
	return matched, total, nil
}

func (r *memoryRepo) GetProduct(ctx context.Context, id int64) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (r *memoryRepo) ListLowStock(ctx context.Context, inclusive bool) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Product
	for _, p := range r.products {
		if p.BelowMinimum(inclusive) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) SweepOverdue(ctx context.Context, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, txn := range r.transactions {
		if txn.Status == StatusActive && txn.DueAt.Before(now) {
			txn.Status = StatusOverdue
			txn.UpdatedAt = now
			r.transactions[id] = txn
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, productID int64) (Product, error) {
	p, ok := tx.repo.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (tx *memoryTx) UpdateProductStock(ctx context.Context, productID, stockOnHand int64) error {
	p, ok := tx.repo.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.StockOnHand = stockOnHand
	tx.repo.products[productID] = p
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, txn RentalTransaction) (int64, error) {
	tx.repo.nextTxnID++
	txn.ID = tx.repo.nextTxnID
	txn.CreatedAt = time.Now()
	txn.UpdatedAt = txn.CreatedAt
	txn.Lines = nil
	tx.repo.transactions[txn.ID] = txn
	return txn.ID, nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line TransactionLine) (int64, error) {
	tx.repo.nextLineID++
	line.ID = tx.repo.nextLineID
	line.CreatedAt = time.Now()
	line.UpdatedAt = line.CreatedAt
	tx.repo.lines[line.TransactionID] = append(tx.repo.lines[line.TransactionID], line)
	return line.ID, nil
}

func (tx *memoryTx) GetTransactionForUpdate(ctx context.Context, id int64) (*RentalTransaction, error) {
	return tx.repo.getByID(id)
}

func (tx *memoryTx) UpdateLineReturned(ctx context.Context, lineID, quantityReturned int64) error {
	for txnID, lines := range tx.repo.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				lines[i].QuantityReturned = quantityReturned
				lines[i].UpdatedAt = time.Now()
				tx.repo.lines[txnID] = lines
				return nil
			}
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) UpdateTransactionState(ctx context.Context, id int64, amountOwed decimal.Decimal, status Status, notes *string) error {
	txn, ok := tx.repo.transactions[id]
	if !ok {
		return ErrNotFound
	}
	txn.AmountOwed = amountOwed
	txn.Status = status
	txn.Notes = notes
	txn.UpdatedAt = time.Now()
	tx.repo.transactions[id] = txn
	return nil
}

func newTestService(repo *memoryRepo) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, nil, nil, ServiceConfig{Logger: logger, LowStockInclusive: true})
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "want amount %s, got %s", want, got)
}

func dueTomorrow() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func TestCreateTransactionReservesStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, txn.Status)
	requireAmount(t, "8.00", txn.AmountOwed)
	require.Len(t, txn.Lines, 1)
	require.Equal(t, int64(4), txn.Lines[0].QuantityWithdrawn)
	require.Equal(t, int64(0), txn.Lines[0].QuantityReturned)
	requireAmount(t, "2.00", txn.Lines[0].UnitPrice)
	require.False(t, txn.WithdrawnAt.IsZero())

	product, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(6), product.StockOnHand)
}

func TestCreateTransactionFreezesOverridePrice(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)

	override := decimal.RequireFromString("1.50")
	txn, err := svc.CreateTransaction(context.Background(), CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 2, UnitPrice: &override}},
	})
	require.NoError(t, err)
	requireAmount(t, "1.50", txn.Lines[0].UnitPrice)
	requireAmount(t, "3.00", txn.AmountOwed)

	// A later catalog change must not touch the frozen price.
	repo.mu.Lock()
	p := repo.products[1]
	p.UnitPrice = decimal.RequireFromString("9.99")
	repo.products[1] = p
	repo.mu.Unlock()

	got, err := svc.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	requireAmount(t, "1.50", got.Lines[0].UnitPrice)
}

func TestCreateTransactionAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	repo.addProduct(2, 1, 0, "5.00")
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines: []CreateLineRequest{
			{ProductID: 1, Quantity: 4},
			{ProductID: 2, Quantity: 3},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, int64(2), stockErr.ProductID)
	require.Equal(t, int64(1), stockErr.Available)
	require.Equal(t, int64(3), stockErr.Requested)

	// The first line's reservation must have been rolled back.
	p1, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), p1.StockOnHand)
	p2, err := repo.GetProduct(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), p2.StockOnHand)
}

func TestCreateTransactionUnknownProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.CreateTransaction(context.Background(), CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 99, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestCreateTransactionRejectsPastDueDate(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)

	_, err := svc.CreateTransaction(context.Background(), CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      time.Now().Add(-time.Hour),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, ErrInvalidDueDate)
}

func TestCreateTransactionValidation(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	negative := decimal.RequireFromString("-1.00")

	cases := []struct {
		name string
		req  CreateTransactionRequest
	}{
		{
			name: "missing customer",
			req: CreateTransactionRequest{
				OperatorID: 3,
				DueAt:      dueTomorrow(),
				Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 1}},
			},
		},
		{
			name: "no lines",
			req: CreateTransactionRequest{
				CustomerID: 7,
				OperatorID: 3,
				DueAt:      dueTomorrow(),
			},
		},
		{
			name: "zero quantity",
			req: CreateTransactionRequest{
				CustomerID: 7,
				OperatorID: 3,
				DueAt:      dueTomorrow(),
				Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 0}},
			},
		},
		{
			name: "negative price override",
			req: CreateTransactionRequest{
				CustomerID: 7,
				OperatorID: 3,
				DueAt:      dueTomorrow(),
				Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 1, UnitPrice: &negative}},
			},
		},
		{
			name: "malformed idempotency key",
			req: CreateTransactionRequest{
				CustomerID:     7,
				OperatorID:     3,
				DueAt:          dueTomorrow(),
				IdempotencyKey: "not-a-uuid",
				Lines:          []CreateLineRequest{{ProductID: 1, Quantity: 1}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTransaction(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	// Validation failures must not move stock.
	p, err := repo.GetProduct(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), p.StockOnHand)
}

func TestProcessReturnPartialThenComplete(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)
	lineID := txn.Lines[0].ID

	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: lineID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, txn.Status)
	require.Equal(t, int64(1), txn.Lines[0].QuantityReturned)
	requireAmount(t, "6.00", txn.AmountOwed)

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), p.StockOnHand)

	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: lineID, Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, txn.Status)
	require.Equal(t, int64(4), txn.Lines[0].QuantityReturned)
	requireAmount(t, "0.00", txn.AmountOwed)

	p, err = repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), p.StockOnHand)
}

func TestProcessReturnExceedsOutstanding(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	repo.addProduct(2, 10, 0, "3.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines: []CreateLineRequest{
			{ProductID: 1, Quantity: 4},
			{ProductID: 2, Quantity: 2},
		},
	})
	require.NoError(t, err)

	// One valid line and one over-return: the whole batch must fail and the
	// valid line must stay untouched.
	_, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns: []ReturnLineRequest{
			{LineID: txn.Lines[0].ID, Quantity: 2},
			{LineID: txn.Lines[1].ID, Quantity: 5},
		},
	})
	require.ErrorIs(t, err, ErrExceedsAvailable)

	var exceedsErr *ExceedsAvailableError
	require.ErrorAs(t, err, &exceedsErr)
	require.Equal(t, txn.Lines[1].ID, exceedsErr.LineID)
	require.Equal(t, int64(2), exceedsErr.Pending)
	require.Equal(t, int64(5), exceedsErr.Requested)

	got, err := svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Lines[0].QuantityReturned)
	require.Equal(t, int64(0), got.Lines[1].QuantityReturned)
	requireAmount(t, "14.00", got.AmountOwed)

	p1, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(6), p1.StockOnHand)
}

func TestProcessReturnFoldsDuplicateLines(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)
	lineID := txn.Lines[0].ID

	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns: []ReturnLineRequest{
			{LineID: lineID, Quantity: 1},
			{LineID: lineID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), txn.Lines[0].QuantityReturned)
	requireAmount(t, "2.00", txn.AmountOwed)

	// Folded duplicates that together exceed the outstanding quantity are
	// rejected as one over-return.
	_, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns: []ReturnLineRequest{
			{LineID: lineID, Quantity: 1},
			{LineID: lineID, Quantity: 1},
		},
	})
	require.ErrorIs(t, err, ErrExceedsAvailable)
}

func TestProcessReturnUnknownLine(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)

	_, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: 999, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrLineNotFound)
}

func TestProcessReturnAppendsTaggedNote(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	opening := "opened at counter"
	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Notes:      &opening,
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)

	note := "customer returned one damaged"
	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Notes:         &note,
		Returns:       []ReturnLineRequest{{LineID: txn.Lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotNil(t, txn.Notes)
	require.Contains(t, *txn.Notes, "opened at counter")
	require.Contains(t, *txn.Notes, "[return ")
	require.Contains(t, *txn.Notes, "customer returned one damaged")
}

func TestProcessReturnRejectedOnTerminalStatus(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)
	lineID := txn.Lines[0].ID

	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: lineID, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, txn.Status)

	_, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: lineID, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestProcessReturnOnOverdueCompletes(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      time.Now().Add(time.Minute),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	swept, err := svc.SweepOverdue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []int64{txn.ID}, swept)

	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: txn.Lines[0].ID, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, txn.Status)
	requireAmount(t, "0.00", txn.AmountOwed)
}

func TestProcessReturnHealsDriftedTotal(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)

	// Corrupt the stored total; the recompute-from-lines on the next return
	// must repair it rather than apply a delta on top of the bad value.
	repo.mu.Lock()
	bad := repo.transactions[txn.ID]
	bad.AmountOwed = decimal.RequireFromString("123.45")
	repo.transactions[txn.ID] = bad
	repo.mu.Unlock()

	txn, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: txn.Lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)
	requireAmount(t, "6.00", txn.AmountOwed)
}

func TestCompleteTransactionKeepsOutstandingCharges(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)

	_, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: txn.Lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)

	txn, err = svc.CompleteTransaction(ctx, txn.ID, 3)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, txn.Status)
	requireAmount(t, "6.00", txn.AmountOwed)
	require.Equal(t, int64(1), txn.Lines[0].QuantityReturned)

	// Goods kept by the customer never go back to stock.
	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), p.StockOnHand)

	_, err = svc.CompleteTransaction(ctx, txn.ID, 3)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelTransaction(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)

	txn, err = svc.CancelTransaction(ctx, txn.ID, 3)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, txn.Status)
	requireAmount(t, "0.00", txn.AmountOwed)
	require.Equal(t, int64(4), txn.Lines[0].QuantityReturned)

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), p.StockOnHand)

	// Cancellation is not idempotent: a second attempt surfaces the error.
	_, err = svc.CancelTransaction(ctx, txn.ID, 3)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelCreditsOnlyOutstanding(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 4}},
	})
	require.NoError(t, err)

	_, err = svc.ProcessReturn(ctx, ReturnRequest{
		TransactionID: txn.ID,
		OperatorID:    3,
		Returns:       []ReturnLineRequest{{LineID: txn.Lines[0].ID, Quantity: 1}},
	})
	require.NoError(t, err)

	txn, err = svc.CancelTransaction(ctx, txn.ID, 3)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, txn.Status)

	// 1 already returned, cancel credits the remaining 3 and no more.
	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), p.StockOnHand)
}

func TestSweepOverdue(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 100, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	past := time.Now().Add(time.Minute)
	future := time.Now().Add(48 * time.Hour)

	dueSoon, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7, OperatorID: 3, DueAt: past,
		Lines: []CreateLineRequest{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	dueLater, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7, OperatorID: 3, DueAt: future,
		Lines: []CreateLineRequest{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	cancelled, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 8, OperatorID: 3, DueAt: past,
		Lines: []CreateLineRequest{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = svc.CancelTransaction(ctx, cancelled.ID, 3)
	require.NoError(t, err)

	now := time.Now().Add(time.Hour)
	swept, err := svc.SweepOverdue(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []int64{dueSoon.ID}, swept)

	got, err := svc.GetTransaction(ctx, dueSoon.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)

	got, err = svc.GetTransaction(ctx, dueLater.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	got, err = svc.GetTransaction(ctx, cancelled.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	// Running the sweep again over the same instant is a no-op.
	swept, err = svc.SweepOverdue(ctx, now)
	require.NoError(t, err)
	require.Empty(t, swept)
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 5, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	var mu sync.Mutex
	var failures []error
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := svc.CreateTransaction(gctx, CreateTransactionRequest{
				CustomerID: 7,
				OperatorID: 3,
				DueAt:      dueTomorrow(),
				Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 1}},
			})
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, failures, 5)
	for _, err := range failures {
		require.ErrorIs(t, err, ErrInsufficientStock)
	}
	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), p.StockOnHand)
}

func TestConcurrentReturnsLoseNoUpdates(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 10, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	txn, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 10}},
	})
	require.NoError(t, err)
	lineID := txn.Lines[0].ID

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := svc.ProcessReturn(gctx, ReturnRequest{
				TransactionID: txn.ID,
				OperatorID:    3,
				Returns:       []ReturnLineRequest{{LineID: lineID, Quantity: 1}},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Lines[0].QuantityReturned)
	require.Equal(t, StatusCompleted, got.Status)
	requireAmount(t, "0.00", got.AmountOwed)

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), p.StockOnHand)
}

func TestGetTransactionNotFound(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.GetTransaction(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTransactions(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 100, 0, "2.00")
	svc := newTestService(repo)
	ctx := context.Background()

	// Backdate the first transaction so its due date is already in the past.
	past := time.Now().Add(-48 * time.Hour)
	svc.clock = func() time.Time { return past }
	first, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 7, OperatorID: 3, DueAt: past.Add(time.Hour),
		Lines: []CreateLineRequest{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)
	svc.clock = time.Now

	second, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		CustomerID: 8, OperatorID: 3, DueAt: dueTomorrow(),
		Lines: []CreateLineRequest{{ProductID: 1, Quantity: 3}},
	})
	require.NoError(t, err)
	_, err = svc.CompleteTransaction(ctx, second.ID, 3)
	require.NoError(t, err)

	res, err := svc.ListTransactions(ctx, ListRequest{})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, 2, res.Pagination.Total)
	require.Equal(t, defaultListLimit, res.Pagination.Limit)

	status := StatusCompleted
	res, err = svc.ListTransactions(ctx, ListRequest{Status: &status})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, second.ID, res.Items[0].ID)
	require.Equal(t, 1, res.Items[0].LineCount)
	require.Equal(t, int64(0), res.Items[0].OutstandingQuantity)

	customer := int64(7)
	res, err = svc.ListTransactions(ctx, ListRequest{CustomerID: &customer})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, first.ID, res.Items[0].ID)
	require.Equal(t, int64(2), res.Items[0].OutstandingQuantity)

	// Withdrawal date range selects only the backdated transaction.
	from := past.Add(-time.Hour)
	to := past.Add(time.Hour)
	res, err = svc.ListTransactions(ctx, ListRequest{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, first.ID, res.Items[0].ID)

	// A transaction past its due date shows up as overdue even before the
	// sweep reclassifies it.
	res, err = svc.ListTransactions(ctx, ListRequest{OverdueOnly: true})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, first.ID, res.Items[0].ID)

	bad := ListRequest{Limit: -1}
	_, err = svc.ListTransactions(ctx, bad)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateTransactionWarnsOnLowStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 5, 4, "2.00")
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := NewService(repo, nil, nil, ServiceConfig{Logger: logger, LowStockInclusive: true})

	_, err := svc.CreateTransaction(context.Background(), CreateTransactionRequest{
		CustomerID: 7,
		OperatorID: 3,
		DueAt:      dueTomorrow(),
		Lines:      []CreateLineRequest{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "product stock low after withdrawal")
	require.Contains(t, buf.String(), "stock_on_hand=3")
}

func TestLedgerCreditRejectsNegativeQuantity(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, 5, 0, "2.00")
	ledger := Ledger{}

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := ledger.Credit(ctx, tx, 1, -1)
		return err
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.True(t, errors.Is(err, ErrValidation))
}
