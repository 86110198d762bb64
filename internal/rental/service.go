package rental

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentledger/rentledger/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const (
	idempotencyScope = "rental"
	defaultListLimit = 50
)

// Service coordinates the rental transaction lifecycle.
type Service struct {
	repo        Repository
	ledger      Ledger
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger

	lowStockInclusive bool
	clock             func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Logger *slog.Logger
	// LowStockInclusive controls the reorder boundary: when true a product
	// sitting exactly at its minimum is flagged, when false only products
	// strictly below it are.
	LowStockInclusive bool
}

// NewService builds Service.
func NewService(repo Repository, audit AuditPort, idem *shared.IdempotencyStore, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:              repo,
		audit:             audit,
		idempotency:       idem,
		logger:            logger,
		lowStockInclusive: cfg.LowStockInclusive,
		clock:             time.Now,
	}
}

// CreateTransaction reserves stock for every requested line and persists the
// transaction with its lines in one atomic unit. If any single line cannot be
// reserved the whole creation fails and no stock moves.
func (s *Service) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*RentalTransaction, error) {
	if err := ValidateCreateRequest(req); err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if !req.DueAt.After(now) {
		return nil, ErrInvalidDueDate
	}

	insertedKey := false
	if req.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, req.IdempotencyKey, idempotencyScope); err != nil {
			return nil, err
		}
		insertedKey = true
	}

	var txnID int64
	var lowStock []Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines := make([]TransactionLine, 0, len(req.Lines))
		for i, lr := range req.Lines {
			product, err := s.ledger.Reserve(ctx, tx, lr.ProductID, lr.Quantity)
			if err != nil {
				return err
			}
			price := product.UnitPrice
			if lr.UnitPrice != nil {
				price = *lr.UnitPrice
			}
			lines = append(lines, TransactionLine{
				ProductID:         lr.ProductID,
				QuantityWithdrawn: lr.Quantity,
				UnitPrice:         price,
				LineOrder:         i + 1,
			})
			if product.BelowMinimum(s.lowStockInclusive) {
				lowStock = append(lowStock, product)
			}
		}

		id, err := tx.InsertTransaction(ctx, RentalTransaction{
			CustomerID:  req.CustomerID,
			OperatorID:  req.OperatorID,
			WithdrawnAt: now,
			DueAt:       req.DueAt.UTC(),
			Status:      StatusActive,
			AmountOwed:  AmountOwed(lines),
			Notes:       req.Notes,
		})
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].TransactionID = id
			if _, err := tx.InsertLine(ctx, lines[i]); err != nil {
				return err
			}
		}
		txnID = id
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	for _, p := range lowStock {
		s.logger.Warn("product stock low after withdrawal",
			slog.Int64("product_id", p.ID),
			slog.String("sku", p.SKU),
			slog.Int64("stock_on_hand", p.StockOnHand),
			slog.Int64("minimum_stock", p.MinimumStock),
		)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  req.OperatorID,
			Action:   "rental:create",
			Entity:   "rental_transaction",
			EntityID: strconv.FormatInt(txnID, 10),
			Meta: map[string]any{
				"customer_id": req.CustomerID,
				"lines":       len(req.Lines),
				"due_at":      req.DueAt.UTC(),
			},
		})
	}
	return s.repo.GetByID(ctx, txnID)
}

// ProcessReturn applies a batch of line returns against a transaction. The
// batch is all-or-nothing: every requested quantity is validated against what
// remains outstanding before any stock is credited. Duplicate line entries in
// one batch are folded by summing their quantities.
func (s *Service) ProcessReturn(ctx context.Context, req ReturnRequest) (*RentalTransaction, error) {
	if err := ValidateReturnRequest(req); err != nil {
		return nil, err
	}
	folded := foldReturns(req.Returns)

	insertedKey := false
	if req.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, req.IdempotencyKey, idempotencyScope); err != nil {
			return nil, err
		}
		insertedKey = true
	}

	var completed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txn, err := tx.GetTransactionForUpdate(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if !txn.Status.CanReturn() {
			return fmt.Errorf("%w: cannot process return on %s transaction %d", ErrInvalidState, txn.Status, txn.ID)
		}

		lineByID := make(map[int64]*TransactionLine, len(txn.Lines))
		for i := range txn.Lines {
			lineByID[txn.Lines[i].ID] = &txn.Lines[i]
		}
		for _, ret := range folded {
			line, ok := lineByID[ret.lineID]
			if !ok {
				return fmt.Errorf("%w: line %d does not belong to transaction %d", ErrLineNotFound, ret.lineID, txn.ID)
			}
			if ret.quantity > line.Outstanding() {
				return &ExceedsAvailableError{
					LineID:    ret.lineID,
					ProductID: line.ProductID,
					Pending:   line.Outstanding(),
					Requested: ret.quantity,
				}
			}
		}

		for _, ret := range folded {
			line := lineByID[ret.lineID]
			line.QuantityReturned += ret.quantity
			if err := tx.UpdateLineReturned(ctx, line.ID, line.QuantityReturned); err != nil {
				return err
			}
			if _, err := s.ledger.Credit(ctx, tx, line.ProductID, ret.quantity); err != nil {
				return err
			}
		}

		status := txn.Status
		if FullyReturned(txn.Lines) {
			status = StatusCompleted
			completed = true
		}
		notes := txn.Notes
		if req.Notes != nil && *req.Notes != "" {
			notes = appendReturnNote(notes, *req.Notes, s.clock().UTC())
		}
		return tx.UpdateTransactionState(ctx, txn.ID, AmountOwed(txn.Lines), status, notes)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  req.OperatorID,
			Action:   "rental:return",
			Entity:   "rental_transaction",
			EntityID: strconv.FormatInt(req.TransactionID, 10),
			Meta: map[string]any{
				"lines":     len(folded),
				"completed": completed,
			},
		})
	}
	return s.repo.GetByID(ctx, req.TransactionID)
}

// CompleteTransaction finalizes billing for goods the customer keeps. Stock
// is not credited back; the recomputed total keeps charging whatever is still
// outstanding.
func (s *Service) CompleteTransaction(ctx context.Context, id, operatorID int64) (*RentalTransaction, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: transaction id required", ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !txn.Status.CanComplete() {
			return fmt.Errorf("%w: cannot complete %s transaction %d", ErrInvalidState, txn.Status, txn.ID)
		}
		return tx.UpdateTransactionState(ctx, txn.ID, AmountOwed(txn.Lines), StatusCompleted, txn.Notes)
	})
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  operatorID,
			Action:   "rental:complete",
			Entity:   "rental_transaction",
			EntityID: strconv.FormatInt(id, 10),
		})
	}
	return s.repo.GetByID(ctx, id)
}

// CancelTransaction voids a transaction: every outstanding quantity goes back
// to stock, all lines are marked fully returned and the amount owed drops to
// zero. Cancelling an already terminal transaction fails with InvalidState so
// double-cancel attempts surface as errors.
func (s *Service) CancelTransaction(ctx context.Context, id, operatorID int64) (*RentalTransaction, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: transaction id required", ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !txn.Status.CanCancel() {
			return fmt.Errorf("%w: cannot cancel %s transaction %d", ErrInvalidState, txn.Status, txn.ID)
		}
		for i := range txn.Lines {
			line := &txn.Lines[i]
			outstanding := line.Outstanding()
			if outstanding == 0 {
				continue
			}
			if _, err := s.ledger.Credit(ctx, tx, line.ProductID, outstanding); err != nil {
				return err
			}
			line.QuantityReturned = line.QuantityWithdrawn
			if err := tx.UpdateLineReturned(ctx, line.ID, line.QuantityReturned); err != nil {
				return err
			}
		}
		return tx.UpdateTransactionState(ctx, txn.ID, decimal.Zero, StatusCancelled, txn.Notes)
	})
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  operatorID,
			Action:   "rental:cancel",
			Entity:   "rental_transaction",
			EntityID: strconv.FormatInt(id, 10),
		})
	}
	return s.repo.GetByID(ctx, id)
}

// SweepOverdue marks every ACTIVE transaction past its due date as OVERDUE
// and returns the affected ids. Running it twice over the same instant is a
// no-op the second time.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) ([]int64, error) {
	if now.IsZero() {
		now = s.clock().UTC()
	}
	ids, err := s.repo.SweepOverdue(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.logger.Info("transactions marked overdue", slog.Int("count", len(ids)))
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				Action:   "rental:sweep_overdue",
				Entity:   "rental_transaction",
				EntityID: now.UTC().Format(time.RFC3339),
				Meta:     map[string]any{"count": len(ids), "ids": ids},
			})
		}
	}
	return ids, nil
}

// GetTransaction fetches one transaction with its lines.
func (s *Service) GetTransaction(ctx context.Context, id int64) (*RentalTransaction, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: transaction id required", ErrValidation)
	}
	return s.repo.GetByID(ctx, id)
}

// ListTransactions lists transactions matching the filter.
func (s *Service) ListTransactions(ctx context.Context, req ListRequest) (*ListResult, error) {
	if err := ValidateListRequest(req); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = defaultListLimit
	}
	items, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Items:      items,
		Pagination: shared.NewPagination(req.Limit, req.Offset, total),
	}, nil
}

type foldedReturn struct {
	lineID   int64
	quantity int64
}

// foldReturns merges duplicate line entries, preserving first-seen order so
// validation failures are deterministic.
func foldReturns(returns []ReturnLineRequest) []foldedReturn {
	folded := make([]foldedReturn, 0, len(returns))
	index := make(map[int64]int, len(returns))
	for _, r := range returns {
		if i, ok := index[r.LineID]; ok {
			folded[i].quantity += r.Quantity
			continue
		}
		index[r.LineID] = len(folded)
		folded = append(folded, foldedReturn{lineID: r.LineID, quantity: r.Quantity})
	}
	return folded
}

func appendReturnNote(existing *string, text string, at time.Time) *string {
	entry := fmt.Sprintf("[return %s] %s", at.Format(time.RFC3339), text)
	if existing == nil || *existing == "" {
		return &entry
	}
	combined := *existing + "\n" + entry
	return &combined
}
