package settlement

import (
	"context"
	"log/slog"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/models"
)

const restrictedWhileCancelled = "Transaction changes are restricted while the order is cancelled"

// CancelTransaction marks the transaction cancelled and drops it from the order balance.
// Cancelling an already cancelled transaction changes nothing.
func (s *Service) CancelTransaction(ctx context.Context, transactionID int64, reason string, actingUserID int64) (*models.Transaction, error) {
	return s.toggleCancelled(ctx, transactionID, actingUserID, true, reason)
}

// UncancelTransaction restores a cancelled transaction if the order can still
// absorb it: its amount must fit in the remaining payable amount and a pending
// transaction must not collide with another open request from the same payer.
func (s *Service) UncancelTransaction(ctx context.Context, transactionID int64, actingUserID int64) (*models.Transaction, error) {
	return s.toggleCancelled(ctx, transactionID, actingUserID, false, "")
}

func (s *Service) toggleCancelled(ctx context.Context, transactionID, actingUserID int64, cancel bool, reason string) (*models.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Cancelled == cancel {
		return txn, nil
	}

	if !txn.BelongsToOrder() {
		txn.Cancelled, txn.CancellationReason = cancel, reason
		if err := s.repo.UpdateTransaction(ctx, txn); err != nil {
			return nil, err
		}
		return txn, nil
	}

	var (
		order      models.Order
		recipients []int64
		changed    bool
	)
	err = s.repo.InOrderTx(ctx, txn.OwnerID, func(ctx context.Context, o *models.Order) error {
		current, err := s.repo.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if o.IsCancelled() {
			return apperr.ErrOrderCancelled.Withf(restrictedWhileCancelled)
		}
		if current.Cancelled == cancel {
			txn = current
			return nil
		}

		if !cancel {
			if err := s.checkRestorable(ctx, o, current); err != nil {
				return err
			}
		}

		current.Cancelled = cancel
		current.CancellationReason = reason
		if err := s.repo.UpdateTransaction(ctx, current); err != nil {
			return err
		}
		if _, err := s.recompute(ctx, o); err != nil {
			return err
		}

		txn, changed, order = current, true, *o
		recipients, err = s.audience(ctx, o, current.PaidByUserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		eventType := models.EventTransactionCancelled
		if !cancel {
			eventType = models.EventTransactionRestored
		}
		s.logger.InfoContext(ctx, "transaction cancellation changed",
			slog.Int64("order_id", order.ID),
			slog.Int64("transaction_id", txn.ID),
			slog.Bool("cancelled", cancel))
		s.committed(ctx, &order, recipients, models.Event{
			Type:          eventType,
			ActorUserID:   actingUserID,
			TransactionID: txn.ID,
		})
	}
	return txn, nil
}

func (s *Service) checkRestorable(ctx context.Context, order *models.Order, txn *models.Transaction) error {
	sum, err := s.summarize(ctx, order)
	if err != nil {
		return err
	}

	remaining := sum.Remaining()
	if cmp, err := txn.Amount.Cmp(remaining); err != nil {
		return apperr.ErrCurrencyMismatch.Wrap(err)
	} else if cmp > 0 {
		return apperr.ErrAmountExceedsOutstanding.Withf(
			"The transaction cannot be uncancelled because the transaction amount %s is more than the remaining payable amount %s for this order",
			txn.Amount, remaining)
	}

	if txn.PaymentStatus == models.TransactionStatusPendingPayment {
		pending, err := s.repo.HasPendingPayment(ctx, order.ID, txn.PaidByUserID, txn.ID)
		if err != nil {
			return err
		}
		if pending {
			return apperr.ErrDuplicatePendingPayment.Withf(
				"The transaction cannot be uncancelled because the payer already has a payment pending on this order")
		}
	}
	return nil
}

// DeleteTransaction removes an order transaction and recomputes the balance.
// Any provider link on it is released afterwards.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID int64, actingUserID int64) error {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if !txn.BelongsToOrder() {
		return apperr.ErrNotOrderTransaction
	}

	var (
		order      models.Order
		recipients []int64
	)
	err = s.repo.InOrderTx(ctx, txn.OwnerID, func(ctx context.Context, o *models.Order) error {
		if o.IsCancelled() {
			return apperr.ErrOrderCancelled.Withf(restrictedWhileCancelled)
		}
		if err := s.repo.DeleteTransaction(ctx, transactionID); err != nil {
			return err
		}
		if _, err := s.recompute(ctx, o); err != nil {
			return err
		}

		order = *o
		recipients, err = s.audience(ctx, o, txn.PaidByUserID)
		return err
	})
	if err != nil {
		return err
	}

	if txn.IsPendingPayment() {
		s.cancelLink(ctx, txn)
	}

	s.logger.InfoContext(ctx, "transaction deleted",
		slog.Int64("order_id", order.ID),
		slog.Int64("transaction_id", transactionID))
	s.committed(ctx, &order, recipients, models.Event{
		Type:          models.EventTransactionDeleted,
		ActorUserID:   actingUserID,
		TransactionID: transactionID,
	})
	return nil
}

// ListTransactions pages through an order's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, q models.TransactionQuery) (*models.TransactionPage, error) {
	if _, err := s.repo.GetOrder(ctx, q.OrderID); err != nil {
		return nil, err
	}
	return s.repo.PageTransactions(ctx, q)
}

// TransactionFilterCounts returns how many of the order's transactions fall under each filter.
func (s *Service) TransactionFilterCounts(ctx context.Context, orderID int64) ([]models.FilterCount, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.CountTransactions(ctx, orderID)
}
