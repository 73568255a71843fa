package settlement

import (
	"context"
	"log/slog"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/ledger"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
)

type Collector struct {
	UserID     int64
	CanCollect bool
}

type NewOrder struct {
	StoreID        int64
	CustomerUserID int64
	Number         string
	GrandTotal     money.Money
	// Collectors besides the customer, who may always collect.
	Collectors []Collector
}

// CreateOrder opens an unpaid order with its collector associations.
func (s *Service) CreateOrder(ctx context.Context, req NewOrder) (*models.Order, error) {
	if req.GrandTotal.IsNegative() {
		return nil, apperr.ErrInvalidAmount.Withf("grand total cannot be negative")
	}

	sum, err := ledger.Summarize(req.GrandTotal, nil)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		StoreID:        req.StoreID,
		CustomerUserID: req.CustomerUserID,
		Number:         req.Number,
		GrandTotal:     req.GrandTotal,
		Status:         models.OrderStatusWaiting,
	}
	sum.Apply(order)

	collectors := []models.CollectionAssociation{{UserID: req.CustomerUserID, CanCollect: true}}
	for _, c := range req.Collectors {
		if c.UserID != req.CustomerUserID {
			collectors = append(collectors, models.CollectionAssociation{UserID: c.UserID, CanCollect: c.CanCollect})
		}
	}

	if err := s.repo.CreateOrder(ctx, order, collectors); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "order created",
		slog.Int64("order_id", order.ID),
		slog.String("grand_total", order.GrandTotal.String()))
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// OrderBalance returns the stored balance of the order, served from the cache when possible.
func (s *Service) OrderBalance(ctx context.Context, orderID int64) (ledger.Summary, error) {
	if sum, ok := s.cache.Get(ctx, orderID); ok {
		return sum, nil
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return ledger.Summary{}, err
	}

	sum := ledger.FromOrder(order)
	s.cache.Set(ctx, orderID, sum)
	return sum, nil
}

// CancelOrder freezes the order's transactions until it is uncancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, reason string, actingUserID int64) (*models.Order, error) {
	return s.changeStatus(ctx, orderID, actingUserID, models.EventOrderCancelled, func(o *models.Order) (bool, error) {
		if o.IsCancelled() {
			return false, nil
		}
		o.Status = models.OrderStatusCancelled
		o.CancellationReason = reason
		return true, nil
	})
}

// UncancelOrder returns a cancelled order to Waiting.
func (s *Service) UncancelOrder(ctx context.Context, orderID int64, actingUserID int64) (*models.Order, error) {
	return s.changeStatus(ctx, orderID, actingUserID, models.EventOrderUncancelled, func(o *models.Order) (bool, error) {
		if !o.IsCancelled() {
			return false, nil
		}
		o.Status = models.OrderStatusWaiting
		o.CancellationReason = ""
		return true, nil
	})
}

// UpdateOrderStatus moves the order through its fulfilment statuses. Completion
// happens only by redeeming a collection code and cancellation has its own operation.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID int64, status string, actingUserID int64) (*models.Order, error) {
	next, err := models.ParseOrderStatus(status)
	if err != nil {
		return nil, apperr.ErrInvalidStatus.Withf("%s", err.Error())
	}
	switch next {
	case models.OrderStatusCompleted:
		return nil, apperr.ErrInvalidStatus.Withf("an order is completed by redeeming its collection code")
	case models.OrderStatusCancelled:
		return nil, apperr.ErrInvalidStatus.Withf("use order cancellation to cancel an order")
	}

	return s.changeStatus(ctx, orderID, actingUserID, models.EventOrderStatusUpdated, func(o *models.Order) (bool, error) {
		if o.IsCancelled() {
			return false, apperr.ErrOrderCancelled.Withf("This order status cannot be changed because it has been cancelled")
		}
		if o.Status == next {
			return false, nil
		}
		o.Status = next
		return true, nil
	})
}

func (s *Service) changeStatus(ctx context.Context, orderID, actingUserID int64, eventType string, apply func(*models.Order) (bool, error)) (*models.Order, error) {
	var (
		order      models.Order
		recipients []int64
		changed    bool
	)
	err := s.repo.InOrderTx(ctx, orderID, func(ctx context.Context, o *models.Order) error {
		if o.Collection.Verified {
			return apperr.ErrAlreadyCollected
		}

		var err error
		changed, err = apply(o)
		if err != nil || !changed {
			order = *o
			return err
		}
		if err := s.repo.SaveOrder(ctx, o); err != nil {
			return err
		}

		order = *o
		recipients, err = s.audience(ctx, o)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.InfoContext(ctx, "order status changed",
			slog.Int64("order_id", order.ID),
			slog.String("status", string(order.Status)))
		s.committed(ctx, &order, recipients, models.Event{Type: eventType, ActorUserID: actingUserID})
	}
	return &order, nil
}

// DeleteOrder removes an order that holds no live value: every transaction
// left on it must be cancelled or of zero amount.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64, actingUserID int64) error {
	err := s.repo.InOrderTx(ctx, orderID, func(ctx context.Context, o *models.Order) error {
		txns, err := s.repo.ListOrderTransactions(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, t := range txns {
			if !t.Cancelled && !t.Amount.IsZero() {
				return apperr.ErrOrderHasTransactions
			}
		}

		for _, t := range txns {
			if err := s.repo.DeleteTransaction(ctx, t.ID); err != nil {
				return err
			}
		}
		return s.repo.DeleteOrder(ctx, o.ID)
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, orderID)
	s.logger.InfoContext(ctx, "order deleted",
		slog.Int64("order_id", orderID),
		slog.Int64("deleted_by", actingUserID))
	return nil
}
