package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/database"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
)

const orderColumns = `id, store_id, customer_user_id, number, currency,
	grand_total, amount_paid, amount_pending, amount_outstanding,
	amount_paid_percentage, amount_pending_percentage, amount_outstanding_percentage,
	payment_status, status, cancellation_reason,
	collection_verified, collection_verified_at,
	collection_verified_by_user_id, collection_verified_by_user_first_name, collection_verified_by_user_last_name,
	collection_by_user_id, collection_by_user_first_name, collection_by_user_last_name,
	created_at, updated_at, version`

func scanOrder(row scanner) (*models.Order, error) {
	var (
		order                                  models.Order
		currency                               string
		grandTotal, paid, pending, outstanding int64
		reason                                 sql.NullString
		verifiedAt                             sql.NullTime
		verifierID, collectorID                sql.NullInt64
		verifierFirst, verifierLast            sql.NullString
		collectorFirst, collectorLast          sql.NullString
	)

	err := row.Scan(
		&order.ID,
		&order.StoreID,
		&order.CustomerUserID,
		&order.Number,
		&currency,
		&grandTotal,
		&paid,
		&pending,
		&outstanding,
		&order.AmountPaidPercentage,
		&order.AmountPendingPercentage,
		&order.AmountOutstandingPercentage,
		&order.PaymentStatus,
		&order.Status,
		&reason,
		&order.Collection.Verified,
		&verifiedAt,
		&verifierID,
		&verifierFirst,
		&verifierLast,
		&collectorID,
		&collectorFirst,
		&collectorLast,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	c := money.Currency(currency)
	order.GrandTotal = money.New(grandTotal, c)
	order.AmountPaid = money.New(paid, c)
	order.AmountPending = money.New(pending, c)
	order.AmountOutstanding = money.New(outstanding, c)
	order.CancellationReason = reason.String

	if verifiedAt.Valid {
		at := verifiedAt.Time
		order.Collection.VerifiedAt = &at
	}
	if verifierID.Valid {
		order.Collection.VerifiedBy = &models.UserSnapshot{
			UserID:    verifierID.Int64,
			FirstName: verifierFirst.String,
			LastName:  verifierLast.String,
		}
	}
	if collectorID.Valid {
		order.Collection.CollectedBy = &models.UserSnapshot{
			UserID:    collectorID.Int64,
			FirstName: collectorFirst.String,
			LastName:  collectorLast.String,
		}
	}

	return &order, nil
}

// OrderNumber is the display number given to an order created without one.
func OrderNumber(id int64) string {
	return fmt.Sprintf("%05d", id)
}

// CreateOrder inserts the order and its collector associations. A blank
// order number is filled from the order id.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, collectors []models.CollectionAssociation) error {
	return database.RunInTx(ctx, s.db, database.DefaultTxOptions(), func(ctx context.Context) error {
		q := s.conn(ctx)

		err := q.QueryRowContext(ctx,
			`INSERT INTO orders (
				store_id, customer_user_id, number, currency,
				grand_total, amount_paid, amount_pending, amount_outstanding,
				amount_paid_percentage, amount_pending_percentage, amount_outstanding_percentage,
				payment_status, status, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW(), 1)
			 RETURNING id, created_at, updated_at, version`,
			order.StoreID,
			order.CustomerUserID,
			order.Number,
			string(order.Currency()),
			order.GrandTotal.Amount(),
			order.AmountPaid.Amount(),
			order.AmountPending.Amount(),
			order.AmountOutstanding.Amount(),
			order.AmountPaidPercentage,
			order.AmountPendingPercentage,
			order.AmountOutstandingPercentage,
			order.PaymentStatus,
			order.Status,
		).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &order.Version)
		if err != nil {
			if database.IsForeignKeyViolation(err) {
				return apperr.ErrUserNotFound
			}
			return fmt.Errorf("create order: %w", err)
		}

		if order.Number == "" {
			order.Number = OrderNumber(order.ID)
			if _, err := q.ExecContext(ctx,
				`UPDATE orders SET number = $1 WHERE id = $2`, order.Number, order.ID); err != nil {
				return fmt.Errorf("set order number: %w", err)
			}
		}

		for i := range collectors {
			collectors[i].OrderID = order.ID
			_, err := q.ExecContext(ctx,
				`INSERT INTO order_collectors (order_id, user_id, can_collect, created_at)
				 VALUES ($1, $2, $3, NOW())
				 ON CONFLICT (order_id, user_id) DO UPDATE SET can_collect = EXCLUDED.can_collect`,
				order.ID, collectors[i].UserID, collectors[i].CanCollect)
			if err != nil {
				if database.IsForeignKeyViolation(err) {
					return apperr.ErrUserNotFound
				}
				return fmt.Errorf("create order collector %d: %w", collectors[i].UserID, err)
			}
		}

		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// SaveOrder writes the balance, status and cancellation reason. The stored
// version must match order.Version; it is bumped on success.
func (s *Store) SaveOrder(ctx context.Context, order *models.Order) error {
	var reason sql.NullString
	if order.CancellationReason != "" {
		reason = sql.NullString{String: order.CancellationReason, Valid: true}
	}

	err := s.conn(ctx).QueryRowContext(ctx,
		`UPDATE orders
		 SET amount_paid = $1,
		     amount_pending = $2,
		     amount_outstanding = $3,
		     amount_paid_percentage = $4,
		     amount_pending_percentage = $5,
		     amount_outstanding_percentage = $6,
		     payment_status = $7,
		     status = $8,
		     cancellation_reason = $9,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $10 AND version = $11
		 RETURNING updated_at, version`,
		order.AmountPaid.Amount(),
		order.AmountPending.Amount(),
		order.AmountOutstanding.Amount(),
		order.AmountPaidPercentage,
		order.AmountPendingPercentage,
		order.AmountOutstandingPercentage,
		order.PaymentStatus,
		order.Status,
		reason,
		order.ID,
		order.Version,
	).Scan(&order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOptimisticLockFailed
		}
		return fmt.Errorf("save order %d: %w", order.ID, err)
	}
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	result, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperr.ErrOrderNotFound
	}
	return nil
}

// MarkCollected completes the order and records who verified and who collected it.
// Only an uncollected order is updated.
func (s *Store) MarkCollected(ctx context.Context, order *models.Order, verifiedBy, collectedBy models.UserSnapshot, at time.Time) error {
	err := s.conn(ctx).QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $1,
		     collection_verified = TRUE,
		     collection_verified_at = $2,
		     collection_verified_by_user_id = $3,
		     collection_verified_by_user_first_name = $4,
		     collection_verified_by_user_last_name = $5,
		     collection_by_user_id = $6,
		     collection_by_user_first_name = $7,
		     collection_by_user_last_name = $8,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $9 AND collection_verified = FALSE
		 RETURNING updated_at, version`,
		models.OrderStatusCompleted,
		at,
		verifiedBy.UserID, verifiedBy.FirstName, verifiedBy.LastName,
		collectedBy.UserID, collectedBy.FirstName, collectedBy.LastName,
		order.ID,
	).Scan(&order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrAlreadyCollected
		}
		return fmt.Errorf("mark order %d collected: %w", order.ID, err)
	}

	order.Status = models.OrderStatusCompleted
	order.Collection = models.CollectionRecord{
		Verified:    true,
		VerifiedAt:  &at,
		VerifiedBy:  &verifiedBy,
		CollectedBy: &collectedBy,
	}
	return nil
}
