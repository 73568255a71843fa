package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/ledger"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
)

// Share is the part of an order a payment covers, as money or as a percentage
// of the grand total.
type Share struct {
	amount       money.Money
	percentage   int
	byPercentage bool
}

func Amount(m money.Money) Share {
	return Share{amount: m}
}

func Percentage(p int) Share {
	return Share{percentage: p, byPercentage: true}
}

func (sh Share) String() string {
	if sh.byPercentage {
		return fmt.Sprintf("%d%%", sh.percentage)
	}
	return sh.amount.String()
}

type PaymentRequest struct {
	OrderID int64
	Share   Share
	// PayerID defaults to the customer when zero or not associated with the order.
	PayerID       int64
	PaymentMethod string
	ActingUserID  int64
}

// resolveShare converts a share into the transaction amount and its stored percentage.
func resolveShare(order *models.Order, sum ledger.Summary, sh Share) (money.Money, int, bool, error) {
	remaining := sum.Remaining()

	if sh.byPercentage {
		if sh.percentage <= 0 || sh.percentage > 100 {
			return money.Money{}, 0, false, apperr.ErrInvalidAmount.Withf("percentage must be between 1 and 100")
		}
		remainingPct := sum.RemainingPercentage()
		if sh.percentage > remainingPct {
			return money.Money{}, 0, false, apperr.ErrPercentageExceedsOutstanding.Withf(
				"The percentage specified %d%% is more than the remaining payable percentage %d%% for this order",
				sh.percentage, remainingPct)
		}

		full := sh.percentage == sum.AmountOutstandingPercentage
		if full {
			// Pending amounts below one percent truncate to 0%.
			if cmp, _ := sum.AmountOutstanding.Cmp(remaining); cmp > 0 {
				return money.Money{}, 0, false, apperr.ErrAmountExceedsOutstanding.Withf(
					"The amount specified %s is more than the remaining payable amount %s for this order", sum.AmountOutstanding, remaining)
			}
			return sum.AmountOutstanding, sh.percentage, true, nil
		}

		amount, err := order.GrandTotal.MulPercentage(sh.percentage)
		if err != nil {
			return money.Money{}, 0, false, err
		}
		if cmp, _ := amount.Cmp(remaining); cmp > 0 {
			if sh.percentage != remainingPct {
				return money.Money{}, 0, false, apperr.ErrPercentageExceedsOutstanding.Withf(
					"The percentage specified %d%% is more than the remaining payable percentage for this order", sh.percentage)
			}
			amount = remaining
		}
		if amount.IsZero() {
			return money.Money{}, 0, false, apperr.ErrInvalidAmount.Withf("%d%% of %s is less than the smallest payable amount", sh.percentage, order.GrandTotal)
		}
		return amount, sh.percentage, false, nil
	}

	amount := sh.amount
	if amount.Currency() != order.Currency() {
		return money.Money{}, 0, false, apperr.ErrCurrencyMismatch.Withf(
			"amount currency %s does not match the order currency %s", amount.Currency(), order.Currency())
	}
	if amount.IsNegative() || amount.IsZero() {
		return money.Money{}, 0, false, apperr.ErrInvalidAmount
	}
	if cmp, _ := amount.Cmp(remaining); cmp > 0 {
		return money.Money{}, 0, false, apperr.ErrAmountExceedsOutstanding.Withf(
			"The amount specified %s is more than the remaining payable amount %s for this order", amount, remaining)
	}

	if cmp, _ := amount.Cmp(sum.AmountOutstanding); cmp == 0 {
		return amount, sum.AmountOutstandingPercentage, true, nil
	}
	pct, _ := amount.PercentageOf(order.GrandTotal)
	return amount, pct, false, nil
}

// checkPayable applies the guards shared by requested and recorded payments.
func checkPayable(order *models.Order, sum ledger.Summary, cancelledMsg string) error {
	if order.IsCancelled() {
		return apperr.ErrOrderCancelled.Withf("%s", cancelledMsg)
	}
	if sum.AmountOutstanding.IsZero() && !order.GrandTotal.IsZero() {
		return apperr.ErrOrderFullyPaid
	}
	if sum.AmountOutstanding.IsZero() {
		return apperr.ErrNoAmountOutstanding
	}
	return nil
}

// resolvePayer falls back to the customer for an unknown or unassociated payer.
func (s *Service) resolvePayer(ctx context.Context, order *models.Order, payerID int64) (int64, error) {
	if payerID == 0 || payerID == order.CustomerUserID {
		return order.CustomerUserID, nil
	}

	assocs, err := s.repo.ListCollectionAssociations(ctx, order.ID)
	if err != nil {
		return 0, err
	}
	for _, a := range assocs {
		if a.UserID == payerID {
			return payerID, nil
		}
	}
	return order.CustomerUserID, nil
}

func describePayment(order *models.Order, full bool, verb string, actor *models.User) string {
	kind := "Partial"
	if full {
		kind = "Full"
	}
	return fmt.Sprintf("%s payment for order #%s %s by %s", kind, order.Number, verb, actor.Name())
}

// RequestPayment opens a pending payment for the payer and, when the payment
// method has a provider, attaches a payment link. A provider failure returns
// the pending transaction together with a provider error.
func (s *Service) RequestPayment(ctx context.Context, req PaymentRequest) (*models.Transaction, error) {
	actor, err := s.repo.GetUser(ctx, req.ActingUserID)
	if err != nil {
		return nil, err
	}

	var (
		txn        *models.Transaction
		order      models.Order
		recipients []int64
	)
	err = s.repo.InOrderTx(ctx, req.OrderID, func(ctx context.Context, o *models.Order) error {
		sum, err := s.summarize(ctx, o)
		if err != nil {
			return err
		}
		if err := checkPayable(o, sum, "This order cannot request payment because it has been cancelled"); err != nil {
			return err
		}

		amount, pct, full, err := resolveShare(o, sum, req.Share)
		if err != nil {
			return err
		}

		payerID, err := s.resolvePayer(ctx, o, req.PayerID)
		if err != nil {
			return err
		}
		pending, err := s.repo.HasPendingPayment(ctx, o.ID, payerID, 0)
		if err != nil {
			return err
		}
		if pending {
			return apperr.ErrDuplicatePendingPayment
		}

		txn = &models.Transaction{
			OwnerType:     models.OwnerTypeOrder,
			OwnerID:       o.ID,
			StoreID:       o.StoreID,
			Amount:        amount,
			Percentage:    pct,
			PaymentStatus: models.TransactionStatusPendingPayment,
			Description:   describePayment(o, full, "requested", actor),
			PaidByUserID:  payerID,
			Initiator:     models.SystemRequested{By: actor.ID},
			PaymentMethod: req.PaymentMethod,
		}
		if err := s.repo.CreateTransaction(ctx, txn); err != nil {
			return err
		}
		if _, err := s.recompute(ctx, o); err != nil {
			return err
		}

		recipients, err = s.audience(ctx, o, payerID)
		order = *o
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment requested",
		slog.Int64("order_id", order.ID),
		slog.Int64("transaction_id", txn.ID),
		slog.String("amount", txn.Amount.String()),
		slog.Int64("payer_id", txn.PaidByUserID))
	s.committed(ctx, &order, recipients, models.Event{
		Type:          models.EventPaymentRequested,
		ActorUserID:   actor.ID,
		TransactionID: txn.ID,
	})

	provider, ok := s.providers[txn.PaymentMethod]
	if !ok {
		return txn, nil
	}
	if err := s.createLink(ctx, provider, txn); err != nil {
		return txn, err
	}
	return txn, nil
}

// createLink asks the provider for a payment link and stores it on the
// transaction if the transaction is still pending.
func (s *Service) createLink(ctx context.Context, provider PaymentProvider, txn *models.Transaction) error {
	pctx, cancel := s.providerContext(ctx)
	link, err := provider.CreatePaymentLink(pctx, txn)
	cancel()
	if err != nil {
		s.logger.WarnContext(ctx, "create payment link failed",
			slog.Int64("transaction_id", txn.ID),
			slog.String("payment_method", txn.PaymentMethod),
			slog.Any("error", err))
		return apperr.ErrProvider.Wrap(err)
	}

	return s.repo.InOrderTx(ctx, txn.OwnerID, func(ctx context.Context, _ *models.Order) error {
		current, err := s.repo.GetTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		if !current.IsPendingPayment() {
			return apperr.ErrTransactionNotPending
		}

		current.PaymentLinkURL = link.URL
		current.ProviderReference = link.Reference
		current.ProviderMetadata = link.Metadata
		if err := s.repo.UpdateTransaction(ctx, current); err != nil {
			return err
		}
		*txn = *current
		return nil
	})
}

// RecordVerifiedPayment records money the verifier received directly, such as
// cash. The transaction is paid on creation.
func (s *Service) RecordVerifiedPayment(ctx context.Context, req PaymentRequest) (*models.Transaction, error) {
	verifier, err := s.repo.GetUser(ctx, req.ActingUserID)
	if err != nil {
		return nil, err
	}

	var (
		txn        *models.Transaction
		order      models.Order
		recipients []int64
	)
	err = s.repo.InOrderTx(ctx, req.OrderID, func(ctx context.Context, o *models.Order) error {
		sum, err := s.summarize(ctx, o)
		if err != nil {
			return err
		}
		if err := checkPayable(o, sum, "This order cannot be marked as paid because it has been cancelled"); err != nil {
			return err
		}

		amount, pct, full, err := resolveShare(o, sum, req.Share)
		if err != nil {
			return err
		}

		payerID, err := s.resolvePayer(ctx, o, req.PayerID)
		if err != nil {
			return err
		}

		txn = &models.Transaction{
			OwnerType:     models.OwnerTypeOrder,
			OwnerID:       o.ID,
			StoreID:       o.StoreID,
			Amount:        amount,
			Percentage:    pct,
			PaymentStatus: models.TransactionStatusPaid,
			Description:   describePayment(o, full, "confirmed", verifier),
			PaidByUserID:  payerID,
			Initiator:     models.UserVerified{By: verifier.ID},
			PaymentMethod: req.PaymentMethod,
		}
		if err := s.repo.CreateTransaction(ctx, txn); err != nil {
			return err
		}
		if _, err := s.recompute(ctx, o); err != nil {
			return err
		}

		recipients, err = s.audience(ctx, o, payerID)
		order = *o
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment recorded",
		slog.Int64("order_id", order.ID),
		slog.Int64("transaction_id", txn.ID),
		slog.String("amount", txn.Amount.String()),
		slog.Int64("verified_by", verifier.ID))
	s.committed(ctx, &order, recipients, models.Event{
		Type:          models.EventPaymentRecorded,
		ActorUserID:   verifier.ID,
		TransactionID: txn.ID,
	})
	return txn, nil
}

// ConfirmPayment verifies a provider callback and marks the pending transaction
// paid. A callback for an already paid transaction is accepted again without
// changes. A payment the provider does not confirm leaves the transaction pending.
func (s *Service) ConfirmPayment(ctx context.Context, transactionID int64, payload []byte) (*models.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !txn.BelongsToOrder() {
		return nil, apperr.ErrNotOrderTransaction
	}
	if txn.IsPaid() {
		return txn, nil
	}
	if !txn.IsPendingPayment() {
		return nil, apperr.ErrTransactionNotPending
	}

	provider, ok := s.providers[txn.PaymentMethod]
	if !ok {
		return nil, apperr.ErrProvider.Withf("no payment provider for method %q", txn.PaymentMethod)
	}

	pctx, cancel := s.providerContext(ctx)
	verification, err := provider.VerifyPayment(pctx, txn, payload)
	cancel()
	if err != nil {
		s.logger.WarnContext(ctx, "verify payment failed",
			slog.Int64("transaction_id", txn.ID),
			slog.Any("error", err))
		return nil, apperr.ErrProvider.Wrap(err)
	}
	if !verification.Verified {
		s.logger.InfoContext(ctx, "payment not verified", slog.Int64("transaction_id", txn.ID))
		return txn, nil
	}

	var (
		order      models.Order
		recipients []int64
		confirmed  bool
	)
	err = s.repo.InOrderTx(ctx, txn.OwnerID, func(ctx context.Context, o *models.Order) error {
		current, err := s.repo.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if current.IsPaid() {
			txn = current
			return nil
		}
		if !current.IsPendingPayment() {
			return apperr.ErrTransactionNotPending
		}
		if o.IsCancelled() {
			return apperr.ErrOrderCancelled
		}

		current.PaymentStatus = models.TransactionStatusPaid
		if len(verification.Metadata) > 0 {
			current.ProviderMetadata = verification.Metadata
		}
		if err := s.repo.UpdateTransaction(ctx, current); err != nil {
			return err
		}
		if _, err := s.recompute(ctx, o); err != nil {
			return err
		}

		txn, confirmed, order = current, true, *o
		recipients, err = s.audience(ctx, o, current.PaidByUserID, current.Initiator.UserID())
		return err
	})
	if err != nil {
		return nil, err
	}

	if confirmed {
		s.logger.InfoContext(ctx, "payment confirmed",
			slog.Int64("order_id", order.ID),
			slog.Int64("transaction_id", txn.ID))
		s.committed(ctx, &order, recipients, models.Event{
			Type:          models.EventPaymentConfirmed,
			TransactionID: txn.ID,
		})
	}
	return txn, nil
}

// RenewPaymentLink replaces the payment link of a pending transaction.
func (s *Service) RenewPaymentLink(ctx context.Context, transactionID int64) (*models.Transaction, error) {
	txn, err := s.pendingOrderTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	provider, ok := s.providers[txn.PaymentMethod]
	if !ok {
		return nil, apperr.ErrProvider.Withf("no payment provider for method %q", txn.PaymentMethod)
	}

	if txn.ProviderReference != "" {
		pctx, cancel := s.providerContext(ctx)
		err := provider.CancelPaymentLink(pctx, txn)
		cancel()
		if err != nil {
			return nil, apperr.ErrProvider.Wrap(err)
		}
	}

	if err := s.createLink(ctx, provider, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// pendingOrderTransaction loads a pending transaction whose order accepts changes.
func (s *Service) pendingOrderTransaction(ctx context.Context, transactionID int64) (*models.Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !txn.BelongsToOrder() {
		return nil, apperr.ErrNotOrderTransaction
	}
	if !txn.IsPendingPayment() {
		return nil, apperr.ErrTransactionNotPending
	}

	order, err := s.repo.GetOrder(ctx, txn.OwnerID)
	if err != nil {
		return nil, err
	}
	if order.IsCancelled() {
		return nil, apperr.ErrOrderCancelled.Withf("Transaction changes are restricted while the order is cancelled")
	}
	return txn, nil
}

// cancelLink releases a provider link without failing the caller.
func (s *Service) cancelLink(ctx context.Context, txn *models.Transaction) {
	provider, ok := s.providers[txn.PaymentMethod]
	if !ok || txn.ProviderReference == "" {
		return
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	if err := provider.CancelPaymentLink(pctx, txn); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "cancel payment link failed",
			slog.Int64("transaction_id", txn.ID),
			slog.Any("error", err))
	}
}
