// Package ledger computes an order's aggregate payment state from its transactions.
package ledger

import (
	"fmt"

	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
)

// Summary is the derived balance of an order.
type Summary struct {
	AmountPaid                  money.Money          `json:"amount_paid"`
	AmountPending               money.Money          `json:"amount_pending"`
	AmountOutstanding           money.Money          `json:"amount_outstanding"`
	AmountPaidPercentage        int                  `json:"amount_paid_percentage"`
	AmountPendingPercentage     int                  `json:"amount_pending_percentage"`
	AmountOutstandingPercentage int                  `json:"amount_outstanding_percentage"`
	PaymentStatus               models.PaymentStatus `json:"payment_status"`
}

// Summarize sums the non-cancelled order transactions against grandTotal.
// Outstanding is grandTotal less the paid amount, so pending money is part of it.
func Summarize(grandTotal money.Money, txns []models.Transaction) (Summary, error) {
	paid := money.Zero(grandTotal.Currency())
	pending := money.Zero(grandTotal.Currency())

	for i := range txns {
		t := &txns[i]
		if !t.BelongsToOrder() || t.Cancelled {
			continue
		}

		var err error
		switch t.PaymentStatus {
		case models.TransactionStatusPaid:
			paid, err = paid.Add(t.Amount)
		case models.TransactionStatusPendingPayment:
			pending, err = pending.Add(t.Amount)
		}
		if err != nil {
			return Summary{}, fmt.Errorf("transaction %d: %w", t.ID, err)
		}
	}

	outstanding, err := grandTotal.Sub(paid)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		AmountPaid:        paid,
		AmountPending:     pending,
		AmountOutstanding: outstanding,
	}
	// Currencies already agree, so PercentageOf cannot fail here.
	s.AmountPaidPercentage, _ = paid.PercentageOf(grandTotal)
	s.AmountPendingPercentage, _ = pending.PercentageOf(grandTotal)
	s.AmountOutstandingPercentage, _ = outstanding.PercentageOf(grandTotal)
	s.PaymentStatus = DerivePaymentStatus(s.AmountPaidPercentage, s.AmountPendingPercentage)
	return s, nil
}

// DerivePaymentStatus maps ledger percentages to an order payment status.
// Any pending money takes priority over the paid share.
func DerivePaymentStatus(paidPercentage, pendingPercentage int) models.PaymentStatus {
	switch {
	case pendingPercentage != 0:
		return models.PaymentStatusPendingPayment
	case paidPercentage == 0:
		return models.PaymentStatusUnpaid
	case paidPercentage == 100:
		return models.PaymentStatusPaid
	}
	return models.PaymentStatusPartiallyPaid
}

// Remaining is the amount that may still be requested: outstanding less pending.
func (s Summary) Remaining() money.Money {
	r, _ := s.AmountOutstanding.Sub(s.AmountPending)
	return r
}

func (s Summary) RemainingPercentage() int {
	return s.AmountOutstandingPercentage - s.AmountPendingPercentage
}

// Apply writes the derived fields onto o.
func (s Summary) Apply(o *models.Order) {
	o.AmountPaid = s.AmountPaid
	o.AmountPending = s.AmountPending
	o.AmountOutstanding = s.AmountOutstanding
	o.AmountPaidPercentage = s.AmountPaidPercentage
	o.AmountPendingPercentage = s.AmountPendingPercentage
	o.AmountOutstandingPercentage = s.AmountOutstandingPercentage
	o.PaymentStatus = s.PaymentStatus
}

// FromOrder reads the stored balance back off an order.
func FromOrder(o *models.Order) Summary {
	return Summary{
		AmountPaid:                  o.AmountPaid,
		AmountPending:               o.AmountPending,
		AmountOutstanding:           o.AmountOutstanding,
		AmountPaidPercentage:        o.AmountPaidPercentage,
		AmountPendingPercentage:     o.AmountPendingPercentage,
		AmountOutstandingPercentage: o.AmountOutstandingPercentage,
		PaymentStatus:               o.PaymentStatus,
	}
}
