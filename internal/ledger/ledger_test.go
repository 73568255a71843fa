package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
)

func bwp(major int64) money.Money {
	return money.New(major*100, "BWP")
}

func txn(id int64, amount money.Money, status models.TransactionStatus) models.Transaction {
	return models.Transaction{
		ID:            id,
		OwnerType:     models.OwnerTypeOrder,
		Amount:        amount,
		PaymentStatus: status,
	}
}

func TestSummarizePaidAndPending(t *testing.T) {
	s, err := Summarize(bwp(100), []models.Transaction{
		txn(1, bwp(60), models.TransactionStatusPaid),
		txn(2, bwp(20), models.TransactionStatusPendingPayment),
	})
	require.NoError(t, err)

	assert.Equal(t, bwp(60), s.AmountPaid)
	assert.Equal(t, bwp(20), s.AmountPending)
	assert.Equal(t, bwp(40), s.AmountOutstanding)
	assert.Equal(t, 60, s.AmountPaidPercentage)
	assert.Equal(t, 20, s.AmountPendingPercentage)
	assert.Equal(t, 40, s.AmountOutstandingPercentage)
	assert.Equal(t, models.PaymentStatusPendingPayment, s.PaymentStatus)
	assert.Equal(t, bwp(20), s.Remaining())
	assert.Equal(t, 20, s.RemainingPercentage())
}

func TestSummarizeSkipsCancelledAndForeignTransactions(t *testing.T) {
	cancelled := txn(1, bwp(50), models.TransactionStatusPaid)
	cancelled.Cancelled = true
	foreign := txn(2, bwp(30), models.TransactionStatusPaid)
	foreign.OwnerType = models.OwnerTypeSubscription

	s, err := Summarize(bwp(100), []models.Transaction{
		cancelled,
		foreign,
		txn(3, bwp(25), models.TransactionStatusPaid),
	})
	require.NoError(t, err)

	assert.Equal(t, bwp(25), s.AmountPaid)
	assert.True(t, s.AmountPending.IsZero())
	assert.Equal(t, bwp(75), s.AmountOutstanding)
	assert.Equal(t, models.PaymentStatusPartiallyPaid, s.PaymentStatus)
}

func TestSummarizeZeroGrandTotal(t *testing.T) {
	s, err := Summarize(money.Zero("BWP"), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, s.AmountPaidPercentage)
	assert.Equal(t, 0, s.AmountPendingPercentage)
	assert.Equal(t, 0, s.AmountOutstandingPercentage)
	assert.Equal(t, models.PaymentStatusUnpaid, s.PaymentStatus)
}

func TestSummarizeTruncatesPercentages(t *testing.T) {
	// 1/3 of 100.00 is 33.33, which is 33%.
	s, err := Summarize(bwp(100), []models.Transaction{
		txn(1, money.New(3333, "BWP"), models.TransactionStatusPaid),
	})
	require.NoError(t, err)
	assert.Equal(t, 33, s.AmountPaidPercentage)
	assert.Equal(t, 66, s.AmountOutstandingPercentage)
}

func TestSummarizeCurrencyMismatch(t *testing.T) {
	_, err := Summarize(bwp(100), []models.Transaction{
		txn(1, money.New(1000, "ZAR"), models.TransactionStatusPaid),
	})
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)
}

func TestSummarizeIsIdempotent(t *testing.T) {
	txns := []models.Transaction{
		txn(1, bwp(10), models.TransactionStatusPaid),
		txn(2, bwp(15), models.TransactionStatusPendingPayment),
		txn(3, bwp(5), models.TransactionStatusPaid),
	}
	first, err := Summarize(bwp(80), txns)
	require.NoError(t, err)
	second, err := Summarize(bwp(80), txns)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reversed := []models.Transaction{txns[2], txns[1], txns[0]}
	third, err := Summarize(bwp(80), reversed)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestLedgerBalances(t *testing.T) {
	total := money.New(12345, "BWP")
	txns := []models.Transaction{
		txn(1, money.New(1000, "BWP"), models.TransactionStatusPaid),
		txn(2, money.New(2345, "BWP"), models.TransactionStatusPendingPayment),
		txn(3, money.New(4000, "BWP"), models.TransactionStatusPaid),
	}
	s, err := Summarize(total, txns)
	require.NoError(t, err)

	sum, err := s.AmountPaid.Add(s.AmountOutstanding)
	require.NoError(t, err)
	assert.Equal(t, total, sum)

	cmp, err := s.AmountPending.Cmp(s.AmountOutstanding)
	require.NoError(t, err)
	assert.LessOrEqual(t, cmp, 0)
}

func TestDerivePaymentStatus(t *testing.T) {
	tests := []struct {
		paid, pending int
		want          models.PaymentStatus
	}{
		{0, 0, models.PaymentStatusUnpaid},
		{0, 10, models.PaymentStatusPendingPayment},
		{100, 0, models.PaymentStatusPaid},
		{90, 10, models.PaymentStatusPendingPayment},
		{45, 0, models.PaymentStatusPartiallyPaid},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DerivePaymentStatus(tt.paid, tt.pending), "paid=%d pending=%d", tt.paid, tt.pending)
	}
}

func TestApplyAndFromOrder(t *testing.T) {
	s, err := Summarize(bwp(100), []models.Transaction{txn(1, bwp(100), models.TransactionStatusPaid)})
	require.NoError(t, err)

	order := &models.Order{GrandTotal: bwp(100)}
	s.Apply(order)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, 100, order.AmountPaidPercentage)
	assert.Equal(t, s, FromOrder(order))
}
