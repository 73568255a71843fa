package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/order-settlement/internal/money"
)

func TestParseOrderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want OrderStatus
	}{
		{"completed", OrderStatusCompleted},
		{"Ready For Pickup", OrderStatusReadyForPickup},
		{"readyForPickup", OrderStatusReadyForPickup},
		{"on_its_way", OrderStatusOnItsWay},
		{" WAITING ", OrderStatusWaiting},
	}
	for _, tt := range tests {
		got, err := ParseOrderStatus(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseOrderStatus("lost in transit")
	assert.Error(t, err)
}

func TestParseTransactionFilter(t *testing.T) {
	f, err := ParseTransactionFilter("")
	require.NoError(t, err)
	assert.Equal(t, TransactionFilterAll, f)

	f, err = ParseTransactionFilter("pending-payment")
	require.NoError(t, err)
	assert.Equal(t, TransactionFilterPendingPayment, f)

	_, err = ParseTransactionFilter("refunded")
	assert.Error(t, err)
}

func TestInitiatorColumns(t *testing.T) {
	req, ver := InitiatorColumns(SystemRequested{By: 7})
	require.NotNil(t, req)
	assert.Nil(t, ver)
	assert.Equal(t, int64(7), *req)

	back, ok := InitiatorFromColumns(req, ver)
	require.True(t, ok)
	assert.Equal(t, SystemRequested{By: 7}, back)

	req, ver = InitiatorColumns(UserVerified{By: 9})
	assert.Nil(t, req)
	back, ok = InitiatorFromColumns(req, ver)
	require.True(t, ok)
	assert.Equal(t, VerifiedByUser, back.VerifiedBy())

	one, two := int64(1), int64(2)
	_, ok = InitiatorFromColumns(&one, &two)
	assert.False(t, ok)
	_, ok = InitiatorFromColumns(nil, nil)
	assert.False(t, ok)
}

func TestTransactionStatusAndJSON(t *testing.T) {
	txn := Transaction{
		ID:            3,
		OwnerType:     OwnerTypeOrder,
		Amount:        money.New(2000, "BWP"),
		PaymentStatus: TransactionStatusPendingPayment,
		Initiator:     SystemRequested{By: 5},
	}
	assert.True(t, txn.IsPendingPayment())
	assert.Equal(t, TransactionStatusPendingPayment, txn.Status())

	txn.Cancelled = true
	assert.False(t, txn.IsPendingPayment())
	assert.Equal(t, TransactionStatusCancelled, txn.Status())

	data, err := json.Marshal(txn)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "Cancelled", out["status"])
	assert.Equal(t, "System", out["verified_by"])
	assert.Equal(t, float64(5), out["requested_by_user_id"])
	assert.Nil(t, out["verified_by_user_id"])
}

func TestCollectionAssociationExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(120 * time.Second)
	a := CollectionAssociation{Code: "123456", ExpiresAt: &expires}

	assert.False(t, a.IsExpired(now))
	assert.False(t, a.IsExpired(now.Add(119*time.Second)))
	assert.True(t, a.IsExpired(now.Add(120*time.Second)))
	assert.True(t, (&CollectionAssociation{Code: "1"}).IsExpired(now))
}
