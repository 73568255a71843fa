package models

import "time"

const (
	EventPaymentRequested      = "PaymentRequested"
	EventPaymentRecorded       = "PaymentRecorded"
	EventPaymentConfirmed      = "PaymentConfirmed"
	EventTransactionCancelled  = "TransactionCancelled"
	EventTransactionRestored   = "TransactionUncancelled"
	EventTransactionDeleted    = "TransactionDeleted"
	EventOrderCancelled        = "OrderCancelled"
	EventOrderUncancelled      = "OrderUncancelled"
	EventOrderStatusUpdated    = "OrderStatusUpdated"
	EventCollectionCodeIssued  = "CollectionCodeIssued"
	EventCollectionCodeRevoked = "CollectionCodeRevoked"
	EventOrderCollected        = "OrderCollected"
)

// Event describes a committed change that users of an order should hear about.
type Event struct {
	Type          string        `json:"type"`
	OrderID       int64         `json:"order_id"`
	StoreID       int64         `json:"store_id"`
	ActorUserID   int64         `json:"actor_user_id,omitempty"`
	TransactionID int64         `json:"transaction_id,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	OrderStatus   OrderStatus   `json:"order_status,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
