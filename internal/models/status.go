package models

import (
	"fmt"
	"strings"
	"unicode"
)

type OrderStatus string

const (
	OrderStatusWaiting        OrderStatus = "Waiting"
	OrderStatusOnItsWay       OrderStatus = "On Its Way"
	OrderStatusReadyForPickup OrderStatus = "Ready For Pickup"
	OrderStatusCancelled      OrderStatus = "Cancelled"
	OrderStatusCompleted      OrderStatus = "Completed"
)

var orderStatuses = []OrderStatus{
	OrderStatusWaiting,
	OrderStatusOnItsWay,
	OrderStatusReadyForPickup,
	OrderStatusCancelled,
	OrderStatusCompleted,
}

// PaymentStatus is the order-level status derived from the ledger.
type PaymentStatus string

const (
	PaymentStatusUnpaid         PaymentStatus = "Unpaid"
	PaymentStatusPendingPayment PaymentStatus = "Pending Payment"
	PaymentStatusPartiallyPaid  PaymentStatus = "Partially Paid"
	PaymentStatusPaid           PaymentStatus = "Paid"
)

type TransactionStatus string

const (
	TransactionStatusPendingPayment TransactionStatus = "Pending Payment"
	TransactionStatusPaid           TransactionStatus = "Paid"
	TransactionStatusCancelled      TransactionStatus = "Cancelled"
)

type OwnerType string

const (
	OwnerTypeOrder        OwnerType = "order"
	OwnerTypeSubscription OwnerType = "subscription"
)

// TransactionFilter narrows a transaction listing.
type TransactionFilter string

const (
	TransactionFilterAll            TransactionFilter = "All"
	TransactionFilterPendingPayment TransactionFilter = "Pending Payment"
	TransactionFilterPaid           TransactionFilter = "Paid"
	TransactionFilterCancelled      TransactionFilter = "Cancelled"
)

var TransactionFilters = []TransactionFilter{
	TransactionFilterAll,
	TransactionFilterPendingPayment,
	TransactionFilterPaid,
	TransactionFilterCancelled,
}

// canonical folds "ReadyForPickup", "ready_for_pickup" and "Ready for pickup" to "readyforpickup".
func canonical(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	key := canonical(s)
	for _, st := range orderStatuses {
		if canonical(string(st)) == key {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// ParseTransactionFilter accepts any casing or separator; an empty string means All.
func ParseTransactionFilter(s string) (TransactionFilter, error) {
	if strings.TrimSpace(s) == "" {
		return TransactionFilterAll, nil
	}
	key := canonical(s)
	for _, f := range TransactionFilters {
		if canonical(string(f)) == key {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown transaction filter %q", s)
}
