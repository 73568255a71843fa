package models

// TransactionQuery selects one page of an order's transactions, newest first.
type TransactionQuery struct {
	OrderID      int64
	Filter       TransactionFilter
	PaidByUserID int64
	Cursor       string
	Limit        int
}

// Matches reports whether t passes the filter and payer constraints.
func (q TransactionQuery) Matches(t *Transaction) bool {
	if t.OwnerType != OwnerTypeOrder || t.OwnerID != q.OrderID {
		return false
	}
	if q.PaidByUserID != 0 && t.PaidByUserID != q.PaidByUserID {
		return false
	}
	return q.Filter.Matches(t)
}

// Matches reports whether t falls under the filter.
func (f TransactionFilter) Matches(t *Transaction) bool {
	switch f {
	case TransactionFilterPendingPayment:
		return t.IsPendingPayment()
	case TransactionFilterPaid:
		return t.IsPaid()
	case TransactionFilterCancelled:
		return t.Cancelled
	}
	return true
}

type TransactionPage struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

// FilterCount is the number of transactions under one filter.
type FilterCount struct {
	Filter TransactionFilter `json:"name"`
	Total  int               `json:"total"`
}
