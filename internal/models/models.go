package models

import (
	"encoding/json"
	"time"

	"github.com/safar/order-settlement/internal/money"
)

type User struct {
	ID           int64     `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	MobileNumber string    `json:"mobile_number"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`
}

func (u User) Name() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// MobileVerification is a system-wide verification code sent to a mobile number.
type MobileVerification struct {
	ID           int64     `json:"id"`
	MobileNumber string    `json:"mobile_number"`
	Code         string    `json:"code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Order struct {
	ID             int64  `json:"id"`
	StoreID        int64  `json:"store_id"`
	CustomerUserID int64  `json:"customer_user_id"`
	Number         string `json:"number"`

	GrandTotal                  money.Money   `json:"grand_total"`
	AmountPaid                  money.Money   `json:"amount_paid"`
	AmountPending               money.Money   `json:"amount_pending"`
	AmountOutstanding           money.Money   `json:"amount_outstanding"`
	AmountPaidPercentage        int           `json:"amount_paid_percentage"`
	AmountPendingPercentage     int           `json:"amount_pending_percentage"`
	AmountOutstandingPercentage int           `json:"amount_outstanding_percentage"`
	PaymentStatus               PaymentStatus `json:"payment_status"`

	Status             OrderStatus      `json:"status"`
	CancellationReason string           `json:"cancellation_reason,omitempty"`
	Collection         CollectionRecord `json:"collection"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

func (o *Order) IsCancelled() bool {
	return o.Status == OrderStatusCancelled
}

func (o *Order) Currency() money.Currency {
	return o.GrandTotal.Currency()
}

// UserSnapshot freezes a user's identity at the time of an event.
type UserSnapshot struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func SnapshotOf(u User) UserSnapshot {
	return UserSnapshot{UserID: u.ID, FirstName: u.FirstName, LastName: u.LastName}
}

type CollectionRecord struct {
	Verified    bool          `json:"verified"`
	VerifiedAt  *time.Time    `json:"verified_at,omitempty"`
	VerifiedBy  *UserSnapshot `json:"verified_by,omitempty"`
	CollectedBy *UserSnapshot `json:"collected_by,omitempty"`
}

type Transaction struct {
	ID                 int64             `json:"id"`
	OwnerType          OwnerType         `json:"owner_type"`
	OwnerID            int64             `json:"owner_id"`
	StoreID            int64             `json:"store_id"`
	Amount             money.Money       `json:"amount"`
	Percentage         int               `json:"percentage"`
	PaymentStatus      TransactionStatus `json:"payment_status"`
	Cancelled          bool              `json:"is_cancelled"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	Description        string            `json:"description"`
	PaidByUserID       int64             `json:"paid_by_user_id"`
	Initiator          Initiator         `json:"-"`
	PaymentMethod      string            `json:"payment_method,omitempty"`
	PaymentLinkURL     string            `json:"payment_link_url,omitempty"`
	ProviderReference  string            `json:"provider_reference,omitempty"`
	ProviderMetadata   json.RawMessage   `json:"provider_metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Status reports Cancelled for cancelled transactions and the payment status otherwise.
func (t *Transaction) Status() TransactionStatus {
	if t.Cancelled {
		return TransactionStatusCancelled
	}
	return t.PaymentStatus
}

func (t *Transaction) IsPendingPayment() bool {
	return !t.Cancelled && t.PaymentStatus == TransactionStatusPendingPayment
}

func (t *Transaction) IsPaid() bool {
	return !t.Cancelled && t.PaymentStatus == TransactionStatusPaid
}

func (t *Transaction) BelongsToOrder() bool {
	return t.OwnerType == OwnerTypeOrder
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	out := struct {
		alias
		Status            TransactionStatus `json:"status"`
		VerifiedBy        VerifiedBy        `json:"verified_by,omitempty"`
		RequestedByUserID *int64            `json:"requested_by_user_id"`
		VerifiedByUserID  *int64            `json:"verified_by_user_id"`
	}{alias: alias(t), Status: t.Status()}

	if t.Initiator != nil {
		by := t.Initiator.UserID()
		out.VerifiedBy = t.Initiator.VerifiedBy()
		switch t.Initiator.(type) {
		case SystemRequested:
			out.RequestedByUserID = &by
		case UserVerified:
			out.VerifiedByUserID = &by
		}
	}
	return json.Marshal(out)
}

// CollectionAssociation links a user allowed to pick up an order with their pending code.
type CollectionAssociation struct {
	OrderID    int64      `json:"order_id"`
	UserID     int64      `json:"user_id"`
	CanCollect bool       `json:"can_collect"`
	Code       string     `json:"collection_code,omitempty"`
	QRCodeURL  string     `json:"collection_qr_code,omitempty"`
	ExpiresAt  *time.Time `json:"collection_code_expires_at,omitempty"`
}

func (a CollectionAssociation) HasCode() bool {
	return a.Code != ""
}

// IsExpired reports whether the code is no longer redeemable at now.
func (a CollectionAssociation) IsExpired(now time.Time) bool {
	return a.ExpiresAt == nil || !a.ExpiresAt.After(now)
}

// PaymentLink is what a provider returns for a newly requested payment.
type PaymentLink struct {
	URL       string
	Reference string
	Metadata  json.RawMessage
}

// PaymentVerification is a provider's verdict on a payment callback.
type PaymentVerification struct {
	Verified bool
	Metadata json.RawMessage
}
