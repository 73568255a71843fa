// Package midtrans adapts Midtrans Snap payment links to the settlement engine.
package midtrans

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"

	"github.com/safar/order-settlement/internal/models"
)

var (
	ErrInvalidSignature  = errors.New("midtrans: invalid notification signature")
	ErrReferenceMismatch = errors.New("midtrans: notification is for another transaction")
	ErrFractionalAmount  = errors.New("midtrans: amount must be a whole number of currency units")
)

type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

type coreAPI interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
	CancelTransaction(param string) (*coreapi.CancelResponse, *midtrans.Error)
}

type Provider struct {
	serverKey string
	snap      snapAPI
	core      coreAPI
}

// New builds a provider for env, "production" or "sandbox".
func New(serverKey, env string) *Provider {
	environment := midtrans.Sandbox
	if env == "production" {
		environment = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, environment)
	var c coreapi.Client
	c.New(serverKey, environment)

	return &Provider{serverKey: serverKey, snap: &s, core: &c}
}

// Notification is the part of a Midtrans HTTP notification the provider checks.
type Notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

// Signature is SHA-512 over order id, status code, gross amount and server key.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	hash := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(hash[:])
}

func isPaid(status, fraud string) bool {
	switch status {
	case "settlement":
		return true
	case "capture":
		return fraud == "accept"
	}
	return false
}

func grossAmount(t *models.Transaction) (int64, error) {
	d := t.Amount.Decimal()
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrFractionalAmount, t.Amount)
	}
	return d.IntPart(), nil
}

func (p *Provider) CreatePaymentLink(ctx context.Context, t *models.Transaction) (*models.PaymentLink, error) {
	amount, err := grossAmount(t)
	if err != nil {
		return nil, err
	}

	ref := fmt.Sprintf("TXN-%d-%s", t.ID, uuid.NewString())
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  ref,
			GrossAmt: amount,
		},
	}

	resp, err := call(ctx, func() (*snap.Response, *midtrans.Error) {
		return p.snap.CreateTransaction(req)
	})
	if err != nil {
		return nil, fmt.Errorf("create snap transaction: %w", err)
	}

	meta, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode snap response: %w", err)
	}
	return &models.PaymentLink{URL: resp.RedirectURL, Reference: ref, Metadata: meta}, nil
}

// CancelPaymentLink cancels the transaction at Midtrans. A link that was never
// opened is unknown to Midtrans and counts as cancelled.
func (p *Provider) CancelPaymentLink(ctx context.Context, t *models.Transaction) error {
	if t.ProviderReference == "" {
		return nil
	}

	_, err := call(ctx, func() (*coreapi.CancelResponse, *midtrans.Error) {
		return p.core.CancelTransaction(t.ProviderReference)
	})
	var merr *midtrans.Error
	if errors.As(err, &merr) && merr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel midtrans transaction %s: %w", t.ProviderReference, err)
	}
	return nil
}

// VerifyPayment checks a notification's signature and reference, then asks
// Midtrans for the authoritative status. An empty payload only does the status check.
func (p *Provider) VerifyPayment(ctx context.Context, t *models.Transaction, payload []byte) (*models.PaymentVerification, error) {
	if len(payload) > 0 {
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, fmt.Errorf("decode midtrans notification: %w", err)
		}
		if Signature(n.OrderID, n.StatusCode, n.GrossAmount, p.serverKey) != n.SignatureKey {
			return nil, ErrInvalidSignature
		}
		if n.OrderID != t.ProviderReference {
			return nil, ErrReferenceMismatch
		}
	}
	if t.ProviderReference == "" {
		return &models.PaymentVerification{Verified: false}, nil
	}

	status, err := call(ctx, func() (*coreapi.TransactionStatusResponse, *midtrans.Error) {
		return p.core.CheckTransaction(t.ProviderReference)
	})
	if err != nil {
		return nil, fmt.Errorf("check midtrans transaction %s: %w", t.ProviderReference, err)
	}

	meta, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("encode midtrans status: %w", err)
	}

	verified := isPaid(status.TransactionStatus, status.FraudStatus)
	if verified {
		paid, err := decimal.NewFromString(status.GrossAmount)
		if err != nil || !paid.Equal(t.Amount.Decimal()) {
			verified = false
		}
	}
	return &models.PaymentVerification{Verified: verified, Metadata: meta}, nil
}

type result[T any] struct {
	v   T
	err *midtrans.Error
}

// call runs a blocking SDK request and gives up when ctx ends. The request
// itself keeps running until the SDK's own HTTP timeout.
func call[T any](ctx context.Context, fn func() (T, *midtrans.Error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{v: v, err: err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return zero, r.err
		}
		return r.v, nil
	}
}
