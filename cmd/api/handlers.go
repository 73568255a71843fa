package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/collection"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
	"github.com/safar/order-settlement/internal/settlement"
)

const maxWebhookBody = 1 << 20

type userStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type handler struct {
	settlement *settlement.Service
	collection *collection.Service
	users      userStore
	logger     *slog.Logger
}

func (h *handler) routes(r chi.Router) {
	r.Post("/users", h.createUser)
	r.Get("/users/{id}", h.getUser)

	r.Post("/orders", h.createOrder)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Delete("/", h.deleteOrder)
		r.Get("/balance", h.orderBalance)
		r.Post("/cancel", h.cancelOrder)
		r.Post("/uncancel", h.uncancelOrder)
		r.Patch("/status", h.updateOrderStatus)

		r.Post("/payments/request", h.requestPayment)
		r.Post("/payments/record", h.recordPayment)
		r.Get("/transactions", h.listTransactions)
		r.Get("/transactions/filters", h.transactionFilters)

		r.Post("/collection-code", h.issueCode)
		r.Delete("/collection-code", h.revokeCodes)
		r.Post("/collect", h.redeemCode)
	})

	r.Route("/transactions/{id}", func(r chi.Router) {
		r.Delete("/", h.deleteTransaction)
		r.Post("/cancel", h.cancelTransaction)
		r.Post("/uncancel", h.uncancelTransaction)
		r.Post("/renew-link", h.renewPaymentLink)
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirstName    string `json:"first_name"`
		LastName     string `json:"last_name"`
		MobileNumber string `json:"mobile_number"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.FirstName == "" {
		respondError(w, http.StatusBadRequest, "first_name is required")
		return
	}

	user := &models.User{FirstName: req.FirstName, LastName: req.LastName, MobileNumber: req.MobileNumber}
	if err := h.users.CreateUser(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoreID        int64  `json:"store_id"`
		CustomerUserID int64  `json:"customer_user_id"`
		Number         string `json:"number"`
		Currency       string `json:"currency"`
		GrandTotal     string `json:"grand_total"`
		Collectors     []struct {
			UserID     int64 `json:"user_id"`
			CanCollect bool  `json:"can_collect"`
		} `json:"collectors"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Currency == "" || req.CustomerUserID == 0 {
		respondError(w, http.StatusBadRequest, "customer_user_id and currency are required")
		return
	}

	total, err := money.Parse(req.GrandTotal, money.Currency(req.Currency))
	if err != nil {
		h.writeError(w, r, apperr.ErrInvalidAmount.Wrap(err))
		return
	}

	order := settlement.NewOrder{
		StoreID:        req.StoreID,
		CustomerUserID: req.CustomerUserID,
		Number:         req.Number,
		GrandTotal:     total,
	}
	for _, c := range req.Collectors {
		order.Collectors = append(order.Collectors, settlement.Collector{UserID: c.UserID, CanCollect: c.CanCollect})
	}

	created, err := h.settlement.CreateOrder(r.Context(), order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := h.settlement.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *handler) orderBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sum, err := h.settlement.OrderBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.settlement.DeleteOrder(r.Context(), id, actingUser(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.settlement.CancelOrder(r.Context(), id, req.Reason, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *handler) uncancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := h.settlement.UncancelOrder(r.Context(), id, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	order, err := h.settlement.UpdateOrderStatus(r.Context(), id, req.Status, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

type paymentBody struct {
	// Amount is in major units of the order currency, e.g. "40.00".
	Amount        string `json:"amount"`
	Percentage    int    `json:"percentage"`
	PayerID       int64  `json:"payer_id"`
	PaymentMethod string `json:"payment_method"`
}

func (h *handler) paymentRequest(w http.ResponseWriter, r *http.Request) (settlement.PaymentRequest, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return settlement.PaymentRequest{}, false
	}
	var body paymentBody
	if !decode(w, r, &body) {
		return settlement.PaymentRequest{}, false
	}

	req := settlement.PaymentRequest{
		OrderID:       id,
		PayerID:       body.PayerID,
		PaymentMethod: body.PaymentMethod,
		ActingUserID:  actingUser(r.Context()),
	}
	switch {
	case body.Amount != "" && body.Percentage != 0:
		h.writeError(w, r, apperr.ErrInvalidAmount.Withf("give either an amount or a percentage, not both"))
		return req, false
	case body.Amount != "":
		order, err := h.settlement.GetOrder(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return req, false
		}
		amount, err := money.Parse(body.Amount, order.GrandTotal.Currency())
		if err != nil {
			h.writeError(w, r, apperr.ErrInvalidAmount.Wrap(err))
			return req, false
		}
		req.Share = settlement.Amount(amount)
	default:
		req.Share = settlement.Percentage(body.Percentage)
	}
	return req, true
}

func (h *handler) requestPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.paymentRequest(w, r)
	if !ok {
		return
	}
	txn, err := h.settlement.RequestPayment(r.Context(), req)
	if err != nil {
		// The transaction stays pending when only the link failed.
		h.writeErrorWith(w, r, err, txnOrNil(txn))
		return
	}
	respondJSON(w, http.StatusCreated, txn)
}

func txnOrNil(t *models.Transaction) any {
	if t == nil {
		return nil
	}
	return t
}

func (h *handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.paymentRequest(w, r)
	if !ok {
		return
	}
	txn, err := h.settlement.RecordVerifiedPayment(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, txn)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	filter, err := models.ParseTransactionFilter(q.Get("filter"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	payer, _ := strconv.ParseInt(q.Get("payer_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.settlement.ListTransactions(r.Context(), models.TransactionQuery{
		OrderID:      id,
		Filter:       filter,
		PaidByUserID: payer,
		Cursor:       q.Get("cursor"),
		Limit:        limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *handler) transactionFilters(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	counts, err := h.settlement.TransactionFilterCounts(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (h *handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.settlement.CancelTransaction(r.Context(), id, req.Reason, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

func (h *handler) uncancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txn, err := h.settlement.UncancelTransaction(r.Context(), id, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

func (h *handler) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.settlement.DeleteTransaction(r.Context(), id, actingUser(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) renewPaymentLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txn, err := h.settlement.RenewPaymentLink(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

func (h *handler) issueCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	assoc, err := h.collection.Issue(r.Context(), id, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, assoc)
}

func (h *handler) revokeCodes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.collection.Revoke(r.Context(), id, actingUser(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) redeemCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	order, err := h.collection.Redeem(r.Context(), id, req.Code, actingUser(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// paymentWebhook receives provider callbacks. The payload is verified by the
// provider before anything is marked paid.
func (h *handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "transactionID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	txn, err := h.settlement.ConfirmPayment(r.Context(), id, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}
