package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/database"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode json response", slog.Any("error", err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type errorBody struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Transaction any    `json:"transaction,omitempty"`
}

func statusOf(class apperr.Class) int {
	switch class {
	case apperr.ClassValidation:
		return http.StatusUnprocessableEntity
	case apperr.ClassConflict:
		return http.StatusConflict
	case apperr.ClassAccess:
		return http.StatusForbidden
	case apperr.ClassProvider:
		return http.StatusBadGateway
	case apperr.ClassNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError maps a service error to its HTTP form. Internal errors are
// logged and hidden from the client.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWith(w, r, err, nil)
}

func (h *handler) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, txn any) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		if appErr.Class == apperr.ClassProvider {
			h.logger.WarnContext(r.Context(), "provider error", slog.Any("error", err))
		}
		respondJSON(w, statusOf(appErr.Class), errorBody{Error: appErr.Message, Code: appErr.Code, Transaction: txn})
	case errors.Is(err, database.ErrOptimisticLockFailed), errors.Is(err, database.ErrLockTimeout):
		respondJSON(w, http.StatusConflict, errorBody{Error: "the order was changed concurrently, retry the request", Code: "concurrent_update"})
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
