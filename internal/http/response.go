package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ledgerbot/internal/core"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/log"
	"ledgerbot/internal/services"
)

// SuccessEnvelope wraps every successful response body.
type SuccessEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorEnvelope wraps every error response body. Message is the text shown
// to the user.
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, r, status, SuccessEnvelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, ErrorEnvelope{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromContext(r.Context()).Error("Failed to encode response", log.FieldError, err.Error(), log.FieldStatusCode, status)
	}
}

// handleError maps err onto a status code and the user-facing message.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.FromContext(r.Context())
	msg := services.UserMessage(err)

	switch {
	case errors.Is(err, core.ErrValidation):
		logger.Warn("Invalid request", log.FieldError, err.Error())
		writeError(w, r, http.StatusBadRequest, "invalid_input", msg)
	case errors.Is(err, core.ErrNotFound):
		logger.Warn("Entry not found", log.FieldError, err.Error())
		writeError(w, r, http.StatusNotFound, "not_found", msg)
	case errors.Is(err, ledger.ErrNotLoaded), core.IsRetryable(err):
		logger.Warn("Store unavailable", log.FieldError, err.Error())
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "service_unavailable", msg)
	case errors.Is(err, context.Canceled):
		writeError(w, r, http.StatusServiceUnavailable, "cancelled", msg)
	default:
		logger.Error("Unexpected error", log.FieldError, err.Error())
		writeError(w, r, http.StatusInternalServerError, "internal_error", msg)
	}
}
