package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loopcoin/wallet-backend/internal/services"
)

// writeServiceError maps the service error taxonomy to HTTP statuses.
// Business-rule refusals surface their reason; everything else is a
// generic 500 so internals never leak.
func writeServiceError(w http.ResponseWriter, err error) {
	var rateErr *services.RateLimitedError
	if errors.As(err, &rateErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(services.ErrorResponse{
			Error:      rateErr.Error(),
			RetryAfter: int(rateErr.RetryAfter.Seconds()),
		})
		return
	}

	switch {
	case services.IsValidation(err):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrInsufficientBalance),
		errors.Is(err, services.ErrWalletFrozen),
		errors.Is(err, services.ErrCeilingExceeded):
		services.SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrNotFound):
		services.SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrAlreadyProcessed),
		errors.Is(err, services.ErrDuplicateRequest):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, services.ErrLockContention):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, services.ErrDependencyUnavailable):
		services.SendErrorResponse(w, "Service temporarily unavailable", http.StatusServiceUnavailable, nil)
	default:
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
