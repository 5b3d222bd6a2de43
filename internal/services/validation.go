package services

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/loopcoin/wallet-backend/internal/models"
)

// ErrorResponse is the JSON error envelope for every endpoint.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter int               `json:"retry_after_seconds,omitempty"`
}

// ValidationHelper wraps a validator instance with the coin-specific
// tags registered.
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	v := validator.New()

	// coincategory accepts the known categories or empty (universal).
	v.RegisterValidation("coincategory", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "", models.CoinUniversal, models.CoinPremium, models.CoinPromo, models.CoinBranded:
			return true
		}
		return false
	})

	return &ValidationHelper{validator: v}
}

func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse writes the error envelope. Validation errors are
// broken out per field; anything else keeps the top-level message only.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if errs, ok := validationErr.(validator.ValidationErrors); ok {
		errorResp.Details = make(map[string]string)
		for _, err := range errs {
			errorResp.Details[err.Field()] = fieldMessage(err)
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

func fieldMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "gt":
		return fmt.Sprintf("Must be greater than %s", err.Param())
	case "len":
		return fmt.Sprintf("Must be exactly %s characters", err.Param())
	case "numeric":
		return "Must contain only digits"
	case "coincategory":
		return "Unknown coin category"
	default:
		return fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
	}
}
