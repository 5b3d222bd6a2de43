package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := Validationf("minimum gift amount is %d", 50)
	assert.True(t, IsValidation(err))
	assert.Equal(t, "minimum gift amount is 50", err.Error())

	wrapped := fmt.Errorf("send failed: %w", err)
	assert.True(t, IsValidation(wrapped))

	assert.False(t, IsValidation(ErrInsufficientBalance))
	assert.False(t, IsValidation(errors.New("boom")))
}

func TestRateLimitedError(t *testing.T) {
	err := &RateLimitedError{Operation: "transfer", RetryAfter: 90 * time.Second}
	assert.Contains(t, err.Error(), "transfer")
	assert.Contains(t, err.Error(), "1m30s")

	var rateErr *RateLimitedError
	assert.True(t, errors.As(fmt.Errorf("gate: %w", err), &rateErr))
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		SendErrorResponse(rec, "insufficient balance", http.StatusUnprocessableEntity, nil)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "insufficient balance", resp.Error)
		assert.Empty(t, resp.Details)
	})

	t.Run("validation details", func(t *testing.T) {
		type req struct {
			Amount int64 `validate:"required,gt=0"`
		}
		vh := NewValidationHelper()
		err := vh.ValidateStruct(&req{})
		assert.Error(t, err)

		rec := httptest.NewRecorder()
		SendErrorResponse(rec, "Validation failed", http.StatusBadRequest, err)

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "Amount")
	})
}
