package services

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the wallet engine. Messages are returned to callers
// as-is, so they must never leak internals.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrWalletFrozen           = errors.New("wallet is frozen")
	ErrCeilingExceeded        = errors.New("maximum wallet balance would be exceeded")
	ErrDuplicateRequest       = errors.New("duplicate request")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyProcessed       = errors.New("already in a terminal state")
	ErrLockContention         = errors.New("operation already being processed")
	ErrDependencyUnavailable  = errors.New("external dependency unavailable")
)

// ValidationError carries a caller-facing rejection reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RateLimitedError carries a retry-after hint from the velocity guard.
type RateLimitedError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry in %s", e.Operation, e.RetryAfter.Round(time.Second))
}
