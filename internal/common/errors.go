// Package common defines shared constants and sentinel errors used across
// client and server layers of optipress. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound     = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNoRowsAffected = errors.New("no rows affected")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrNoCredentials  = errors.New("no credentials")

	// Validation errors (malformed input, unsupported options).
	ErrValidation = errors.New("validation error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired         = errors.New("token expired")
	ErrRefreshTokenMismatch = errors.New("refresh token mismatch")

	// Ledger errors.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Storage and upstream errors.
	ErrStorage = errors.New("storage failure")
	ErrTimeout = errors.New("operation timed out")

	// Webhook errors.
	ErrSignature = errors.New("invalid webhook signature")
)

// TransformError is returned by image transformers. Transient marks failures
// the upstream declared retryable.
type TransformError struct {
	Format    string
	Transient bool
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform to %s failed: %v", e.Format, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Validationf builds an ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
