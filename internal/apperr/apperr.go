// Package apperr defines the domain error taxonomy. Storage-level errors
// are translated into these at the repository boundary and never leak raw
// to callers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced order or wallet does not
	// exist for the caller.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned when a debit would drive wallet
	// funds negative, or a buy order is not covered by available funds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConflict is returned on unique-constraint violations, e.g. a
	// duplicate email at registration.
	ErrConflict = errors.New("already exists")
)

// ValidationError rejects malformed input before any persistence access.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
