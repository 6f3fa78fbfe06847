package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBlocked            = errors.New("identifier is blocked")
	ErrBackendUnavailable = errors.New("counter store unavailable")
	ErrInvalidConfig      = errors.New("invalid rate limiter configuration")
	ErrMalformedEvent     = errors.New("malformed rate limit event")
	ErrInvalidIdentifier  = errors.New("invalid identifier")
)

func IsBlockedError(err error) bool {
	return errors.Is(err, ErrBlocked)
}

func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// ValidationError aponta o campo de configuração inválido.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks the numeric invariants of a quota.
func (o RateLimitOptions) Validate() error {
	if o.Max <= 0 {
		return NewValidationError("max", "must be a positive integer")
	}
	if o.Window <= 0 {
		return NewValidationError("window", "must be a positive duration")
	}
	return nil
}
