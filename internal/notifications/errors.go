package notifications

import (
	"errors"
	"fmt"
)

// Lookup errors.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrTemplateNotFound   = errors.New("notification template not found")
	ErrPreferenceNotFound = errors.New("notification preference not found")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
)

// Delivery errors.
var (
	ErrNoHandler        = errors.New("no handler registered for channel")
	ErrNoDeviceToken    = errors.New("no device token registered for user")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrSendTimeout      = errors.New("send timed out")
)

// ErrValidation matches every *ValidationError through errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldError reports the offending field for response details.
func (e *ValidationError) FieldError() (string, string) {
	return e.Field, e.Message
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ProviderError wraps a channel provider failure and marks it as retryable or not.
type ProviderError struct {
	Err       error
	Code      string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a transient provider error.
func NewRetryableError(err error) *ProviderError {
	return &ProviderError{Err: err, Retryable: true}
}

// NewPermanentError creates a provider error that must not be retried.
func NewPermanentError(err error) *ProviderError {
	return &ProviderError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// errorCode extracts a short machine-readable code for the delivery log.
func errorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrNoDeviceToken), errors.Is(err, ErrUserNotFound):
		return "invalid_recipient"
	case errors.Is(err, ErrSendTimeout):
		return "timeout"
	case errors.Is(err, ErrNoHandler):
		return "no_handler"
	}
	if isRetryable(err) {
		return "provider_error"
	}
	return "provider_rejected"
}
