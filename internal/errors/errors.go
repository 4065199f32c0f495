package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("timeout")
	ErrExpired      = errors.New("usage event expired")
	ErrUnavailable  = errors.New("endpoint unavailable")
)

// ErrorType represents the category of a delivery failure
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeExpired    ErrorType = "expired"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypePermanent  ErrorType = "permanent"
)

// DeliveryError is a structured error for calls to the external billing endpoint.
type DeliveryError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "publish_usage")
	Subject    string // Subscription the event belongs to
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Message    string // Message returned by the endpoint, if any
	Timestamp  time.Time
	Retryable  bool
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Op)
	if e.Subject != "" {
		msg = fmt.Sprintf("%s failed for %s", e.Op, e.Subject)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: %d %s", msg, e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *DeliveryError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrExpired:
		return e.Type == ErrorTypeExpired
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrUnavailable:
		return e.Type == ErrorTypeTransient
	}

	return errors.Is(e.Err, target)
}

// NewDeliveryError creates a new DeliveryError
func NewDeliveryError(errorType ErrorType, op, subject string, err error) *DeliveryError {
	return &DeliveryError{
		Type:      errorType,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode records the endpoint's HTTP status and reclassifies the error.
func (e *DeliveryError) WithStatusCode(code int) *DeliveryError {
	e.StatusCode = code
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		e.Type = ErrorTypeTransient
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Type = ErrorTypePermanent
		e.Retryable = false
	}
	return e
}

// WithMessage attaches the endpoint-provided message.
func (e *DeliveryError) WithMessage(message string) *DeliveryError {
	e.Message = message
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeTransient:
		return true
	case ErrorTypeValidation, ErrorTypeExpired, ErrorTypePermanent:
		return false
	default:
		if err != nil {
			return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
		}
		return false
	}
}

// Helper functions

// WrapTransportError wraps a network-level failure; these are always retryable.
func WrapTransportError(op, subject string, err error) error {
	return NewDeliveryError(ErrorTypeTransient, op, subject, err)
}

// WrapStatusError wraps a non-2xx endpoint response.
func WrapStatusError(op, subject string, statusCode int, message string) error {
	return NewDeliveryError(ErrorTypePermanent, op, subject, nil).
		WithStatusCode(statusCode).
		WithMessage(message)
}

// WrapMalformedResponse wraps a 2xx response whose body could not be decoded.
func WrapMalformedResponse(op, subject string, err error) error {
	return NewDeliveryError(ErrorTypePermanent, op, subject, err)
}

// NewExpiredError reports an event that fell outside the accepted time window.
func NewExpiredError(op, subject string, age time.Duration) error {
	return NewDeliveryError(ErrorTypeExpired, op, subject,
		fmt.Errorf("%w: event is %s outside the accepted window", ErrExpired, age.Round(time.Second)))
}

// NewValidationError reports missing or malformed identifying data.
func NewValidationError(op, subject string, err error) error {
	return NewDeliveryError(ErrorTypeValidation, op, subject, fmt.Errorf("%w: %v", ErrInvalidInput, err))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var delErr *DeliveryError
	if errors.As(err, &delErr) {
		return delErr.Retryable
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsExpired reports whether err is an expired-event rejection.
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// StatusCode extracts the endpoint status code from err, or 0.
func StatusCode(err error) int {
	var delErr *DeliveryError
	if errors.As(err, &delErr) {
		return delErr.StatusCode
	}
	return 0
}
