package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestWithStatusCodeClassification(t *testing.T) {
	tests := []struct {
		code      int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusInternalServerError, ErrorTypeTransient, true},
		{http.StatusBadGateway, ErrorTypeTransient, true},
		{http.StatusTooManyRequests, ErrorTypeTransient, true},
		{http.StatusRequestTimeout, ErrorTypeTransient, true},
		{http.StatusBadRequest, ErrorTypePermanent, false},
		{http.StatusUnauthorized, ErrorTypePermanent, false},
		{http.StatusConflict, ErrorTypePermanent, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			err := WrapStatusError("publish_usage", "sub-1", tt.code, "boom")
			var delErr *DeliveryError
			if !errors.As(err, &delErr) {
				t.Fatalf("expected DeliveryError, got %T", err)
			}
			if delErr.Type != tt.wantType {
				t.Fatalf("type = %s, want %s", delErr.Type, tt.wantType)
			}
			if IsRetryableError(err) != tt.retryable {
				t.Fatalf("retryable = %v, want %v", IsRetryableError(err), tt.retryable)
			}
			if StatusCode(err) != tt.code {
				t.Fatalf("status = %d, want %d", StatusCode(err), tt.code)
			}
		})
	}
}

func TestDeliveryErrorMessage(t *testing.T) {
	err := WrapStatusError("publish_usage", "sub-1", http.StatusServiceUnavailable, "try later")
	msg := err.Error()
	for _, want := range []string{"publish_usage", "sub-1", "503", "Service Unavailable", "try later"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	err := WrapTransportError("publish_usage", "sub-1", errors.New("connection refused"))
	if !IsRetryableError(err) {
		t.Fatal("transport errors should be retryable")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatal("transport errors should match ErrUnavailable")
	}
}

func TestExpiredError(t *testing.T) {
	err := NewExpiredError("publish_usage", "sub-1", 25*time.Hour)
	if !IsExpired(err) {
		t.Fatal("expected IsExpired")
	}
	if IsRetryableError(err) {
		t.Fatal("expired events must not be retried")
	}
	if IsExpired(WrapTransportError("publish_usage", "", errors.New("x"))) {
		t.Fatal("transport error reported as expired")
	}
}

func TestValidationErrorMatchesInvalidInput(t *testing.T) {
	err := NewValidationError("publish_usage", "", errors.New("missing subscription id"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatal("validation error should match ErrInvalidInput")
	}
	if IsRetryableError(err) {
		t.Fatal("validation errors are not retryable")
	}
}

func TestIsRetryableErrorPlainErrors(t *testing.T) {
	if !IsRetryableError(fmt.Errorf("wrapped: %w", ErrTimeout)) {
		t.Fatal("timeouts should be retryable")
	}
	if IsRetryableError(errors.New("plain")) {
		t.Fatal("plain errors should not be retryable")
	}
	if StatusCode(errors.New("plain")) != 0 {
		t.Fatal("plain errors carry no status")
	}
}
