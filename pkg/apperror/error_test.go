package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorError(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "without internal error",
			err: &Error{
				Kind:    KindInvalidInput,
				Code:    "invalid_input",
				Message: "Invalid input",
			},
			expected: "invalid_input: Invalid input",
		},
		{
			name: "with internal error",
			err: &Error{
				Kind:     KindInternal,
				Code:     "internal_error",
				Message:  "Something went wrong",
				Internal: errors.New("database connection failed"),
			},
			expected: "internal_error: Something went wrong (database connection failed)",
		},
		{
			name: "empty message",
			err: &Error{
				Kind: KindInvalidInput,
				Code: "invalid_input",
			},
			expected: "invalid_input: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("underlying cause")
	err := ErrDatabase.WithInternal(inner)

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the internal error through Unwrap")
	}
	if ErrInvalidInput.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no internal error is set")
	}
}

func TestWithMessagePreservesKind(t *testing.T) {
	err := ErrFetchFailed.WithMessage("could not reach host")
	if err.Kind != KindSourceAcquisition {
		t.Errorf("Kind = %q, want %q", err.Kind, KindSourceAcquisition)
	}
	if err.Code != "fetch_failed" {
		t.Errorf("Code = %q, want %q", err.Code, "fetch_failed")
	}
	if err == ErrFetchFailed {
		t.Error("WithMessage should return a copy")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified error", ErrRateLimited, KindTransientExternal},
		{"wrapped classified error", fmt.Errorf("embed: %w", ErrTimeout), KindTimeout},
		{"context cancelled", context.Canceled, KindCancelled},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"transient external", ErrProviderTransient, true},
		{"rate limited", ErrRateLimited, true},
		{"timeout", ErrTimeout, true},
		{"permanent external", ErrProviderPermanent, false},
		{"invalid input", ErrInvalidInput, false},
		{"cancelled", ErrCancelled, false},
		{"wrapped transient", fmt.Errorf("call failed: %w", ErrProviderTransient), true},
		{"context cancelled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, true},
		{"rate limit message", errors.New("got 429 Too Many Requests"), true},
		{"unavailable message", errors.New("service unavailable"), true},
		{"plain error", errors.New("parse failure"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
		nilErr bool
	}{
		{200, "", true},
		{301, "", true},
		{400, KindPermanentExternal, false},
		{404, KindPermanentExternal, false},
		{429, KindTransientExternal, false},
		{500, KindTransientExternal, false},
		{503, KindTransientExternal, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromStatusCode(tt.status)
			if tt.nilErr {
				if err != nil {
					t.Errorf("FromStatusCode(%d) = %v, want nil", tt.status, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("FromStatusCode(%d) = nil, want error", tt.status)
			}
			if err.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", err.Kind, tt.kind)
			}
			if err.Details["status"] != tt.status {
				t.Errorf("Details[status] = %v, want %d", err.Details["status"], tt.status)
			}
		})
	}
}
