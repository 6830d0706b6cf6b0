package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindTooManyRequests, http.StatusTooManyRequests},
		{KindUpstream, http.StatusBadGateway},
		{KindDeadlineExceeded, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
		{KindSerialization, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewBadRequest("bad")); got != KindBadRequest {
		t.Errorf("KindOf = %s, want %s", got, KindBadRequest)
	}

	// Wrapped chains still resolve.
	wrapped := fmt.Errorf("outer: %w", NewUpstream("backend down"))
	if got := KindOf(wrapped); got != KindUpstream {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindUpstream)
	}

	// Plain errors default to internal.
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewUpstreamWithCause("cannot reach backend", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As should extract *AppError")
	}
	if appErr.Kind != KindUpstream {
		t.Errorf("Kind = %s, want %s", appErr.Kind, KindUpstream)
	}
}

func TestErrorString(t *testing.T) {
	err := NewBadRequest("messages cannot be empty")
	want := "[bad_request] messages cannot be empty"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	withCause := NewInternalWithCause("build failed", errors.New("boom"))
	if withCause.Error() != "[internal_error] build failed: boom" {
		t.Errorf("Error() = %q", withCause.Error())
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", NewUpstream("502"), true},
		{"rate limited", NewTooManyRequests("slow down"), true},
		{"bad request", NewBadRequest("invalid"), false},
		{"unauthorized", NewUnauthorized("no key"), false},
		{"deadline", NewDeadlineExceeded("out of budget"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}
