package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrRateLimited.WithDetail("mutation bucket empty")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected detailed copy to match sentinel")
	}
	if errors.Is(err, ErrBreakerOpen) {
		t.Error("rate limited must not match breaker open")
	}

	wrapped := fmt.Errorf("cancel 1001: %w", err)
	if !errors.Is(wrapped, ErrRateLimited) {
		t.Error("expected match through fmt wrapping")
	}
}

func TestError_WithDetailDoesNotMutateSentinel(t *testing.T) {
	_ = ErrOrderNotFound.WithDetail("order 7")
	if ErrOrderNotFound.Detail != "" {
		t.Errorf("sentinel detail mutated: %q", ErrOrderNotFound.Detail)
	}
}

func TestError_WrapKeepsCause(t *testing.T) {
	err := ErrRequestTimeout.Wrap(context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be reachable")
	}
	if CodeOf(err) != CodeRequestTimeout {
		t.Errorf("CodeOf = %v", CodeOf(err))
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != 0 {
		t.Error("nil should have code 0")
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Error("foreign errors should be unknown")
	}
}

func TestInfrastructure(t *testing.T) {
	if !Infrastructure(ErrConnection.WithDetail("x")) {
		t.Error("connection errors are infrastructure failures")
	}
	if Infrastructure(ErrRejected) {
		t.Error("rejections are answers, not infrastructure failures")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrInsufficientPrivilege: http.StatusForbidden,
		ErrOrderNotFound:         http.StatusNotFound,
		ErrRateLimited:           http.StatusTooManyRequests,
		ErrBreakerOpen:           http.StatusServiceUnavailable,
		errors.New("boom"):       http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
