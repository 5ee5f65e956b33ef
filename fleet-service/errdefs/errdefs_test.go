package errdefs

import (
	"errors"
	"net/http"
	"testing"

	"github.com/uktrade/data-workspace-fleet/utils"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"classified", New(Capacity, "fleet full"), Capacity},
		{"wrapped", Wrap(Unavailable, errors.New("dial tcp: timeout"), "provider unreachable"), Unavailable},
		{"unclassified", utils.MakeError("something broke"), Internal},
		{"doubly wrapped", utils.MakeError("outer: %w", New(Rejected, "no entitlement")), Rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(Capacity, "fleet full")) {
		t.Error("Capacity should be retryable")
	}
	if !IsRetryable(New(Unavailable, "provider down")) {
		t.Error("Unavailable should be retryable")
	}
	if !IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors are Internal and should be retryable")
	}
	if IsRetryable(New(Rejected, "refused")) {
		t.Error("Rejected must not be retried")
	}
	if IsRetryable(New(Timeout, "spawn budget elapsed")) {
		t.Error("Timeout must not be retried")
	}
	if IsRetryable(nil) {
		t.Error("nil error is not retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Forbidden, http.StatusForbidden},
		{Conflict, http.StatusConflict},
		{Rejected, http.StatusUnprocessableEntity},
		{Timeout, http.StatusGatewayTimeout},
		{Capacity, http.StatusServiceUnavailable},
		{Unavailable, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "x")); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestBodyOfPreservesMessage(t *testing.T) {
	body := BodyOf(New(Forbidden, "tool not visible to principal"))
	if body.Code != "Forbidden" {
		t.Errorf("Code = %q, want Forbidden", body.Code)
	}
	if body.Message != "tool not visible to principal" {
		t.Errorf("Message = %q, unexpected", body.Message)
	}
}
