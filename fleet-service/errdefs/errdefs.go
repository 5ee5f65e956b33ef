// Package errdefs defines the error taxonomy shared by the fleet client,
// the instance store, the lifecycle coordinator and the HTTP surface.
// Every failure that crosses a component boundary is classified with one of
// the kinds below so that callers can decide, with errors.Is-style checks,
// whether to retry, surface or abort.
package errdefs // import "github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"

import (
	"errors"
	"fmt"
	"net/http"
)

// A Kind classifies an error. The zero value means unclassified, which is
// treated as Internal everywhere.
type Kind string

const (
	// Capacity means the fleet is saturated; the operation may succeed
	// later and is retried with backoff inside the coordinator.
	Capacity Kind = "Capacity"
	// Unavailable means the provider (or the network path to it) was
	// unreachable, including provider-call timeouts. Retried like Capacity.
	Unavailable Kind = "Unavailable"
	// Rejected means the provider refused the tool/principal combination.
	// Never retried; becomes a Failed record with the reason preserved.
	Rejected Kind = "Rejected"
	// Conflict means a store write would violate a uniqueness invariant.
	Conflict Kind = "Conflict"
	// NotFound means the addressed record does not exist, or the caller may
	// not know that it does.
	NotFound Kind = "NotFound"
	// Forbidden means the authorization gate denied the operation.
	Forbidden Kind = "Forbidden"
	// Timeout means a wall-clock budget (e.g. the spawn budget) elapsed.
	Timeout Kind = "Timeout"
	// Internal is everything else; the current task is aborted and the task
	// runner retries it.
	Internal Kind = "Internal"
)

// Error carries a kind together with a human-readable message. The message
// for Rejected and Forbidden errors is stored verbatim in the failure
// reason of the affected instance record.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error from a format string and args.
func New(kind Kind, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, cause error, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...), cause: cause}
}

// KindOf extracts the kind of err, unwrapping as needed. Unclassified
// errors report Internal; a nil error reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return Kind("")
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the coordinator should retry the operation
// that produced err instead of surfacing it.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Capacity, Unavailable, Internal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code the HTTP surface responds
// with. The retryable kinds are never surfaced over HTTP directly, but
// map to 503 should one escape.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Rejected:
		return http.StatusUnprocessableEntity
	case Timeout:
		return http.StatusGatewayTimeout
	case Capacity, Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error body every non-2xx JSON response carries.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BodyOf builds the HTTP error body for err.
func BodyOf(err error) Body {
	kind := KindOf(err)
	var e *Error
	if errors.As(err, &e) {
		return Body{Code: string(kind), Message: e.Message}
	}
	return Body{Code: string(kind), Message: err.Error()}
}
