// Package httputils carries the request plumbing shared by the HTTP
// surface: JSON rendering, bearer token extraction, and the
// logging/metrics middleware every route is wrapped in.
package httputils

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/metrics"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// WriteJSON renders v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Couldn't encode response body: %s", err)
	}
}

// WriteError renders err using the error taxonomy's HTTP mapping.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errdefs.HTTPStatus(err), errdefs.BodyOf(err))
}

// ReadJSON decodes the request body into v, rejecting unknown fields.
// The body is capped at 1 MiB.
func ReadJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errdefs.Wrap(errdefs.Rejected, err, "malformed request body")
	}
	return nil
}

// BearerToken extracts the bearer token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errdefs.New(errdefs.Forbidden, "missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errdefs.New(errdefs.Forbidden, "Authorization header is not a bearer token")
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// QueryInt reads an integer query parameter, falling back to def when
// absent or unparseable, clamped to [1, max].
func QueryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Instrument wraps a handler with access logging and the per-route
// request counter. The route label is the registered pattern, not the
// raw path, so the metric's cardinality stays bounded.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		class := strconv.Itoa(recorder.status/100) + "xx"
		metrics.HTTPRequests.WithLabelValues(route, class).Inc()
		logger.Infof("%s %s -> %d (%s)", r.Method, r.URL.Path, recorder.status, time.Since(start).Round(time.Millisecond))
	})
}
