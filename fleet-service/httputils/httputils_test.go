package httputils

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{"well formed", "Bearer abc.def.ghi", "abc.def.ghi", true},
		{"missing header", "", "", false},
		{"wrong scheme", "Basic abc", "", false},
		{"trailing space", "Bearer abc ", "abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("BearerToken returned error: %v", err)
				}
				if got != tt.want {
					t.Errorf("token = %q, want %q", got, tt.want)
				}
				return
			}
			if !errdefs.IsKind(err, errdefs.Forbidden) {
				t.Errorf("err = %v, want Forbidden", err)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errdefs.New(errdefs.NotFound, "no such instance"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
	if !strings.Contains(w.Body.String(), "NotFound") {
		t.Errorf("body %q does not carry the error code", w.Body.String())
	}
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"enabled": true, "bogus": 1}`))
	w := httptest.NewRecorder()

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := ReadJSON(w, r, &body); !errdefs.IsKind(err, errdefs.Rejected) {
		t.Errorf("err = %v, want Rejected", err)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 50},
		{"beans", 50},
		{"-3", 50},
		{"10", 10},
		{"9999", 200},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/?limit="+tt.raw, nil)
		if got := QueryInt(r, "limit", 50, 200); got != tt.want {
			t.Errorf("QueryInt(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
