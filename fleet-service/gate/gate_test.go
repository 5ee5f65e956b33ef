package gate

import (
	"context"
	"testing"

	"github.com/uktrade/data-workspace-fleet/fleet-service/auth"
	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/types"
)

// flagStore answers just the maintenance flag.
type flagStore struct {
	dbclient.FleetDBClient
	paused bool
}

func (s *flagStore) MaintenanceEnabled(context.Context) (bool, error) {
	return s.paused, nil
}

func initVisibility(t *testing.T, value string) {
	t.Helper()
	if value == "" {
		t.Setenv("TOOLS_VISIBILITY", `{}`)
	} else {
		t.Setenv("TOOLS_VISIBILITY", value)
	}
	if err := config.Initialize(); err != nil {
		t.Fatalf("config.Initialize returned error: %v", err)
	}
}

func TestCheckPolicy(t *testing.T) {
	initVisibility(t, `{"jupyter": ["example.gov.uk"], "superset": ["*"]}`)

	gate := New(&flagStore{})
	active := auth.Claims{Subject: "alice", Email: "alice@example.gov.uk", Active: true}

	tests := []struct {
		name   string
		claims auth.Claims
		tool   types.ToolName
		want   errdefs.Kind
		allow  bool
	}{
		{
			name:   "domain visible tool",
			claims: active,
			tool:   "jupyter",
			allow:  true,
		},
		{
			name:   "wildcard tool",
			claims: auth.Claims{Subject: "bob", Email: "bob@elsewhere.org", Active: true},
			tool:   "superset",
			allow:  true,
		},
		{
			name:   "explicit grant beats domain",
			claims: auth.Claims{Subject: "bob", Email: "bob@elsewhere.org", Active: true, Tools: []string{"jupyter"}},
			tool:   "jupyter",
			allow:  true,
		},
		{
			name:   "wrong domain",
			claims: auth.Claims{Subject: "bob", Email: "bob@elsewhere.org", Active: true},
			tool:   "jupyter",
			want:   errdefs.Forbidden,
		},
		{
			name:   "unknown tool",
			claims: active,
			tool:   "rstudio",
			want:   errdefs.Forbidden,
		},
		{
			name:   "inactive principal",
			claims: auth.Claims{Subject: "alice", Email: "alice@example.gov.uk"},
			tool:   "jupyter",
			want:   errdefs.Forbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Check(context.Background(), tt.claims, tt.tool)
			if tt.allow {
				if err != nil {
					t.Errorf("Check denied: %v, want allow", err)
				}
				return
			}
			if !errdefs.IsKind(err, tt.want) {
				t.Errorf("Check returned %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestCheckMaintenanceMode(t *testing.T) {
	initVisibility(t, `{"jupyter": ["*"]}`)

	gate := New(&flagStore{paused: true})
	claims := auth.Claims{Subject: "alice", Email: "alice@example.gov.uk", Active: true}

	err := gate.Check(context.Background(), claims, "jupyter")
	if !errdefs.IsKind(err, errdefs.Unavailable) {
		t.Errorf("Check under maintenance returned %v, want Unavailable", err)
	}
}

func TestCanObserve(t *testing.T) {
	instance := dbclient.Instance{PrincipalID: "alice"}

	if !CanObserve(auth.Claims{Subject: "alice"}, instance) {
		t.Error("owner cannot observe their own instance")
	}
	if CanObserve(auth.Claims{Subject: "bob"}, instance) {
		t.Error("stranger can observe another principal's instance")
	}
	if !CanObserve(auth.Claims{Subject: "bob", Superuser: true}, instance) {
		t.Error("superuser cannot observe another principal's instance")
	}
}
