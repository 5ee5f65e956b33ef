// Package gate decides whether a principal may spawn a tool. The policy
// is the conjunction of three conditions: the principal is active, the
// tool is visible to them, and the service is not in maintenance mode.
// Deny reasons are stable strings; a refused spawn records its reason
// verbatim, so changing one here changes what users and operators see.
package gate

import (
	"context"

	"github.com/uktrade/data-workspace-fleet/fleet-service/auth"
	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/types"
	"github.com/uktrade/data-workspace-fleet/utils"
)

// A Gate evaluates the spawn admission policy. The maintenance flag is
// read from the store on every check so an operator toggle takes effect
// without a restart.
type Gate struct {
	DB dbclient.FleetDBClient
}

// New creates a Gate on the given store.
func New(db dbclient.FleetDBClient) *Gate {
	return &Gate{DB: db}
}

// Check evaluates whether the principal may spawn the tool. A nil return
// is an allow. Policy denials come back as errdefs.Forbidden with the
// deny reason as the message; maintenance mode comes back as
// errdefs.Unavailable since it is a service condition, not a judgment on
// the principal.
func (g *Gate) Check(ctx context.Context, claims auth.Claims, tool types.ToolName) error {
	if !claims.Active {
		return errdefs.New(errdefs.Forbidden, "principal is not active")
	}

	if !toolVisible(claims, tool) {
		return errdefs.New(errdefs.Forbidden, "tool %s is not visible to this principal", tool)
	}

	paused, err := g.DB.MaintenanceEnabled(ctx)
	if err != nil {
		return utils.MakeError("couldn't read maintenance flag: %s", err)
	}
	if paused {
		return errdefs.New(errdefs.Unavailable, "spawning is paused for maintenance")
	}

	return nil
}

// toolVisible reports whether the tool is visible to the principal,
// either through the domain visibility map or an explicit grant carried
// in their claims.
func toolVisible(claims auth.Claims, tool types.ToolName) bool {
	if utils.StringSliceContains(claims.Tools, string(tool)) {
		return true
	}

	domain := claims.EmailDomain()
	for _, allowed := range config.GetToolVisibility(string(tool)) {
		if allowed == "*" {
			return true
		}
		if domain != "" && types.EmailDomain(allowed) == domain {
			return true
		}
	}

	return false
}

// CanObserve reports whether the principal may read the given instance.
// Owners see their own instances; superusers see everything.
func CanObserve(claims auth.Claims, instance dbclient.Instance) bool {
	return claims.Superuser || instance.PrincipalID == claims.Subject
}
