// Package fleets defines the contract between the lifecycle coordinator
// and a remote compute fleet provider. The production implementation lives
// in the appstream subpackage; tests substitute their own.
package fleets

import (
	"context"

	"github.com/uktrade/data-workspace-fleet/types"
)

// A SessionState is the provider-side view of a single remote session.
type SessionState string

const (
	// SessionAllocating means the provider has acknowledged the session but
	// it is not yet reachable by the user.
	SessionAllocating SessionState = "ALLOCATING"
	// SessionReady means the session is reachable and streaming.
	SessionReady SessionState = "READY"
	// SessionGone means the provider no longer knows the session. Probing a
	// handle that never existed also reports Gone.
	SessionGone SessionState = "GONE"
	// SessionError means the provider knows the session but reports it
	// broken; the reason accompanies the state.
	SessionError SessionState = "ERROR"
)

// A Session pairs a provider handle with its provider-side state.
type Session struct {
	Handle types.ProviderHandle
	State  SessionState
	Reason string
}

// A FleetDescription is the provider's view of the whole fleet, persisted
// into the fleet_state row by reconciliation.
type FleetDescription struct {
	Name     string
	Capacity int
	WarmPool int
	Image    string
	Status   string
}

// FleetHandler speaks to the remote compute fleet on behalf of the
// coordinator. All calls are synchronous and bounded by the provider call
// timeout; timeouts surface as errdefs.Unavailable. Every method except
// RequestSession is idempotent.
type FleetHandler interface {
	Initialize(region string) error

	// RequestSession asks the provider to allocate a session for the given
	// principal and tool. It fails with errdefs.Capacity when the fleet is
	// saturated, errdefs.Unavailable when the provider is unreachable, and
	// errdefs.Rejected when the provider refuses the combination.
	RequestSession(ctx context.Context, principal types.PrincipalID, tool types.ToolName) (types.ProviderHandle, error)

	// Probe reports the provider-side state of a handle. May be called
	// arbitrarily often.
	Probe(ctx context.Context, handle types.ProviderHandle) (Session, error)

	// Terminate ends a session. Terminating an already-gone session is
	// success.
	Terminate(ctx context.Context, handle types.ProviderHandle) error

	// RestartFleet asks the provider to recycle the whole fleet; it affects
	// all live provider handles.
	RestartFleet(ctx context.Context) error

	// ListSessions enumerates every session the provider currently knows,
	// for reconciliation.
	ListSessions(ctx context.Context) ([]Session, error)

	// DescribeFleet returns the provider's current fleet descriptor.
	DescribeFleet(ctx context.Context) (FleetDescription, error)
}
