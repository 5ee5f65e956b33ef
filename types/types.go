// Package types contains the shared identifier types for the fleet
// service. We define this package separately so that we can safely pass
// these types around to other packages without import cycles.
package types // import "github.com/uktrade/data-workspace-fleet/types"

// We define special types for the following string types for all the
// benefits of type safety, including making sure we never mix up provider
// handles and our own instance identifiers.

type (
	// A PrincipalID is the id assigned to a user by the authentication
	// provider. It is treated as opaque text.
	PrincipalID string

	// A ToolName is the symbolic name of an analytical tool a user can
	// spawn (e.g. "jupyter", "rstudio"). Defined as its own type so we can
	// always easily enforce that it is part of a limited set of values.
	ToolName string

	// A PublicHost is the DNS label under which a running tool is reached.
	// It is unique across all live instances.
	PublicHost string

	// A ProviderHandle is the opaque identifier the fleet provider uses to
	// address a remote session. It is meaningless outside the fleets
	// package.
	ProviderHandle string

	// An EmailDomain is the part of a principal's email address after the
	// "@", used for tool visibility decisions.
	EmailDomain string
)
