// Package config provides functions for reading service-global
// configuration values when the fleet service starts and for reading
// those values while it is running. config.Initialize() should be called
// as close as possible to the top of the main function.
package config

import (
	"sync"
	"time"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// idleThreshold is how long a Running instance may go without user
	// activity before it is marked Idle.
	idleThreshold time.Duration

	// idleGrace is how long an Idle instance waits for the user to return
	// before it is stopped.
	idleGrace time.Duration

	// spawnBudget is the overall wall-clock budget for a spawn, measured
	// from Pending entry. Exceeding it forces Failed("spawn-timeout").
	spawnBudget time.Duration

	// reconcileInterval is how often the reconciliation sweep runs.
	reconcileInterval time.Duration

	// providerCallTimeout bounds every single fleet provider call.
	providerCallTimeout time.Duration

	// terminateRetryLimit is the number of consecutive terminate failures
	// after which a Stopping instance is forced to Failed.
	terminateRetryLimit int

	// archiveRetention is how long Stopped/Failed rows are kept before the
	// maintenance task prunes them.
	archiveRetention time.Duration

	// bindAddr is the address the HTTP surface listens on.
	bindAddr string

	// databaseURL is the Postgres connection string.
	databaseURL string

	// toolDomain is the DNS suffix under which tool hostnames are minted.
	toolDomain string

	// toolVisibility maps each spawnable tool to the email domains that may
	// see it. The wildcard "*" makes a tool visible to every domain.
	toolVisibility map[string][]string

	// appstreamFleetName and appstreamStackName identify the remote
	// AppStream resources this service drives.
	appstreamFleetName string
	appstreamStackName string

	// awsRegion is the region the provider clients are constructed in.
	awsRegion string

	// jwksURL is where token verification keys are fetched from. Empty in
	// local dev, where jwtSecret is used instead.
	jwksURL   string
	jwtSecret string
}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// GetIdleThreshold returns the Running -> Idle delay.
func GetIdleThreshold() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.idleThreshold
}

// GetIdleGrace returns the Idle -> Stopping delay.
func GetIdleGrace() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.idleGrace
}

// GetSpawnBudget returns the overall spawn timeout.
func GetSpawnBudget() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.spawnBudget
}

// GetReconcileInterval returns the reconciliation sweep interval.
func GetReconcileInterval() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.reconcileInterval
}

// GetProviderCallTimeout returns the per-call bound for fleet provider
// operations.
func GetProviderCallTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.providerCallTimeout
}

// GetTerminateRetryLimit returns the number of consecutive terminate
// failures tolerated before a Stopping instance is forced to Failed.
func GetTerminateRetryLimit() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.terminateRetryLimit
}

// GetArchiveRetention returns how long terminal instance rows are kept.
func GetArchiveRetention() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.archiveRetention
}

// GetBindAddr returns the HTTP listen address.
func GetBindAddr() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.bindAddr
}

// GetDatabaseURL returns the Postgres connection string.
func GetDatabaseURL() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.databaseURL
}

// GetToolDomain returns the DNS suffix for public tool hostnames.
func GetToolDomain() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.toolDomain
}

// GetToolVisibility returns the email domains that may see the given tool.
// A nil return means the tool is unknown and may not be spawned at all.
func GetToolVisibility(tool string) []string {
	rw.RLock()
	defer rw.RUnlock()

	if domains, ok := config.toolVisibility[tool]; ok {
		return domains
	}

	return nil
}

// GetAppStreamFleetName returns the name of the remote AppStream fleet.
func GetAppStreamFleetName() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.appstreamFleetName
}

// GetAppStreamStackName returns the name of the remote AppStream stack.
func GetAppStreamStackName() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.appstreamStackName
}

// GetAWSRegion returns the region provider clients are constructed in.
func GetAWSRegion() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.awsRegion
}

// GetJWKSURL returns the JWKS endpoint for token verification keys.
func GetJWKSURL() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.jwksURL
}

// GetJWTSecret returns the static HMAC secret used to verify tokens in
// local development.
func GetJWTSecret() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.jwtSecret
}
