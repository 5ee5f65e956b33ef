package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/uktrade/data-workspace-fleet/utils"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// Defaults for the recognized timing options, applied when the
// corresponding environment variable is absent.
const (
	defaultIdleThresholdSeconds       = 3600
	defaultIdleGraceSeconds           = 600
	defaultSpawnBudgetSeconds         = 600
	defaultReconcileIntervalSeconds   = 300
	defaultProviderCallTimeoutSeconds = 30
	defaultTerminateRetryLimit        = 5
	defaultArchiveRetentionDays       = 30
)

// Initialize populates the configuration singleton from the environment.
// It never fails on a missing optional value; it falls back to the
// defaults above and logs what it chose. A missing DATABASE_URL is only
// an error at connection time, not here, so tests can run without one.
func Initialize() error {
	rw.Lock()
	defer rw.Unlock()

	config.idleThreshold = secondsFromEnv("IDLE_THRESHOLD_SECONDS", defaultIdleThresholdSeconds)
	config.idleGrace = secondsFromEnv("IDLE_GRACE_SECONDS", defaultIdleGraceSeconds)
	config.spawnBudget = secondsFromEnv("SPAWN_BUDGET_SECONDS", defaultSpawnBudgetSeconds)
	config.reconcileInterval = secondsFromEnv("RECONCILE_INTERVAL_SECONDS", defaultReconcileIntervalSeconds)
	config.providerCallTimeout = secondsFromEnv("PROVIDER_CALL_TIMEOUT_SECONDS", defaultProviderCallTimeoutSeconds)
	config.terminateRetryLimit = intFromEnv("TERMINATE_RETRY_LIMIT", defaultTerminateRetryLimit)
	config.archiveRetention = 24 * time.Hour * time.Duration(intFromEnv("ARCHIVE_RETENTION_DAYS", defaultArchiveRetentionDays))

	config.bindAddr = stringFromEnv("BIND_ADDR", ":8080")
	config.databaseURL = stringFromEnv("DATABASE_URL", "user=postgres host=localhost port=5432 dbname=postgres password=postgres")
	config.toolDomain = stringFromEnv("TOOL_DOMAIN", "tools.dataworkspace.local")

	config.appstreamFleetName = stringFromEnv("APPSTREAM_FLEET_NAME", "data-workspace-fleet")
	config.appstreamStackName = stringFromEnv("APPSTREAM_STACK_NAME", "data-workspace-stack")
	config.awsRegion = stringFromEnv("AWS_REGION", "eu-west-2")

	config.jwksURL = os.Getenv("JWKS_URL")
	config.jwtSecret = os.Getenv("JWT_SECRET")

	if err := getToolVisibility(&config.toolVisibility); err != nil {
		return utils.MakeError("couldn't parse TOOLS_VISIBILITY: %s", err)
	}

	logger.Infof("Configuration initialized. Idle threshold: %v, idle grace: %v, spawn budget: %v, reconcile interval: %v.",
		config.idleThreshold, config.idleGrace, config.spawnBudget, config.reconcileInterval)

	return nil
}

// getToolVisibility extracts the tool visibility map from the environment
// and stores the result in the map pointer provided. This function assumes
// the caller holds the configuration write lock.
func getToolVisibility(visibility *map[string][]string) error {
	data, ok := os.LookupEnv("TOOLS_VISIBILITY")

	if !ok {
		*visibility = map[string][]string{
			"jupyter":  {"*"},
			"rstudio":  {"*"},
			"superset": {"*"},
		}
		logger.Warningf("Configuration key TOOLS_VISIBILITY not found. Falling back to %v", *visibility)

		return nil
	}

	var temp map[string][]string

	if err := json.Unmarshal([]byte(data), &temp); err != nil {
		return err
	}

	*visibility = temp

	logger.Infof("Tool visibility: %v", *visibility)

	return nil
}

func secondsFromEnv(key string, fallback int) time.Duration {
	return time.Duration(intFromEnv(key, fallback)) * time.Second
}

func intFromEnv(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warningf("Configuration key %s has non-integer value %q. Falling back to %v.", key, raw, fallback)
		return fallback
	}

	return parsed
}

func stringFromEnv(key string, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
