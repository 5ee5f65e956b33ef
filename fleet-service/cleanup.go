package main

import (
	"context"
	"time"

	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/lifecycle"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// pruneArchive deletes Stopped and Failed records older than the
// retention window, with their event history.
func pruneArchive(ctx context.Context, coordinator *lifecycle.Coordinator) {
	before := time.Now().UTC().Add(-config.GetArchiveRetention())
	pruned, err := coordinator.DB.ExpireTerminatedInstances(ctx, before)
	if err != nil {
		logger.Errorf("Archive prune failed: %s", err)
		return
	}
	if pruned > 0 {
		logger.Infof("Archive prune removed %d instances terminated before %s.", pruned, before.Format(time.RFC3339))
	}
}
