package lifecycle

import (
	"context"
	"time"

	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets"
	"github.com/uktrade/data-workspace-fleet/fleet-service/metrics"
	"github.com/uktrade/data-workspace-fleet/types"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// Reconcile compares the store against the provider and repairs drift in
// both directions: provider sessions no record claims are terminated,
// records whose session vanished are failed or completed, and instances
// stuck before Running past the spawn budget are cleaned up. It also
// refreshes the persisted fleet descriptor and the per-state gauge. Runs
// on a schedule and on demand.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	logger.Info("Starting reconcile action.")
	defer logger.Info("Finished reconcile action.")

	instances, err := c.DB.NonTerminalInstances(ctx)
	if err != nil {
		return err
	}

	sessions, err := c.Host.ListSessions(ctx)
	if err != nil {
		c.noteProvider(false)
		return err
	}
	c.noteProvider(true)

	claimed := make(map[types.ProviderHandle]dbclient.Instance, len(instances))
	for _, instance := range instances {
		if instance.ProviderHandle != "" {
			claimed[instance.ProviderHandle] = instance
		}
	}

	live := make(map[types.ProviderHandle]struct{}, len(sessions))
	for _, session := range sessions {
		if session.State == fleets.SessionGone {
			continue
		}
		live[session.Handle] = struct{}{}

		if _, ok := claimed[session.Handle]; !ok {
			// Orphan: the provider is running a session no instance record
			// claims. Terminate it so capacity is not leaked.
			logger.Warningf("Reaping orphaned session %s.", session.Handle)
			if err := c.Host.Terminate(ctx, session.Handle); err != nil {
				logger.Errorf("Could not reap orphaned session %s: %s", session.Handle, err)
				continue
			}
			metrics.OrphansReaped.Inc()
		}
	}

	now := time.Now().UTC()
	for _, instance := range instances {
		if err := c.reconcileInstance(ctx, instance, live, now); err != nil {
			logger.Errorf("Could not reconcile instance %s: %s", instance.ID, err)
		}
	}

	c.refreshGauges(ctx, instances)

	if err := c.refreshFleetState(ctx); err != nil {
		logger.Errorf("Could not refresh fleet descriptor: %s", err)
	}

	pruned, err := c.DB.ExpireTerminatedInstances(ctx, now.Add(-config.GetArchiveRetention()))
	if err != nil {
		logger.Errorf("Could not prune archived instances: %s", err)
	} else if pruned > 0 {
		logger.Infof("Pruned %d archived instances past retention.", pruned)
	}

	return nil
}

// reconcileInstance repairs a single record against the provider's view.
func (c *Coordinator) reconcileInstance(ctx context.Context, instance dbclient.Instance, live map[types.ProviderHandle]struct{}, now time.Time) error {
	// Instances stuck before Running past the spawn budget get cleaned up
	// here as well as by their own tasks, so a lost task cannot leave a
	// record pending forever.
	if overSpawnBudget(instance, now, config.GetSpawnBudget()) {
		metrics.SpawnsFailed.WithLabelValues(reasonSpawnTimeout).Inc()
		return c.failInstance(ctx, instance, reasonSpawnTimeout)
	}

	if instance.ProviderHandle == "" {
		return nil
	}
	if _, ok := live[instance.ProviderHandle]; ok {
		return nil
	}

	// The provider no longer knows this session.
	switch instance.Status {
	case dbclient.StatusStopping:
		_, _, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusStopped,
			dbclient.InstancePatch{}, "session already gone")
		return err
	default:
		return c.failInstance(ctx, instance, reasonProviderGone)
	}
}

// refreshGauges recomputes the per-state instance gauge from a snapshot
// of the non-terminal instances.
func (c *Coordinator) refreshGauges(ctx context.Context, instances []dbclient.Instance) {
	counts := make(map[dbclient.Status]int)
	for _, instance := range instances {
		counts[instance.Status]++
	}
	for _, status := range dbclient.NonTerminalStatuses {
		metrics.InstancesByState.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// refreshFleetState persists the provider's current fleet descriptor.
func (c *Coordinator) refreshFleetState(ctx context.Context) error {
	description, err := c.Host.DescribeFleet(ctx)
	if err != nil {
		return err
	}
	return c.DB.UpsertFleetState(ctx, dbclient.FleetState{
		Name:      description.Name,
		Capacity:  description.Capacity,
		WarmPool:  description.WarmPool,
		Image:     description.Image,
		Status:    description.Status,
		UpdatedAt: time.Now().UTC(),
	})
}

// RestartFleet restarts the remote fleet. Every non-terminal instance
// loses its session: Running and Idle instances move to Stopping and get
// terminate tasks, while instances that never reached Running are failed
// outright since their sessions cannot survive the restart.
func (c *Coordinator) RestartFleet(ctx context.Context) error {
	logger.Info("Starting fleet restart action.")
	defer logger.Info("Finished fleet restart action.")

	instances, err := c.DB.NonTerminalInstances(ctx)
	if err != nil {
		return err
	}

	for _, instance := range instances {
		switch instance.Status {
		case dbclient.StatusRunning, dbclient.StatusIdle:
			_, applied, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusStopping,
				dbclient.InstancePatch{}, reasonFleetRestart)
			if err != nil {
				logger.Errorf("Could not mark instance %s stopping for restart: %s", instance.ID, err)
				continue
			}
			if applied {
				if err := c.schedule(ctx, instance.ID, dbclient.TaskTerminate, 0); err != nil {
					logger.Errorf("Could not schedule terminate for instance %s: %s", instance.ID, err)
				}
			}
		case dbclient.StatusPending, dbclient.StatusSpawning:
			if err := c.failInstance(ctx, instance, reasonFleetRestart); err != nil {
				logger.Errorf("Could not fail instance %s for restart: %s", instance.ID, err)
			}
		}
	}

	if err := c.Host.RestartFleet(ctx); err != nil {
		return errdefs.Wrap(errdefs.KindOf(err), err, "fleet restart")
	}

	metrics.FleetRestarts.Inc()
	return nil
}
