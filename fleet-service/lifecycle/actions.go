package lifecycle

import (
	"context"
	"time"

	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets"
	"github.com/uktrade/data-workspace-fleet/fleet-service/metrics"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// advance moves a Pending instance toward Spawning by requesting a
// session from the provider. Capacity pushback requeues with backoff;
// running out of spawn budget fails the instance.
func (c *Coordinator) advance(ctx context.Context, task dbclient.Task) (time.Duration, error) {
	instance, err := c.DB.GetInstance(ctx, task.InstanceID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.NotFound) {
			return 0, nil
		}
		return backoffFor(task.Attempts), err
	}

	if instance.Status != dbclient.StatusPending {
		if instance.Status == dbclient.StatusSpawning {
			// Another delivery already requested the session. Queue a probe
			// before completing, so the spawn still finishes even if the
			// probe enqueued alongside the transition was lost; a surplus
			// probe is a no-op once the instance is Running.
			return 0, c.schedule(ctx, instance.ID, dbclient.TaskProbe, probeInterval)
		}
		// Terminated or failed by another worker or a user action. Nothing
		// left for this task.
		return 0, nil
	}

	now := time.Now().UTC()
	if overSpawnBudget(instance, now, config.GetSpawnBudget()) {
		metrics.SpawnsFailed.WithLabelValues(reasonSpawnTimeout).Inc()
		return 0, c.failInstance(ctx, instance, reasonSpawnTimeout)
	}

	handle, err := c.Host.RequestSession(ctx, instance.PrincipalID, instance.Tool)
	if err != nil {
		if errdefs.IsRetryable(err) {
			logger.Warningf("Session request for instance %s was pushed back, will retry: %s", instance.ID, err)
			return backoffFor(task.Attempts), nil
		}
		metrics.SpawnsFailed.WithLabelValues("provider-rejected").Inc()
		if failErr := c.failInstance(ctx, instance, err.Error()); failErr != nil {
			return backoffFor(task.Attempts), failErr
		}
		return 0, nil
	}

	_, applied, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusSpawning,
		dbclient.InstancePatch{ProviderHandle: &handle}, "session requested")
	if err != nil {
		return backoffFor(task.Attempts), err
	}
	if !applied {
		// The instance moved under us (user stop, fleet restart). The
		// session we just requested is now an orphan; reconcile will reap
		// it, but try to clean up eagerly.
		if termErr := c.Host.Terminate(ctx, handle); termErr != nil {
			logger.Warningf("Could not terminate orphaned session %s: %s", handle, termErr)
		}
		return 0, nil
	}

	logger.Infof("Instance %s is spawning as session %s.", instance.ID, handle)

	// The advance task requeues once more alongside the probe so the
	// spawn budget keeps being enforced even if the probe task is lost;
	// once the probe completes the instance the extra advance is a no-op.
	return probeInterval, c.schedule(ctx, instance.ID, dbclient.TaskProbe, probeInterval)
}

// probe checks a Spawning instance against the provider and completes
// the spawn when the session reports ready.
func (c *Coordinator) probe(ctx context.Context, task dbclient.Task) (time.Duration, error) {
	instance, err := c.DB.GetInstance(ctx, task.InstanceID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.NotFound) {
			return 0, nil
		}
		return backoffFor(task.Attempts), err
	}

	if instance.Status != dbclient.StatusSpawning {
		return 0, nil
	}

	now := time.Now().UTC()
	if overSpawnBudget(instance, now, config.GetSpawnBudget()) {
		metrics.SpawnsFailed.WithLabelValues(reasonSpawnTimeout).Inc()
		return 0, c.failInstance(ctx, instance, reasonSpawnTimeout)
	}

	session, err := c.Host.Probe(ctx, instance.ProviderHandle)
	if err != nil {
		if errdefs.IsRetryable(err) {
			return backoffFor(task.Attempts), nil
		}
		if failErr := c.failInstance(ctx, instance, err.Error()); failErr != nil {
			return backoffFor(task.Attempts), failErr
		}
		return 0, nil
	}

	switch session.State {
	case fleets.SessionReady:
		_, applied, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusRunning,
			dbclient.InstancePatch{}, "session ready")
		if err != nil {
			return backoffFor(task.Attempts), err
		}
		if applied {
			logger.Infof("Instance %s is running on host %s.", instance.ID, instance.PublicHost)
		}
		return 0, nil
	case fleets.SessionGone:
		if err := c.failInstance(ctx, instance, reasonProviderGone); err != nil {
			return backoffFor(task.Attempts), err
		}
		return 0, nil
	case fleets.SessionError:
		reason := session.Reason
		if reason == "" {
			reason = "session entered error state"
		}
		if err := c.failInstance(ctx, instance, reason); err != nil {
			return backoffFor(task.Attempts), err
		}
		return 0, nil
	default:
		// Still allocating.
		return probeInterval, nil
	}
}

// terminate drives a Stopping instance to Stopped by expiring its
// provider session. Repeated provider failures eventually fail the
// instance rather than retrying forever.
func (c *Coordinator) terminate(ctx context.Context, task dbclient.Task) (time.Duration, error) {
	instance, err := c.DB.GetInstance(ctx, task.InstanceID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.NotFound) {
			return 0, nil
		}
		return backoffFor(task.Attempts), err
	}

	if instance.Status != dbclient.StatusStopping {
		return 0, nil
	}

	if instance.ProviderHandle != "" {
		if err := c.Host.Terminate(ctx, instance.ProviderHandle); err != nil {
			// The queue counts attempts at claim time, so Attempts is the
			// number of deliveries this execution included.
			if task.Attempts >= config.GetTerminateRetryLimit() {
				logger.Errorf("Giving up terminating session %s for instance %s after %d attempts: %s",
					instance.ProviderHandle, instance.ID, task.Attempts, err)
				reason := reasonTerminateExhausted
				if failErr := c.failInstance(ctx, instance, reason); failErr != nil {
					return backoffFor(task.Attempts), failErr
				}
				return 0, nil
			}
			logger.Warningf("Terminate of session %s for instance %s failed, will retry: %s",
				instance.ProviderHandle, instance.ID, err)
			return backoffFor(task.Attempts), nil
		}
	}

	_, applied, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusStopped,
		dbclient.InstancePatch{}, "session terminated")
	if err != nil {
		return backoffFor(task.Attempts), err
	}
	if applied {
		metrics.SessionsTerminated.Inc()
		logger.Infof("Instance %s stopped.", instance.ID)
	}
	return 0, nil
}

// SweepIdle walks the non-terminal instances and applies the idle
// policy: Running instances with no activity for the idle threshold move
// to Idle, and Idle instances that stay inactive through the grace
// period are stopped. Runs on a schedule.
func (c *Coordinator) SweepIdle(ctx context.Context) error {
	instances, err := c.DB.NonTerminalInstances(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	threshold := config.GetIdleThreshold()
	grace := config.GetIdleGrace()

	for _, instance := range instances {
		switch instance.Status {
		case dbclient.StatusRunning:
			if now.Sub(instance.ActivityAt) <= threshold {
				continue
			}
			if _, _, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusIdle,
				dbclient.InstancePatch{}, reasonIdleReap); err != nil {
				logger.Warningf("Could not mark instance %s idle: %s", instance.ID, err)
			}
		case dbclient.StatusIdle:
			// Activity after idling moves the instance back to Running via
			// the activity endpoint, so anything still Idle here has been
			// quiet since at least the threshold.
			if now.Sub(instance.ActivityAt) <= threshold+grace {
				continue
			}
			_, applied, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusStopping,
				dbclient.InstancePatch{}, reasonIdleReap)
			if err != nil {
				logger.Warningf("Could not stop idle instance %s: %s", instance.ID, err)
				continue
			}
			if applied {
				if err := c.schedule(ctx, instance.ID, dbclient.TaskTerminate, 0); err != nil {
					logger.Errorf("Could not schedule terminate for idle instance %s: %s", instance.ID, err)
				}
			}
		}
	}

	return nil
}

// RecordActivity notes user traffic against an instance. An Idle
// instance seeing activity returns to Running before its grace period
// runs out.
func (c *Coordinator) RecordActivity(ctx context.Context, instance dbclient.Instance) error {
	if instance.Status.IsTerminal() || instance.Status == dbclient.StatusStopping {
		return errdefs.New(errdefs.Conflict, "instance is no longer running")
	}

	if instance.Status == dbclient.StatusIdle {
		if _, _, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusRunning,
			dbclient.InstancePatch{}, "activity resumed"); err != nil {
			return err
		}
	}

	return c.DB.TouchActivity(ctx, instance.ID, time.Now().UTC())
}
