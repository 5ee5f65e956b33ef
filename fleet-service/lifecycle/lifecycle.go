/*
Package lifecycle implements the instance state machine. The Coordinator
is the only component that mutates instance records: it advances each
instance through Pending, Spawning, Running, Idle, Stopping and into
Stopped or Failed based on provider probes, user actions and idle timers,
and it guarantees at most one live instance per (user, tool) pair by
leaning on the store's uniqueness invariants.

The coordinator itself holds no state. Everything it knows lives either in
the instance store or with the fleet provider, so any number of workers
can run coordinator actions concurrently; conflicting transitions
serialize on the store's row-level compare-and-set.
*/
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"

	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets"
	"github.com/uktrade/data-workspace-fleet/fleet-service/metrics"
	"github.com/uktrade/data-workspace-fleet/types"
	"github.com/uktrade/data-workspace-fleet/utils"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// Coordinator drives instances through their lifecycle. It is safe for
// concurrent use.
type Coordinator struct {
	Host fleets.FleetHandler
	DB   dbclient.FleetDBClient

	mu         sync.RWMutex
	providerUp bool
}

// New creates a Coordinator on the given fleet handler and store. The
// provider starts out presumed reachable; reconciliation keeps the flag
// honest from then on.
func New(host fleets.FleetHandler, db dbclient.FleetDBClient) *Coordinator {
	return &Coordinator{Host: host, DB: db, providerUp: true}
}

// ProviderReachable reports whether the last reconciliation could talk
// to the fleet provider. Served by the healthcheck.
func (c *Coordinator) ProviderReachable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providerUp
}

func (c *Coordinator) noteProvider(up bool) {
	c.mu.Lock()
	c.providerUp = up
	c.mu.Unlock()
}

// probeInterval is how long the probe task waits between provider probes
// while a session is still allocating.
const probeInterval = 5 * time.Second

// Failure reasons written to instance records by the coordinator itself.
// Provider-supplied reasons are stored verbatim instead.
const (
	reasonSpawnTimeout       = "spawn-timeout"
	reasonTerminateExhausted = "terminate-exhausted"
	reasonFleetRestart       = "fleet-restart"
	reasonProviderGone       = "session gone on provider"
	reasonIdleReap           = "idle threshold exceeded"
	reasonUserStop           = "stopped by user"
)

// newPublicHost mints the DNS label a spawned tool will be reached under.
func newPublicHost(tool types.ToolName) types.PublicHost {
	return types.PublicHost(strings.ToLower(string(tool) + "-" + shortuuid.New()))
}

// Spawn is the entry point for a user's request to run a tool. It is
// idempotent: when a live instance already exists for (principal, tool)
// it is returned as-is and no new work is scheduled. The returned bool
// reports whether this call created the instance.
func (c *Coordinator) Spawn(ctx context.Context, principal types.PrincipalID, tool types.ToolName) (dbclient.Instance, bool, error) {
	existing, err := c.DB.GetLiveInstance(ctx, principal, tool)
	if err == nil {
		return existing, false, nil
	}
	if !errdefs.IsKind(err, errdefs.NotFound) {
		return dbclient.Instance{}, false, err
	}

	now := time.Now().UTC()
	instance := dbclient.Instance{
		ID:          uuid.New(),
		PublicHost:  newPublicHost(tool),
		PrincipalID: principal,
		Tool:        tool,
		Status:      dbclient.StatusPending,
		CreatedAt:   now,
		StatusAt:    now,
		ActivityAt:  now,
	}

	if err := c.DB.CreateInstance(ctx, instance); err != nil {
		if errdefs.IsKind(err, errdefs.Conflict) {
			// Lost a race with a concurrent spawn for the same pair; return
			// the winner to keep the operation idempotent.
			winner, getErr := c.DB.GetLiveInstance(ctx, principal, tool)
			if getErr == nil {
				return winner, false, nil
			}
			return dbclient.Instance{}, false, err
		}
		return dbclient.Instance{}, false, err
	}

	if err := c.schedule(ctx, instance.ID, dbclient.TaskAdvance, 0); err != nil {
		return dbclient.Instance{}, false, err
	}

	metrics.SpawnsRequested.WithLabelValues(string(tool)).Inc()
	logger.Infof("Created pending instance %s (%s for %s) on host %s.",
		instance.ID, tool, principal, instance.PublicHost)

	return instance, true, nil
}

// RecordDeniedSpawn writes a Failed record for a spawn the gate refused,
// carrying the deny reason verbatim. No provider call is ever made for a
// denied spawn; the record exists so the refusal is visible in the
// instance history.
func (c *Coordinator) RecordDeniedSpawn(ctx context.Context, principal types.PrincipalID, tool types.ToolName, reason string) error {
	now := time.Now().UTC()
	instance := dbclient.Instance{
		ID:            uuid.New(),
		PublicHost:    newPublicHost(tool),
		PrincipalID:   principal,
		Tool:          tool,
		Status:        dbclient.StatusFailed,
		FailureReason: reason,
		CreatedAt:     now,
		StatusAt:      now,
		ActivityAt:    now,
		TerminatedAt:  &now,
	}
	if err := c.DB.CreateInstance(ctx, instance); err != nil {
		return err
	}
	metrics.SpawnsFailed.WithLabelValues("gate-denied").Inc()
	return nil
}

// StopInstance handles a user's request to stop their instance. Only
// Running and Idle instances can be stopped this way; the user-driven
// transition takes priority over probe results racing with it.
func (c *Coordinator) StopInstance(ctx context.Context, id uuid.UUID) (dbclient.Instance, error) {
	instance, err := c.DB.GetInstance(ctx, id)
	if err != nil {
		return dbclient.Instance{}, err
	}

	if instance.Status.IsTerminal() {
		return instance, nil
	}

	if instance.Status != dbclient.StatusRunning && instance.Status != dbclient.StatusIdle {
		return instance, errdefs.New(errdefs.Conflict, "instance is %s and cannot be stopped yet", strings.ToLower(string(instance.Status)))
	}

	updated, applied, err := c.DB.TransitionInstance(ctx, id, dbclient.StatusStopping, dbclient.InstancePatch{}, reasonUserStop)
	if err != nil {
		return dbclient.Instance{}, err
	}
	if applied {
		if err := c.schedule(ctx, id, dbclient.TaskTerminate, 0); err != nil {
			return dbclient.Instance{}, err
		}
	}

	return updated, nil
}

// HandleTask executes one queue task. It returns the delay after which
// the task should run again; zero means the task is complete. Errors are
// reported for logging but the requeue decision is already encoded in the
// returned delay, so the task runner never needs to interpret them.
func (c *Coordinator) HandleTask(ctx context.Context, task dbclient.Task) (time.Duration, error) {
	switch task.Kind {
	case dbclient.TaskAdvance:
		return c.advance(ctx, task)
	case dbclient.TaskProbe:
		return c.probe(ctx, task)
	case dbclient.TaskTerminate:
		return c.terminate(ctx, task)
	case dbclient.TaskReconcile:
		return 0, c.Reconcile(ctx)
	case dbclient.TaskRestart:
		return 0, c.RestartFleet(ctx)
	default:
		return 0, utils.MakeError("unknown task kind %q", task.Kind)
	}
}

// schedule enqueues a follow-up task for an instance.
func (c *Coordinator) schedule(ctx context.Context, instanceID uuid.UUID, kind dbclient.TaskKind, delay time.Duration) error {
	now := time.Now().UTC()
	return c.DB.EnqueueTask(ctx, dbclient.Task{
		ID:         uuid.New(),
		InstanceID: instanceID,
		Kind:       kind,
		RunAt:      now.Add(delay),
		CreatedAt:  now,
	})
}

// failInstance forces an instance to Failed with the given reason and, if
// it holds a provider handle, issues a best-effort terminate.
func (c *Coordinator) failInstance(ctx context.Context, instance dbclient.Instance, reason string) error {
	_, applied, err := c.DB.TransitionInstance(ctx, instance.ID, dbclient.StatusFailed,
		dbclient.InstancePatch{FailureReason: &reason}, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if instance.ProviderHandle != "" {
		if err := c.Host.Terminate(ctx, instance.ProviderHandle); err != nil {
			logger.Warningf("Best-effort terminate of session %s for failed instance %s did not succeed: %s",
				instance.ProviderHandle, instance.ID, err)
		}
	}

	return nil
}

// overSpawnBudget reports whether an instance still working toward
// Running has exhausted the overall spawn budget.
func overSpawnBudget(instance dbclient.Instance, now time.Time, budget time.Duration) bool {
	if instance.Status != dbclient.StatusPending && instance.Status != dbclient.StatusSpawning {
		return false
	}
	return now.Sub(instance.CreatedAt) > budget
}
