// Package tasks runs the durable work queue. A Runner claims due tasks
// from the store in batches and hands them to the lifecycle coordinator
// on a bounded worker pool; the claim lease guarantees each task runs on
// at most one worker at a time, and a crashed worker's tasks become
// claimable again when the lease lapses.
package tasks

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/lifecycle"
	"github.com/uktrade/data-workspace-fleet/fleet-service/metrics"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

const (
	// pollInterval is how long the runner sleeps when a claim comes back
	// empty.
	pollInterval = 2 * time.Second
	// claimBatch bounds how many tasks one poll claims.
	claimBatch = 16
)

// A Runner polls the task queue and executes claimed tasks.
type Runner struct {
	DB          dbclient.FleetDBClient
	Coordinator *lifecycle.Coordinator
	Workers     int
}

// New creates a Runner with the given worker count.
func New(db dbclient.FleetDBClient, coordinator *lifecycle.Coordinator, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{DB: db, Coordinator: coordinator, Workers: workers}
}

// Run claims and executes tasks until the context is canceled. It only
// returns the context's error; task failures are logged and retried via
// the queue, never propagated.
func (r *Runner) Run(ctx context.Context) error {
	logger.Infof("Task runner starting with %d workers.", r.Workers)

	work := make(chan dbclient.Task)
	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < r.Workers; i++ {
		group.Go(func() error {
			for task := range work {
				r.execute(groupCtx, task)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer close(work)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			claimed, err := r.DB.ClaimTasks(groupCtx, time.Now().UTC(), claimBatch)
			if err != nil {
				logger.Errorf("Couldn't claim tasks: %s", err)
			}
			for _, task := range claimed {
				select {
				case work <- task:
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			}
			if len(claimed) == claimBatch {
				// The queue is deep; claim again without sleeping.
				continue
			}
			select {
			case <-ticker.C:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
	})

	err := group.Wait()
	logger.Info("Task runner stopped.")
	return err
}

// execute runs one claimed task and settles it: completed tasks leave
// the queue, requeued tasks get their next run time, and tasks that
// errored without an explicit requeue retry on the lease.
func (r *Runner) execute(ctx context.Context, task dbclient.Task) {
	delay, err := r.Coordinator.HandleTask(ctx, task)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		logger.Errorf("Task %s (%s) for instance %s failed on attempt %d: %s",
			task.ID, task.Kind, task.InstanceID, task.Attempts, err)
	}
	metrics.TasksExecuted.WithLabelValues(string(task.Kind), outcome).Inc()

	if delay > 0 {
		if err := r.DB.RescheduleTask(ctx, task.ID, time.Now().UTC().Add(delay)); err != nil {
			logger.Errorf("Couldn't reschedule task %s: %s", task.ID, err)
		}
		return
	}
	if err != nil {
		// No requeue decision came back with the error; leave the task to
		// reappear when its claim lease lapses.
		return
	}
	if err := r.DB.CompleteTask(ctx, task.ID); err != nil {
		logger.Errorf("Couldn't complete task %s: %s", task.ID, err)
	}
}
