package dbclient

// The durable task queue. Workers claim due tasks with FOR UPDATE SKIP
// LOCKED so replicas never hand the same task to two workers at once. A
// claim leases the task by pushing run_at into the future; a worker that
// dies mid-task therefore loses its lease and the task is redelivered,
// giving at-least-once semantics.

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/uktrade/data-workspace-fleet/utils"
)

// claimLease is how long a claimed task stays invisible to other workers.
// It must comfortably exceed the provider call timeout so a healthy worker
// never loses its lease mid-call.
const claimLease = 2 * time.Minute

// EnqueueTask adds a task to the durable queue.
func (client *DBClient) EnqueueTask(ctx context.Context, task Task) error {
	_, err := client.pool.Exec(ctx, `
		INSERT INTO fleet.tasks (id, instance_id, kind, run_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.InstanceID, string(task.Kind), task.RunAt, task.Attempts, task.CreatedAt,
	)
	if err != nil {
		return utils.MakeError("couldn't enqueue %s task for instance %s: %s", task.Kind, task.InstanceID, err)
	}
	return nil
}

// ClaimTasks leases up to limit tasks that are due at `now`, returning
// them in due order. Claimed tasks are redelivered after the lease expires
// unless completed or rescheduled first.
func (client *DBClient) ClaimTasks(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	tx, err := client.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, utils.MakeError("couldn't claim tasks: unable to begin transaction: %s", err)
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx, `
		UPDATE fleet.tasks SET run_at = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM fleet.tasks
			WHERE run_at <= $2
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, instance_id, kind, run_at, attempts, created_at`,
		now.Add(claimLease), now, limit,
	)
	if err != nil {
		return nil, utils.MakeError("couldn't claim tasks: %s", err)
	}

	var tasks []Task
	for rows.Next() {
		var (
			task Task
			kind string
		)
		if err := rows.Scan(&task.ID, &task.InstanceID, &kind, &task.RunAt, &task.Attempts, &task.CreatedAt); err != nil {
			rows.Close()
			return nil, utils.MakeError("couldn't scan task row: %s", err)
		}
		task.Kind = TaskKind(kind)
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, utils.MakeError("couldn't read claimed tasks: %s", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, utils.MakeError("couldn't commit task claim: %s", err)
	}

	return tasks, nil
}

// CompleteTask removes a finished task from the queue.
func (client *DBClient) CompleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := client.pool.Exec(ctx, `DELETE FROM fleet.tasks WHERE id = $1`, id)
	if err != nil {
		return utils.MakeError("couldn't complete task %s: %s", id, err)
	}
	return nil
}

// RescheduleTask re-arms a claimed task to run again at runAt.
func (client *DBClient) RescheduleTask(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	_, err := client.pool.Exec(ctx, `UPDATE fleet.tasks SET run_at = $2 WHERE id = $1`, id, runAt)
	if err != nil {
		return utils.MakeError("couldn't reschedule task %s: %s", id, err)
	}
	return nil
}
