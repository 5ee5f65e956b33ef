package dbclient

// This file is concerned with database interactions at the instance level.
// All status changes go through TransitionInstance, which performs the
// compare-and-set against the legal transition sources inside a single
// ReadCommitted transaction together with the event-log append. Conflicting
// concurrent transitions therefore serialize on the row: the first commit
// wins and the loser observes applied == false.

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/types"
	"github.com/uktrade/data-workspace-fleet/utils"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

const uniqueViolation = "23505"

const instanceColumns = `id, public_host, principal_id, tool, status,
	provider_handle, failure_reason, created_at, status_at, activity_at, terminated_at`

// CreateInstance inserts a new record. The partial unique indexes on
// (principal_id, tool) and public_host enforce the liveness invariants; a
// violation surfaces as errdefs.Conflict. Records created directly in a
// terminal state (a spawn the gate refused) carry their failure reason
// and terminated timestamp from the start.
func (client *DBClient) CreateInstance(ctx context.Context, instance Instance) error {
	_, err := client.pool.Exec(ctx, `
		INSERT INTO fleet.instances
			(id, public_host, principal_id, tool, status, provider_handle,
			 failure_reason, created_at, status_at, activity_at, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		instance.ID, string(instance.PublicHost), string(instance.PrincipalID),
		string(instance.Tool), string(instance.Status),
		nullableText(string(instance.ProviderHandle)), nullableText(instance.FailureReason),
		instance.CreatedAt, instance.StatusAt, instance.ActivityAt, instance.TerminatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errdefs.Wrap(errdefs.Conflict, err, "a live instance for this user and tool already exists")
		}
		return utils.MakeError("couldn't insert instance %s: %s", instance.ID, err)
	}

	return nil
}

// GetInstance returns the instance with the given id.
func (client *DBClient) GetInstance(ctx context.Context, id uuid.UUID) (Instance, error) {
	row := client.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM fleet.instances WHERE id = $1`, id)
	return scanInstance(row)
}

// GetInstanceByHost returns the live instance bearing the given public
// hostname. Terminal rows are excluded so a recycled hostname always
// resolves to the instance currently holding it.
func (client *DBClient) GetInstanceByHost(ctx context.Context, host types.PublicHost) (Instance, error) {
	row := client.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM fleet.instances
		 WHERE public_host = $1
		 ORDER BY created_at DESC LIMIT 1`, string(host))
	return scanInstance(row)
}

// GetLiveInstance returns the non-terminal instance for the given
// (principal, tool) pair, or errdefs.NotFound when the slot is free.
func (client *DBClient) GetLiveInstance(ctx context.Context, principal types.PrincipalID, tool types.ToolName) (Instance, error) {
	row := client.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM fleet.instances
		 WHERE principal_id = $1 AND tool = $2 AND status = ANY($3)`,
		string(principal), string(tool), statusStrings(NonTerminalStatuses))
	return scanInstance(row)
}

// ListInstances returns up to limit instances visible to the given
// principal, newest first, starting strictly after the cursor position.
// An empty principal lists every instance (the superuser view).
func (client *DBClient) ListInstances(ctx context.Context, principal types.PrincipalID, cursor Cursor, limit int) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM fleet.instances WHERE ($1 = '' OR principal_id = $1)`
	args := []interface{}{string(principal)}

	if !cursor.IsZero() {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += utils.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, utils.MakeError("couldn't list instances: %s", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// NonTerminalInstances returns every instance that still occupies a fleet
// session, for reconciliation and fleet restart.
func (client *DBClient) NonTerminalInstances(ctx context.Context) ([]Instance, error) {
	rows, err := client.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM fleet.instances WHERE status = ANY($1)`,
		statusStrings(NonTerminalStatuses))
	if err != nil {
		return nil, utils.MakeError("couldn't query non-terminal instances: %s", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// TransitionInstance moves the instance to the target status if and only
// if its current status is a legal source for that target. It returns the
// row as committed, plus whether this call performed the transition. A
// false return with a nil error means a concurrent transition won the race
// or the instance was not in an eligible state; callers decide whether
// that is a retry or a no-op.
func (client *DBClient) TransitionInstance(ctx context.Context, id uuid.UUID, target Status, patch InstancePatch, reason string) (Instance, bool, error) {
	sources := TransitionSources(target)
	if len(sources) == 0 {
		return Instance{}, false, utils.MakeError("status %s is not a legal transition target", target)
	}

	tx, err := client.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Instance{}, false, utils.MakeError("couldn't transition instance %s: unable to begin transaction: %s", id, err)
	}
	// Safe to do even if committed -- see tx.Rollback() docs.
	defer tx.Rollback(context.Background())

	// Lock the row first so we can both check transition eligibility and
	// record the pre-transition status in the event log without racing
	// other workers.
	current, err := scanInstance(tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM fleet.instances WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Instance{}, false, err
	}

	if !current.Status.CanTransition(target) {
		// A concurrent transition won the race, or the caller's view of the
		// instance is stale. Not an error; the caller decides what to do.
		return current, false, nil
	}

	now := time.Now().UTC()

	var terminatedAt interface{}
	if target.IsTerminal() {
		terminatedAt = now
	}

	row := tx.QueryRow(ctx, `
		UPDATE fleet.instances SET
			status = $2,
			status_at = $3,
			terminated_at = COALESCE($4, terminated_at),
			provider_handle = COALESCE($5, provider_handle),
			failure_reason = COALESCE($6, failure_reason)
		WHERE id = $1
		RETURNING `+instanceColumns,
		id, string(target), now, terminatedAt,
		textOrNil((*string)(patch.ProviderHandle)), textOrNil(patch.FailureReason),
	)

	updated, err := scanInstance(row)
	if err != nil {
		return Instance{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO fleet.instance_events (instance_id, from_status, to_status, reason, at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, string(current.Status), string(target), reason, now,
	)
	if err != nil {
		return Instance{}, false, utils.MakeError("couldn't append event for instance %s: %s", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Instance{}, false, utils.MakeError("couldn't commit transition of instance %s to %s: %s", id, target, err)
	}

	logger.Infof("Instance %s transitioned to %s (%s).", id, target, reason)

	return updated, true, nil
}

// TouchActivity records user activity on the instance, coalesced to at
// most one write per 30 seconds per instance.
func (client *DBClient) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := client.pool.Exec(ctx, `
		UPDATE fleet.instances SET activity_at = $2
		WHERE id = $1 AND activity_at < $2 - interval '30 seconds'`,
		id, at,
	)
	if err != nil {
		return utils.MakeError("couldn't record activity for instance %s: %s", id, err)
	}
	return nil
}

// ExpireTerminatedInstances deletes Stopped/Failed rows older than the
// cutoff, together with their event-log entries.
func (client *DBClient) ExpireTerminatedInstances(ctx context.Context, before time.Time) (int, error) {
	tx, err := client.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, utils.MakeError("couldn't expire instances: unable to begin transaction: %s", err)
	}
	defer tx.Rollback(context.Background())

	_, err = tx.Exec(ctx, `
		DELETE FROM fleet.instance_events WHERE instance_id IN (
			SELECT id FROM fleet.instances
			WHERE status IN ('STOPPED','FAILED') AND terminated_at < $1)`, before)
	if err != nil {
		return 0, utils.MakeError("couldn't expire instance events: %s", err)
	}

	result, err := tx.Exec(ctx, `
		DELETE FROM fleet.instances
		WHERE status IN ('STOPPED','FAILED') AND terminated_at < $1`, before)
	if err != nil {
		return 0, utils.MakeError("couldn't expire terminated instances: %s", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, utils.MakeError("couldn't commit instance expiry: %s", err)
	}

	return int(result.RowsAffected()), nil
}

// InstanceEvents returns the transition history of an instance, oldest
// first.
func (client *DBClient) InstanceEvents(ctx context.Context, id uuid.UUID) ([]InstanceEvent, error) {
	rows, err := client.pool.Query(ctx, `
		SELECT id, instance_id, from_status, to_status, COALESCE(reason, ''), at
		FROM fleet.instance_events WHERE instance_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, utils.MakeError("couldn't query events for instance %s: %s", id, err)
	}
	defer rows.Close()

	var events []InstanceEvent
	for rows.Next() {
		var event InstanceEvent
		var from, to string
		if err := rows.Scan(&event.ID, &event.InstanceID, &from, &to, &event.Reason, &event.At); err != nil {
			return nil, utils.MakeError("couldn't scan instance event: %s", err)
		}
		event.FromStatus = Status(from)
		event.ToStatus = Status(to)
		events = append(events, event)
	}

	return events, rows.Err()
}

// scanInstance reads one instance row, mapping pgx.ErrNoRows onto the
// NotFound kind.
func scanInstance(row pgx.Row) (Instance, error) {
	var (
		instance       Instance
		publicHost     string
		principalID    string
		tool           string
		status         string
		providerHandle pgtype.Text
		failureReason  pgtype.Text
		terminatedAt   pgtype.Timestamptz
	)

	err := row.Scan(&instance.ID, &publicHost, &principalID, &tool, &status,
		&providerHandle, &failureReason, &instance.CreatedAt, &instance.StatusAt,
		&instance.ActivityAt, &terminatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, errdefs.New(errdefs.NotFound, "no such instance")
		}
		return Instance{}, utils.MakeError("couldn't scan instance row: %s", err)
	}

	instance.PublicHost = types.PublicHost(publicHost)
	instance.PrincipalID = types.PrincipalID(principalID)
	instance.Tool = types.ToolName(tool)
	instance.Status = Status(status)
	if providerHandle.Status == pgtype.Present {
		instance.ProviderHandle = types.ProviderHandle(providerHandle.String)
	}
	if failureReason.Status == pgtype.Present {
		instance.FailureReason = failureReason.String
	}
	if terminatedAt.Status == pgtype.Present {
		t := terminatedAt.Time
		instance.TerminatedAt = &t
	}

	return instance, nil
}

func scanInstances(rows pgx.Rows) ([]Instance, error) {
	var instances []Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// statusStrings converts a status slice for use as a text[] parameter.
func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// textOrNil converts an optional string into a parameter that COALESCEs
// away when absent.
func textOrNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// nullableText maps the empty string onto SQL NULL.
func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
