package dbclient

import (
	"context"

	"github.com/uktrade/data-workspace-fleet/utils"
)

// schema is applied on startup. Every statement is idempotent so multiple
// service replicas can race on boot without harm.
const schema = `
CREATE SCHEMA IF NOT EXISTS fleet;

CREATE TABLE IF NOT EXISTS fleet.instances (
    id              uuid PRIMARY KEY,
    public_host     text NOT NULL,
    principal_id    text NOT NULL,
    tool            text NOT NULL,
    status          text NOT NULL,
    provider_handle text,
    failure_reason  text,
    created_at      timestamptz NOT NULL,
    status_at       timestamptz NOT NULL,
    activity_at     timestamptz NOT NULL,
    terminated_at   timestamptz
);

CREATE UNIQUE INDEX IF NOT EXISTS instances_live_owner
    ON fleet.instances (principal_id, tool)
    WHERE status IN ('PENDING','SPAWNING','RUNNING','IDLE','STOPPING');

CREATE UNIQUE INDEX IF NOT EXISTS instances_live_host
    ON fleet.instances (public_host)
    WHERE status IN ('PENDING','SPAWNING','RUNNING','IDLE','STOPPING');

CREATE INDEX IF NOT EXISTS instances_created
    ON fleet.instances (created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS fleet.tasks (
    id          uuid PRIMARY KEY,
    instance_id uuid,
    kind        text NOT NULL,
    run_at      timestamptz NOT NULL,
    attempts    int NOT NULL DEFAULT 0,
    created_at  timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_run_at ON fleet.tasks (run_at);

CREATE TABLE IF NOT EXISTS fleet.fleet_state (
    name        text PRIMARY KEY,
    capacity    int NOT NULL,
    warm_pool   int NOT NULL,
    image       text NOT NULL,
    status      text NOT NULL,
    updated_at  timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS fleet.maintenance (
    singleton   bool PRIMARY KEY DEFAULT true,
    enabled     bool NOT NULL,
    updated_at  timestamptz NOT NULL,
    CONSTRAINT maintenance_singleton CHECK (singleton)
);

CREATE TABLE IF NOT EXISTS fleet.instance_events (
    id          bigserial PRIMARY KEY,
    instance_id uuid NOT NULL,
    from_status text NOT NULL,
    to_status   text NOT NULL,
    reason      text,
    at          timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS instance_events_instance
    ON fleet.instance_events (instance_id, id);
`

// ensureSchema applies the schema DDL.
func (client *DBClient) ensureSchema(ctx context.Context) error {
	if _, err := client.pool.Exec(ctx, schema); err != nil {
		return utils.MakeError("couldn't apply fleet schema: %s", err)
	}
	return nil
}
