/*
Package dbclient abstracts all interactions with the database for the
lifecycle coordinator, the task runner and the HTTP surface. It defines an
interface so consumers can perform query, update and delete operations
without holding a connection pool themselves, and so tests can substitute
a mock. The store is the sole authority on instance state: every status
change goes through TransitionInstance, which enforces the legal
transition set with a single compare-and-set statement.
*/
package dbclient

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/uktrade/data-workspace-fleet/types"
	"github.com/uktrade/data-workspace-fleet/utils"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// FleetDBClient is an interface that abstracts all interactions with the
// database: the fleet.instances rows, the durable task queue, the fleet
// descriptor and the maintenance flag. By abstracting the methods we can
// easily test and mock the coordinator actions.
type FleetDBClient interface {
	// Ping reports whether the database is reachable, for healthchecks.
	Ping(context.Context) error

	// Instances
	CreateInstance(context.Context, Instance) error
	GetInstance(context.Context, uuid.UUID) (Instance, error)
	GetInstanceByHost(context.Context, types.PublicHost) (Instance, error)
	GetLiveInstance(context.Context, types.PrincipalID, types.ToolName) (Instance, error)
	ListInstances(context.Context, types.PrincipalID, Cursor, int) ([]Instance, error)
	NonTerminalInstances(context.Context) ([]Instance, error)
	TransitionInstance(context.Context, uuid.UUID, Status, InstancePatch, string) (Instance, bool, error)
	TouchActivity(context.Context, uuid.UUID, time.Time) error
	ExpireTerminatedInstances(context.Context, time.Time) (int, error)

	// Task queue
	EnqueueTask(context.Context, Task) error
	ClaimTasks(context.Context, time.Time, int) ([]Task, error)
	CompleteTask(context.Context, uuid.UUID) error
	RescheduleTask(context.Context, uuid.UUID, time.Time) error

	// Fleet descriptor, maintenance flag, event log
	GetFleetState(context.Context) (FleetState, error)
	UpsertFleetState(context.Context, FleetState) error
	MaintenanceEnabled(context.Context) (bool, error)
	SetMaintenance(context.Context, bool) error
	InstanceEvents(context.Context, uuid.UUID) ([]InstanceEvent, error)
}

// DBClient implements FleetDBClient on a pgx connection pool.
type DBClient struct {
	pool *pgxpool.Pool
}

// Initialize connects the pool and makes sure the fleet schema exists.
func Initialize(ctx context.Context, databaseURL string) (*DBClient, error) {
	pgxConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, utils.MakeError("unable to parse database connection string: %s", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, pgxConfig)
	if err != nil {
		return nil, utils.MakeError("unable to connect to the database: %s", err)
	}

	client := &DBClient{pool: pool}
	if err := client.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Infof("Connected to the fleet database.")

	return client, nil
}

// Ping verifies the database is reachable, for the healthcheck.
func (client *DBClient) Ping(ctx context.Context) error {
	return client.pool.Ping(ctx)
}

// Close releases the connection pool.
func (client *DBClient) Close() {
	client.pool.Close()
}
