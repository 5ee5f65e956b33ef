package dbclient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/utils"
)

// GetFleetState returns the persisted fleet descriptor.
func (client *DBClient) GetFleetState(ctx context.Context) (FleetState, error) {
	var state FleetState
	err := client.pool.QueryRow(ctx, `
		SELECT name, capacity, warm_pool, image, status, updated_at
		FROM fleet.fleet_state LIMIT 1`).
		Scan(&state.Name, &state.Capacity, &state.WarmPool, &state.Image, &state.Status, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FleetState{}, errdefs.New(errdefs.NotFound, "fleet descriptor not yet recorded")
		}
		return FleetState{}, utils.MakeError("couldn't query fleet state: %s", err)
	}
	return state, nil
}

// UpsertFleetState records the latest provider view of the fleet.
func (client *DBClient) UpsertFleetState(ctx context.Context, state FleetState) error {
	_, err := client.pool.Exec(ctx, `
		INSERT INTO fleet.fleet_state (name, capacity, warm_pool, image, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			capacity = EXCLUDED.capacity,
			warm_pool = EXCLUDED.warm_pool,
			image = EXCLUDED.image,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		state.Name, state.Capacity, state.WarmPool, state.Image, state.Status, state.UpdatedAt,
	)
	if err != nil {
		return utils.MakeError("couldn't upsert fleet state for %s: %s", state.Name, err)
	}
	return nil
}

// MaintenanceEnabled reports whether the maintenance flag forbids
// spawning. A missing row means maintenance is off.
func (client *DBClient) MaintenanceEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := client.pool.QueryRow(ctx,
		`SELECT enabled FROM fleet.maintenance WHERE singleton`).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, utils.MakeError("couldn't query maintenance flag: %s", err)
	}
	return enabled, nil
}

// SetMaintenance flips the maintenance flag.
func (client *DBClient) SetMaintenance(ctx context.Context, enabled bool) error {
	_, err := client.pool.Exec(ctx, `
		INSERT INTO fleet.maintenance (singleton, enabled, updated_at)
		VALUES (true, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		enabled, time.Now().UTC(),
	)
	if err != nil {
		return utils.MakeError("couldn't set maintenance flag: %s", err)
	}
	return nil
}
