/*
The fleet-service keeps the data workspace's analytical tools running. It
owns the lifecycle of every tool instance: users ask for a tool over the
HTTP surface, the coordinator spawns a session on the remote fleet and
walks the instance through its state machine, and background sweeps
reclaim idle sessions and repair drift between the store and the
provider.

All durable state lives in Postgres; the service itself is stateless and
can be restarted or scaled horizontally at any time.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/uktrade/data-workspace-fleet/fleet-service/auth"
	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets/appstream"
	"github.com/uktrade/data-workspace-fleet/fleet-service/gate"
	"github.com/uktrade/data-workspace-fleet/fleet-service/lifecycle"
	"github.com/uktrade/data-workspace-fleet/fleet-service/tasks"
	"github.com/uktrade/data-workspace-fleet/metadata"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

const taskWorkers = 8

func main() {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	// Flush loggers on the way out.
	defer logger.Close()

	logger.Infof("Starting fleet-service. Version: %s. Environment: %s.",
		metadata.GetGitCommit(), metadata.GetAppEnvironment())

	if err := config.Initialize(); err != nil {
		logger.Panic(nil, err)
	}

	db, err := dbclient.Initialize(globalCtx, config.GetDatabaseURL())
	if err != nil {
		logger.Panic(nil, err)
	}
	defer db.Close()

	var host fleets.FleetHandler = &appstream.AppStreamHost{}
	if err := host.Initialize(config.GetAWSRegion()); err != nil {
		logger.Panic(nil, err)
	}

	verifier, err := auth.NewVerifier()
	if err != nil {
		logger.Panic(nil, err)
	}
	defer verifier.Close()

	coordinator := lifecycle.New(host, db)
	runner := tasks.New(db, coordinator, taskWorkers)
	srv := newServer(db, coordinator, gate.New(db), verifier)

	// Shut everything down on SIGINT/SIGTERM.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("Received %s, shutting down.", sig)
		globalCancel()
	}()

	scheduler := startScheduler(globalCtx, coordinator)
	defer scheduler.Stop()

	group, groupCtx := errgroup.WithContext(globalCtx)
	group.Go(func() error { return runner.Run(groupCtx) })
	group.Go(func() error { return startHTTPServer(groupCtx, srv) })

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error(err)
		os.Exit(1)
	}
}

// startScheduler wires the periodic sweeps: reconciliation on the
// configured interval, the idle sweep every minute, and the archive
// prune daily. The prune also runs inside reconcile; the daily job is
// only there so retention holds even if reconcile is disabled by a very
// long interval.
func startScheduler(ctx context.Context, coordinator *lifecycle.Coordinator) *gocron.Scheduler {
	scheduler := gocron.NewScheduler(time.UTC)

	scheduler.Every(config.GetReconcileInterval()).Do(func() {
		if err := coordinator.Reconcile(ctx); err != nil {
			logger.Errorf("Scheduled reconcile failed: %s", err)
		}
	})
	scheduler.Every(1).Minute().Do(func() {
		if err := coordinator.SweepIdle(ctx); err != nil {
			logger.Errorf("Scheduled idle sweep failed: %s", err)
		}
	})
	scheduler.Every(1).Day().At("03:00").Do(func() {
		pruneArchive(ctx, coordinator)
	})

	scheduler.StartAsync()
	return scheduler
}
