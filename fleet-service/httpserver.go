package main

import (
	"context"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/uktrade/data-workspace-fleet/fleet-service/auth"
	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/dbclient"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/gate"
	"github.com/uktrade/data-workspace-fleet/fleet-service/httputils"
	"github.com/uktrade/data-workspace-fleet/fleet-service/lifecycle"
	"github.com/uktrade/data-workspace-fleet/types"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// server is the HTTP surface. Handlers never mutate instances directly;
// every write goes through the coordinator so the state machine stays
// the single authority.
type server struct {
	db          dbclient.FleetDBClient
	coordinator *lifecycle.Coordinator
	gate        *gate.Gate
	verifier    *auth.Verifier

	// spawnLimiter bounds how fast spawn requests reach the coordinator
	// across all users; the fleet provider throttles well before the
	// database would.
	spawnLimiter *rate.Limiter
}

func newServer(db dbclient.FleetDBClient, coordinator *lifecycle.Coordinator, g *gate.Gate, verifier *auth.Verifier) *server {
	return &server{
		db:           db,
		coordinator:  coordinator,
		gate:         g,
		verifier:     verifier,
		spawnLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// routes builds the request mux. Everything under /applications and
// /admin requires a bearer token; /healthz and /metrics do not.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/healthz", httputils.Instrument("/healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/applications/", httputils.Instrument("/applications", s.authenticated(s.routeApplications)))
	mux.Handle("/admin/", httputils.Instrument("/admin", s.authenticated(s.routeAdmin)))

	return mux
}

// authenticated wraps a handler with token verification and passes the
// verified claims through.
func (s *server) authenticated(next func(http.ResponseWriter, *http.Request, auth.Claims)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := httputils.BearerToken(r)
		if err != nil {
			httputils.WriteError(w, err)
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			httputils.WriteError(w, err)
			return
		}
		next(w, r, claims)
	})
}

// routeApplications dispatches /applications/... by path shape:
//
//	GET  /applications/instances            list visible instances
//	GET  /applications/instances/{id}       instance detail
//	POST /applications/instances/{id}/stop  user stop
//	GET  /applications/instances/{id}/events transition history
//	GET  /applications/fleet                fleet descriptor
//	POST /applications/{tool}/spawn         request a tool
//	GET  /applications/{host}/spawning      spawn progress page
//	POST /applications/{host}/activity      activity heartbeat
func (s *server) routeApplications(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/applications"), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "instances" && r.Method == http.MethodGet:
		s.handleListInstances(w, r, claims)
	case len(parts) == 2 && parts[0] == "instances" && r.Method == http.MethodGet:
		s.handleInstanceDetail(w, r, claims, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "stop" && r.Method == http.MethodPost:
		s.handleStopInstance(w, r, claims, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "events" && r.Method == http.MethodGet:
		s.handleInstanceEvents(w, r, claims, parts[1])
	case len(parts) == 1 && parts[0] == "fleet" && r.Method == http.MethodGet:
		s.handleFleetStatus(w, r, claims)
	case len(parts) == 2 && parts[1] == "spawn" && r.Method == http.MethodPost:
		s.handleSpawn(w, r, claims, types.ToolName(parts[0]))
	case len(parts) == 2 && parts[1] == "spawning" && r.Method == http.MethodGet:
		s.handleSpawning(w, r, claims, types.PublicHost(parts[0]))
	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodPost:
		s.handleActivity(w, r, claims, types.PublicHost(parts[0]))
	default:
		httputils.WriteError(w, errdefs.New(errdefs.NotFound, "no such route"))
	}
}

func (s *server) routeAdmin(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	if !claims.Superuser {
		httputils.WriteError(w, errdefs.New(errdefs.Forbidden, "superuser required"))
		return
	}

	switch {
	case r.URL.Path == "/admin/restart_fleet" && r.Method == http.MethodPost:
		s.handleRestartFleet(w, r)
	case r.URL.Path == "/admin/maintenance" && r.Method == http.MethodGet:
		s.handleGetMaintenance(w, r)
	case r.URL.Path == "/admin/maintenance" && r.Method == http.MethodPost:
		s.handleSetMaintenance(w, r)
	default:
		httputils.WriteError(w, errdefs.New(errdefs.NotFound, "no such route"))
	}
}

// handleHealthz reports service health: the database must answer a ping,
// and the provider flag carries the outcome of the last reconciliation.
// A stale provider flag degrades the body but not the status code, since
// the service can still serve reads and queue work.
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":             "ok",
		"provider_reachable": s.coordinator.ProviderReachable(),
	}
	if err := s.db.Ping(r.Context()); err != nil {
		logger.Errorf("Healthcheck database ping failed: %s", err)
		body["status"] = "unavailable"
		httputils.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, body)
}

// apiInstance is the wire shape of an instance.
type apiInstance struct {
	ID            uuid.UUID  `json:"id"`
	PublicHost    string     `json:"public_host"`
	URL           string     `json:"url"`
	Tool          string     `json:"tool"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivityAt    time.Time  `json:"activity_at"`
	TerminatedAt  *time.Time `json:"terminated_at,omitempty"`
}

func toAPIInstance(instance dbclient.Instance) apiInstance {
	return apiInstance{
		ID:            instance.ID,
		PublicHost:    string(instance.PublicHost),
		URL:           "https://" + string(instance.PublicHost) + "." + config.GetToolDomain(),
		Tool:          string(instance.Tool),
		Status:        string(instance.Status),
		FailureReason: instance.FailureReason,
		CreatedAt:     instance.CreatedAt,
		ActivityAt:    instance.ActivityAt,
		TerminatedAt:  instance.TerminatedAt,
	}
}

func (s *server) handleSpawn(w http.ResponseWriter, r *http.Request, claims auth.Claims, tool types.ToolName) {
	if !s.spawnLimiter.Allow() {
		httputils.WriteError(w, errdefs.New(errdefs.Capacity, "too many spawn requests, try again shortly"))
		return
	}

	if err := s.gate.Check(r.Context(), claims, tool); err != nil {
		if errdefs.IsKind(err, errdefs.Forbidden) {
			if recordErr := s.coordinator.RecordDeniedSpawn(r.Context(), claims.Subject, tool, err.Error()); recordErr != nil {
				logger.Errorf("Couldn't record denied spawn for %s: %s", claims.Subject, recordErr)
			}
		}
		httputils.WriteError(w, err)
		return
	}

	instance, created, err := s.coordinator.Spawn(r.Context(), claims.Subject, tool)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputils.WriteJSON(w, status, toAPIInstance(instance))
}

func (s *server) handleListInstances(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var cursor dbclient.Cursor
	if token := r.URL.Query().Get("cursor"); token != "" {
		decoded, err := dbclient.DecodeCursor(token)
		if err != nil {
			httputils.WriteError(w, err)
			return
		}
		cursor = decoded
	}
	limit := httputils.QueryInt(r, "limit", defaultPageSize, maxPageSize)

	// Superusers see the whole fleet; everyone else sees their own.
	principal := claims.Subject
	if claims.Superuser {
		principal = ""
	}

	instances, err := s.db.ListInstances(r.Context(), principal, cursor, limit)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}

	out := make([]apiInstance, 0, len(instances))
	for _, instance := range instances {
		out = append(out, toAPIInstance(instance))
	}

	next := ""
	if len(instances) == limit {
		last := instances[len(instances)-1]
		next = dbclient.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}

	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"instances":   out,
		"next_cursor": next,
	})
}

// visibleInstance loads an instance and applies the observation policy,
// reporting NotFound rather than Forbidden for instances the principal
// may not see.
func (s *server) visibleInstance(ctx context.Context, claims auth.Claims, rawID string) (dbclient.Instance, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return dbclient.Instance{}, errdefs.New(errdefs.NotFound, "no such instance")
	}
	instance, err := s.db.GetInstance(ctx, id)
	if err != nil {
		return dbclient.Instance{}, err
	}
	if !gate.CanObserve(claims, instance) {
		return dbclient.Instance{}, errdefs.New(errdefs.NotFound, "no such instance")
	}
	return instance, nil
}

func (s *server) handleInstanceDetail(w http.ResponseWriter, r *http.Request, claims auth.Claims, rawID string) {
	instance, err := s.visibleInstance(r.Context(), claims, rawID)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, toAPIInstance(instance))
}

func (s *server) handleStopInstance(w http.ResponseWriter, r *http.Request, claims auth.Claims, rawID string) {
	instance, err := s.visibleInstance(r.Context(), claims, rawID)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}

	stopped, err := s.coordinator.StopInstance(r.Context(), instance.ID)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusAccepted, toAPIInstance(stopped))
}

type apiEvent struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (s *server) handleInstanceEvents(w http.ResponseWriter, r *http.Request, claims auth.Claims, rawID string) {
	instance, err := s.visibleInstance(r.Context(), claims, rawID)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}

	events, err := s.db.InstanceEvents(r.Context(), instance.ID)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}

	out := make([]apiEvent, 0, len(events))
	for _, event := range events {
		out = append(out, apiEvent{
			From:   string(event.FromStatus),
			To:     string(event.ToStatus),
			Reason: event.Reason,
			At:     event.At,
		})
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// spawningPage is the progress page a user's browser polls while their
// tool comes up.
var spawningPage = template.Must(template.New("spawning").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Starting {{.Tool}}...</title>
  <meta http-equiv="refresh" content="3">
</head>
<body>
  <h1>Your {{.Tool}} is starting</h1>
  <p>This usually takes a minute or two. This page refreshes itself.</p>
  <p>Status: {{.Status}}</p>
</body>
</html>
`))

func (s *server) handleSpawning(w http.ResponseWriter, r *http.Request, claims auth.Claims, host types.PublicHost) {
	instance, err := s.db.GetInstanceByHost(r.Context(), host)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	if !gate.CanObserve(claims, instance) {
		httputils.WriteError(w, errdefs.New(errdefs.NotFound, "no such instance"))
		return
	}

	switch instance.Status {
	case dbclient.StatusRunning, dbclient.StatusIdle:
		http.Redirect(w, r, "https://"+string(instance.PublicHost)+"."+config.GetToolDomain(), http.StatusSeeOther)
	case dbclient.StatusPending, dbclient.StatusSpawning:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := spawningPage.Execute(w, map[string]string{
			"Tool":   string(instance.Tool),
			"Status": string(instance.Status),
		}); err != nil {
			logger.Errorf("Couldn't render spawning page: %s", err)
		}
	default:
		// Stopping or terminal: the instance will never come up.
		body := errdefs.Body{Code: string(errdefs.NotFound), Message: "instance is " + strings.ToLower(string(instance.Status))}
		if instance.FailureReason != "" {
			body.Message += ": " + instance.FailureReason
		}
		httputils.WriteJSON(w, http.StatusGone, body)
	}
}

func (s *server) handleActivity(w http.ResponseWriter, r *http.Request, claims auth.Claims, host types.PublicHost) {
	instance, err := s.db.GetInstanceByHost(r.Context(), host)
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	if !gate.CanObserve(claims, instance) {
		httputils.WriteError(w, errdefs.New(errdefs.NotFound, "no such instance"))
		return
	}

	if err := s.coordinator.RecordActivity(r.Context(), instance); err != nil {
		httputils.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiFleet struct {
	Name        string    `json:"name"`
	Capacity    int       `json:"capacity"`
	WarmPool    int       `json:"warm_pool"`
	Image       string    `json:"image"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
	Maintenance bool      `json:"maintenance"`
}

func (s *server) handleFleetStatus(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	if !claims.Superuser {
		httputils.WriteError(w, errdefs.New(errdefs.Forbidden, "superuser required"))
		return
	}

	state, err := s.db.GetFleetState(r.Context())
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	paused, err := s.db.MaintenanceEnabled(r.Context())
	if err != nil {
		httputils.WriteError(w, err)
		return
	}

	httputils.WriteJSON(w, http.StatusOK, apiFleet{
		Name:        state.Name,
		Capacity:    state.Capacity,
		WarmPool:    state.WarmPool,
		Image:       state.Image,
		Status:      state.Status,
		UpdatedAt:   state.UpdatedAt,
		Maintenance: paused,
	})
}

func (s *server) handleRestartFleet(w http.ResponseWriter, r *http.Request) {
	// The restart runs through the durable queue so it survives a service
	// crash mid-restart.
	err := s.db.EnqueueTask(r.Context(), dbclient.Task{
		ID:        uuid.New(),
		Kind:      dbclient.TaskRestart,
		RunAt:     time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "restart scheduled"})
}

func (s *server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	paused, err := s.db.MaintenanceEnabled(r.Context())
	if err != nil {
		httputils.WriteError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": paused})
}

func (s *server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := httputils.ReadJSON(w, r, &body); err != nil {
		httputils.WriteError(w, err)
		return
	}
	if err := s.db.SetMaintenance(r.Context(), body.Enabled); err != nil {
		httputils.WriteError(w, err)
		return
	}
	logger.Infof("Maintenance mode set to %t.", body.Enabled)
	httputils.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

// startHTTPServer binds the surface and serves until the context is
// canceled, then drains in-flight requests.
func startHTTPServer(ctx context.Context, s *server) error {
	httpServer := &http.Server{
		Addr:         config.GetBindAddr(),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP surface listening on %s.", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
