package dbclient

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/types"
)

// A Status represents a possible lifecycle state an instance can have in
// the database.
type Status string

// These represent the currently-defined statuses for instances.
const (
	StatusPending  Status = "PENDING"
	StatusSpawning Status = "SPAWNING"
	StatusRunning  Status = "RUNNING"
	StatusIdle     Status = "IDLE"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusFailed   Status = "FAILED"
)

// allowedTransitions is the full set of legal state transitions. The store
// refuses any update that is not listed here, so the sequence of states
// every instance traverses is always a valid path through this machine.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusSpawning, StatusFailed},
	StatusSpawning: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusIdle, StatusStopping, StatusFailed},
	StatusIdle:     {StatusRunning, StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped, StatusFailed},
}

// NonTerminalStatuses is the set of statuses in which an instance still
// occupies its (principal, tool) slot and its hostname.
var NonTerminalStatuses = []Status{
	StatusPending, StatusSpawning, StatusRunning, StatusIdle, StatusStopping,
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// CanTransition reports whether the move from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which target is legally
// reachable.
func TransitionSources(target Status) []Status {
	var sources []Status
	for from, targets := range allowedTransitions {
		for _, to := range targets {
			if to == target {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// An Instance is one row of fleet.instances: a single attempt to run a
// tool for a user.
type Instance struct {
	ID             uuid.UUID
	PublicHost     types.PublicHost
	PrincipalID    types.PrincipalID
	Tool           types.ToolName
	Status         Status
	ProviderHandle types.ProviderHandle
	FailureReason  string
	CreatedAt      time.Time
	StatusAt       time.Time
	ActivityAt     time.Time
	TerminatedAt   *time.Time
}

// An InstancePatch carries the optional columns a transition may set
// alongside the status change. Nil fields are left untouched.
type InstancePatch struct {
	ProviderHandle *types.ProviderHandle
	FailureReason  *string
}

// A TaskKind names an operation the task runner can execute.
type TaskKind string

const (
	TaskAdvance   TaskKind = "advance"
	TaskProbe     TaskKind = "probe"
	TaskTerminate TaskKind = "terminate"
	TaskReconcile TaskKind = "reconcile"
	TaskRestart   TaskKind = "restart"
)

// A Task is one row of the durable work queue.
type Task struct {
	ID         uuid.UUID
	InstanceID uuid.UUID
	Kind       TaskKind
	RunAt      time.Time
	Attempts   int
	CreatedAt  time.Time
}

// A FleetState is the singleton descriptor of the remote fleet.
type FleetState struct {
	Name      string
	Capacity  int
	WarmPool  int
	Image     string
	Status    string
	UpdatedAt time.Time
}

// An InstanceEvent records one committed state transition.
type InstanceEvent struct {
	ID         int64
	InstanceID uuid.UUID
	FromStatus Status
	ToStatus   Status
	Reason     string
	At         time.Time
}

// A Cursor marks a position in the creation-time ordering of instances
// for stable pagination. The zero Cursor means "from the newest".
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        uuid.UUID `json:"id"`
}

// IsZero reports whether the cursor is the "from the newest" position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	buf, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeCursor parses a token produced by Encode. An empty token yields
// the zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}

	buf, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errdefs.Wrap(errdefs.NotFound, err, "malformed pagination cursor")
	}

	var c Cursor
	if err := json.Unmarshal(buf, &c); err != nil {
		return Cursor{}, errdefs.Wrap(errdefs.NotFound, err, "malformed pagination cursor")
	}

	return c, nil
}
