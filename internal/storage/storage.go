// Package storage defines the interface for blackboard storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/paiworks/ivy/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConstraint wraps structural invariant violations (foreign keys, CHECK
// clauses, duplicate ids). Callers should treat these as caller bugs, not
// transient failures.
var ErrConstraint = errors.New("constraint violation")

// ItemFilter narrows ListWorkItems. Priority accepts a single value ("P1")
// or a comma list ("P1,P2"). Status "available" excludes completed/failed.
// All disables the default ordering trim and returns every row.
type ItemFilter struct {
	Status   string
	Priority string
	Project  string
	Source   string
	All      bool
	Limit    int
}

// EventFilter narrows event queries.
type EventFilter struct {
	Limit int
	Since time.Time
}

// FeatureFilter narrows ListFeatures.
type FeatureFilter struct {
	Project  string
	Phase    string
	Status   string
	Limit    int
	Workable bool // only features a tick could act on (non-terminal)
}

// Stats summarizes the store for status output.
type Stats struct {
	Projects        int `json:"projects"`
	ActiveAgents    int `json:"active_agents"`
	AvailableItems  int `json:"available_items"`
	ClaimedItems    int `json:"claimed_items"`
	CompletedItems  int `json:"completed_items"`
	FailedItems     int `json:"failed_items"`
	Events          int `json:"events"`
	ActiveFeatures  int `json:"active_features"`
	PendingFeatures int `json:"pending_features"`
}

// Storage is the single-writer, read-concurrent persistence contract the
// rest of the system coordinates through. Multi-step state transitions
// (deregister, sweep, orphan release) are storage methods so they commit
// atomically.
type Storage interface {
	// Projects
	RegisterProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProjectMetadata(ctx context.Context, id string, patch map[string]any) error

	// Agent sessions
	CreateAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, sessionID string) (*types.Agent, error)
	ListAgents(ctx context.Context, statuses []string) ([]*types.Agent, error)
	UpdateAgent(ctx context.Context, sessionID string, updates map[string]any) error
	// CountWorkers counts agents in the given statuses, excluding the
	// orchestrator agent name from dispatcher concurrency math.
	CountWorkers(ctx context.Context, statuses []string, excludeName string) (int, error)
	// DeregisterAgent marks the session completed and releases every work
	// item it still holds, in one transaction. Returns the released ids.
	DeregisterAgent(ctx context.Context, sessionID string) ([]string, error)
	// MarkAgentStale marks the session stale and releases its items.
	MarkAgentStale(ctx context.Context, sessionID string) ([]string, error)

	// Work queue
	CreateWorkItem(ctx context.Context, item *types.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	ListWorkItems(ctx context.Context, filter ItemFilter) ([]*types.WorkItem, error)
	// ClaimWorkItem is the atomic CAS (available → claimed). Exactly one of
	// two racing claimants wins.
	ClaimWorkItem(ctx context.Context, id, sessionID string) (bool, error)
	CompleteWorkItem(ctx context.Context, id, sessionID string) error
	ReleaseWorkItem(ctx context.Context, id, sessionID string) error
	FailWorkItem(ctx context.Context, id, sessionID string) error
	UpdateWorkItemMetadata(ctx context.Context, id string, patch map[string]any) error

	// Event log (append-only, FTS-indexed over summary+metadata)
	AppendEvent(ctx context.Context, e *types.Event) error
	RecentEvents(ctx context.Context, limit int) ([]*types.Event, error)
	EventsSince(ctx context.Context, since time.Time, limit int) ([]*types.Event, error)
	EventsByType(ctx context.Context, eventType string, f EventFilter) ([]*types.Event, error)
	EventsByActor(ctx context.Context, actorID string, f EventFilter) ([]*types.Event, error)
	SearchEvents(ctx context.Context, query string, f EventFilter) ([]*types.Event, error)
	RebuildSearchIndex(ctx context.Context) error
	PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Heartbeats
	AddHeartbeat(ctx context.Context, hb *types.Heartbeat) error
	LatestHeartbeat(ctx context.Context, sessionID string) (*types.Heartbeat, error)

	// SpecFlow features
	CreateFeature(ctx context.Context, f *types.Feature) error
	GetFeature(ctx context.Context, id string) (*types.Feature, error)
	ListFeatures(ctx context.Context, filter FeatureFilter) ([]*types.Feature, error)
	UpdateFeature(ctx context.Context, id string, updates map[string]any) error
	// ReleaseOrphanedFeatures resets every active feature to pending with
	// the given error note. Idempotent: a second call is a no-op.
	ReleaseOrphanedFeatures(ctx context.Context, note string) (int, error)

	// Maintenance
	Stats(ctx context.Context) (*Stats, error)
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
	Path() string
}
