// Package types defines the core entities shared across the blackboard:
// projects, agent sessions, work items, events, heartbeats and SpecFlow
// features, plus the typed work-item metadata variants.
package types

import (
	"encoding/json"
	"time"
)

// Agent session statuses.
const (
	AgentActive    = "active"
	AgentIdle      = "idle"
	AgentCompleted = "completed"
	AgentStale     = "stale"
)

// Work item statuses.
const (
	ItemAvailable = "available"
	ItemClaimed   = "claimed"
	ItemCompleted = "completed"
	ItemFailed    = "failed"
)

// Work item priorities, ordered P1 highest.
const (
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Work item sources. Producers are free to use other strings; these are the
// ones the worker pipelines and the review-cycle guard recognize.
const (
	SourceGitHub     = "github"
	SourceRework     = "rework"
	SourceCodeReview = "code_review"
	SourcePRMerge    = "pr_merge"
	SourceMergeFix   = "merge-fix"
	SourceSpecFlow   = "specflow"
	SourceTana       = "tana"
)

// Event types. The events table stores an open string so producers may add
// new types without a migration; these cover every transition the core
// emits. Heartbeat-carried events keep the historical heartbeat_received
// name for compatibility with existing stores.
const (
	EventAgentRegistered   = "agent_registered"
	EventAgentDeregistered = "agent_deregistered"
	EventHeartbeatReceived = "heartbeat_received"
	EventItemCreated       = "work_item_created"
	EventItemClaimed       = "work_item_claimed"
	EventItemCompleted     = "work_item_completed"
	EventItemReleased      = "work_item_released"
	EventItemFailed        = "work_item_failed"
	EventWorkApproved      = "work_approved"
	EventWorkRejected      = "work_rejected"
	EventHumanEscalation   = "human_escalation"
	EventDispatching       = "dispatching"
	EventFeatureReleased   = "feature_released"
	EventPhaseStarted      = "phase_started"
	EventPhaseCompleted    = "phase_completed"
	EventGatePassed        = "gate_passed"
	EventGateFailed        = "gate_failed"
)

// Project is a registered source repository.
type Project struct {
	ID           string            `json:"project_id"`
	DisplayName  string            `json:"display_name"`
	LocalPath    string            `json:"local_path,omitempty"`
	RemoteRepo   string            `json:"remote_repo,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// SpecFlowEnabled reports whether the project opted into feature
// orchestration via its metadata bag.
func (p *Project) SpecFlowEnabled() bool {
	if p == nil || p.Metadata == nil {
		return false
	}
	b, _ := p.Metadata["specflow_enabled"].(bool)
	return b
}

// MaxReworkCycles returns the project-level rework ceiling, or 0 when unset.
func (p *Project) MaxReworkCycles() int {
	if p == nil || p.Metadata == nil {
		return 0
	}
	switch v := p.Metadata["max_rework_cycles"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Agent is a registered session. PID may be rewritten by a detached worker
// after spawn so the stale sweep probes the live process.
type Agent struct {
	SessionID  string         `json:"session_id"`
	AgentName  string         `json:"agent_name"`
	Project    string         `json:"project,omitempty"`
	Work       string         `json:"work,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	PID        int            `json:"pid"`
	Status     string         `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// LogPath returns the session log path recorded at registration, if any.
func (a *Agent) LogPath() string {
	if a == nil || a.Metadata == nil {
		return ""
	}
	s, _ := a.Metadata["logPath"].(string)
	return s
}

// WorkItem is a claimable unit of work. Metadata is a variant-tagged JSON
// bag; see metadata.go for the typed parsers.
type WorkItem struct {
	ID          string         `json:"item_id"`
	ProjectID   string         `json:"project_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	Source      string         `json:"source,omitempty"`
	SourceRef   string         `json:"source_ref,omitempty"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MetadataJSON renders the metadata bag as compact JSON, "{}" when empty.
func (w *WorkItem) MetadataJSON() string {
	if w == nil || len(w.Metadata) == 0 {
		return "{}"
	}
	b, err := json.Marshal(w.Metadata)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Event is one row of the append-only log. Rank is populated only by
// full-text search results (lower is better).
type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	ActorID    string    `json:"actor_id,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	TargetType string    `json:"target_type,omitempty"`
	Summary    string    `json:"summary"`
	Metadata   string    `json:"metadata,omitempty"`
	Rank       float64   `json:"rank,omitempty"`
}

// Heartbeat is one liveness report from a session.
type Heartbeat struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Progress   string    `json:"progress,omitempty"`
	WorkItemID string    `json:"work_item_id,omitempty"`
}

// SpecFlow feature phases. The *ing phases are "active" work; the *ed
// phases rest between them. completed and failed are terminal.
const (
	PhaseQueued       = "queued"
	PhaseSpecifying   = "specifying"
	PhaseSpecified    = "specified"
	PhasePlanning     = "planning"
	PhasePlanned      = "planned"
	PhaseTasking      = "tasking"
	PhaseTasked       = "tasked"
	PhaseImplementing = "implementing"
	PhaseImplemented  = "implemented"
	PhaseCompleting   = "completing"
	PhaseCompleted    = "completed"
	PhaseFailed       = "failed"
)

// Feature statuses within a phase.
const (
	FeaturePending   = "pending"
	FeatureActive    = "active"
	FeatureSucceeded = "succeeded"
	FeatureBlocked   = "blocked"
	FeatureFailed    = "failed"
)

// Feature is a SpecFlow work program advancing through the phase machine.
type Feature struct {
	ID             string     `json:"feature_id"`
	ProjectID      string     `json:"project_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Phase          string     `json:"phase"`
	Status         string     `json:"status"`
	CurrentSession string     `json:"current_session,omitempty"`
	WorktreePath   string     `json:"worktree_path,omitempty"`
	BranchName     string     `json:"branch_name,omitempty"`
	MainBranch     string     `json:"main_branch,omitempty"`
	FailureCount   int        `json:"failure_count"`
	MaxFailures    int        `json:"max_failures"`
	LastError      string     `json:"last_error,omitempty"`
	PhaseStartedAt *time.Time `json:"phase_started_at,omitempty"`
	SpecifyScore   float64    `json:"specify_score,omitempty"`
	PlanScore      float64    `json:"plan_score,omitempty"`
	ImplementScore float64    `json:"implement_score,omitempty"`
	PRNumber       int        `json:"pr_number,omitempty"`
	PRURL          string     `json:"pr_url,omitempty"`
	CommitSHA      string     `json:"commit_sha,omitempty"`
	SourceIssueRef string     `json:"source_issue_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the feature can take no further action.
func (f *Feature) Terminal() bool {
	return f.Phase == PhaseCompleted || f.Phase == PhaseFailed
}

// PriorityRank maps P1..P3 to a sortable integer; unknown priorities sort
// last so malformed rows never jump the queue.
func PriorityRank(p string) int {
	switch p {
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	}
	return 4
}
