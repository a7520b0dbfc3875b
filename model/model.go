package model

import (
	"time"
)

// Priority levels for workflow instances.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority returns the priority for s, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Status of a workflow instance. Overdue is derived, never persisted.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusOverdue   Status = "overdue"
)

// Terminal outcome subtypes for states marked terminal.
const (
	TerminalSuccess = "success"
	TerminalFailure = "failure"
)

// Action execution modes. Sync actions run inside the transition transaction
// and abort it on failure; post-commit actions are dispatched through the
// event publisher after the transition commits.
const (
	ExecutionSync       = "sync"
	ExecutionPostCommit = "post_commit"
)

// StateDef declares a single state within a workflow definition.
type StateDef struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Initial     bool   `json:"initial,omitempty" yaml:"initial,omitempty"`
	// Terminal is empty for non-terminal states, otherwise "success" or "failure".
	Terminal string `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// ActionDef declares a named hook executed on entering a state.
type ActionDef struct {
	Name          string         `json:"name" yaml:"name"`
	ExecutionMode string         `json:"executionMode,omitempty" yaml:"executionMode,omitempty"`
	Mandatory     bool           `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	Params        map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Mode returns the declared execution mode, defaulting to post-commit.
func (a ActionDef) Mode() string {
	if a.ExecutionMode == ExecutionSync {
		return ExecutionSync
	}
	return ExecutionPostCommit
}

// TransitionDef declares a labeled edge between two states.
type TransitionDef struct {
	From          string      `json:"from" yaml:"from"`
	To            string      `json:"to" yaml:"to"`
	Trigger       string      `json:"trigger" yaml:"trigger"`
	Guard         string      `json:"guard,omitempty" yaml:"guard,omitempty"`
	RequiredRoles []string    `json:"requiredRoles,omitempty" yaml:"requiredRoles,omitempty"`
	OnEnter       []ActionDef `json:"onEnter,omitempty" yaml:"onEnter,omitempty"`
}

// SLADef declares service-level deadlines for a definition.
type SLADef struct {
	TotalDurationSeconds    int64            `json:"totalDurationSeconds,omitempty" yaml:"totalDurationSeconds,omitempty"`
	PerStateDurationSeconds map[string]int64 `json:"perStateDurationSeconds,omitempty" yaml:"perStateDurationSeconds,omitempty"`
}

// TotalDuration returns the total SLA duration, or zero when unset.
func (s *SLADef) TotalDuration() time.Duration {
	if s == nil || s.TotalDurationSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TotalDurationSeconds) * time.Second
}

// WorkflowDefinition is an immutable, versioned workflow template.
// Updates to a key register a new version; instances keep their binding.
type WorkflowDefinition struct {
	ID          string          `json:"id" yaml:"id"`
	Key         string          `json:"key" yaml:"key"`
	Version     int             `json:"version" yaml:"version"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	States      []StateDef      `json:"states" yaml:"states"`
	Transitions []TransitionDef `json:"transitions" yaml:"transitions"`
	SLA         *SLADef         `json:"sla,omitempty" yaml:"sla,omitempty"`
	CreatedAt   time.Time       `json:"createdAt" yaml:"createdAt"`
}

// State returns the declared state with the given name.
func (d *WorkflowDefinition) State(name string) (StateDef, bool) {
	for _, s := range d.States {
		if s.Name == name {
			return s, true
		}
	}
	return StateDef{}, false
}

// InitialState returns the name of the state marked initial.
func (d *WorkflowDefinition) InitialState() string {
	for _, s := range d.States {
		if s.Initial {
			return s.Name
		}
	}
	return ""
}

// WorkflowInstance is a running occurrence of a definition.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionKey     string         `json:"definitionKey"`
	DefinitionVersion int            `json:"definitionVersion"`
	OrganizationID    string         `json:"organizationId"`
	CreatedBy         string         `json:"createdBy"`
	AssignedTo        string         `json:"assignedTo,omitempty"`
	CurrentState      string         `json:"currentState"`
	Status            Status         `json:"status"`
	Context           map[string]any `json:"context"`
	Priority          Priority       `json:"priority"`
	DueAt             *time.Time     `json:"dueAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`

	// Version is the optimistic-locking column; bumped on every update.
	Version int64 `json:"version"`
	// OverdueNotified guards against duplicate workflow.overdue emissions.
	OverdueNotified bool `json:"overdueNotified,omitempty"`
	// IdempotencyKey, when present, dedupes Create within a 24h window.
	IdempotencyKey string `json:"-"`
}

// Terminal reports whether the instance has reached a terminal state.
func (i *WorkflowInstance) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// Overdue reports whether the instance is active with an elapsed deadline.
func (i *WorkflowInstance) Overdue(now time.Time) bool {
	return i.Status == StatusActive && i.DueAt != nil && i.DueAt.Before(now)
}

// EffectiveStatus returns the persisted status with the overdue derivation
// applied.
func (i *WorkflowInstance) EffectiveStatus(now time.Time) Status {
	if i.Overdue(now) {
		return StatusOverdue
	}
	return i.Status
}

// CloneContext returns a shallow copy of the instance context.
func (i *WorkflowInstance) CloneContext() map[string]any {
	out := make(map[string]any, len(i.Context))
	for k, v := range i.Context {
		out[k] = v
	}
	return out
}

// HistoryEntry is one append-only audit record of a transition. The seed
// record written at Create has an empty FromState and ToState set to the
// definition's initial state.
type HistoryEntry struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instanceId"`
	FromState    string         `json:"fromState,omitempty"`
	ToState      string         `json:"toState"`
	Trigger      string         `json:"trigger,omitempty"`
	ActorID      string         `json:"actorId"`
	At           time.Time      `json:"at"`
	Notes        string         `json:"notes,omitempty"`
	ContextDelta map[string]any `json:"contextDelta,omitempty"`
}

// InsightKind enumerates supported AI task kinds for persisted insights.
type InsightKind string

const (
	InsightSummarize InsightKind = "summarize"
	InsightAnalyze   InsightKind = "analyze"
	InsightSuggest   InsightKind = "suggest"
	InsightClassify  InsightKind = "classify"
	InsightExtract   InsightKind = "extract"
	InsightTranslate InsightKind = "translate"
	InsightGenerate  InsightKind = "generate"
)

// Insight is a persisted AI result, optionally attached to an instance.
// A detached insight has an empty InstanceID.
type Insight struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instanceId,omitempty"`
	Kind       InsightKind `json:"kind"`
	Content    string      `json:"content"`
	Confidence float64     `json:"confidence"`
	ModelID    string      `json:"modelId"`
	ProviderID string      `json:"providerId"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// AuthContext carries the authenticated caller's identity. Identity
// validation happens at the transport boundary; the engine treats this as
// opaque input.
type AuthContext struct {
	UserID         string            `json:"userId"`
	OrganizationID string            `json:"organizationId"`
	Roles          []string          `json:"roles"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// HasRole reports whether the caller holds the given role.
func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the caller holds at least one of the roles.
// An empty requirement list always passes.
func (a AuthContext) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// IdempotencyKey returns the optional create-dedup key from metadata.
func (a AuthContext) IdempotencyKey() string {
	return a.Metadata["idempotency_key"]
}
