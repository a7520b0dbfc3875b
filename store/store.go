// Package store defines the persistence contracts for the workflow engine
// and provides in-memory and SQL-backed implementations.
package store

import (
	"context"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
)

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	Status   model.Status
	Priority model.Priority
	// Overdue, when set, selects only instances whose due date is (or is
	// not) elapsed relative to Now.
	Overdue *bool
	Now     time.Time

	Page     int
	PageSize int
}

// Limit returns the effective page size, bounded to a sane default.
func (f InstanceFilter) Limit() int {
	if f.PageSize <= 0 || f.PageSize > 200 {
		return 50
	}
	return f.PageSize
}

// Offset returns the row offset for the requested page.
func (f InstanceFilter) Offset() int {
	page := f.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * f.Limit()
}

// DefinitionFilter narrows definition listings.
type DefinitionFilter struct {
	Key      string
	Page     int
	PageSize int
}

// Stats aggregates per-organization instance figures.
type Stats struct {
	CountsByStatus       map[model.Status]int `json:"countsByStatus"`
	AvgCompletionSeconds float64              `json:"avgCompletionSeconds"`
	OverdueCount         int                  `json:"overdueCount"`
}

// DefinitionStore persists immutable, versioned workflow definitions.
type DefinitionStore interface {
	// Put inserts a new definition version. It fails with a conflict error
	// when (key, version) already exists; definitions are never updated.
	Put(ctx context.Context, def *model.WorkflowDefinition) error
	// GetByKey returns the definition for (key, version); version 0 selects
	// the latest registered version.
	GetByKey(ctx context.Context, key string, version int) (*model.WorkflowDefinition, error)
	// GetByID resolves a definition by its opaque ID.
	GetByID(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	// List returns definitions matching the filter, newest version first.
	List(ctx context.Context, filter DefinitionFilter) ([]*model.WorkflowDefinition, error)
}

// InstanceStore persists workflow instances with optimistic locking.
type InstanceStore interface {
	Insert(ctx context.Context, inst *model.WorkflowInstance) error
	// Get returns the instance scoped to the organization; cross-org reads
	// surface not_found.
	Get(ctx context.Context, orgID, id string) (*model.WorkflowInstance, error)
	// UpdateCAS persists inst if the stored version matches
	// inst.Version-1 (the caller bumps Version before calling). A version
	// mismatch surfaces a conflict error.
	UpdateCAS(ctx context.Context, inst *model.WorkflowInstance) error
	ListForUser(ctx context.Context, orgID, userID string, filter InstanceFilter) ([]*model.WorkflowInstance, error)
	// ListDueBefore returns active instances with due_at < cutoff that have
	// not yet been flagged overdue.
	ListDueBefore(ctx context.Context, cutoff time.Time) ([]*model.WorkflowInstance, error)
	Stats(ctx context.Context, orgID string, now time.Time) (*Stats, error)
	// FindByIdempotencyKey returns a prior instance created with the key
	// within the window, or not_found.
	FindByIdempotencyKey(ctx context.Context, orgID, key string, since time.Time) (*model.WorkflowInstance, error)
	// Delete removes an instance; history and insights cascade.
	Delete(ctx context.Context, orgID, id string) error
}

// HistoryStore persists the append-only transition audit trail.
type HistoryStore interface {
	Append(ctx context.Context, entry *model.HistoryEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*model.HistoryEntry, error)
}

// InsightStore persists AI insights attached to instances.
type InsightStore interface {
	Insert(ctx context.Context, insight *model.Insight) error
	ListByInstance(ctx context.Context, instanceID string) ([]*model.Insight, error)
	// Detach clears the instance binding so the insight outlives deletion.
	Detach(ctx context.Context, insightID string) error
}

// Store groups the four entity stores with transactional semantics.
type Store interface {
	Definitions() DefinitionStore
	Instances() InstanceStore
	History() HistoryStore
	Insights() InsightStore

	// WithinTx runs fn against a transactional view of the store. The
	// instance update and history append of a transition commit together or
	// not at all.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
}
