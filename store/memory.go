package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests and dev mode.
// WithinTx serializes on the store mutex and snapshots mutated entities so a
// failing fn leaves no partial writes.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*model.WorkflowDefinition // id -> def
	byKey       map[string][]*model.WorkflowDefinition
	instances   map[string]*model.WorkflowInstance
	history     map[string][]*model.HistoryEntry
	insights    map[string]*model.Insight
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*model.WorkflowDefinition),
		byKey:       make(map[string][]*model.WorkflowDefinition),
		instances:   make(map[string]*model.WorkflowInstance),
		history:     make(map[string][]*model.HistoryEntry),
		insights:    make(map[string]*model.Insight),
	}
}

func (s *MemoryStore) Definitions() DefinitionStore { return (*memDefinitions)(s) }
func (s *MemoryStore) Instances() InstanceStore     { return (*memInstances)(s) }
func (s *MemoryStore) History() HistoryStore        { return (*memHistory)(s) }
func (s *MemoryStore) Insights() InsightStore       { return (*memInsights)(s) }

// WithinTx runs fn with rollback-on-error semantics for instances, history,
// and insights, which is what transition commits require.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	instSnap := make(map[string]*model.WorkflowInstance, len(s.instances))
	for k, v := range s.instances {
		cp := *v
		instSnap[k] = &cp
	}
	histLens := make(map[string]int, len(s.history))
	for k, v := range s.history {
		histLens[k] = len(v)
	}
	insightSnap := make(map[string]*model.Insight, len(s.insights))
	for k, v := range s.insights {
		cp := *v
		insightSnap[k] = &cp
	}
	s.mu.Unlock()

	if err := fn(txView{s}); err != nil {
		s.mu.Lock()
		s.instances = instSnap
		for k := range s.history {
			if n, ok := histLens[k]; ok {
				s.history[k] = s.history[k][:n]
			} else {
				delete(s.history, k)
			}
		}
		s.insights = insightSnap
		s.mu.Unlock()
		return err
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// txView exposes the same store; atomicity comes from WithinTx's snapshot.
type txView struct{ *MemoryStore }

type memDefinitions MemoryStore

func (m *memDefinitions) Put(ctx context.Context, def *model.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byKey[def.Key] {
		if existing.Version == def.Version {
			return model.NewError(model.KindConflict,
				"definition %q version %d already registered", def.Key, def.Version)
		}
	}
	cp := *def
	m.definitions[def.ID] = &cp
	m.byKey[def.Key] = append(m.byKey[def.Key], &cp)
	return nil
}

func (m *memDefinitions) GetByKey(ctx context.Context, key string, version int) (*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.byKey[key]
	if len(versions) == 0 {
		return nil, model.NewError(model.KindNotFound, "definition %q not found", key)
	}
	if version == 0 {
		latest := versions[0]
		for _, d := range versions[1:] {
			if d.Version > latest.Version {
				latest = d
			}
		}
		cp := *latest
		return &cp, nil
	}
	for _, d := range versions {
		if d.Version == version {
			cp := *d
			return &cp, nil
		}
	}
	return nil, model.NewError(model.KindNotFound, "definition %q version %d not found", key, version)
}

func (m *memDefinitions) GetByID(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "definition %q not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDefinitions) List(ctx context.Context, filter DefinitionFilter) ([]*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WorkflowDefinition
	for _, d := range m.definitions {
		if filter.Key != "" && d.Key != filter.Key {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version > out[j].Version
	})
	return paginate(out, filter.Page, filter.PageSize), nil
}

func paginate[T any](in []T, page, size int) []T {
	if size <= 0 || size > 200 {
		size = 50
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(in) {
		return nil
	}
	end := start + size
	if end > len(in) {
		end = len(in)
	}
	return in[start:end]
}

type memInstances MemoryStore

func (m *memInstances) Insert(ctx context.Context, inst *model.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return model.NewError(model.KindConflict, "instance %q already exists", inst.ID)
	}
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *memInstances) Get(ctx context.Context, orgID, id string) (*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok || (orgID != "" && inst.OrganizationID != orgID) {
		return nil, model.NewError(model.KindNotFound, "instance %q not found", id)
	}
	cp := *inst
	cp.Context = inst.Context
	return &cp, nil
}

func (m *memInstances) UpdateCAS(ctx context.Context, inst *model.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.instances[inst.ID]
	if !ok {
		return model.NewError(model.KindNotFound, "instance %q not found", inst.ID)
	}
	if cur.Version != inst.Version-1 {
		return model.NewError(model.KindConflict,
			"instance %q version mismatch: have %d, expected %d", inst.ID, cur.Version, inst.Version-1)
	}
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *memInstances) ListForUser(ctx context.Context, orgID, userID string, filter InstanceFilter) ([]*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := filter.Now
	if now.IsZero() {
		now = time.Now()
	}
	var out []*model.WorkflowInstance
	for _, inst := range m.instances {
		if inst.OrganizationID != orgID {
			continue
		}
		if userID != "" && inst.CreatedBy != userID && inst.AssignedTo != userID {
			continue
		}
		if !matchInstance(inst, filter, now) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Page, filter.PageSize), nil
}

func matchInstance(inst *model.WorkflowInstance, filter InstanceFilter, now time.Time) bool {
	if filter.Status != "" {
		if filter.Status == model.StatusOverdue {
			if !inst.Overdue(now) {
				return false
			}
		} else if inst.Status != filter.Status {
			return false
		}
	}
	if filter.Priority != "" && inst.Priority != filter.Priority {
		return false
	}
	if filter.Overdue != nil && inst.Overdue(now) != *filter.Overdue {
		return false
	}
	return true
}

func (m *memInstances) ListDueBefore(ctx context.Context, cutoff time.Time) ([]*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WorkflowInstance
	for _, inst := range m.instances {
		if inst.Status != model.StatusActive || inst.OverdueNotified {
			continue
		}
		if inst.DueAt == nil || !inst.DueAt.Before(cutoff) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memInstances) Stats(ctx context.Context, orgID string, now time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{CountsByStatus: make(map[model.Status]int)}
	var totalCompletion float64
	var completed int
	for _, inst := range m.instances {
		if inst.OrganizationID != orgID {
			continue
		}
		stats.CountsByStatus[inst.Status]++
		if inst.Overdue(now) {
			stats.OverdueCount++
		}
		if inst.CompletedAt != nil {
			totalCompletion += inst.CompletedAt.Sub(inst.CreatedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		stats.AvgCompletionSeconds = totalCompletion / float64(completed)
	}
	return stats, nil
}

func (m *memInstances) FindByIdempotencyKey(ctx context.Context, orgID, key string, since time.Time) (*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.OrganizationID == orgID && inst.IdempotencyKey == key && inst.CreatedAt.After(since) {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, model.NewError(model.KindNotFound, "no instance for idempotency key")
}

func (m *memInstances) Delete(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok || inst.OrganizationID != orgID {
		return model.NewError(model.KindNotFound, "instance %q not found", id)
	}
	delete(m.instances, id)
	delete(m.history, id)
	for iid, ins := range m.insights {
		if ins.InstanceID == id {
			delete(m.insights, iid)
		}
	}
	return nil
}

type memHistory MemoryStore

func (m *memHistory) Append(ctx context.Context, entry *model.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.history[entry.InstanceID] = append(m.history[entry.InstanceID], &cp)
	return nil
}

func (m *memHistory) ListByInstance(ctx context.Context, instanceID string) ([]*model.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[instanceID]
	out := make([]*model.HistoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

type memInsights MemoryStore

func (m *memInsights) Insert(ctx context.Context, insight *model.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *insight
	m.insights[insight.ID] = &cp
	return nil
}

func (m *memInsights) ListByInstance(ctx context.Context, instanceID string) ([]*model.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Insight
	for _, ins := range m.insights {
		if ins.InstanceID == instanceID {
			cp := *ins
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memInsights) Detach(ctx context.Context, insightID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.insights[insightID]
	if !ok {
		return model.NewError(model.KindNotFound, "insight %q not found", insightID)
	}
	ins.InstanceID = ""
	return nil
}
