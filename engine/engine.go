// Package engine is the sole mutator of workflow instances. It serializes
// transitions per instance, commits instance updates and history together,
// and emits lifecycle events after commit.
package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
	"github.com/GoCodeAlone/caseflow/statemachine"
	"github.com/GoCodeAlone/caseflow/store"
	"github.com/google/uuid"
)

// Config carries the engine's tunables.
type Config struct {
	// DefaultTimeout bounds operations whose caller set no deadline.
	DefaultTimeout time.Duration
	// MaxTransitionRetries bounds the optimistic-conflict retry loop.
	MaxTransitionRetries int
	// IdempotencyWindow is how long a Create idempotency key dedupes.
	IdempotencyWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Second
	}
	if c.MaxTransitionRetries <= 0 {
		c.MaxTransitionRetries = 3
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 24 * time.Hour
	}
	return c
}

// MetricsRecorder receives transition outcomes. Nil recorders are skipped.
type MetricsRecorder interface {
	RecordTransition(definitionKey, trigger, outcome string, seconds float64)
}

// instanceGauge is an optional MetricsRecorder extension tracking the
// active instance count per definition.
type instanceGauge interface {
	InstanceActiveDelta(definitionKey string, delta float64)
}

// Engine coordinates definitions, instances, actions, and events.
type Engine struct {
	store     store.Store
	machine   *statemachine.Machine
	actions   *ActionRegistry
	publisher Publisher
	metrics   MetricsRecorder
	logger    *slog.Logger
	cfg       Config
	locks     keyedMutex
	now       func() time.Time
}

// New creates an engine. The publisher may be nil (events are dropped).
func New(st store.Store, machine *statemachine.Machine, actions *ActionRegistry,
	publisher Publisher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if actions == nil {
		actions = NewActionRegistry(ActionDeps{Logger: logger})
	}
	return &Engine{
		store:     st,
		machine:   machine,
		actions:   actions,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// SetMetrics wires an optional transition recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) { e.metrics = m }

// keyedMutex serializes work per instance ID.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()
	entry.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	entry := k.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	entry.mu.Unlock()
}

// withDeadline applies the default timeout when the caller set none.
func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.DefaultTimeout)
}

func (e *Engine) publish(ctx context.Context, topic string, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	_ = e.publisher.Publish(ctx, topic, payload)
}

// RegisterDefinition validates and stores a new definition version.
// Definitions are immutable; a duplicate (key, version) is a conflict.
func (e *Engine) RegisterDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	if err := e.machine.Validate(def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = e.now().UTC()
	}
	if err := e.store.Definitions().Put(ctx, def); err != nil {
		return nil, err
	}
	e.logger.Info("definition registered", "key", def.Key, "version", def.Version)
	return def, nil
}

// GetDefinition resolves (key, version); version 0 selects the latest.
func (e *Engine) GetDefinition(ctx context.Context, key string, version int) (*model.WorkflowDefinition, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	return e.store.Definitions().GetByKey(ctx, key, version)
}

// ListDefinitions returns registered definitions, newest version first.
func (e *Engine) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*model.WorkflowDefinition, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	return e.store.Definitions().List(ctx, filter)
}

// CreateRequest carries the Create inputs.
type CreateRequest struct {
	DefinitionKey string         `json:"definitionKey"`
	Version       int            `json:"version,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	DueAt         *time.Time     `json:"dueAt,omitempty"`
	AssignedTo    string         `json:"assignedTo,omitempty"`
	Priority      string         `json:"priority,omitempty"`
}

// Create starts a new instance in the definition's initial state, writes
// the seed history record, and emits workflow.started. With an idempotency
// key in the actor metadata, a duplicate Create inside the window returns
// the prior instance.
func (e *Engine) Create(ctx context.Context, actor model.AuthContext, req CreateRequest) (*model.WorkflowInstance, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	if actor.OrganizationID == "" || actor.UserID == "" {
		return nil, model.NewError(model.KindValidation, "actor identity is required")
	}
	if req.DefinitionKey == "" {
		return nil, model.NewError(model.KindValidation, "definitionKey is required")
	}

	if key := actor.IdempotencyKey(); key != "" {
		since := e.now().Add(-e.cfg.IdempotencyWindow)
		prior, err := e.store.Instances().FindByIdempotencyKey(ctx, actor.OrganizationID, key, since)
		if err == nil {
			return prior, nil
		}
		if !model.IsKind(err, model.KindNotFound) {
			return nil, err
		}
	}

	def, err := e.store.Definitions().GetByKey(ctx, req.DefinitionKey, req.Version)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	inst := &model.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionKey:     def.Key,
		DefinitionVersion: def.Version,
		OrganizationID:    actor.OrganizationID,
		CreatedBy:         actor.UserID,
		AssignedTo:        req.AssignedTo,
		CurrentState:      def.InitialState(),
		Status:            model.StatusActive,
		Context:           req.Context,
		Priority:          model.ParsePriority(req.Priority),
		DueAt:             req.DueAt,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
		IdempotencyKey:    actor.IdempotencyKey(),
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	// The definition SLA supplies the deadline when the caller sets none.
	if inst.DueAt == nil {
		if total := def.SLA.TotalDuration(); total > 0 {
			due := now.Add(total)
			inst.DueAt = &due
		}
	}

	seed := &model.HistoryEntry{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		ToState:    inst.CurrentState,
		ActorID:    actor.UserID,
		At:         now,
	}
	err = e.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Instances().Insert(ctx, inst); err != nil {
			return err
		}
		return tx.History().Append(ctx, seed)
	})
	if err != nil {
		return nil, err
	}

	if g, ok := e.metrics.(instanceGauge); ok {
		g.InstanceActiveDelta(inst.DefinitionKey, 1)
	}
	e.publish(ctx, TopicStarted, instanceEvent(inst, actor.UserID))
	if inst.AssignedTo != "" {
		payload := instanceEvent(inst, actor.UserID)
		payload["assignedTo"] = inst.AssignedTo
		e.publish(ctx, TopicTaskAssigned, payload)
	}
	e.logger.Info("instance created",
		"instanceId", inst.ID, "definitionKey", def.Key, "state", inst.CurrentState)
	return inst, nil
}

// Advance applies a trigger to an instance under the per-instance lock.
// The instance update and history append commit together; sync on-enter
// actions run inside the transaction and abort it on failure. Optimistic
// conflicts are retried with jittered backoff up to the configured bound.
func (e *Engine) Advance(ctx context.Context, actor model.AuthContext,
	instanceID, trigger string, contextPatch map[string]any, notes string) (*model.WorkflowInstance, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	if trigger == "" {
		return nil, model.NewError(model.KindValidation, "trigger is required")
	}

	e.locks.lock(instanceID)
	defer e.locks.unlock(instanceID)

	start := e.now()
	var lastErr error
	var lastDef *model.WorkflowDefinition
	for attempt := 0; attempt < e.cfg.MaxTransitionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, tr, def, err := e.advanceOnce(ctx, actor, instanceID, trigger, contextPatch, notes)
		if def != nil {
			lastDef = def
		}
		if err == nil {
			e.afterCommit(ctx, actor, inst, def, tr, trigger, start)
			return inst, nil
		}
		if !model.IsKind(err, model.KindConflict) {
			e.recordTransition(definitionKeyOf(lastDef), trigger, model.KindOf(err), start)
			return nil, err
		}
		lastErr = err
		backoff := time.Duration(attempt+1)*25*time.Millisecond +
			time.Duration(rand.Int64N(int64(20*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	e.recordTransition(definitionKeyOf(lastDef), trigger, model.KindConflict, start)
	return nil, model.WrapError(model.KindConflict, lastErr,
		"transition retries exhausted for instance %q", instanceID)
}

// isAIFailure reports whether err came from the AI routing layer.
func isAIFailure(err error) bool {
	switch model.KindOf(err) {
	case model.KindAIProvider, model.KindAIRateLimited, model.KindAIAllFailed:
		return true
	}
	return false
}

// definitionKeyOf keeps metric labels bounded when the definition never
// resolved.
func definitionKeyOf(def *model.WorkflowDefinition) string {
	if def == nil {
		return "unknown"
	}
	return def.Key
}

// advanceOnce runs one optimistic attempt of the transition.
func (e *Engine) advanceOnce(ctx context.Context, actor model.AuthContext,
	instanceID, trigger string, contextPatch map[string]any, notes string,
) (*model.WorkflowInstance, *model.TransitionDef, *model.WorkflowDefinition, error) {
	inst, err := e.store.Instances().Get(ctx, actor.OrganizationID, instanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if inst.Terminal() {
		return nil, nil, nil, model.NewError(model.KindAlreadyCompleted,
			"instance %q is %s", instanceID, inst.Status)
	}

	def, err := e.store.Definitions().GetByKey(ctx, inst.DefinitionKey, inst.DefinitionVersion)
	if err != nil {
		return nil, nil, nil, err
	}

	working := *inst
	working.Context = inst.CloneContext()
	for k, v := range contextPatch {
		working.Context[k] = v
	}

	tr, err := e.machine.Transition(def, working.CurrentState, trigger, actor, working.Context)
	if err != nil {
		return nil, nil, def, err
	}

	now := e.now().UTC()
	working.CurrentState = tr.To
	working.UpdatedAt = now
	working.Version = inst.Version + 1
	if outcome := e.machine.TerminalOutcome(def, tr.To); outcome != "" {
		working.CompletedAt = &now
		if outcome == model.TerminalSuccess {
			working.Status = model.StatusCompleted
		} else {
			working.Status = model.StatusFailed
		}
	}

	entry := &model.HistoryEntry{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		FromState:    tr.From,
		ToState:      tr.To,
		Trigger:      trigger,
		ActorID:      actor.UserID,
		At:           now,
		Notes:        notes,
		ContextDelta: contextPatch,
	}

	err = e.store.WithinTx(ctx, func(tx store.Store) error {
		for _, a := range tr.OnEnter {
			if a.Mode() != model.ExecutionSync {
				continue
			}
			fn, ok := e.actions.Resolve(a.Name)
			if !ok {
				return model.NewError(model.KindActionFailed,
					"action %q not registered", a.Name).WithDetail("action", a.Name)
			}
			if err := fn(ctx, ActionInput{
				Instance: &working, Definition: def, Actor: actor, Params: a.Params, Store: tx,
			}); err != nil {
				// An AI provider failure holds the transition hostage only
				// when the action is declared mandatory.
				if !a.Mandatory && isAIFailure(err) {
					e.logger.Warn("optional sync action failed",
						"action", a.Name, "instanceId", working.ID, "error", err)
					continue
				}
				return model.WrapError(model.KindActionFailed, err,
					"action %q failed", a.Name).WithDetail("action", a.Name)
			}
		}
		if err := tx.Instances().UpdateCAS(ctx, &working); err != nil {
			return err
		}
		return tx.History().Append(ctx, entry)
	})
	if err != nil {
		return nil, nil, def, err
	}
	return &working, &tr, def, nil
}

// afterCommit emits events, dispatches post-commit actions, and records
// metrics for a committed transition.
func (e *Engine) afterCommit(ctx context.Context, actor model.AuthContext,
	inst *model.WorkflowInstance, def *model.WorkflowDefinition,
	tr *model.TransitionDef, trigger string, start time.Time) {

	payload := instanceEvent(inst, actor.UserID)
	payload["fromState"] = tr.From
	payload["trigger"] = trigger
	e.publish(ctx, TopicStateChanged, payload)
	for _, a := range tr.OnEnter {
		if a.Name == ActionAssign && a.Mode() == model.ExecutionSync {
			assigned := instanceEvent(inst, actor.UserID)
			assigned["assignedTo"] = inst.AssignedTo
			e.publish(ctx, TopicTaskAssigned, assigned)
			break
		}
	}
	switch inst.Status {
	case model.StatusCompleted:
		e.publish(ctx, TopicCompleted, instanceEvent(inst, actor.UserID))
	case model.StatusFailed:
		e.publish(ctx, TopicFailed, instanceEvent(inst, actor.UserID))
	}
	if inst.Terminal() {
		if g, ok := e.metrics.(instanceGauge); ok {
			g.InstanceActiveDelta(inst.DefinitionKey, -1)
		}
	}

	var post []model.ActionDef
	for _, a := range tr.OnEnter {
		if a.Mode() == model.ExecutionPostCommit {
			post = append(post, a)
		}
	}
	if len(post) > 0 {
		committed := *inst
		committed.Context = inst.CloneContext()
		go e.runPostCommit(post, &committed, def, actor)
	}

	e.recordTransition(inst.DefinitionKey, trigger, "success", start)
	e.logger.Info("instance advanced",
		"instanceId", inst.ID, "trigger", trigger,
		"fromState", tr.From, "toState", tr.To, "status", string(inst.Status))
}

// runPostCommit executes post-commit actions best-effort. Failures are
// logged and never affect the committed transition.
func (e *Engine) runPostCommit(actions []model.ActionDef,
	inst *model.WorkflowInstance, def *model.WorkflowDefinition, actor model.AuthContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, a := range actions {
		fn, ok := e.actions.Resolve(a.Name)
		if !ok {
			e.logger.Warn("post-commit action not registered",
				"action", a.Name, "instanceId", inst.ID)
			continue
		}
		if err := fn(ctx, ActionInput{
			Instance: inst, Definition: def, Actor: actor, Params: a.Params, Store: e.store,
		}); err != nil {
			e.logger.Error("post-commit action failed",
				"action", a.Name, "instanceId", inst.ID, "error", err)
		}
	}
}

func (e *Engine) recordTransition(definitionKey, trigger, outcome string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordTransition(definitionKey, trigger, outcome, e.now().Sub(start).Seconds())
}

// InstanceView is an instance enriched with derived read-model facts.
type InstanceView struct {
	*model.WorkflowInstance
	Progress          int      `json:"progress"`
	AvailableTriggers []string `json:"availableTriggers"`
}

// Get returns the org-scoped instance with progress and the triggers the
// actor may fire. The returned status carries the overdue derivation.
func (e *Engine) Get(ctx context.Context, actor model.AuthContext, instanceID string) (*InstanceView, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	inst, err := e.store.Instances().Get(ctx, actor.OrganizationID, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.store.Definitions().GetByKey(ctx, inst.DefinitionKey, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	view := &InstanceView{WorkflowInstance: inst, Progress: e.machine.Progress(def, inst.CurrentState)}
	inst.Status = inst.EffectiveStatus(e.now())
	for _, t := range e.machine.ValidTransitions(def, inst.CurrentState, actor, inst.Context) {
		view.AvailableTriggers = append(view.AvailableTriggers, t.Trigger)
	}
	return view, nil
}

// History returns the org-scoped transition audit trail.
func (e *Engine) History(ctx context.Context, actor model.AuthContext, instanceID string) ([]*model.HistoryEntry, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	if _, err := e.store.Instances().Get(ctx, actor.OrganizationID, instanceID); err != nil {
		return nil, err
	}
	return e.store.History().ListByInstance(ctx, instanceID)
}

// Insights returns the org-scoped AI insights for an instance.
func (e *Engine) Insights(ctx context.Context, actor model.AuthContext, instanceID string) ([]*model.Insight, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	if _, err := e.store.Instances().Get(ctx, actor.OrganizationID, instanceID); err != nil {
		return nil, err
	}
	return e.store.Insights().ListByInstance(ctx, instanceID)
}

// ListForUser returns instances created by or assigned to the user within
// the actor's organization. Statuses carry the overdue derivation.
func (e *Engine) ListForUser(ctx context.Context, actor model.AuthContext,
	userID string, filter store.InstanceFilter) ([]*model.WorkflowInstance, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	if filter.Now.IsZero() {
		filter.Now = e.now()
	}
	out, err := e.store.Instances().ListForUser(ctx, actor.OrganizationID, userID, filter)
	if err != nil {
		return nil, err
	}
	for _, inst := range out {
		inst.Status = inst.EffectiveStatus(filter.Now)
	}
	return out, nil
}

// Stats aggregates instance figures for the actor's organization.
func (e *Engine) Stats(ctx context.Context, actor model.AuthContext) (*store.Stats, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	return e.store.Instances().Stats(ctx, actor.OrganizationID, e.now())
}

// SlaSweep marks active instances past their deadline and emits
// workflow.overdue once per instance. The sidecar flag makes the sweep
// idempotent across runs and racing sweepers.
func (e *Engine) SlaSweep(ctx context.Context) ([]string, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	due, err := e.store.Instances().ListDueBefore(ctx, e.now())
	if err != nil {
		return nil, err
	}

	var marked []string
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		upd := e.markOverdue(ctx, candidate.ID)
		if upd == nil {
			continue
		}
		payload := instanceEvent(upd, "system")
		payload["dueAt"] = upd.DueAt.UTC().Format(time.RFC3339Nano)
		e.publish(ctx, TopicOverdue, payload)
		marked = append(marked, upd.ID)
	}
	if len(marked) > 0 {
		e.logger.Info("sla sweep marked instances overdue", "count", len(marked))
	}
	return marked, nil
}

// markOverdue flips the sidecar flag under the per-instance lock. Version
// conflicts come from writers in other processes, so the CAS is retried
// once with a fresh read; a second conflict defers to the next sweep,
// which can be a long interval away.
func (e *Engine) markOverdue(ctx context.Context, id string) *model.WorkflowInstance {
	e.locks.lock(id)
	defer e.locks.unlock(id)

	for attempt := 0; attempt < 2; attempt++ {
		inst, err := e.store.Instances().Get(ctx, "", id)
		if err != nil || inst.OverdueNotified || !inst.Overdue(e.now()) {
			return nil
		}
		upd := *inst
		upd.OverdueNotified = true
		upd.UpdatedAt = e.now().UTC()
		upd.Version = inst.Version + 1
		err = e.store.Instances().UpdateCAS(ctx, &upd)
		if err == nil {
			return &upd
		}
		if !model.IsKind(err, model.KindConflict) {
			e.logger.Warn("overdue mark failed", "instanceId", id, "error", err)
			return nil
		}
	}
	e.logger.Warn("overdue mark deferred to next sweep", "instanceId", id)
	return nil
}

// Ping verifies the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
