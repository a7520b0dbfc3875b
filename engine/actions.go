package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/caseflow/ai"
	"github.com/GoCodeAlone/caseflow/model"
	"github.com/GoCodeAlone/caseflow/store"
	"github.com/google/uuid"
)

// Built-in on-enter action names.
const (
	ActionSetDueAt         = "set_due_at"
	ActionAssign           = "assign"
	ActionEmitNotification = "emit_notification"
	ActionRunAIInsight     = "run_ai_insight"
)

// ActionInput is what an on-enter action receives. Sync actions may mutate
// Instance; the mutation commits with the transition. Post-commit actions
// see the committed instance and must not mutate it.
type ActionInput struct {
	Instance   *model.WorkflowInstance
	Definition *model.WorkflowDefinition
	Actor      model.AuthContext
	Params     map[string]any
	// Store is transaction-scoped for sync actions, so their writes commit
	// and roll back with the transition. Post-commit actions receive the
	// base store.
	Store store.Store
}

// ActionFunc is a named hook executed on entering a state.
type ActionFunc func(ctx context.Context, in ActionInput) error

// ActionDeps carries the services the built-in actions need.
type ActionDeps struct {
	Publisher Publisher
	AI        *ai.Manager
	Insights  store.InsightStore
	Logger    *slog.Logger
}

// ActionRegistry resolves action names to hooks.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewActionRegistry creates a registry preloaded with the built-in
// actions. Dependencies left nil disable the corresponding built-in
// gracefully (the action logs and returns nil).
func NewActionRegistry(deps ActionDeps) *ActionRegistry {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	r := &ActionRegistry{actions: make(map[string]ActionFunc)}
	r.Register(ActionSetDueAt, setDueAtAction)
	r.Register(ActionAssign, assignAction)
	r.Register(ActionEmitNotification, emitNotificationAction(deps))
	r.Register(ActionRunAIInsight, runAIInsightAction(deps))
	return r
}

// Register adds or replaces a named action.
func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	r.actions[name] = fn
	r.mu.Unlock()
}

// Resolve returns the action for name.
func (r *ActionRegistry) Resolve(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// setDueAtAction sets the instance deadline from params. It runs sync so
// the deadline commits atomically with the transition.
// Params: "durationSeconds" (number, relative to now) or "dueAt" (RFC3339).
func setDueAtAction(ctx context.Context, in ActionInput) error {
	if raw, ok := in.Params["dueAt"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("dueAt must be an RFC3339 string")
		}
		due, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parsing dueAt: %w", err)
		}
		in.Instance.DueAt = &due
		return nil
	}
	raw, ok := in.Params["durationSeconds"]
	if !ok {
		return fmt.Errorf("set_due_at requires dueAt or durationSeconds")
	}
	secs, ok := toFloat(raw)
	if !ok || secs <= 0 {
		return fmt.Errorf("durationSeconds must be a positive number")
	}
	due := time.Now().UTC().Add(time.Duration(secs) * time.Second)
	in.Instance.DueAt = &due
	return nil
}

// assignAction reassigns the instance. It runs sync so the new assignee
// commits with the transition; the engine emits workflow.task.assigned
// after commit.
// Params: "assignee" (user ID) or "assigneeContextKey" (context field
// holding the user ID).
func assignAction(ctx context.Context, in ActionInput) error {
	if raw, ok := in.Params["assignee"].(string); ok && raw != "" {
		in.Instance.AssignedTo = raw
		return nil
	}
	key, ok := in.Params["assigneeContextKey"].(string)
	if !ok || key == "" {
		return fmt.Errorf("assign requires assignee or assigneeContextKey")
	}
	assignee, ok := in.Instance.Context[key].(string)
	if !ok || assignee == "" {
		return fmt.Errorf("context field %q holds no assignee", key)
	}
	in.Instance.AssignedTo = assignee
	return nil
}

// toFloat accepts the numeric types JSON and YAML decoding produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// emitNotificationAction publishes a notification event carrying the
// action params and instance identity.
func emitNotificationAction(deps ActionDeps) ActionFunc {
	return func(ctx context.Context, in ActionInput) error {
		if deps.Publisher == nil {
			deps.Logger.Debug("emit_notification skipped, no publisher wired")
			return nil
		}
		payload := instanceEvent(in.Instance, in.Actor.UserID)
		for k, v := range in.Params {
			payload[k] = v
		}
		return deps.Publisher.Publish(ctx, TopicNotification, payload)
	}
}

// runAIInsightAction runs an AI task over the instance context and
// persists the result as an insight.
// Params: "kind" (insight kind, default summarize), "strategy",
// "contextKey" (restrict input to one context field).
func runAIInsightAction(deps ActionDeps) ActionFunc {
	return func(ctx context.Context, in ActionInput) error {
		insights := deps.Insights
		if in.Store != nil {
			insights = in.Store.Insights()
		}
		if deps.AI == nil || insights == nil {
			deps.Logger.Debug("run_ai_insight skipped, AI not wired")
			return nil
		}

		kind := model.InsightSummarize
		if raw, ok := in.Params["kind"].(string); ok && raw != "" {
			kind = model.InsightKind(raw)
		}
		opts := ai.TaskOptions{}
		if raw, ok := in.Params["strategy"].(string); ok {
			opts.Strategy = ai.ParseStrategy(raw)
		}

		input := in.Instance.Context
		if key, ok := in.Params["contextKey"].(string); ok && key != "" {
			input = map[string]any{key: in.Instance.Context[key]}
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("encoding instance context: %w", err)
		}

		var resp *ai.Response
		switch kind {
		case model.InsightSummarize:
			resp, err = deps.AI.Summarize(ctx, string(raw), opts)
		case model.InsightSuggest:
			resp, err = deps.AI.Suggest(ctx, input, opts)
		default:
			resp, err = deps.AI.Analyze(ctx, string(raw), opts)
		}
		if err != nil {
			return err
		}

		insight := &model.Insight{
			ID:         uuid.NewString(),
			InstanceID: in.Instance.ID,
			Kind:       kind,
			Content:    resp.Content,
			Confidence: resp.Confidence,
			ModelID:    resp.ModelID,
			ProviderID: resp.ProviderID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := insights.Insert(ctx, insight); err != nil {
			return fmt.Errorf("persisting insight: %w", err)
		}
		return nil
	}
}
