package engine

import (
	"context"
	"testing"

	"github.com/GoCodeAlone/caseflow/ai"
	"github.com/GoCodeAlone/caseflow/model"
	"github.com/GoCodeAlone/caseflow/store"
)

func TestSetDueAtParams(t *testing.T) {
	fn, ok := NewActionRegistry(ActionDeps{}).Resolve(ActionSetDueAt)
	if !ok {
		t.Fatalf("set_due_at should be registered")
	}

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"absolute", map[string]any{"dueAt": "2026-09-01T12:00:00Z"}, false},
		{"relative float", map[string]any{"durationSeconds": 3600.0}, false},
		{"relative int", map[string]any{"durationSeconds": 3600}, false},
		{"bad absolute", map[string]any{"dueAt": "tomorrow"}, true},
		{"negative duration", map[string]any{"durationSeconds": -5.0}, true},
		{"missing params", map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &model.WorkflowInstance{ID: "i1"}
			err := fn(context.Background(), ActionInput{Instance: inst, Params: tt.params})
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inst.DueAt == nil {
				t.Errorf("deadline should be set")
			}
		})
	}
}

func TestAssignActionParams(t *testing.T) {
	fn, ok := NewActionRegistry(ActionDeps{}).Resolve(ActionAssign)
	if !ok {
		t.Fatalf("assign should be registered")
	}

	tests := []struct {
		name    string
		params  map[string]any
		context map[string]any
		want    string
		wantErr bool
	}{
		{"direct assignee", map[string]any{"assignee": "u7"}, nil, "u7", false},
		{"from context", map[string]any{"assigneeContextKey": "owner"}, map[string]any{"owner": "u8"}, "u8", false},
		{"missing params", map[string]any{}, nil, "", true},
		{"context field absent", map[string]any{"assigneeContextKey": "owner"}, map[string]any{}, "", true},
		{"context field not a string", map[string]any{"assigneeContextKey": "owner"}, map[string]any{"owner": 7}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &model.WorkflowInstance{ID: "i1", Context: tt.context}
			err := fn(context.Background(), ActionInput{Instance: inst, Params: tt.params})
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inst.AssignedTo != tt.want {
				t.Errorf("expected assignee %q, got %q", tt.want, inst.AssignedTo)
			}
		})
	}
}

// stubAIProvider answers every request with a fixed insight.
type stubAIProvider struct{}

func (stubAIProvider) Name() string { return "stub" }

func (stubAIProvider) ListModels() []ai.ModelDescriptor {
	return []ai.ModelDescriptor{{
		ID: "stub-model", Provider: "stub", Name: "Stub",
		Capabilities: []ai.TaskType{ai.TaskSummarize, ai.TaskAnalyze, ai.TaskSuggest},
		QualityRank:  1, Latency: ai.LatencyFast,
	}}
}

func (stubAIProvider) Process(ctx context.Context, req ai.Request, modelID string) (*ai.Response, error) {
	return &ai.Response{Content: "stub insight", ModelID: modelID, ProviderID: "stub", Confidence: 0.8}, nil
}

func (stubAIProvider) HealthCheck(ctx context.Context) (*ai.HealthReport, error) {
	return &ai.HealthReport{Status: ai.HealthHealthy}, nil
}

func (stubAIProvider) EstimateCost(req ai.Request, modelID string) (float64, error) {
	return 0.001, nil
}

// downAIProvider rejects every request upstream.
type downAIProvider struct{}

func (downAIProvider) Name() string { return "down" }

func (downAIProvider) ListModels() []ai.ModelDescriptor {
	return []ai.ModelDescriptor{{
		ID: "down-model", Provider: "down", Name: "Down",
		Capabilities: []ai.TaskType{ai.TaskSummarize, ai.TaskAnalyze, ai.TaskSuggest},
		QualityRank:  1, Latency: ai.LatencyFast,
	}}
}

func (downAIProvider) Process(ctx context.Context, req ai.Request, modelID string) (*ai.Response, error) {
	return nil, ai.NewProviderError("down", ai.ErrUpstream, "provider unavailable")
}

func (downAIProvider) HealthCheck(ctx context.Context) (*ai.HealthReport, error) {
	return &ai.HealthReport{Status: ai.HealthDown}, nil
}

func (downAIProvider) EstimateCost(req ai.Request, modelID string) (float64, error) {
	return 0.001, nil
}

func TestRunAIInsightPersists(t *testing.T) {
	manager := ai.NewManager(ai.ScoringWeights{}, ai.StrategyBalanced, nil)
	if err := manager.Register(stubAIProvider{}, ai.ProviderConfig{Enabled: true, Priority: 1}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	st := store.NewMemoryStore()
	registry := NewActionRegistry(ActionDeps{AI: manager, Insights: st.Insights()})

	fn, ok := registry.Resolve(ActionRunAIInsight)
	if !ok {
		t.Fatalf("run_ai_insight should be registered")
	}
	inst := &model.WorkflowInstance{
		ID:      "i1",
		Context: map[string]any{"description": "customer escalation about billing"},
	}
	err := fn(context.Background(), ActionInput{
		Instance: inst,
		Params:   map[string]any{"kind": "analyze"},
	})
	if err != nil {
		t.Fatalf("action: %v", err)
	}

	insights, err := st.Insights().ListByInstance(context.Background(), "i1")
	if err != nil || len(insights) != 1 {
		t.Fatalf("expected one persisted insight, got %d (%v)", len(insights), err)
	}
	got := insights[0]
	if got.Kind != model.InsightAnalyze || got.ProviderID != "stub" || got.ModelID != "stub-model" {
		t.Errorf("insight attribution wrong: %+v", got)
	}
	if got.Content != "stub insight" || got.CreatedAt.IsZero() {
		t.Errorf("insight content wrong: %+v", got)
	}
}
