package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/caseflow/model"
)

// TaskOptions carries the caller-tunable knobs for the task helpers.
type TaskOptions struct {
	Strategy       Strategy
	MaxCost        float64
	MinQuality     float64
	PreferProvider string
}

func (o TaskOptions) criteria(task TaskType) SelectionCriteria {
	return SelectionCriteria{
		TaskType:       task,
		Strategy:       o.Strategy,
		MaxCost:        o.MaxCost,
		MinQuality:     o.MinQuality,
		PreferProvider: o.PreferProvider,
	}
}

// Summarize condenses text into a short summary.
func (m *Manager) Summarize(ctx context.Context, text string, opts TaskOptions) (*Response, error) {
	if text == "" {
		return nil, model.NewError(model.KindValidation, "text is required")
	}
	req := Request{
		TaskType:     TaskSummarize,
		SystemPrompt: "Summarize the following content in a few concise sentences. Preserve key facts, names, and figures.",
		Messages:     []Message{{Role: "user", Content: text}},
	}
	return m.Execute(ctx, req, opts.criteria(TaskSummarize))
}

// Analyze extracts structure, risks, and notable findings from content.
func (m *Manager) Analyze(ctx context.Context, content string, opts TaskOptions) (*Response, error) {
	if content == "" {
		return nil, model.NewError(model.KindValidation, "content is required")
	}
	req := Request{
		TaskType:     TaskAnalyze,
		SystemPrompt: "Analyze the following content. Identify the key points, risks, and anything that needs attention. Be specific and factual.",
		Messages:     []Message{{Role: "user", Content: content}},
	}
	return m.Execute(ctx, req, opts.criteria(TaskAnalyze))
}

// Suggest proposes next actions from structured workflow context data.
func (m *Manager) Suggest(ctx context.Context, contextData map[string]any, opts TaskOptions) (*Response, error) {
	if len(contextData) == 0 {
		return nil, model.NewError(model.KindValidation, "context data is required")
	}
	raw, err := json.Marshal(contextData)
	if err != nil {
		return nil, fmt.Errorf("encoding context data: %w", err)
	}
	req := Request{
		TaskType:     TaskSuggest,
		SystemPrompt: "Given the workflow context below, suggest the most useful next actions. Return a short prioritized list with a one-line rationale each.",
		Messages:     []Message{{Role: "user", Content: string(raw)}},
	}
	return m.Execute(ctx, req, opts.criteria(TaskSuggest))
}
