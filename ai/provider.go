// Package ai routes workflow AI tasks across pluggable model providers. A
// Manager owns provider registration, health snapshots, rate and budget
// counters, and strategy-driven model selection with bounded failover.
package ai

import (
	"context"
	"fmt"
	"time"
)

// TaskType identifies the kind of work requested from a model.
type TaskType string

const (
	TaskSummarize TaskType = "summarize"
	TaskAnalyze   TaskType = "analyze"
	TaskSuggest   TaskType = "suggest"
	TaskClassify  TaskType = "classify"
	TaskExtract   TaskType = "extract"
	TaskTranslate TaskType = "translate"
	TaskGenerate  TaskType = "generate"
)

// Strategy selects the scoring profile used to pick a model.
type Strategy string

const (
	StrategyPerformance Strategy = "performance"
	StrategyCost        Strategy = "cost"
	StrategySpeed       Strategy = "speed"
	StrategyBalanced    Strategy = "balanced"
	StrategyFallback    Strategy = "fallback"
)

// ParseStrategy returns the strategy for s, defaulting to balanced.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyPerformance, StrategyCost, StrategySpeed, StrategyBalanced, StrategyFallback:
		return Strategy(s)
	default:
		return StrategyBalanced
	}
}

// Request is the provider-agnostic input for a model call.
type Request struct {
	TaskType     TaskType  `json:"taskType"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"maxTokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
}

// Message is a single turn in the request conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// InputChars returns the total request character count, the basis for
// token and cost estimation.
func (r Request) InputChars() int {
	n := len(r.SystemPrompt)
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

// Response is the provider-agnostic output of a model call.
type Response struct {
	Content    string     `json:"content"`
	ModelID    string     `json:"modelId"`
	ProviderID string     `json:"providerId"`
	Usage      TokenUsage `json:"usage"`
	Cost       float64    `json:"cost"`
	LatencyMS  int64      `json:"latencyMs"`
	Confidence float64    `json:"confidence"`
}

// TokenUsage tracks input and output token counts.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// LatencyClass buckets models by expected response latency.
type LatencyClass string

const (
	LatencyFast   LatencyClass = "fast"
	LatencyMedium LatencyClass = "medium"
	LatencySlow   LatencyClass = "slow"
)

// ModelDescriptor describes a model's capabilities and pricing as reported
// by its provider.
type ModelDescriptor struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Name         string       `json:"name"`
	Capabilities []TaskType   `json:"capabilities"`
	// QualityRank orders models by capability, 1 being the strongest.
	QualityRank     int          `json:"qualityRank"`
	CostPer1KInput  float64      `json:"costPer1KInput"`
	CostPer1KOutput float64      `json:"costPer1KOutput"`
	ContextWindow   int          `json:"contextWindow"`
	MaxOutput       int          `json:"maxOutput"`
	Latency         LatencyClass `json:"latency"`
}

// Supports reports whether the model covers the given task type.
func (m ModelDescriptor) Supports(task TaskType) bool {
	for _, c := range m.Capabilities {
		if c == task {
			return true
		}
	}
	return false
}

// HealthStatus classifies a provider's availability.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthReport is one provider health sample.
type HealthReport struct {
	Status          HealthStatus `json:"status"`
	LatencySampleMS int64        `json:"latencySampleMs"`
	ErrorRateWindow float64      `json:"errorRateWindow"`
	CheckedAt       time.Time    `json:"checkedAt"`
}

// Provider is a pluggable AI backend.
type Provider interface {
	// Name returns the provider's unique identifier (e.g., "anthropic").
	Name() string

	// ListModels returns metadata for the models this provider serves.
	ListModels() []ModelDescriptor

	// Process sends the request to the given model and returns the response.
	Process(ctx context.Context, req Request, modelID string) (*Response, error)

	// HealthCheck probes the provider and returns a health sample.
	HealthCheck(ctx context.Context) (*HealthReport, error)

	// EstimateCost returns the expected cost of the request on the model.
	EstimateCost(req Request, modelID string) (float64, error)
}

// ErrorCode classifies provider failures for retry and failover decisions.
type ErrorCode string

const (
	ErrRateLimited    ErrorCode = "rate_limited"
	ErrBudgetExceeded ErrorCode = "budget_exceeded"
	ErrTimeout        ErrorCode = "timeout"
	ErrUpstream       ErrorCode = "upstream"
	ErrInvalidRequest ErrorCode = "invalid_request"
	ErrUnavailable    ErrorCode = "unavailable"
)

// ProviderError is a classified failure from a provider call.
type ProviderError struct {
	Provider string
	Code     ErrorCode
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether failover to another provider may help.
func (e *ProviderError) Retryable() bool {
	return e.Code != ErrInvalidRequest
}

// NewProviderError builds a classified provider error.
func NewProviderError(provider string, code ErrorCode, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: fmt.Sprintf(format, args...)}
}

// SelectionCriteria narrows and ranks model candidates for one request.
type SelectionCriteria struct {
	TaskType       TaskType `json:"taskType"`
	Strategy       Strategy `json:"strategy"`
	MaxCost        float64  `json:"maxCost,omitempty"`
	MinQuality     float64  `json:"minQuality,omitempty"`
	PreferProvider string   `json:"preferProvider,omitempty"`
}
