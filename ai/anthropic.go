package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string // defaults to https://api.anthropic.com
}

// AnthropicProvider serves Claude models over the Messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	models     []ModelDescriptor
}

// NewAnthropicProvider creates the provider. The API key is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not set")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	allTasks := []TaskType{TaskSummarize, TaskAnalyze, TaskSuggest, TaskClassify, TaskExtract, TaskTranslate, TaskGenerate}
	return &AnthropicProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{},
		models: []ModelDescriptor{
			{
				ID: "claude-sonnet-4-20250514", Provider: "anthropic", Name: "Claude Sonnet 4",
				Capabilities: allTasks, QualityRank: 1,
				CostPer1KInput: 0.003, CostPer1KOutput: 0.015,
				ContextWindow: 200000, MaxOutput: 64000, Latency: LatencyMedium,
			},
			{
				ID: "claude-3-5-haiku-20241022", Provider: "anthropic", Name: "Claude 3.5 Haiku",
				Capabilities: []TaskType{TaskSummarize, TaskClassify, TaskExtract, TaskTranslate, TaskSuggest},
				QualityRank:  3,
				CostPer1KInput: 0.0008, CostPer1KOutput: 0.004,
				ContextWindow: 200000, MaxOutput: 8192, Latency: LatencyFast,
			},
		},
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// ListModels returns the served Claude models.
func (p *AnthropicProvider) ListModels() []ModelDescriptor { return p.models }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Process sends the request to the Messages API.
func (p *AnthropicProvider) Process(ctx context.Context, req Request, modelID string) (*Response, error) {
	md, err := p.model(modelID)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	apiReq := anthropicRequest{
		Model:       modelID,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.Name(), err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewProviderError(p.Name(), ErrUpstream, "reading response: %v", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), httpResp.StatusCode, respBody)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, NewProviderError(p.Name(), ErrUpstream, "parsing response: %v", err)
	}

	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	usage := TokenUsage{InputTokens: apiResp.Usage.InputTokens, OutputTokens: apiResp.Usage.OutputTokens}
	return &Response{
		Content:    text,
		ModelID:    modelID,
		ProviderID: p.Name(),
		Usage:      usage,
		Cost:       tokenCost(md, usage),
		LatencyMS:  time.Since(start).Milliseconds(),
		Confidence: confidenceFor(apiResp.StopReason == "end_turn"),
	}, nil
}

// HealthCheck probes the models endpoint and samples latency.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) (*HealthReport, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating health request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthReport{Status: HealthDown, LatencySampleMS: latency}, nil
	}
	defer func() { _ = httpResp.Body.Close() }()
	_, _ = io.Copy(io.Discard, httpResp.Body)

	return &HealthReport{Status: statusFromHTTP(httpResp.StatusCode), LatencySampleMS: latency}, nil
}

// EstimateCost predicts the request cost on the model assuming a moderate
// completion length.
func (p *AnthropicProvider) EstimateCost(req Request, modelID string) (float64, error) {
	md, err := p.model(modelID)
	if err != nil {
		return 0, err
	}
	return estimateCost(md, req), nil
}

func (p *AnthropicProvider) model(modelID string) (ModelDescriptor, error) {
	for _, md := range p.models {
		if md.ID == modelID {
			return md, nil
		}
	}
	return ModelDescriptor{}, NewProviderError(p.Name(), ErrInvalidRequest, "unknown model %q", modelID)
}

// -- shared provider helpers --

// transportError classifies client-side HTTP failures.
func transportError(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Code: ErrTimeout, Message: "request timed out", Err: err}
	}
	return &ProviderError{Provider: provider, Code: ErrUnavailable, Message: "request failed", Err: err}
}

// statusError classifies upstream HTTP status codes.
func statusError(provider string, status int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return NewProviderError(provider, ErrRateLimited, "status %d: %s", status, msg)
	case status == http.StatusPaymentRequired:
		return NewProviderError(provider, ErrBudgetExceeded, "status %d: %s", status, msg)
	case status == http.StatusServiceUnavailable:
		return NewProviderError(provider, ErrUnavailable, "status %d: %s", status, msg)
	case status >= 500:
		return NewProviderError(provider, ErrUpstream, "status %d: %s", status, msg)
	default:
		return NewProviderError(provider, ErrInvalidRequest, "status %d: %s", status, msg)
	}
}

func statusFromHTTP(status int) HealthStatus {
	switch {
	case status == http.StatusOK:
		return HealthHealthy
	case status >= 500:
		return HealthDown
	default:
		return HealthDegraded
	}
}

// tokenCost prices actual usage against the model's per-1K rates.
func tokenCost(md ModelDescriptor, usage TokenUsage) float64 {
	return float64(usage.InputTokens)/1000*md.CostPer1KInput +
		float64(usage.OutputTokens)/1000*md.CostPer1KOutput
}

// estimateCost approximates tokens at four characters each and assumes a
// 500-token completion.
func estimateCost(md ModelDescriptor, req Request) float64 {
	inputTokens := req.InputChars() / 4
	const assumedOutput = 500
	return float64(inputTokens)/1000*md.CostPer1KInput +
		float64(assumedOutput)/1000*md.CostPer1KOutput
}

func confidenceFor(clean bool) float64 {
	if clean {
		return 0.9
	}
	return 0.5
}
