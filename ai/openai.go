package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openaiBaseURL = "https://api.openai.com"

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL allows
// pointing at any chat-completions-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // defaults to https://api.openai.com
	Name    string // defaults to "openai"
}

// OpenAIProvider serves models over the chat completions API.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	models     []ModelDescriptor
}

// NewOpenAIProvider creates the provider. The API key is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key not set")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	allTasks := []TaskType{TaskSummarize, TaskAnalyze, TaskSuggest, TaskClassify, TaskExtract, TaskTranslate, TaskGenerate}
	return &OpenAIProvider{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{},
		models: []ModelDescriptor{
			{
				ID: "gpt-4o", Provider: name, Name: "GPT-4o",
				Capabilities: allTasks, QualityRank: 2,
				CostPer1KInput: 0.0025, CostPer1KOutput: 0.01,
				ContextWindow: 128000, MaxOutput: 16384, Latency: LatencyMedium,
			},
			{
				ID: "gpt-4o-mini", Provider: name, Name: "GPT-4o mini",
				Capabilities: allTasks, QualityRank: 4,
				CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006,
				ContextWindow: 128000, MaxOutput: 16384, Latency: LatencyFast,
			},
		},
	}, nil
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// ListModels returns the served models.
func (p *OpenAIProvider) ListModels() []ModelDescriptor { return p.models }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Process sends the request to the chat completions API.
func (p *OpenAIProvider) Process(ctx context.Context, req Request, modelID string) (*Response, error) {
	md, err := p.model(modelID)
	if err != nil {
		return nil, err
	}

	apiReq := openaiRequest{
		Model:       modelID,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewProviderError(p.name, ErrUpstream, "reading response: %v", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, httpResp.StatusCode, respBody)
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, NewProviderError(p.name, ErrUpstream, "parsing response: %v", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, NewProviderError(p.name, ErrUpstream, "response has no choices")
	}

	choice := apiResp.Choices[0]
	usage := TokenUsage{InputTokens: apiResp.Usage.PromptTokens, OutputTokens: apiResp.Usage.CompletionTokens}
	return &Response{
		Content:    choice.Message.Content,
		ModelID:    modelID,
		ProviderID: p.name,
		Usage:      usage,
		Cost:       tokenCost(md, usage),
		LatencyMS:  time.Since(start).Milliseconds(),
		Confidence: confidenceFor(choice.FinishReason == "stop"),
	}, nil
}

// HealthCheck probes the models endpoint and samples latency.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) (*HealthReport, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating health request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

// EstimateCost predicts the request cost on the model.
func (p *OpenAIProvider) EstimateCost(req Request, modelID string) (float64, error) {
	md, err := p.model(modelID)
	if err != nil {
		return 0, err
	}
	return estimateCost(md, req), nil
}

func (p *OpenAIProvider) model(modelID string) (ModelDescriptor, error) {
	for _, md := range p.models {
		if md.ID == modelID {
			return md, nil
		}
	}
	return ModelDescriptor{}, NewProviderError(p.name, ErrInvalidRequest, "unknown model %q", modelID)
}
