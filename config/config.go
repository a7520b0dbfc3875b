// Package config loads the service configuration from the environment and
// parses workflow definition documents.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/caseflow/ai"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr string

	DatabaseDriver string // "sqlite" or "pgx"; empty selects the in-memory store
	DatabaseDSN    string

	JWTSecret string

	Workflow WorkflowConfig
	AI       AIConfig
}

// WorkflowConfig tunes the engine and the SLA sweeper.
type WorkflowConfig struct {
	DefaultTimeoutSeconds   int
	MaxTransitionRetries    int
	SlaSweepIntervalSeconds int
}

// AIConfig configures the router and its providers.
type AIConfig struct {
	Enabled   bool
	Strategy  string
	Weights   ai.ScoringWeights
	Providers map[string]ProviderConfig
}

// ProviderConfig is one provider block discovered from AI_<NAME>_* options.
type ProviderConfig struct {
	Enabled      bool
	Priority     int
	DefaultModel string
	RateLimitRPM int
	RateLimitTPM int
	DailyBudget  float64
	APIKey       string
	BaseURL      string
}

// Load reads the configuration from the environment.
func Load() Config {
	cfg := Config{
		HTTPAddr:       envString("HTTP_ADDR", ":8080"),
		DatabaseDriver: envString("DATABASE_DRIVER", ""),
		DatabaseDSN:    envString("DATABASE_DSN", ""),
		JWTSecret:      envString("JWT_SECRET", ""),
		Workflow: WorkflowConfig{
			DefaultTimeoutSeconds:   envInt("WORKFLOW_DEFAULT_TIMEOUT_SECONDS", 15),
			MaxTransitionRetries:    envInt("WORKFLOW_MAX_TRANSITION_RETRIES", 3),
			SlaSweepIntervalSeconds: envInt("SLA_SWEEP_INTERVAL_SECONDS", 60),
		},
		AI: AIConfig{
			Enabled:   envBool("AI_ENABLED", false),
			Strategy:  envString("AI_STRATEGY", "balanced"),
			Weights:   loadWeights(),
			Providers: discoverProviders(),
		},
	}
	return cfg
}

// discoverProviders scans the environment for AI_<NAME>_ENABLED blocks.
func discoverProviders() map[string]ProviderConfig {
	providers := make(map[string]ProviderConfig)
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "AI_") || !strings.HasSuffix(key, "_ENABLED") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "AI_"), "_ENABLED")
		if name == "" {
			continue
		}
		prefix := "AI_" + name + "_"
		providers[strings.ToLower(name)] = ProviderConfig{
			Enabled:      envBool(prefix+"ENABLED", false),
			Priority:     envInt(prefix+"PRIORITY", 100),
			DefaultModel: envString(prefix+"DEFAULT_MODEL", ""),
			RateLimitRPM: envInt(prefix+"RATE_LIMIT_RPM", 0),
			RateLimitTPM: envInt(prefix+"RATE_LIMIT_TPM", 0),
			DailyBudget:  envFloat(prefix+"DAILY_BUDGET", 0),
			APIKey:       envString(prefix+"API_KEY", ""),
			BaseURL:      envString(prefix+"BASE_URL", ""),
		}
	}
	return providers
}

// RouterConfig converts a provider block to the router's registration form.
func (p ProviderConfig) RouterConfig() ai.ProviderConfig {
	return ai.ProviderConfig{
		Enabled:      p.Enabled,
		Priority:     p.Priority,
		DefaultModel: p.DefaultModel,
		RateLimitRPM: p.RateLimitRPM,
		RateLimitTPM: p.RateLimitTPM,
		DailyBudget:  p.DailyBudget,
	}
}

// loadWeights reads AI_WEIGHTS_* overrides; unset options keep defaults.
func loadWeights() ai.ScoringWeights {
	return ai.ScoringWeights{
		PerformanceQuality:     envFloat("AI_WEIGHTS_PERFORMANCE_QUALITY", 0),
		PerformanceCapability:  envFloat("AI_WEIGHTS_PERFORMANCE_CAPABILITY", 0),
		CostEfficiency:         envFloat("AI_WEIGHTS_COST_EFFICIENCY", 0),
		CostQuality:            envFloat("AI_WEIGHTS_COST_QUALITY", 0),
		SpeedQuality:           envFloat("AI_WEIGHTS_SPEED_QUALITY", 0),
		SpeedCostEfficiency:    envFloat("AI_WEIGHTS_SPEED_COST_EFFICIENCY", 0),
		BalancedQuality:        envFloat("AI_WEIGHTS_BALANCED_QUALITY", 0),
		BalancedCostEfficiency: envFloat("AI_WEIGHTS_BALANCED_COST_EFFICIENCY", 0),
		BalancedCapability:     envFloat("AI_WEIGHTS_BALANCED_CAPABILITY", 0),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
