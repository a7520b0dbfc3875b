package ai

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
	"golang.org/x/time/rate"
)

const (
	speedTimeout   = 5 * time.Second
	defaultTimeout = 30 * time.Second

	// throttleCooldown is how long a rate-limited provider sits out of
	// selection before being retried.
	throttleCooldown = 30 * time.Second
)

// ProviderConfig carries per-provider registration settings.
type ProviderConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Priority     int     `json:"priority" yaml:"priority"` // lower wins
	DefaultModel string  `json:"defaultModel" yaml:"defaultModel"`
	RateLimitRPM int     `json:"rateLimitRpm" yaml:"rateLimitRpm"`
	RateLimitTPM int     `json:"rateLimitTpm" yaml:"rateLimitTpm"`
	DailyBudget  float64 `json:"dailyBudget" yaml:"dailyBudget"`
}

// registeredProvider bundles a provider with its config and local state.
// Counters are advisory: a concurrent in-flight call may overshoot a limit
// by one request.
type registeredProvider struct {
	provider Provider
	cfg      ProviderConfig
	limiter  *rate.Limiter

	mu             sync.Mutex
	health         HealthReport
	throttledUntil time.Time
	tokensMinute   int
	minuteStart    time.Time
	costDay        float64
	dayStart       time.Time
}

func (rp *registeredProvider) snapshot() HealthReport {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.health
}

func (rp *registeredProvider) setHealth(r HealthReport) {
	rp.mu.Lock()
	rp.health = r
	rp.mu.Unlock()
}

func (rp *registeredProvider) throttled(now time.Time) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return now.Before(rp.throttledUntil)
}

func (rp *registeredProvider) throttle(now time.Time, d time.Duration) {
	rp.mu.Lock()
	rp.throttledUntil = now.Add(d)
	rp.mu.Unlock()
}

// rollWindows resets the minute and day counters when their window has
// elapsed. Callers hold rp.mu.
func (rp *registeredProvider) rollWindows(now time.Time) {
	if now.Sub(rp.minuteStart) >= time.Minute {
		rp.minuteStart = now
		rp.tokensMinute = 0
	}
	if now.YearDay() != rp.dayStart.YearDay() || now.Year() != rp.dayStart.Year() {
		rp.dayStart = now
		rp.costDay = 0
	}
}

// allow performs the pre-call RPM, TPM, and daily budget check and, when
// all pass, reserves the estimate against the counters. Concurrent calls
// each see the others' reservations, so the day's spend can exceed the
// budget by at most one in-flight request. record settles the reservation
// against actual usage; release drops it for a call that never produced
// usage figures.
func (rp *registeredProvider) allow(now time.Time, estTokens int, estCost float64) bool {
	if rp.limiter != nil && !rp.limiter.Allow() {
		return false
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.rollWindows(now)
	if rp.cfg.RateLimitTPM > 0 && rp.tokensMinute+estTokens > rp.cfg.RateLimitTPM {
		return false
	}
	if rp.cfg.DailyBudget > 0 && rp.costDay+estCost > rp.cfg.DailyBudget {
		return false
	}
	rp.tokensMinute += estTokens
	rp.costDay += estCost
	return true
}

// record replaces the reservation from allow with the actual usage and
// cost reported by the provider.
func (rp *registeredProvider) record(now time.Time, estTokens int, estCost float64, usage TokenUsage, cost float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.rollWindows(now)
	rp.tokensMinute += usage.InputTokens + usage.OutputTokens - estTokens
	if rp.tokensMinute < 0 {
		rp.tokensMinute = 0
	}
	rp.costDay += cost - estCost
	if rp.costDay < 0 {
		rp.costDay = 0
	}
}

// release drops the reservation for a failed call.
func (rp *registeredProvider) release(estTokens int, estCost float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.tokensMinute -= estTokens
	if rp.tokensMinute < 0 {
		rp.tokensMinute = 0
	}
	rp.costDay -= estCost
	if rp.costDay < 0 {
		rp.costDay = 0
	}
}

// degrade records a failure sample; the next successful probe resets it.
func (rp *registeredProvider) degrade() {
	rp.mu.Lock()
	if rp.health.Status == HealthHealthy || rp.health.Status == "" {
		rp.health.Status = HealthDegraded
	}
	rp.health.CheckedAt = time.Now()
	rp.mu.Unlock()
}

// MetricsRecorder receives routing outcomes and health snapshots. Nil
// recorders are skipped.
type MetricsRecorder interface {
	RecordAIRequest(provider, outcome string, d time.Duration)
	SetProviderHealth(snapshots map[string]HealthReport)
}

// Manager routes requests across registered providers.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*registeredProvider

	weights         ScoringWeights
	defaultStrategy Strategy
	metrics         MetricsRecorder
	logger          *slog.Logger
	now             func() time.Time
}

// NewManager creates a router with the given scoring weights and default
// strategy. A nil logger discards output.
func NewManager(weights ScoringWeights, defaultStrategy Strategy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if defaultStrategy == "" {
		defaultStrategy = StrategyBalanced
	}
	return &Manager{
		providers:       make(map[string]*registeredProvider),
		weights:         weights,
		defaultStrategy: defaultStrategy,
		logger:          logger,
		now:             time.Now,
	}
}

// SetMetrics wires an optional outcome recorder.
func (m *Manager) SetMetrics(rec MetricsRecorder) { m.metrics = rec }

func (m *Manager) recordAI(provider, outcome string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordAIRequest(provider, outcome, d)
}

// Register adds a provider under its config. Disabled providers are kept
// registered but excluded from selection.
func (m *Manager) Register(p Provider, cfg ProviderConfig) error {
	if p == nil || p.Name() == "" {
		return model.NewError(model.KindValidation, "provider must have a name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.providers[p.Name()]; dup {
		return model.NewError(model.KindConflict, "provider %q already registered", p.Name())
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), cfg.RateLimitRPM)
	}
	m.providers[p.Name()] = &registeredProvider{
		provider: p,
		cfg:      cfg,
		limiter:  limiter,
		health:   HealthReport{Status: HealthHealthy},
	}
	return nil
}

// Models aggregates the model registry across enabled providers.
func (m *Manager) Models() []ModelDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ModelDescriptor
	for _, rp := range m.providers {
		if !rp.cfg.Enabled {
			continue
		}
		out = append(out, rp.provider.ListModels()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Health returns the current per-provider health snapshots.
func (m *Manager) Health() map[string]HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthReport, len(m.providers))
	for name, rp := range m.providers {
		out[name] = rp.snapshot()
	}
	return out
}

// Probe refreshes every provider's health snapshot. A probe error marks the
// provider down until the next successful probe.
func (m *Manager) Probe(ctx context.Context, name string) error {
	m.mu.RLock()
	rp, ok := m.providers[name]
	m.mu.RUnlock()
	if !ok {
		return model.NewError(model.KindNotFound, "provider %q not registered", name)
	}
	report, err := rp.provider.HealthCheck(ctx)
	if err != nil {
		rp.setHealth(HealthReport{Status: HealthDown, CheckedAt: m.now()})
		if m.metrics != nil {
			m.metrics.SetProviderHealth(m.Health())
		}
		return err
	}
	report.CheckedAt = m.now()
	rp.setHealth(*report)
	if m.metrics != nil {
		m.metrics.SetProviderHealth(m.Health())
	}
	return nil
}

// ProviderNames returns all registered provider names.
func (m *Manager) ProviderNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// candidate is one scored (provider, model) pair.
type candidate struct {
	providerID string
	priority   int
	model      ModelDescriptor
	score      float64
}

// selectCandidate runs the selection algorithm, skipping excluded providers.
func (m *Manager) selectCandidate(criteria SelectionCriteria, exclude map[string]bool) (*candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	capable := 0
	gather := func(allowDegraded bool) []candidate {
		capable = 0
		var out []candidate
		for name, rp := range m.providers {
			if !rp.cfg.Enabled || exclude[name] || rp.throttled(now) {
				continue
			}
			status := rp.snapshot().Status
			if status == HealthDown {
				continue
			}
			if status == HealthDegraded && !allowDegraded {
				continue
			}
			for _, md := range rp.provider.ListModels() {
				if !md.Supports(criteria.TaskType) {
					continue
				}
				capable++
				if criteria.MaxCost > 0 {
					blended := (md.CostPer1KInput + md.CostPer1KOutput) / 2
					if blended > criteria.MaxCost {
						continue
					}
				}
				if criteria.MinQuality > 0 && qualityScore(md) < criteria.MinQuality {
					continue
				}
				out = append(out, candidate{
					providerID: name,
					priority:   rp.cfg.Priority,
					model:      md,
					score:      m.weights.score(criteria.Strategy, md),
				})
			}
		}
		return out
	}

	cands := gather(false)
	if len(cands) == 0 {
		// Degraded providers are a fallback when nothing healthy matches.
		cands = gather(true)
	}
	if len(cands) == 0 {
		if capable > 0 {
			// Task-capable models exist but the caller's cost or quality
			// bounds exclude them all; no provider call is made.
			return nil, model.NewError(model.KindValidation,
				"no model for task %q within maxCost/minQuality bounds", criteria.TaskType)
		}
		return nil, model.NewError(model.KindAIAllFailed,
			"no candidate model for task %q", criteria.TaskType)
	}

	if criteria.Strategy == StrategyFallback {
		// Highest-priority provider's preferred model; no scoring.
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].priority != cands[j].priority {
				return cands[i].priority < cands[j].priority
			}
			ip := m.isPreferredModel(cands[i])
			jp := m.isPreferredModel(cands[j])
			if ip != jp {
				return ip
			}
			if cands[i].model.QualityRank != cands[j].model.QualityRank {
				return cands[i].model.QualityRank < cands[j].model.QualityRank
			}
			return cands[i].model.ID < cands[j].model.ID
		})
		return &cands[0], nil
	}

	preferred := criteria.PreferProvider
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		// Preferred provider wins ties, then priority, rank, model id.
		if preferred != "" && (cands[i].providerID == preferred) != (cands[j].providerID == preferred) {
			return cands[i].providerID == preferred
		}
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		if cands[i].model.QualityRank != cands[j].model.QualityRank {
			return cands[i].model.QualityRank < cands[j].model.QualityRank
		}
		return cands[i].model.ID < cands[j].model.ID
	})
	return &cands[0], nil
}

func (m *Manager) isPreferredModel(c candidate) bool {
	rp := m.providers[c.providerID]
	return rp != nil && rp.cfg.DefaultModel != "" && rp.cfg.DefaultModel == c.model.ID
}

// Execute selects a model, enforces limits, calls the provider, and fails
// over across distinct providers until the cap is reached.
func (m *Manager) Execute(ctx context.Context, req Request, criteria SelectionCriteria) (*Response, error) {
	if criteria.Strategy == "" {
		criteria.Strategy = m.defaultStrategy
	}
	if criteria.TaskType == "" {
		criteria.TaskType = req.TaskType
	}

	timeout := defaultTimeout
	if criteria.Strategy == StrategySpeed {
		timeout = speedTimeout
	}

	m.mu.RLock()
	maxAttempts := len(m.providers)
	m.mu.RUnlock()
	if maxAttempts == 0 {
		return nil, model.NewError(model.KindAIAllFailed, "no providers registered")
	}

	tried := make(map[string]bool)
	var lastErr error
	allRateLimited := true

	for len(tried) < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cand, err := m.selectCandidate(criteria, tried)
		if err != nil {
			if lastErr == nil {
				return nil, err
			}
			break
		}

		m.mu.RLock()
		rp := m.providers[cand.providerID]
		m.mu.RUnlock()

		estCost, _ := rp.provider.EstimateCost(req, cand.model.ID)
		estTokens := req.InputChars() / 4
		now := m.now()
		if !rp.allow(now, estTokens, estCost) {
			rp.throttle(now, throttleCooldown)
			tried[cand.providerID] = true
			lastErr = NewProviderError(cand.providerID, ErrRateLimited, "local limit reached before call")
			m.recordAI(cand.providerID, string(ErrRateLimited), 0)
			m.logger.Warn("provider throttled pre-call",
				"provider", cand.providerID, "model", cand.model.ID)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := m.now()
		resp, err := rp.provider.Process(callCtx, req, cand.model.ID)
		cancel()
		latency := m.now().Sub(start)

		if err == nil {
			resp.ProviderID = cand.providerID
			resp.ModelID = cand.model.ID
			if resp.LatencyMS == 0 {
				resp.LatencyMS = latency.Milliseconds()
			}
			rp.record(m.now(), estTokens, estCost, resp.Usage, resp.Cost)
			m.recordAI(cand.providerID, "success", latency)
			m.logger.Debug("ai request served",
				"provider", cand.providerID, "model", cand.model.ID,
				"latencyMs", resp.LatencyMS, "cost", resp.Cost)
			return resp, nil
		}
		rp.release(estTokens, estCost)

		if ctx.Err() != nil {
			// Caller cancellation aborts failover.
			return nil, ctx.Err()
		}

		perr := classify(cand.providerID, err)
		lastErr = perr
		tried[cand.providerID] = true
		m.recordAI(cand.providerID, string(perr.Code), latency)

		switch perr.Code {
		case ErrRateLimited, ErrBudgetExceeded:
			rp.throttle(m.now(), throttleCooldown)
		case ErrInvalidRequest:
			return nil, model.WrapError(model.KindAIProvider, perr,
				"provider %q rejected request", cand.providerID)
		default:
			allRateLimited = false
			rp.degrade()
		}
		m.logger.Warn("provider call failed, failing over",
			"provider", cand.providerID, "model", cand.model.ID, "code", string(perr.Code))
	}

	if allRateLimited {
		return nil, model.WrapError(model.KindAIRateLimited, lastErr,
			"all providers rate limited")
	}
	return nil, model.WrapError(model.KindAIAllFailed, lastErr,
		"all providers failed for task %q", criteria.TaskType)
}

// classify maps an arbitrary provider failure onto the error taxonomy.
func classify(providerID string, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: providerID, Code: ErrTimeout, Message: "call timed out", Err: err}
	}
	return &ProviderError{Provider: providerID, Code: ErrUpstream, Message: "provider call failed", Err: err}
}
