package ai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
)

type mockProvider struct {
	name    string
	models  []ModelDescriptor
	process func(ctx context.Context, req Request, modelID string) (*Response, error)
	health  HealthReport
	calls   int
}

func (m *mockProvider) Name() string                 { return m.name }
func (m *mockProvider) ListModels() []ModelDescriptor { return m.models }

func (m *mockProvider) Process(ctx context.Context, req Request, modelID string) (*Response, error) {
	m.calls++
	if m.process != nil {
		return m.process(ctx, req, modelID)
	}
	return &Response{Content: "ok from " + m.name, ModelID: modelID, ProviderID: m.name,
		Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}, Cost: 0.01, Confidence: 0.9}, nil
}

func (m *mockProvider) HealthCheck(ctx context.Context) (*HealthReport, error) {
	r := m.health
	return &r, nil
}

func (m *mockProvider) EstimateCost(req Request, modelID string) (float64, error) {
	return 0.01, nil
}

func mockModel(id, provider string, rank int, costIn float64, latency LatencyClass) ModelDescriptor {
	return ModelDescriptor{
		ID: id, Provider: provider, Name: id,
		Capabilities: []TaskType{TaskSummarize, TaskAnalyze, TaskSuggest},
		QualityRank:  rank, CostPer1KInput: costIn, CostPer1KOutput: costIn * 4,
		Latency: latency,
	}
}

func newTestManager(t *testing.T, providers ...*mockProvider) *Manager {
	t.Helper()
	m := NewManager(ScoringWeights{}, StrategyBalanced, nil)
	for i, p := range providers {
		if err := m.Register(p, ProviderConfig{Enabled: true, Priority: i + 1}); err != nil {
			t.Fatalf("register %s: %v", p.name, err)
		}
	}
	return m
}

func summarizeReq() Request {
	return Request{TaskType: TaskSummarize, Messages: []Message{{Role: "user", Content: "hello"}}}
}

func TestExecuteStrategyScoring(t *testing.T) {
	strong := &mockProvider{name: "strong", models: []ModelDescriptor{
		mockModel("strong-large", "strong", 1, 0.01, LatencySlow),
	}}
	cheap := &mockProvider{name: "cheap", models: []ModelDescriptor{
		mockModel("cheap-mini", "cheap", 4, 0.0001, LatencyFast),
	}}
	m := newTestManager(t, strong, cheap)

	tests := []struct {
		strategy  Strategy
		wantModel string
	}{
		{StrategyPerformance, "strong-large"},
		{StrategyCost, "cheap-mini"},
		{StrategySpeed, "cheap-mini"},
	}
	for _, tt := range tests {
		resp, err := m.Execute(context.Background(), summarizeReq(),
			SelectionCriteria{TaskType: TaskSummarize, Strategy: tt.strategy})
		if err != nil {
			t.Fatalf("%s: %v", tt.strategy, err)
		}
		if resp.ModelID != tt.wantModel {
			t.Errorf("strategy %s picked %q, want %q", tt.strategy, resp.ModelID, tt.wantModel)
		}
	}
}

func TestExecuteFallbackStrategyFollowsPriority(t *testing.T) {
	first := &mockProvider{name: "first", models: []ModelDescriptor{
		mockModel("first-model", "first", 5, 0.01, LatencySlow),
	}}
	second := &mockProvider{name: "second", models: []ModelDescriptor{
		mockModel("second-model", "second", 1, 0.001, LatencyFast),
	}}
	m := newTestManager(t, first, second)

	resp, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyFallback})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ProviderID != "first" {
		t.Errorf("fallback should pick highest-priority provider, got %q", resp.ProviderID)
	}
}

func TestExecuteFailover(t *testing.T) {
	failing := &mockProvider{
		name:   "failing",
		models: []ModelDescriptor{mockModel("f-model", "failing", 1, 0.01, LatencyMedium)},
		process: func(ctx context.Context, req Request, modelID string) (*Response, error) {
			return nil, NewProviderError("failing", ErrUpstream, "boom")
		},
	}
	backup := &mockProvider{name: "backup", models: []ModelDescriptor{
		mockModel("b-model", "backup", 2, 0.01, LatencyMedium),
	}}
	m := newTestManager(t, failing, backup)

	resp, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ProviderID != "backup" {
		t.Errorf("expected failover to backup, got %q", resp.ProviderID)
	}
	if failing.calls != 1 {
		t.Errorf("failing provider should be tried once, got %d", failing.calls)
	}

	// The failure degraded the first provider, so the next request goes to
	// the backup directly.
	if m.Health()["failing"].Status != HealthDegraded {
		t.Errorf("failing provider should be degraded after upstream error")
	}
	resp, err = m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if resp.ProviderID != "backup" || failing.calls != 1 {
		t.Errorf("degraded provider should not be preferred, got %q after %d calls",
			resp.ProviderID, failing.calls)
	}
}

func TestMaxCostExcludesEveryCandidate(t *testing.T) {
	a := &mockProvider{name: "a", models: []ModelDescriptor{
		mockModel("a-model", "a", 1, 0.02, LatencyMedium),
	}}
	m := newTestManager(t, a)

	_, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, MaxCost: 0.000001})
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if a.calls != 0 {
		t.Errorf("no provider call should be made, got %d", a.calls)
	}
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	boom := func(ctx context.Context, req Request, modelID string) (*Response, error) {
		return nil, NewProviderError("x", ErrUpstream, "boom")
	}
	a := &mockProvider{name: "a", process: boom,
		models: []ModelDescriptor{mockModel("a-model", "a", 1, 0.01, LatencyMedium)}}
	b := &mockProvider{name: "b", process: boom,
		models: []ModelDescriptor{mockModel("b-model", "b", 2, 0.01, LatencyMedium)}}
	m := newTestManager(t, a, b)

	_, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize})
	if !model.IsKind(err, model.KindAIAllFailed) {
		t.Fatalf("expected all-providers-failed, got %v", err)
	}
	if a.calls+b.calls != 2 {
		t.Errorf("each provider should be tried exactly once, got %d calls", a.calls+b.calls)
	}
}

func TestExecuteAllRateLimited(t *testing.T) {
	limited := func(ctx context.Context, req Request, modelID string) (*Response, error) {
		return nil, NewProviderError("x", ErrRateLimited, "slow down")
	}
	a := &mockProvider{name: "a", process: limited,
		models: []ModelDescriptor{mockModel("a-model", "a", 1, 0.01, LatencyMedium)}}
	m := newTestManager(t, a)

	_, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize})
	if !model.IsKind(err, model.KindAIRateLimited) {
		t.Fatalf("expected rate-limited kind, got %v", err)
	}
}

func TestExecuteInvalidRequestNotRetried(t *testing.T) {
	a := &mockProvider{
		name:   "a",
		models: []ModelDescriptor{mockModel("a-model", "a", 1, 0.01, LatencyMedium)},
		process: func(ctx context.Context, req Request, modelID string) (*Response, error) {
			return nil, NewProviderError("a", ErrInvalidRequest, "bad input")
		},
	}
	b := &mockProvider{name: "b", models: []ModelDescriptor{
		mockModel("b-model", "b", 2, 0.01, LatencyMedium),
	}}
	m := newTestManager(t, a, b)

	_, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance})
	if !model.IsKind(err, model.KindAIProvider) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if b.calls != 0 {
		t.Errorf("invalid request must not fail over, but backup was called %d times", b.calls)
	}
}

func TestSelectionSkipsDownProviders(t *testing.T) {
	down := &mockProvider{name: "down", health: HealthReport{Status: HealthDown},
		models: []ModelDescriptor{mockModel("d-model", "down", 1, 0.01, LatencyMedium)}}
	up := &mockProvider{name: "up", health: HealthReport{Status: HealthHealthy},
		models: []ModelDescriptor{mockModel("u-model", "up", 2, 0.01, LatencyMedium)}}
	m := newTestManager(t, down, up)

	for _, name := range m.ProviderNames() {
		if err := m.Probe(context.Background(), name); err != nil {
			t.Fatalf("probe %s: %v", name, err)
		}
	}

	resp, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ProviderID != "up" {
		t.Errorf("down provider should be skipped, got %q", resp.ProviderID)
	}
	if down.calls != 0 {
		t.Errorf("down provider should not be called, got %d", down.calls)
	}
}

func TestSelectionDegradedFallback(t *testing.T) {
	degraded := &mockProvider{name: "degraded", health: HealthReport{Status: HealthDegraded},
		models: []ModelDescriptor{mockModel("d-model", "degraded", 1, 0.01, LatencyMedium)}}
	m := newTestManager(t, degraded)
	if err := m.Probe(context.Background(), "degraded"); err != nil {
		t.Fatalf("probe: %v", err)
	}

	resp, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize})
	if err != nil {
		t.Fatalf("degraded provider should serve when nothing healthy matches: %v", err)
	}
	if resp.ProviderID != "degraded" {
		t.Errorf("expected degraded provider, got %q", resp.ProviderID)
	}
}

func TestPreferProviderBreaksTies(t *testing.T) {
	a := &mockProvider{name: "a", models: []ModelDescriptor{
		mockModel("a-model", "a", 2, 0.01, LatencyMedium),
	}}
	b := &mockProvider{name: "b", models: []ModelDescriptor{
		mockModel("b-model", "b", 2, 0.01, LatencyMedium),
	}}
	m := newTestManager(t, a, b)

	resp, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance, PreferProvider: "b"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ProviderID != "b" {
		t.Errorf("preferred provider should win ties, got %q", resp.ProviderID)
	}
}

func TestRPMLimitThrottlesProvider(t *testing.T) {
	a := &mockProvider{name: "a", models: []ModelDescriptor{
		mockModel("a-model", "a", 1, 0.01, LatencyMedium),
	}}
	m := NewManager(ScoringWeights{}, StrategyBalanced, nil)
	if err := m.Register(a, ProviderConfig{Enabled: true, Priority: 1, RateLimitRPM: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize})
	if !model.IsKind(err, model.KindAIRateLimited) {
		t.Fatalf("second call should hit the RPM limit, got %v", err)
	}
	if a.calls != 1 {
		t.Errorf("provider should be called once, got %d", a.calls)
	}
}

func TestExecuteCancellation(t *testing.T) {
	a := &mockProvider{name: "a", models: []ModelDescriptor{
		mockModel("a-model", "a", 1, 0.01, LatencyMedium),
	}}
	m := newTestManager(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Execute(ctx, summarizeReq(), SelectionCriteria{TaskType: TaskSummarize})
	if !model.IsKind(err, model.KindCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestMaxCostAndMinQualityFilters(t *testing.T) {
	pricey := mockModel("pricey", "a", 1, 0.02, LatencyMedium)
	budget := mockModel("budget", "a", 4, 0.0001, LatencyFast)
	a := &mockProvider{name: "a", models: []ModelDescriptor{pricey, budget}}
	m := newTestManager(t, a)

	resp, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance, MaxCost: 0.001})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "budget" {
		t.Errorf("max cost should exclude pricey model, got %q", resp.ModelID)
	}

	resp, err = m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyCost, MinQuality: 0.9})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "pricey" {
		t.Errorf("min quality should exclude budget model, got %q", resp.ModelID)
	}
}

func TestHealthMonitorSweep(t *testing.T) {
	a := &mockProvider{name: "a", health: HealthReport{Status: HealthDegraded, LatencySampleMS: 42},
		models: []ModelDescriptor{mockModel("a-model", "a", 1, 0.01, LatencyMedium)}}
	m := newTestManager(t, a)

	mon := NewHealthMonitor(m, time.Minute, nil)
	mon.sweep(context.Background())

	snap := m.Health()["a"]
	if snap.Status != HealthDegraded || snap.LatencySampleMS != 42 {
		t.Errorf("sweep should refresh snapshot, got %+v", snap)
	}
	if snap.CheckedAt.IsZero() {
		t.Errorf("sweep should stamp CheckedAt")
	}
}

// gatedProvider parks in-flight calls on a channel so concurrent requests
// overlap deterministically. Its call counter is lock-guarded.
type gatedProvider struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) ListModels() []ModelDescriptor {
	return []ModelDescriptor{mockModel("gated-model", "gated", 1, 0.01, LatencyMedium)}
}

func (p *gatedProvider) Process(ctx context.Context, req Request, modelID string) (*Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	p.started <- struct{}{}
	<-p.release
	return &Response{Content: "ok", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5},
		Cost: 0.01, Confidence: 0.9}, nil
}

func (p *gatedProvider) HealthCheck(ctx context.Context) (*HealthReport, error) {
	return &HealthReport{Status: HealthHealthy}, nil
}

func (p *gatedProvider) EstimateCost(req Request, modelID string) (float64, error) {
	return 0.01, nil
}

func (p *gatedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestDailyBudgetBoundsConcurrentSpend(t *testing.T) {
	p := &gatedProvider{started: make(chan struct{}, 5), release: make(chan struct{})}
	m := NewManager(ScoringWeights{}, StrategyBalanced, nil)
	if err := m.Register(p, ProviderConfig{Enabled: true, Priority: 1, DailyBudget: 0.025}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var served, rejected int
	run := func() {
		defer wg.Done()
		_, err := m.Execute(context.Background(), summarizeReq(),
			SelectionCriteria{TaskType: TaskSummarize})
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			served++
		case model.IsKind(err, model.KindAIRateLimited) || model.IsKind(err, model.KindAIAllFailed):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	// Two calls fit the 0.025 budget at an estimated 0.01 each. Let both
	// reserve and park in flight before the rest arrive.
	wg.Add(2)
	go run()
	go run()
	<-p.started
	<-p.started
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go run()
	}
	close(p.release)
	wg.Wait()

	if served != 2 || rejected != 3 {
		t.Errorf("expected 2 served and 3 rejected, got %d and %d", served, rejected)
	}
	if got := p.callCount(); got != 2 {
		t.Errorf("in-flight reservations should cap provider calls at 2, got %d", got)
	}
}

func TestDailyBudgetSettlesToActualCost(t *testing.T) {
	// Estimates run at 0.01 but the provider reports 0.001 actual, so the
	// second call still fits a 0.015 budget once the first settles.
	a := &mockProvider{
		name:   "a",
		models: []ModelDescriptor{mockModel("a-model", "a", 1, 0.001, LatencyMedium)},
		process: func(ctx context.Context, req Request, modelID string) (*Response, error) {
			return &Response{Content: "ok", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5},
				Cost: 0.001, Confidence: 0.9}, nil
		},
	}
	m := NewManager(ScoringWeights{}, StrategyBalanced, nil)
	if err := m.Register(a, ProviderConfig{Enabled: true, Priority: 1, DailyBudget: 0.015}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := m.Execute(context.Background(), summarizeReq(),
			SelectionCriteria{TaskType: TaskSummarize}); err != nil {
			t.Fatalf("call %d should fit the budget: %v", i, err)
		}
	}
	if a.calls != 2 {
		t.Errorf("expected 2 provider calls, got %d", a.calls)
	}
}

func TestFailedCallReleasesBudgetReservation(t *testing.T) {
	var a *mockProvider
	a = &mockProvider{
		name:   "a",
		models: []ModelDescriptor{mockModel("a-model", "a", 1, 0.01, LatencyMedium)},
		process: func(ctx context.Context, req Request, modelID string) (*Response, error) {
			if a.calls == 1 {
				return nil, NewProviderError("a", ErrUpstream, "boom")
			}
			return &Response{Content: "ok", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5},
				Cost: 0.01, Confidence: 0.9}, nil
		},
	}
	m := NewManager(ScoringWeights{}, StrategyBalanced, nil)
	// Budget admits exactly one estimated call at a time.
	if err := m.Register(a, ProviderConfig{Enabled: true, Priority: 1, DailyBudget: 0.01}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize}); err == nil {
		t.Fatalf("first call should fail upstream")
	}
	if _, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize}); err != nil {
		t.Fatalf("failed call must not hold its reservation: %v", err)
	}
}

type captureRecorder struct {
	mu       sync.Mutex
	outcomes []string
	health   map[string]HealthReport
}

func (c *captureRecorder) RecordAIRequest(provider, outcome string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, provider+"/"+outcome)
}

func (c *captureRecorder) SetProviderHealth(snapshots map[string]HealthReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = snapshots
}

func (c *captureRecorder) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.outcomes {
		if o == entry {
			return true
		}
	}
	return false
}

func TestMetricsRecorderObservesOutcomes(t *testing.T) {
	flaky := &mockProvider{
		name:   "flaky",
		models: []ModelDescriptor{mockModel("f-model", "flaky", 1, 0.01, LatencyMedium)},
		process: func(ctx context.Context, req Request, modelID string) (*Response, error) {
			return nil, NewProviderError("flaky", ErrUpstream, "boom")
		},
	}
	backup := &mockProvider{name: "backup", health: HealthReport{Status: HealthHealthy},
		models: []ModelDescriptor{mockModel("b-model", "backup", 2, 0.01, LatencyMedium)}}
	m := newTestManager(t, flaky, backup)
	rec := &captureRecorder{}
	m.SetMetrics(rec)

	if _, err := m.Execute(context.Background(), summarizeReq(),
		SelectionCriteria{TaskType: TaskSummarize, Strategy: StrategyPerformance}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rec.has("flaky/" + string(ErrUpstream)) {
		t.Errorf("expected recorded failure for flaky, got %v", rec.outcomes)
	}
	if !rec.has("backup/success") {
		t.Errorf("expected recorded success for backup, got %v", rec.outcomes)
	}

	if err := m.Probe(context.Background(), "backup"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.health["backup"].Status != HealthHealthy {
		t.Errorf("probe should push health snapshots, got %+v", rec.health)
	}
}

func TestTaskHelpersValidate(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Summarize(context.Background(), "", TaskOptions{}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty text should be a validation error, got %v", err)
	}
	if _, err := m.Analyze(context.Background(), "", TaskOptions{}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty content should be a validation error, got %v", err)
	}
	if _, err := m.Suggest(context.Background(), nil, TaskOptions{}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty context should be a validation error, got %v", err)
	}
}
