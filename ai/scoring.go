package ai

// ScoringWeights holds the per-strategy term weights used to rank model
// candidates. Zero-value weights fall back to the defaults.
type ScoringWeights struct {
	PerformanceQuality    float64 `json:"performanceQuality" yaml:"performanceQuality"`
	PerformanceCapability float64 `json:"performanceCapability" yaml:"performanceCapability"`

	CostEfficiency float64 `json:"costEfficiency" yaml:"costEfficiency"`
	CostQuality    float64 `json:"costQuality" yaml:"costQuality"`

	SpeedQuality        float64 `json:"speedQuality" yaml:"speedQuality"`
	SpeedCostEfficiency float64 `json:"speedCostEfficiency" yaml:"speedCostEfficiency"`

	BalancedQuality        float64 `json:"balancedQuality" yaml:"balancedQuality"`
	BalancedCostEfficiency float64 `json:"balancedCostEfficiency" yaml:"balancedCostEfficiency"`
	BalancedCapability     float64 `json:"balancedCapability" yaml:"balancedCapability"`
}

// DefaultScoringWeights returns the stock strategy weights.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		PerformanceQuality:     0.7,
		PerformanceCapability:  0.3,
		CostEfficiency:         0.8,
		CostQuality:            0.2,
		SpeedQuality:           0.3,
		SpeedCostEfficiency:    0.2,
		BalancedQuality:        0.4,
		BalancedCostEfficiency: 0.4,
		BalancedCapability:     0.2,
	}
}

func (w ScoringWeights) withDefaults() ScoringWeights {
	d := DefaultScoringWeights()
	if w.PerformanceQuality == 0 {
		w.PerformanceQuality = d.PerformanceQuality
	}
	if w.PerformanceCapability == 0 {
		w.PerformanceCapability = d.PerformanceCapability
	}
	if w.CostEfficiency == 0 {
		w.CostEfficiency = d.CostEfficiency
	}
	if w.CostQuality == 0 {
		w.CostQuality = d.CostQuality
	}
	if w.SpeedQuality == 0 {
		w.SpeedQuality = d.SpeedQuality
	}
	if w.SpeedCostEfficiency == 0 {
		w.SpeedCostEfficiency = d.SpeedCostEfficiency
	}
	if w.BalancedQuality == 0 {
		w.BalancedQuality = d.BalancedQuality
	}
	if w.BalancedCostEfficiency == 0 {
		w.BalancedCostEfficiency = d.BalancedCostEfficiency
	}
	if w.BalancedCapability == 0 {
		w.BalancedCapability = d.BalancedCapability
	}
	return w
}

// qualityScore maps QualityRank (1 = best) to (0, 1].
func qualityScore(m ModelDescriptor) float64 {
	if m.QualityRank < 1 {
		return 0
	}
	return 1 / float64(m.QualityRank)
}

// costEfficiency maps blended per-1K pricing to (0, 1]; cheaper is higher.
func costEfficiency(m ModelDescriptor) float64 {
	blended := (m.CostPer1KInput + m.CostPer1KOutput) / 2
	return 1 / (1 + blended)
}

// capabilityMatch rewards broader task coverage.
func capabilityMatch(m ModelDescriptor) float64 {
	const taskKinds = 7
	n := len(m.Capabilities)
	if n > taskKinds {
		n = taskKinds
	}
	return float64(n) / taskKinds
}

func latencyBonus(m ModelDescriptor) float64 {
	switch m.Latency {
	case LatencyFast:
		return 1.0
	case LatencyMedium:
		return 0.5
	default:
		return 0
	}
}

// score ranks a candidate model under the given strategy. Fallback is not
// scored; it follows provider priority order directly.
func (w ScoringWeights) score(strategy Strategy, m ModelDescriptor) float64 {
	w = w.withDefaults()
	switch strategy {
	case StrategyPerformance:
		return w.PerformanceQuality*qualityScore(m) + w.PerformanceCapability*capabilityMatch(m)
	case StrategyCost:
		return w.CostEfficiency*costEfficiency(m) + w.CostQuality*qualityScore(m)
	case StrategySpeed:
		return latencyBonus(m) + w.SpeedQuality*qualityScore(m) + w.SpeedCostEfficiency*costEfficiency(m)
	default:
		return w.BalancedQuality*qualityScore(m) +
			w.BalancedCostEfficiency*costEfficiency(m) +
			w.BalancedCapability*capabilityMatch(m)
	}
}
