// Package oracle provides the score multiplier applied on top of a
// validator's base voting power.
package oracle

import (
	"context"
	"fmt"
	"time"

	"stakebft/types"
)

// CurrentVersion is the Evaluation layout this engine understands.
const CurrentVersion = uint32(1)

// NeutralMultiplier leaves the base weight unchanged.
const NeutralMultiplier = 1.0

// Context is what an oracle may look at when scoring a validator.
type Context struct {
	ValidatorID     string                   `json:"validator_id"`
	Epoch           types.Epoch              `json:"epoch"`
	ReputationScore uint64                   `json:"reputation_score"`
	Performance     types.PerformanceMetrics `json:"performance"`
}

// Evaluation is the versioned oracle answer. Only Multiplier feeds into
// voting power; the recommendations are advisory and only logged.
type Evaluation struct {
	Version            uint32   `json:"version"`
	Multiplier         float64  `json:"multiplier"`
	RecommendedThreats []string `json:"recommended_threats,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

func (e Evaluation) String() string {
	return fmt.Sprintf("Evaluation{v%d x%.4f threats:%v actions:%v}",
		e.Version, e.Multiplier, e.RecommendedThreats, e.RecommendedActions)
}

// ScoreOracle scores one validator for one epoch.
type ScoreOracle interface {
	Evaluate(ctx context.Context, c Context) (Evaluation, error)
}

// Neutral always answers with the neutral multiplier.
type Neutral struct{}

var _ ScoreOracle = Neutral{}

func (Neutral) Evaluate(context.Context, Context) (Evaluation, error) {
	return Evaluation{Version: CurrentVersion, Multiplier: NeutralMultiplier}, nil
}

// Fixed answers from a table and falls back to Default. It is deterministic
// and used by tests.
type Fixed struct {
	Multipliers map[string]float64
	Default     float64
}

var _ ScoreOracle = Fixed{}

func (f Fixed) Evaluate(_ context.Context, c Context) (Evaluation, error) {
	m, ok := f.Multipliers[c.ValidatorID]
	if !ok {
		m = f.Default
	}
	return Evaluation{Version: CurrentVersion, Multiplier: m}, nil
}

const (
	defaultLatencyBudget  = 500 * time.Millisecond
	latencyPenalty        = 0.1
	lowUptimeThreshold    = 0.5
	ActionMonitor         = "monitor"
	ActionReduceExposure  = "reduce_exposure"
	ThreatHighLatency     = "high_latency"
	ThreatLowAvailability = "low_availability"
)

// Performance is the default oracle. It maps uptime linearly onto
// [0.5, 1.0] and takes latencyPenalty off validators slower than the
// latency budget.
type Performance struct {
	LatencyBudget time.Duration
}

var _ ScoreOracle = Performance{}

func (p Performance) Evaluate(_ context.Context, c Context) (Evaluation, error) {
	if err := c.Performance.ValidateBasic(); err != nil {
		return Evaluation{}, err
	}
	budget := p.LatencyBudget
	if budget <= 0 {
		budget = defaultLatencyBudget
	}

	ev := Evaluation{
		Version:    CurrentVersion,
		Multiplier: 0.5 + 0.5*c.Performance.Uptime,
	}
	if c.Performance.AvgLatency > budget {
		ev.Multiplier -= latencyPenalty
		ev.RecommendedThreats = append(ev.RecommendedThreats, ThreatHighLatency)
		ev.RecommendedActions = append(ev.RecommendedActions, ActionMonitor)
	}
	if c.Performance.Uptime < lowUptimeThreshold {
		ev.RecommendedThreats = append(ev.RecommendedThreats, ThreatLowAvailability)
		ev.RecommendedActions = append(ev.RecommendedActions, ActionReduceExposure)
	}
	return ev, nil
}
