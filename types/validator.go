package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxReputation is the upper bound of Validator.ReputationScore.
const MaxReputation = uint64(100)

// PerformanceMetrics are the selection-relevant runtime measurements of a
// validator.
type PerformanceMetrics struct {
	Uptime     float64       `json:"uptime"` // fraction in [0, 1]
	AvgLatency time.Duration `json:"avg_latency"`
	VoteCount  uint64        `json:"vote_count"` // historical votes on finalized topics
}

// ValidateBasic rejects values that cannot come from a real measurement.
func (pm PerformanceMetrics) ValidateBasic() error {
	if math.IsNaN(pm.Uptime) || pm.Uptime < 0 || pm.Uptime > 1 {
		return fmt.Errorf("%w: uptime %v outside [0, 1]", ErrInvalidMetric, pm.Uptime)
	}
	if pm.AvgLatency < 0 {
		return fmt.Errorf("%w: negative latency %v", ErrInvalidMetric, pm.AvgLatency)
	}
	return nil
}

// Validator is a staker known to the registry. Records are never deleted:
// a staker whose stake drops to zero is deactivated so its history stays
// auditable.
type Validator struct {
	ID                string             `json:"id"`
	StakedAmount      uint64             `json:"staked_amount"`
	ReputationScore   uint64             `json:"reputation_score"`
	Performance       PerformanceMetrics `json:"performance"`
	Active            bool               `json:"active"`
	Banned            bool               `json:"banned"`
	FirstSeenEpoch    Epoch              `json:"first_seen_epoch"`
	LastSelectedEpoch Epoch              `json:"last_selected_epoch"`
}

// NewValidator returns an active validator first observed at epoch.
func NewValidator(id string, stake, reputation uint64, epoch Epoch) *Validator {
	return &Validator{
		ID:                id,
		StakedAmount:      stake,
		ReputationScore:   reputation,
		Performance:       PerformanceMetrics{Uptime: 1},
		Active:            stake > 0,
		FirstSeenEpoch:    epoch,
		LastSelectedEpoch: NeverSelected,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.ID == "" {
		return errors.New("validator does not have an id")
	}
	if v.ReputationScore > MaxReputation {
		return fmt.Errorf("%w: reputation %d above %d", ErrInvalidMetric, v.ReputationScore, MaxReputation)
	}
	return v.Performance.ValidateBasic()
}

// IsEligible reports whether the validator may be considered for selection.
func (v *Validator) IsEligible() bool {
	return v.Active && !v.Banned && v.StakedAmount > 0
}

// Creates a new copy of the validator so the caller can mutate it.
// Panics if the validator is nil.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%s stake:%d rep:%d uptime:%.3f active:%v banned:%v}",
		v.ID,
		v.StakedAmount,
		v.ReputationScore,
		v.Performance.Uptime,
		v.Active,
		v.Banned)
}

// ValidatorsByID sorts validators by ascending id.
type ValidatorsByID []*Validator

func (vs ValidatorsByID) Len() int           { return len(vs) }
func (vs ValidatorsByID) Less(i, j int) bool { return vs[i].ID < vs[j].ID }
func (vs ValidatorsByID) Swap(i, j int)      { vs[i], vs[j] = vs[j], vs[i] }
