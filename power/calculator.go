// Package power derives a validator's voting weight from its stake,
// reputation and uptime, scaled by the score oracle's multiplier.
//
// All arithmetic is integer fixed point: coefficients are basis points, the
// multiplier is parts per million and every norm lives on
// [0, types.WeightScale]. Two nodes computing the weight of the same
// validator from the same snapshot always agree.
package power

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"github.com/tendermint/tendermint/libs/log"

	"stakebft/config"
	"stakebft/libs/utils"
	"stakebft/oracle"
	"stakebft/types"
)

const ppm = uint64(1000000)

var ErrInvalidParams = errors.New("invalid power parameters")

// Params are the governance inputs of the weight formula.
type Params struct {
	StakeBps      uint64
	ReputationBps uint64
	UptimeBps     uint64

	MinMultiplier float64
	MaxMultiplier float64
}

// DefaultParams are 0.5/0.3/0.2 with the multiplier clamped to [0.5, 1.5].
func DefaultParams() Params {
	return ParamsFromConfig(config.DefaultEngineConfig())
}

func ParamsFromConfig(cfg *config.EngineConfig) Params {
	cs, cr, cu := cfg.CoefficientsBps()
	return Params{
		StakeBps:      cs,
		ReputationBps: cr,
		UptimeBps:     cu,
		MinMultiplier: cfg.MinMultiplier,
		MaxMultiplier: cfg.MaxMultiplier,
	}
}

func (p Params) ValidateBasic() error {
	if p.StakeBps+p.ReputationBps+p.UptimeBps != config.BasisPoints {
		return fmt.Errorf("%w: coefficients sum to %d bps", ErrInvalidParams, p.StakeBps+p.ReputationBps+p.UptimeBps)
	}
	if !(p.MinMultiplier > 0 && p.MinMultiplier <= p.MaxMultiplier) || math.IsInf(p.MaxMultiplier, 0) {
		return fmt.Errorf("%w: multiplier bounds [%v, %v]", ErrInvalidParams, p.MinMultiplier, p.MaxMultiplier)
	}
	return nil
}

// Context is the snapshot-wide input of a weight computation.
type Context struct {
	Epoch types.Epoch
	// largest stake among eligible validators of the snapshot
	MaxStake uint64
}

// Calculator computes voting weights. It holds no state besides its
// parameters and is safe for concurrent use.
type Calculator struct {
	params Params
	oracle oracle.ScoreOracle

	logger log.Logger
}

func NewCalculator(params Params, o oracle.ScoreOracle) (*Calculator, error) {
	if err := params.ValidateBasic(); err != nil {
		return nil, err
	}
	if o == nil {
		o = oracle.Neutral{}
	}
	return &Calculator{params: params, oracle: o, logger: log.NewNopLogger()}, nil
}

func (c *Calculator) SetLogger(logger log.Logger) {
	c.logger = logger
}

func (c *Calculator) Params() Params {
	return c.params
}

// ComputeWeight returns the voting weight of v. A validator with malformed
// metrics fails with ErrInvalidMetric; other validators are unaffected.
func (c *Calculator) ComputeWeight(ctx context.Context, v *types.Validator, pc Context) (types.Weight, error) {
	base, err := c.BaseWeight(v, pc.MaxStake)
	if err != nil {
		return 0, err
	}

	multiplier := oracle.NeutralMultiplier
	ev, err := c.oracle.Evaluate(ctx, oracle.Context{
		ValidatorID:     v.ID,
		Epoch:           pc.Epoch,
		ReputationScore: v.ReputationScore,
		Performance:     v.Performance,
	})
	if err != nil {
		c.logger.Error("score oracle failed, using neutral multiplier", "validator", v.ID, "err", err)
	} else {
		multiplier = ev.Multiplier
	}

	return c.applyMultiplier(base, multiplier)
}

// BaseWeight is the weight before the oracle multiplier.
func (c *Calculator) BaseWeight(v *types.Validator, maxStake uint64) (types.Weight, error) {
	if err := v.ValidateBasic(); err != nil {
		if errors.Is(err, types.ErrInvalidMetric) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", types.ErrInvalidMetric, err)
	}
	if v.StakedAmount > maxStake {
		return 0, fmt.Errorf("%w: stake %d above snapshot maximum %d", types.ErrInvalidMetric, v.StakedAmount, maxStake)
	}

	stakeNorm := uint64(0)
	if maxStake > 0 {
		stakeNorm = mulDiv(v.StakedAmount, types.WeightScale, maxStake)
	}
	repNorm := v.ReputationScore * types.WeightScale / types.MaxReputation
	uptimeNorm := uint64(math.Round(v.Performance.Uptime * float64(types.WeightScale)))

	base := (c.params.StakeBps*stakeNorm +
		c.params.ReputationBps*repNorm +
		c.params.UptimeBps*uptimeNorm) / config.BasisPoints
	return types.Weight(base), nil
}

func (c *Calculator) applyMultiplier(base types.Weight, multiplier float64) (types.Weight, error) {
	m := utils.Clamp(multiplier, c.params.MinMultiplier, c.params.MaxMultiplier, oracle.NeutralMultiplier)
	multPPM := uint64(math.Round(m * float64(ppm)))

	z, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(base.Uint64()), uint256.NewInt(multPPM), uint256.NewInt(ppm))
	if overflow || !z.IsUint64() {
		return 0, fmt.Errorf("weight overflow: %v x %v", base, m)
	}
	return types.Weight(z.Uint64()), nil
}

// mulDiv returns x*y/d without intermediate overflow. d must be nonzero and
// the result must fit in 64 bits, which holds whenever x <= d.
func mulDiv(x, y, d uint64) uint64 {
	z, _ := new(uint256.Int).MulDivOverflow(uint256.NewInt(x), uint256.NewInt(y), uint256.NewInt(d))
	return z.Uint64()
}
