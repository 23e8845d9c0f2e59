package power

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakebft/oracle"
	"stakebft/types"
)

func newTestCalculator(t *testing.T, o oracle.ScoreOracle) *Calculator {
	c, err := NewCalculator(DefaultParams(), o)
	require.NoError(t, err)
	return c
}

func TestBaseWeight(t *testing.T) {
	c := newTestCalculator(t, nil)

	full := types.NewValidator("a", 100, 100, 0)
	w, err := c.BaseWeight(full, 100)
	require.NoError(t, err)
	assert.EqualValues(t, types.WeightScale, w)

	half := types.NewValidator("b", 50, 50, 0)
	w, err = c.BaseWeight(half, 100)
	require.NoError(t, err)
	// 0.5*0.5 + 0.3*0.5 + 0.2*1.0
	assert.EqualValues(t, 600000, w)

	zero := types.NewValidator("c", 0, 0, 0)
	zero.Performance.Uptime = 0
	w, err = c.BaseWeight(zero, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, w)
}

func TestComputeWeightClampsMultiplier(t *testing.T) {
	v := types.NewValidator("a", 100, 100, 0)
	ctx := context.Background()

	cases := []struct {
		multiplier float64
		want       types.Weight
	}{
		{1.0, 1000000},
		{1.2, 1200000},
		{9.0, 1500000}, // clamped to max
		{0.1, 500000},  // clamped to min
		{math.NaN(), 1000000},
	}
	for _, tc := range cases {
		c := newTestCalculator(t, oracle.Fixed{Default: tc.multiplier})
		w, err := c.ComputeWeight(ctx, v, Context{Epoch: 1, MaxStake: 100})
		require.NoError(t, err)
		assert.Equal(t, tc.want, w, "multiplier %v", tc.multiplier)
	}
}

type failingOracle struct{}

func (failingOracle) Evaluate(context.Context, oracle.Context) (oracle.Evaluation, error) {
	return oracle.Evaluation{}, errors.New("unreachable")
}

func TestComputeWeightNeutralOnOracleFailure(t *testing.T) {
	c := newTestCalculator(t, failingOracle{})
	w, err := c.ComputeWeight(context.Background(), types.NewValidator("a", 100, 100, 0), Context{MaxStake: 100})
	require.NoError(t, err)
	assert.EqualValues(t, types.WeightScale, w)
}

func TestComputeWeightRejectsInvalidMetrics(t *testing.T) {
	c := newTestCalculator(t, nil)
	ctx := context.Background()

	badUptime := types.NewValidator("a", 10, 10, 0)
	badUptime.Performance.Uptime = 1.5
	_, err := c.ComputeWeight(ctx, badUptime, Context{MaxStake: 10})
	assert.ErrorIs(t, err, types.ErrInvalidMetric)

	badRep := types.NewValidator("b", 10, 101, 0)
	_, err = c.ComputeWeight(ctx, badRep, Context{MaxStake: 10})
	assert.ErrorIs(t, err, types.ErrInvalidMetric)

	badLatency := types.NewValidator("c", 10, 10, 0)
	badLatency.Performance.AvgLatency = -1
	_, err = c.ComputeWeight(ctx, badLatency, Context{MaxStake: 10})
	assert.ErrorIs(t, err, types.ErrInvalidMetric)

	aboveMax := types.NewValidator("d", 11, 10, 0)
	_, err = c.ComputeWeight(ctx, aboveMax, Context{MaxStake: 10})
	assert.ErrorIs(t, err, types.ErrInvalidMetric)

	// a good validator is still fine afterwards
	_, err = c.ComputeWeight(ctx, types.NewValidator("e", 10, 10, 0), Context{MaxStake: 10})
	assert.NoError(t, err)
}

func TestComputeWeightLargeStakes(t *testing.T) {
	c := newTestCalculator(t, nil)
	v := types.NewValidator("a", math.MaxUint64/2, 100, 0)
	w, err := c.ComputeWeight(context.Background(), v, Context{MaxStake: math.MaxUint64})
	require.NoError(t, err)
	assert.InDelta(t, 750000, float64(w), 1)
}

func TestParamsValidation(t *testing.T) {
	p := DefaultParams()
	p.UptimeBps = 1
	_, err := NewCalculator(p, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = DefaultParams()
	p.MinMultiplier = 2
	_, err = NewCalculator(p, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
}
