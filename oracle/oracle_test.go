package oracle

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"stakebft/types"
)

func TestPerformanceOracle(t *testing.T) {
	o := Performance{}
	ev, err := o.Evaluate(context.Background(), Context{Performance: types.PerformanceMetrics{Uptime: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, ev.Multiplier)
	assert.Empty(t, ev.RecommendedActions)

	ev, err = o.Evaluate(context.Background(), Context{Performance: types.PerformanceMetrics{
		Uptime:     0.4,
		AvgLatency: time.Second,
	}})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, ev.Multiplier, 1e-9)
	assert.Equal(t, []string{ThreatHighLatency, ThreatLowAvailability}, ev.RecommendedThreats)

	_, err = o.Evaluate(context.Background(), Context{Performance: types.PerformanceMetrics{Uptime: -1}})
	assert.ErrorIs(t, err, types.ErrInvalidMetric)
}

type countingOracle struct {
	calls int32
	ev    Evaluation
	err   error
	delay time.Duration
}

func (c *countingOracle) Evaluate(ctx context.Context, _ Context) (Evaluation, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return Evaluation{}, ctx.Err()
		}
	}
	return c.ev, c.err
}

func newGuarded(t *testing.T, o ScoreOracle) *Guarded {
	g, err := NewGuarded(o, 50*time.Millisecond, 16)
	require.NoError(t, err)
	g.SetLogger(log.TestingLogger())
	return g
}

func TestGuardedCachesPerValidatorAndEpoch(t *testing.T) {
	inner := &countingOracle{ev: Evaluation{Version: CurrentVersion, Multiplier: 1.2}}
	g := newGuarded(t, inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev, err := g.Evaluate(ctx, Context{ValidatorID: "v1", Epoch: 1})
		require.NoError(t, err)
		assert.Equal(t, 1.2, ev.Multiplier)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&inner.calls))

	_, err := g.Evaluate(ctx, Context{ValidatorID: "v1", Epoch: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&inner.calls))

	g.Purge()
	_, err = g.Evaluate(ctx, Context{ValidatorID: "v1", Epoch: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&inner.calls))
}

func TestGuardedFallsBackToNeutral(t *testing.T) {
	cases := map[string]*countingOracle{
		"error":        {err: errors.New("oracle down")},
		"timeout":      {ev: Evaluation{Version: CurrentVersion, Multiplier: 1.4}, delay: time.Second},
		"nan":          {ev: Evaluation{Version: CurrentVersion, Multiplier: math.NaN()}},
		"inf":          {ev: Evaluation{Version: CurrentVersion, Multiplier: math.Inf(1)}},
		"zero":         {ev: Evaluation{Version: CurrentVersion, Multiplier: 0}},
		"old version":  {ev: Evaluation{Version: 0, Multiplier: 1.4}},
		"next version": {ev: Evaluation{Version: CurrentVersion + 1, Multiplier: 1.4}},
	}
	for name, inner := range cases {
		g := newGuarded(t, inner)
		ev, err := g.Evaluate(context.Background(), Context{ValidatorID: "v1", Epoch: 1})
		require.NoError(t, err, name)
		assert.Equal(t, NeutralMultiplier, ev.Multiplier, name)

		// failures are not cached
		_, _ = g.Evaluate(context.Background(), Context{ValidatorID: "v1", Epoch: 1})
		assert.EqualValues(t, 2, atomic.LoadInt32(&inner.calls), name)
	}
}

func TestFixedAndNeutral(t *testing.T) {
	f := Fixed{Multipliers: map[string]float64{"v1": 1.5}, Default: 1}
	ev, _ := f.Evaluate(context.Background(), Context{ValidatorID: "v1"})
	assert.Equal(t, 1.5, ev.Multiplier)
	ev, _ = f.Evaluate(context.Background(), Context{ValidatorID: "v2"})
	assert.Equal(t, 1.0, ev.Multiplier)

	ev, err := Neutral{}.Evaluate(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, ev.Version)
	assert.Equal(t, NeutralMultiplier, ev.Multiplier)
}
