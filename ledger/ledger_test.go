package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

	"stakebft/types"
)

func TestMemLedgerFromGenesis(t *testing.T) {
	l := NewMemLedgerFromGenesis(&types.GenesisDoc{
		ChainID: "c",
		Stakers: []types.GenesisStaker{
			{ID: "v2", Stake: 50},
			{ID: "v1", Stake: 100, Roles: []string{types.RoleArbiter}},
		},
	})
	ctx := context.Background()

	ids, err := l.GetAllStakers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, ids)

	ok, err := l.HasRole(ctx, "v1", types.RoleArbiter)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.HasRole(ctx, "v2", types.RoleArbiter)
	require.NoError(t, err)
	assert.False(t, ok)

	// idempotent per penalty id, floored at zero
	require.NoError(t, l.SubmitPenalty(ctx, "v2", 30, "p1"))
	require.NoError(t, l.SubmitPenalty(ctx, "v2", 30, "p1"))
	stake, err := l.GetStake(ctx, "v2")
	require.NoError(t, err)
	assert.EqualValues(t, 20, stake)
	require.NoError(t, l.SubmitPenalty(ctx, "v2", 1000, "p2"))
	stake, _ = l.GetStake(ctx, "v2")
	assert.EqualValues(t, 0, stake)
	assert.Equal(t, 2, l.PenaltyCount())

	l.SetUnavailable(true)
	_, err = l.GetStake(ctx, "v1")
	assert.ErrorIs(t, err, types.ErrLedgerUnavailable)
}

// flakyClient fails the first n calls with ErrLedgerUnavailable.
type flakyClient struct {
	*MemLedger
	failures int32
	calls    int32
}

func (f *flakyClient) GetStake(ctx context.Context, id string) (uint64, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		return 0, types.ErrLedgerUnavailable
	}
	return f.MemLedger.GetStake(ctx, id)
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	mem := NewMemLedger()
	mem.SetStake("v1", 100)
	flaky := &flakyClient{MemLedger: mem, failures: 2}

	r := NewRetrying(flaky, 50*time.Millisecond, time.Second, WithInitialInterval(time.Millisecond))
	r.SetLogger(log.TestingLogger())

	stake, err := r.GetStake(context.Background(), "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, stake)
	assert.EqualValues(t, 3, atomic.LoadInt32(&flaky.calls))
}

func TestRetryingGivesUp(t *testing.T) {
	mem := NewMemLedger()
	mem.SetUnavailable(true)

	r := NewRetrying(mem, 10*time.Millisecond, 100*time.Millisecond, WithInitialInterval(time.Millisecond))
	start := time.Now()
	_, err := r.GetAllStakers(context.Background())
	assert.ErrorIs(t, err, types.ErrLedgerUnavailable)
	assert.Less(t, int64(time.Since(start)), int64(2*time.Second))
}

type refusingClient struct {
	*MemLedger
	calls int32
}

func (c *refusingClient) HasRole(ctx context.Context, id, role string) (bool, error) {
	atomic.AddInt32(&c.calls, 1)
	return false, errors.New("unknown role")
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	c := &refusingClient{MemLedger: NewMemLedger()}
	r := NewRetrying(c, 10*time.Millisecond, time.Second, WithInitialInterval(time.Millisecond))

	_, err := r.HasRole(context.Background(), "v1", "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrLedgerUnavailable))
	assert.EqualValues(t, 1, atomic.LoadInt32(&c.calls))
}

func TestAsPerformanceSource(t *testing.T) {
	mem := NewMemLedger()
	mem.SetPerformance("v1", types.PerformanceMetrics{Uptime: 0.5})

	src, ok := AsPerformanceSource(NewRetrying(mem, time.Second, time.Second))
	require.True(t, ok)
	pm, err := src.GetPerformance(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, pm.Uptime)

	_, ok = AsPerformanceSource(&RPCClient{})
	assert.False(t, ok)
}

func TestRPCClientAgainstRoutes(t *testing.T) {
	mem := NewMemLedger()
	mem.SetStake("v1", 100)
	mem.GrantRole("v1", types.RoleArbiter)

	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, Routes(mem), log.TestingLogger())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewRPCClient(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	stake, err := c.GetStake(ctx, "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, stake)

	ids, err := c.GetAllStakers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ids)

	ok, err := c.HasRole(ctx, "v1", types.RoleArbiter)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.SubmitPenalty(ctx, "v1", 40, "d1"))
	stake, err = mem.GetStake(ctx, "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 60, stake)

	mem.SetUnavailable(true)
	_, err = c.GetStake(ctx, "v1")
	assert.ErrorIs(t, err, types.ErrLedgerUnavailable)

	srv.Close()
	_, err = c.GetAllStakers(ctx)
	assert.ErrorIs(t, err, types.ErrLedgerUnavailable)
}
