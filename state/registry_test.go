package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"stakebft/config"
	"stakebft/ledger"
	"stakebft/power"
	"stakebft/store"
	"stakebft/types"
)

const testChainID = "state_test"

func newRegistryWithConfig(t *testing.T, cfg *config.EngineConfig, l ledger.Client, options ...RegistryOption) *Registry {
	calc, err := power.NewCalculator(power.ParamsFromConfig(cfg), nil)
	require.NoError(t, err)
	r := NewRegistry(cfg, NewState(testChainID, types.EpochZero, nil), l, calc, options...)
	r.SetLogger(log.TestingLogger())
	return r
}

func newTestRegistry(t *testing.T, l ledger.Client, options ...RegistryOption) *Registry {
	return newRegistryWithConfig(t, config.TestEngineConfig(), l, options...)
}

func newTestLedger(stakes map[string]uint64) *ledger.MemLedger {
	l := ledger.NewMemLedger()
	for id, stake := range stakes {
		l.SetStake(id, stake)
	}
	return l
}

func TestRefreshCreatesAndDeactivates(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"a": 100, "b": 0})
	r := newTestRegistry(t, l)

	require.NoError(t, r.Refresh(ctx, 1))

	a, err := r.Validator("a")
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.EqualValues(t, 50, a.ReputationScore)
	assert.EqualValues(t, 1, a.FirstSeenEpoch)
	assert.Equal(t, types.NeverSelected, a.LastSelectedEpoch)

	// a new staker without stake is not created
	_, err = r.Validator("b")
	assert.ErrorIs(t, err, types.ErrUnknownValidator)

	// stake to zero deactivates, never removes
	l.SetStake("a", 0)
	require.NoError(t, r.Refresh(ctx, 2))
	a, err = r.Validator("a")
	require.NoError(t, err)
	assert.False(t, a.Active)
	assert.EqualValues(t, 0, a.StakedAmount)

	// and a fresh stake brings it back
	l.SetStake("a", 10)
	require.NoError(t, r.Refresh(ctx, 3))
	a, err = r.Validator("a")
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.EqualValues(t, 1, a.FirstSeenEpoch)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"a": 100, "b": 40})
	r := newTestRegistry(t, l)
	require.NoError(t, r.Refresh(ctx, 1))
	before := r.State()

	l.SetStake("a", 1)
	l.SetUnavailable(true)
	err := r.Refresh(ctx, 2)
	assert.ErrorIs(t, err, types.ErrLedgerUnavailable)

	after := r.State()
	assert.Equal(t, before.Epoch, after.Epoch)
	assert.Equal(t, before.Validators, after.Validators)
	assert.EqualValues(t, 1, r.Metrics().Count(metricRefreshFailed))

	// selection still works from the last good snapshot
	set, err := r.SelectActiveSet(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, set.IDs())
}

func TestRefreshThroughRetryingLedger(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"a": 100})
	l.SetPerformance("a", types.PerformanceMetrics{Uptime: 0.5})
	cfg := config.TestEngineConfig()
	r := newRegistryWithConfig(t, cfg, ledger.NewRetrying(l, cfg.LedgerTimeout, cfg.LedgerMaxElapsed))

	require.NoError(t, r.Refresh(ctx, 1))
	a, err := r.Validator("a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, a.Performance.Uptime)
}

func TestRefreshIgnoresInvalidPerformance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"a": 100})
	r := newTestRegistry(t, l)
	require.NoError(t, r.Refresh(ctx, 1))

	l.SetPerformance("a", types.PerformanceMetrics{Uptime: 2})
	require.NoError(t, r.Refresh(ctx, 2))
	a, err := r.Validator("a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Performance.Uptime)
}

func TestBanExcludesFromSelection(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newTestLedger(map[string]uint64{"a": 100, "b": 50}))
	require.NoError(t, r.Refresh(ctx, 1))

	require.NoError(t, r.Ban("a"))
	set, err := r.SelectActiveSet(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, set.IDs())

	require.NoError(t, r.Unban("a"))
	set, err = r.SelectActiveSet(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, set.IDs())

	assert.ErrorIs(t, r.Ban("nobody"), types.ErrUnknownValidator)

	require.NoError(t, r.Deactivate("b"))
	set, err = r.SelectActiveSet(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, set.IDs())
}

// reputation 15, penalty 20: both reputation and stake clamp at zero.
func TestApplyPenaltyClamps(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"v": 10})
	cfg := config.TestEngineConfig()
	cfg.InitialReputation = 15
	r := newRegistryWithConfig(t, cfg, l)
	require.NoError(t, r.Refresh(ctx, 1))

	rec, err := r.ApplyPenalty(ctx, "dispute-1", "v", 20)
	require.NoError(t, err)
	assert.EqualValues(t, 15, rec.ReputationBefore)
	assert.EqualValues(t, 0, rec.ReputationAfter)
	assert.EqualValues(t, 10, rec.StakeBefore)
	assert.EqualValues(t, 0, rec.StakeAfter)
	assert.True(t, rec.StakeSubmitted)

	v, err := r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.ReputationScore)
	assert.EqualValues(t, 0, v.StakedAmount)
	assert.False(t, v.Active)

	stake, err := l.GetStake(ctx, "v")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stake)
}

func TestApplyPenaltyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"v": 100})
	r := newTestRegistry(t, l)
	require.NoError(t, r.Refresh(ctx, 1))

	first, err := r.ApplyPenalty(ctx, "dispute-1", "v", 10)
	require.NoError(t, err)
	second, err := r.ApplyPenalty(ctx, "dispute-1", "v", 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	v, err := r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 40, v.ReputationScore)
	assert.EqualValues(t, 90, v.StakedAmount)
	assert.Equal(t, 1, l.PenaltyCount())

	// a different dispute is a different penalty
	_, err = r.ApplyPenalty(ctx, "dispute-2", "v", 10)
	require.NoError(t, err)
	v, err = r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 30, v.ReputationScore)

	_, err = r.ApplyPenalty(ctx, "dispute-3", "nobody", 10)
	assert.ErrorIs(t, err, types.ErrUnknownValidator)
}

func TestApplyPenaltyReputationOnly(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"v": 100})
	cfg := config.TestEngineConfig()
	cfg.PenaltyTarget = config.PenaltyTargetReputation
	r := newRegistryWithConfig(t, cfg, l)
	require.NoError(t, r.Refresh(ctx, 1))

	rec, err := r.ApplyPenalty(ctx, "dispute-1", "v", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 45, rec.ReputationAfter)
	assert.EqualValues(t, 100, rec.StakeAfter)
	assert.Equal(t, 0, l.PenaltyCount())
}

func TestApplyPenaltyRetriedAfterRefresh(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(map[string]uint64{"v": 100})
	cfg := config.TestEngineConfig()
	cfg.PenaltyTarget = config.PenaltyTargetStake
	r := newRegistryWithConfig(t, cfg, l)
	require.NoError(t, r.Refresh(ctx, 1))

	l.SetUnavailable(true)
	rec, err := r.ApplyPenalty(ctx, "dispute-1", "v", 30)
	require.NoError(t, err)
	assert.False(t, rec.StakeSubmitted)
	assert.Len(t, r.PendingPenalties(), 1)

	l.SetUnavailable(false)
	require.NoError(t, r.Refresh(ctx, 2))
	assert.Empty(t, r.PendingPenalties())
	assert.Equal(t, 1, l.PenaltyCount())

	// the pending penalty was not lost nor counted twice
	v, err := r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 70, v.StakedAmount)

	require.NoError(t, r.Refresh(ctx, 3))
	v, err = r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 70, v.StakedAmount)
}

// stallingLedger parks every GetStake after reading the stake until release
// is closed.
type stallingLedger struct {
	*ledger.MemLedger
	read    chan struct{}
	release chan struct{}
}

func (l *stallingLedger) GetStake(ctx context.Context, id string) (uint64, error) {
	stake, err := l.MemLedger.GetStake(ctx, id)
	select {
	case l.read <- struct{}{}:
	default:
	}
	<-l.release
	return stake, err
}

func TestPenaltyDuringRefreshIsNotLost(t *testing.T) {
	ctx := context.Background()
	mem := newTestLedger(map[string]uint64{"v": 100})
	cfg := config.TestEngineConfig()
	cfg.PenaltyTarget = config.PenaltyTargetStake
	r := newRegistryWithConfig(t, cfg, mem)
	require.NoError(t, r.Refresh(ctx, 1))

	stalling := &stallingLedger{
		MemLedger: mem,
		read:      make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	r.ledger = stalling

	refreshed := make(chan error, 1)
	go func() { refreshed <- r.Refresh(ctx, 2) }()
	<-stalling.read

	// the refresh holds a stake of 100 while the penalty lands
	penalized := make(chan error, 1)
	go func() {
		_, err := r.ApplyPenalty(ctx, "dispute-1", "v", 30)
		penalized <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := r.Penalty("dispute-1", "v")
		return ok
	}, time.Second, 5*time.Millisecond)

	close(stalling.release)
	require.NoError(t, <-refreshed)
	require.NoError(t, <-penalized)

	v, err := r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 70, v.StakedAmount)
	assert.Empty(t, r.PendingPenalties())

	stake, err := mem.GetStake(ctx, "v")
	require.NoError(t, err)
	assert.EqualValues(t, 70, stake)

	require.NoError(t, r.Refresh(ctx, 3))
	v, err = r.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 70, v.StakedAmount)
}

func TestRecordParticipation(t *testing.T) {
	ctx := context.Background()
	cfg := config.TestEngineConfig()
	cfg.InitialReputation = 99
	r := newRegistryWithConfig(t, cfg, newTestLedger(map[string]uint64{"a": 10, "b": 10}))
	require.NoError(t, r.Refresh(ctx, 1))

	votes := []types.VoteRecord{
		{VoterID: "a", Decision: types.DecisionFor},
		{VoterID: "b", Decision: types.DecisionAgainst},
		{VoterID: "ghost", Decision: types.DecisionFor},
	}
	r.RecordParticipation(votes, types.TopicReached)
	r.RecordParticipation(votes, types.TopicReached)

	a, err := r.Validator("a")
	require.NoError(t, err)
	assert.EqualValues(t, 100, a.ReputationScore)
	assert.EqualValues(t, 2, a.Performance.VoteCount)

	b, err := r.Validator("b")
	require.NoError(t, err)
	assert.EqualValues(t, 99, b.ReputationScore)
	assert.EqualValues(t, 2, b.Performance.VoteCount)
}

func TestRegistryPersistence(t *testing.T) {
	ctx := context.Background()
	kv, err := store.NewKVStoreWithDB(tmdb.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	l := newTestLedger(map[string]uint64{"v": 100})

	r := newTestRegistry(t, l, WithStore(kv))
	require.NoError(t, r.Refresh(ctx, 1))
	_, err = r.ApplyPenalty(ctx, "dispute-1", "v", 10)
	require.NoError(t, err)
	require.NoError(t, r.Ban("v"))

	restarted := newTestRegistry(t, l, WithStore(kv))
	require.NoError(t, restarted.LoadFromStore())
	v, err := restarted.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 40, v.ReputationScore)
	assert.True(t, v.Banned)

	// the penalty is remembered across the restart
	_, err = restarted.ApplyPenalty(ctx, "dispute-1", "v", 10)
	require.NoError(t, err)
	v, err = restarted.Validator("v")
	require.NoError(t, err)
	assert.EqualValues(t, 40, v.ReputationScore)
	assert.Equal(t, 1, l.PenaltyCount())
}

func TestRegistryFiresEvents(t *testing.T) {
	ctx := context.Background()
	evsw := events.NewEventSwitch()
	require.NoError(t, evsw.Start())
	defer evsw.Stop() // nolint:errcheck

	selected := make(chan types.EventDataActiveSet, 1)
	penalties := make(chan types.EventDataPenalty, 1)
	require.NoError(t, evsw.AddListenerForEvent("test", types.EventValidatorSelected, func(data events.EventData) {
		selected <- data.(types.EventDataActiveSet)
	}))
	require.NoError(t, evsw.AddListenerForEvent("test", types.EventPenaltyApplied, func(data events.EventData) {
		penalties <- data.(types.EventDataPenalty)
	}))

	r := newTestRegistry(t, newTestLedger(map[string]uint64{"a": 10}), WithEventSwitch(evsw))
	require.NoError(t, r.Refresh(ctx, 1))

	set, err := r.SelectActiveSet(ctx, 1, 1)
	require.NoError(t, err)
	ev := <-selected
	assert.EqualValues(t, set.Hash(), ev.Hash)
	assert.Equal(t, set.Members, ev.Members)

	_, err = r.ApplyPenalty(ctx, "dispute-1", "a", 1)
	require.NoError(t, err)
	pev := <-penalties
	assert.Equal(t, "a", pev.Penalty.ValidatorID)
}
