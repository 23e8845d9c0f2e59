package consensus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	"stakebft/config"
	"stakebft/privval"
	"stakebft/types"
)

const testChainID = "consensus_test"

var topicT1 = types.TopicIDFromData([]byte("T1"))

type participation struct {
	mtx     sync.Mutex
	calls   int
	outcome types.TopicStatus
	voters  []string
}

func (p *participation) RecordParticipation(votes []types.VoteRecord, outcome types.TopicStatus) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls++
	p.outcome = outcome
	p.voters = p.voters[:0]
	for _, v := range votes {
		p.voters = append(p.voters, v.VoterID)
	}
}

// eventLog collects the engine events fired by the resolver.
type eventLog struct {
	mtx    sync.Mutex
	events []string
	data   []events.EventData
}

func newEventLog(t *testing.T) (*eventLog, events.EventSwitch) {
	evsw := events.NewEventSwitch()
	el := &eventLog{}
	for _, name := range types.AllEvents() {
		name := name
		require.NoError(t, evsw.AddListenerForEvent("test", name, func(data events.EventData) {
			el.mtx.Lock()
			el.events = append(el.events, name)
			el.data = append(el.data, data)
			el.mtx.Unlock()
		}))
	}
	return el, evsw
}

func (el *eventLog) names() []string {
	el.mtx.Lock()
	defer el.mtx.Unlock()
	return append([]string(nil), el.events...)
}

func (el *eventLog) last(name string) events.EventData {
	el.mtx.Lock()
	defer el.mtx.Unlock()
	for i := len(el.events) - 1; i >= 0; i-- {
		if el.events[i] == name {
			return el.data[i]
		}
	}
	return nil
}

func equalWeightSet(t *testing.T, epoch types.Epoch, ids ...string) *types.ActiveSet {
	members := make([]types.ActiveMember, 0, len(ids))
	for _, id := range ids {
		members = append(members, types.ActiveMember{ID: id, Weight: 100})
	}
	set, err := types.NewActiveSet(epoch, members)
	require.NoError(t, err)
	return set
}

func newTestResolver(t *testing.T, options ...ResolverOption) *Resolver {
	cfg := config.TestEngineConfig()
	cfg.QuorumThreshold = 0.6
	r := NewResolver(cfg, testChainID, types.EpochZero, options...)
	r.SetLogger(log.TestingLogger())
	return r
}

func vote(voter string, d types.Decision, epoch types.Epoch) types.VoteRecord {
	return types.VoteRecord{
		TopicID:     topicT1,
		VoterID:     voter,
		Decision:    d,
		CastAtEpoch: epoch,
		CastAt:      time.Now(),
	}
}

// T1: quorum 0.6 of 300, 200 for reaches it and 50 against is refused.
func TestResolverReachesQuorum(t *testing.T) {
	el, evsw := newEventLog(t)
	p := &participation{}
	r := newTestResolver(t, WithEventSwitch(evsw), WithParticipationRecorder(p))
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, "v1", "v2", "v3")))

	rec, err := r.CastVote(vote("v1", types.DecisionFor, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 100, rec.Weight)

	_, err = r.CastVote(vote("v2", types.DecisionFor, 1))
	require.NoError(t, err)

	topic, err := r.Topic(topicT1)
	require.NoError(t, err)
	assert.Equal(t, types.TopicReached, topic.Status)

	_, err = r.CastVote(vote("v3", types.DecisionAgainst, 1))
	assert.ErrorIs(t, err, types.ErrTopicClosed)

	topic, err = r.Topic(topicT1)
	require.NoError(t, err)
	assert.EqualValues(t, 200, topic.ForWeight)
	assert.EqualValues(t, 0, topic.AgainstWeight)
	assert.EqualValues(t, 300, topic.TotalEligibleWeight)

	assert.Equal(t, []string{
		types.EventTopicOpened,
		types.EventVoteCast,
		types.EventVoteCast,
		types.EventTopicReached,
		types.EventVoteRejected,
	}, el.names())

	reached := el.last(types.EventTopicReached).(types.EventDataTopic)
	assert.Equal(t, types.TopicOpen, reached.PriorStatus)
	assert.EqualValues(t, 200, reached.Topic.ForWeight)

	assert.Equal(t, 1, p.calls)
	assert.Equal(t, types.TopicReached, p.outcome)
	assert.Equal(t, []string{"v1", "v2"}, p.voters)

	assert.EqualValues(t, 2, r.metric.Count(metricVotesCast))
	assert.EqualValues(t, 1, r.metric.Count(metricVotesRejected))
	assert.EqualValues(t, 1, r.metric.Count(metricTopicsReached))
}

func TestResolverFailed(t *testing.T) {
	p := &participation{}
	r := newTestResolver(t, WithParticipationRecorder(p))
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, "v1", "v2", "v3")))

	for _, id := range []string{"v1", "v2"} {
		_, err := r.CastVote(vote(id, types.DecisionAgainst, 1))
		require.NoError(t, err)
	}
	assert.Len(t, r.Topics(types.TopicFailed), 1)
	assert.Empty(t, r.Topics(types.TopicOpen))
	assert.Equal(t, types.TopicFailed, p.outcome)
}

func TestResolverRejectsNonMembers(t *testing.T) {
	el, evsw := newEventLog(t)
	r := newTestResolver(t, WithEventSwitch(evsw))
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, "v1")))

	_, err := r.CastVote(vote("mallory", types.DecisionFor, 1))
	assert.ErrorIs(t, err, types.ErrNotAnActiveValidator)

	// nothing opened
	_, err = r.Topic(topicT1)
	assert.ErrorIs(t, err, types.ErrUnknownTopic)

	rejected := el.last(types.EventVoteRejected).(types.EventDataVote)
	assert.Equal(t, "mallory", rejected.Vote.VoterID)
	assert.False(t, rejected.Stale)
	assert.NotEmpty(t, rejected.Reason)
}

func TestOldVoteCannotOpenTopic(t *testing.T) {
	el, evsw := newEventLog(t)
	r := newTestResolver(t, WithEventSwitch(evsw))
	require.NoError(t, r.AdvanceEpoch(2, equalWeightSet(t, 2, "v1")))

	_, err := r.CastVote(vote("v1", types.DecisionFor, 1))
	assert.ErrorIs(t, err, types.ErrStaleVote)
	_, err = r.Topic(topicT1)
	assert.ErrorIs(t, err, types.ErrUnknownTopic)

	rejected := el.last(types.EventVoteRejected).(types.EventDataVote)
	assert.True(t, rejected.Stale)
	assert.EqualValues(t, 1, r.metric.Count(metricVotesStale))
}

func TestStaleVotesAreKept(t *testing.T) {
	r := newTestResolver(t)
	set := equalWeightSet(t, 1, "v1", "v2", "v3")
	require.NoError(t, r.AdvanceEpoch(1, set))

	_, err := r.OpenTopic(topicT1)
	require.NoError(t, err)
	require.NoError(t, r.AdvanceEpoch(2, set))

	_, err = r.CastVote(vote("v1", types.DecisionFor, 0))
	assert.ErrorIs(t, err, types.ErrStaleVote)

	stale, err := r.StaleVotes(topicT1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "v1", stale[0].VoterID)

	topic, err := r.Topic(topicT1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, topic.ForWeight)
	assert.Equal(t, types.TopicOpen, topic.Status)
}

func TestTopicExpiresAfterDeadline(t *testing.T) {
	el, evsw := newEventLog(t)
	p := &participation{}
	r := newTestResolver(t, WithEventSwitch(evsw), WithParticipationRecorder(p))
	set := equalWeightSet(t, 1, "v1", "v2", "v3")
	require.NoError(t, r.AdvanceEpoch(1, set))

	_, err := r.CastVote(vote("v1", types.DecisionFor, 1))
	require.NoError(t, err)

	// the window is the open epoch plus one
	require.NoError(t, r.AdvanceEpoch(2, set))
	_, err = r.CastVote(vote("v2", types.DecisionAgainst, 2))
	require.NoError(t, err)

	require.NoError(t, r.AdvanceEpoch(3, set))
	topic, err := r.Topic(topicT1)
	require.NoError(t, err)
	assert.Equal(t, types.TopicExpired, topic.Status)
	assert.EqualValues(t, 3, topic.ClosedAtEpoch)
	assert.NotNil(t, el.last(types.EventTopicExpired))

	_, err = r.CastVote(vote("v3", types.DecisionFor, 3))
	assert.ErrorIs(t, err, types.ErrTopicClosed)

	// expiry is not a decision
	assert.Equal(t, 0, p.calls)
}

func TestTopicKeepsItsEligibleSet(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, "v1", "v2", "v3")))
	_, err := r.OpenTopic(topicT1)
	require.NoError(t, err)

	// v4 joins the active set but was not eligible when T1 opened
	require.NoError(t, r.AdvanceEpoch(2, equalWeightSet(t, 2, "v1", "v4")))
	_, err = r.CastVote(vote("v4", types.DecisionFor, 2))
	assert.ErrorIs(t, err, types.ErrNotAnActiveValidator)

	// v2 was eligible but left the active set
	_, err = r.CastVote(vote("v2", types.DecisionFor, 2))
	assert.ErrorIs(t, err, types.ErrNotAnActiveValidator)

	_, err = r.CastVote(vote("v1", types.DecisionFor, 2))
	assert.NoError(t, err)
}

func TestOpenTopicIsIdempotent(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.AdvanceEpoch(4, equalWeightSet(t, 4, "v1")))

	first, err := r.OpenTopic(topicT1)
	require.NoError(t, err)
	assert.EqualValues(t, 4, first.OpenedAtEpoch)
	assert.EqualValues(t, 5, first.DeadlineEpoch)
	assert.EqualValues(t, 600000, first.QuorumThreshold)

	require.NoError(t, r.AdvanceEpoch(5, equalWeightSet(t, 5, "v1")))
	second, err := r.OpenTopic(topicT1)
	require.NoError(t, err)
	assert.Equal(t, first.OpenedAtEpoch, second.OpenedAtEpoch)
	assert.Len(t, r.Topics(0), 1)

	_, err = r.OpenTopic(nil)
	assert.Error(t, err)
}

func TestAdvanceEpochCannotGoBack(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.AdvanceEpoch(3, nil))
	assert.Error(t, r.AdvanceEpoch(2, nil))
	assert.EqualValues(t, 3, r.Epoch())
	assert.Equal(t, 0, r.ActiveSet().Size())
}

func TestConcurrentVotesOnOneTopic(t *testing.T) {
	const voters = 64
	ids := make([]string, voters)
	for i := range ids {
		ids[i] = fmt.Sprintf("val-%02d", i)
	}
	r := newTestResolver(t)
	r.config.QuorumThreshold = 1
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, ids...)))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// flip flop, the last stamp is For
			first := vote(id, types.DecisionAgainst, 1)
			last := first
			last.Decision = types.DecisionFor
			last.CastAt = first.CastAt.Add(time.Millisecond)
			_, _ = r.CastVote(last)
			_, _ = r.CastVote(first)
		}(id)
	}
	wg.Wait()

	topic, err := r.Topic(topicT1)
	require.NoError(t, err)
	assert.Equal(t, types.TopicReached, topic.Status)
	assert.EqualValues(t, voters*100, topic.ForWeight)
	assert.EqualValues(t, 0, topic.AgainstWeight)
}

func TestOwnVoteIsSignedAndGossiped(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	pv := types.NewMockPV()
	r := newTestResolver(t, WithPrivValidator(pv))
	require.Equal(t, pv.ID(), r.NodeID())
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, pv.ID(), "other")))

	gossiped := make(chan *types.SignedVote, 1)
	require.NoError(t, r.eventSwitch.AddListenerForEvent("test", EventNewVote, func(data events.EventData) {
		gossiped <- data.(*types.SignedVote)
	}))

	require.NoError(t, r.Start())
	defer func() { require.NoError(t, r.Stop()) }()

	rec, err := r.Vote(topicT1, types.DecisionFor)
	require.NoError(t, err)
	assert.Equal(t, pv.ID(), rec.VoterID)

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	kr := privval.NewKeyring()
	kr.Add(pv.ID(), pub)

	select {
	case sv := <-gossiped:
		assert.NoError(t, kr.VerifyVote(testChainID, sv))
	case <-time.After(time.Second):
		t.Fatal("own vote was not gossiped")
	}
}

func TestVoteWithoutKey(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Vote(topicT1, types.DecisionFor)
	assert.ErrorIs(t, err, ErrNoPrivValidator)
}

func TestPeerVotesAreApplied(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	r := newTestResolver(t)
	require.NoError(t, r.AdvanceEpoch(1, equalWeightSet(t, 1, "v1", "v2")))
	require.NoError(t, r.Start())
	defer func() { require.NoError(t, r.Stop()) }()

	r.AddPeerVote(&types.SignedVote{Vote: vote("v1", types.DecisionFor, 1), Signature: []byte{1}}, "peer")
	assert.Eventually(t, func() bool {
		votes, err := r.Votes(topicT1)
		return err == nil && len(votes) == 1
	}, time.Second, 10*time.Millisecond)
}
