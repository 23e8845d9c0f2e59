package consensus

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	"stakebft/config"
	cstypes "stakebft/consensus/types"
	"stakebft/libs/metric"
	"stakebft/types"
)

const peerMsgQueueSize = 1000

var ErrNoPrivValidator = errors.New("resolver has no validator key")

// ParticipationRecorder learns who voted once a topic is decided.
type ParticipationRecorder interface {
	RecordParticipation(votes []types.VoteRecord, outcome types.TopicStatus)
}

type topicState struct {
	mtx   tmsync.Mutex
	tally *cstypes.VoteTally
}

// Resolver owns every topic and its tally, from the first vote to Reached,
// Failed or Expired.
//
// Locking: mtx guards the topic index and the epoch state, each topic has
// its own mutex. mtx is always taken first and never held while waiting on
// a topic lock that someone else may hold.
type Resolver struct {
	service.BaseService

	config  *config.EngineConfig
	chainID string

	privVal types.PrivValidator
	nodeID  string

	mtx    tmsync.RWMutex
	es     cstypes.EpochState
	topics map[string]*topicState

	participation ParticipationRecorder

	// evsw carries the engine events to the audit recorder and the arbiter.
	// eventSwitch only carries votes to gossip to the reactor.
	evsw        events.Fireable
	eventSwitch events.EventSwitch

	peerMsgQueue chan msgInfo

	metric *consensusMetric
}

type ResolverOption func(*Resolver)

// WithPrivValidator lets the resolver cast votes of its own.
func WithPrivValidator(pv types.PrivValidator) ResolverOption {
	return func(r *Resolver) {
		r.privVal = pv
		if r.nodeID != "" {
			return
		}
		pub, err := pv.GetPubKey()
		if err == nil {
			r.nodeID = types.ValidatorIDFromPubKey(pub)
		}
	}
}

func WithEventSwitch(evsw events.Fireable) ResolverOption {
	return func(r *Resolver) {
		r.evsw = evsw
	}
}

func WithParticipationRecorder(p ParticipationRecorder) ResolverOption {
	return func(r *Resolver) {
		r.participation = p
	}
}

func NewResolver(
	cfg *config.EngineConfig,
	chainID string,
	initial types.Epoch,
	options ...ResolverOption,
) *Resolver {
	r := &Resolver{
		config:       cfg,
		chainID:      chainID,
		nodeID:       cfg.NodeID,
		es:           cstypes.NewEpochState(initial),
		topics:       make(map[string]*topicState),
		eventSwitch:  events.NewEventSwitch(),
		peerMsgQueue: make(chan msgInfo, peerMsgQueueSize),
		metric:       newConsensusMetric(),
	}
	r.BaseService = *service.NewBaseService(nil, "Resolver", r)

	for _, opt := range options {
		opt(r)
	}
	r.metric.MarkEpoch(initial, r.es.StartTime)
	r.metric.MarkActiveSet(r.es.ActiveSet, r.nodeID)
	return r
}

func (r *Resolver) SetLogger(logger log.Logger) {
	r.Logger = logger
	r.eventSwitch.SetLogger(logger.With("module", "resolver-events"))
}

func (r *Resolver) OnStart() error {
	if err := r.eventSwitch.Start(); err != nil {
		return err
	}
	go r.receiveRoutine()
	r.Logger.Info("resolver started", "epoch", r.Epoch(), "node", r.nodeID)
	return nil
}

func (r *Resolver) OnStop() {
	if err := r.eventSwitch.Stop(); err != nil {
		r.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	r.Logger.Info("resolver stopped")
}

// Metrics returns the resolver's metric item.
func (r *Resolver) Metrics() metric.MetricItem {
	return r.metric
}

func (r *Resolver) NodeID() string {
	return r.nodeID
}

func (r *Resolver) ChainID() string {
	return r.chainID
}

// receiveRoutine applies votes received from peers, one at a time.
func (r *Resolver) receiveRoutine() {
	for {
		select {
		case <-r.Quit():
			r.Logger.Debug("receiveRoutine quit")
			return
		case mi := <-r.peerMsgQueue:
			r.handleMsg(mi)
		}
	}
}

func (r *Resolver) handleMsg(mi msgInfo) {
	msg, peerID := mi.Msg, mi.PeerID

	switch msg := msg.(type) {
	case *VoteMessage:
		if _, err := r.SubmitVote(msg.Vote); err != nil {
			r.Logger.Debug("peer vote rejected", "peer", peerID, "vote", &msg.Vote.Vote, "err", err)
		}
	default:
		r.Logger.Error("unknown msg type", "type", fmt.Sprintf("%T", msg))
	}
}

// AddPeerVote queues a signed vote from a peer. The signature must already
// be verified.
func (r *Resolver) AddPeerVote(vote *types.SignedVote, peerID p2p.ID) {
	r.metric.Inc(metricPeerVotes)
	select {
	case r.peerMsgQueue <- msgInfo{Msg: &VoteMessage{Vote: vote}, PeerID: peerID}:
	case <-r.Quit():
	}
}

//-----------------------------------------------------------------------------
// votes

// Vote signs and casts this node's own vote on topicID at the current
// epoch, then hands it to the reactor for gossip.
func (r *Resolver) Vote(topicID []byte, decision types.Decision) (*types.VoteRecord, error) {
	if r.privVal == nil {
		return nil, ErrNoPrivValidator
	}
	sv := &types.SignedVote{Vote: types.VoteRecord{
		TopicID:     topicID,
		VoterID:     r.nodeID,
		Decision:    decision,
		CastAtEpoch: r.Epoch(),
		CastAt:      tmtime.Now(),
	}}
	if err := r.privVal.SignVote(r.chainID, sv); err != nil {
		return nil, err
	}
	rec, err := r.CastVote(sv.Vote)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		sv.Vote.Weight = rec.Weight
		r.eventSwitch.FireEvent(EventNewVote, sv)
	}
	return rec, nil
}

// SubmitVote casts a vote signed elsewhere and gossips it on if it changed
// the tally. The signature must already be verified.
func (r *Resolver) SubmitVote(sv *types.SignedVote) (*types.VoteRecord, error) {
	rec, err := r.CastVote(sv.Vote)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		// only votes that changed a tally travel on
		r.eventSwitch.FireEvent(EventNewVote, sv)
	}
	return rec, nil
}

// CastVote counts vote if the voter is in the current active set and the
// vote falls in its topic's window. A vote at the current epoch opens an
// unknown topic; an older one can't.
//
// The returned record carries the weight the vote was counted with. It is
// nil without error when a later vote of the same voter is already counted.
func (r *Resolver) CastVote(vote types.VoteRecord) (*types.VoteRecord, error) {
	if err := vote.ValidateBasic(); err != nil {
		return nil, r.reject(vote, err)
	}

	es := r.GetEpochState()
	if !es.IsMember(vote.VoterID) {
		return nil, r.reject(vote, fmt.Errorf("%w: %s at epoch %v",
			types.ErrNotAnActiveValidator, vote.VoterID, es.Epoch))
	}

	ts, ok := r.getTopic(vote.TopicID)
	if !ok {
		if vote.CastAtEpoch != es.Epoch {
			return nil, r.reject(vote, fmt.Errorf("%w: vote at epoch %v can't open topic %v at epoch %v",
				types.ErrStaleVote, vote.CastAtEpoch, vote.TopicID, es.Epoch))
		}
		var err error
		if ts, err = r.openTopic(vote.TopicID, es); err != nil {
			return nil, r.reject(vote, err)
		}
	}

	ts.mtx.Lock()
	defer ts.mtx.Unlock()

	rec, err := ts.tally.Add(vote, es.Epoch)
	if err != nil {
		return nil, r.reject(vote, err)
	}
	if rec == nil {
		r.Logger.Debug("vote superseded by an earlier arrival", "vote", &vote)
		return nil, nil
	}

	r.metric.Inc(metricVotesCast)
	r.Logger.Debug("vote cast", "vote", rec)
	r.fire(types.EventVoteCast, types.EventDataVote{Vote: *rec})

	r.evaluate(ts, es.Epoch)
	return rec, nil
}

// reject makes a refused vote observable and returns err.
func (r *Resolver) reject(vote types.VoteRecord, err error) error {
	stale := errors.Is(err, types.ErrStaleVote)
	r.metric.Inc(metricVotesRejected)
	if stale {
		r.metric.Inc(metricVotesStale)
	}
	r.Logger.Info("vote rejected", "topic", vote.TopicID, "voter", vote.VoterID, "err", err)
	r.fire(types.EventVoteRejected, types.EventDataVote{Vote: vote, Stale: stale, Reason: err.Error()})
	return err
}

// evaluate runs the quorum rule on ts. The caller holds ts.mtx.
func (r *Resolver) evaluate(ts *topicState, epoch types.Epoch) {
	status, changed := ts.tally.Evaluate(epoch)
	if !changed {
		return
	}
	topic := ts.tally.Topic()

	r.metric.Inc(topicMetricName(status))
	r.metric.MarkOpenTopics(-1)
	r.Logger.Info("topic closed", "topic", topic.ID, "status", status,
		"for", topic.ForWeight, "against", topic.AgainstWeight, "total", topic.TotalEligibleWeight)

	r.fire(types.TopicEventName(status), types.EventDataTopic{Topic: topic, PriorStatus: types.TopicOpen})

	if r.participation != nil && (status == types.TopicReached || status == types.TopicFailed) {
		r.participation.RecordParticipation(ts.tally.Votes(), status)
	}
}

//-----------------------------------------------------------------------------
// topics

func topicKey(id []byte) string {
	return fmt.Sprintf("%X", id)
}

func (r *Resolver) getTopic(id []byte) (*topicState, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ts, ok := r.topics[topicKey(id)]
	return ts, ok
}

// openTopic returns the topic id, creating it against es if needed.
func (r *Resolver) openTopic(id []byte, es cstypes.EpochState) (*topicState, error) {
	r.mtx.Lock()
	if ts, ok := r.topics[topicKey(id)]; ok {
		r.mtx.Unlock()
		return ts, nil
	}
	tally, err := cstypes.NewVoteTally(
		id,
		es.ActiveSet,
		r.config.QuorumPPM(),
		es.Epoch,
		es.Epoch.Update(r.config.VotingWindowEpochs),
	)
	if err != nil {
		r.mtx.Unlock()
		return nil, err
	}
	ts := &topicState{tally: tally}
	// nobody else can see ts yet, so this can't block
	ts.mtx.Lock()
	r.topics[topicKey(id)] = ts
	r.mtx.Unlock()
	defer ts.mtx.Unlock()

	topic := tally.Topic()
	r.metric.Inc(metricTopicsOpened)
	r.metric.MarkOpenTopics(1)
	r.Logger.Info("topic opened", "topic", topic.ID, "deadline", topic.DeadlineEpoch,
		"total", topic.TotalEligibleWeight)
	r.fire(types.EventTopicOpened, types.EventDataTopic{Topic: topic})
	return ts, nil
}

// OpenTopic opens id at the current epoch. Opening a known topic returns it
// unchanged.
func (r *Resolver) OpenTopic(id []byte) (types.ConsensusTopic, error) {
	if len(id) == 0 {
		return types.ConsensusTopic{}, fmt.Errorf("%w: empty topic id", types.ErrInvalidVote)
	}
	ts, err := r.openTopic(id, r.GetEpochState())
	if err != nil {
		return types.ConsensusTopic{}, err
	}
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	return ts.tally.Topic(), nil
}

// Topic returns a snapshot of topic id.
func (r *Resolver) Topic(id []byte) (types.ConsensusTopic, error) {
	ts, ok := r.getTopic(id)
	if !ok {
		return types.ConsensusTopic{}, fmt.Errorf("%w: %X", types.ErrUnknownTopic, id)
	}
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	return ts.tally.Topic(), nil
}

// Topics returns the topics with status, or all of them when status is
// zero, ordered by open epoch then id.
func (r *Resolver) Topics(status types.TopicStatus) []types.ConsensusTopic {
	out := make([]types.ConsensusTopic, 0)
	for _, ts := range r.allTopics() {
		ts.mtx.Lock()
		if status == 0 || ts.tally.Status() == status {
			out = append(out, ts.tally.Topic())
		}
		ts.mtx.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAtEpoch != out[j].OpenedAtEpoch {
			return out[i].OpenedAtEpoch < out[j].OpenedAtEpoch
		}
		return topicKey(out[i].ID) < topicKey(out[j].ID)
	})
	return out
}

// Votes returns the counted votes of topic id ordered by voter.
func (r *Resolver) Votes(id []byte) ([]types.VoteRecord, error) {
	ts, ok := r.getTopic(id)
	if !ok {
		return nil, fmt.Errorf("%w: %X", types.ErrUnknownTopic, id)
	}
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	return ts.tally.Votes(), nil
}

// StaleVotes returns the out-of-window votes kept for topic id.
func (r *Resolver) StaleVotes(id []byte) ([]types.VoteRecord, error) {
	ts, ok := r.getTopic(id)
	if !ok {
		return nil, fmt.Errorf("%w: %X", types.ErrUnknownTopic, id)
	}
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	return ts.tally.Stale(), nil
}

// TODO: drop terminal topics once the audit recorder has persisted their
// final event, the index grows with every topic ever opened.
func (r *Resolver) allTopics() []*topicState {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	all := make([]*topicState, 0, len(r.topics))
	for _, ts := range r.topics {
		all = append(all, ts)
	}
	return all
}

//-----------------------------------------------------------------------------
// epochs

// AdvanceEpoch installs the active set of epoch and re-evaluates every open
// topic, expiring those past their deadline.
func (r *Resolver) AdvanceEpoch(epoch types.Epoch, set *types.ActiveSet) error {
	if set == nil {
		set = types.EmptyActiveSet(epoch)
	}

	r.mtx.Lock()
	if epoch.Before(r.es.Epoch) {
		current := r.es.Epoch
		r.mtx.Unlock()
		return fmt.Errorf("can't move back from epoch %v to %v", current, epoch)
	}
	r.es = cstypes.EpochState{Epoch: epoch, StartTime: tmtime.Now(), ActiveSet: set}
	start := r.es.StartTime
	r.mtx.Unlock()

	r.metric.MarkEpoch(epoch, start)
	r.metric.MarkActiveSet(set, r.nodeID)
	r.Logger.Info("entered epoch", "epoch", epoch, "active", set.Size(), "total", set.TotalWeight)

	for _, ts := range r.allTopics() {
		ts.mtx.Lock()
		r.evaluate(ts, epoch)
		ts.mtx.Unlock()
	}
	return nil
}

// GetEpochState returns the epoch in force.
func (r *Resolver) GetEpochState() cstypes.EpochState {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.es
}

func (r *Resolver) Epoch() types.Epoch {
	return r.GetEpochState().Epoch
}

func (r *Resolver) ActiveSet() *types.ActiveSet {
	return r.GetEpochState().ActiveSet
}

func (r *Resolver) fire(event string, data events.EventData) {
	if r.evsw != nil {
		r.evsw.FireEvent(event, data)
	}
}
