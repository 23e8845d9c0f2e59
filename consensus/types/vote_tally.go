package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"stakebft/types"
)

const ppmScale = 1000000

var ErrInvalidQuorum = errors.New("quorum threshold must be in (0.5, 1]")

// VoteTally accumulates the weighted votes of one topic against the
// eligible set captured when the topic opened.
//
// Invariants while the topic is Open:
//   - at most one vote per voter is counted, the one that supersedes the rest
//   - ForWeight + AgainstWeight <= TotalEligibleWeight
//
// Once the topic is terminal nothing changes anymore.
//
// NOTE: not goroutine-safe. The resolver serialises access per topic.
type VoteTally struct {
	topic    types.ConsensusTopic
	eligible *types.ActiveSet

	votes map[string]*types.VoteRecord
	stale []types.VoteRecord
}

// NewVoteTally opens a topic at epoch opened that accepts votes up to and
// including deadline. quorumPPM is the quorum fraction in parts per million.
func NewVoteTally(
	id tmbytes.HexBytes,
	eligible *types.ActiveSet,
	quorumPPM uint64,
	opened, deadline types.Epoch,
) (*VoteTally, error) {
	if len(id) == 0 {
		return nil, fmt.Errorf("%w: empty topic id", types.ErrInvalidVote)
	}
	if quorumPPM <= ppmScale/2 || quorumPPM > ppmScale {
		return nil, fmt.Errorf("%w: got %d ppm", ErrInvalidQuorum, quorumPPM)
	}
	if deadline.Before(opened) {
		return nil, fmt.Errorf("deadline %v before open epoch %v", deadline, opened)
	}
	if eligible == nil {
		eligible = types.EmptyActiveSet(opened)
	}
	return &VoteTally{
		topic: types.ConsensusTopic{
			ID:                  id,
			TotalEligibleWeight: eligible.TotalWeight,
			QuorumThreshold:     quorumPPM,
			OpenedAtEpoch:       opened,
			DeadlineEpoch:       deadline,
			ClosedAtEpoch:       types.NeverSelected,
			Status:              types.TopicOpen,
		},
		eligible: eligible,
		votes:    make(map[string]*types.VoteRecord),
	}, nil
}

// Add counts vote at the current epoch. The weight is taken from the
// eligible set, whatever the vote carries. It returns the stored record,
// or nil when an already counted vote of the same voter supersedes it.
//
// A vote outside the topic's window is kept in the stale log and returns
// ErrStaleVote without touching the weights.
func (vt *VoteTally) Add(vote types.VoteRecord, current types.Epoch) (*types.VoteRecord, error) {
	if err := vote.ValidateBasic(); err != nil {
		return nil, err
	}
	if !bytes.Equal(vt.topic.ID, vote.TopicID) {
		return nil, fmt.Errorf("%w: vote for %v added to topic %v", types.ErrInvalidVote, vote.TopicID, vt.topic.ID)
	}
	if vt.topic.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %v is %v", types.ErrTopicClosed, vt.topic.ID, vt.topic.Status)
	}
	_, member, ok := vt.eligible.GetByID(vote.VoterID)
	if !ok {
		return nil, fmt.Errorf("%w: %s not eligible on %v", types.ErrNotAnActiveValidator, vote.VoterID, vt.topic.ID)
	}
	vote.Weight = member.Weight

	if vote.CastAtEpoch.Before(vt.topic.OpenedAtEpoch) ||
		vote.CastAtEpoch.After(vt.topic.DeadlineEpoch) ||
		vote.CastAtEpoch.After(current) {
		vt.stale = append(vt.stale, vote)
		return nil, fmt.Errorf("%w: epoch %v outside [%v, %v] at %v",
			types.ErrStaleVote, vote.CastAtEpoch, vt.topic.OpenedAtEpoch, vt.topic.DeadlineEpoch, current)
	}

	prior, voted := vt.votes[vote.VoterID]
	if voted && !vote.Supersedes(prior) {
		return nil, nil
	}
	if voted {
		vt.subtract(prior)
	}
	vt.add(&vote)
	vt.votes[vote.VoterID] = &vote

	rec := vote
	return &rec, nil
}

func (vt *VoteTally) add(v *types.VoteRecord) {
	switch v.Decision {
	case types.DecisionFor:
		vt.topic.ForWeight += v.Weight
	case types.DecisionAgainst:
		vt.topic.AgainstWeight += v.Weight
	}
}

func (vt *VoteTally) subtract(v *types.VoteRecord) {
	switch v.Decision {
	case types.DecisionFor:
		vt.topic.ForWeight -= v.Weight
	case types.DecisionAgainst:
		vt.topic.AgainstWeight -= v.Weight
	}
}

// Evaluate applies the quorum rule at the current epoch and reports whether
// the status changed. Reached wins over Expired: a quorum met by the last
// votes of the window still counts at the tick after it.
func (vt *VoteTally) Evaluate(current types.Epoch) (types.TopicStatus, bool) {
	if vt.topic.Status.IsTerminal() {
		return vt.topic.Status, false
	}

	switch {
	case vt.quorumMet(vt.topic.ForWeight):
		vt.topic.Status = types.TopicReached
	case vt.quorumMet(vt.topic.AgainstWeight):
		vt.topic.Status = types.TopicFailed
	case current.After(vt.topic.DeadlineEpoch):
		vt.topic.Status = types.TopicExpired
	default:
		return types.TopicOpen, false
	}
	vt.topic.ClosedAtEpoch = current
	return vt.topic.Status, true
}

// quorumMet reports w * 1e6 >= ppm * total. No weight meets the quorum of
// an empty set.
func (vt *VoteTally) quorumMet(w types.Weight) bool {
	if vt.topic.TotalEligibleWeight == 0 {
		return false
	}
	lhs := new(uint256.Int).Mul(uint256.NewInt(uint64(w)), uint256.NewInt(ppmScale))
	rhs := new(uint256.Int).Mul(
		uint256.NewInt(vt.topic.QuorumThreshold),
		uint256.NewInt(uint64(vt.topic.TotalEligibleWeight)),
	)
	return !lhs.Lt(rhs)
}

// Topic returns a copy of the topic.
func (vt *VoteTally) Topic() types.ConsensusTopic {
	t := vt.topic
	t.ID = append(tmbytes.HexBytes(nil), vt.topic.ID...)
	return t
}

func (vt *VoteTally) Status() types.TopicStatus {
	return vt.topic.Status
}

func (vt *VoteTally) Eligible() *types.ActiveSet {
	return vt.eligible
}

// Votes returns the counted votes ordered by voter id.
func (vt *VoteTally) Votes() []types.VoteRecord {
	votes := make([]types.VoteRecord, 0, len(vt.votes))
	for _, v := range vt.votes {
		votes = append(votes, *v)
	}
	sort.Sort(types.VotesByVoter(votes))
	return votes
}

// Vote returns the counted vote of voterID.
func (vt *VoteTally) Vote(voterID string) (types.VoteRecord, bool) {
	v, ok := vt.votes[voterID]
	if !ok {
		return types.VoteRecord{}, false
	}
	return *v, true
}

// Stale returns the rejected out-of-window votes in arrival order.
func (vt *VoteTally) Stale() []types.VoteRecord {
	return append([]types.VoteRecord(nil), vt.stale...)
}

func (vt *VoteTally) String() string {
	return fmt.Sprintf("VoteTally{%v votes:%d stale:%d}", vt.topic, len(vt.votes), len(vt.stale))
}
