package types

import (
	"fmt"
	"strings"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

type Decision uint8

const (
	DecisionFor     = Decision(1)
	DecisionAgainst = Decision(2)
)

func (d Decision) String() string {
	switch d {
	case DecisionFor:
		return "For"
	case DecisionAgainst:
		return "Against"
	default:
		return "UnknownDecision"
	}
}

func (d Decision) IsValid() bool {
	return d == DecisionFor || d == DecisionAgainst
}

// ParseDecision accepts the spellings used on the RPC surface.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "for", "yes", "support", "valid":
		return DecisionFor, nil
	case "against", "no", "reject", "invalid":
		return DecisionAgainst, nil
	default:
		return 0, fmt.Errorf("%w: unknown decision %q", ErrInvalidVote, s)
	}
}

// VoteRecord - one weighted vote of a validator on a topic. There is at most
// one record per (topic, voter); a later record replaces an earlier one.
type VoteRecord struct {
	TopicID     tmbytes.HexBytes `json:"topic_id"`
	VoterID     string           `json:"voter_id"`
	Decision    Decision         `json:"decision"`
	Weight      Weight           `json:"weight"` // captured at cast time, immutable
	CastAtEpoch Epoch            `json:"cast_at_epoch"`
	CastAt      time.Time        `json:"cast_at"`
}

func (v *VoteRecord) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	if len(v.TopicID) == 0 {
		return fmt.Errorf("%w: empty topic id", ErrInvalidVote)
	}
	if v.VoterID == "" {
		return fmt.Errorf("%w: empty voter id", ErrInvalidVote)
	}
	if !v.Decision.IsValid() {
		return fmt.Errorf("%w: decision %d", ErrInvalidVote, v.Decision)
	}
	if v.CastAtEpoch < EpochZero {
		return fmt.Errorf("%w: negative epoch %v", ErrInvalidVote, v.CastAtEpoch)
	}
	return nil
}

// Supersedes reports whether v replaces other under last-vote-wins. The
// order is the vote's own (CastAtEpoch, CastAt) stamp, never arrival order;
// identical stamps fall back to the decision so every node agrees.
func (v *VoteRecord) Supersedes(other *VoteRecord) bool {
	if other == nil {
		return true
	}
	if v.CastAtEpoch != other.CastAtEpoch {
		return v.CastAtEpoch > other.CastAtEpoch
	}
	if !v.CastAt.Equal(other.CastAt) {
		return v.CastAt.After(other.CastAt)
	}
	return v.Decision > other.Decision
}

func (v *VoteRecord) String() string {
	if v == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%v %s %v w:%v e:%v}", v.TopicID, v.VoterID, v.Decision, v.Weight, v.CastAtEpoch)
}

// SignedVote is a VoteRecord as it travels between nodes. The weight is
// never trusted from the wire; the receiver assigns it from its active set.
type SignedVote struct {
	Vote      VoteRecord       `json:"vote"`
	Signature tmbytes.HexBytes `json:"signature"`
}

type canonicalVote struct {
	ChainID  string           `json:"chain_id"`
	TopicID  tmbytes.HexBytes `json:"topic_id"`
	VoterID  string           `json:"voter_id"`
	Decision Decision         `json:"decision"`
	Epoch    int64            `json:"epoch"`
	CastAt   int64            `json:"cast_at"`
}

// VoteSignBytes returns the bytes a voter signs. Weight is excluded.
func VoteSignBytes(chainID string, v *VoteRecord) []byte {
	bz, err := tmjson.Marshal(canonicalVote{
		ChainID:  chainID,
		TopicID:  v.TopicID,
		VoterID:  v.VoterID,
		Decision: v.Decision,
		Epoch:    v.CastAtEpoch.Int64(),
		CastAt:   v.CastAt.UnixNano(),
	})
	if err != nil {
		panic(err)
	}
	return bz
}

// VotesByVoter sorts votes by voter id.
type VotesByVoter []VoteRecord

func (vs VotesByVoter) Len() int           { return len(vs) }
func (vs VotesByVoter) Less(i, j int) bool { return vs[i].VoterID < vs[j].VoterID }
func (vs VotesByVoter) Swap(i, j int)      { vs[i], vs[j] = vs[j], vs[i] }
