package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("Valid")
	require.NoError(t, err)
	assert.Equal(t, DecisionFor, d)

	d, err = ParseDecision(" against ")
	require.NoError(t, err)
	assert.Equal(t, DecisionAgainst, d)

	_, err = ParseDecision("maybe")
	assert.ErrorIs(t, err, ErrInvalidVote)
}

func TestVoteValidateBasic(t *testing.T) {
	good := &VoteRecord{TopicID: []byte{1}, VoterID: "a", Decision: DecisionFor}
	assert.NoError(t, good.ValidateBasic())

	cases := []*VoteRecord{
		nil,
		{VoterID: "a", Decision: DecisionFor},
		{TopicID: []byte{1}, Decision: DecisionFor},
		{TopicID: []byte{1}, VoterID: "a", Decision: 9},
		{TopicID: []byte{1}, VoterID: "a", Decision: DecisionFor, CastAtEpoch: -1},
	}
	for i, v := range cases {
		assert.ErrorIs(t, v.ValidateBasic(), ErrInvalidVote, "case %d", i)
	}
}

func TestVoteSupersedes(t *testing.T) {
	now := time.Now()
	early := &VoteRecord{CastAtEpoch: 1, CastAt: now, Decision: DecisionAgainst}
	later := &VoteRecord{CastAtEpoch: 1, CastAt: now.Add(time.Second), Decision: DecisionFor}
	nextEpoch := &VoteRecord{CastAtEpoch: 2, CastAt: now.Add(-time.Hour), Decision: DecisionFor}
	tie := &VoteRecord{CastAtEpoch: 1, CastAt: now, Decision: DecisionFor}

	assert.True(t, later.Supersedes(early))
	assert.False(t, early.Supersedes(later))
	assert.True(t, nextEpoch.Supersedes(later))
	assert.True(t, early.Supersedes(nil))

	// a total order: exactly one of a tie wins
	assert.True(t, early.Supersedes(tie) != tie.Supersedes(early))
}

func TestVoteSignBytesIgnoresWeight(t *testing.T) {
	v := &VoteRecord{TopicID: []byte{1, 2}, VoterID: "a", Decision: DecisionFor, Weight: 10, CastAtEpoch: 4, CastAt: time.Unix(10, 0)}
	bz := VoteSignBytes("chain", v)

	v2 := *v
	v2.Weight = 99
	assert.Equal(t, bz, VoteSignBytes("chain", &v2))
	assert.NotEqual(t, bz, VoteSignBytes("other-chain", v))

	v2.Decision = DecisionAgainst
	assert.NotEqual(t, bz, VoteSignBytes("chain", &v2))
}
